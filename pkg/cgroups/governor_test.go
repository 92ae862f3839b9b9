package cgroups

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"masrun/pkg/errdefs"
	"masrun/pkg/spec"
)

// Tests run against a plain temp directory posing as the cgroupfs: the
// governor only ever reads and writes interface files, so it cannot tell
// the difference.

func readGroupFile(t *testing.T, grp *Group, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(grp.Path(), name))
	require.NoError(t, err)
	return string(data)
}

func TestApplyWritesCeilings(t *testing.T) {
	gov := NewGovernor(t.TempDir())

	grp, err := gov.Apply("web-1", spec.Resources{
		MemoryBytes: 64 * 1024 * 1024,
		CPUQuota:    0.5,
		PidsMax:     128,
		IOWeight:    200,
	}, 0)
	require.NoError(t, err)

	assert.Equal(t, "67108864", readGroupFile(t, grp, "memory.max"))
	assert.Equal(t, "50000 100000", readGroupFile(t, grp, "cpu.max"))
	assert.Equal(t, "128", readGroupFile(t, grp, "pids.max"))
	assert.Equal(t, "200", readGroupFile(t, grp, "io.weight"))
	// a memory ceiling arms group-wide OOM: the kernel must take the whole
	// tree, never just the biggest consumer
	assert.Equal(t, "1", readGroupFile(t, grp, "memory.oom.group"))
}

func TestApplyUnlimitedWritesMax(t *testing.T) {
	gov := NewGovernor(t.TempDir())

	grp, err := gov.Apply("free-1", spec.Resources{}, 0)
	require.NoError(t, err)

	assert.Equal(t, "max", readGroupFile(t, grp, "memory.max"))
	assert.Equal(t, "max 100000", readGroupFile(t, grp, "cpu.max"))
	assert.Equal(t, "max", readGroupFile(t, grp, "pids.max"))
	// the kernel default weight is left alone
	_, err = os.Stat(filepath.Join(grp.Path(), "io.weight"))
	assert.True(t, os.IsNotExist(err))
	// no ceiling, no group-wide OOM switch
	_, err = os.Stat(filepath.Join(grp.Path(), "memory.oom.group"))
	assert.True(t, os.IsNotExist(err))
}

func TestApplyAttachesInitialProcess(t *testing.T) {
	gov := NewGovernor(t.TempDir())

	grp, err := gov.Apply("web-1", spec.Resources{}, 4321)
	require.NoError(t, err)
	assert.Equal(t, "4321", readGroupFile(t, grp, "cgroup.procs"))

	assert.Error(t, grp.AddProcess(0))
	assert.Error(t, grp.AddProcess(-1))
}

func TestApplyRejectsEmptyID(t *testing.T) {
	gov := NewGovernor(t.TempDir())
	_, err := gov.Apply("", spec.Resources{}, 0)
	require.Error(t, err)
	assert.True(t, errdefs.IsResource(err))
}

func TestKillWritesKillSwitch(t *testing.T) {
	gov := NewGovernor(t.TempDir())
	grp, err := gov.Apply("web-1", spec.Resources{}, 0)
	require.NoError(t, err)

	require.NoError(t, grp.Kill())
	assert.Equal(t, "1", readGroupFile(t, grp, "cgroup.kill"))
}

func TestOOMKilledReadsMemoryEvents(t *testing.T) {
	gov := NewGovernor(t.TempDir())
	grp, err := gov.Apply("web-1", spec.Resources{MemoryBytes: 1024}, 0)
	require.NoError(t, err)

	// no memory.events file yet -> no OOM
	assert.False(t, grp.OOMKilled())

	events := filepath.Join(grp.Path(), "memory.events")
	require.NoError(t, os.WriteFile(events, []byte("low 0\nhigh 3\nmax 7\noom 1\noom_kill 0\n"), 0644))
	assert.False(t, grp.OOMKilled())

	require.NoError(t, os.WriteFile(events, []byte("low 0\nhigh 3\nmax 9\noom 2\noom_kill 1\n"), 0644))
	assert.True(t, grp.OOMKilled())
}

func TestWatchOOMFiresOnce(t *testing.T) {
	gov := NewGovernor(t.TempDir())
	grp, err := gov.Apply("web-1", spec.Resources{MemoryBytes: 1024}, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := grp.WatchOOM(ctx)

	select {
	case <-ch:
		t.Fatal("watcher fired without an OOM record")
	case <-time.After(3 * oomPollInterval):
	}

	events := filepath.Join(grp.Path(), "memory.events")
	require.NoError(t, os.WriteFile(events, []byte("oom_kill 1\n"), 0644))

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("watcher missed the OOM record")
	}
}

func TestUsageCapture(t *testing.T) {
	gov := NewGovernor(t.TempDir())
	grp, err := gov.Apply("web-1", spec.Resources{}, 0)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(grp.Path(), "cpu.stat"),
		[]byte("usage_usec 2500000\nuser_usec 2000000\nsystem_usec 500000\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(grp.Path(), "memory.peak"),
		[]byte("5242880\n"), 0644))

	ms, err := grp.CPUTimeMs()
	require.NoError(t, err)
	assert.Equal(t, int64(2500), ms)
	assert.Equal(t, int64(5120), grp.MemoryPeakKB())
}

func TestUsageCaptureDegradesGracefully(t *testing.T) {
	gov := NewGovernor(t.TempDir())
	grp, err := gov.Apply("web-1", spec.Resources{}, 0)
	require.NoError(t, err)

	// old kernels expose no memory.peak; that is a 0, not an error
	assert.Equal(t, int64(0), grp.MemoryPeakKB())

	_, err = grp.CPUTimeMs()
	assert.True(t, errdefs.IsResource(err))
}

func TestDestroyRemovesGroup(t *testing.T) {
	gov := NewGovernor(t.TempDir())
	grp, err := gov.Apply("web-1", spec.Resources{}, 0)
	require.NoError(t, err)

	require.NoError(t, grp.Destroy())
	_, statErr := os.Stat(grp.Path())
	assert.True(t, os.IsNotExist(statErr))

	// destroying twice is fine
	assert.NoError(t, grp.Destroy())
}
