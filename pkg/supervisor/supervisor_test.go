package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"masrun/pkg/errdefs"
	"masrun/pkg/isolation"
	"masrun/pkg/spec"
)

// ---- fakes -------------------------------------------------------------
// The supervisor's collaborators are replaced by fakes so the whole
// lifecycle runs without overlayfs, namespaces or a cgroupfs.

type fakeStack struct {
	mu        sync.Mutex
	mounted   bool
	unmounted bool
	mountErr  error
}

func (f *fakeStack) Mount(target string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mountErr != nil {
		return "", f.mountErr
	}
	f.mounted = true
	return target, nil
}

func (f *fakeStack) Unmount() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unmounted = true
	return nil
}

func (f *fakeStack) Upper() string { return "/fake/upper" }

func (f *fakeStack) wasUnmounted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unmounted
}

type fakeGroup struct {
	mu        sync.Mutex
	killed    bool
	destroyed bool
	oom       bool
	oomCh     chan struct{}
	onKill    func()
}

func newFakeGroup() *fakeGroup {
	return &fakeGroup{oomCh: make(chan struct{}, 1)}
}

func (g *fakeGroup) AddProcess(pid int) error { return nil }

func (g *fakeGroup) Kill() error {
	g.mu.Lock()
	g.killed = true
	onKill := g.onKill
	g.mu.Unlock()
	if onKill != nil {
		onKill()
	}
	return nil
}

func (g *fakeGroup) Destroy() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.destroyed = true
	return nil
}

func (g *fakeGroup) OOMKilled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.oom
}

func (g *fakeGroup) setOOM() {
	g.mu.Lock()
	g.oom = true
	g.mu.Unlock()
	g.oomCh <- struct{}{}
}

func (g *fakeGroup) WatchOOM(ctx context.Context) <-chan struct{} { return g.oomCh }

func (g *fakeGroup) CPUTimeMs() (int64, error) { return 250, nil }

func (g *fakeGroup) MemoryPeakKB() int64 { return 2048 }

func (g *fakeGroup) wasKilled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.killed
}

func (g *fakeGroup) wasDestroyed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.destroyed
}

type fakeGovernor struct {
	mu       sync.Mutex
	group    *fakeGroup
	applyErr error
	gotPid   int
}

func (f *fakeGovernor) Apply(id string, res spec.Resources, pid int) (Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return nil, f.applyErr
	}
	f.gotPid = pid
	return f.group, nil
}

// fakeProcess is a parked init process. Tests decide when and how it
// exits by calling exit(); a SIGTERM behaves per termExitCode.
type fakeProcess struct {
	mu           sync.Mutex
	pid          int
	execed       bool
	signals      []syscall.Signal
	termExitCode int // <0: ignore SIGTERM
	exitOnce     sync.Once
	exitCh       chan int
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{pid: 4321, termExitCode: -1, exitCh: make(chan int, 1)}
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Exec() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.execed = true
	return nil
}

func (p *fakeProcess) Signal(sig syscall.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	term := p.termExitCode
	p.mu.Unlock()

	switch sig {
	case syscall.SIGKILL:
		p.exit(137)
	case syscall.SIGTERM:
		if term >= 0 {
			p.exit(term)
		}
	}
	return nil
}

func (p *fakeProcess) Wait() (int, error) { return <-p.exitCh, nil }

func (p *fakeProcess) setTermExit(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.termExitCode = code
}

func (p *fakeProcess) exit(code int) {
	p.exitOnce.Do(func() { p.exitCh <- code })
}

func (p *fakeProcess) gotSignal(sig syscall.Signal) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.signals {
		if s == sig {
			return true
		}
	}
	return false
}

// ---- rig ---------------------------------------------------------------

type rig struct {
	sup   *Supervisor
	stack *fakeStack
	gov   *fakeGovernor
	group *fakeGroup
	proc  *fakeProcess

	mu       sync.Mutex
	released []isolation.Domain
}

func newRig(t *testing.T) *rig {
	t.Helper()
	r := &rig{
		stack: &fakeStack{},
		group: newFakeGroup(),
		proc:  newFakeProcess(),
	}
	r.gov = &fakeGovernor{group: r.group}

	iso := isolation.NewManagerWithHooks(
		func(isolation.Domain) error { return nil },
		func(d isolation.Domain) (func() error, error) {
			return func() error {
				r.mu.Lock()
				defer r.mu.Unlock()
				r.released = append(r.released, d)
				return nil
			}, nil
		},
	)

	cfg := Config{
		RootDir:     t.TempDir(),
		StateDir:    t.TempDir(),
		StopTimeout: time.Second,
	}
	r.sup = NewWithBackends(cfg,
		func(lower []string, upper string) (RootStack, error) { return r.stack, nil },
		r.gov,
		iso,
		func(s *spec.ContainerSpec, mergedRoot string, cloneFlags uintptr) (Process, error) {
			return r.proc, nil
		},
	)
	return r
}

func (r *rig) releasedDomains() []isolation.Domain {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]isolation.Domain{}, r.released...)
}

func testSpec(id string) *spec.ContainerSpec {
	return &spec.ContainerSpec{
		ID:        id,
		Layers:    []string{"/images/base"},
		Isolation: []isolation.Domain{isolation.DomainUTS, isolation.DomainPID},
		Command:   []string{"/bin/app"},
		Resources: spec.Resources{MemoryBytes: 64 * 1024 * 1024},
	}
}

// ---- tests -------------------------------------------------------------

func TestCreateValidatesAndRegisters(t *testing.T) {
	r := newRig(t)

	c, err := r.sup.Create(testSpec("web-1"))
	require.NoError(t, err)
	assert.Equal(t, StateCreated, c.State())
	assert.Nil(t, c.Exit())

	// state record hits the disk immediately
	_, err = os.Stat(filepath.Join(r.sup.cfg.StateDir, "web-1", "state.json"))
	assert.NoError(t, err)

	// duplicate ids are refused
	_, err = r.sup.Create(testSpec("web-1"))
	assert.True(t, errdefs.IsConfig(err))

	// invalid specs never register
	_, err = r.sup.Create(&spec.ContainerSpec{ID: "bad"})
	assert.True(t, errdefs.IsConfig(err))
	_, err = r.sup.Get("bad")
	assert.Error(t, err)
}

func TestVoluntaryExitLifecycle(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	_, err := r.sup.Create(testSpec("web-1"))
	require.NoError(t, err)
	require.NoError(t, r.sup.Start(ctx, "web-1"))

	c, _ := r.sup.Get("web-1")
	assert.Equal(t, StateRunning, c.State())
	assert.True(t, r.stack.mounted)
	assert.True(t, r.proc.execed)
	assert.Equal(t, 4321, r.gov.gotPid)

	r.proc.exit(0)
	exit, err := r.sup.Wait(ctx, "web-1")
	require.NoError(t, err)

	assert.Equal(t, StateExited, c.State())
	assert.Equal(t, 0, exit.Code)
	assert.Equal(t, ReasonVoluntaryExit, exit.Reason)
	assert.False(t, exit.OOMKilled)
	assert.Equal(t, int64(250), exit.CPUTimeMs)
	assert.Equal(t, int64(2048), exit.MemoryPeakKB)

	// teardown: group gone, domains released, rootfs unmounted
	assert.True(t, r.group.wasKilled())
	assert.True(t, r.group.wasDestroyed())
	assert.True(t, r.stack.wasUnmounted())
	assert.Equal(t, []isolation.Domain{isolation.DomainPID, isolation.DomainUTS}, r.releasedDomains())
}

func TestStartFailureRollsBackEverything(t *testing.T) {
	r := newRig(t)
	r.gov.applyErr = errdefs.Resourcef("cgroup.procs rejected")

	_, err := r.sup.Create(testSpec("web-1"))
	require.NoError(t, err)
	err = r.sup.Start(context.Background(), "web-1")
	require.Error(t, err)

	assert.True(t, errdefs.IsResource(err))
	assert.Equal(t, "govern", errdefs.GetStage(err))

	c, _ := r.sup.Get("web-1")
	exit, werr := r.sup.Wait(context.Background(), "web-1")
	require.NoError(t, werr)
	assert.Equal(t, StateFailed, c.State())
	assert.Equal(t, ReasonAllocationFailure, exit.Reason)
	assert.Equal(t, -1, exit.Code)

	// everything acquired before the failing stage is rolled back
	assert.True(t, r.proc.gotSignal(syscall.SIGKILL))
	assert.True(t, r.stack.wasUnmounted())
	assert.Equal(t, []isolation.Domain{isolation.DomainPID, isolation.DomainUTS}, r.releasedDomains())

	// a failed container cannot be restarted
	err = r.sup.Start(context.Background(), "web-1")
	assert.True(t, errdefs.IsConfig(err))
}

func TestComposeFailureGetsStageAttribution(t *testing.T) {
	r := newRig(t)
	r.stack.mountErr = errors.New("overlay mount: permission denied")

	_, err := r.sup.Create(testSpec("web-1"))
	require.NoError(t, err)
	err = r.sup.Start(context.Background(), "web-1")
	require.Error(t, err)

	// bare errors from the compose stage are classified as filesystem
	assert.True(t, errdefs.IsFilesystem(err))
	assert.Equal(t, "compose", errdefs.GetStage(err))
}

func TestGracefulStop(t *testing.T) {
	r := newRig(t)
	r.proc.setTermExit(0) // the entry command honors SIGTERM
	ctx := context.Background()

	_, err := r.sup.Create(testSpec("web-1"))
	require.NoError(t, err)
	require.NoError(t, r.sup.Start(ctx, "web-1"))

	require.NoError(t, r.sup.Stop(ctx, "web-1", time.Second))

	exit, err := r.sup.Wait(ctx, "web-1")
	require.NoError(t, err)
	assert.Equal(t, 0, exit.Code)
	assert.Equal(t, ReasonVoluntaryExit, exit.Reason)
	assert.True(t, r.proc.gotSignal(syscall.SIGTERM))
	assert.False(t, r.proc.gotSignal(syscall.SIGKILL))
}

func TestStopEscalatesPastDeadline(t *testing.T) {
	r := newRig(t)
	// SIGTERM is ignored; the whole-group kill finally takes the tree down
	r.group.onKill = func() { r.proc.exit(137) }
	ctx := context.Background()

	_, err := r.sup.Create(testSpec("web-1"))
	require.NoError(t, err)
	require.NoError(t, r.sup.Start(ctx, "web-1"))

	start := time.Now()
	require.NoError(t, r.sup.Stop(ctx, "web-1", 50*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	exit, err := r.sup.Wait(ctx, "web-1")
	require.NoError(t, err)
	assert.Equal(t, 137, exit.Code)
	assert.Equal(t, ReasonDeadlineKill, exit.Reason)
	assert.True(t, r.proc.gotSignal(syscall.SIGTERM))
	assert.True(t, r.group.wasKilled())
}

func TestOOMBecomesResourceCeilingExit(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	_, err := r.sup.Create(testSpec("web-1"))
	require.NoError(t, err)
	require.NoError(t, r.sup.Start(ctx, "web-1"))

	// the kernel OOM-kills the tree, then the init process gets reaped
	r.group.setOOM()
	r.proc.exit(137)

	exit, err := r.sup.Wait(ctx, "web-1")
	require.NoError(t, err)
	assert.Equal(t, ReasonResourceCeiling, exit.Reason)
	assert.True(t, exit.OOMKilled)
	assert.Equal(t, 137, exit.Code)
}

func TestOOMKillsTreeWhenInitSurvives(t *testing.T) {
	r := newRig(t)
	// the kernel OOM-killed a child, not init: init only dies when the
	// supervisor strikes the whole group
	r.group.onKill = func() { r.proc.exit(137) }
	ctx := context.Background()

	_, err := r.sup.Create(testSpec("web-1"))
	require.NoError(t, err)
	require.NoError(t, r.sup.Start(ctx, "web-1"))

	r.group.setOOM()

	exit, err := r.sup.Wait(ctx, "web-1")
	require.NoError(t, err)
	assert.Equal(t, ReasonResourceCeiling, exit.Reason)
	assert.True(t, exit.OOMKilled)
	assert.Equal(t, 137, exit.Code)
	assert.True(t, r.group.wasKilled())

	c, _ := r.sup.Get("web-1")
	assert.Equal(t, StateExited, c.State())
}

func TestOOMWinsOverSimultaneousStop(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	_, err := r.sup.Create(testSpec("web-1"))
	require.NoError(t, err)
	require.NoError(t, r.sup.Start(ctx, "web-1"))

	// a graceful stop lands in the same instant as an OOM kill: the
	// process dies to SIGKILL from the kernel, not to our SIGTERM
	r.group.mu.Lock()
	r.group.oom = true
	r.group.mu.Unlock()
	r.proc.setTermExit(137)

	require.NoError(t, r.sup.Stop(ctx, "web-1", time.Second))

	exit, err := r.sup.Wait(ctx, "web-1")
	require.NoError(t, err)
	assert.Equal(t, ReasonResourceCeiling, exit.Reason)
	assert.True(t, exit.OOMKilled)
}

func TestStopStateGuards(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	_, err := r.sup.Create(testSpec("web-1"))
	require.NoError(t, err)

	// created but not running: stop is a state error
	err = r.sup.Stop(ctx, "web-1", time.Second)
	assert.True(t, errdefs.IsConfig(err))

	require.NoError(t, r.sup.Start(ctx, "web-1"))
	r.proc.exit(0)
	_, err = r.sup.Wait(ctx, "web-1")
	require.NoError(t, err)

	// stopping a terminal container is a no-op
	assert.NoError(t, r.sup.Stop(ctx, "web-1", time.Second))
}

func TestRemoveLifecycle(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	_, err := r.sup.Create(testSpec("web-1"))
	require.NoError(t, err)
	require.NoError(t, r.sup.Start(ctx, "web-1"))

	// running containers cannot be removed
	err = r.sup.Remove("web-1")
	assert.True(t, errdefs.IsConfig(err))

	r.proc.exit(0)
	_, err = r.sup.Wait(ctx, "web-1")
	require.NoError(t, err)

	require.NoError(t, r.sup.Remove("web-1"))
	_, err = r.sup.Get("web-1")
	assert.Error(t, err)

	// the state record is gone too
	_, statErr := os.Stat(filepath.Join(r.sup.cfg.StateDir, "web-1"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestLifecycleEventStream(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	events, cancel := r.sup.Subscribe()
	defer cancel()

	_, err := r.sup.Create(testSpec("web-1"))
	require.NoError(t, err)
	require.NoError(t, r.sup.Start(ctx, "web-1"))
	r.proc.exit(0)
	_, err = r.sup.Wait(ctx, "web-1")
	require.NoError(t, err)

	var states []State
	var exitReason ExitReason
	deadline := time.After(time.Second)
	for len(states) < 4 {
		select {
		case ev := <-events:
			states = append(states, ev.State)
			if ev.State == StateExited {
				exitReason = ev.Reason
			}
			assert.Equal(t, "web-1", ev.ContainerID)
			assert.False(t, ev.Timestamp.IsZero())
		case <-deadline:
			t.Fatalf("timed out, got states %v", states)
		}
	}

	assert.Equal(t, []State{StateCreated, StateStarting, StateRunning, StateExited}, states)
	assert.Equal(t, ReasonVoluntaryExit, exitReason)
}

func TestFailedStartEmitsStage(t *testing.T) {
	r := newRig(t)
	r.gov.applyErr = errdefs.Resourcef("no cgroup")

	events, cancel := r.sup.Subscribe()
	defer cancel()

	_, err := r.sup.Create(testSpec("web-1"))
	require.NoError(t, err)
	require.Error(t, r.sup.Start(context.Background(), "web-1"))

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-events:
			if ev.State != StateFailed {
				continue
			}
			assert.Equal(t, "govern", ev.Stage)
			assert.Equal(t, ReasonAllocationFailure, ev.Reason)
			return
		case <-deadline:
			t.Fatal("no Failed event observed")
		}
	}
}
