package errdefs

import (
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindClassification(t *testing.T) {
	assert.True(t, IsConfig(Configf("bad id")))
	assert.True(t, IsFilesystem(Filesystemf("missing layer")))
	assert.True(t, IsIsolation(Isolationf("no userns")))
	assert.True(t, IsResource(Resourcef("cgroup write failed")))

	assert.False(t, IsConfig(Filesystemf("missing layer")))
	assert.False(t, IsResource(errors.New("plain error")))
	assert.Equal(t, Kind(""), GetKind(errors.New("plain error")))
}

func TestWrapPreservesChain(t *testing.T) {
	err := Wrapf(os.ErrNotExist, KindFilesystem, "layer %q", "/lost")
	require.Error(t, err)

	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.True(t, IsFilesystem(err))

	// another %w wrap on top must not lose the kind
	outer := fmt.Errorf("starting container: %w", err)
	assert.True(t, IsFilesystem(outer))
	assert.True(t, errors.Is(outer, os.ErrNotExist))
}

func TestStageAttribution(t *testing.T) {
	err := Resourcef("pids.max rejected").WithStage("govern")
	assert.Equal(t, "govern", GetStage(err))
	assert.Contains(t, err.Error(), `stage "govern"`)

	assert.Equal(t, "", GetStage(Configf("no stage")))
}
