package store

import (
	"archive/tar"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTar(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	tw := tar.NewWriter(f)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0644,
			Size:     int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
}

func addImage(t *testing.T, st *Store, ref string, layers map[string]map[string]string, order []string) {
	t.Helper()
	dir := st.imageDir(ref)
	require.NoError(t, os.MkdirAll(dir, 0755))

	for name, files := range layers {
		writeTar(t, filepath.Join(dir, name), files)
	}
	m := manifest{Name: ref, Layers: order}
	data, err := json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), data, 0644))
}

func TestResolveUnpacksLayersInOrder(t *testing.T) {
	st, err := NewStore(t.TempDir())
	require.NoError(t, err)

	addImage(t, st, "busybox:latest", map[string]map[string]string{
		"base.tar": {"bin/sh": "#!/bin/sh", "etc/os-release": "base"},
		"app.tar":  {"app/run": "run"},
	}, []string{"base.tar", "app.tar"})

	dirs, err := st.Resolve("busybox:latest")
	require.NoError(t, err)
	require.Len(t, dirs, 2)

	// bottom to top, per the manifest
	assert.Contains(t, dirs[0], "00-base")
	assert.Contains(t, dirs[1], "01-app")

	data, err := os.ReadFile(filepath.Join(dirs[0], "etc/os-release"))
	require.NoError(t, err)
	assert.Equal(t, "base", string(data))
	_, err = os.Stat(filepath.Join(dirs[1], "app/run"))
	assert.NoError(t, err)

	// second resolve reuses the unpacked directories
	again, err := st.Resolve("busybox:latest")
	require.NoError(t, err)
	assert.Equal(t, dirs, again)
}

func TestResolveAcceptsDirectoryLayers(t *testing.T) {
	root := t.TempDir()
	st, err := NewStore(root)
	require.NoError(t, err)

	dir := st.imageDir("scratch")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "rootfs", "bin"), 0755))
	data, _ := json.Marshal(manifest{Name: "scratch", Layers: []string{"rootfs"}})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), data, 0644))

	dirs, err := st.Resolve("scratch")
	require.NoError(t, err)
	require.Len(t, dirs, 1)
	assert.Equal(t, filepath.Join(dir, "rootfs"), dirs[0])
}

func TestResolveErrors(t *testing.T) {
	st, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = st.Resolve("ghost:latest")
	assert.Error(t, err)

	// manifest pointing at a missing layer archive
	dir := st.imageDir("broken")
	require.NoError(t, os.MkdirAll(dir, 0755))
	data, _ := json.Marshal(manifest{Name: "broken", Layers: []string{"missing.tar"}})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), data, 0644))
	_, err = st.Resolve("broken")
	assert.Error(t, err)

	// manifest with no layers at all
	dir = st.imageDir("empty")
	require.NoError(t, os.MkdirAll(dir, 0755))
	data, _ = json.Marshal(manifest{Name: "empty", Layers: nil})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), data, 0644))
	_, err = st.Resolve("empty")
	assert.Error(t, err)
}

func TestHasAndList(t *testing.T) {
	st, err := NewStore(t.TempDir())
	require.NoError(t, err)

	assert.False(t, st.Has("busybox:latest"))
	addImage(t, st, "busybox:latest", map[string]map[string]string{
		"base.tar": {"bin/sh": "x"},
	}, []string{"base.tar"})
	addImage(t, st, "library/pause", map[string]map[string]string{
		"base.tar": {"pause": "x"},
	}, []string{"base.tar"})

	assert.True(t, st.Has("busybox:latest"))

	names, err := st.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"busybox:latest", "library/pause"}, names)
}

func TestUnpackLayerRefusesEscape(t *testing.T) {
	// a hostile entry trying to climb out of the layer directory must be
	// contained inside it
	tarPath := filepath.Join(t.TempDir(), "evil.tar")
	writeTar(t, tarPath, map[string]string{
		"../../escape.txt": "gotcha",
	})

	dest := filepath.Join(t.TempDir(), "layer")
	require.NoError(t, UnpackLayer(tarPath, dest))

	_, err := os.Stat(filepath.Join(filepath.Dir(dest), "escape.txt"))
	assert.True(t, os.IsNotExist(err), "entry escaped the layer root")
	_, err = os.Stat(filepath.Join(dest, "escape.txt"))
	assert.NoError(t, err)
}

func TestUnpackLayerSymlinks(t *testing.T) {
	tarPath := filepath.Join(t.TempDir(), "links.tar")
	f, err := os.Create(tarPath)
	require.NoError(t, err)
	tw := tar.NewWriter(f)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "bin/sh", Typeflag: tar.TypeReg, Mode: 0755, Size: 2,
	}))
	_, err = tw.Write([]byte("#!"))
	require.NoError(t, err)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "bin/ash", Typeflag: tar.TypeSymlink, Linkname: "sh",
	}))
	require.NoError(t, tw.Close())
	require.NoError(t, f.Close())

	dest := filepath.Join(t.TempDir(), "layer")
	require.NoError(t, UnpackLayer(tarPath, dest))

	target, err := os.Readlink(filepath.Join(dest, "bin/ash"))
	require.NoError(t, err)
	assert.Equal(t, "sh", target)
}
