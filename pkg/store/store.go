package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"masrun/pkg/errdefs"
)

// Store is the local image/layer provider: it maps an image reference to
// the ordered list of read-only layer directories the filesystem composer
// stacks up.
//
// 目录布局：
//
//	<root>/<image>/manifest.json   层列表（自底向上）
//	<root>/<image>/<layer>.tar     打包形态的层
//	<root>/<image>/layers/<i>/     解包后的层目录（首次使用时生成）
//
// 这里不做镜像拉取：把 tar 包放进目录就算“有了这个镜像”。
// 真正的 registry client 是上层的事。
type Store struct {
	root string
}

// manifest describes one image: its layer archives, bottom to top.
type manifest struct {
	Name   string   `json:"name"`
	Layers []string `json:"layers"`
}

// NewStore opens (creating if needed) an image store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errdefs.Wrapf(err, errdefs.KindFilesystem, "create image store %q", dir)
	}
	return &Store{root: dir}, nil
}

// sanitizeRef turns an image reference into a directory name.
// "busybox:latest" 和 "library/busybox" 都要能落到一个目录上。
func sanitizeRef(ref string) string {
	r := strings.NewReplacer(":", "_", "/", "_", "@", "_")
	return r.Replace(ref)
}

func (st *Store) imageDir(ref string) string {
	return filepath.Join(st.root, sanitizeRef(ref))
}

// Has reports whether the store holds an image for ref.
func (st *Store) Has(ref string) bool {
	_, err := os.Stat(filepath.Join(st.imageDir(ref), "manifest.json"))
	return err == nil
}

// List returns the names of every stored image.
func (st *Store) List() ([]string, error) {
	entries, err := os.ReadDir(st.root)
	if err != nil {
		return nil, errdefs.Wrapf(err, errdefs.KindFilesystem, "list image store")
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(st.root, e.Name(), "manifest.json"))
		if err != nil {
			continue
		}
		var m manifest
		if json.Unmarshal(data, &m) == nil && m.Name != "" {
			names = append(names, m.Name)
		}
	}
	return names, nil
}

// Resolve returns the ordered (bottom to top) read-only layer directories
// for an image, unpacking tar layers on first use. The returned
// directories are shared, immutable, and may be referenced by any number
// of containers concurrently.
func (st *Store) Resolve(ref string) ([]string, error) {
	dir := st.imageDir(ref)
	data, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return nil, errdefs.Wrapf(err, errdefs.KindFilesystem, "image %q not found in store", ref)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errdefs.Wrapf(err, errdefs.KindFilesystem, "bad manifest for image %q", ref)
	}
	if len(m.Layers) == 0 {
		return nil, errdefs.Filesystemf("image %q has no layers", ref)
	}

	dirs := make([]string, 0, len(m.Layers))
	for i, layer := range m.Layers {
		src := filepath.Join(dir, layer)
		info, err := os.Stat(src)
		if err != nil {
			return nil, errdefs.Wrapf(err, errdefs.KindFilesystem, "layer %q of image %q", layer, ref)
		}
		if info.IsDir() {
			// 已经是目录形态的层，直接用
			dirs = append(dirs, src)
			continue
		}
		dest := filepath.Join(dir, "layers", layerDirName(i, layer))
		if _, err := os.Stat(dest); err != nil {
			if err := UnpackLayer(src, dest); err != nil {
				return nil, err
			}
		}
		dirs = append(dirs, dest)
	}
	return dirs, nil
}

func layerDirName(idx int, layer string) string {
	base := strings.TrimSuffix(filepath.Base(layer), ".tar")
	return fmt.Sprintf("%02d-%s", idx, sanitizeRef(base))
}
