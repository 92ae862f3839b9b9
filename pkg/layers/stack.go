package layers

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/sirupsen/logrus"

	"masrun/pkg/errdefs"
)

// whiteoutPrefix marks a deletion recorded in the writable layer.
// 一个名为 ".wh.foo" 的文件表示：下层只读层里的 "foo" 在合并视图中
// 应当被当作已删除。只读层本身永远不会被改动。
const whiteoutPrefix = ".wh."

// Stack is the merged filesystem view over an ordered list of read-only
// layers plus exactly one writable top layer.
//
// 查找规则 (shadowing)：可写层优先，然后按叠放顺序从上到下找只读层，
// 先命中者胜。写操作一律先把文件拷到可写层 (copy-up) 再改；删除下层
// 文件则在可写层记一个 whiteout 标记，而不是真的去删只读层。
//
// The read-only layers may be shared by any number of containers
// concurrently; the writable layer belongs to exactly one container.
type Stack struct {
	lower  []string // read-only layers, bottom to top
	upper  string   // writable layer, exclusively owned
	work   string   // overlayfs workdir, sibling of upper
	merged string   // mount target, set once Mount succeeds

	mu      sync.Mutex
	mounted bool
	// table is the lazy lookup cache: container path -> owning layer index
	// (len(lower) means the writable layer). It is recomputed on first
	// access per path and thrown away whenever the writable layer mutates.
	table map[string]int
}

// upperIndex is the owner index reported for the writable layer.
func (s *Stack) upperIndex() int { return len(s.lower) }

// NewStack validates the layer list and builds a composer for it.
//
// Fails with a filesystem error when a layer path does not exist, the
// writable layer is not actually writable, or a layer shows up twice in
// the stack (a layer listed as its own ancestor would make the merge
// cyclic).
func NewStack(lower []string, upper string) (*Stack, error) {
	if len(lower) == 0 {
		return nil, errdefs.Filesystemf("no read-only layers given")
	}

	seen := make(map[string]bool, len(lower)+1)
	abs := make([]string, 0, len(lower))
	for _, l := range lower {
		p, err := filepath.Abs(filepath.Clean(l))
		if err != nil {
			return nil, errdefs.Wrapf(err, errdefs.KindFilesystem, "bad layer path %q", l)
		}
		info, err := os.Stat(p)
		if err != nil {
			return nil, errdefs.Wrapf(err, errdefs.KindFilesystem, "layer %q does not exist", l)
		}
		if !info.IsDir() {
			return nil, errdefs.Filesystemf("layer %q is not a directory", l)
		}
		if seen[p] {
			return nil, errdefs.Filesystemf("layer %q appears twice in the stack", l)
		}
		seen[p] = true
		abs = append(abs, p)
	}

	up, err := filepath.Abs(filepath.Clean(upper))
	if err != nil {
		return nil, errdefs.Wrapf(err, errdefs.KindFilesystem, "bad writable layer path %q", upper)
	}
	if seen[up] {
		return nil, errdefs.Filesystemf("writable layer %q is also listed as a read-only layer", upper)
	}
	if err := os.MkdirAll(up, 0755); err != nil {
		return nil, errdefs.Wrapf(err, errdefs.KindFilesystem, "cannot create writable layer %q", upper)
	}
	// 真正试写一下，而不是只看权限位。NFS、只读挂载等场景下权限位会骗人。
	probe, err := os.CreateTemp(up, ".masrun-write-probe-*")
	if err != nil {
		return nil, errdefs.Wrapf(err, errdefs.KindFilesystem, "writable layer %q is not writable", upper)
	}
	probe.Close()
	os.Remove(probe.Name())

	return &Stack{
		lower: abs,
		upper: up,
		table: make(map[string]int),
	}, nil
}

// Lower returns the read-only layer paths, bottom to top.
func (s *Stack) Lower() []string { return s.lower }

// Upper returns the writable layer path.
func (s *Stack) Upper() string { return s.upper }

// Merged returns the mount target, or "" when the stack is not mounted.
func (s *Stack) Merged() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.merged
}

// join resolves a container-absolute path inside one layer, refusing to
// escape the layer root (symlink or ".." tricks).
func join(layer, path string) (string, error) {
	p, err := securejoin.SecureJoin(layer, path)
	if err != nil {
		return "", errdefs.Wrapf(err, errdefs.KindFilesystem, "bad path %q", path)
	}
	return p, nil
}

// whiteoutPath returns the host path of the whiteout marker that would
// hide `path` in the writable layer.
func (s *Stack) whiteoutPath(path string) (string, error) {
	dir, base := filepath.Split(filepath.Clean(path))
	return join(s.upper, filepath.Join(dir, whiteoutPrefix+base))
}

// Resolve walks the stack top-down and returns the owning layer index and
// the host path for a container path. A path hidden by a whiteout marker,
// or present in no layer at all, resolves to an error wrapping
// os.ErrNotExist.
func (s *Stack) Resolve(path string) (int, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveLocked(path)
}

func (s *Stack) resolveLocked(path string) (int, string, error) {
	clean := filepath.Clean("/" + path)

	if idx, ok := s.table[clean]; ok {
		host, err := s.hostPath(idx, clean)
		if err != nil {
			return 0, "", err
		}
		return idx, host, nil
	}

	// 1. whiteout 检查：可写层里的删除标记直接终结查找
	wh, err := s.whiteoutPath(clean)
	if err != nil {
		return 0, "", err
	}
	if _, err := os.Lstat(wh); err == nil {
		return 0, "", errdefs.Wrapf(os.ErrNotExist, errdefs.KindFilesystem, "%q deleted by whiteout", clean)
	}

	// 2. 可写层优先
	if host, err := join(s.upper, clean); err == nil {
		if _, statErr := os.Lstat(host); statErr == nil {
			s.table[clean] = s.upperIndex()
			return s.upperIndex(), host, nil
		}
	}

	// 3. 只读层按叠放顺序从上往下找，先命中者胜
	for i := len(s.lower) - 1; i >= 0; i-- {
		host, err := join(s.lower[i], clean)
		if err != nil {
			return 0, "", err
		}
		if _, statErr := os.Lstat(host); statErr == nil {
			s.table[clean] = i
			return i, host, nil
		}
	}

	return 0, "", errdefs.Wrapf(os.ErrNotExist, errdefs.KindFilesystem, "%q not present in any layer", clean)
}

// invalidateLocked drops the lazy lookup table after a writable-layer
// mutation. Read-only layers never change, so this is the only
// invalidation source.
func (s *Stack) invalidateLocked() {
	s.table = make(map[string]int)
}

func (s *Stack) hostPath(idx int, clean string) (string, error) {
	if idx == s.upperIndex() {
		return join(s.upper, clean)
	}
	return join(s.lower[idx], clean)
}

// CopyUp makes sure the file behind a container path lives in the writable
// layer, copying content and mode from the owning read-only layer when
// needed, and returns the writable host path. The read-only source is
// never touched.
func (s *Stack) CopyUp(path string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, src, err := s.resolveLocked(path)
	if err != nil {
		return "", err
	}
	dst, err := join(s.upper, filepath.Clean("/"+path))
	if err != nil {
		return "", err
	}
	if idx == s.upperIndex() {
		return dst, nil
	}

	info, err := os.Stat(src)
	if err != nil {
		return "", errdefs.Wrapf(err, errdefs.KindFilesystem, "copy-up stat %q", path)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", errdefs.Wrapf(err, errdefs.KindFilesystem, "copy-up mkdir for %q", path)
	}
	if info.IsDir() {
		if err := os.MkdirAll(dst, info.Mode().Perm()); err != nil {
			return "", errdefs.Wrapf(err, errdefs.KindFilesystem, "copy-up dir %q", path)
		}
	} else {
		if err := copyFile(src, dst, info.Mode().Perm()); err != nil {
			return "", err
		}
	}

	logrus.Debugf("[Layers] copy-up %s (layer %d -> writable)", path, idx)
	s.invalidateLocked()
	return dst, nil
}

// WriteFile writes data to a container path, performing copy-up first when
// the path currently resolves to a read-only layer.
func (s *Stack) WriteFile(path string, data []byte, mode os.FileMode) error {
	// Copy-up only matters for paths that already exist below; a brand-new
	// file just lands in the writable layer directly.
	if _, _, err := s.Resolve(path); err == nil {
		if _, err := s.CopyUp(path); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	dst, err := join(s.upper, filepath.Clean("/"+path))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return errdefs.Wrapf(err, errdefs.KindFilesystem, "write mkdir for %q", path)
	}
	// 新文件一旦写入可写层，后面还要能盖掉 whiteout 标记
	wh, err := s.whiteoutPath(path)
	if err == nil {
		os.Remove(wh)
	}
	if err := os.WriteFile(dst, data, mode); err != nil {
		return errdefs.Wrapf(err, errdefs.KindFilesystem, "write %q", path)
	}
	s.invalidateLocked()
	return nil
}

// ReadFile reads a container path through the merged view.
func (s *Stack) ReadFile(path string) ([]byte, error) {
	_, host, err := s.Resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(host)
	if err != nil {
		return nil, errdefs.Wrapf(err, errdefs.KindFilesystem, "read %q", path)
	}
	return data, nil
}

// Remove deletes a container path from the merged view. A copy living in
// the writable layer is physically removed; if the path (also) exists in a
// read-only layer, a whiteout marker is recorded instead of touching the
// read-only content.
func (s *Stack) Remove(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, host, err := s.resolveLocked(path)
	if err != nil {
		return err
	}

	if idx == s.upperIndex() {
		if err := os.RemoveAll(host); err != nil {
			return errdefs.Wrapf(err, errdefs.KindFilesystem, "remove %q", path)
		}
	}

	// 只要任何只读层里还有同名文件，就必须立 whiteout，否则删除会“复活”下层内容
	shadowed := false
	clean := filepath.Clean("/" + path)
	for i := len(s.lower) - 1; i >= 0; i-- {
		p, err := join(s.lower[i], clean)
		if err != nil {
			return err
		}
		if _, statErr := os.Lstat(p); statErr == nil {
			shadowed = true
			break
		}
	}
	if shadowed {
		wh, err := s.whiteoutPath(path)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(wh), 0755); err != nil {
			return errdefs.Wrapf(err, errdefs.KindFilesystem, "whiteout mkdir for %q", path)
		}
		if err := os.WriteFile(wh, nil, 0600); err != nil {
			return errdefs.Wrapf(err, errdefs.KindFilesystem, "whiteout %q", path)
		}
		logrus.Debugf("[Layers] whiteout recorded for %s", path)
	}

	s.invalidateLocked()
	return nil
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return errdefs.Wrapf(err, errdefs.KindFilesystem, "copy-up open %q", src)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return errdefs.Wrapf(err, errdefs.KindFilesystem, "copy-up create %q", dst)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errdefs.Wrapf(err, errdefs.KindFilesystem, "copy-up data %q", dst)
	}
	return out.Close()
}
