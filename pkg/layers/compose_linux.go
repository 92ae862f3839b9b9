//go:build linux

package layers

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/moby/sys/mountinfo"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"masrun/pkg/errdefs"
)

// Mount materializes the merged view at target using an overlay mount.
//
// overlayfs 的 lowerdir 选项是“左边最高”：
//
//	lowerdir=top:...:bottom
//
// 所以这里要把 bottom-to-top 的层列表反过来再拼接。
// upperdir 是可写层，workdir 是内核做 copy-up 时用的暂存目录，
// 必须和 upperdir 在同一个文件系统上（我们放在它旁边）。
//
// 挂载之后，copy-up 和 whiteout 都由内核代劳；Stack 里的用户态实现
// 在没有 overlay 支持（或不想挂载）时提供同样的合并语义。
func (s *Stack) Mount(target string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mounted {
		return s.merged, nil
	}

	target = filepath.Clean(target)
	if err := os.MkdirAll(target, 0755); err != nil {
		return "", errdefs.Wrapf(err, errdefs.KindFilesystem, "create merge target %q", target)
	}

	s.work = s.upper + "-work"
	if err := os.MkdirAll(s.work, 0755); err != nil {
		return "", errdefs.Wrapf(err, errdefs.KindFilesystem, "create overlay workdir")
	}

	reversed := make([]string, len(s.lower))
	for i, l := range s.lower {
		reversed[len(s.lower)-1-i] = l
	}
	data := "lowerdir=" + strings.Join(reversed, ":") +
		",upperdir=" + s.upper +
		",workdir=" + s.work

	if err := unix.Mount("overlay", target, "overlay", 0, data); err != nil {
		os.RemoveAll(s.work)
		return "", errdefs.Wrapf(err, errdefs.KindFilesystem, "overlay mount at %q", target)
	}

	// 内核返回成功还不够，挂载表里必须真的有这条记录。
	// 某些内核配置下 mount 会“成功”但实际没生效（如 overlay 模块缺失时的奇怪行为）。
	if ok, err := mountinfo.Mounted(target); err != nil || !ok {
		unix.Unmount(target, 0)
		os.RemoveAll(s.work)
		return "", errdefs.Filesystemf("overlay mount at %q did not appear in the mount table", target)
	}

	s.merged = target
	s.mounted = true
	logrus.Infof("[Layers] merged view mounted at %s (%d read-only layers)", target, len(s.lower))
	return target, nil
}

// Unmount tears the merged view down. It must be called before the
// writable layer is discarded; a leaked overlay mount pins every layer
// directory underneath it.
func (s *Stack) Unmount() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.mounted {
		return nil
	}

	if ok, _ := mountinfo.Mounted(s.merged); ok {
		// MNT_DETACH: 容器进程树可能还有残留引用，lazy unmount 可以
		// 立刻把挂载点从命名空间里摘掉，等引用归零后内核再真正释放。
		if err := unix.Unmount(s.merged, unix.MNT_DETACH); err != nil {
			return errdefs.Wrapf(err, errdefs.KindFilesystem, "unmount merged view %q", s.merged)
		}
	}

	if s.work != "" {
		os.RemoveAll(s.work)
	}
	logrus.Infof("[Layers] merged view at %s unmounted", s.merged)
	s.merged = ""
	s.mounted = false
	return nil
}
