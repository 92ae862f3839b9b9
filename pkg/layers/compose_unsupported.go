//go:build !linux

package layers

import "masrun/pkg/errdefs"

// Mount (Stub)
// overlay 挂载依赖 Linux 内核。在 macOS/Windows 上这个方法只为了让
// 编译器闭嘴：用户态的 Resolve/CopyUp/Remove 依然可用（单元测试全靠它们），
// 但真正的内核级合并视图做不了。
func (s *Stack) Mount(target string) (string, error) {
	return "", errdefs.Filesystemf("overlay mounts are not supported on this OS")
}

// Unmount (Stub)
func (s *Stack) Unmount() error {
	return nil
}
