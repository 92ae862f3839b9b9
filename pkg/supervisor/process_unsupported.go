//go:build !linux

package supervisor

import (
	"masrun/pkg/errdefs"
	"masrun/pkg/spec"
)

// launchInit (Stub)
// clone/pivot_root/exec 全是 Linux 专属。非 Linux 平台只能跑带注入
// 后端的单元测试，真容器是起不来的。
func launchInit(s *spec.ContainerSpec, mergedRoot string, cloneFlags uintptr) (Process, error) {
	return nil, errdefs.Isolationf("container processes are not supported on this OS")
}
