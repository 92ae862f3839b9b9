//go:build !linux

package isolation

import "fmt"

// 非 Linux 平台上的替身实现。Namespace 是 Linux 独有的概念，这里只保证
// 代码能编译、带注入 hook 的单元测试能跑。
type netnsHandle struct{}

func probeDomain(d Domain) error {
	return fmt.Errorf("isolation domains are not supported on this OS")
}

func enterDomain(d Domain) (func() error, error) {
	return nil, fmt.Errorf("isolation domains are not supported on this OS")
}

// CloneFlags (Stub)
func CloneFlags(domains []Domain) uintptr { return 0 }

// AdoptNetNS (Stub)
func (s *Set) AdoptNetNS(pid int) error { return nil }

// NetNSPath (Stub)
func (s *Set) NetNSPath() string { return "" }

func (s *Set) closeNetNS() {}
