//go:build linux

package isolation

import (
	"fmt"
	"os"

	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"

	"masrun/pkg/errdefs"
)

type netnsHandle = netns.NsHandle

// nsFile maps a domain to its /proc/self/ns entry. The mount namespace is
// historically called "mnt" there, everything else matches our names.
func nsFile(d Domain) string {
	if d == DomainMount {
		return "mnt"
	}
	return string(d)
}

// probeDomain 检查宿主机内核是否支持某类 Namespace。
// 判断方法很朴素：/proc/self/ns/<name> 存在即支持。老内核（或被裁剪过的
// 内核）上 user、cgroup 这两个文件经常缺席。
func probeDomain(d Domain) error {
	path := "/proc/self/ns/" + nsFile(d)
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("%s missing: %w", path, err)
	}
	return nil
}

// enterDomain allocates one domain. On Linux the kernel namespaces
// themselves are created by clone(2) when the container process is forked
// (see CloneFlags); per-domain state held by the supervisor side is
// released through the returned function.
func enterDomain(d Domain) (func() error, error) {
	// Namespace 的生命周期由内核引用计数管理：最后一个挂在上面的进程
	// 退出，Namespace 就没了。所以这里不需要做额外的分配动作，
	// release 也只是让 Set 忘掉这个 domain。
	return func() error { return nil }, nil
}

// cloneFlagFor maps a domain to its clone(2) flag.
func cloneFlagFor(d Domain) uintptr {
	switch d {
	case DomainPID:
		return unix.CLONE_NEWPID
	case DomainNet:
		return unix.CLONE_NEWNET
	case DomainMount:
		return unix.CLONE_NEWNS
	case DomainUTS:
		return unix.CLONE_NEWUTS
	case DomainIPC:
		return unix.CLONE_NEWIPC
	case DomainUser:
		return unix.CLONE_NEWUSER
	case DomainCgroup:
		return unix.CLONE_NEWCGROUP
	}
	return 0
}

// CloneFlags folds a domain list into the flag word handed to clone(2)
// when the container init process is forked.
func CloneFlags(domains []Domain) uintptr {
	var flags uintptr
	for _, d := range domains {
		flags |= cloneFlagFor(d)
	}
	return flags
}

// AdoptNetNS grabs a handle on the network namespace of the container's
// init process, so the namespace stays reachable for CNI teardown even
// while the process tree is dying.
func (s *Set) AdoptNetNS(pid int) error {
	if !s.Has(DomainNet) {
		return nil
	}
	h, err := netns.GetFromPid(pid)
	if err != nil {
		return errdefs.Wrapf(err, errdefs.KindIsolation, "open netns of pid %d", pid)
	}
	s.pid = pid
	s.netns = h
	return nil
}

// NetNSPath returns the path CNI plugins use to enter the container's
// network namespace, or "" when no network domain was entered.
func (s *Set) NetNSPath() string {
	if !s.Has(DomainNet) || s.pid == 0 {
		return ""
	}
	return fmt.Sprintf("/proc/%d/ns/net", s.pid)
}

func (s *Set) closeNetNS() {
	// NsHandle 的零值是 0（stdin 的 fd），不能无脑 Close
	if s.pid != 0 && s.netns.IsOpen() {
		s.netns.Close()
	}
}
