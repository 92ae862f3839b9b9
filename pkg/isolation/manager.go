package isolation

import (
	"github.com/sirupsen/logrus"

	"masrun/pkg/errdefs"
)

// ProbeFunc checks whether the host can allocate one isolation domain.
type ProbeFunc func(Domain) error

// EnterFunc allocates one isolation domain and returns the function that
// releases it again. Both sides run in the supervisor process; the actual
// kernel namespaces come to life when the container process is cloned with
// the flags from CloneFlags.
type EnterFunc func(Domain) (release func() error, err error)

// Manager allocates isolation domain sets for containers.
//
// 它只有一个硬性承诺：Enter 要么全部成功，要么看起来什么都没发生。
// 任何一个 domain 失败，之前进入的 domain 必须按相反顺序全部退出，
// Supervisor 绝不会观察到“进了一半”的隔离状态。
type Manager struct {
	probe ProbeFunc
	enter EnterFunc
}

// NewManager builds a manager backed by the host kernel.
func NewManager() *Manager {
	return &Manager{probe: probeDomain, enter: enterDomain}
}

// NewManagerWithHooks builds a manager with injected probe/enter behavior.
// Used by tests to simulate partial failures without a kernel.
func NewManagerWithHooks(probe ProbeFunc, enter EnterFunc) *Manager {
	if probe == nil {
		probe = probeDomain
	}
	if enter == nil {
		enter = enterDomain
	}
	return &Manager{probe: probe, enter: enter}
}

type entered struct {
	domain  Domain
	release func() error
}

// Set is the concrete set of isolation domains successfully entered for one
// container instance. It lives from process clone until Release, which is
// called when no process remains attached to the namespaces.
type Set struct {
	domains  []Domain
	exits    []entered
	pid      int
	netns    netnsHandle
	released bool
}

// Enter allocates every requested domain, in entry order (user first,
// mount last). On any failure all previously entered domains are rolled
// back before the error is returned — atomically, from the caller's point
// of view.
func (m *Manager) Enter(requested []Domain) (*Set, error) {
	ordered := Ordered(requested)
	for _, d := range ordered {
		if !Known(d) {
			return nil, errdefs.Isolationf("unknown isolation domain %q", d)
		}
		if err := m.probe(d); err != nil {
			return nil, errdefs.Wrapf(err, errdefs.KindIsolation, "host does not support domain %q", d)
		}
	}

	set := &Set{domains: ordered}
	for _, d := range ordered {
		release, err := m.enter(d)
		if err != nil {
			// 回滚已经进入的 domain，逆序退出
			rollbackErr := set.Release()
			if rollbackErr != nil {
				logrus.Errorf("[Isolation] rollback after failed %q entry also failed: %v", d, rollbackErr)
			}
			return nil, errdefs.Wrapf(err, errdefs.KindIsolation, "entering domain %q", d)
		}
		set.exits = append(set.exits, entered{domain: d, release: release})
	}

	logrus.Debugf("[Isolation] entered domains %v", ordered)
	return set, nil
}

// Domains returns the entered domains in entry order.
func (s *Set) Domains() []Domain { return s.domains }

// Has reports whether the set contains a domain.
func (s *Set) Has(d Domain) bool {
	for _, e := range s.domains {
		if e == d {
			return true
		}
	}
	return false
}

// Release exits every entered domain in reverse entry order. Safe to call
// more than once; only the first call does work.
func (s *Set) Release() error {
	if s.released {
		return nil
	}
	s.released = true

	var firstErr error
	for i := len(s.exits) - 1; i >= 0; i-- {
		e := s.exits[i]
		if e.release == nil {
			continue
		}
		if err := e.release(); err != nil && firstErr == nil {
			firstErr = errdefs.Wrapf(err, errdefs.KindIsolation, "releasing domain %q", e.domain)
		}
	}
	s.exits = nil
	s.closeNetNS()
	return firstErr
}
