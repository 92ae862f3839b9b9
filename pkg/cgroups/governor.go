package cgroups

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"masrun/pkg/errdefs"
	"masrun/pkg/spec"
)

// DefaultRoot is where MasRun parks its limiting groups on a cgroup-v2 host.
const DefaultRoot = "/sys/fs/cgroup/masrun"

// cpuPeriod is the scheduling period used for cpu.max, in microseconds.
// 100ms 是内核默认值，quota 按这个周期折算。
const cpuPeriod = 100000

// oomPollInterval is how often the OOM watcher re-reads memory.events.
const oomPollInterval = 50 * time.Millisecond

// Governor creates and configures limiting groups (cgroup v2).
//
// cgroup v2 没有库可言，就是对 /sys/fs/cgroup 下的文件做读写：
//   memory.max       硬限制，越界整个进程树被 OOM-kill，不可恢复
//   memory.oom.group OOM 时整组一起杀（配合 memory.max）
//   cpu.max          软限制，越界只是被限流 (throttle)
//   pids.max         硬限制，再 fork 直接失败
//   io.weight        相对 I/O 带宽权重
//   cgroup.procs     把进程挂进组里；其后代自动继承，不需要逐个 attach
//
// root 可注入，单元测试用一个临时目录冒充 cgroupfs。
type Governor struct {
	root string
}

// NewGovernor builds a governor rooted at the given cgroupfs directory.
func NewGovernor(root string) *Governor {
	if root == "" {
		root = DefaultRoot
	}
	return &Governor{root: root}
}

// Group is one limiting group, one-to-one with a container instance.
// Its membership grows as the container forks and shrinks as children
// exit; Destroy removes it once the container is reaped.
type Group struct {
	id   string
	path string
}

// Apply creates the limiting group for a container, writes its ceilings
// and attaches pid as the initial member. A pid of 0 skips the attach
// (the caller will add the process later via AddProcess).
func (g *Governor) Apply(id string, res spec.Resources, pid int) (*Group, error) {
	if id == "" {
		return nil, errdefs.Resourcef("container id is required")
	}
	path := filepath.Join(g.root, id)
	if err := os.MkdirAll(path, 0750); err != nil {
		// 最常见的原因：没有权限，或者宿主机还是 cgroup v1
		return nil, errdefs.Wrapf(err, errdefs.KindResource, "create limiting group %q", path)
	}

	grp := &Group{id: id, path: path}
	if err := grp.configure(res); err != nil {
		grp.Destroy()
		return nil, err
	}
	if pid > 0 {
		if err := grp.AddProcess(pid); err != nil {
			grp.Destroy()
			return nil, err
		}
	}

	logrus.WithFields(logrus.Fields{
		"group":  path,
		"memory": res.HumanMemory(),
		"cpu":    res.CPUQuota,
		"pids":   res.PidsMax,
	}).Debug("[Cgroups] limiting group configured")
	return grp, nil
}

func (grp *Group) configure(res spec.Resources) error {
	pidsValue := "max"
	if res.PidsMax > 0 {
		pidsValue = strconv.FormatInt(res.PidsMax, 10)
	}
	if err := grp.write("pids.max", pidsValue); err != nil {
		return err
	}

	memValue := "max"
	if res.MemoryBytes > 0 {
		memValue = strconv.FormatInt(res.MemoryBytes, 10)
	}
	if err := grp.write("memory.max", memValue); err != nil {
		return err
	}
	if res.MemoryBytes > 0 {
		// memory.oom.group=1：越界时内核把整个组一起杀，而不是只挑
		// 最大户。否则被杀的可能是某个子进程，init 活着，容器僵在
		// Running 不出来。
		if err := grp.write("memory.oom.group", "1"); err != nil {
			return err
		}
	}

	cpuValue := "max " + strconv.Itoa(cpuPeriod)
	if res.CPUQuota > 0 {
		quota := int64(res.CPUQuota * float64(cpuPeriod))
		cpuValue = strconv.FormatInt(quota, 10) + " " + strconv.Itoa(cpuPeriod)
	}
	if err := grp.write("cpu.max", cpuValue); err != nil {
		return err
	}

	if res.IOWeight > 0 {
		if err := grp.write("io.weight", strconv.Itoa(int(res.IOWeight))); err != nil {
			return err
		}
	}
	return nil
}

// Path returns the group's cgroupfs directory.
func (grp *Group) Path() string { return grp.path }

// AddProcess attaches a process (and, implicitly, all its future
// descendants) to the group.
func (grp *Group) AddProcess(pid int) error {
	if pid <= 0 {
		return errdefs.Resourcef("invalid pid %d", pid)
	}
	return grp.write("cgroup.procs", strconv.Itoa(pid))
}

// Kill forcefully terminates every process in the group's tree.
// cgroup.kill 是内核提供的“一锅端”：对组里所有进程发 SIGKILL，
// 包括那些已经 double-fork 脱离会话的孤儿，不给任何忽略的机会。
func (grp *Group) Kill() error {
	return grp.write("cgroup.kill", "1")
}

// OOMKilled reports whether the kernel has OOM-killed anything in this
// group, i.e. the hard memory ceiling was crossed.
func (grp *Group) OOMKilled() bool {
	data, err := os.ReadFile(filepath.Join(grp.path, "memory.events"))
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		if fields[0] == "oom_kill" {
			val, _ := strconv.ParseInt(fields[1], 10, 64)
			return val > 0
		}
	}
	return false
}

// WatchOOM returns a channel that delivers one value when the group's
// hard memory ceiling is crossed. The watcher polls memory.events; it
// stops when ctx is cancelled or after the first event.
func (grp *Group) WatchOOM(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)
	go func() {
		ticker := time.NewTicker(oomPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if grp.OOMKilled() {
					ch <- struct{}{}
					return
				}
			}
		}
	}()
	return ch
}

// CPUTimeMs returns the group's accumulated CPU time in milliseconds.
func (grp *Group) CPUTimeMs() (int64, error) {
	data, err := os.ReadFile(filepath.Join(grp.path, "cpu.stat"))
	if err != nil {
		return 0, errdefs.Wrapf(err, errdefs.KindResource, "read cpu.stat")
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		if fields[0] == "usage_usec" {
			val, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				return 0, errdefs.Wrapf(err, errdefs.KindResource, "parse cpu.stat usage_usec")
			}
			return val / 1000, nil
		}
	}
	return 0, errdefs.Resourcef("usage_usec not found in cpu.stat")
}

// MemoryPeakKB returns the group's peak memory usage in KiB, or 0 when
// the kernel does not expose memory.peak.
func (grp *Group) MemoryPeakKB() int64 {
	data, err := os.ReadFile(filepath.Join(grp.path, "memory.peak"))
	if err != nil {
		return 0
	}
	val, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil || val < 0 {
		return 0
	}
	return val / 1024
}

// Destroy removes the limiting group. The group must be empty — call Kill
// first if processes might still be attached. Freshly killed processes can
// linger for a moment, so removal is retried briefly.
func (grp *Group) Destroy() error {
	var err error
	for i := 0; i < 10; i++ {
		// 空的 cgroup 目录用 rmdir 删；里面的接口文件是内核虚拟的，
		// 不需要（也不能）逐个 unlink
		if err = os.Remove(grp.path); err == nil {
			return nil
		}
		if os.IsNotExist(err) {
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	// 测试里用普通目录冒充 cgroupfs，这时目录里真有文件，退回 RemoveAll
	if rmErr := os.RemoveAll(grp.path); rmErr == nil {
		return nil
	}
	return errdefs.Wrapf(err, errdefs.KindResource, "destroy limiting group %q", grp.path)
}

func (grp *Group) write(name, value string) error {
	path := filepath.Join(grp.path, name)
	if err := os.WriteFile(path, []byte(value), 0640); err != nil {
		return errdefs.Wrapf(err, errdefs.KindResource, "write %s=%s", name, value)
	}
	return nil
}
