package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"masrun/pkg/cgroups"
	"masrun/pkg/errdefs"
	"masrun/pkg/isolation"
	"masrun/pkg/layers"
	"masrun/pkg/spec"
)

// RootStack is the composed merged filesystem view for one container.
type RootStack interface {
	Mount(target string) (string, error)
	Unmount() error
	Upper() string
}

// Composer builds a RootStack from ordered read-only layers plus one
// writable layer.
type Composer func(lower []string, upper string) (RootStack, error)

// Group is one limiting group holding the container's process tree.
type Group interface {
	AddProcess(pid int) error
	Kill() error
	Destroy() error
	OOMKilled() bool
	WatchOOM(ctx context.Context) <-chan struct{}
	CPUTimeMs() (int64, error)
	MemoryPeakKB() int64
}

// Governor creates limiting groups.
type Governor interface {
	Apply(id string, res spec.Resources, pid int) (Group, error)
}

// Process is the supervisor's handle on a launched container init process.
//
// Launch 之后子进程处于“停车”状态：它已经被 clone 进了新的 Namespace，
// 但还没有 pivot_root、也没有 exec 入口命令——它在管道上等放行信号。
// 这给了 Supervisor 一个窗口，把 pid 挂进 cgroup 之后再调用 Exec()。
type Process interface {
	Pid() int
	// Exec releases the parked child: it pivots into the merged root and
	// execs the entry command.
	Exec() error
	Signal(sig syscall.Signal) error
	// Wait blocks until the init process exits and returns its exit code.
	Wait() (int, error)
}

// Launcher clones a container init process inside the requested namespaces.
type Launcher func(s *spec.ContainerSpec, mergedRoot string, cloneFlags uintptr) (Process, error)

// Config carries the supervisor's host paths and defaults.
type Config struct {
	// RootDir holds per-container writable layers and merge targets.
	RootDir string
	// StateDir holds per-container state.json records.
	StateDir string
	// CgroupRoot is the parent of all limiting groups.
	CgroupRoot string
	// StopTimeout is the default graceful-stop deadline.
	StopTimeout time.Duration
}

func (c *Config) withDefaults() {
	if c.RootDir == "" {
		c.RootDir = "/var/lib/masrun"
	}
	if c.StateDir == "" {
		c.StateDir = "/run/masrun"
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
}

// Supervisor sequences composition, isolation, resource governance and
// process execution for containers, and owns every container's lifecycle
// state. It is the only entity allowed to mutate ContainerState.
type Supervisor struct {
	cfg       Config
	compose   Composer
	governor  Governor
	isolation *isolation.Manager
	launch    Launcher

	mu         sync.Mutex
	containers map[string]*Container
	subs       map[int]chan Event
	nextSub    int
}

// New builds a supervisor wired to the real host: overlay layer stacks,
// cgroup-v2 limiting groups, kernel namespaces and the re-exec launcher.
func New(cfg Config) *Supervisor {
	return NewWithBackends(cfg,
		func(lower []string, upper string) (RootStack, error) {
			return layers.NewStack(lower, upper)
		},
		governorAdapter{cgroups.NewGovernor(cfg.CgroupRoot)},
		isolation.NewManager(),
		launchInit,
	)
}

// NewWithBackends builds a supervisor with injected component
// implementations. Tests use it to run the full lifecycle without a
// kernel.
func NewWithBackends(cfg Config, compose Composer, gov Governor, iso *isolation.Manager, launch Launcher) *Supervisor {
	cfg.withDefaults()
	return &Supervisor{
		cfg:        cfg,
		compose:    compose,
		governor:   gov,
		isolation:  iso,
		launch:     launch,
		containers: make(map[string]*Container),
		subs:       make(map[int]chan Event),
	}
}

// governorAdapter lifts *cgroups.Governor onto the Governor interface
// (its concrete *cgroups.Group satisfies Group already).
type governorAdapter struct {
	g *cgroups.Governor
}

func (a governorAdapter) Apply(id string, res spec.Resources, pid int) (Group, error) {
	grp, err := a.g.Apply(id, res, pid)
	if err != nil {
		return nil, err
	}
	return grp, nil
}

// Container is one supervised container instance.
type Container struct {
	Spec *spec.ContainerSpec

	sup *Supervisor

	mu         sync.Mutex
	state      State
	stack      RootStack
	iso        *isolation.Set
	group      Group
	proc       Process
	merged     string
	exit       *ExitStatus
	escalated  bool
	createdAt  time.Time
	startedAt  time.Time
	finishedAt time.Time
	// done is closed exactly once, when the container reaches a terminal
	// state. Waiters block on it instead of polling.
	done chan struct{}
}

// State returns the current lifecycle state.
func (c *Container) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Exit returns the final exit status, or nil while the container has not
// reached a terminal state.
func (c *Container) Exit() *ExitStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exit
}

// Pid returns the init process id, or 0 when no process is running.
func (c *Container) Pid() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.proc == nil {
		return 0
	}
	return c.proc.Pid()
}

// Done returns a channel closed when the container reaches a terminal state.
func (c *Container) Done() <-chan struct{} { return c.done }

// CreatedAt returns the creation timestamp.
func (c *Container) CreatedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.createdAt
}

// StartedAt returns when the container entered Running (zero if never).
func (c *Container) StartedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startedAt
}

// FinishedAt returns when the container reached a terminal state (zero if
// it has not).
func (c *Container) FinishedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finishedAt
}

// MergedRoot returns the mounted merged rootfs path, or "".
func (c *Container) MergedRoot() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.merged
}

func (sv *Supervisor) containerDir(id string) string {
	return filepath.Join(sv.cfg.RootDir, "containers", id)
}

// Create validates the spec and registers the container in state Created.
// No host resources are allocated yet; that is Start's business.
func (sv *Supervisor) Create(s *spec.ContainerSpec) (*Container, error) {
	if s == nil {
		return nil, errdefs.Configf("nil container spec")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}

	sv.mu.Lock()
	if _, ok := sv.containers[s.ID]; ok {
		sv.mu.Unlock()
		return nil, errdefs.Configf("container %q already exists", s.ID)
	}
	c := &Container{
		Spec:      s,
		sup:       sv,
		state:     StateCreated,
		createdAt: time.Now(),
		done:      make(chan struct{}),
	}
	sv.containers[s.ID] = c
	sv.mu.Unlock()

	c.persist()
	sv.emit(Event{ContainerID: s.ID, State: StateCreated})
	logrus.Infof("[Supervisor] container %s created", s.ID)
	return c, nil
}

// Get looks a container up by id.
func (sv *Supervisor) Get(id string) (*Container, error) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	c, ok := sv.containers[id]
	if !ok {
		return nil, errdefs.Configf("no such container %q", id)
	}
	return c, nil
}

// List returns every known container.
func (sv *Supervisor) List() []*Container {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	out := make([]*Container, 0, len(sv.containers))
	for _, c := range sv.containers {
		out = append(out, c)
	}
	return out
}

// Start drives a Created container through the Starting sequence and into
// Running. Acquisition order is fixed — filesystem, isolation, process
// launch, resource group — because each stage's output feeds the next.
// Any failure rolls back everything acquired so far, lands in Failed, and
// only then surfaces the error (with stage attribution) to the caller.
func (sv *Supervisor) Start(ctx context.Context, id string) error {
	c, err := sv.Get(id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.state != StateCreated {
		state := c.state
		c.mu.Unlock()
		return errdefs.Configf("container %q is %s, cannot start", id, state)
	}
	c.state = StateStarting
	c.mu.Unlock()
	c.persist()
	sv.emit(Event{ContainerID: id, State: StateStarting})

	if err := sv.acquire(ctx, c); err != nil {
		sv.fail(c, err)
		return err
	}

	c.mu.Lock()
	c.state = StateRunning
	c.startedAt = time.Now()
	c.mu.Unlock()
	c.persist()
	sv.emit(Event{ContainerID: id, State: StateRunning})
	logrus.WithFields(logrus.Fields{
		"id":     id,
		"pid":    c.Pid(),
		"memory": c.Spec.Resources.HumanMemory(),
	}).Info("[Supervisor] container running")

	go sv.monitor(c)
	return nil
}

// acquire runs the Starting stages in order. On error the caller is
// responsible for rollback (via fail).
func (sv *Supervisor) acquire(ctx context.Context, c *Container) error {
	s := c.Spec
	dir := sv.containerDir(s.ID)

	// 1. 文件系统：先有合并后的 rootfs，后面的 mount namespace 才有东西可切
	stack, err := sv.compose(s.Layers, filepath.Join(dir, "diff"))
	if err != nil {
		return stageErr(err, "compose")
	}
	c.setStack(stack)
	merged, err := stack.Mount(filepath.Join(dir, "rootfs"))
	if err != nil {
		return stageErr(err, "compose")
	}
	c.mu.Lock()
	c.merged = merged
	c.mu.Unlock()

	// 2. 隔离域：要么全进，要么全退，Manager 保证原子性
	iso, err := sv.isolation.Enter(s.Isolation)
	if err != nil {
		return stageErr(err, "isolate")
	}
	c.setIso(iso)

	// 3. 克隆 init 进程（停车等放行）
	proc, err := sv.launch(s, merged, isolation.CloneFlags(iso.Domains()))
	if err != nil {
		return stageErr(err, "launch")
	}
	c.setProc(proc)
	if err := iso.AdoptNetNS(proc.Pid()); err != nil {
		logrus.Warnf("[Supervisor] cannot adopt netns of %s: %v", s.ID, err)
	}

	// 4. 资源组：先把 pid 挂进 cgroup，再放行 exec。
	//    这样入口命令从第一条指令开始就受限额约束，没有裸奔窗口。
	grp, err := sv.governor.Apply(s.ID, s.Resources, proc.Pid())
	if err != nil {
		return stageErr(err, "govern")
	}
	c.setGroup(grp)

	if err := proc.Exec(); err != nil {
		return stageErr(err, "launch")
	}
	return nil
}

func (c *Container) setStack(s RootStack) { c.mu.Lock(); c.stack = s; c.mu.Unlock() }
func (c *Container) setIso(i *isolation.Set) { c.mu.Lock(); c.iso = i; c.mu.Unlock() }
func (c *Container) setProc(p Process)     { c.mu.Lock(); c.proc = p; c.mu.Unlock() }
func (c *Container) setGroup(g Group)      { c.mu.Lock(); c.group = g; c.mu.Unlock() }

// kindForStage picks the error kind when a stage reports a bare error.
func kindForStage(stage string) errdefs.Kind {
	switch stage {
	case "compose":
		return errdefs.KindFilesystem
	case "govern":
		return errdefs.KindResource
	default:
		return errdefs.KindIsolation
	}
}

func stageErr(err error, stage string) error {
	var e *errdefs.Error
	if errors.As(err, &e) {
		e.WithStage(stage)
		return err
	}
	return errdefs.Wrapf(err, kindForStage(stage), "stage %s failed", stage).WithStage(stage)
}

// fail rolls back whatever acquire managed to grab — reverse order — and
// parks the container in Failed. Nothing is left partially allocated.
func (sv *Supervisor) fail(c *Container, cause error) {
	logrus.WithFields(logrus.Fields{
		"id":    c.Spec.ID,
		"stage": errdefs.GetStage(cause),
	}).Errorf("[Supervisor] start failed: %v", cause)

	c.mu.Lock()
	group, proc, iso, stack := c.group, c.proc, c.iso, c.stack
	c.group, c.proc, c.iso, c.stack = nil, nil, nil, nil
	c.mu.Unlock()

	if group != nil {
		group.Kill()
		if err := group.Destroy(); err != nil {
			logrus.Warnf("[Supervisor] rollback: destroy group: %v", err)
		}
	}
	if proc != nil {
		proc.Signal(syscall.SIGKILL)
		// reap asynchronously; rollback must not hang on a stuck child
		go proc.Wait()
	}
	if iso != nil {
		if err := iso.Release(); err != nil {
			logrus.Warnf("[Supervisor] rollback: release isolation: %v", err)
		}
	}
	if stack != nil {
		if err := stack.Unmount(); err != nil {
			logrus.Warnf("[Supervisor] rollback: unmount: %v", err)
		}
	}

	c.mu.Lock()
	c.state = StateFailed
	c.finishedAt = time.Now()
	c.exit = &ExitStatus{Code: -1, Reason: ReasonAllocationFailure}
	c.mu.Unlock()
	close(c.done)
	c.persist()
	sv.emit(Event{
		ContainerID: c.Spec.ID,
		State:       StateFailed,
		Reason:      ReasonAllocationFailure,
		Stage:       errdefs.GetStage(cause),
	})
}

type waitResult struct {
	code int
	err  error
}

// monitor is the per-container supervising goroutine. It blocks — never
// busy-polls — on two wake sources racing each other: process exit and the
// resource governor's ceiling-breach event. Whichever arrives first
// determines how we wake up; the recorded exit reason is settled after the
// child is reaped (see the tie-break below).
func (sv *Supervisor) monitor(c *Container) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c.mu.Lock()
	group, proc := c.group, c.proc
	c.mu.Unlock()

	var oomCh <-chan struct{}
	if group != nil {
		oomCh = group.WatchOOM(ctx)
	}

	waitCh := make(chan waitResult, 1)
	go func() {
		code, err := proc.Wait()
		waitCh <- waitResult{code, err}
	}()

	oomObserved := false
	var res waitResult
	select {
	case res = <-waitCh:
	case <-oomCh:
		// 内存硬上限被突破。oom.group 正常情况下会让内核把整棵树杀掉，
		// 但不能指望它（老内核没这个文件，或者被杀的只是某个子进程）——
		// 这里补一次整组强杀，init 绝不允许活过自己的内存上限。
		oomObserved = true
		if group != nil {
			group.Kill()
		}
		res = <-waitCh
	}

	// Tie-break: graceful stop and ceiling breach can land in the same
	// scheduling quantum. After the reap we re-check the group's OOM
	// record once; if anything was OOM-killed, the resource-ceiling
	// reason wins over both voluntary exit and deadline escalation.
	if group != nil && group.OOMKilled() {
		oomObserved = true
	}

	c.mu.Lock()
	escalated := c.escalated
	c.mu.Unlock()

	exit := &ExitStatus{Code: res.code}
	switch {
	case oomObserved:
		exit.Reason = ReasonResourceCeiling
		exit.OOMKilled = true
	case escalated:
		exit.Reason = ReasonDeadlineKill
	default:
		exit.Reason = ReasonVoluntaryExit
	}
	if res.err != nil {
		logrus.Debugf("[Supervisor] wait for %s: %v", c.Spec.ID, res.err)
	}
	if group != nil {
		exit.CPUTimeMs, _ = group.CPUTimeMs()
		exit.MemoryPeakKB = group.MemoryPeakKB()
	}

	sv.teardown(c)

	c.mu.Lock()
	c.state = StateExited
	c.exit = exit
	c.finishedAt = time.Now()
	c.mu.Unlock()
	close(c.done)
	c.persist()
	sv.emit(Event{ContainerID: c.Spec.ID, State: StateExited, Reason: exit.Reason})
	logrus.WithFields(logrus.Fields{
		"id":     c.Spec.ID,
		"code":   exit.Code,
		"reason": exit.Reason,
	}).Info("[Supervisor] container exited")
}

// teardown releases resources in strict reverse acquisition order:
// limiting group, isolation domains, merged filesystem.
func (sv *Supervisor) teardown(c *Container) {
	c.mu.Lock()
	group, iso, stack := c.group, c.iso, c.stack
	c.group, c.proc, c.iso, c.stack = nil, nil, nil, nil
	c.mu.Unlock()

	if group != nil {
		// init 死了不代表组空了：double-fork 出去的孤儿可能还活着，
		// 先一锅端再删组，防止它们逃出限额继续跑
		group.Kill()
		if err := group.Destroy(); err != nil {
			logrus.Warnf("[Supervisor] destroy group of %s: %v", c.Spec.ID, err)
		}
	}
	if iso != nil {
		if err := iso.Release(); err != nil {
			logrus.Warnf("[Supervisor] release isolation of %s: %v", c.Spec.ID, err)
		}
	}
	if stack != nil {
		if err := stack.Unmount(); err != nil {
			logrus.Warnf("[Supervisor] unmount rootfs of %s: %v", c.Spec.ID, err)
		}
	}
}

// Stop issues a cooperative termination request: SIGTERM to the init
// process, a deadline, then — if the deadline elapses — a forceful,
// non-ignorable kill of the entire process tree via the limiting group.
func (sv *Supervisor) Stop(ctx context.Context, id string, timeout time.Duration) error {
	c, err := sv.Get(id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	switch c.state {
	case StateExited, StateFailed:
		c.mu.Unlock()
		return nil
	case StateRunning:
	default:
		state := c.state
		c.mu.Unlock()
		return errdefs.Configf("container %q is %s, cannot stop", id, state)
	}
	c.state = StateStopping
	proc, group := c.proc, c.group
	c.mu.Unlock()
	c.persist()
	sv.emit(Event{ContainerID: id, State: StateStopping})

	if timeout <= 0 {
		timeout = sv.cfg.StopTimeout
	}

	if proc != nil {
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			logrus.Debugf("[Supervisor] SIGTERM %s: %v", id, err)
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	// 宽限期用完还不走，升级为整棵进程树的强制终止。
	// 杀 group 而不是只杀 init：孤儿进程也不许活过自己的限额组。
	logrus.Warnf("[Supervisor] container %s ignored graceful stop for %s, escalating", id, timeout)
	c.mu.Lock()
	c.escalated = true
	c.mu.Unlock()
	if group != nil {
		if err := group.Kill(); err != nil {
			logrus.Warnf("[Supervisor] group kill of %s: %v", id, err)
		}
	} else if proc != nil {
		proc.Signal(syscall.SIGKILL)
	}

	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the container reaches a terminal state and returns
// its exit status.
func (sv *Supervisor) Wait(ctx context.Context, id string) (*ExitStatus, error) {
	c, err := sv.Get(id)
	if err != nil {
		return nil, err
	}
	select {
	case <-c.done:
		return c.Exit(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Remove forgets a terminal (or never-started) container and deletes its
// writable layer and state record.
func (sv *Supervisor) Remove(id string) error {
	c, err := sv.Get(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != StateCreated && !state.Terminal() {
		return errdefs.Configf("container %q is %s, cannot remove", id, state)
	}

	sv.mu.Lock()
	delete(sv.containers, id)
	sv.mu.Unlock()

	removeStateRecord(sv.cfg.StateDir, id)
	if err := os.RemoveAll(sv.containerDir(id)); err != nil {
		return errdefs.Wrapf(err, errdefs.KindFilesystem, "remove container dir of %q", id)
	}
	logrus.Infof("[Supervisor] container %s removed", id)
	return nil
}

// Subscribe registers a lifecycle event listener. The returned cancel
// function must be called to release it. Slow subscribers lose events
// rather than stalling the supervisor.
func (sv *Supervisor) Subscribe() (<-chan Event, func()) {
	sv.mu.Lock()
	id := sv.nextSub
	sv.nextSub++
	ch := make(chan Event, 64)
	sv.subs[id] = ch
	sv.mu.Unlock()

	cancel := func() {
		sv.mu.Lock()
		if sub, ok := sv.subs[id]; ok {
			delete(sv.subs, id)
			close(sub)
		}
		sv.mu.Unlock()
	}
	return ch, cancel
}

func (sv *Supervisor) emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	sv.mu.Lock()
	defer sv.mu.Unlock()
	for _, ch := range sv.subs {
		select {
		case ch <- ev:
		default:
			logrus.Debugf("[Supervisor] dropping event %s/%s for slow subscriber", ev.ContainerID, ev.State)
		}
	}
}

func (c *Container) persist() {
	c.mu.Lock()
	rec := &stateRecord{
		ID:         c.Spec.ID,
		Status:     c.state,
		Bundle:     c.sup.containerDir(c.Spec.ID),
		CreatedAt:  c.createdAt,
		StartedAt:  c.startedAt,
		FinishedAt: c.finishedAt,
		Exit:       c.exit,
	}
	if c.proc != nil {
		rec.Pid = c.proc.Pid()
	}
	stateDir := c.sup.cfg.StateDir
	c.mu.Unlock()

	if err := writeStateRecord(stateDir, rec); err != nil {
		logrus.Warnf("[Supervisor] persist state of %s: %v", rec.ID, err)
	}
}
