package native

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	cri "k8s.io/cri-api/pkg/apis/runtime/v1"

	"masrun/pkg/errdefs"
	"masrun/pkg/isolation"
	"masrun/pkg/spec"
	"masrun/pkg/store"
	"masrun/pkg/supervisor"
)

// sandboxPrefix marks Pod Sandbox (pause) containers so they can be told
// apart from workload containers in listings.
const sandboxPrefix = "k8s_POD_"

// pauseImage 是 sandbox 容器的本地镜像引用。
// 把它对应的层放进 store（<root>/images/pause/）才能跑 Pod。
const pauseImage = "pause"

// Adapter is the native runtime backend: it translates CRI requests into
// container specs and drives the lifecycle supervisor, which owns the
// composition / isolation / governance machinery directly.
//
// 教学版 Runtime 的“心脏”。没有 Docker，没有 runc 库，从 CRI 请求到
// clone 系统调用之间的每一层都是本仓库自己的代码。
type Adapter struct {
	sup   *supervisor.Supervisor
	store *store.Store

	mu sync.Mutex
	// containerID -> owning sandbox ID. Sandboxes own their containers'
	// network namespace, so removal order matters.
	owners map[string]string
}

// NewAdapter creates the native backend.
// rootDir:  per-container writable layers + local image store (/var/lib/masrun)
// stateDir: state.json records (/run/masrun)
func NewAdapter(rootDir, stateDir string) (*Adapter, error) {
	st, err := store.NewStore(filepath.Join(rootDir, "images"))
	if err != nil {
		return nil, err
	}
	sup := supervisor.New(supervisor.Config{
		RootDir:    rootDir,
		StateDir:   stateDir,
		CgroupRoot: "",
	})
	return &Adapter{
		sup:    sup,
		store:  st,
		owners: make(map[string]string),
	}, nil
}

// Supervisor exposes the underlying supervisor (tests and diagnostics).
func (a *Adapter) Supervisor() *supervisor.Supervisor { return a.sup }

// ==========================================
// Image service
// ==========================================

// PullImage resolves an image against the local store only. Fetching from
// a registry is deliberately not implemented; drop layer tarballs plus a
// manifest.json into the store directory instead.
func (a *Adapter) PullImage(ctx context.Context, image string) (string, error) {
	if a.store.Has(image) {
		return image, nil
	}
	return "", errdefs.Configf("image %q not present in local store (no registry client)", image)
}

func (a *Adapter) ListImages() ([]string, error) {
	return a.store.List()
}

func (a *Adapter) InspectImage(image string) error {
	if a.store.Has(image) {
		return nil
	}
	return errdefs.Configf("no such image %q", image)
}

// ==========================================
// Pod sandbox
// ==========================================

// RunPodSandbox creates and starts the pause container that anchors the
// Pod's namespaces (most importantly the network namespace; workload
// containers join it instead of creating their own).
func (a *Adapter) RunPodSandbox(ctx context.Context, config *cri.PodSandboxConfig, runtimeHandler string) (string, error) {
	meta := config.GetMetadata()
	if meta == nil {
		return "", errdefs.Configf("sandbox config carries no metadata")
	}
	podID := fmt.Sprintf("%s%s_%s_%s", sandboxPrefix, meta.Name, meta.Namespace, meta.Uid)

	layerDirs, err := a.store.Resolve(pauseImage)
	if err != nil {
		return "", err
	}

	hostname := config.GetHostname()
	if hostname == "" {
		hostname = meta.Name
	}

	// pause 进程：占住 Namespace，不退出就行。
	// 标准 pause 镜像是一段响应信号的汇编死循环，这里用 shell 模拟。
	s := &spec.ContainerSpec{
		ID:         podID,
		Layers:     layerDirs,
		Isolation:  sandboxDomains(config),
		Command:    []string{"/bin/sh", "-c", "sleep infinity"},
		WorkingDir: "/",
		Hostname:   hostname,
	}

	if _, err := a.sup.Create(s); err != nil {
		return "", err
	}
	if err := a.sup.Start(ctx, podID); err != nil {
		// 失败的 sandbox 不能占着名字：kubelet 会用同样的元数据重试，
		// 留着注册记录只会换来 "already exists"
		if rmErr := a.sup.Remove(podID); rmErr != nil {
			logrus.Warnf("[Native] drop failed sandbox %s: %v", podID, rmErr)
		}
		return "", err
	}
	logrus.Infof("[Native] pod sandbox %s launched", podID)
	return podID, nil
}

func (a *Adapter) StopPodSandbox(ctx context.Context, podID string) error {
	err := a.sup.Stop(ctx, podID, 0)
	if err != nil && errdefs.IsConfig(err) {
		// already gone or never started; CRI wants idempotent stop
		return nil
	}
	return err
}

func (a *Adapter) RemovePodSandbox(ctx context.Context, podID string) error {
	a.mu.Lock()
	for id, owner := range a.owners {
		if owner == podID {
			delete(a.owners, id)
		}
	}
	a.mu.Unlock()

	err := a.sup.Remove(podID)
	if err != nil && errdefs.IsConfig(err) {
		return nil
	}
	return err
}

// ==========================================
// Container lifecycle
// ==========================================

// CreateContainer registers a workload container. No process exists yet;
// the supervisor allocates everything at Start.
func (a *Adapter) CreateContainer(ctx context.Context, podID string, config *cri.ContainerConfig, sandboxConfig *cri.PodSandboxConfig) (string, error) {
	meta := config.GetMetadata()
	if meta == nil {
		return "", errdefs.Configf("container config carries no metadata")
	}
	containerID := fmt.Sprintf("k8s_%s_%s", meta.Name, shortID(podID))

	// 同一个 Pod 的容器共享 pause 容器的网络 Namespace。拿不到（sandbox
	// 没起来、或 NODE 模式）就退回私有 net domain。
	netns, err := a.GetNetNS(podID)
	if err != nil {
		logrus.Debugf("[Native] no sandbox netns for %s: %v", podID, err)
		netns = ""
	}

	s, err := a.translate(containerID, config, sandboxConfig, netns)
	if err != nil {
		return "", err
	}
	if _, err := a.sup.Create(s); err != nil {
		return "", err
	}

	a.mu.Lock()
	a.owners[containerID] = podID
	a.mu.Unlock()

	logrus.Infof("[Native] container %s created (pod %s)", containerID, podID)
	return containerID, nil
}

func (a *Adapter) StartContainer(ctx context.Context, containerID string) error {
	return a.sup.Start(ctx, containerID)
}

func (a *Adapter) StopContainer(ctx context.Context, containerID string, timeout int64) error {
	return a.sup.Stop(ctx, containerID, time.Duration(timeout)*time.Second)
}

func (a *Adapter) RemoveContainer(ctx context.Context, containerID string) error {
	a.mu.Lock()
	delete(a.owners, containerID)
	a.mu.Unlock()

	err := a.sup.Remove(containerID)
	if err != nil && errdefs.IsConfig(err) {
		return nil
	}
	return err
}

func (a *Adapter) ContainerStatus(ctx context.Context, containerID string) (*cri.ContainerStatus, error) {
	c, err := a.sup.Get(containerID)
	if err != nil {
		return nil, err
	}

	status := &cri.ContainerStatus{
		Id: containerID,
		Metadata: &cri.ContainerMetadata{
			Name: containerID,
		},
		State:     criState(c.State()),
		CreatedAt: c.CreatedAt().UnixNano(),
	}
	if t := c.StartedAt(); !t.IsZero() {
		status.StartedAt = t.UnixNano()
	}
	if t := c.FinishedAt(); !t.IsZero() {
		status.FinishedAt = t.UnixNano()
	}
	if exit := c.Exit(); exit != nil {
		status.ExitCode = int32(exit.Code)
		status.Reason = string(exit.Reason)
		if exit.OOMKilled {
			status.Reason = "OOMKilled"
			status.Message = string(exit.Reason)
		}
	}
	return status, nil
}

func (a *Adapter) ListContainers(ctx context.Context, filter *cri.ContainerFilter) ([]*cri.Container, error) {
	var out []*cri.Container
	for _, c := range a.sup.List() {
		id := c.Spec.ID
		if filter.GetId() != "" && filter.GetId() != id {
			continue
		}
		out = append(out, &cri.Container{
			Id:           id,
			PodSandboxId: a.ownerOf(id),
			Metadata: &cri.ContainerMetadata{
				Name: id,
			},
			State:     criState(c.State()),
			CreatedAt: c.CreatedAt().UnixNano(),
		})
	}
	return out, nil
}

func (a *Adapter) ownerOf(id string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.owners[id]
}

// GetNetNS returns the network namespace path of a container's init
// process. CNI plugins enter it via setns() to wire up eth0.
func (a *Adapter) GetNetNS(containerID string) (string, error) {
	c, err := a.sup.Get(containerID)
	if err != nil {
		return "", err
	}
	pid := c.Pid()
	if pid == 0 {
		return "", nil
	}
	return fmt.Sprintf("/proc/%d/ns/net", pid), nil
}

// SubscribeEvents streams lifecycle transitions from the supervisor.
func (a *Adapter) SubscribeEvents() (<-chan supervisor.Event, func()) {
	return a.sup.Subscribe()
}

// ==========================================
// CRI -> spec translation
// ==========================================

// translate maps a CRI container config onto a container spec: image ref
// to stored layer directories, CRI resource fields to limits, namespace
// options to isolation domains. A non-empty netns replaces the private
// net domain with a join of that namespace.
func (a *Adapter) translate(id string, config *cri.ContainerConfig, sandboxConfig *cri.PodSandboxConfig, netns string) (*spec.ContainerSpec, error) {
	image := config.GetImage().GetImage()
	layerDirs, err := a.store.Resolve(image)
	if err != nil {
		return nil, err
	}

	command := append([]string{}, config.GetCommand()...)
	command = append(command, config.GetArgs()...)

	env := make(map[string]string, len(config.GetEnvs()))
	for _, kv := range config.GetEnvs() {
		env[kv.GetKey()] = kv.GetValue()
	}

	var mounts []spec.Mount
	for _, m := range config.GetMounts() {
		opts := []string{}
		if m.GetReadonly() {
			opts = append(opts, "ro")
		}
		mounts = append(mounts, spec.Mount{
			Source:  m.GetHostPath(),
			Target:  m.GetContainerPath(),
			Options: opts,
		})
	}

	workingDir := config.GetWorkingDir()
	if workingDir == "" {
		workingDir = "/"
	}
	hostname := sandboxConfig.GetHostname()
	if hostname == "" {
		hostname = id
	}

	domains := sandboxDomains(sandboxConfig)
	if netns != "" {
		domains = withoutDomain(domains, isolation.DomainNet)
	}

	return &spec.ContainerSpec{
		ID:         id,
		Layers:     layerDirs,
		Mounts:     mounts,
		Isolation:  domains,
		NetNS:      netns,
		Resources:  translateResources(config.GetLinux().GetResources()),
		Command:    command,
		WorkingDir: workingDir,
		Env:        env,
		Hostname:   hostname,
	}, nil
}

// translateResources maps CRI resource fields onto limits.
// CRI 没有独立的 pids 字段，kubelet 把它塞在 Unified (cgroup v2 原生
// 键值) 里传过来。
func translateResources(res *cri.LinuxContainerResources) spec.Resources {
	if res == nil {
		return spec.Resources{}
	}
	out := spec.Resources{
		MemoryBytes: res.GetMemoryLimitInBytes(),
	}
	if res.GetCpuQuota() > 0 && res.GetCpuPeriod() > 0 {
		out.CPUQuota = float64(res.GetCpuQuota()) / float64(res.GetCpuPeriod())
	}
	if v, ok := res.GetUnified()["pids.max"]; ok && v != "max" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			out.PidsMax = n
		}
	}
	if v, ok := res.GetUnified()["io.weight"]; ok {
		if n, err := strconv.ParseUint(v, 10, 16); err == nil {
			out.IOWeight = uint16(n)
		}
	}
	return out
}

// sandboxDomains derives the isolation domains from the sandbox's
// namespace options. NODE mode means "share with the host", so that
// domain is dropped.
func sandboxDomains(sandboxConfig *cri.PodSandboxConfig) []isolation.Domain {
	nsOpts := sandboxConfig.GetLinux().GetSecurityContext().GetNamespaceOptions()

	domains := []isolation.Domain{isolation.DomainMount, isolation.DomainUTS}
	if nsOpts.GetNetwork() != cri.NamespaceMode_NODE {
		domains = append(domains, isolation.DomainNet)
	}
	if nsOpts.GetPid() != cri.NamespaceMode_NODE {
		domains = append(domains, isolation.DomainPID)
	}
	if nsOpts.GetIpc() != cri.NamespaceMode_NODE {
		domains = append(domains, isolation.DomainIPC)
	}
	return domains
}

func withoutDomain(domains []isolation.Domain, drop isolation.Domain) []isolation.Domain {
	out := domains[:0]
	for _, d := range domains {
		if d != drop {
			out = append(out, d)
		}
	}
	return out
}

func criState(s supervisor.State) cri.ContainerState {
	switch s {
	case supervisor.StateCreated, supervisor.StateStarting:
		return cri.ContainerState_CONTAINER_CREATED
	case supervisor.StateRunning, supervisor.StateStopping:
		return cri.ContainerState_CONTAINER_RUNNING
	case supervisor.StateExited, supervisor.StateFailed:
		return cri.ContainerState_CONTAINER_EXITED
	default:
		return cri.ContainerState_CONTAINER_UNKNOWN
	}
}

func shortID(id string) string {
	id = strings.TrimPrefix(id, sandboxPrefix)
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
