// Package oci is the shell-out runtime backend: instead of driving the
// kernel itself it prepares OCI bundles on top of the composed rootfs and
// delegates process management to an installed runc binary.
//
// 策略模式的另一半：native 后端自己干脏活，oci 后端把脏活外包给 runc。
// 两个后端共用同一个镜像 store 和同一个 layers 组合器。
package oci

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	cri "k8s.io/cri-api/pkg/apis/runtime/v1"

	"masrun/pkg/errdefs"
	"masrun/pkg/layers"
	"masrun/pkg/store"
	"masrun/pkg/supervisor"
)

const sandboxPrefix = "k8s_POD_"
const pauseImage = "pause"

// bundle is one prepared OCI bundle plus the layer stack mounted under it.
type bundle struct {
	dir   string
	stack *layers.Stack
}

// Adapter drives a runc binary over exec.Command. Each container becomes
// an OCI bundle directory (config.json + rootfs) under <root>/bundles.
type Adapter struct {
	store     *store.Store
	rootDir   string
	stateRoot string // runc --root
	runcBin   string

	mu      sync.Mutex
	bundles map[string]*bundle
	owners  map[string]string
}

// NewAdapter creates the OCI backend rooted at rootDir.
func NewAdapter(rootDir string) (*Adapter, error) {
	st, err := store.NewStore(filepath.Join(rootDir, "images"))
	if err != nil {
		return nil, err
	}
	if _, err := exec.LookPath("runc"); err != nil {
		return nil, errdefs.Configf("oci backend needs a runc binary on PATH: %v", err)
	}
	return &Adapter{
		store:     st,
		rootDir:   rootDir,
		stateRoot: "/run/masrun-oci",
		runcBin:   "runc",
		bundles:   make(map[string]*bundle),
		owners:    make(map[string]string),
	}, nil
}

// runc runs one runc subcommand and returns its combined output.
func (a *Adapter) runc(args ...string) (string, error) {
	full := append([]string{"--root", a.stateRoot}, args...)
	logrus.Debugf("[OCI] runc %s", strings.Join(full, " "))
	out, err := exec.Command(a.runcBin, full...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("runc %s: %s (%w)", args[0], strings.TrimSpace(string(out)), err)
	}
	return string(out), nil
}

// runcState is the JSON document `runc state` prints.
type runcState struct {
	ID      string    `json:"id"`
	Pid     int       `json:"pid"`
	Status  string    `json:"status"` // created / running / stopped
	Bundle  string    `json:"bundle"`
	Created time.Time `json:"created"`
}

func (a *Adapter) state(id string) (*runcState, error) {
	out, err := a.runc("state", id)
	if err != nil {
		return nil, err
	}
	var st runcState
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		return nil, fmt.Errorf("parse runc state of %s: %w", id, err)
	}
	return &st, nil
}

// ==========================================
// Image service (shared store semantics with the native backend)
// ==========================================

func (a *Adapter) PullImage(ctx context.Context, image string) (string, error) {
	if a.store.Has(image) {
		return image, nil
	}
	return "", errdefs.Configf("image %q not present in local store (no registry client)", image)
}

func (a *Adapter) ListImages() ([]string, error) { return a.store.List() }

func (a *Adapter) InspectImage(image string) error {
	if a.store.Has(image) {
		return nil
	}
	return errdefs.Configf("no such image %q", image)
}

// ==========================================
// Bundle preparation
// ==========================================

// prepareBundle composes the layered rootfs and writes config.json.
func (a *Adapter) prepareBundle(id, image string, ociSpec func(rootfs string) *specs.Spec) (*bundle, error) {
	layerDirs, err := a.store.Resolve(image)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(a.rootDir, "bundles", id)
	stack, err := layers.NewStack(layerDirs, filepath.Join(dir, "diff"))
	if err != nil {
		return nil, err
	}
	merged, err := stack.Mount(filepath.Join(dir, "rootfs"))
	if err != nil {
		return nil, err
	}

	cfg := ociSpec(merged)
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		stack.Unmount()
		return nil, errdefs.Wrapf(err, errdefs.KindConfig, "marshal oci config of %q", id)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), data, 0600); err != nil {
		stack.Unmount()
		return nil, errdefs.Wrapf(err, errdefs.KindFilesystem, "write oci config of %q", id)
	}

	b := &bundle{dir: dir, stack: stack}
	a.mu.Lock()
	a.bundles[id] = b
	a.mu.Unlock()
	return b, nil
}

func (a *Adapter) discardBundle(id string) {
	a.mu.Lock()
	b := a.bundles[id]
	delete(a.bundles, id)
	delete(a.owners, id)
	a.mu.Unlock()

	if b == nil {
		return
	}
	if err := b.stack.Unmount(); err != nil {
		logrus.Warnf("[OCI] unmount rootfs of %s: %v", id, err)
	}
	os.RemoveAll(b.dir)
}

// baseSpec builds the common OCI runtime spec skeleton. rootfs is given
// relative to the bundle, the way runc expects it.
func baseSpec(hostname string, args, env []string, cwd string) *specs.Spec {
	return &specs.Spec{
		Version: specs.Version,
		Process: &specs.Process{
			Terminal: false,
			User:     specs.User{UID: 0, GID: 0},
			Args:     args,
			Env:      env,
			Cwd:      cwd,
		},
		Root:     &specs.Root{Path: "rootfs"},
		Hostname: hostname,
		Mounts: []specs.Mount{
			{Destination: "/proc", Type: "proc", Source: "proc",
				Options: []string{"noexec", "nosuid", "nodev"}},
			{Destination: "/dev", Type: "tmpfs", Source: "tmpfs",
				Options: []string{"nosuid", "strictatime", "mode=755"}},
		},
		Linux: &specs.Linux{
			Namespaces: []specs.LinuxNamespace{
				{Type: specs.PIDNamespace},
				{Type: specs.NetworkNamespace},
				{Type: specs.IPCNamespace},
				{Type: specs.UTSNamespace},
				{Type: specs.MountNamespace},
			},
		},
	}
}

// translateResources maps CRI resource fields onto the OCI resource block.
func translateResources(res *cri.LinuxContainerResources) *specs.LinuxResources {
	if res == nil {
		return nil
	}
	out := &specs.LinuxResources{}
	if mem := res.GetMemoryLimitInBytes(); mem > 0 {
		out.Memory = &specs.LinuxMemory{Limit: &mem}
	}
	if res.GetCpuQuota() > 0 && res.GetCpuPeriod() > 0 {
		quota := res.GetCpuQuota()
		period := uint64(res.GetCpuPeriod())
		out.CPU = &specs.LinuxCPU{Quota: &quota, Period: &period}
	}
	return out
}

// ==========================================
// Pod sandbox
// ==========================================

func (a *Adapter) RunPodSandbox(ctx context.Context, config *cri.PodSandboxConfig, runtimeHandler string) (string, error) {
	meta := config.GetMetadata()
	if meta == nil {
		return "", errdefs.Configf("sandbox config carries no metadata")
	}
	podID := fmt.Sprintf("%s%s_%s_%s", sandboxPrefix, meta.Name, meta.Namespace, meta.Uid)

	hostname := config.GetHostname()
	if hostname == "" {
		hostname = meta.Name
	}

	b, err := a.prepareBundle(podID, pauseImage, func(rootfs string) *specs.Spec {
		return baseSpec(hostname,
			[]string{"/bin/sh", "-c", "sleep infinity"},
			[]string{"PATH=/bin:/usr/bin:/sbin:/usr/sbin"}, "/")
	})
	if err != nil {
		return "", err
	}
	if _, err := a.runc("create", "--bundle", b.dir, podID); err != nil {
		a.discardBundle(podID)
		return "", err
	}
	if _, err := a.runc("start", podID); err != nil {
		a.runc("delete", "-f", podID)
		a.discardBundle(podID)
		return "", err
	}
	return podID, nil
}

func (a *Adapter) StopPodSandbox(ctx context.Context, podID string) error {
	return a.StopContainer(ctx, podID, 0)
}

func (a *Adapter) RemovePodSandbox(ctx context.Context, podID string) error {
	return a.RemoveContainer(ctx, podID)
}

// ==========================================
// Container lifecycle
// ==========================================

func (a *Adapter) CreateContainer(ctx context.Context, podID string, config *cri.ContainerConfig, sandboxConfig *cri.PodSandboxConfig) (string, error) {
	meta := config.GetMetadata()
	if meta == nil {
		return "", errdefs.Configf("container config carries no metadata")
	}
	containerID := fmt.Sprintf("k8s_%s_%s", meta.Name, shortID(podID))

	command := append([]string{}, config.GetCommand()...)
	command = append(command, config.GetArgs()...)
	env := []string{"PATH=/bin:/usr/bin:/sbin:/usr/sbin"}
	for _, kv := range config.GetEnvs() {
		env = append(env, kv.GetKey()+"="+kv.GetValue())
	}
	cwd := config.GetWorkingDir()
	if cwd == "" {
		cwd = "/"
	}

	b, err := a.prepareBundle(containerID, config.GetImage().GetImage(), func(rootfs string) *specs.Spec {
		s := baseSpec(containerID, command, env, cwd)
		s.Linux.Resources = translateResources(config.GetLinux().GetResources())
		for _, m := range config.GetMounts() {
			opts := []string{"rbind"}
			if m.GetReadonly() {
				opts = append(opts, "ro")
			}
			s.Mounts = append(s.Mounts, specs.Mount{
				Destination: m.GetContainerPath(),
				Type:        "bind",
				Source:      m.GetHostPath(),
				Options:     opts,
			})
		}
		// 业务容器加入 sandbox 的网络 Namespace，而不是自己开一个
		if netns, err := a.GetNetNS(podID); err == nil && netns != "" {
			for i, ns := range s.Linux.Namespaces {
				if ns.Type == specs.NetworkNamespace {
					s.Linux.Namespaces[i].Path = netns
				}
			}
		}
		return s
	})
	if err != nil {
		return "", err
	}

	if _, err := a.runc("create", "--bundle", b.dir, containerID); err != nil {
		a.discardBundle(containerID)
		return "", err
	}

	a.mu.Lock()
	a.owners[containerID] = podID
	a.mu.Unlock()
	return containerID, nil
}

func (a *Adapter) StartContainer(ctx context.Context, containerID string) error {
	_, err := a.runc("start", containerID)
	return err
}

// StopContainer sends SIGTERM, waits out the grace period, then SIGKILLs.
// runc has no built-in deadline so the escalation loop lives here.
func (a *Adapter) StopContainer(ctx context.Context, containerID string, timeout int64) error {
	st, err := a.state(containerID)
	if err != nil || st.Status == "stopped" {
		return nil
	}

	if _, err := a.runc("kill", containerID, "TERM"); err != nil {
		logrus.Debugf("[OCI] TERM %s: %v", containerID, err)
	}

	deadline := time.Now().Add(time.Duration(timeout) * time.Second)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
		if st, err := a.state(containerID); err != nil || st.Status == "stopped" {
			return nil
		}
	}

	logrus.Warnf("[OCI] container %s ignored graceful stop, escalating", containerID)
	_, err = a.runc("kill", "--all", containerID, "KILL")
	return err
}

func (a *Adapter) RemoveContainer(ctx context.Context, containerID string) error {
	if _, err := a.runc("delete", "-f", containerID); err != nil {
		logrus.Debugf("[OCI] delete %s: %v", containerID, err)
	}
	a.discardBundle(containerID)
	return nil
}

func (a *Adapter) ContainerStatus(ctx context.Context, containerID string) (*cri.ContainerStatus, error) {
	st, err := a.state(containerID)
	if err != nil {
		return nil, err
	}
	return &cri.ContainerStatus{
		Id:        containerID,
		Metadata:  &cri.ContainerMetadata{Name: containerID},
		State:     criState(st.Status),
		CreatedAt: st.Created.UnixNano(),
	}, nil
}

func (a *Adapter) ListContainers(ctx context.Context, filter *cri.ContainerFilter) ([]*cri.Container, error) {
	a.mu.Lock()
	ids := make([]string, 0, len(a.bundles))
	for id := range a.bundles {
		ids = append(ids, id)
	}
	a.mu.Unlock()

	var out []*cri.Container
	for _, id := range ids {
		if filter.GetId() != "" && filter.GetId() != id {
			continue
		}
		st, err := a.state(id)
		if err != nil {
			continue
		}
		out = append(out, &cri.Container{
			Id:           id,
			PodSandboxId: a.ownerOf(id),
			Metadata:     &cri.ContainerMetadata{Name: id},
			State:        criState(st.Status),
			CreatedAt:    st.Created.UnixNano(),
		})
	}
	return out, nil
}

func (a *Adapter) ownerOf(id string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.owners[id]
}

func (a *Adapter) GetNetNS(containerID string) (string, error) {
	st, err := a.state(containerID)
	if err != nil {
		return "", err
	}
	if st.Pid == 0 {
		return "", nil
	}
	return fmt.Sprintf("/proc/%d/ns/net", st.Pid), nil
}

// SubscribeEvents: runc 是 fire-and-forget 的命令行调用，没有常驻的
// 监控进程，退出事件观测不到。返回 nil channel，事件流只对 native
// 后端可用。
func (a *Adapter) SubscribeEvents() (<-chan supervisor.Event, func()) {
	return nil, func() {}
}

func criState(status string) cri.ContainerState {
	switch status {
	case "created":
		return cri.ContainerState_CONTAINER_CREATED
	case "running":
		return cri.ContainerState_CONTAINER_RUNNING
	case "stopped":
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
