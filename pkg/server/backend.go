package server

import (
	"context"

	cri "k8s.io/cri-api/pkg/apis/runtime/v1"

	"masrun/pkg/supervisor"
)

// RuntimeBackend 定义了底层容器运行时需要实现的行为。
// 无论是 native（本仓库自己的 supervisor 核心）还是 oci（外包给 runc），
// 都必须从这里接入。
type RuntimeBackend interface {
	// Image service
	PullImage(ctx context.Context, image string) (string, error)
	ListImages() ([]string, error)
	InspectImage(image string) error

	// Pod sandbox
	RunPodSandbox(ctx context.Context, config *cri.PodSandboxConfig, runtimeHandler string) (string, error)
	StopPodSandbox(ctx context.Context, podID string) error
	RemovePodSandbox(ctx context.Context, podID string) error

	// Container lifecycle
	CreateContainer(ctx context.Context, podID string, config *cri.ContainerConfig, sandboxConfig *cri.PodSandboxConfig) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, timeout int64) error
	RemoveContainer(ctx context.Context, containerID string) error
	ContainerStatus(ctx context.Context, containerID string) (*cri.ContainerStatus, error)
	ListContainers(ctx context.Context, filter *cri.ContainerFilter) ([]*cri.Container, error)

	// Helpers
	GetNetNS(containerID string) (string, error)

	// SubscribeEvents streams lifecycle transitions. Backends that cannot
	// observe exits return a nil channel; the cancel func is always safe
	// to call.
	SubscribeEvents() (<-chan supervisor.Event, func())
}
