package server

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	runtimeapi "k8s.io/cri-api/pkg/apis/runtime/v1"

	"masrun/pkg/version"
)

const sandboxPrefix = "k8s_POD_"

// Version 接口实现。
// Orchestrator 调用它来确认 Runtime 的名称、版本和支持的 API 版本。
func (s *Server) Version(ctx context.Context, req *runtimeapi.VersionRequest) (*runtimeapi.VersionResponse, error) {
	return &runtimeapi.VersionResponse{
		Version:           version.APIVersion,
		RuntimeName:       version.ProgramName,
		RuntimeVersion:    version.Version,
		RuntimeApiVersion: version.APIVersion,
	}, nil
}

// Status 接口实现：运行时健康状况 (RuntimeReady / NetworkReady)。
func (s *Server) Status(ctx context.Context, req *runtimeapi.StatusRequest) (*runtimeapi.StatusResponse, error) {
	networkReady := s.cni != nil
	return &runtimeapi.StatusResponse{
		Status: &runtimeapi.RuntimeStatus{
			Conditions: []*runtimeapi.RuntimeCondition{
				{
					Type:    runtimeapi.RuntimeReady,
					Status:  true,
					Reason:  "RuntimeReady",
					Message: "MasRun is ready",
				},
				{
					Type:    runtimeapi.NetworkReady,
					Status:  networkReady,
					Reason:  "NetworkPluginState",
					Message: fmt.Sprintf("CNI manager initialized: %v", networkReady),
				},
			},
		},
	}, nil
}

// RunPodSandbox 创建 Pod 的第一步：起 pause 容器，然后叫 CNI 插网线。
func (s *Server) RunPodSandbox(ctx context.Context, req *runtimeapi.RunPodSandboxRequest) (*runtimeapi.RunPodSandboxResponse, error) {
	config := req.GetConfig()

	podID, err := s.backend.RunPodSandbox(ctx, config, req.RuntimeHandler)
	if err != nil {
		return nil, err
	}
	logrus.Infof("Launched pod sandbox %s (ID: %s)", config.GetMetadata().GetName(), podID)

	// pause 进程跑起来之后，网络 Namespace 才存在，CNI 才有地方干活
	if s.cni != nil {
		netns, err := s.backend.GetNetNS(podID)
		if err != nil {
			return nil, fmt.Errorf("failed to get netns for sandbox %s: %w", podID, err)
		}
		if netns != "" {
			logrus.Infof("Setting up network for pod %s (netns: %s)", podID, netns)
			if _, err := s.cni.SetUpPod(ctx, podID, netns); err != nil {
				return nil, fmt.Errorf("CNI setup failed: %w", err)
			}
		}
	}

	return &runtimeapi.RunPodSandboxResponse{PodSandboxId: podID}, nil
}

// StopPodSandbox 先拆网络 (CNI DEL)，再停容器。
// 即便拿不到 netns 也要继续停容器，保证幂等。
func (s *Server) StopPodSandbox(ctx context.Context, req *runtimeapi.StopPodSandboxRequest) (*runtimeapi.StopPodSandboxResponse, error) {
	podID := req.PodSandboxId

	if s.cni != nil {
		netns, err := s.backend.GetNetNS(podID)
		if err == nil && netns != "" {
			if err := s.cni.TearDownPod(ctx, podID, netns); err != nil {
				logrus.Warnf("CNI teardown failed for pod %s: %v", podID, err)
			}
		}
	}

	if err := s.backend.StopPodSandbox(ctx, podID); err != nil {
		logrus.Warnf("Failed to stop sandbox %s: %v", podID, err)
	}

	return &runtimeapi.StopPodSandboxResponse{}, nil
}

func (s *Server) RemovePodSandbox(ctx context.Context, req *runtimeapi.RemovePodSandboxRequest) (*runtimeapi.RemovePodSandboxResponse, error) {
	if err := s.backend.RemovePodSandbox(ctx, req.PodSandboxId); err != nil {
		return nil, err
	}
	return &runtimeapi.RemovePodSandboxResponse{}, nil
}

// ListPodSandbox 从全量容器列表里挑出 sandbox（按名字前缀区分）。
func (s *Server) ListPodSandbox(ctx context.Context, req *runtimeapi.ListPodSandboxRequest) (*runtimeapi.ListPodSandboxResponse, error) {
	containers, err := s.backend.ListContainers(ctx, nil)
	if err != nil {
		return nil, err
	}

	var sandboxes []*runtimeapi.PodSandbox
	for _, c := range containers {
		name := c.GetMetadata().GetName()
		if !strings.HasPrefix(name, sandboxPrefix) {
			continue
		}
		state := runtimeapi.PodSandboxState_SANDBOX_NOTREADY
		if c.State == runtimeapi.ContainerState_CONTAINER_RUNNING {
			state = runtimeapi.PodSandboxState_SANDBOX_READY
		}
		podName, ns, uid := parseSandboxName(name)
		sandboxes = append(sandboxes, &runtimeapi.PodSandbox{
			Id:        c.Id,
			State:     state,
			CreatedAt: c.CreatedAt,
			Metadata: &runtimeapi.PodSandboxMetadata{
				Name:      podName,
				Namespace: ns,
				Uid:       uid,
			},
		})
	}

	return &runtimeapi.ListPodSandboxResponse{Items: sandboxes}, nil
}

func (s *Server) PodSandboxStatus(ctx context.Context, req *runtimeapi.PodSandboxStatusRequest) (*runtimeapi.PodSandboxStatusResponse, error) {
	podID := req.PodSandboxId

	containers, err := s.backend.ListContainers(ctx, nil)
	if err != nil {
		return nil, err
	}
	var target *runtimeapi.Container
	for _, c := range containers {
		if c.Id == podID {
			target = c
			break
		}
	}
	if target == nil {
		return nil, fmt.Errorf("pod sandbox %s not found", podID)
	}

	state := runtimeapi.PodSandboxState_SANDBOX_NOTREADY
	if target.State == runtimeapi.ContainerState_CONTAINER_RUNNING {
		state = runtimeapi.PodSandboxState_SANDBOX_READY
	}
	name, ns, uid := parseSandboxName(target.GetMetadata().GetName())

	return &runtimeapi.PodSandboxStatusResponse{
		Status: &runtimeapi.PodSandboxStatus{
			Id:        target.Id,
			State:     state,
			CreatedAt: target.CreatedAt,
			Metadata: &runtimeapi.PodSandboxMetadata{
				Name:      name,
				Namespace: ns,
				Uid:       uid,
			},
		},
	}, nil
}

// CreateContainer 创建业务容器，必须在 RunPodSandbox 之后调用。
func (s *Server) CreateContainer(ctx context.Context, req *runtimeapi.CreateContainerRequest) (*runtimeapi.CreateContainerResponse, error) {
	containerID, err := s.backend.CreateContainer(ctx, req.GetPodSandboxId(), req.GetConfig(), req.GetSandboxConfig())
	if err != nil {
		return nil, err
	}
	return &runtimeapi.CreateContainerResponse{ContainerId: containerID}, nil
}

func (s *Server) StartContainer(ctx context.Context, req *runtimeapi.StartContainerRequest) (*runtimeapi.StartContainerResponse, error) {
	if err := s.backend.StartContainer(ctx, req.GetContainerId()); err != nil {
		return nil, err
	}
	return &runtimeapi.StartContainerResponse{}, nil
}

func (s *Server) StopContainer(ctx context.Context, req *runtimeapi.StopContainerRequest) (*runtimeapi.StopContainerResponse, error) {
	if err := s.backend.StopContainer(ctx, req.GetContainerId(), req.GetTimeout()); err != nil {
		return nil, err
	}
	return &runtimeapi.StopContainerResponse{}, nil
}

func (s *Server) RemoveContainer(ctx context.Context, req *runtimeapi.RemoveContainerRequest) (*runtimeapi.RemoveContainerResponse, error) {
	if err := s.backend.RemoveContainer(ctx, req.GetContainerId()); err != nil {
		return nil, err
	}
	return &runtimeapi.RemoveContainerResponse{}, nil
}

func (s *Server) ContainerStatus(ctx context.Context, req *runtimeapi.ContainerStatusRequest) (*runtimeapi.ContainerStatusResponse, error) {
	status, err := s.backend.ContainerStatus(ctx, req.GetContainerId())
	if err != nil {
		return nil, err
	}
	return &runtimeapi.ContainerStatusResponse{Status: status}, nil
}

// ListContainers 列出所有业务容器（sandbox 被过滤掉）。
func (s *Server) ListContainers(ctx context.Context, req *runtimeapi.ListContainersRequest) (*runtimeapi.ListContainersResponse, error) {
	containers, err := s.backend.ListContainers(ctx, req.GetFilter())
	if err != nil {
		return nil, err
	}

	var result []*runtimeapi.Container
	for _, c := range containers {
		if strings.HasPrefix(c.GetMetadata().GetName(), sandboxPrefix) {
			continue
		}
		result = append(result, c)
	}
	return &runtimeapi.ListContainersResponse{Containers: result}, nil
}

// parseSandboxName 从 sandbox 容器名反解出 Pod 元数据。
// 名字格式: k8s_POD_{name}_{namespace}_{uid}
func parseSandboxName(fullName string) (string, string, string) {
	parts := strings.Split(strings.TrimPrefix(fullName, sandboxPrefix), "_")
	if len(parts) < 3 {
		return "unknown", "unknown", "unknown"
	}
	return parts[0], parts[1], parts[2]
}
