package server

import (
	"github.com/sirupsen/logrus"
	runtimeapi "k8s.io/cri-api/pkg/apis/runtime/v1"

	"masrun/pkg/errdefs"
	"masrun/pkg/supervisor"
)

// GetContainerEvents 是 CRI 的生命周期事件流：orchestrator 挂上来以后，
// 每一次容器状态跃迁都会推一条事件过去，省掉轮询 ContainerStatus。
func (s *Server) GetContainerEvents(req *runtimeapi.GetEventsRequest, stream runtimeapi.RuntimeService_GetContainerEventsServer) error {
	events, cancel := s.backend.SubscribeEvents()
	defer cancel()
	if events == nil {
		return errdefs.Configf("the selected runtime backend does not expose lifecycle events")
	}

	logrus.Info("[Events] subscriber attached")
	defer logrus.Info("[Events] subscriber detached")

	for {
		select {
		case <-stream.Context().Done():
			return stream.Context().Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			resp, relevant := criEvent(ev)
			if !relevant {
				continue
			}
			if err := stream.Send(resp); err != nil {
				return err
			}
		}
	}
}

// criEvent maps a lifecycle transition onto the CRI event vocabulary.
// CRI 只认识 created/started/stopped/deleted 四种事件，starting 和
// stopping 这两个中间态没有对应物，直接跳过。
func criEvent(ev supervisor.Event) (*runtimeapi.ContainerEventResponse, bool) {
	var t runtimeapi.ContainerEventType
	switch ev.State {
	case supervisor.StateCreated:
		t = runtimeapi.ContainerEventType_CONTAINER_CREATED_EVENT
	case supervisor.StateRunning:
		t = runtimeapi.ContainerEventType_CONTAINER_STARTED_EVENT
	case supervisor.StateExited, supervisor.StateFailed:
		t = runtimeapi.ContainerEventType_CONTAINER_STOPPED_EVENT
	default:
		return nil, false
	}
	return &runtimeapi.ContainerEventResponse{
		ContainerId:        ev.ContainerID,
		ContainerEventType: t,
		CreatedAt:          ev.Timestamp.UnixNano(),
	}, true
}
