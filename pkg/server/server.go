package server

import (
	"fmt"
	"net"
	"os"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	runtimeapi "k8s.io/cri-api/pkg/apis/runtime/v1"

	"masrun/pkg/native"
	"masrun/pkg/network"
	"masrun/pkg/oci"
)

// Options carries the server's startup configuration (flag values from
// cmd/masrun).
type Options struct {
	SocketPath  string
	RootDir     string
	StateDir    string
	RuntimeMode string // "native" or "oci"
	CNIConfDir  string
	CNIBinDirs  []string
	CNICacheDir string
}

// Server 是 CRI 服务的核心结构体。
// 组合两个 Unimplemented stub，未实现的方法自动返回 Unimplemented，
// 我们只挑需要的实现。
type Server struct {
	runtimeapi.UnimplementedRuntimeServiceServer
	runtimeapi.UnimplementedImageServiceServer

	socketPath string
	backend    RuntimeBackend
	cni        *network.CNIManager
}

// New wires the CNI manager and the selected runtime backend into a
// server instance.
func New(opts Options) (*Server, error) {
	// CNI 初始化失败只警告不退出：HostNetwork 的容器和无网络测试
	// 仍然能跑。
	cniMgr, err := network.NewCNIManager(opts.CNIConfDir, opts.CNIBinDirs, opts.CNICacheDir)
	if err != nil {
		logrus.Warnf("Failed to initialize CNI manager: %v. Networking will not work.", err)
		cniMgr = nil
	}

	// 策略模式：根据用户传参决定运行时的“心脏”是谁。
	var backend RuntimeBackend
	switch opts.RuntimeMode {
	case "oci":
		// OCI 模式：组装 bundle，进程管理外包给 runc 二进制。
		logrus.Info("Initializing OCI runtime backend (runc shell-out)...")
		backend, err = oci.NewAdapter(opts.RootDir)
	default: // "native"
		// Native 模式：supervisor 直接驱动 overlay / namespace / cgroup。
		logrus.Info("Initializing NATIVE runtime backend...")
		backend, err = native.NewAdapter(opts.RootDir, opts.StateDir)
	}
	if err != nil {
		return nil, fmt.Errorf("initialize %s backend: %w", opts.RuntimeMode, err)
	}

	return &Server{
		socketPath: opts.SocketPath,
		backend:    backend,
		cni:        cniMgr,
	}, nil
}

// NewWithBackend builds a server around an injected backend (tests).
func NewWithBackend(socketPath string, backend RuntimeBackend) *Server {
	return &Server{socketPath: socketPath, backend: backend}
}

// Start 启动 gRPC 服务器并阻塞等待。
func (s *Server) Start() error {
	// socket 文件残留时必须先删，否则 Listen 报 "address already in use"
	if _, err := os.Stat(s.socketPath); err == nil {
		logrus.Infof("Removing existing socket file: %s", s.socketPath)
		if err := os.Remove(s.socketPath); err != nil {
			return fmt.Errorf("failed to remove existing socket: %w", err)
		}
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on socket %s: %w", s.socketPath, err)
	}
	logrus.Infof("MasRun listening on %s", s.socketPath)

	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(UnaryInterceptor),
	)

	runtimeapi.RegisterRuntimeServiceServer(grpcServer, s)
	runtimeapi.RegisterImageServiceServer(grpcServer, s)

	return grpcServer.Serve(listener)
}
