package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
)

// UnaryInterceptor 是一个 gRPC 中间件，拦截并记录所有请求。
// 像海关检查站：所有进出的“货物”（请求）都要在这里登记。
func UnaryInterceptor(
	ctx context.Context,
	req interface{},
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (interface{}, error) {
	start := time.Now()

	// 把请求体转成 JSON 打出来——我们关心的不是二进制数据，而是
	// orchestrator 到底传了什么参数进来
	jsonBytes, err := json.Marshal(req)
	var reqLog string
	if err != nil {
		reqLog = "failed to marshal request"
	} else {
		reqLog = string(jsonBytes)
	}

	// FullMethod 例如: /runtime.v1.RuntimeService/RunPodSandbox
	logrus.WithFields(logrus.Fields{
		"method": info.FullMethod,
		"body":   reqLog,
	}).Debug("--> [gRPC Request]")

	resp, err := handler(ctx, req)

	duration := time.Since(start)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"method":   info.FullMethod,
			"duration": duration,
			"error":    err,
		}).Error("<-- [gRPC Error]")
	} else {
		logrus.WithFields(logrus.Fields{
			"method":   info.FullMethod,
			"duration": duration,
		}).Debug("<-- [gRPC Response]")
	}

	return resp, err
}
