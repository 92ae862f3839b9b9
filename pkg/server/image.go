package server

import (
	"context"

	runtimeapi "k8s.io/cri-api/pkg/apis/runtime/v1"
)

// PullImage 在本地 store 里解析镜像。
// 真正的 registry 拉取不在范围内：把层 tar 包和 manifest.json 放进
// store 目录就算“拉好了”。
func (s *Server) PullImage(ctx context.Context, req *runtimeapi.PullImageRequest) (*runtimeapi.PullImageResponse, error) {
	ref, err := s.backend.PullImage(ctx, req.GetImage().GetImage())
	if err != nil {
		return nil, err
	}
	return &runtimeapi.PullImageResponse{ImageRef: ref}, nil
}

// ListImages 列出本地 store 里的镜像。
func (s *Server) ListImages(ctx context.Context, req *runtimeapi.ListImagesRequest) (*runtimeapi.ListImagesResponse, error) {
	names, err := s.backend.ListImages()
	if err != nil {
		return nil, err
	}

	images := make([]*runtimeapi.Image, 0, len(names))
	for _, name := range names {
		images = append(images, &runtimeapi.Image{
			Id:          name,
			RepoTags:    []string{name},
			RepoDigests: []string{},
		})
	}
	return &runtimeapi.ListImagesResponse{Images: images}, nil
}

// ImageStatus：orchestrator 在拉取前先问“我有这个镜像吗？”
// 不存在时按 CRI 约定返回 nil Image 字段，而不是报错。
func (s *Server) ImageStatus(ctx context.Context, req *runtimeapi.ImageStatusRequest) (*runtimeapi.ImageStatusResponse, error) {
	imageName := req.GetImage().GetImage()

	if err := s.backend.InspectImage(imageName); err != nil {
		return &runtimeapi.ImageStatusResponse{Image: nil}, nil
	}
	return &runtimeapi.ImageStatusResponse{
		Image: &runtimeapi.Image{
			Id:       imageName,
			RepoTags: []string{imageName},
		},
	}, nil
}

// ImageFsInfo 返回镜像文件系统信息。磁盘统计还没实现，先给空列表。
func (s *Server) ImageFsInfo(ctx context.Context, req *runtimeapi.ImageFsInfoRequest) (*runtimeapi.ImageFsInfoResponse, error) {
	return &runtimeapi.ImageFsInfoResponse{
		ImageFilesystems: []*runtimeapi.FilesystemUsage{},
	}, nil
}
