package store

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/sirupsen/logrus"

	"masrun/pkg/errdefs"
)

// UnpackLayer 把一个层的 tar 包解压成目录。
// 解出来的目录以后只读，被任意多个容器同时叠在自己的 rootfs 里。
//
// 路径必须经过 SecureJoin：tar 包是外来数据，"../../etc/passwd" 这种
// 条目不拦住的话，解包就成了宿主机上的任意文件写。
func UnpackLayer(tarPath, destDir string) error {
	logrus.Infof("[Store] unpacking layer %s to %s", tarPath, destDir)

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return errdefs.Wrapf(err, errdefs.KindFilesystem, "create layer dir %q", destDir)
	}

	tarFile, err := os.Open(tarPath)
	if err != nil {
		return errdefs.Wrapf(err, errdefs.KindFilesystem, "open layer archive %q", tarPath)
	}
	defer tarFile.Close()

	tr := tar.NewReader(tarFile)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errdefs.Wrapf(err, errdefs.KindFilesystem, "read layer archive %q", tarPath)
		}

		target, err := securejoin.SecureJoin(destDir, header.Name)
		if err != nil {
			return errdefs.Wrapf(err, errdefs.KindFilesystem, "unsafe path %q in layer", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(header.Mode)); err != nil {
				return errdefs.Wrapf(err, errdefs.KindFilesystem, "extract dir %q", header.Name)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return errdefs.Wrapf(err, errdefs.KindFilesystem, "extract parent of %q", header.Name)
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(header.Mode))
			if err != nil {
				return errdefs.Wrapf(err, errdefs.KindFilesystem, "extract file %q", header.Name)
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return errdefs.Wrapf(err, errdefs.KindFilesystem, "extract data of %q", header.Name)
			}
			f.Close()
		case tar.TypeSymlink:
			// 符号链接指向哪里不检查（解析发生在容器里），创建失败只警告
			if err := os.Symlink(header.Linkname, target); err != nil && !os.IsExist(err) {
				logrus.Warnf("[Store] cannot create symlink %s -> %s: %v", target, header.Linkname, err)
			}
		case tar.TypeLink:
			src, err := securejoin.SecureJoin(destDir, header.Linkname)
			if err != nil {
				return errdefs.Wrapf(err, errdefs.KindFilesystem, "unsafe hardlink %q in layer", header.Linkname)
			}
			if err := os.Link(src, target); err != nil && !os.IsExist(err) {
				logrus.Warnf("[Store] cannot create hardlink %s -> %s: %v", target, src, err)
			}
		default:
			// 设备文件等生僻类型在普通镜像层里极少见，跳过
		}
	}
	return nil
}
