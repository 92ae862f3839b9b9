package network

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/containernetworking/cni/libcni"
	"github.com/containernetworking/cni/pkg/types"
	"github.com/sirupsen/logrus"
)

// CNIManager 负责和 CNI 插件打交道：加载网络配置，在容器的网络
// Namespace 里执行 ADD/DEL。libcni 承包了脏活——找插件二进制、摆环境
// 变量、喂 stdin、解析 stdout——我们只暴露 SetUp/TearDown 两个动作。
type CNIManager struct {
	// 所有插件执行（exec）都由它发起：它知道插件在哪 (binDirs)，
	// 缓存写到哪 (cacheDir)。
	cniConfig libcni.CNIConfig

	// 配置文件目录 (e.g. /etc/cni/net.d)
	netConfigDir string

	// 插件二进制搜索路径 (e.g. [/opt/cni/bin])
	binDirs []string
}

// NewCNIManager creates a CNI manager.
// netConfigDir: CNI 配置文件目录，存放“施工图纸”
// binDirs:      插件二进制目录，存放“工具箱”
// cacheDir:     缓存目录，存放“记账本”（IP 分配记录）
func NewCNIManager(netConfigDir string, binDirs []string, cacheDir string) (*CNIManager, error) {
	// 第三个参数 nil = 用默认的 exec.Command 执行器跑插件
	config := libcni.NewCNIConfigWithCacheDir(binDirs, cacheDir, nil)
	return &CNIManager{
		cniConfig:    *config,
		netConfigDir: netConfigDir,
		binDirs:      binDirs,
	}, nil
}

// loadNetworkConfig 在配置目录里找到第一个合法的配置文件，解析成
// libcni 的 NetworkConfigList。
func (m *CNIManager) loadNetworkConfig() (*libcni.NetworkConfigList, error) {
	files, err := libcni.ConfFiles(m.netConfigDir, []string{".conf", ".conflist", ".json"})
	if err != nil {
		return nil, fmt.Errorf("failed to list CNI config files: %v", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no CNI config files found in %s", m.netConfigDir)
	}

	// Kubernetes 的标准行为：按文件名字典序排，取第一个做默认网络。
	// 10-bridge.conf 永远排在 99-loopback.conf 前面，选择是确定的。
	sort.Strings(files)
	filename := files[0]

	// .conflist 是插件链（bridge -> portmap -> firewall），直接加载
	if filepath.Ext(filename) == ".conflist" {
		confList, err := libcni.ConfListFromFile(filename)
		if err != nil {
			return nil, fmt.Errorf("failed to load CNI config list %s: %v", filename, err)
		}
		return confList, nil
	}

	// 单插件配置 (.conf/.json) 包装成单元素列表，后面统一处理
	conf, err := libcni.ConfFromFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to load CNI config %s: %v", filename, err)
	}
	confList, err := libcni.ConfListFromConf(conf)
	if err != nil {
		return nil, fmt.Errorf("failed to convert CNI config to list: %v", err)
	}
	return confList, nil
}

// SetUpPod 为容器配置网络 (CNI ADD)。
// netns 是容器网络 Namespace 的路径 (e.g. /proc/<pid>/ns/net)。
func (m *CNIManager) SetUpPod(ctx context.Context, id string, netns string) (types.Result, error) {
	confList, err := m.loadNetworkConfig()
	if err != nil {
		return nil, err
	}

	rtConf := &libcni.RuntimeConf{
		ContainerID: id,     // CNI_CONTAINERID
		NetNS:       netns,  // CNI_NETNS：告诉插件去哪个 Namespace 干活
		IfName:      "eth0", // CNI_IFNAME：容器里的网卡名
	}

	logrus.Infof("[CNI] Adding network for %s (netns: %s) using config %s", id, netns, confList.Name)

	res, err := m.cniConfig.AddNetworkList(ctx, confList, rtConf)
	if err != nil {
		return nil, fmt.Errorf("CNI add network failed: %v", err)
	}
	logrus.Infof("[CNI] Success. IP Result: %+v", res)
	return res, nil
}

// TearDownPod 拆掉容器的网络 (CNI DEL)。
func (m *CNIManager) TearDownPod(ctx context.Context, id string, netns string) error {
	confList, err := m.loadNetworkConfig()
	if err != nil {
		return err
	}

	rtConf := &libcni.RuntimeConf{
		ContainerID: id,
		NetNS:       netns,
		IfName:      "eth0",
	}

	logrus.Infof("[CNI] Removing network for %s", id)

	if err := m.cniConfig.DelNetworkList(ctx, confList, rtConf); err != nil {
		return fmt.Errorf("CNI del network failed: %v", err)
	}
	return nil
}
