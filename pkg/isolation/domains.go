package isolation

// Domain 是一类可以被容器私有化的系统状态。
// 每个 Domain 对应 Linux 的一种 Namespace：
//   pid   -> PID Namespace   (容器内进程编号从 1 开始)
//   net   -> Network Namespace (私有网卡、路由表、端口空间)
//   mount -> Mount Namespace  (私有挂载点视图)
//   uts   -> UTS Namespace    (私有 hostname / domainname)
//   ipc   -> IPC Namespace    (私有信号量、共享内存、消息队列)
//   user  -> User Namespace   (容器内 root 映射到宿主机普通用户)
//   cgroup-> Cgroup Namespace (容器只能看到自己的资源限制组)
type Domain string

const (
	DomainPID    Domain = "pid"
	DomainNet    Domain = "net"
	DomainMount  Domain = "mount"
	DomainUTS    Domain = "uts"
	DomainIPC    Domain = "ipc"
	DomainUser   Domain = "user"
	DomainCgroup Domain = "cgroup"
)

// Supported returns every isolation domain this runtime understands,
// in the order they must be entered:
// user 必须排第一（先降权，再做其他可能暴露宿主机特权的操作），
// mount 必须排最后（挂载视图要等合并后的 rootfs 准备好才能切换）。
func Supported() []Domain {
	return []Domain{
		DomainUser,
		DomainUTS,
		DomainIPC,
		DomainPID,
		DomainNet,
		DomainCgroup,
		DomainMount,
	}
}

// Known reports whether d names a domain this runtime understands.
func Known(d Domain) bool {
	for _, s := range Supported() {
		if s == d {
			return true
		}
	}
	return false
}

// Ordered sorts the requested domains into entry order and drops duplicates.
// Unknown domains are passed through untouched so that validation layers can
// reject them with a useful message.
func Ordered(requested []Domain) []Domain {
	seen := make(map[Domain]bool, len(requested))
	for _, d := range requested {
		seen[d] = true
	}
	var out []Domain
	for _, d := range Supported() {
		if seen[d] {
			out = append(out, d)
			delete(seen, d)
		}
	}
	// whatever is left is unknown; keep input order
	for _, d := range requested {
		if seen[d] {
			out = append(out, d)
			delete(seen, d)
		}
	}
	return out
}
