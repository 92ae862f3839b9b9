//go:build linux

package supervisor

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"golang.org/x/sys/unix"

	"masrun/pkg/isolation"
	"masrun/pkg/spec"
)

// 这个函数在 main() 之前执行！
// 问：为什么同一个二进制里的 init() 会走到两条完全不同的路？
// 答：因为它在**两个不同的进程**里分别执行：
//
// 第一次：你启动 masrun 守护进程时。
//   - 参数：无 "init"
//   - 结果：检查不命中，直接放行 -> 正常执行 main()。
//
// 第二次：Supervisor 启动容器时 clone 出的子进程。
//   - 参数：/proc/self/exe init
//   - 结果：检查命中，**拦截执行流** -> containerInit() -> exec 成
//     用户的入口命令 -> 永远不会执行 main()。
func init() {
	if len(os.Args) > 1 && os.Args[1] == "init" {
		// Namespace 相关的系统调用是线程级别生效的，Go 的多线程调度会
		// 把我们调到别的 OS 线程上去，所以必须锁死在单线程上。
		runtime.GOMAXPROCS(1)
		runtime.LockOSThread()

		if err := containerInit(); err != nil {
			fmt.Fprintf(os.Stderr, "masrun init: %v\n", err)
			os.Exit(255)
		}
		// exec 成功是不会返回的；走到这里说明上面逻辑有洞
		panic("containerInit returned without error, this should be impossible")
	}
}

// containerInit 是容器内 1 号进程出生后的“装修”流程。
// 出生时（clone 返回时）它已经身处新的 Namespace 里，但房间还是毛坯：
// 没挂 /proc，根目录还是宿主机的，hostname 也是宿主机的。
func containerInit() error {
	// 停车点：读 fd 3 直到 EOF。父进程要等 cgroup 挂好才放行。
	pipe := os.NewFile(3, "payload")
	if pipe == nil {
		return fmt.Errorf("payload pipe (fd 3) is missing")
	}
	data, err := io.ReadAll(pipe)
	pipe.Close()
	if err != nil {
		return fmt.Errorf("read init payload: %w", err)
	}

	var payload initPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("decode init payload: %w", err)
	}
	s := payload.Spec
	if s == nil || len(s.Command) == 0 {
		return fmt.Errorf("init payload carries no command")
	}

	has := func(d isolation.Domain) bool {
		for _, e := range s.Isolation {
			if e == d {
				return true
			}
		}
		return false
	}

	if has(isolation.DomainUTS) {
		if err := unix.Sethostname([]byte(s.Hostname)); err != nil {
			return fmt.Errorf("set hostname %q: %w", s.Hostname, err)
		}
	}

	// Pod 模式：业务容器不自己开网络 Namespace，而是 setns 加入 pause
	// 容器的那一个。CNI 插的网线在那边，加入之后 eth0 就是现成的。
	if s.NetNS != "" {
		nsFd, err := os.Open(s.NetNS)
		if err != nil {
			return fmt.Errorf("open netns %q: %w", s.NetNS, err)
		}
		if err := unix.Setns(int(nsFd.Fd()), unix.CLONE_NEWNET); err != nil {
			nsFd.Close()
			return fmt.Errorf("join netns %q: %w", s.NetNS, err)
		}
		nsFd.Close()
	}

	if has(isolation.DomainMount) {
		if err := setupRootfs(payload.Root, s); err != nil {
			return err
		}
	} else {
		// 没有 mount namespace 就退而求其次用 chroot。
		// 隔离强度差一截（能逃逸），但对调试模式够用。
		if err := unix.Chroot(payload.Root); err != nil {
			return fmt.Errorf("chroot to %q: %w", payload.Root, err)
		}
		if err := unix.Chdir("/"); err != nil {
			return fmt.Errorf("chdir after chroot: %w", err)
		}
	}

	if err := unix.Chdir(s.WorkingDir); err != nil {
		return fmt.Errorf("chdir to working dir %q: %w", s.WorkingDir, err)
	}

	env := buildEnv(s.Env)
	argv0, err := lookPath(s.Command[0], env)
	if err != nil {
		return err
	}

	// exec 系统调用：把当前进程替换成用户的入口命令。
	// 成功了就不回来了——从此这个 pid 就是容器里的 1 号进程。
	if err := unix.Exec(argv0, s.Command, env); err != nil {
		return fmt.Errorf("exec %q: %w", argv0, err)
	}
	return nil
}

const defaultMountFlags = unix.MS_NOEXEC | unix.MS_NOSUID | unix.MS_NODEV

// setupRootfs wires the virtual filesystems and extra mounts into the
// merged root, then pivots into it.
func setupRootfs(root string, s *spec.ContainerSpec) error {
	// 1. 把挂载传播改成 private。systemd 的宿主机上 / 默认是 shared，
	//    不改的话我们后面的每一次 mount/umount 都会传播回宿主机。
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("make / private: %w", err)
	}

	// 2. pivot_root 要求新根必须是一个挂载点，把它 bind 到自己身上即可
	if err := unix.Mount(root, root, "bind", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("bind root onto itself: %w", err)
	}

	// 3. /proc 和 /dev：没有这两样，容器里连 ps 都跑不起来
	procDir := filepath.Join(root, "proc")
	if err := os.MkdirAll(procDir, 0755); err != nil {
		return fmt.Errorf("mkdir /proc: %w", err)
	}
	if err := unix.Mount("proc", procDir, "proc", defaultMountFlags, ""); err != nil {
		return fmt.Errorf("mount /proc: %w", err)
	}
	devDir := filepath.Join(root, "dev")
	if err := os.MkdirAll(devDir, 0755); err != nil {
		return fmt.Errorf("mkdir /dev: %w", err)
	}
	if err := unix.Mount("tmpfs", devDir, "tmpfs", unix.MS_NOSUID|unix.MS_STRICTATIME, "mode=755"); err != nil {
		return fmt.Errorf("mount /dev: %w", err)
	}

	// 4. 用户声明的额外挂载（target 已在 Load 阶段验证过是绝对路径）
	for _, m := range s.Mounts {
		target := filepath.Join(root, m.Target)
		if err := os.MkdirAll(target, 0755); err != nil {
			return fmt.Errorf("mkdir mount target %q: %w", m.Target, err)
		}
		if err := unix.Mount(m.Source, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
			return fmt.Errorf("bind %q -> %q: %w", m.Source, m.Target, err)
		}
		if m.ReadOnly() {
			// bind mount 的 ro 要靠第二次 remount 才生效，内核的老规矩
			flags := uintptr(unix.MS_BIND | unix.MS_REMOUNT | unix.MS_RDONLY)
			if err := unix.Mount("", target, "", flags, ""); err != nil {
				return fmt.Errorf("remount %q read-only: %w", m.Target, err)
			}
		}
	}

	return pivotRoot(root)
}

// pivotRoot swaps the process's root to the merged view and drops the old
// host root.
func pivotRoot(root string) error {
	// pivot_root(new_root, put_old)：put_old 必须在 new_root 底下
	oldRoot := filepath.Join(root, ".pivot_old")
	if err := os.MkdirAll(oldRoot, 0700); err != nil {
		return fmt.Errorf("mkdir put_old: %w", err)
	}
	if err := unix.PivotRoot(root, oldRoot); err != nil {
		return fmt.Errorf("pivot_root: %w", err)
	}
	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("chdir / after pivot: %w", err)
	}
	// 旧根还挂在 /.pivot_old 上，透过它能看到整个宿主机文件系统。
	// lazy unmount 掉，隔离才算真正完成。
	if err := unix.Unmount("/.pivot_old", unix.MNT_DETACH); err != nil {
		return fmt.Errorf("unmount old root: %w", err)
	}
	return os.Remove("/.pivot_old")
}

func buildEnv(env map[string]string) []string {
	out := make([]string, 0, len(env)+1)
	hasPath := false
	for k, v := range env {
		if k == "PATH" {
			hasPath = true
		}
		out = append(out, k+"="+v)
	}
	if !hasPath {
		out = append(out, "PATH=/bin:/usr/bin:/sbin:/usr/sbin")
	}
	return out
}

// lookPath resolves the entry command against the container's own PATH.
// exec.LookPath 不能用：它看的是我们这个 init 进程继承的环境，而不是
// 容器入口命令该用的环境。
func lookPath(cmd string, env []string) (string, error) {
	if strings.Contains(cmd, "/") {
		return cmd, nil
	}
	path := ""
	for _, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			path = strings.TrimPrefix(kv, "PATH=")
			break
		}
	}
	for _, dir := range filepath.SplitList(path) {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, cmd)
		if err := unix.Access(candidate, unix.X_OK); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("entry command %q not found in container PATH", cmd)
}
