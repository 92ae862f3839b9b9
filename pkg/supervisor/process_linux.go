//go:build linux

package supervisor

import (
	"encoding/json"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"masrun/pkg/errdefs"
	"masrun/pkg/spec"
)

// initPayload 是父进程通过管道交给容器 init 进程的全部信息。
// 不用命令行参数传（会被 ps 看到），也不用环境变量传（会被继承泄漏），
// 管道既私密又天然提供同步点。
type initPayload struct {
	Spec *spec.ContainerSpec `json:"spec"`
	Root string              `json:"root"` // merged rootfs on the host side
}

// initProcess is the parent-side handle on a cloned container init.
type initProcess struct {
	cmd     *exec.Cmd
	pipeW   *os.File
	payload []byte

	execOnce sync.Once
	execErr  error
}

// launchInit clones the container init process.
//
// 这里是 "Re-exec" 机制的核心：我们并不直接运行用户的命令，而是再次
// 运行当前这个 masrun 二进制（/proc/self/exe），给它参数 "init"。
// 子进程启动时 os.Args[1] == "init"，于是 init_linux.go 里的钩子会
// 拦截执行流，永远不会进入 main()。
//
// clone 的那一刻，内核已经按 cloneFlags 把子进程放进了全新的
// Namespace（“毛坯房”）；“装修”（挂 /proc、pivot_root、设置 hostname）
// 由子进程自己在拿到 payload 之后完成。
//
// 同步点：子进程会阻塞着读 fd 3 直到 EOF。父进程先把它的 pid 挂进
// cgroup，然后才调用 Exec() 写入 payload 并关闭管道——所以用户命令
// 的第一条指令就已经在限额之内执行了。
func launchInit(s *spec.ContainerSpec, mergedRoot string, cloneFlags uintptr) (Process, error) {
	payload, err := json.Marshal(initPayload{Spec: s, Root: mergedRoot})
	if err != nil {
		return nil, errdefs.Wrapf(err, errdefs.KindIsolation, "marshal init payload")
	}

	pipeR, pipeW, err := os.Pipe()
	if err != nil {
		return nil, errdefs.Wrapf(err, errdefs.KindIsolation, "create init pipe")
	}

	cmd := exec.Command("/proc/self/exe", "init")
	// stdout/stderr 原样透传；日志收集是外部 logging sink 的事
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// 读端变成子进程的 fd 3 (0,1,2 之后的第一个)
	cmd.ExtraFiles = []*os.File{pipeR}
	// 不继承宿主机环境；入口命令的环境由 payload 里的 Spec.Env 决定
	cmd.Env = []string{}

	attr := &syscall.SysProcAttr{
		Cloneflags: cloneFlags,
		Setsid:     true,
	}
	if cloneFlags&unix.CLONE_NEWUSER != 0 {
		// user namespace：容器内的 root (uid 0) 映射到宿主机上的当前
		// 用户。容器里看着像上帝，出了门只是个普通人。
		attr.UidMappings = []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: os.Getuid(), Size: 1},
		}
		attr.GidMappings = []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: os.Getgid(), Size: 1},
		}
		attr.GidMappingsEnableSetgroups = false
	}
	cmd.SysProcAttr = attr

	if err := cmd.Start(); err != nil {
		pipeR.Close()
		pipeW.Close()
		return nil, errdefs.Wrapf(err, errdefs.KindIsolation, "clone container init")
	}
	// 读端归子进程了，父进程只留写端
	pipeR.Close()

	return &initProcess{cmd: cmd, pipeW: pipeW, payload: payload}, nil
}

func (p *initProcess) Pid() int {
	return p.cmd.Process.Pid
}

// Exec releases the parked child: write the payload, close the pipe. The
// child reads EOF, finishes the rootfs setup and execs the entry command.
func (p *initProcess) Exec() error {
	p.execOnce.Do(func() {
		_, err := p.pipeW.Write(p.payload)
		if closeErr := p.pipeW.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			p.execErr = errdefs.Wrapf(err, errdefs.KindIsolation, "release container init")
		}
	})
	return p.execErr
}

func (p *initProcess) Signal(sig syscall.Signal) error {
	return p.cmd.Process.Signal(sig)
}

// Wait reaps the init process and maps its wait status to an exit code.
// 被信号杀死的进程按 shell 惯例报 128+signal（SIGKILL -> 137）。
func (p *initProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	state := p.cmd.ProcessState
	if state == nil {
		return -1, err
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal()), nil
	}
	return state.ExitCode(), nil
}
