package spec

import (
	"masrun/pkg/isolation"

	units "github.com/docker/go-units"
)

// Resources 描述一个容器的资源上限。
// 语义上分两类：
//   - 硬限制 (MemoryBytes, PidsMax)：越界即失败。内存越界会导致整个
//     进程树被内核 OOM-kill，fork 越界会直接返回 EAGAIN。
//   - 软限制 (CPUQuota)：越界只是被调度器限流 (throttle)，进程继续跑。
type Resources struct {
	// MemoryBytes is the hard memory ceiling in bytes. 0 means unlimited.
	MemoryBytes int64

	// CPUQuota is the CPU allowance as a fraction of one CPU
	// (0.5 = half a core, 2.0 = two cores). 0 means unlimited.
	CPUQuota float64

	// PidsMax is the hard process-count ceiling. 0 means unlimited.
	PidsMax int64

	// IOWeight is the relative I/O bandwidth weight (1-10000).
	// 0 means the kernel default.
	IOWeight uint16
}

// Unlimited reports whether no ceiling at all was requested.
func (r Resources) Unlimited() bool {
	return r.MemoryBytes == 0 && r.CPUQuota == 0 && r.PidsMax == 0 && r.IOWeight == 0
}

// HumanMemory renders the memory ceiling for logs ("64MiB", "unlimited").
func (r Resources) HumanMemory() string {
	if r.MemoryBytes == 0 {
		return "unlimited"
	}
	return units.BytesSize(float64(r.MemoryBytes))
}

// Mount is one additional mount entry applied inside the merged rootfs.
type Mount struct {
	Source  string   `json:"source"`
	Target  string   `json:"target"` // absolute path inside the container
	Options []string `json:"options,omitempty"`
}

// ReadOnly reports whether the mount carries the "ro" option.
func (m Mount) ReadOnly() bool {
	for _, o := range m.Options {
		if o == "ro" {
			return true
		}
	}
	return false
}

// ContainerSpec is the immutable descriptor for one container launch.
// It is produced exactly once by Load and never mutated afterwards; every
// component downstream (composer, isolation manager, resource governor,
// supervisor) only reads from it.
type ContainerSpec struct {
	// ID is the container identifier, unique per runtime instance.
	ID string

	// Layers are the read-only rootfs layers, ordered bottom to top.
	// The writable top layer is not listed here: it is created fresh by
	// the runtime for every launch and discarded on removal.
	Layers []string

	// Mounts are applied inside the merged root after composition.
	Mounts []Mount

	// Isolation is the set of domains to enter. Empty means the container
	// shares everything with the host (debug aid, not the normal mode).
	Isolation []isolation.Domain

	// NetNS is the path of an existing network namespace to join
	// (e.g. /proc/<pid>/ns/net of a pod's pause container). Mutually
	// exclusive with a private net domain in Isolation.
	NetNS string

	// Resources are the limits applied by the resource governor.
	Resources Resources

	// Command is the entry command with its arguments.
	Command []string

	// WorkingDir is the working directory for the entry command
	// (defaults to "/").
	WorkingDir string

	// Env is the environment for the entry command.
	Env map[string]string

	// Hostname is set inside the UTS namespace; defaults to ID.
	Hostname string
}
