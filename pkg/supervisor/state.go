package supervisor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"masrun/pkg/errdefs"
)

// State is the lifecycle state of one container.
//
//	Created → Starting → Running → Stopping → Exited
//
// plus the absorbing Failed state, reachable from any non-terminal state.
type State string

const (
	StateCreated  State = "created"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateExited   State = "exited"
	StateFailed   State = "failed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateExited || s == StateFailed
}

// ExitReason explains why a container stopped.
type ExitReason string

const (
	// ReasonVoluntaryExit: the entry process ended on its own (including
	// after a graceful stop signal it chose to honor).
	ReasonVoluntaryExit ExitReason = "voluntary exit"

	// ReasonResourceCeiling: the hard memory ceiling was crossed and the
	// kernel OOM-killed the process tree.
	ReasonResourceCeiling ExitReason = "resource ceiling exceeded"

	// ReasonDeadlineKill: a graceful stop was ignored past its deadline
	// and the whole tree was forcefully terminated.
	ReasonDeadlineKill ExitReason = "stop deadline exceeded"

	// ReasonAllocationFailure: a Starting-stage allocation failed; the
	// entry command never ran.
	ReasonAllocationFailure ExitReason = "allocation failure"
)

// ExitStatus is the final record captured when a container reaches a
// terminal state.
type ExitStatus struct {
	Code         int        `json:"exitCode"`
	Reason       ExitReason `json:"reason"`
	OOMKilled    bool       `json:"oomKilled"`
	CPUTimeMs    int64      `json:"cpuTimeMs,omitempty"`
	MemoryPeakKB int64      `json:"memoryPeakKB,omitempty"`
}

// Event is one entry of the lifecycle event stream.
type Event struct {
	ContainerID string     `json:"id"`
	State       State      `json:"state"`
	Reason      ExitReason `json:"reason,omitempty"`
	Stage       string     `json:"stage,omitempty"` // failing stage, Failed only
	Timestamp   time.Time  `json:"timestamp"`
}

// stateRecord 是落盘的容器状态 (state.json)。
// 放在 /run 下（内存文件系统），宿主机重启即清空——和 runc 的习惯一致。
// 它让外部工具（以及重启后的 runtime 自己）能看到每个容器的最新状态。
type stateRecord struct {
	ID         string      `json:"id"`
	Status     State       `json:"status"`
	Pid        int         `json:"pid,omitempty"`
	Bundle     string      `json:"bundle"`
	CreatedAt  time.Time   `json:"createdAt"`
	StartedAt  time.Time   `json:"startedAt,omitempty"`
	FinishedAt time.Time   `json:"finishedAt,omitempty"`
	Exit       *ExitStatus `json:"exit,omitempty"`
}

const stateFileName = "state.json"

func writeStateRecord(stateDir string, rec *stateRecord) error {
	dir := filepath.Join(stateDir, rec.ID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return errdefs.Wrapf(err, errdefs.KindFilesystem, "create state dir for %q", rec.ID)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return errdefs.Wrapf(err, errdefs.KindFilesystem, "marshal state of %q", rec.ID)
	}
	tmp := filepath.Join(dir, stateFileName+".tmp")
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return errdefs.Wrapf(err, errdefs.KindFilesystem, "write state of %q", rec.ID)
	}
	return os.Rename(tmp, filepath.Join(dir, stateFileName))
}

func removeStateRecord(stateDir, id string) {
	os.RemoveAll(filepath.Join(stateDir, id))
}
