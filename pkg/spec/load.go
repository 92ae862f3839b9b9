package spec

import (
	"encoding/json"
	"path/filepath"
	"strings"

	units "github.com/docker/go-units"

	"masrun/pkg/errdefs"
	"masrun/pkg/isolation"
)

// rawSpec 是 JSON 配置的原始形态。
// 与 ContainerSpec 分开定义的原因：配置文件里允许写人类可读的内存大小
// ("64m", "1g")，而内存里我们只存字节数。Load 负责这一步转换。
type rawSpec struct {
	ID        string             `json:"id"`
	Layers    []string           `json:"layers"`
	Mounts    []Mount            `json:"mounts,omitempty"`
	Isolation []isolation.Domain `json:"isolation,omitempty"`
	NetNS     string             `json:"netns,omitempty"`
	Resources rawResources       `json:"resources,omitempty"`
	Command   []string           `json:"command"`
	WorkDir   string             `json:"workingDir,omitempty"`
	Env       map[string]string  `json:"env,omitempty"`
	Hostname  string             `json:"hostname,omitempty"`
}

type rawResources struct {
	Memory   string  `json:"memory,omitempty"` // e.g. "64m", "1g", "104857600"
	CPUQuota float64 `json:"cpuQuota,omitempty"`
	PidsMax  int64   `json:"pidsMax,omitempty"`
	IOWeight uint16  `json:"ioWeight,omitempty"`
}

// Load parses and validates a raw JSON container configuration.
// It is a pure transformation: no filesystem access, no side effects.
// Whether the layer paths actually exist is the composer's business.
func Load(raw []byte) (*ContainerSpec, error) {
	var rs rawSpec
	if err := json.Unmarshal(raw, &rs); err != nil {
		return nil, errdefs.Wrapf(err, errdefs.KindConfig, "malformed container config")
	}

	res, err := parseResources(rs.Resources)
	if err != nil {
		return nil, err
	}

	s := &ContainerSpec{
		ID:         rs.ID,
		Layers:     rs.Layers,
		Mounts:     rs.Mounts,
		Isolation:  isolation.Ordered(rs.Isolation),
		NetNS:      rs.NetNS,
		Resources:  res,
		Command:    rs.Command,
		WorkingDir: rs.WorkDir,
		Env:        rs.Env,
		Hostname:   rs.Hostname,
	}
	if s.WorkingDir == "" {
		s.WorkingDir = "/"
	}
	if s.Hostname == "" {
		s.Hostname = s.ID
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func parseResources(rr rawResources) (Resources, error) {
	var res Resources
	if rr.Memory != "" {
		bytes, err := units.RAMInBytes(rr.Memory)
		if err != nil {
			return res, errdefs.Wrapf(err, errdefs.KindConfig, "invalid memory limit %q", rr.Memory)
		}
		if bytes < 0 {
			return res, errdefs.Configf("negative memory limit %q", rr.Memory)
		}
		res.MemoryBytes = bytes
	}
	if rr.CPUQuota < 0 {
		return res, errdefs.Configf("negative cpu quota %v", rr.CPUQuota)
	}
	if rr.PidsMax < 0 {
		return res, errdefs.Configf("negative pids ceiling %d", rr.PidsMax)
	}
	if rr.IOWeight > 10000 {
		return res, errdefs.Configf("io weight %d out of range (1-10000)", rr.IOWeight)
	}
	res.CPUQuota = rr.CPUQuota
	res.PidsMax = rr.PidsMax
	res.IOWeight = rr.IOWeight
	return res, nil
}

// Validate checks the structural invariants of the spec.
// 所有检查都是纯逻辑判断，绝不摸文件系统。
func (s *ContainerSpec) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return errdefs.Configf("container id is required")
	}
	if len(s.Layers) == 0 {
		return errdefs.Configf("layer list must not be empty")
	}
	for _, l := range s.Layers {
		if strings.TrimSpace(l) == "" {
			return errdefs.Configf("layer path must not be empty")
		}
	}
	for _, m := range s.Mounts {
		if !filepath.IsAbs(m.Target) {
			return errdefs.Configf("mount target %q must be an absolute path", m.Target)
		}
	}
	for _, d := range s.Isolation {
		if !isolation.Known(d) {
			return errdefs.Configf("unknown isolation domain %q", d)
		}
		if d == isolation.DomainNet && s.NetNS != "" {
			return errdefs.Configf("cannot both join netns %q and allocate a private net domain", s.NetNS)
		}
	}
	if len(s.Command) == 0 {
		return errdefs.Configf("entry command is required")
	}
	return nil
}
