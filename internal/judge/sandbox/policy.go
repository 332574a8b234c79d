package sandbox

import "strconv"

// IsolationPolicy captures every isolation guarantee applied to a runtime
// container. Args is the only place a policy turns into container flags,
// so tests can assert the exact mapping without spawning anything.
type IsolationPolicy struct {
	DisableNetwork  bool    `yaml:"disableNetwork"`
	ReadOnlyRootfs  bool    `yaml:"readOnlyRootfs"`
	DropAllCaps     bool    `yaml:"dropAllCaps"`
	NoNewPrivileges bool    `yaml:"noNewPrivileges"`
	MemoryBytes     int64   `yaml:"memoryBytes"`
	CPUQuota        float64 `yaml:"cpuQuota"`
	PidsLimit       int64   `yaml:"pidsLimit"`
	TmpfsSizeBytes  int64   `yaml:"tmpfsSizeBytes"`
	RunAsUser       string  `yaml:"runAsUser"`
	SeccompProfile  string  `yaml:"seccompProfile"`
}

// DefaultIsolation is the baseline applied to every language profile:
// no network, read-only root, no capabilities, nobody user.
func DefaultIsolation() IsolationPolicy {
	return IsolationPolicy{
		DisableNetwork:  true,
		ReadOnlyRootfs:  true,
		DropAllCaps:     true,
		NoNewPrivileges: true,
		CPUQuota:        1.0,
		PidsLimit:       64,
		TmpfsSizeBytes:  64 * 1024 * 1024,
		RunAsUser:       "65534:65534",
	}
}

// WithMemoryBytes returns a copy of the policy with the per-job memory cap
// applied. Swap is pinned to the same value so the cap is hard.
func (p IsolationPolicy) WithMemoryBytes(n int64) IsolationPolicy {
	p.MemoryBytes = n
	return p
}

// Args maps the policy to container run flags. It is a pure function of
// the receiver: same policy in, same argv out.
func (p IsolationPolicy) Args() []string {
	var args []string
	if p.DisableNetwork {
		args = append(args, "--network", "none")
	}
	if p.ReadOnlyRootfs {
		args = append(args, "--read-only")
	}
	if p.DropAllCaps {
		args = append(args, "--cap-drop", "ALL")
	}
	if p.NoNewPrivileges {
		args = append(args, "--security-opt", "no-new-privileges")
	}
	if p.SeccompProfile != "" {
		args = append(args, "--security-opt", "seccomp="+p.SeccompProfile)
	}
	if p.MemoryBytes > 0 {
		mem := strconv.FormatInt(p.MemoryBytes, 10)
		args = append(args, "--memory", mem, "--memory-swap", mem)
	}
	if p.CPUQuota > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(p.CPUQuota, 'f', -1, 64))
	}
	if p.PidsLimit > 0 {
		args = append(args, "--pids-limit", strconv.FormatInt(p.PidsLimit, 10))
	}
	if p.TmpfsSizeBytes > 0 {
		args = append(args, "--tmpfs", "/tmp:rw,noexec,nosuid,size="+strconv.FormatInt(p.TmpfsSizeBytes, 10))
	}
	if p.RunAsUser != "" {
		args = append(args, "--user", p.RunAsUser)
	}
	return args
}
