package sandbox_test

import (
	"reflect"
	"testing"

	"judgebox/internal/judge/sandbox"
)

func TestIsolationArgsFullPolicy(t *testing.T) {
	t.Parallel()

	policy := sandbox.IsolationPolicy{
		DisableNetwork:  true,
		ReadOnlyRootfs:  true,
		DropAllCaps:     true,
		NoNewPrivileges: true,
		MemoryBytes:     256 * 1024 * 1024,
		CPUQuota:        1.5,
		PidsLimit:       64,
		TmpfsSizeBytes:  16 * 1024 * 1024,
		RunAsUser:       "65534:65534",
		SeccompProfile:  "/etc/judge/seccomp.json",
	}

	want := []string{
		"--network", "none",
		"--read-only",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--security-opt", "seccomp=/etc/judge/seccomp.json",
		"--memory", "268435456",
		"--memory-swap", "268435456",
		"--cpus", "1.5",
		"--pids-limit", "64",
		"--tmpfs", "/tmp:rw,noexec,nosuid,size=16777216",
		"--user", "65534:65534",
	}
	got := policy.Args()
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("args mismatch\n got: %v\nwant: %v", got, want)
	}
}

func TestIsolationArgsEmptyPolicy(t *testing.T) {
	t.Parallel()

	var policy sandbox.IsolationPolicy
	if got := policy.Args(); len(got) != 0 {
		t.Fatalf("expected no args for zero policy, got %v", got)
	}
}

func TestIsolationArgsIsPure(t *testing.T) {
	t.Parallel()

	policy := sandbox.DefaultIsolation().WithMemoryBytes(128 * 1024 * 1024)
	first := policy.Args()
	second := policy.Args()
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("repeated calls diverged: %v vs %v", first, second)
	}
}

func TestWithMemoryBytesDoesNotMutateReceiver(t *testing.T) {
	t.Parallel()

	base := sandbox.DefaultIsolation()
	derived := base.WithMemoryBytes(512 * 1024 * 1024)
	if base.MemoryBytes != 0 {
		t.Fatalf("base policy mutated: MemoryBytes=%d", base.MemoryBytes)
	}
	if derived.MemoryBytes != 512*1024*1024 {
		t.Fatalf("derived policy missing cap: MemoryBytes=%d", derived.MemoryBytes)
	}
}
