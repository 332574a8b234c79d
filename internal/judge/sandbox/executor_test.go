package sandbox_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"judgebox/internal/judge/model"
	"judgebox/internal/judge/sandbox"
	pkgerrors "judgebox/pkg/errors"
)

// initPayload mirrors the helper wire format so tests can decode what
// the executor pipes to the container.
type initPayload struct {
	Cmd           []string `json:"cmd"`
	WorkDir       string   `json:"workDir"`
	StdinPath     string   `json:"stdinPath"`
	StdoutPath    string   `json:"stdoutPath"`
	StderrPath    string   `json:"stderrPath"`
	EnableSeccomp bool     `json:"enableSeccomp"`
	Limits        struct {
		CPUTimeMs   int64 `json:"cpuTimeMs"`
		MemoryBytes int64 `json:"memoryBytes"`
		OutputBytes int64 `json:"outputBytes"`
	} `json:"limits"`
}

type fakeProcess struct {
	exitCode       int
	clientStderr   string
	blockUntilKill bool
	killed         chan struct{}
	killOnce       sync.Once
}

func newBlockingProcess(exitCode int) *fakeProcess {
	return &fakeProcess{exitCode: exitCode, blockUntilKill: true, killed: make(chan struct{})}
}

func (p *fakeProcess) Wait() error {
	if p.blockUntilKill {
		<-p.killed
		return fmt.Errorf("signal: killed")
	}
	if p.exitCode != 0 {
		return fmt.Errorf("exit status %d", p.exitCode)
	}
	return nil
}

func (p *fakeProcess) Kill() {
	p.killOnce.Do(func() {
		if p.killed != nil {
			close(p.killed)
		}
	})
}

func (p *fakeProcess) ExitCode() int { return p.exitCode }

func (p *fakeProcess) Stderr() string { return p.clientStderr }

type fakeRunner struct {
	mu       sync.Mutex
	commands []sandbox.Command
	payloads []initPayload
	procs    []*fakeProcess
	onStart  []func()
	startErr error
}

func (r *fakeRunner) Start(ctx context.Context, cmd sandbox.Command) (sandbox.Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return nil, r.startErr
	}
	var payload initPayload
	if cmd.Stdin != nil {
		data, err := io.ReadAll(cmd.Stdin)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, err
		}
	}
	r.commands = append(r.commands, cmd)
	r.payloads = append(r.payloads, payload)
	idx := len(r.commands) - 1
	if idx < len(r.onStart) && r.onStart[idx] != nil {
		r.onStart[idx]()
	}
	if idx < len(r.procs) && r.procs[idx] != nil {
		return r.procs[idx], nil
	}
	return &fakeProcess{}, nil
}

func (r *fakeRunner) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.commands)
}

func profileFor(t *testing.T, language string) sandbox.ExecutionProfile {
	t.Helper()
	for _, p := range sandbox.DefaultProfiles() {
		if p.Language == language {
			return p
		}
	}
	t.Fatalf("no default profile for %s", language)
	return sandbox.ExecutionProfile{}
}

func testExecutorConfig() sandbox.ExecutorConfig {
	return sandbox.ExecutorConfig{
		RuntimeBinary:  "docker",
		HelperPath:     "/opt/judge/sandbox-init",
		CompileTimeout: 60 * time.Millisecond,
		StdoutMaxBytes: 1024,
		StderrMaxBytes: 512,
		ExtraGrace:     20 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
	}
}

func newTestExecutor(t *testing.T, runner sandbox.CommandRunner) *sandbox.Executor {
	t.Helper()
	exec, err := sandbox.NewExecutor(runner, testExecutorConfig())
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	return exec
}

func newTestWorkspace(t *testing.T, language, source string) *sandbox.Workspace {
	t.Helper()
	mgr := newManager(t, time.Hour, nil)
	ws, err := mgr.Prepare(context.Background(), "job1", source, profileFor(t, language))
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	return ws
}

func TestCompileSkipsInterpretedLanguages(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	exec := newTestExecutor(t, runner)
	ws := newTestWorkspace(t, "python", "print(1)")

	res, err := exec.Compile(context.Background(), ws, profileFor(t, "python"))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if res.ExitCode != 0 || res.Stderr != "" {
		t.Fatalf("unexpected compile result: %+v", res)
	}
	if runner.calls() != 0 {
		t.Fatalf("interpreted language spawned %d containers", runner.calls())
	}
}

func TestCompileSuccessBuildsContainerCommand(t *testing.T) {
	t.Parallel()

	ws := newTestWorkspace(t, "cpp", "int main() {}")
	runner := &fakeRunner{
		onStart: []func(){func() {
			if err := os.WriteFile(ws.HostPath("main"), []byte{0x7f, 'E', 'L', 'F'}, 0755); err != nil {
				t.Errorf("write artifact: %v", err)
			}
		}},
	}
	exec := newTestExecutor(t, runner)

	if _, err := exec.Compile(context.Background(), ws, profileFor(t, "cpp")); err != nil {
		t.Fatalf("Compile: %v", err)
	}

	cmd := runner.commands[0]
	argv := strings.Join(cmd.Argv, " ")
	if !strings.HasPrefix(argv, "docker run --rm -i --name judge-job1-compile") {
		t.Fatalf("unexpected argv prefix: %s", argv)
	}
	if !strings.Contains(argv, "--network none") || !strings.Contains(argv, "--cap-drop ALL") {
		t.Fatalf("isolation flags missing from argv: %s", argv)
	}
	if !strings.Contains(argv, "--entrypoint /usr/local/bin/sandbox-init") {
		t.Fatalf("helper entrypoint missing from argv: %s", argv)
	}
	if cmd.Argv[len(cmd.Argv)-1] != "gcc:13" {
		t.Fatalf("image must be the last argument, got %s", cmd.Argv[len(cmd.Argv)-1])
	}

	payload := runner.payloads[0]
	if len(payload.Cmd) == 0 || payload.Cmd[0] != "g++" {
		t.Fatalf("unexpected compile command: %v", payload.Cmd)
	}
	if payload.EnableSeccomp {
		t.Fatal("compile stage must not enable the run seccomp filter")
	}
}

func TestCompileFailureCarriesCompilerStderr(t *testing.T) {
	t.Parallel()

	ws := newTestWorkspace(t, "cpp", "int main( {")
	diag := "main.cpp:1:11: error: expected parameter declarator\n"
	runner := &fakeRunner{
		procs: []*fakeProcess{{exitCode: 1}},
		onStart: []func(){func() {
			if err := os.WriteFile(ws.HostPath("compile.log"), []byte(diag), 0644); err != nil {
				t.Errorf("write compile log: %v", err)
			}
		}},
	}
	exec := newTestExecutor(t, runner)

	res, err := exec.Compile(context.Background(), ws, profileFor(t, "cpp"))
	if pkgerrors.GetCode(err) != pkgerrors.CompileFailed {
		t.Fatalf("expected CompileFailed, got %v", err)
	}
	if res.Stderr != diag {
		t.Fatalf("compile stderr = %q, want %q", res.Stderr, diag)
	}
	if res.ExitCode != 1 {
		t.Fatalf("compile exit code = %d, want 1", res.ExitCode)
	}
}

func TestCompileTimeoutKillsCompiler(t *testing.T) {
	t.Parallel()

	ws := newTestWorkspace(t, "cpp", "int main() {}")
	proc := newBlockingProcess(137)
	runner := &fakeRunner{procs: []*fakeProcess{proc}}
	exec := newTestExecutor(t, runner)

	start := time.Now()
	_, err := exec.Compile(context.Background(), ws, profileFor(t, "cpp"))
	if pkgerrors.GetCode(err) != pkgerrors.CompileTimeout {
		t.Fatalf("expected CompileTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("compile timeout took %s, watchdog did not fire", elapsed)
	}
	select {
	case <-proc.killed:
	default:
		t.Fatal("compiler process was never killed")
	}
}

func TestCompileMissingArtifactFails(t *testing.T) {
	t.Parallel()

	ws := newTestWorkspace(t, "cpp", "int main() {}")
	runner := &fakeRunner{procs: []*fakeProcess{{exitCode: 0}}}
	exec := newTestExecutor(t, runner)

	_, err := exec.Compile(context.Background(), ws, profileFor(t, "cpp"))
	if pkgerrors.GetCode(err) != pkgerrors.CompileFailed {
		t.Fatalf("expected CompileFailed for missing artifact, got %v", err)
	}
}

func TestRunTestcaseHappyPath(t *testing.T) {
	t.Parallel()

	ws := newTestWorkspace(t, "python", "print(sum(map(int, input().split())))")
	runner := &fakeRunner{
		onStart: []func(){func() {
			if err := os.WriteFile(ws.HostPath("stdout.log"), []byte("8\n"), 0644); err != nil {
				t.Errorf("write stdout: %v", err)
			}
		}},
	}
	exec := newTestExecutor(t, runner)

	tc := model.Testcase{ID: "tc1", Input: "3 5\n", ExpectedOutput: "8"}
	res, err := exec.RunTestcase(context.Background(), ws, profileFor(t, "python"), tc, 3000, 256*1024*1024)
	if err != nil {
		t.Fatalf("RunTestcase: %v", err)
	}
	if res.Stdout != "8\n" || res.ExitCode != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}

	input, err := os.ReadFile(ws.HostPath("input.txt"))
	if err != nil {
		t.Fatalf("read input: %v", err)
	}
	if string(input) != "3 5\n" {
		t.Fatalf("input file = %q, want %q", input, "3 5\n")
	}

	payload := runner.payloads[0]
	if payload.StdinPath != "/work/input.txt" || payload.StdoutPath != "/work/stdout.log" {
		t.Fatalf("unexpected io redirection: %+v", payload)
	}
	if payload.Limits.CPUTimeMs != 3000 {
		t.Fatalf("cpu limit = %d, want 3000", payload.Limits.CPUTimeMs)
	}
	if payload.Limits.MemoryBytes != 256*1024*1024 {
		t.Fatalf("memory limit = %d", payload.Limits.MemoryBytes)
	}
}

func TestRunTestcaseAppliesTimeoutCeiling(t *testing.T) {
	t.Parallel()

	ws := newTestWorkspace(t, "python", "print(1)")
	runner := &fakeRunner{
		onStart: []func(){func() {
			_ = os.WriteFile(ws.HostPath("stdout.log"), []byte("1\n"), 0644)
		}},
	}
	exec := newTestExecutor(t, runner)

	profile := profileFor(t, "python")
	tc := model.Testcase{ID: "tc1", Input: "\n"}
	if _, err := exec.RunTestcase(context.Background(), ws, profile, tc, 99999999, 64*1024*1024); err != nil {
		t.Fatalf("RunTestcase: %v", err)
	}
	if got := runner.payloads[0].Limits.CPUTimeMs; got != profile.TimeoutCeilingMs {
		t.Fatalf("cpu limit = %d, want ceiling %d", got, profile.TimeoutCeilingMs)
	}
}

func TestRunTestcaseTimeLimitExceeded(t *testing.T) {
	t.Parallel()

	ws := newTestWorkspace(t, "python", "while True: pass")
	proc := newBlockingProcess(137)
	runner := &fakeRunner{procs: []*fakeProcess{proc}}
	exec := newTestExecutor(t, runner)

	tc := model.Testcase{ID: "tc1", Input: "1\n"}
	res, err := exec.RunTestcase(context.Background(), ws, profileFor(t, "python"), tc, 30, 64*1024*1024)
	if pkgerrors.GetCode(err) != pkgerrors.ExecTimeout {
		t.Fatalf("expected ExecTimeout, got %v", err)
	}
	if res.ExitCode != -1 {
		t.Fatalf("timed out run should report exit -1, got %d", res.ExitCode)
	}
	select {
	case <-proc.killed:
	default:
		t.Fatal("process survived the wall clock limit")
	}
}

func TestRunTestcaseOutputFloodKilled(t *testing.T) {
	t.Parallel()

	ws := newTestWorkspace(t, "python", "while True: print('x')")
	proc := newBlockingProcess(137)
	runner := &fakeRunner{
		procs: []*fakeProcess{proc},
		onStart: []func(){func() {
			flood := strings.Repeat("x", 4096)
			_ = os.WriteFile(ws.HostPath("stdout.log"), []byte(flood), 0644)
		}},
	}
	exec := newTestExecutor(t, runner)

	tc := model.Testcase{ID: "tc1", Input: "\n"}
	_, err := exec.RunTestcase(context.Background(), ws, profileFor(t, "python"), tc, 5000, 64*1024*1024)
	if pkgerrors.GetCode(err) != pkgerrors.ExecOutputExceeded {
		t.Fatalf("expected ExecOutputExceeded, got %v", err)
	}
	select {
	case <-proc.killed:
	default:
		t.Fatal("flooding process was never killed")
	}
}

func TestRunTestcaseMemoryKill(t *testing.T) {
	t.Parallel()

	ws := newTestWorkspace(t, "cpp", "int main() {}")
	runner := &fakeRunner{procs: []*fakeProcess{{exitCode: 137}}}
	exec := newTestExecutor(t, runner)

	tc := model.Testcase{ID: "tc1", Input: "\n"}
	_, err := exec.RunTestcase(context.Background(), ws, profileFor(t, "cpp"), tc, 1000, 64*1024*1024)
	if pkgerrors.GetCode(err) != pkgerrors.ExecMemoryExceeded {
		t.Fatalf("expected ExecMemoryExceeded, got %v", err)
	}
}

func TestRunTestcaseRuntimeErrorCarriesStderr(t *testing.T) {
	t.Parallel()

	ws := newTestWorkspace(t, "python", "raise SystemExit(1)")
	runner := &fakeRunner{
		procs: []*fakeProcess{{exitCode: 1}},
		onStart: []func(){func() {
			_ = os.WriteFile(ws.HostPath("stderr.log"), []byte("Traceback (most recent call last)\n"), 0644)
		}},
	}
	exec := newTestExecutor(t, runner)

	tc := model.Testcase{ID: "tc1", Input: "\n"}
	res, err := exec.RunTestcase(context.Background(), ws, profileFor(t, "python"), tc, 1000, 64*1024*1024)
	if pkgerrors.GetCode(err) != pkgerrors.ExecFailed {
		t.Fatalf("expected ExecFailed, got %v", err)
	}
	if !strings.Contains(res.Stderr, "Traceback") {
		t.Fatalf("stderr missing diagnostics: %q", res.Stderr)
	}
}

func TestRunTestcaseEmptyOutputIsError(t *testing.T) {
	t.Parallel()

	ws := newTestWorkspace(t, "python", "pass")
	runner := &fakeRunner{procs: []*fakeProcess{{exitCode: 0}}}
	exec := newTestExecutor(t, runner)

	tc := model.Testcase{ID: "tc1", Input: "\n"}
	_, err := exec.RunTestcase(context.Background(), ws, profileFor(t, "python"), tc, 1000, 64*1024*1024)
	if pkgerrors.GetCode(err) != pkgerrors.ExecNoOutput {
		t.Fatalf("expected ExecNoOutput, got %v", err)
	}
}

func TestRunTestcaseSpawnFailure(t *testing.T) {
	t.Parallel()

	ws := newTestWorkspace(t, "python", "print(1)")
	runner := &fakeRunner{startErr: errors.New("docker daemon unreachable")}
	exec := newTestExecutor(t, runner)

	tc := model.Testcase{ID: "tc1", Input: "\n"}
	_, err := exec.RunTestcase(context.Background(), ws, profileFor(t, "python"), tc, 1000, 64*1024*1024)
	if pkgerrors.GetCode(err) != pkgerrors.JudgeSystemError {
		t.Fatalf("expected JudgeSystemError, got %v", err)
	}
}

func TestRunTestcaseKillFallbackTargetsContainer(t *testing.T) {
	t.Parallel()

	ws := newTestWorkspace(t, "python", "print(1)")
	runner := &fakeRunner{
		onStart: []func(){func() {
			_ = os.WriteFile(ws.HostPath("stdout.log"), []byte("1\n"), 0644)
		}},
	}
	exec := newTestExecutor(t, runner)

	tc := model.Testcase{ID: "tc-9", Input: "\n"}
	if _, err := exec.RunTestcase(context.Background(), ws, profileFor(t, "python"), tc, 1000, 64*1024*1024); err != nil {
		t.Fatalf("RunTestcase: %v", err)
	}

	kill := runner.commands[0].KillArgv
	want := []string{"docker", "kill", "--signal=KILL", "judge-job1-tc-9"}
	if strings.Join(kill, " ") != strings.Join(want, " ") {
		t.Fatalf("kill argv = %v, want %v", kill, want)
	}
}
