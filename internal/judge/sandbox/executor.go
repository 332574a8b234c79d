package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"judgebox/internal/judge/model"
	appErr "judgebox/pkg/errors"
	"judgebox/pkg/utils/logger"
)

const (
	helperMountPath = "/usr/local/bin/sandbox-init"

	defaultCompileTimeout     = 30 * time.Second
	defaultCompileMemoryBytes = 512 * 1024 * 1024
	defaultStdoutMaxBytes     = 1024 * 1024
	defaultStderrMaxBytes     = 100 * 1024
	defaultExtraGrace         = 2 * time.Second
	defaultPollInterval       = 50 * time.Millisecond
	defaultStackBytes         = 64 * 1024 * 1024
	defaultOpenFiles          = 64
)

// ExecutorConfig tunes compilation and execution enforcement. Zero
// values fall back to the documented defaults.
type ExecutorConfig struct {
	RuntimeBinary      string        `yaml:"runtimeBinary"`
	HelperPath         string        `yaml:"helperPath"`
	EnableSeccomp      bool          `yaml:"enableSeccomp"`
	CompileTimeout     time.Duration `yaml:"compileTimeout"`
	CompileMemoryBytes int64         `yaml:"compileMemoryBytes"`
	StdoutMaxBytes     int64         `yaml:"stdoutMaxBytes"`
	StderrMaxBytes     int64         `yaml:"stderrMaxBytes"`
	ExtraGrace         time.Duration `yaml:"extraGrace"`
	PollInterval       time.Duration `yaml:"pollInterval"`
}

func (c ExecutorConfig) withDefaults() ExecutorConfig {
	if c.RuntimeBinary == "" {
		c.RuntimeBinary = "docker"
	}
	if c.HelperPath == "" {
		c.HelperPath = "/usr/local/bin/sandbox-init"
	}
	if c.CompileTimeout <= 0 {
		c.CompileTimeout = defaultCompileTimeout
	}
	if c.CompileMemoryBytes <= 0 {
		c.CompileMemoryBytes = defaultCompileMemoryBytes
	}
	if c.StdoutMaxBytes <= 0 {
		c.StdoutMaxBytes = defaultStdoutMaxBytes
	}
	if c.StderrMaxBytes <= 0 {
		c.StderrMaxBytes = defaultStderrMaxBytes
	}
	if c.ExtraGrace <= 0 {
		c.ExtraGrace = defaultExtraGrace
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	return c
}

// Executor compiles and runs submissions in disposable containers. One
// executor is shared by all workers; per-execution state lives on the
// stack of each call.
type Executor struct {
	runner CommandRunner
	cfg    ExecutorConfig
}

// NewExecutor wires the executor to a CommandRunner.
func NewExecutor(runner CommandRunner, cfg ExecutorConfig) (*Executor, error) {
	if runner == nil {
		return nil, appErr.ValidationError("runner", "required")
	}
	return &Executor{runner: runner, cfg: cfg.withDefaults()}, nil
}

// runState tracks how one execution finished. A process leaves the
// Spawned state exactly once; the first recorded transition wins and
// classification reads only the final state.
type runState int32

const (
	stateSpawned runState = iota
	stateExited
	stateTimedOut
	stateSizeExceeded
)

type lifecycle struct {
	v atomic.Int32
}

func newLifecycle() *lifecycle {
	l := &lifecycle{}
	l.v.Store(int32(stateSpawned))
	return l
}

func (l *lifecycle) transition(to runState) bool {
	return l.v.CompareAndSwap(int32(stateSpawned), int32(to))
}

func (l *lifecycle) state() runState {
	return runState(l.v.Load())
}

// initRequest is the wire format consumed by the sandbox-init helper
// inside the container. The helper applies the limits, redirects the
// standard streams to workspace files and execs the command.
type initRequest struct {
	Cmd           []string   `json:"cmd"`
	WorkDir       string     `json:"workDir"`
	StdinPath     string     `json:"stdinPath,omitempty"`
	StdoutPath    string     `json:"stdoutPath,omitempty"`
	StderrPath    string     `json:"stderrPath,omitempty"`
	Env           []string   `json:"env,omitempty"`
	EnableSeccomp bool       `json:"enableSeccomp"`
	Limits        initLimits `json:"limits"`
}

type initLimits struct {
	CPUTimeMs   int64 `json:"cpuTimeMs"`
	MemoryBytes int64 `json:"memoryBytes"`
	OutputBytes int64 `json:"outputBytes"`
	StackBytes  int64 `json:"stackBytes"`
	OpenFiles   int64 `json:"openFiles"`
}

// CompileResult reports one compilation attempt. Stderr holds the
// compiler diagnostics when compilation fails.
type CompileResult struct {
	ExitCode int
	Stderr   string
	TimeMs   int64
}

// Compile builds the submission once per job under a fixed time and
// memory budget. Languages without a compile step return immediately.
// The produced artifact stays in the workspace and is shared by every
// testcase run.
func (e *Executor) Compile(ctx context.Context, ws *Workspace, p ExecutionProfile) (CompileResult, error) {
	if !p.NeedsCompilation {
		return CompileResult{}, nil
	}
	argv, err := p.CompileCommand()
	if err != nil {
		return CompileResult{}, err
	}

	req := initRequest{
		Cmd:        argv,
		WorkDir:    containerWorkDir,
		StderrPath: containerWorkDir + "/" + compileLogName,
		Env:        p.Env,
		// Compilers fork preprocessors and linkers; the run-stage
		// seccomp filter would kill them.
		EnableSeccomp: false,
		Limits: initLimits{
			CPUTimeMs:   e.cfg.CompileTimeout.Milliseconds(),
			MemoryBytes: e.cfg.CompileMemoryBytes,
			StackBytes:  defaultStackBytes,
			OpenFiles:   512,
		},
	}
	policy := p.Isolation.WithMemoryBytes(e.cfg.CompileMemoryBytes)
	name := containerName(ws.JobID, "compile")

	start := time.Now()
	proc, life, err := e.spawn(ctx, req, policy, ws, p.RuntimeImage, name)
	if err != nil {
		return CompileResult{}, err
	}
	waitErr := e.supervise(ctx, proc, life, e.cfg.CompileTimeout, nil)
	elapsed := time.Since(start).Milliseconds()

	stderr := readLimitedFile(ws.HostPath(compileLogName), e.cfg.StderrMaxBytes)
	if stderr == "" {
		stderr = truncateTo(proc.Stderr(), e.cfg.StderrMaxBytes)
	}
	res := CompileResult{ExitCode: proc.ExitCode(), Stderr: stderr, TimeMs: elapsed}

	switch {
	case life.state() == stateTimedOut:
		logger.Warn(ctx, "compilation timed out",
			zap.String("job_id", ws.JobID),
			zap.Duration("limit", e.cfg.CompileTimeout))
		return res, appErr.Newf(appErr.CompileTimeout, "compilation exceeded %s", e.cfg.CompileTimeout).
			WithDetail("job_id", ws.JobID)
	case ctx.Err() != nil:
		return res, appErr.Wrapf(ctx.Err(), appErr.JudgeSystemError, "compilation cancelled")
	case res.ExitCode == dockerDaemonExit:
		return res, appErr.Newf(appErr.JudgeSystemError, "container runtime failure").
			WithDetail("stderr", truncateTo(proc.Stderr(), 2048))
	case res.ExitCode != 0:
		logger.Info(ctx, "compilation failed",
			zap.String("job_id", ws.JobID),
			zap.Int("exit_code", res.ExitCode))
		return res, appErr.New(appErr.CompileFailed).
			WithDetail("exit_code", res.ExitCode).
			WithDetail("job_id", ws.JobID)
	}
	if waitErr != nil {
		return res, appErr.Wrapf(waitErr, appErr.JudgeSystemError, "compiler wait failed")
	}
	if p.ArtifactFileName != "" {
		if _, err := os.Stat(ws.HostPath(p.ArtifactFileName)); err != nil {
			return res, appErr.New(appErr.CompileFailed).
				WithMessage("compiler exited cleanly but produced no artifact").
				WithDetail("artifact", p.ArtifactFileName)
		}
	}
	logger.Debug(ctx, "compilation succeeded",
		zap.String("job_id", ws.JobID),
		zap.Int64("time_ms", res.TimeMs))
	return res, nil
}

// dockerDaemonExit is the runtime CLI's own failure code, as opposed to
// an exit produced by the workload.
const dockerDaemonExit = 125

// RunTestcase executes the prepared submission against one testcase.
// The wall clock limit is min(timeLimitMs, profile ceiling); the process
// gets a short grace window past that before it is force-killed. Output
// beyond the configured caps also force-kills the process.
func (e *Executor) RunTestcase(ctx context.Context, ws *Workspace, p ExecutionProfile, tc model.Testcase, timeLimitMs, memoryBytes int64) (model.ExecutionResult, error) {
	if err := ws.WriteInput(tc.Input); err != nil {
		return model.ExecutionResult{}, err
	}
	argv, err := p.RunCommand()
	if err != nil {
		return model.ExecutionResult{}, err
	}

	wallMs := timeLimitMs
	if p.TimeoutCeilingMs > 0 && wallMs > p.TimeoutCeilingMs {
		wallMs = p.TimeoutCeilingMs
	}
	killAfter := time.Duration(wallMs)*time.Millisecond + e.cfg.ExtraGrace

	req := initRequest{
		Cmd:           argv,
		WorkDir:       containerWorkDir,
		StdinPath:     containerWorkDir + "/" + sourceInputName,
		StdoutPath:    containerWorkDir + "/" + stdoutLogName,
		StderrPath:    containerWorkDir + "/" + stderrLogName,
		Env:           p.Env,
		EnableSeccomp: e.cfg.EnableSeccomp,
		Limits: initLimits{
			CPUTimeMs:   wallMs,
			MemoryBytes: memoryBytes,
			OutputBytes: e.cfg.StdoutMaxBytes,
			StackBytes:  defaultStackBytes,
			OpenFiles:   defaultOpenFiles,
		},
	}
	policy := p.Isolation.WithMemoryBytes(memoryBytes)
	name := containerName(ws.JobID, tc.ID)

	stdoutPath := ws.HostPath(stdoutLogName)
	stderrPath := ws.HostPath(stderrLogName)
	oversized := func() bool {
		return fileSize(stdoutPath) > e.cfg.StdoutMaxBytes || fileSize(stderrPath) > e.cfg.StderrMaxBytes
	}

	start := time.Now()
	proc, life, err := e.spawn(ctx, req, policy, ws, p.RuntimeImage, name)
	if err != nil {
		return model.ExecutionResult{}, err
	}
	waitErr := e.supervise(ctx, proc, life, killAfter, oversized)
	elapsed := time.Since(start).Milliseconds()

	res := model.ExecutionResult{
		Stdout:          readLimitedFile(stdoutPath, e.cfg.StdoutMaxBytes),
		Stderr:          readLimitedFile(stderrPath, e.cfg.StderrMaxBytes),
		ExitCode:        proc.ExitCode(),
		ExecutionTimeMs: elapsed,
	}

	switch {
	case life.state() == stateTimedOut:
		res.ExitCode = -1
		logger.Debug(ctx, "testcase timed out",
			zap.String("job_id", ws.JobID),
			zap.String("testcase_id", tc.ID),
			zap.Int64("limit_ms", wallMs))
		return res, appErr.Newf(appErr.ExecTimeout, "time limit exceeded").
			WithDetail("limit_ms", wallMs).
			WithDetail("elapsed_ms", elapsed)
	case life.state() == stateSizeExceeded:
		return res, appErr.Newf(appErr.ExecOutputExceeded, "output limit exceeded").
			WithDetail("stdout_max_bytes", e.cfg.StdoutMaxBytes).
			WithDetail("stderr_max_bytes", e.cfg.StderrMaxBytes)
	case ctx.Err() != nil:
		return res, appErr.Wrapf(ctx.Err(), appErr.JudgeSystemError, "execution cancelled")
	case res.ExitCode == dockerDaemonExit:
		return res, appErr.Newf(appErr.JudgeSystemError, "container runtime failure").
			WithDetail("stderr", truncateTo(proc.Stderr(), 2048))
	case res.ExitCode == oomExitCode:
		return res, appErr.Newf(appErr.ExecMemoryExceeded, "memory limit exceeded").
			WithDetail("memory_bytes", memoryBytes)
	case res.ExitCode != 0:
		return res, appErr.Newf(appErr.ExecFailed, "program exited with code %d", res.ExitCode).
			WithDetail("exit_code", res.ExitCode).
			WithDetail("stderr", truncateTo(res.Stderr, 2048))
	}
	if waitErr != nil {
		return res, appErr.Wrapf(waitErr, appErr.JudgeSystemError, "process wait failed")
	}
	if strings.TrimSpace(res.Stdout) == "" {
		return res, appErr.New(appErr.ExecNoOutput).
			WithMessage("program exited cleanly but produced no output").
			WithDetail("testcase_id", tc.ID)
	}
	return res, nil
}

// oomExitCode is 128+SIGKILL, reported when the kernel OOM-kills the
// workload at the container memory cap.
const oomExitCode = 137

func (e *Executor) spawn(ctx context.Context, req initRequest, policy IsolationPolicy, ws *Workspace, image, name string) (Process, *lifecycle, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, nil, appErr.Wrapf(err, appErr.JudgeSystemError, "encode init request failed")
	}

	argv := []string{e.cfg.RuntimeBinary, "run", "--rm", "-i", "--name", name,
		"-v", ws.Dir + ":" + containerWorkDir,
		"-v", e.cfg.HelperPath + ":" + helperMountPath + ":ro",
		"--entrypoint", helperMountPath,
	}
	argv = append(argv, policy.Args()...)
	argv = append(argv, image)

	proc, err := e.runner.Start(ctx, Command{
		Argv:     argv,
		Stdin:    bytes.NewReader(payload),
		KillArgv: []string{e.cfg.RuntimeBinary, "kill", "--signal=KILL", name},
	})
	if err != nil {
		return nil, nil, appErr.Wrap(err, appErr.JudgeSystemError).WithMessage("spawn container failed")
	}
	return proc, newLifecycle(), nil
}

// supervise blocks until the process exits, enforcing the wall clock and
// the output caps from a watchdog goroutine. Whichever condition fires
// first records the terminal state; the loser of the race is ignored.
func (e *Executor) supervise(ctx context.Context, proc Process, life *lifecycle, killAfter time.Duration, oversized func() bool) error {
	done := make(chan struct{})
	go func() {
		timer := time.NewTimer(killAfter)
		defer timer.Stop()
		var tickC <-chan time.Time
		if oversized != nil {
			ticker := time.NewTicker(e.cfg.PollInterval)
			defer ticker.Stop()
			tickC = ticker.C
		}
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				proc.Kill()
				return
			case <-timer.C:
				if life.transition(stateTimedOut) {
					proc.Kill()
				}
				return
			case <-tickC:
				if oversized() {
					if life.transition(stateSizeExceeded) {
						proc.Kill()
					}
					return
				}
			}
		}
	}()

	waitErr := proc.Wait()
	close(done)
	life.transition(stateExited)
	return waitErr
}

func containerName(jobID, suffix string) string {
	return "judge-" + sanitizeID(jobID) + "-" + sanitizeID(suffix)
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

func readLimitedFile(path string, max int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, max))
	if err != nil {
		return ""
	}
	return string(data)
}

func truncateTo(s string, max int64) string {
	if int64(len(s)) <= max {
		return s
	}
	return s[:max]
}
