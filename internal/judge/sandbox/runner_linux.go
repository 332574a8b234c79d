//go:build linux

package sandbox

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"sync"
	"syscall"

	appErr "judgebox/pkg/errors"
)

type execRunner struct{}

// NewExecRunner returns the production runner. Spawned processes get
// their own process group and die with the judge process.
func NewExecRunner() CommandRunner {
	return execRunner{}
}

func (execRunner) Start(ctx context.Context, cmd Command) (Process, error) {
	if len(cmd.Argv) == 0 {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("command argv is empty")
	}
	c := exec.CommandContext(ctx, cmd.Argv[0], cmd.Argv[1:]...)
	c.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	c.Stdin = cmd.Stdin

	p := &execProcess{cmd: c, killArgv: cmd.KillArgv}
	c.Stdout = &p.stdout
	c.Stderr = &p.stderr

	if err := c.Start(); err != nil {
		return nil, appErr.Wrapf(err, appErr.ExecFailed, "start command failed").
			WithDetail("argv0", cmd.Argv[0])
	}
	return p, nil
}

type execProcess struct {
	cmd      *exec.Cmd
	killArgv []string
	stdout   bytes.Buffer
	stderr   bytes.Buffer
	waitErr  error
	killOnce sync.Once
}

func (p *execProcess) Wait() error {
	p.waitErr = p.cmd.Wait()
	return p.waitErr
}

// Kill stops the workload first through KillArgv, then force-kills the
// client process group.
func (p *execProcess) Kill() {
	p.killOnce.Do(func() {
		if len(p.killArgv) > 0 {
			_ = exec.Command(p.killArgv[0], p.killArgv[1:]...).Run()
		}
		if p.cmd.Process != nil && p.cmd.Process.Pid > 0 {
			_ = syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
		}
	})
}

func (p *execProcess) ExitCode() int {
	return exitCodeFromErr(p.waitErr, p.cmd.ProcessState)
}

func (p *execProcess) Stderr() string {
	return p.stderr.String()
}

func exitCodeFromErr(err error, state *os.ProcessState) int {
	if state != nil {
		return state.ExitCode()
	}
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
