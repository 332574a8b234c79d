package sandbox

import (
	"context"
	"io"
)

// Command is one host process to spawn. Argv is the complete command
// line including the binary. KillArgv, when set, is executed before the
// process group is killed; the executor uses it to stop the runtime
// container by name, since killing the CLI client alone would leave the
// container running.
type Command struct {
	Argv     []string
	Stdin    io.Reader
	KillArgv []string
}

// Process is a started command. Wait blocks until exit; Kill is safe to
// call from another goroutine and more than once.
type Process interface {
	Wait() error
	Kill()
	ExitCode() int
	Stderr() string
}

// CommandRunner starts sandbox commands. The production runner shells
// out through os/exec; tests substitute fakes that never spawn anything.
type CommandRunner interface {
	Start(ctx context.Context, cmd Command) (Process, error)
}
