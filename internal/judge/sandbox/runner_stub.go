//go:build !linux

package sandbox

import (
	"context"
	"fmt"
)

type stubRunner struct{}

func NewExecRunner() CommandRunner {
	return stubRunner{}
}

func (stubRunner) Start(ctx context.Context, cmd Command) (Process, error) {
	return nil, fmt.Errorf("sandbox runner is only supported on linux")
}
