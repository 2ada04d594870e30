//go:build windows

package workflow

import (
	"context"
	"os/exec"
	"time"
)

func shellCommand(ctx context.Context, command string) *exec.Cmd {
	return exec.CommandContext(ctx, "cmd", "/C", command)
}

// processGroup is a no-op on Windows; exec kills the direct child only.
type processGroup struct{}

func configureProcessGroup(_ context.Context, cmd *exec.Cmd, grace time.Duration) *processGroup {
	cmd.WaitDelay = grace

	return &processGroup{}
}

func (g *processGroup) release() {}
