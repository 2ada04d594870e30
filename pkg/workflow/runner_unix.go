//go:build !windows

package workflow

import (
	"context"
	"errors"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

func shellCommand(ctx context.Context, command string) *exec.Cmd {
	return exec.CommandContext(ctx, "/bin/sh", "-c", command)
}

// processGroup terminates a step and every process it spawned.
type processGroup struct {
	mu   sync.Mutex
	cmd  *exec.Cmd
	kill *time.Timer
	done bool
}

// configureProcessGroup puts the command in its own process group. On timeout
// the group is killed at once; on cancellation it gets SIGTERM and, after grace,
// SIGKILL.
func configureProcessGroup(ctx context.Context, cmd *exec.Cmd, grace time.Duration) *processGroup {
	group := &processGroup{cmd: cmd}

	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = grace + time.Second
	cmd.Cancel = func() error {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return group.signal(syscall.SIGKILL)
		}

		err := group.signal(syscall.SIGTERM)

		group.mu.Lock()
		if !group.done {
			group.kill = time.AfterFunc(grace, func() { _ = group.signal(syscall.SIGKILL) })
		}
		group.mu.Unlock()

		return err
	}

	return group
}

func (g *processGroup) signal(sig syscall.Signal) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.done || g.cmd.Process == nil {
		return nil
	}

	err := syscall.Kill(-g.cmd.Process.Pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}

	return err
}

// release stops any pending kill once Wait has returned, so a recycled pid is never signalled.
func (g *processGroup) release() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.done = true

	if g.kill != nil {
		g.kill.Stop()
	}
}
