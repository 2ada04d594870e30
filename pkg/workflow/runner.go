// Package workflow executes event-triggered workflow runs: the step runner that
// spawns commands, the tracker that records run state, and the orchestrator
// that sequences steps for each run.
package workflow

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"sync"
	"time"

	"github.com/dukex/repokeeper/pkg/models"
)

const (
	// DefaultGracePeriod is how long a cancelled step may run after SIGTERM before it is killed.
	DefaultGracePeriod = 5 * time.Second

	// DefaultOutputLimit caps the captured combined output of one step.
	DefaultOutputLimit = 1 << 20
)

// ErrRunCancelled is the cancellation cause used when a run is cancelled on request.
var ErrRunCancelled = errors.New("run cancelled")

// StepRunner executes one step. Implementations never return an error: every
// failure mode (spawn error, non-zero exit, timeout, cancellation) is reported
// in the returned StepResult. Cancelling ctx must interrupt the step.
type StepRunner interface {
	Run(ctx context.Context, step models.Step, workDir string) models.StepResult
}

// ShellRunner runs step commands through the platform shell with a trusted command string.
// Commands must only come from registered workflow definitions, never from event payloads.
type ShellRunner struct {
	// DefaultTimeout applies to steps without their own timeout. Zero means unlimited.
	DefaultTimeout time.Duration
	// GracePeriod is the delay between the polite and the forced termination of a cancelled step.
	GracePeriod time.Duration
	// OutputLimit caps captured output in bytes; later output is discarded.
	OutputLimit int
}

// NewShellRunner creates a runner with the default grace period and output limit.
func NewShellRunner(defaultTimeout time.Duration) *ShellRunner {
	return &ShellRunner{
		DefaultTimeout: defaultTimeout,
		GracePeriod:    DefaultGracePeriod,
		OutputLimit:    DefaultOutputLimit,
	}
}

func (r *ShellRunner) Run(ctx context.Context, step models.Step, workDir string) models.StepResult {
	result := models.StepResult{StepName: step.Name}

	timeout := step.Timeout()
	if timeout == 0 {
		timeout = r.DefaultTimeout
	}

	var (
		stepCtx context.Context
		cancel  context.CancelFunc
	)

	if timeout > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		stepCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	output := &cappedBuffer{limit: r.OutputLimit}

	cmd := shellCommand(stepCtx, step.Command)
	cmd.Dir = workDir
	cmd.Stdout = output
	cmd.Stderr = output

	group := configureProcessGroup(stepCtx, cmd, r.gracePeriod())

	started := time.Now()
	err := cmd.Start()
	if err != nil {
		result.Outcome = models.StepOutcomeFailed
		result.Error = "failed to start command: " + err.Error()

		return result
	}

	err = cmd.Wait()
	group.release()

	result.Duration = time.Since(started)
	result.Output = output.String()

	switch {
	case ctx.Err() != nil:
		// The run itself was cancelled while the step was executing.
		result.Outcome = models.StepOutcomeFailed
		result.Error = "interrupted: " + context.Cause(ctx).Error()
		setExitCode(&result, err)
	case errors.Is(stepCtx.Err(), context.DeadlineExceeded):
		result.Outcome = models.StepOutcomeTimeout
		result.Error = "timed out after " + timeout.String()
	case err == nil:
		result.Outcome = models.StepOutcomeSucceeded
		code := 0
		result.ExitCode = &code
	default:
		result.Outcome = models.StepOutcomeFailed
		if !setExitCode(&result, err) {
			result.Error = err.Error()
		}
	}

	return result
}

func (r *ShellRunner) gracePeriod() time.Duration {
	if r.GracePeriod <= 0 {
		return DefaultGracePeriod
	}

	return r.GracePeriod
}

func setExitCode(result *models.StepResult, err error) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}

	code := exitErr.ExitCode()
	if code < 0 {
		// Killed by a signal; there is no exit status.
		return false
	}

	result.ExitCode = &code

	return true
}

// cappedBuffer keeps the first limit bytes written to it.
// exec serializes writes when Stdout and Stderr share one writer, the mutex covers String.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.limit <= 0 {
		return b.buf.Write(p)
	}

	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = true

		return len(p), nil
	}

	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true

		return len(p), nil
	}

	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}

	return b.buf.String()
}
