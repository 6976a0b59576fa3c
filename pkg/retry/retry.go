package retry

import (
	"context"
	"io"
	"log"
	"os/exec"
	"time"

	"github.com/pkg/errors"
)

// Result describes the outcome of an Execute call: how many attempts were
// made and the exit code of the last one (0 on success, -1 when the command
// could not be started at all).
type Result struct {
	AttemptsUsed int
	LastExitCode int
}

type Executor struct {
	out io.Writer
}

func NewExecutor(out io.Writer) *Executor {
	if out == nil {
		out = log.Writer()
	}

	return &Executor{out: out}
}

// Execute runs command with bounded attempts and exponential backoff:
// the delay before attempt n is initialDelay doubled n-2 times. Combined
// output of every attempt is appended to the executor's sink. A terminal
// failure is returned to the caller, never panicked.
func (e *Executor) Execute(
	ctx context.Context,
	command string,
	args []string,
	maxAttempts int,
	initialDelay time.Duration,
) (Result, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	result := Result{}
	delay := initialDelay

	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			log.Printf("retrying %s in %s (attempt %d of %d)", command, delay, attempt, maxAttempts)

			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(delay):
			}

			delay *= 2
		}

		result.AttemptsUsed = attempt

		cmd := exec.CommandContext(ctx, command, args...)
		cmd.Stdout = e.out
		cmd.Stderr = e.out
		log.Println('\n', cmd.String())

		err := cmd.Run()
		if err == nil {
			result.LastExitCode = 0

			return result, nil
		}

		lastErr = err
		result.LastExitCode = exitCode(err)
	}

	return result, errors.Wrapf(lastErr,
		"command %s failed after %d attempts (last exit code %d)",
		command, result.AttemptsUsed, result.LastExitCode,
	)
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}

	return -1
}
