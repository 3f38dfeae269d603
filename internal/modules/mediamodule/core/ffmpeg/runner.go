// Package ffmpeg wraps the ffprobe and ffmpeg executables behind narrow
// probe and encode operations. Every process runs under a bounded timeout
// and is killed when it expires.
package ffmpeg

import (
	"context"
	"errors"
	"os/exec"
	"time"
)

// CommandRunner interface for command execution (enables mocking in tests)
type CommandRunner interface {
	// Run executes cmd and returns its stdout. A non-zero exit is reported
	// as a *ProcessError.
	Run(ctx context.Context, cmd string, args ...string) ([]byte, error)
}

// ProcessError describes a process that ran but did not succeed
type ProcessError struct {
	ExitCode int
	Stderr   []byte
	Err      error
}

func (e *ProcessError) Error() string {
	return e.Err.Error()
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

// DefaultCommandRunner implements CommandRunner using os/exec
type DefaultCommandRunner struct{}

// Run executes a command using os/exec. The process is killed when ctx is done.
func (r *DefaultCommandRunner) Run(ctx context.Context, cmd string, args ...string) ([]byte, error) {
	command := exec.CommandContext(ctx, cmd, args...)
	out, err := command.Output()
	if err == nil {
		return out, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return out, &ProcessError{ExitCode: exitErr.ExitCode(), Stderr: exitErr.Stderr, Err: err}
	}
	return out, err
}

// Config holds executable locations and limits
type Config struct {
	FFmpegPath  string
	FFprobePath string
	// Timeout bounds every single process invocation
	Timeout time.Duration
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		FFmpegPath:  "ffmpeg",
		FFprobePath: "ffprobe",
		Timeout:     10 * time.Minute,
	}
}

// result is the outcome of one bounded process run
type result struct {
	stdout   []byte
	stderr   []byte
	exitCode int
	timedOut bool
	err      error
}

// runBounded executes bin under timeout and classifies the failure
func runBounded(ctx context.Context, runner CommandRunner, timeout time.Duration, bin string, args []string) result {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	out, err := runner.Run(ctx, bin, args...)
	res := result{stdout: out, err: err}
	if err == nil {
		return res
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.timedOut = true
		res.exitCode = -1
		return res
	}

	var procErr *ProcessError
	if errors.As(err, &procErr) {
		res.exitCode = procErr.ExitCode
		res.stderr = procErr.Stderr
	} else {
		// the binary could not be started at all
		res.exitCode = -1
	}
	return res
}
