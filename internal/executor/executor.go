// Package executor runs external commands with captured output and a
// hard timeout. A timeout is a first-class outcome, not an error.
package executor

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"

	"github.com/rs/zerolog/log"
)

// Command describes a single process invocation.
type Command struct {
	Name    string
	Args    []string
	Dir     string
	Timeout time.Duration
}

// Result captures what the process did.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	WallTime time.Duration
	TimedOut bool
}

// Runner executes commands. The loop's components depend on this
// interface so tests can substitute a fake.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// Local runs commands on the local host.
type Local struct {
	// DefaultTimeout applies when a Command carries none.
	DefaultTimeout time.Duration
}

// Run executes the command, capturing stdout/stderr separately. The
// returned error is non-nil only for failures to start the process;
// non-zero exits and timeouts are reported through the Result.
func (l Local) Run(ctx context.Context, cmd Command) (Result, error) {
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = l.DefaultTimeout
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log.Debug().Str("dir", cmd.Dir).Str("cmd", cmd.Name).Strs("args", cmd.Args).Msg("running command")

	var stdout, stderr bytes.Buffer
	proc := exec.CommandContext(runCtx, cmd.Name, cmd.Args...)
	proc.Dir = cmd.Dir
	proc.Stdout = &stdout
	proc.Stderr = &stderr

	start := time.Now()
	err := proc.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		WallTime: time.Since(start),
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		res.ExitCode = -1
		log.Warn().Str("cmd", cmd.Name).Dur("timeout", timeout).Msg("command timed out")
		return res, nil
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.ExitCode = 0
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return res, err
	}
	return res, nil
}
