// Package command wraps external process execution behind a Runner
// interface so modules can be tested without spawning real processes.
package command

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// Result holds the outcome of one external command.
type Result struct {
	// Stdout is the captured standard output.
	Stdout string
	// Stderr is the captured standard error.
	Stderr string
	// ExitCode is the process exit status. -1 means the process never
	// produced one (not found, cancelled before completion).
	ExitCode int
	// Error records a failure to run the command itself. A non-zero exit
	// code alone does not set it apart from the underlying ExitError.
	Error error
}

// Runner executes external commands.
type Runner interface {
	// Run executes command with args. workingDir, when non-empty, sets the
	// process working directory. environment entries (KEY=VALUE) are
	// appended to the parent process environment. Cancellation of ctx
	// kills the process.
	Run(ctx context.Context, command string, args []string, workingDir string, environment []string) (*Result, error)

	// LookPath reports whether command resolves to an executable, without
	// running it.
	LookPath(command string) error
}

type defaultRunner struct{}

// NewRunner creates the os/exec backed Runner.
func NewRunner() Runner {
	return &defaultRunner{}
}

func (r *defaultRunner) LookPath(command string) error {
	_, err := exec.LookPath(command)
	return err
}

func (r *defaultRunner) Run(ctx context.Context, command string, args []string, workingDir string, environment []string) (*Result, error) {
	cmd := exec.CommandContext(ctx, command, args...)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	if workingDir != "" {
		cmd.Dir = workingDir
	}

	if len(environment) > 0 {
		cmd.Env = append(os.Environ(), environment...)
	}

	result := &Result{
		ExitCode: -1,
	}

	err := cmd.Run()

	result.Stdout = stdoutBuf.String()
	result.Stderr = stderrBuf.String()

	if err != nil {
		if ctx.Err() != nil {
			result.Error = ctx.Err()
			return result, ctx.Err()
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				result.ExitCode = status.ExitStatus()
			}
			// The process ran to completion; a non-zero exit code is the
			// caller's to interpret, so no error is returned here.
			result.Error = err
			return result, nil
		}

		result.Error = err
		return result, err
	}

	result.ExitCode = 0
	return result, nil
}
