package gitsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// Result is the outcome of a git invocation that ran to completion.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// OK reports whether the command exited zero.
func (r Result) OK() bool { return r.ExitCode == 0 }

// Runner executes git subcommands. A non-zero exit is reported through
// Result.ExitCode with a nil error; the error is reserved for commands that
// could not run or were cut off by the context (ErrTimeout).
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) (Result, error)
}

// ExecRunner runs the git binary found in PATH.
type ExecRunner struct {
	// Binary overrides the git executable, defaults to "git".
	Binary string
}

func (r ExecRunner) Run(ctx context.Context, dir string, args ...string) (Result, error) {
	bin := r.Binary
	if bin == "" {
		bin = "git"
	}

	var stdout, stderr bytes.Buffer
	command := exec.CommandContext(ctx, bin, args...)
	command.Dir = dir
	command.Stdout = &stdout
	command.Stderr = &stderr
	// Never block on a credential prompt inside the sandbox.
	command.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	err := command.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		res.ExitCode = -1
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return res, ErrTimeout
		}
		return res, fmt.Errorf("gitsync.ExecRunner.Run: %w", ctxErr)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}

	res.ExitCode = -1
	return res, fmt.Errorf("gitsync.ExecRunner.Run: %w", err)
}
