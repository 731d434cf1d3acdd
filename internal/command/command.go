// Package command executes remote command documents on the node.
package command

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"time"

	"github.com/CZERTAINLY/Tender/internal/model"
)

// DefaultTimeout bounds a command so a hanging program cannot block the
// change feed forever.
const DefaultTimeout = 10 * time.Minute

// Output of a finished command. A non zero exit status is not an error, the
// caller sees it through Stderr and ExitCode like an operator on a shell.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Started  time.Time
	Stopped  time.Time
}

// Run executes argv and collects its output. err is non nil only when the
// program could not be executed at all or timed out.
func Run(ctx context.Context, argv []string, timeout time.Duration) (Output, error) {
	if len(argv) == 0 {
		return Output{}, model.ErrNoCommand
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	out := Output{Started: time.Now().UTC()}
	err := cmd.Run()
	out.Stopped = time.Now().UTC()
	out.Stdout = stdout.String()
	out.Stderr = stderr.String()
	if cmd.ProcessState != nil {
		out.ExitCode = cmd.ProcessState.ExitCode()
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return out, ctx.Err()
	case errors.As(err, &exitErr):
		err = nil
	default:
		return out, err
	}

	slog.DebugContext(ctx, "command finished",
		"path", argv[0],
		"exit_code", out.ExitCode,
		"elapsed", out.Stopped.Sub(out.Started))
	return out, nil
}

// Execute runs the command stored in doc and records the result on it as
// ret=[stdout, stderr], or ret=[null, error] when it could not run.
func Execute(ctx context.Context, doc model.Doc, timeout time.Duration) {
	argv, err := doc.Command()
	if err != nil {
		doc.SetResult("", "", err)
		return
	}
	out, err := Run(ctx, argv, timeout)
	doc.SetResult(out.Stdout, out.Stderr, err)
}
