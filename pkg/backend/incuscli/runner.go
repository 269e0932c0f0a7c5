// Package incuscli implements the resource backend on top of the incus
// command line client. Attribute groups that have first-class CLI verbs
// (config keys, devices, profile membership) use them; whole-document
// groups (description, ACL rules, forward ports) go through incus query
// with a JSON PATCH body.
package incuscli

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/crystian/incant/pkg/recon"
)

// Runner executes one incus CLI invocation. Implemented locally over
// os/exec and remotely over SSH.
type Runner interface {
	Run(ctx context.Context, args []string, stdin []byte) (stdout, stderr string, exitCode int, err error)
}

// FileStager is implemented by runners that execute on a remote host
// and can stage a local file there before an invocation references it
// by path. The local runner does not need it.
type FileStager interface {
	StageFile(ctx context.Context, localPath string) (remotePath string, cleanup func(), err error)
}

// LocalRunner runs the incus binary on the local host.
type LocalRunner struct {
	// Binary is the incus executable path. Empty means "incus" on PATH.
	Binary string

	// Timeout bounds each invocation. Zero means no bound beyond the
	// caller's context.
	Timeout time.Duration

	log zerolog.Logger
}

func NewLocalRunner(binary string, timeout time.Duration, logger zerolog.Logger) *LocalRunner {
	if binary == "" {
		binary = "incus"
	}
	return &LocalRunner{
		Binary:  binary,
		Timeout: timeout,
		log:     logger.With().Str("component", "incus-runner").Logger(),
	}
}

func (r *LocalRunner) Run(ctx context.Context, args []string, stdin []byte) (string, string, int, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, r.Binary, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
			err = nil
		}
	}

	r.log.Debug().
		Strs("args", args).
		Int("exit_code", code).
		Dur("duration", time.Since(start)).
		Msg("incus invocation finished")

	if ctxErr := ctx.Err(); ctxErr != nil {
		return stdout.String(), stderr.String(), code,
			recon.NewError(recon.KindBackendTimeout, "incus invocation timed out", ctxErr).
				WithOperation(strings.Join(args, " "))
	}
	if err != nil {
		return stdout.String(), stderr.String(), code,
			recon.NewError(recon.KindBackendFailure, "incus invocation failed", err).
				WithOperation(strings.Join(args, " "))
	}
	return stdout.String(), stderr.String(), code, nil
}

// classify maps a non-zero CLI exit to the engine's error taxonomy based
// on the server's message.
func classify(args []string, stderr string, code int) error {
	msg := strings.ToLower(stderr)
	op := strings.Join(args, " ")
	switch {
	case strings.Contains(msg, "not found") || strings.Contains(msg, "no such file"):
		return recon.NewError(recon.KindNotFound, strings.TrimSpace(stderr), nil).WithOperation(op)
	case strings.Contains(msg, "already exists"):
		return recon.NewError(recon.KindIdentityConflict, strings.TrimSpace(stderr), nil).WithOperation(op)
	case strings.Contains(msg, "in use") || strings.Contains(msg, "currently has") ||
		strings.Contains(msg, "is used by") || strings.Contains(msg, "not empty"):
		return recon.NewError(recon.KindReferentialConflict, strings.TrimSpace(stderr), nil).WithOperation(op)
	default:
		return recon.NewError(recon.KindBackendFailure, strings.TrimSpace(stderr), nil).
			WithOperation(op).WithDetail("exit_code", code)
	}
}

// run executes args and classifies failures.
func run(ctx context.Context, r Runner, args []string, stdin []byte) (string, error) {
	stdout, stderr, code, err := r.Run(ctx, args, stdin)
	if err != nil {
		return stdout, err
	}
	if code != 0 {
		return stdout, classify(args, stderr, code)
	}
	return stdout, nil
}
