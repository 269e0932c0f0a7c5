package resources

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/crystian/incant/pkg/recon"
)

// ExecRequest is one command run inside an instance.
type ExecRequest struct {
	Command []string `yaml:"command" validate:"required,min=1"`

	// UID and GID run the command as a specific user; -1 keeps defaults.
	UID int `yaml:"uid"`
	GID int `yaml:"gid"`

	// Cwd is the working directory inside the instance.
	Cwd string `yaml:"cwd"`

	// Env is extra environment for the command.
	Env map[string]string `yaml:"env"`
}

// ExecResult is the captured outcome of an instance command.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"rc"`
}

// ExecOps runs commands inside instances.
type ExecOps interface {
	Exec(ctx context.Context, instance recon.Identity, req ExecRequest) (*ExecResult, error)
}

// ExecSpec is a guarded command: Creates and Removes skip execution when
// the named path already exists (or is already gone) inside the
// instance, making command steps idempotent.
type ExecSpec struct {
	Instance string      `yaml:"instance" validate:"required"`
	Request  ExecRequest `yaml:",inline"`

	// Creates skips the command when this path exists in the instance.
	Creates string `yaml:"creates"`

	// Removes skips the command when this path is absent.
	Removes string `yaml:"removes"`

	DryRun bool `yaml:"-"`
}

// Exec runs guarded commands inside instances.
type Exec struct {
	ops   ExecOps
	files FileOps
	scope Scope
	log   zerolog.Logger
}

func NewExec(ops ExecOps, files FileOps, scope Scope, logger zerolog.Logger) *Exec {
	return &Exec{ops: ops, files: files, scope: scope, log: componentLogger(logger, "exec")}
}

// Run executes the guarded command and reports its captured output under
// Extra ("stdout", "stderr", "rc"). A non-zero exit code is a backend
// failure carrying the result in its details.
func (e *Exec) Run(ctx context.Context, spec ExecSpec) (*Report, error) {
	if err := validate.Struct(spec); err != nil {
		return nil, specErr(err)
	}
	id := e.scope.identity(spec.Instance)

	if spec.Creates != "" {
		if exists, err := e.pathExists(ctx, id, spec.Creates); err != nil {
			return nil, err
		} else if exists {
			return &Report{Msg: "Skipped, " + spec.Creates + " exists"}, nil
		}
	}
	if spec.Removes != "" {
		if exists, err := e.pathExists(ctx, id, spec.Removes); err != nil {
			return nil, err
		} else if !exists {
			return &Report{Msg: "Skipped, " + spec.Removes + " does not exist"}, nil
		}
	}

	if spec.DryRun {
		return &Report{Changed: true, Msg: "Command would be executed"}, nil
	}

	res, err := e.ops.Exec(ctx, id, spec.Request)
	if err != nil {
		return nil, err
	}
	report := &Report{Changed: true, Msg: "Command executed"}
	report.withExtra("stdout", res.Stdout)
	report.withExtra("stderr", res.Stderr)
	report.withExtra("rc", res.ExitCode)
	if res.ExitCode != 0 {
		return report, recon.NewError(recon.KindBackendFailure, "command exited non-zero", nil).
			WithResource(id.String()).
			WithDetail("rc", res.ExitCode).
			WithDetail("stderr", res.Stderr)
	}
	return report, nil
}

func (e *Exec) pathExists(ctx context.Context, id recon.Identity, path string) (bool, error) {
	_, err := e.files.PullFile(ctx, id, path)
	if recon.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
