package resources

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/crystian/incant/pkg/recon"
)

// ProjectSpec is the desired state of an Incus project.
type ProjectSpec struct {
	Name        string                 `yaml:"name" validate:"required"`
	Description string                 `yaml:"description"`
	Config      map[string]interface{} `yaml:"config"`

	RenameFrom string `yaml:"rename_from"`
	Force      bool   `yaml:"force"`
	DryRun     bool   `yaml:"-"`
}

func ProjectPolicy() recon.Policy {
	return recon.Policy{
		Kind: "project",
		Rules: []recon.FieldRule{
			{Field: "description", Strategy: recon.StrategyFullReplace},
			{Field: "config", Strategy: recon.StrategyKeyUpsert},
		},
	}
}

// Projects reconciles Incus projects. Projects have no project scope of
// their own; the controller's scope project is ignored.
type Projects struct {
	conv  *recon.Converger
	scope Scope
	log   zerolog.Logger
}

func NewProjects(conv *recon.Converger, scope Scope, logger zerolog.Logger) *Projects {
	return &Projects{conv: conv, scope: scope, log: componentLogger(logger, "projects")}
}

func (p *Projects) identity(name string) recon.Identity {
	return recon.Identity{Remote: p.scope.Remote, Name: name}
}

func (p *Projects) Ensure(ctx context.Context, spec ProjectSpec) (*Report, error) {
	if err := validate.Struct(spec); err != nil {
		return nil, specErr(err)
	}
	desired := recon.Object{"config": stringMapValues(spec.Config)}
	if spec.Description != "" {
		desired["description"] = spec.Description
	}
	res, err := p.conv.Reconcile(ctx, p.identity(spec.Name), desired, ProjectPolicy(),
		recon.Options{RenameFrom: spec.RenameFrom, Force: spec.Force, DryRun: spec.DryRun})
	if err != nil {
		return nil, err
	}
	return reportFor("Project", res, spec.DryRun), nil
}

// Remove deletes the project. Non-empty projects are rejected unless
// force is set.
func (p *Projects) Remove(ctx context.Context, name string, force, dryRun bool) (*Report, error) {
	res, err := p.conv.Destroy(ctx, p.identity(name), "project",
		recon.Options{Force: force, DryRun: dryRun})
	if err != nil {
		return nil, err
	}
	return absentReport("Project", res, dryRun), nil
}
