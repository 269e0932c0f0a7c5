package resources

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/crystian/incant/pkg/recon"
)

// ProfileSpec is the desired state of an Incus profile.
type ProfileSpec struct {
	Name        string `yaml:"name" validate:"required"`
	Description string `yaml:"description"`

	// Config keys are merged: extra observed keys survive.
	Config map[string]interface{} `yaml:"config"`

	// Devices are merged by name: extra observed devices survive. This
	// differs from instances, where the device map is declarative.
	Devices map[string]map[string]string `yaml:"devices"`

	// RenameFrom renames an existing profile before reconciling its
	// attributes.
	RenameFrom string `yaml:"rename_from"`

	Force  bool `yaml:"force"`
	DryRun bool `yaml:"-"`
}

// ProfilePolicy reconciles profile config and devices additively and the
// description declaratively.
func ProfilePolicy() recon.Policy {
	return recon.Policy{
		Kind: "profile",
		Rules: []recon.FieldRule{
			{Field: "description", Strategy: recon.StrategyFullReplace},
			{Field: "config", Strategy: recon.StrategyKeyUpsert},
			{Field: "devices", Strategy: recon.StrategyKeyUpsert},
		},
	}
}

// Profiles reconciles Incus profiles.
type Profiles struct {
	conv  *recon.Converger
	scope Scope
	log   zerolog.Logger
}

func NewProfiles(conv *recon.Converger, scope Scope, logger zerolog.Logger) *Profiles {
	return &Profiles{conv: conv, scope: scope, log: componentLogger(logger, "profiles")}
}

// Ensure converges the profile onto spec, creating it when missing.
func (p *Profiles) Ensure(ctx context.Context, spec ProfileSpec) (*Report, error) {
	if err := validate.Struct(spec); err != nil {
		return nil, specErr(err)
	}
	desired := recon.Object{
		"config":  stringMapValues(spec.Config),
		"devices": spec.Devices,
	}
	if spec.Description != "" {
		desired["description"] = spec.Description
	}
	res, err := p.conv.Reconcile(ctx, p.scope.identity(spec.Name), desired, ProfilePolicy(),
		recon.Options{RenameFrom: spec.RenameFrom, Force: spec.Force, DryRun: spec.DryRun})
	if err != nil {
		return nil, err
	}
	return reportFor("Profile", res, spec.DryRun), nil
}

// Remove deletes the profile. A missing profile is reported unchanged;
// force removes the profile even when instances still reference it.
func (p *Profiles) Remove(ctx context.Context, name string, force, dryRun bool) (*Report, error) {
	res, err := p.conv.Destroy(ctx, p.scope.identity(name), "profile",
		recon.Options{Force: force, DryRun: dryRun})
	if err != nil {
		return nil, err
	}
	return absentReport("Profile", res, dryRun), nil
}
