package resources

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/crystian/incant/pkg/recon"
)

// NetworkZoneSpec is the desired state of a DNS network zone.
type NetworkZoneSpec struct {
	Name        string                 `yaml:"name" validate:"required"`
	Description string                 `yaml:"description"`
	Config      map[string]interface{} `yaml:"config"`

	DryRun bool `yaml:"-"`
}

func NetworkZonePolicy() recon.Policy {
	return recon.Policy{
		Kind: "network-zone",
		Rules: []recon.FieldRule{
			{Field: "description", Strategy: recon.StrategyFullReplace},
			{Field: "config", Strategy: recon.StrategyKeyUpsert},
		},
	}
}

type NetworkZones struct {
	conv  *recon.Converger
	scope Scope
	log   zerolog.Logger
}

func NewNetworkZones(conv *recon.Converger, scope Scope, logger zerolog.Logger) *NetworkZones {
	return &NetworkZones{conv: conv, scope: scope, log: componentLogger(logger, "network-zones")}
}

func (z *NetworkZones) Ensure(ctx context.Context, spec NetworkZoneSpec) (*Report, error) {
	if err := validate.Struct(spec); err != nil {
		return nil, specErr(err)
	}
	desired := recon.Object{"config": stringMapValues(spec.Config)}
	if spec.Description != "" {
		desired["description"] = spec.Description
	}
	res, err := z.conv.Reconcile(ctx, z.scope.identity(spec.Name), desired, NetworkZonePolicy(),
		recon.Options{DryRun: spec.DryRun})
	if err != nil {
		return nil, err
	}
	return reportFor("Network zone", res, spec.DryRun), nil
}

func (z *NetworkZones) Remove(ctx context.Context, name string, dryRun bool) (*Report, error) {
	res, err := z.conv.Destroy(ctx, z.scope.identity(name), "network-zone",
		recon.Options{DryRun: dryRun})
	if err != nil {
		return nil, err
	}
	return absentReport("Network zone", res, dryRun), nil
}
