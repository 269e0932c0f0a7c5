package resources

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/crystian/incant/pkg/recon"
)

// NetworkSpec is the desired state of an Incus managed network.
type NetworkSpec struct {
	Name        string `yaml:"name" validate:"required"`
	Description string `yaml:"description"`

	// Type is the network type (bridge, ovn, macvlan, ...). Creation-time
	// only: type changes require delete and recreate.
	Type string `yaml:"type"`

	Config map[string]interface{} `yaml:"config"`

	// Target pins creation to a cluster member.
	Target string `yaml:"target"`

	Force  bool `yaml:"force"`
	DryRun bool `yaml:"-"`
}

func NetworkPolicy() recon.Policy {
	return recon.Policy{
		Kind: "network",
		Rules: []recon.FieldRule{
			{Field: "description", Strategy: recon.StrategyFullReplace},
			// Null config values request an explicit unset; their keys are
			// carried in a separate removal group.
			{Field: "config", From: "config_unset", Strategy: recon.StrategyKeyRemoveSubset},
			{Field: "config", Strategy: recon.StrategyKeyUpsert},
		},
	}
}

// Networks reconciles Incus managed networks.
type Networks struct {
	conv  *recon.Converger
	scope Scope
	log   zerolog.Logger
}

func NewNetworks(conv *recon.Converger, scope Scope, logger zerolog.Logger) *Networks {
	return &Networks{conv: conv, scope: scope, log: componentLogger(logger, "networks")}
}

func (n *Networks) Ensure(ctx context.Context, spec NetworkSpec) (*Report, error) {
	if err := validate.Struct(spec); err != nil {
		return nil, specErr(err)
	}
	netType := spec.Type
	if netType == "" {
		netType = "bridge"
	}
	config, unset := splitNullKeys(spec.Config)
	desired := recon.Object{
		"config": config,
		"init": map[string]interface{}{
			"type":   netType,
			"target": spec.Target,
		},
	}
	if len(unset) > 0 {
		desired["config_unset"] = unset
	}
	if spec.Description != "" {
		desired["description"] = spec.Description
	}
	res, err := n.conv.Reconcile(ctx, n.scope.identity(spec.Name), desired, NetworkPolicy(),
		recon.Options{Force: spec.Force, DryRun: spec.DryRun})
	if err != nil {
		return nil, err
	}
	return reportFor("Network", res, spec.DryRun), nil
}

// Remove deletes the network. Networks still used by instance or profile
// devices are rejected unless force is set.
func (n *Networks) Remove(ctx context.Context, name string, force, dryRun bool) (*Report, error) {
	res, err := n.conv.Destroy(ctx, n.scope.identity(name), "network",
		recon.Options{Force: force, DryRun: dryRun})
	if err != nil {
		return nil, err
	}
	return absentReport("Network", res, dryRun), nil
}
