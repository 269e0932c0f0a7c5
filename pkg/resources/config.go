package resources

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/crystian/incant/pkg/recon"
)

// ConfigSpec edits the config keys and devices of an existing instance
// without governing the rest of it.
type ConfigSpec struct {
	Instance string `yaml:"instance" validate:"required"`

	// Config keys to set (present) or remove (absent). In the absent
	// state values are ignored; only key presence matters.
	Config map[string]interface{} `yaml:"config"`

	// Devices to add or update (present) or remove (absent).
	Devices map[string]map[string]string `yaml:"devices"`

	// Absent removes the named keys and devices instead of setting them.
	Absent bool `yaml:"absent"`

	DryRun bool `yaml:"-"`
}

// ConfigPolicy merges config and devices onto an existing instance.
func ConfigPolicy() recon.Policy {
	return recon.Policy{
		Kind: "config",
		Rules: []recon.FieldRule{
			{Field: "config", Strategy: recon.StrategyKeyUpsert},
			{Field: "devices", Strategy: recon.StrategyKeyUpsert},
		},
	}
}

// ConfigRemovePolicy interprets the same desired groups as removal key
// sets. Values are ignored; removing an already-absent key is a no-op.
func ConfigRemovePolicy() recon.Policy {
	return recon.Policy{
		Kind: "config",
		Rules: []recon.FieldRule{
			{Field: "config", Strategy: recon.StrategyKeyRemoveSubset},
			{Field: "devices", Strategy: recon.StrategyKeyRemoveSubset},
		},
	}
}

// InstanceConfig edits config keys and devices of existing instances.
// Unlike Instances it never creates or deletes the instance itself; a
// missing instance is an error.
type InstanceConfig struct {
	conv  *recon.Converger
	scope Scope
	log   zerolog.Logger
}

func NewInstanceConfig(conv *recon.Converger, scope Scope, logger zerolog.Logger) *InstanceConfig {
	return &InstanceConfig{conv: conv, scope: scope, log: componentLogger(logger, "instance-config")}
}

// Apply sets or removes the spec's keys and devices on the instance.
func (c *InstanceConfig) Apply(ctx context.Context, spec ConfigSpec) (*Report, error) {
	if err := validate.Struct(spec); err != nil {
		return nil, specErr(err)
	}
	desired := recon.Object{}
	if spec.Config != nil {
		desired["config"] = stringMapValues(spec.Config)
	}
	if spec.Devices != nil {
		desired["devices"] = spec.Devices
	}
	policy := ConfigPolicy()
	if spec.Absent {
		policy = ConfigRemovePolicy()
	}

	res, err := c.conv.Reconcile(ctx, c.scope.identity(spec.Instance), desired, policy,
		recon.Options{DryRun: spec.DryRun, NoCreate: true})
	if err != nil {
		return nil, err
	}
	report := reportFor("Instance configuration", res, spec.DryRun)
	if spec.Absent && res.Changed {
		if spec.DryRun {
			report.Msg = "Instance configuration keys would be removed"
		} else {
			report.Msg = "Instance configuration keys removed"
		}
	}
	return report, nil
}
