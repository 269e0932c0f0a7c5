package resources

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/crystian/incant/pkg/recon"
)

// StoragePoolSpec is the desired state of a storage pool.
type StoragePoolSpec struct {
	Name        string `yaml:"name" validate:"required"`
	Description string `yaml:"description"`

	// Driver (zfs, btrfs, dir, lvm, ceph). Creation-time only.
	Driver string `yaml:"driver"`

	// Config keys are merged. The size key is compared unit-aware.
	Config map[string]interface{} `yaml:"config"`

	Force  bool `yaml:"force"`
	DryRun bool `yaml:"-"`
}

func StoragePoolPolicy() recon.Policy {
	return recon.Policy{
		Kind: "storage-pool",
		Rules: []recon.FieldRule{
			{Field: "description", Strategy: recon.StrategyFullReplace},
			{
				Field:         "config",
				Strategy:      recon.StrategyKeyUpsert,
				UnitAwareKeys: []string{"size"},
			},
		},
	}
}

// StoragePools reconciles storage pools.
type StoragePools struct {
	conv  *recon.Converger
	scope Scope
	log   zerolog.Logger
}

func NewStoragePools(conv *recon.Converger, scope Scope, logger zerolog.Logger) *StoragePools {
	return &StoragePools{conv: conv, scope: scope, log: componentLogger(logger, "storage-pools")}
}

func (s *StoragePools) Ensure(ctx context.Context, spec StoragePoolSpec) (*Report, error) {
	if err := validate.Struct(spec); err != nil {
		return nil, specErr(err)
	}
	desired := recon.Object{
		"config": stringMapValues(spec.Config),
		"init": map[string]interface{}{
			"driver": spec.Driver,
		},
	}
	if spec.Description != "" {
		desired["description"] = spec.Description
	}
	res, err := s.conv.Reconcile(ctx, s.scope.identity(spec.Name), desired, StoragePoolPolicy(),
		recon.Options{Force: spec.Force, DryRun: spec.DryRun})
	if err != nil {
		return nil, err
	}
	return reportFor("Storage pool", res, spec.DryRun), nil
}

// Remove deletes the pool. Pools holding volumes or instance roots are
// rejected unless force is set.
func (s *StoragePools) Remove(ctx context.Context, name string, force, dryRun bool) (*Report, error) {
	res, err := s.conv.Destroy(ctx, s.scope.identity(name), "storage-pool",
		recon.Options{Force: force, DryRun: dryRun})
	if err != nil {
		return nil, err
	}
	return absentReport("Storage pool", res, dryRun), nil
}
