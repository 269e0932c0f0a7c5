package resources

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/crystian/incant/pkg/recon"
)

// VolumeOps are the storage volume operations that fall outside the
// diff-and-apply cycle. The CLI backend implements them.
type VolumeOps interface {
	// RestoreVolume rolls the volume back to the named snapshot.
	RestoreVolume(ctx context.Context, id recon.Identity, snapshot string) error

	// CopyVolume copies or moves the volume to the destination identity.
	CopyVolume(ctx context.Context, src, dst recon.Identity, opts recon.MoveOptions) error
}

// StorageVolumeSpec is the desired state of a custom storage volume.
type StorageVolumeSpec struct {
	Pool        string `yaml:"pool" validate:"required"`
	Name        string `yaml:"name" validate:"required"`
	Description string `yaml:"description"`

	// Type is filesystem or block. Creation-time only.
	Type string `yaml:"type" validate:"omitempty,oneof=filesystem block"`

	// ContentType overrides the volume content type (iso imports).
	ContentType string `yaml:"content_type" validate:"omitempty,oneof=filesystem block iso"`

	// Config keys are merged; size is compared unit-aware.
	Config map[string]interface{} `yaml:"config"`

	// Target pins creation to a cluster member.
	Target string `yaml:"target"`

	DryRun bool `yaml:"-"`
}

func StorageVolumePolicy() recon.Policy {
	return recon.Policy{
		Kind: "storage-volume",
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

// StorageVolumes reconciles custom storage volumes. Restore and copy go
// through VolumeOps because they are not expressible as attribute
// mutations.
type StorageVolumes struct {
	conv  *recon.Converger
	ops   VolumeOps
	scope Scope
	log   zerolog.Logger
}

func NewStorageVolumes(conv *recon.Converger, ops VolumeOps, scope Scope, logger zerolog.Logger) *StorageVolumes {
	return &StorageVolumes{conv: conv, ops: ops, scope: scope, log: componentLogger(logger, "storage-volumes")}
}

func (v *StorageVolumes) Ensure(ctx context.Context, spec StorageVolumeSpec) (*Report, error) {
	if err := validate.Struct(spec); err != nil {
		return nil, specErr(err)
	}
	desired := recon.Object{
		"config": stringMapValues(spec.Config),
		"init": map[string]interface{}{
			"type":         spec.Type,
			"content_type": spec.ContentType,
			"target":       spec.Target,
		},
	}
	if spec.Description != "" {
		desired["description"] = spec.Description
	}
	id := v.scope.child(spec.Pool, spec.Name)
	res, err := v.conv.Reconcile(ctx, id, desired, StorageVolumePolicy(),
		recon.Options{DryRun: spec.DryRun})
	if err != nil {
		return nil, err
	}
	return reportFor("Storage volume", res, spec.DryRun), nil
}

func (v *StorageVolumes) Remove(ctx context.Context, pool, name string, dryRun bool) (*Report, error) {
	res, err := v.conv.Destroy(ctx, v.scope.child(pool, name), "storage-volume",
		recon.Options{DryRun: dryRun})
	if err != nil {
		return nil, err
	}
	return absentReport("Storage volume", res, dryRun), nil
}

// Restore rolls the volume back to a snapshot. Always reported changed:
// the CLI exposes no way to tell whether the current state already
// matches the snapshot.
func (v *StorageVolumes) Restore(ctx context.Context, pool, name, snapshot string, dryRun bool) (*Report, error) {
	if snapshot == "" {
		return nil, recon.NewError(recon.KindSchemaMismatch, "restore needs a snapshot name", nil)
	}
	if dryRun {
		return &Report{Changed: true, Msg: "Storage volume would be restored"}, nil
	}
	id := v.scope.child(pool, name)
	if err := v.ops.RestoreVolume(ctx, id, snapshot); err != nil {
		return nil, err
	}
	return &Report{
		Changed: true,
		Msg:     fmt.Sprintf("Storage volume restored to snapshot %s", snapshot),
	}, nil
}

// Copy copies the volume to the target pool, or moves it when move is
// set. The destination name defaults to the source name.
func (v *StorageVolumes) Copy(ctx context.Context, pool, name, targetPool, targetName string, move, dryRun bool) (*Report, error) {
	if targetPool == "" {
		return nil, recon.NewError(recon.KindSchemaMismatch, "copy needs a target pool", nil)
	}
	if targetName == "" {
		targetName = name
	}
	verb := "copied"
	if move {
		verb = "moved"
	}
	if dryRun {
		return &Report{Changed: true, Msg: "Storage volume would be " + verb}, nil
	}
	src := v.scope.child(pool, name)
	dst := v.scope.child(targetPool, targetName)
	if err := v.ops.CopyVolume(ctx, src, dst, recon.MoveOptions{Copy: !move, TargetPool: targetPool}); err != nil {
		return nil, err
	}
	return &Report{Changed: true, Msg: "Storage volume " + verb}, nil
}
