package resources

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/crystian/incant/pkg/recon"
)

// SnapshotOps are the snapshot operations outside the diff-and-apply
// cycle.
type SnapshotOps interface {
	// RestoreSnapshot rolls the instance back to the named snapshot.
	RestoreSnapshot(ctx context.Context, instance recon.Identity, snapshot string, stateful bool) error
}

// SnapshotSpec is the desired state of an instance snapshot.
type SnapshotSpec struct {
	Instance string `yaml:"instance" validate:"required"`
	Name     string `yaml:"name" validate:"required"`

	// Expires sets the expiry timestamp (RFC 3339 or a relative duration
	// the server accepts).
	Expires string `yaml:"expires"`

	// Stateful includes the runtime state in the snapshot.
	Stateful bool `yaml:"stateful"`

	// Reuse deletes and recreates an existing snapshot of the same name.
	// Without it an existing snapshot is left untouched.
	Reuse bool `yaml:"reuse"`

	// RenameFrom renames an existing snapshot to Name instead of taking a
	// new one.
	RenameFrom string `yaml:"rename_from"`

	// Restore rolls the instance back to the snapshot instead of ensuring
	// the snapshot exists.
	Restore bool `yaml:"restore"`

	DryRun bool `yaml:"-"`
}

// SnapshotPolicy covers the only mutable snapshot attribute. Everything
// else about a snapshot is immutable after creation; changing it means
// reuse.
func SnapshotPolicy() recon.Policy {
	return recon.Policy{
		Kind: "snapshot",
		Rules: []recon.FieldRule{
			{Field: "expires_at", Strategy: recon.StrategyFullReplace},
		},
	}
}

// Snapshots manages instance snapshots.
type Snapshots struct {
	conv  *recon.Converger
	ops   SnapshotOps
	scope Scope
	log   zerolog.Logger
}

func NewSnapshots(conv *recon.Converger, ops SnapshotOps, scope Scope, logger zerolog.Logger) *Snapshots {
	return &Snapshots{conv: conv, ops: ops, scope: scope, log: componentLogger(logger, "snapshots")}
}

// Ensure creates the snapshot when missing. With Reuse an existing
// snapshot is deleted and retaken; the pair is one change.
func (s *Snapshots) Ensure(ctx context.Context, spec SnapshotSpec) (*Report, error) {
	if err := validate.Struct(spec); err != nil {
		return nil, specErr(err)
	}
	desired := recon.Object{
		"init": map[string]interface{}{
			"stateful": spec.Stateful,
		},
	}
	if spec.Expires != "" {
		desired["expires_at"] = spec.Expires
	}
	id := s.scope.child(spec.Instance, spec.Name)
	res, err := s.conv.Reconcile(ctx, id, desired, SnapshotPolicy(),
		recon.Options{Reuse: spec.Reuse, DryRun: spec.DryRun})
	if err != nil {
		return nil, err
	}
	return reportFor("Snapshot", res, spec.DryRun), nil
}

// Remove deletes the snapshot. A missing snapshot is unchanged.
func (s *Snapshots) Remove(ctx context.Context, instance, name string, dryRun bool) (*Report, error) {
	res, err := s.conv.Destroy(ctx, s.scope.child(instance, name), "snapshot",
		recon.Options{DryRun: dryRun})
	if err != nil {
		return nil, err
	}
	return absentReport("Snapshot", res, dryRun), nil
}

// Rename renames an existing snapshot. Renaming a source that no longer
// exists is a no-op when the destination is already there.
func (s *Snapshots) Rename(ctx context.Context, instance, from, to string, dryRun bool) (*Report, error) {
	id := s.scope.child(instance, to)
	res, err := s.conv.Reconcile(ctx, id, recon.Object{}, SnapshotPolicy(),
		recon.Options{RenameFrom: from, DryRun: dryRun, NoCreate: true})
	if err != nil {
		return nil, err
	}
	return reportFor("Snapshot", res, dryRun), nil
}

// Restore rolls the instance back to the snapshot. Always reported
// changed; the server keeps no marker of the last restored snapshot.
func (s *Snapshots) Restore(ctx context.Context, instance, name string, stateful, dryRun bool) (*Report, error) {
	if dryRun {
		return &Report{Changed: true, Msg: "Instance would be restored"}, nil
	}
	if err := s.ops.RestoreSnapshot(ctx, s.scope.identity(instance), name, stateful); err != nil {
		return nil, err
	}
	return &Report{
		Changed: true,
		Msg:     fmt.Sprintf("Instance restored to snapshot %s", name),
	}, nil
}
