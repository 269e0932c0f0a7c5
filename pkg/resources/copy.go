package resources

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/crystian/incant/pkg/recon"
)

// InstanceCopyOptions tune an instance copy or migration.
type InstanceCopyOptions struct {
	// Move migrates instead of copying; the source is removed.
	Move bool `yaml:"move"`

	// Mode is the transfer mode for cross-server copies: pull, push or
	// relay.
	Mode string `yaml:"mode"`

	// InstanceOnly skips snapshots.
	InstanceOnly bool `yaml:"instance_only"`

	// Storage overrides the destination storage pool.
	Storage string `yaml:"storage"`

	// Profiles overrides the destination's applied profiles.
	Profiles   []string `yaml:"profiles"`
	NoProfiles bool     `yaml:"no_profiles"`

	// Ephemeral makes the copy ephemeral.
	Ephemeral bool `yaml:"ephemeral"`
}

// CopySpec copies or moves one instance to a new identity.
type CopySpec struct {
	// Source is the instance to copy, in CLI notation ("remote:name").
	Source string `yaml:"source" validate:"required"`

	// Dest is the destination name. Empty falls back to the declaration
	// name.
	Dest string `yaml:"dest"`

	InstanceCopyOptions `yaml:",inline"`

	DryRun bool `yaml:"-"`
}

// InstanceCopier performs instance copies and migrations.
type InstanceCopier interface {
	CopyInstance(ctx context.Context, src, dst recon.Identity, opts InstanceCopyOptions) error
}

// Copier copies and migrates instances between names, projects and
// remotes. Copies are idempotent on the destination: when the
// destination already exists the copy is skipped, not overwritten.
// Moving onto an existing destination is an identity conflict.
type Copier struct {
	backend InstanceCopier
	fetcher recon.ResourceBackend
	scope   Scope
	log     zerolog.Logger
}

func NewCopier(backend InstanceCopier, fetcher recon.ResourceBackend, scope Scope, logger zerolog.Logger) *Copier {
	return &Copier{backend: backend, fetcher: fetcher, scope: scope, log: componentLogger(logger, "copier")}
}

// Copy copies src to dst. Both are CLI-notation names ("remote:name");
// an unprefixed name is resolved in the controller's scope.
func (c *Copier) Copy(ctx context.Context, src, dst string, opts InstanceCopyOptions, dryRun bool) (*Report, error) {
	if src == "" || dst == "" {
		return nil, recon.NewError(recon.KindSchemaMismatch, "copy needs a source and a destination", nil)
	}
	srcID := c.parse(src)
	dstID := c.parse(dst)

	srcExists, err := c.exists(ctx, srcID)
	if err != nil {
		return nil, err
	}
	dstExists, err := c.exists(ctx, dstID)
	if err != nil {
		return nil, err
	}

	if opts.Move {
		switch {
		case !srcExists && dstExists:
			return &Report{Msg: "Instance already moved"}, nil
		case !srcExists:
			return nil, recon.NewError(recon.KindNotFound, "source instance not found", nil).
				WithResource(srcID.String())
		case dstExists:
			return nil, recon.NewError(recon.KindIdentityConflict,
				"move destination already exists", nil).
				WithResource(dstID.String()).WithDetail("source", srcID.String())
		}
	} else {
		if dstExists {
			return &Report{Msg: "Destination instance already exists"}, nil
		}
		if !srcExists {
			return nil, recon.NewError(recon.KindNotFound, "source instance not found", nil).
				WithResource(srcID.String())
		}
	}

	verb := "copied"
	if opts.Move {
		verb = "moved"
	}
	if dryRun {
		return &Report{Changed: true, Msg: "Instance would be " + verb}, nil
	}
	if err := c.backend.CopyInstance(ctx, srcID, dstID, opts); err != nil {
		return nil, err
	}
	return &Report{Changed: true, Msg: "Instance " + verb}, nil
}

func (c *Copier) exists(ctx context.Context, id recon.Identity) (bool, error) {
	if _, err := c.fetcher.Fetch(ctx, id); err != nil {
		if recon.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *Copier) parse(name string) recon.Identity {
	id := c.scope.identity(name)
	for i := 0; i < len(name); i++ {
		if name[i] == ':' {
			id.Remote = name[:i]
			id.Name = name[i+1:]
			break
		}
	}
	return id
}
