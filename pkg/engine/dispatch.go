package engine

import (
	"context"
	"fmt"

	"github.com/crystian/incant/pkg/backend/incuscli"
	"github.com/crystian/incant/pkg/manifest"
	"github.com/crystian/incant/pkg/recon"
	"github.com/crystian/incant/pkg/resources"
)

// backendKind maps manifest kind names to the CLI backend's notation.
var backendKind = map[string]string{
	"profile":         "profile",
	"instance":        "instance",
	"config":          "config",
	"project":         "project",
	"network":         "network",
	"network_acl":     "network-acl",
	"network_zone":    "network-zone",
	"network_forward": "network-forward",
	"storage_pool":    "storage-pool",
	"storage_volume":  "storage-volume",
	"image":           "image",
	"snapshot":        "snapshot",
	"cluster_member":  "cluster-member",
}

// converger builds the reconciliation pipeline for one backend kind.
func (e *Engine) converger(kind string) *recon.Converger {
	backend := incuscli.NewBackend(backendKind[kind], e.runner, e.log)
	return recon.NewConverger(backend, e.log, recon.WithRecorder(e.metrics))
}

// dispatch decodes the declaration into its typed spec and runs the
// matching controller. The report carries the plan when dryRun is set.
func (e *Engine) dispatch(ctx context.Context, decl manifest.Declaration, dryRun bool) (*resources.Report, error) {
	scope := resources.Scope{Remote: decl.Remote, Project: decl.Project}
	absent := decl.State == "absent"

	switch decl.Kind {
	case "profile":
		var spec resources.ProfileSpec
		if err := decl.Decode(&spec); err != nil {
			return nil, decodeErr(decl, err)
		}
		ctrl := resources.NewProfiles(e.converger(decl.Kind), scope, e.log)
		if absent {
			return ctrl.Remove(ctx, decl.Name, spec.Force, dryRun)
		}
		spec.DryRun = dryRun
		return ctrl.Ensure(ctx, spec)

	case "instance":
		var spec resources.InstanceSpec
		if err := decl.Decode(&spec); err != nil {
			return nil, decodeErr(decl, err)
		}
		ctrl := resources.NewInstances(e.converger(decl.Kind), scope, e.log)
		if absent {
			return ctrl.Remove(ctx, decl.Name, spec.Force, dryRun)
		}
		spec.DryRun = dryRun
		return ctrl.Ensure(ctx, spec)

	case "config":
		var spec resources.ConfigSpec
		if err := decl.Decode(&spec); err != nil {
			return nil, decodeErr(decl, err)
		}
		if absent {
			spec.Absent = true
		}
		spec.DryRun = dryRun
		return resources.NewInstanceConfig(e.converger(decl.Kind), scope, e.log).Apply(ctx, spec)

	case "project":
		var spec resources.ProjectSpec
		if err := decl.Decode(&spec); err != nil {
			return nil, decodeErr(decl, err)
		}
		ctrl := resources.NewProjects(e.converger(decl.Kind), scope, e.log)
		if absent {
			return ctrl.Remove(ctx, decl.Name, spec.Force, dryRun)
		}
		spec.DryRun = dryRun
		return ctrl.Ensure(ctx, spec)

	case "network":
		var spec resources.NetworkSpec
		if err := decl.Decode(&spec); err != nil {
			return nil, decodeErr(decl, err)
		}
		ctrl := resources.NewNetworks(e.converger(decl.Kind), scope, e.log)
		if absent {
			return ctrl.Remove(ctx, decl.Name, spec.Force, dryRun)
		}
		spec.DryRun = dryRun
		return ctrl.Ensure(ctx, spec)

	case "network_acl":
		var spec resources.NetworkACLSpec
		if err := decl.Decode(&spec); err != nil {
			return nil, decodeErr(decl, err)
		}
		ctrl := resources.NewNetworkACLs(e.converger(decl.Kind), scope, e.log)
		if absent {
			return ctrl.Remove(ctx, decl.Name, spec.Force, dryRun)
		}
		spec.DryRun = dryRun
		return ctrl.Ensure(ctx, spec)

	case "network_zone":
		var spec resources.NetworkZoneSpec
		if err := decl.Decode(&spec); err != nil {
			return nil, decodeErr(decl, err)
		}
		ctrl := resources.NewNetworkZones(e.converger(decl.Kind), scope, e.log)
		if absent {
			return ctrl.Remove(ctx, decl.Name, dryRun)
		}
		spec.DryRun = dryRun
		return ctrl.Ensure(ctx, spec)

	case "network_forward":
		var spec resources.NetworkForwardSpec
		if err := decl.Decode(&spec); err != nil {
			return nil, decodeErr(decl, err)
		}
		ctrl := resources.NewNetworkForwards(e.converger(decl.Kind), scope, e.log)
		if absent {
			return ctrl.Remove(ctx, spec.Network, spec.ListenAddress, dryRun)
		}
		spec.DryRun = dryRun
		return ctrl.Ensure(ctx, spec)

	case "storage_pool":
		var spec resources.StoragePoolSpec
		if err := decl.Decode(&spec); err != nil {
			return nil, decodeErr(decl, err)
		}
		ctrl := resources.NewStoragePools(e.converger(decl.Kind), scope, e.log)
		if absent {
			return ctrl.Remove(ctx, decl.Name, spec.Force, dryRun)
		}
		spec.DryRun = dryRun
		return ctrl.Ensure(ctx, spec)

	case "storage_volume":
		var spec resources.StorageVolumeSpec
		if err := decl.Decode(&spec); err != nil {
			return nil, decodeErr(decl, err)
		}
		ctrl := resources.NewStorageVolumes(e.converger(decl.Kind), e.client, scope, e.log)
		if absent {
			return ctrl.Remove(ctx, spec.Pool, spec.Name, dryRun)
		}
		spec.DryRun = dryRun
		return ctrl.Ensure(ctx, spec)

	case "image":
		var spec resources.ImageSpec
		if err := decl.Decode(&spec); err != nil {
			return nil, decodeErr(decl, err)
		}
		ctrl := resources.NewImages(e.converger(decl.Kind), e.client, scope, e.log)
		if absent {
			return ctrl.Remove(ctx, decl.Name, dryRun)
		}
		spec.DryRun = dryRun
		return ctrl.Ensure(ctx, spec)

	case "snapshot":
		var spec resources.SnapshotSpec
		if err := decl.Decode(&spec); err != nil {
			return nil, decodeErr(decl, err)
		}
		ctrl := resources.NewSnapshots(e.converger(decl.Kind), e.client, scope, e.log)
		if absent {
			return ctrl.Remove(ctx, spec.Instance, spec.Name, dryRun)
		}
		switch {
		case spec.Restore:
			return ctrl.Restore(ctx, spec.Instance, spec.Name, spec.Stateful, dryRun)
		case spec.RenameFrom != "":
			return ctrl.Rename(ctx, spec.Instance, spec.RenameFrom, spec.Name, dryRun)
		}
		spec.DryRun = dryRun
		return ctrl.Ensure(ctx, spec)

	case "cluster_member":
		var spec resources.ClusterMemberSpec
		if err := decl.Decode(&spec); err != nil {
			return nil, decodeErr(decl, err)
		}
		ctrl := resources.NewCluster(e.converger(decl.Kind), e.client, scope, e.log)
		if absent {
			return ctrl.Remove(ctx, decl.Name, false, dryRun)
		}
		spec.DryRun = dryRun
		return ctrl.Ensure(ctx, spec)

	case "file":
		var spec resources.FileSpec
		if err := decl.Decode(&spec); err != nil {
			return nil, decodeErr(decl, err)
		}
		ctrl := resources.NewFiles(e.client, scope, e.log)
		if absent {
			return ctrl.Remove(ctx, spec.Instance, spec.Dest, dryRun)
		}
		spec.DryRun = dryRun
		return ctrl.Push(ctx, spec)

	case "copy":
		if absent {
			return nil, recon.NewError(recon.KindSchemaMismatch,
				"copy declarations cannot be absent", nil).WithResource(decl.Name)
		}
		var spec resources.CopySpec
		if err := decl.Decode(&spec); err != nil {
			return nil, decodeErr(decl, err)
		}
		dest := spec.Dest
		if dest == "" {
			dest = decl.Name
		}
		fetcher := incuscli.NewBackend("instance", e.runner, e.log)
		ctrl := resources.NewCopier(e.client, fetcher, scope, e.log)
		return ctrl.Copy(ctx, spec.Source, dest, spec.InstanceCopyOptions, dryRun)

	case "exec":
		if absent {
			return nil, recon.NewError(recon.KindSchemaMismatch,
				"exec declarations cannot be absent", nil).WithResource(decl.Name)
		}
		var spec resources.ExecSpec
		if err := decl.Decode(&spec); err != nil {
			return nil, decodeErr(decl, err)
		}
		spec.DryRun = dryRun
		return resources.NewExec(e.client, e.client, scope, e.log).Run(ctx, spec)

	default:
		return nil, recon.NewError(recon.KindSchemaMismatch,
			fmt.Sprintf("unknown resource kind %q", decl.Kind), nil).WithResource(decl.Name)
	}
}

func decodeErr(decl manifest.Declaration, err error) error {
	return recon.NewError(recon.KindSchemaMismatch, "decoding declaration spec", err).
		WithResource(decl.Kind + "/" + decl.Name)
}
