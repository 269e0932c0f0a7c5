package resources

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/crystian/incant/pkg/recon"
)

// InstanceSpec is the desired state of an Incus instance (container or
// virtual machine).
type InstanceSpec struct {
	Name        string `yaml:"name" validate:"required"`
	Description string `yaml:"description"`

	// Image is the source image the instance is initialized from, in CLI
	// notation ("images:debian/12"). Required unless Empty is set.
	Image string `yaml:"image"`

	// Empty creates the instance without a root image.
	Empty bool `yaml:"empty"`

	// VM creates a virtual machine instead of a container.
	VM bool `yaml:"vm"`

	// Ephemeral instances are destroyed on stop. Creation-time only.
	Ephemeral bool `yaml:"ephemeral"`

	// Started declares the desired run state. Defaults to true, matching
	// the CLI's launch behavior.
	Started *bool `yaml:"started"`

	// Profiles is the ordered list of applied profiles. Order is
	// significant: later profiles override earlier ones. Empty means the
	// list is left ungoverned; NoProfiles declares an empty list.
	Profiles   []string `yaml:"profiles"`
	NoProfiles bool     `yaml:"no_profiles"`

	// Config keys are merged. limits.memory is compared unit-aware, so
	// "2GiB" and "2048MiB" are the same value.
	Config map[string]interface{} `yaml:"config"`

	// Devices are declarative: a device absent from the spec is removed.
	Devices map[string]map[string]string `yaml:"devices"`

	// Creation-time placement knobs, ignored once the instance exists.
	Network string `yaml:"network"`
	Storage string `yaml:"storage"`
	Type    string `yaml:"type"`
	Target  string `yaml:"target"`

	// Cloud-init payloads, folded into config the way the CLI flags do.
	CloudInitUserData      string `yaml:"cloud_init_user_data"`
	CloudInitNetworkConfig string `yaml:"cloud_init_network_config"`
	CloudInitVendorData    string `yaml:"cloud_init_vendor_data"`
	CloudInitDisk          bool   `yaml:"cloud_init_disk"`

	RenameFrom string `yaml:"rename_from"`
	Force      bool   `yaml:"force"`
	DryRun     bool   `yaml:"-"`
}

// InstancePolicy governs instance attributes. Devices are declarative
// while config is merged; the asymmetry matches how the CLI treats the
// two maps.
func InstancePolicy() recon.Policy {
	return recon.Policy{
		Kind: "instance",
		Rules: []recon.FieldRule{
			{Field: "description", Strategy: recon.StrategyFullReplace},
			{Field: "status", Strategy: recon.StrategyFullReplace},
			{
				Field:         "config",
				Strategy:      recon.StrategyKeyUpsert,
				UnitAwareKeys: []string{"limits.memory"},
			},
			{Field: "devices", Strategy: recon.StrategyFullReplace},
			{
				Field:          "profiles",
				Strategy:       recon.StrategyListMembership,
				OrderSensitive: true,
				Exhaustive:     true,
			},
		},
	}
}

// Instances reconciles Incus instances.
type Instances struct {
	conv  *recon.Converger
	scope Scope
	log   zerolog.Logger
}

func NewInstances(conv *recon.Converger, scope Scope, logger zerolog.Logger) *Instances {
	return &Instances{conv: conv, scope: scope, log: componentLogger(logger, "instances")}
}

// Ensure converges the instance onto spec, initializing it from the
// source image when missing.
func (i *Instances) Ensure(ctx context.Context, spec InstanceSpec) (*Report, error) {
	if err := validate.Struct(spec); err != nil {
		return nil, specErr(err)
	}
	if spec.Image == "" && !spec.Empty {
		return nil, recon.NewError(recon.KindSchemaMismatch,
			"instance spec needs an image or empty", nil).WithResource(spec.Name)
	}

	config := stringMapValues(spec.Config)
	if config == nil {
		config = make(map[string]string)
	}
	if spec.CloudInitUserData != "" {
		config["cloud-init.user-data"] = spec.CloudInitUserData
	}
	if spec.CloudInitNetworkConfig != "" {
		config["cloud-init.network-config"] = spec.CloudInitNetworkConfig
	}
	if spec.CloudInitVendorData != "" {
		config["cloud-init.vendor-data"] = spec.CloudInitVendorData
	}

	devices := spec.Devices
	if spec.CloudInitDisk {
		if devices == nil {
			devices = make(map[string]map[string]string)
		}
		if _, ok := devices["cloud-init"]; !ok {
			devices["cloud-init"] = map[string]string{"type": "disk", "source": "cloud-init:config"}
		}
	}

	status := "Running"
	if spec.Started != nil && !*spec.Started {
		status = "Stopped"
	}

	desired := recon.Object{
		"config": config,
		"status": status,
	}
	if spec.Description != "" {
		desired["description"] = spec.Description
	}
	if devices != nil {
		desired["devices"] = devices
	}
	switch {
	case spec.NoProfiles:
		desired["profiles"] = []string{}
	case len(spec.Profiles) > 0:
		desired["profiles"] = spec.Profiles
	}

	// Creation-time parameters ride along under "init". No rule governs
	// the group, so the diff never touches it on an existing instance; the
	// backend reads it when building the init command.
	desired["init"] = map[string]interface{}{
		"image":     spec.Image,
		"empty":     spec.Empty,
		"vm":        spec.VM,
		"ephemeral": spec.Ephemeral,
		"network":   spec.Network,
		"storage":   spec.Storage,
		"type":      spec.Type,
		"target":    spec.Target,
	}

	res, err := i.conv.Reconcile(ctx, i.scope.identity(spec.Name), desired, InstancePolicy(),
		recon.Options{RenameFrom: spec.RenameFrom, Force: spec.Force, DryRun: spec.DryRun})
	if err != nil {
		return nil, err
	}
	return reportFor("Instance", res, spec.DryRun), nil
}

// Remove deletes the instance. Force stops a running instance first.
func (i *Instances) Remove(ctx context.Context, name string, force, dryRun bool) (*Report, error) {
	res, err := i.conv.Destroy(ctx, i.scope.identity(name), "instance",
		recon.Options{Force: force, DryRun: dryRun})
	if err != nil {
		return nil, err
	}
	return absentReport("Instance", res, dryRun), nil
}
