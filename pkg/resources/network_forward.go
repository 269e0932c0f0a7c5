package resources

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/crystian/incant/pkg/recon"
)

// ForwardPort is one port mapping of a network forward.
type ForwardPort struct {
	Protocol      string `yaml:"protocol" validate:"required,oneof=tcp udp"`
	ListenPort    string `yaml:"listen_port" validate:"required"`
	TargetAddress string `yaml:"target_address" validate:"required"`
	TargetPort    string `yaml:"target_port"`
	Description   string `yaml:"description"`
}

func (p ForwardPort) render() map[string]string {
	m := map[string]string{
		"protocol":       p.Protocol,
		"listen_port":    p.ListenPort,
		"target_address": p.TargetAddress,
	}
	if p.TargetPort != "" {
		m["target_port"] = p.TargetPort
	}
	if p.Description != "" {
		m["description"] = p.Description
	}
	return m
}

// NetworkForwardSpec is the desired state of a network forward. A forward
// is addressed by its network and listen address; the port list is a
// declarative whole document.
type NetworkForwardSpec struct {
	Network       string                 `yaml:"network" validate:"required"`
	ListenAddress string                 `yaml:"listen_address" validate:"required"`
	Description   string                 `yaml:"description"`
	Config        map[string]interface{} `yaml:"config"`
	Ports         []ForwardPort          `yaml:"ports" validate:"dive"`

	DryRun bool `yaml:"-"`
}

func NetworkForwardPolicy() recon.Policy {
	return recon.Policy{
		Kind: "network-forward",
		Rules: []recon.FieldRule{
			{Field: "description", Strategy: recon.StrategyFullReplace},
			{Field: "config", Strategy: recon.StrategyKeyUpsert},
			{Field: "ports", Strategy: recon.StrategyFullReplace},
		},
	}
}

type NetworkForwards struct {
	conv  *recon.Converger
	scope Scope
	log   zerolog.Logger
}

func NewNetworkForwards(conv *recon.Converger, scope Scope, logger zerolog.Logger) *NetworkForwards {
	return &NetworkForwards{conv: conv, scope: scope, log: componentLogger(logger, "network-forwards")}
}

func (f *NetworkForwards) Ensure(ctx context.Context, spec NetworkForwardSpec) (*Report, error) {
	if err := validate.Struct(spec); err != nil {
		return nil, specErr(err)
	}
	ports := make([]interface{}, 0, len(spec.Ports))
	for _, p := range spec.Ports {
		ports = append(ports, p.render())
	}
	desired := recon.Object{
		"config": stringMapValues(spec.Config),
		"ports":  ports,
	}
	if spec.Description != "" {
		desired["description"] = spec.Description
	}
	id := f.scope.child(spec.Network, spec.ListenAddress)
	res, err := f.conv.Reconcile(ctx, id, desired, NetworkForwardPolicy(),
		recon.Options{DryRun: spec.DryRun})
	if err != nil {
		return nil, err
	}
	return reportFor("Network forward", res, spec.DryRun), nil
}

func (f *NetworkForwards) Remove(ctx context.Context, network, listenAddress string, dryRun bool) (*Report, error) {
	res, err := f.conv.Destroy(ctx, f.scope.child(network, listenAddress), "network-forward",
		recon.Options{DryRun: dryRun})
	if err != nil {
		return nil, err
	}
	return absentReport("Network forward", res, dryRun), nil
}
