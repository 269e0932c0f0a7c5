package resources

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/crystian/incant/pkg/recon"
)

func networkController(b recon.ResourceBackend) *Networks {
	return NewNetworks(testConverger(b), Scope{}, zerolog.Nop())
}

func TestNetworkNullConfigValueUnsetsKey(t *testing.T) {
	backend := newMockBackend(t)
	backend.objects["br0"] = recon.Object{
		"description": "",
		"config": map[string]string{
			"ipv4.address": "10.0.0.1/24",
			"ipv6.address": "fd42::1/64",
		},
	}

	report, err := networkController(backend).Ensure(context.Background(), NetworkSpec{
		Name: "br0",
		Config: map[string]interface{}{
			"ipv4.address": "10.0.0.1/24",
			"ipv6.address": nil,
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !report.Changed {
		t.Fatal("expected the null key to be unset")
	}
	post := backend.objects["br0"]["config"].(map[string]string)
	if v, ok := post["ipv6.address"]; ok {
		t.Errorf("ipv6.address still set to %q", v)
	}
	if post["ipv4.address"] != "10.0.0.1/24" {
		t.Errorf("declared key lost: %v", post)
	}
	for _, m := range report.Result.Mutations {
		if m.Op == recon.OpSet && m.Key == "ipv6.address" {
			t.Errorf("null value was set instead of unset: %v", m)
		}
	}
}

func TestNetworkNullConfigNoopWhenAlreadyUnset(t *testing.T) {
	backend := newMockBackend(t)
	backend.objects["br0"] = recon.Object{
		"description": "",
		"config":      map[string]string{"ipv4.address": "10.0.0.1/24"},
	}

	report, err := networkController(backend).Ensure(context.Background(), NetworkSpec{
		Name: "br0",
		Config: map[string]interface{}{
			"ipv4.address": "10.0.0.1/24",
			"ipv6.address": nil,
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Changed {
		t.Errorf("expected no change, got mutations %v", report.Result.Mutations)
	}
}
