package resources

import (
	"context"
	"reflect"
	"testing"

	"github.com/rs/zerolog"

	"github.com/crystian/incant/pkg/recon"
)

func instanceController(b recon.ResourceBackend) *Instances {
	return NewInstances(testConverger(b), Scope{}, zerolog.Nop())
}

func boolp(v bool) *bool { return &v }

func runningInstance(config map[string]string) recon.Object {
	if config == nil {
		config = map[string]string{}
	}
	return recon.Object{
		"status":  "Running",
		"config":  config,
		"devices": map[string]map[string]string{},
	}
}

func TestInstanceEnsureNeedsImageOrEmpty(t *testing.T) {
	backend := newMockBackend(t)

	_, err := instanceController(backend).Ensure(context.Background(), InstanceSpec{Name: "web"})
	if !recon.IsSchemaMismatch(err) {
		t.Fatalf("expected schema mismatch, got %v", err)
	}
}

func TestInstanceDevicesAreDeclarative(t *testing.T) {
	backend := newMockBackend(t)
	obj := runningInstance(nil)
	obj["devices"] = map[string]map[string]string{
		"eth0":  {"type": "nic", "network": "incusbr0"},
		"extra": {"type": "disk", "path": "/mnt"},
	}
	backend.objects["web"] = obj

	report, err := instanceController(backend).Ensure(context.Background(), InstanceSpec{
		Name:  "web",
		Image: "images:debian/12",
		Devices: map[string]map[string]string{
			"eth0": {"type": "nic", "network": "incusbr0"},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !report.Changed {
		t.Fatal("expected changed")
	}
	post := backend.objects["web"]["devices"].(map[string]map[string]string)
	if _, ok := post["extra"]; ok {
		t.Error("instance device map is declarative, extra device must be removed")
	}
	if _, ok := post["eth0"]; !ok {
		t.Error("declared device removed")
	}
}

func TestInstanceConfigIsMerged(t *testing.T) {
	backend := newMockBackend(t)
	backend.objects["web"] = runningInstance(map[string]string{"user.keep": "1"})

	_, err := instanceController(backend).Ensure(context.Background(), InstanceSpec{
		Name:   "web",
		Image:  "images:debian/12",
		Config: map[string]interface{}{"limits.cpu": "2"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	post := backend.objects["web"]["config"].(map[string]string)
	if post["user.keep"] != "1" || post["limits.cpu"] != "2" {
		t.Errorf("expected merged config, got %v", post)
	}
}

func TestInstanceMemoryIsUnitAware(t *testing.T) {
	backend := newMockBackend(t)
	backend.objects["web"] = runningInstance(map[string]string{"limits.memory": "2048MiB"})

	report, err := instanceController(backend).Ensure(context.Background(), InstanceSpec{
		Name:   "web",
		Image:  "images:debian/12",
		Config: map[string]interface{}{"limits.memory": "2GiB"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Changed {
		t.Error("2GiB and 2048MiB are the same value")
	}
}

func TestInstanceRunStateReconciled(t *testing.T) {
	backend := newMockBackend(t)
	backend.objects["web"] = runningInstance(nil)

	report, err := instanceController(backend).Ensure(context.Background(), InstanceSpec{
		Name:    "web",
		Image:   "images:debian/12",
		Started: boolp(false),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !report.Changed {
		t.Fatal("expected stop mutation")
	}
	if got := backend.objects["web"]["status"]; got != "Stopped" {
		t.Errorf("expected Stopped, got %v", got)
	}
}

func TestInstanceProfileOrderIsSignificant(t *testing.T) {
	backend := newMockBackend(t)
	obj := runningInstance(nil)
	obj["profiles"] = []string{"b", "a"}
	backend.objects["web"] = obj

	report, err := instanceController(backend).Ensure(context.Background(), InstanceSpec{
		Name:     "web",
		Image:    "images:debian/12",
		Profiles: []string{"a", "b"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !report.Changed {
		t.Fatal("reordered profiles must be a change")
	}
	if got := backend.objects["web"]["profiles"].([]string); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("expected profile order [a b], got %v", got)
	}
}

func TestInstanceCloudInitFoldedIntoConfig(t *testing.T) {
	backend := newMockBackend(t)

	_, err := instanceController(backend).Ensure(context.Background(), InstanceSpec{
		Name:              "web",
		Image:             "images:debian/12",
		CloudInitUserData: "#cloud-config\n",
		CloudInitDisk:     true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	obj := backend.objects["web"]
	if obj["config"].(map[string]string)["cloud-init.user-data"] != "#cloud-config\n" {
		t.Error("user data not folded into config")
	}
	devices := obj["devices"].(map[string]map[string]string)
	if devices["cloud-init"]["source"] != "cloud-init:config" {
		t.Errorf("cloud-init disk device missing: %v", devices)
	}
}
