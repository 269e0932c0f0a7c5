package resources

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/crystian/incant/pkg/recon"
)

func configController(b recon.ResourceBackend) *InstanceConfig {
	return NewInstanceConfig(testConverger(b), Scope{}, zerolog.Nop())
}

func TestConfigApplySetsKeys(t *testing.T) {
	backend := newMockBackend(t)
	backend.objects["web"] = recon.Object{
		"config":  map[string]string{"user.keep": "1"},
		"devices": map[string]map[string]string{},
	}

	report, err := configController(backend).Apply(context.Background(), ConfigSpec{
		Instance: "web",
		Config:   map[string]interface{}{"limits.cpu": "2"},
		Devices:  map[string]map[string]string{"extra": {"type": "disk", "path": "/mnt", "source": "/data"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !report.Changed {
		t.Fatal("expected changed")
	}
	post := backend.objects["web"]
	config := post["config"].(map[string]string)
	if config["limits.cpu"] != "2" || config["user.keep"] != "1" {
		t.Errorf("expected merged config, got %v", config)
	}
	if _, ok := post["devices"].(map[string]map[string]string)["extra"]; !ok {
		t.Error("device not added")
	}
}

func TestConfigApplyAbsentRemovesKeys(t *testing.T) {
	backend := newMockBackend(t)
	backend.objects["web"] = recon.Object{
		"config":  map[string]string{"limits.cpu": "2", "user.keep": "1"},
		"devices": map[string]map[string]string{"extra": {"type": "disk"}},
	}

	report, err := configController(backend).Apply(context.Background(), ConfigSpec{
		Instance: "web",
		Absent:   true,
		// Values are ignored in the absent state; key presence decides.
		Config:  map[string]interface{}{"limits.cpu": "ignored"},
		Devices: map[string]map[string]string{"extra": nil},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !report.Changed {
		t.Fatal("expected changed")
	}
	post := backend.objects["web"]
	config := post["config"].(map[string]string)
	if _, ok := config["limits.cpu"]; ok {
		t.Error("key not removed")
	}
	if config["user.keep"] != "1" {
		t.Error("unrelated key removed")
	}
	if len(post["devices"].(map[string]map[string]string)) != 0 {
		t.Error("device not removed")
	}
}

func TestConfigApplyAbsentMissingKeyIsNoop(t *testing.T) {
	backend := newMockBackend(t)
	backend.objects["web"] = recon.Object{
		"config": map[string]string{},
	}

	report, err := configController(backend).Apply(context.Background(), ConfigSpec{
		Instance: "web",
		Absent:   true,
		Config:   map[string]interface{}{"never.set": ""},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Changed {
		t.Error("removing an absent key must be a no-op")
	}
}

func TestConfigApplyMissingInstance(t *testing.T) {
	backend := newMockBackend(t)

	_, err := configController(backend).Apply(context.Background(), ConfigSpec{
		Instance: "ghost",
		Config:   map[string]interface{}{"limits.cpu": "2"},
	})
	if !recon.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}
