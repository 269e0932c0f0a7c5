package resources

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/crystian/incant/pkg/recon"
)

func profileController(b recon.ResourceBackend) *Profiles {
	return NewProfiles(testConverger(b), Scope{}, zerolog.Nop())
}

func TestProfileEnsureCreates(t *testing.T) {
	backend := newMockBackend(t)

	report, err := profileController(backend).Ensure(context.Background(), ProfileSpec{
		Name:   "web",
		Config: map[string]interface{}{"limits.cpu": 2},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !report.Changed {
		t.Error("expected changed")
	}
	if report.Msg != "Profile created" {
		t.Errorf("unexpected msg %q", report.Msg)
	}
	obj := backend.objects["web"]
	if obj["config"].(map[string]string)["limits.cpu"] != "2" {
		t.Errorf("config not stringified: %v", obj["config"])
	}
}

func TestProfileEnsureMergesConfig(t *testing.T) {
	backend := newMockBackend(t)
	backend.objects["web"] = recon.Object{
		"config": map[string]string{"limits.cpu": "2", "user.extra": "keep"},
	}

	report, err := profileController(backend).Ensure(context.Background(), ProfileSpec{
		Name:   "web",
		Config: map[string]interface{}{"limits.cpu": "4"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Msg != "Profile updated" {
		t.Errorf("unexpected msg %q", report.Msg)
	}
	post := backend.objects["web"]["config"].(map[string]string)
	if post["limits.cpu"] != "4" {
		t.Errorf("expected cpu=4, got %v", post)
	}
	if post["user.extra"] != "keep" {
		t.Error("profile config merge must keep extra observed keys")
	}
}

func TestProfileEnsureUnchanged(t *testing.T) {
	backend := newMockBackend(t)
	backend.objects["web"] = recon.Object{
		"config":  map[string]string{"limits.cpu": "2"},
		"devices": map[string]map[string]string{},
	}

	report, err := profileController(backend).Ensure(context.Background(), ProfileSpec{
		Name:   "web",
		Config: map[string]interface{}{"limits.cpu": "2"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Changed {
		t.Error("expected unchanged")
	}
	if report.Msg != "Profile matches configuration" {
		t.Errorf("unexpected msg %q", report.Msg)
	}
}

func TestProfileEnsureDryRun(t *testing.T) {
	backend := newMockBackend(t)

	report, err := profileController(backend).Ensure(context.Background(), ProfileSpec{
		Name:   "web",
		DryRun: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Msg != "Profile would be created" {
		t.Errorf("unexpected msg %q", report.Msg)
	}
	if len(backend.creates) != 0 {
		t.Error("dry-run must not create")
	}
}

func TestProfileEnsureRename(t *testing.T) {
	backend := newMockBackend(t)
	backend.objects["old"] = recon.Object{"config": map[string]string{}}

	report, err := profileController(backend).Ensure(context.Background(), ProfileSpec{
		Name:       "new",
		RenameFrom: "old",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !report.Changed || report.Msg != "Profile renamed" {
		t.Errorf("unexpected report %+v", report)
	}
	if _, ok := backend.objects["new"]; !ok {
		t.Error("renamed profile missing")
	}
}

func TestProfileRemove(t *testing.T) {
	backend := newMockBackend(t)
	backend.objects["web"] = recon.Object{"config": map[string]string{}}

	report, err := profileController(backend).Remove(context.Background(), "web", false, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !report.Changed || report.Msg != "Profile deleted" {
		t.Errorf("unexpected report %+v", report)
	}

	report, err = profileController(backend).Remove(context.Background(), "web", false, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Changed || report.Msg != "Profile not found" {
		t.Errorf("unexpected report %+v", report)
	}
}

func TestProfileSpecValidation(t *testing.T) {
	backend := newMockBackend(t)

	_, err := profileController(backend).Ensure(context.Background(), ProfileSpec{})
	if !recon.IsSchemaMismatch(err) {
		t.Fatalf("expected schema mismatch for missing name, got %v", err)
	}
}
