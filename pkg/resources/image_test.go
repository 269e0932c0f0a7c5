package resources

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/crystian/incant/pkg/recon"
)

func imageController(b recon.ResourceBackend) *Images {
	return NewImages(testConverger(b), nil, Scope{}, zerolog.Nop())
}

// fakeImageStore maps identities to stored fingerprints.
type fakeImageStore struct {
	fingerprints map[string]string
}

func (f *fakeImageStore) ImageFingerprint(_ context.Context, id recon.Identity) (string, error) {
	fp, ok := f.fingerprints[id.String()]
	if !ok {
		return "", recon.NewError(recon.KindNotFound, "no image", nil).WithResource(id.String())
	}
	return fp, nil
}

func TestImagePropertiesAreDestructive(t *testing.T) {
	backend := newMockBackend(t)
	backend.objects["base"] = recon.Object{
		"properties": map[string]string{"os": "debian", "stale": "yes"},
		"public":     "false",
	}

	report, err := imageController(backend).Ensure(context.Background(), ImageSpec{
		Alias:      "base",
		Properties: map[string]interface{}{"os": "debian"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !report.Changed {
		t.Fatal("expected changed")
	}
	post := backend.objects["base"]["properties"].(map[string]string)
	if _, ok := post["stale"]; ok {
		t.Error("omitted property must be deleted")
	}
	if post["os"] != "debian" {
		t.Errorf("declared property lost: %v", post)
	}
}

func TestImageAliasesExhaustive(t *testing.T) {
	backend := newMockBackend(t)
	backend.objects["base"] = recon.Object{
		"properties": map[string]string{},
		"public":     "false",
		"aliases":    []string{"base", "old"},
	}

	_, err := imageController(backend).Ensure(context.Background(), ImageSpec{
		Alias:   "base",
		Aliases: []string{"base", "stable"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	post := backend.objects["base"]["aliases"].([]string)
	want := map[string]bool{"base": true, "stable": true}
	if len(post) != 2 || !want[post[0]] || !want[post[1]] {
		t.Errorf("expected aliases {base, stable}, got %v", post)
	}
}

func TestImagePrimaryAliasNeverRemoved(t *testing.T) {
	backend := newMockBackend(t)
	backend.objects["base"] = recon.Object{
		"properties": map[string]string{},
		"public":     "false",
		"aliases":    []string{"base", "extra"},
	}

	report, err := imageController(backend).Ensure(context.Background(), ImageSpec{
		Alias:   "base",
		Aliases: []string{"extra"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Changed {
		t.Errorf("expected no change, got mutations %v", report.Result.Mutations)
	}
	post := backend.objects["base"]["aliases"].([]string)
	found := false
	for _, a := range post {
		if a == "base" {
			found = true
		}
	}
	if !found {
		t.Errorf("primary alias removed, remaining: %v", post)
	}
}

func TestImageFingerprintReported(t *testing.T) {
	backend := newMockBackend(t)
	backend.objects["base"] = recon.Object{
		"properties": map[string]string{},
		"public":     "false",
	}
	store := &fakeImageStore{fingerprints: map[string]string{"base": "abc123def"}}

	ctrl := NewImages(testConverger(backend), store, Scope{}, zerolog.Nop())
	report, err := ctrl.Ensure(context.Background(), ImageSpec{Alias: "base"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Changed {
		t.Fatal("expected no change")
	}
	if got := report.Extra["fingerprint"]; got != "abc123def" {
		t.Errorf("expected fingerprint extra, got %v", got)
	}
}

func TestImagePinnedFingerprintReplaces(t *testing.T) {
	backend := newMockBackend(t)
	backend.objects["base"] = recon.Object{
		"properties": map[string]string{},
		"public":     "false",
	}
	store := &fakeImageStore{fingerprints: map[string]string{"base": "0ldf1ngerpr1nt"}}

	ctrl := NewImages(testConverger(backend), store, Scope{}, zerolog.Nop())
	report, err := ctrl.Ensure(context.Background(), ImageSpec{
		Alias:       "base",
		Source:      "images:alpine/3.20",
		Fingerprint: "abc",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !report.Changed {
		t.Fatal("pinned fingerprint mismatch must replace the image")
	}
	if len(backend.deletes) != 1 || len(backend.creates) != 1 {
		t.Errorf("expected delete+recreate, got deletes=%v creates=%v",
			backend.deletes, backend.creates)
	}
}

func TestImagePublicFlag(t *testing.T) {
	backend := newMockBackend(t)
	backend.objects["base"] = recon.Object{
		"properties": map[string]string{},
		"public":     "false",
	}

	report, err := imageController(backend).Ensure(context.Background(), ImageSpec{
		Alias:  "base",
		Public: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !report.Changed {
		t.Fatal("expected changed")
	}
	if got := backend.objects["base"]["public"]; got != "true" {
		t.Errorf("expected public=true, got %v", got)
	}
}
