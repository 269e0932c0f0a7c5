package manifest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/crystian/incant/pkg/resources"
)

func writeManifest(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func load(t *testing.T, paths ...string) (*Manifest, error) {
	t.Helper()
	return NewLoader(zerolog.Nop()).Load(context.Background(), paths)
}

func TestLoadSingleFile(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, "site.yaml", `
version: 1
defaults:
  remote: prod
  project: web
resources:
  - kind: profile
    name: base
    spec:
      description: Base profile
      config:
        limits.cpu: "2"
`)

	m, err := load(t, path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Version != 1 {
		t.Errorf("version = %d, want 1", m.Version)
	}
	if len(m.Resources) != 1 {
		t.Fatalf("resources = %d, want 1", len(m.Resources))
	}
	d := m.Resources[0]
	if d.Remote != "prod" || d.Project != "web" {
		t.Errorf("defaults not applied: remote=%q project=%q", d.Remote, d.Project)
	}
	if d.State != "present" {
		t.Errorf("state = %q, want present", d.State)
	}
	if d.Spec["name"] != "base" {
		t.Errorf("name not injected into spec: %v", d.Spec["name"])
	}
}

func TestLoadDirectoryMergesFiles(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "10-profiles.yaml", `
resources:
  - kind: profile
    name: base
    spec: {}
`)
	writeManifest(t, dir, "20-instances.yaml", `
resources:
  - kind: instance
    name: web-1
    spec:
      image: images:debian/12
`)
	writeManifest(t, dir, "notes.txt", "ignored")

	m, err := load(t, dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(m.Resources) != 2 {
		t.Fatalf("resources = %d, want 2", len(m.Resources))
	}
	if m.Resources[0].Kind != "profile" || m.Resources[1].Kind != "instance" {
		t.Errorf("file order not preserved: %s, %s", m.Resources[0].Kind, m.Resources[1].Kind)
	}
}

func TestLoadVarExpansion(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, "site.yaml", `
vars:
  env: staging
  base_profiles:
    - default
    - monitoring
resources:
  - kind: instance
    name: web-${env}
    spec:
      image: images:debian/12
      profiles: "${base_profiles}"
      config:
        user.env: "env is ${env}"
`)

	m, err := load(t, path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	d := m.Resources[0]
	if d.Name != "web-staging" {
		t.Errorf("name = %q, want web-staging", d.Name)
	}
	profiles, ok := d.Spec["profiles"].([]interface{})
	if !ok || len(profiles) != 2 {
		t.Fatalf("whole-string placeholder lost the list type: %#v", d.Spec["profiles"])
	}
	config := d.Spec["config"].(map[string]interface{})
	if config["user.env"] != "env is staging" {
		t.Errorf("interpolation = %q", config["user.env"])
	}
}

func TestLoadComputedVars(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, "site.yaml", `
vars:
  memory: 2GiB
compute: |
  half = str(size_bytes(vars["memory"]) // 2) + "B"
resources:
  - kind: profile
    name: base
    spec:
      config:
        limits.memory: "${half}"
`)

	m, err := load(t, path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	config := m.Resources[0].Spec["config"].(map[string]interface{})
	if config["limits.memory"] != "1073741824B" {
		t.Errorf("computed variable = %q", config["limits.memory"])
	}
}

func TestLoadUndefinedVariable(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, "site.yaml", `
resources:
  - kind: profile
    name: ${missing}
    spec: {}
`)

	_, err := load(t, path)
	var inv *InvalidError
	if !errors.As(err, &inv) {
		t.Fatalf("expected InvalidError, got %v", err)
	}
	if !strings.Contains(inv.Errors[0].Message, "missing") {
		t.Errorf("error does not name the variable: %v", inv.Errors[0])
	}
}

func TestLoadDuplicateDeclaration(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, "site.yaml", `
resources:
  - kind: profile
    name: base
    spec: {}
  - kind: profile
    name: base
    spec: {}
`)

	_, err := load(t, path)
	var inv *InvalidError
	if !errors.As(err, &inv) {
		t.Fatalf("expected InvalidError, got %v", err)
	}
	if !strings.Contains(inv.Errors[0].Message, "duplicate") {
		t.Errorf("unexpected error: %v", inv.Errors[0])
	}
}

func TestLoadSameNameDifferentProjects(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, "site.yaml", `
resources:
  - kind: profile
    name: base
    project: web
    spec: {}
  - kind: profile
    name: base
    project: db
    spec: {}
`)

	if _, err := load(t, path); err != nil {
		t.Fatalf("same name in different projects should load: %v", err)
	}
}

func TestLoadSchemaRejectsUnknownField(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, "site.yaml", `
resources:
  - kind: profile
    name: base
    spec:
      descriptoin: typo
`)

	_, err := load(t, path)
	var inv *InvalidError
	if !errors.As(err, &inv) {
		t.Fatalf("expected InvalidError, got %v", err)
	}
}

func TestLoadSchemaRejectsBadEnum(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, "site.yaml", `
resources:
  - kind: network_acl
    name: web
    spec:
      ingress:
        - action: permit
          protocol: tcp
`)

	if _, err := load(t, path); err == nil {
		t.Fatal("invalid ACL action passed validation")
	}
}

func TestLoadAbsentSkipsSchema(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, "site.yaml", `
resources:
  - kind: instance
    name: old-box
    state: absent
`)

	m, err := load(t, path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Resources[0].State != "absent" {
		t.Errorf("state = %q", m.Resources[0].State)
	}
}

func TestLoadVersionConflict(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "a.yaml", "version: 1\n")
	writeManifest(t, dir, "b.yaml", "version: 2\n")

	_, err := load(t, dir)
	var inv *InvalidError
	if !errors.As(err, &inv) {
		t.Fatalf("expected InvalidError, got %v", err)
	}
}

func TestDeclarationDecode(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, "site.yaml", `
resources:
  - kind: instance
    name: web-1
    spec:
      image: images:debian/12
      vm: true
      profiles: [default, web]
      config:
        limits.memory: 2GiB
      rename_from: old-web
`)

	m, err := load(t, path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	var spec resources.InstanceSpec
	if err := m.Resources[0].Decode(&spec); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if spec.Name != "web-1" || !spec.VM || spec.RenameFrom != "old-web" {
		t.Errorf("decoded spec = %+v", spec)
	}
	if len(spec.Profiles) != 2 || spec.Profiles[1] != "web" {
		t.Errorf("profiles = %v", spec.Profiles)
	}
	if spec.Config["limits.memory"] != "2GiB" {
		t.Errorf("config = %v", spec.Config)
	}
}
