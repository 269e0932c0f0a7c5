package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

const testRego = `# Blocks ephemeral instances.
package test.ephemeral

deny contains msg if {
	input.spec.ephemeral == true
	msg := "ephemeral instances are not allowed"
}
`

func TestLoadRegoFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "no-ephemeral.rego")
	if err := os.WriteFile(path, []byte(testRego), 0o644); err != nil {
		t.Fatal(err)
	}

	policies, err := NewLoader(zerolog.Nop()).LoadFromPaths([]string{path})
	if err != nil {
		t.Fatalf("LoadFromPaths: %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("loaded %d policies, want 1", len(policies))
	}
	p := policies[0]
	if p.Name != "no-ephemeral" {
		t.Errorf("name = %q", p.Name)
	}
	if p.Severity != SeverityWarning {
		t.Errorf("default severity = %q", p.Severity)
	}
	if p.Description != "Blocks ephemeral instances." {
		t.Errorf("description = %q", p.Description)
	}
	if !p.Enabled {
		t.Error("loaded policy not enabled")
	}
}

func TestLoadJSONFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "strict.json")
	doc := `{
		"name": "strict-ephemeral",
		"severity": "error",
		"enabled": true,
		"rego": "package test.strict\n\ndeny contains msg if {\n\tinput.spec.ephemeral == true\n\tmsg := \"no\"\n}\n"
	}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	policies, err := NewLoader(zerolog.Nop()).LoadFromPaths([]string{path})
	if err != nil {
		t.Fatalf("LoadFromPaths: %v", err)
	}
	if policies[0].Severity != SeverityError {
		t.Errorf("severity = %q", policies[0].Severity)
	}
}

func TestLoadDirectoryRecursive(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "security")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "a.rego"), []byte(testRego), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sub, "b.rego"), []byte(testRego), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("docs"), 0o644); err != nil {
		t.Fatal(err)
	}

	policies, err := NewLoader(zerolog.Nop()).LoadFromPaths([]string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths: %v", err)
	}
	if len(policies) != 2 {
		t.Errorf("loaded %d policies, want 2", len(policies))
	}
}

func TestLoadedPolicyEvaluates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "no-ephemeral.rego")
	if err := os.WriteFile(path, []byte(testRego), 0o644); err != nil {
		t.Fatal(err)
	}

	e := newEngine(t)
	if err := e.Load(context.Background(), []string{path}); err != nil {
		t.Fatalf("Load: %v", err)
	}

	d := evaluate(t, e, &Input{
		Kind:      "instance",
		Name:      "scratch",
		Operation: "create",
		Spec:      map[string]interface{}{"ephemeral": true, "config": map[string]interface{}{"limits.memory": "1GiB"}},
	})
	if !hasViolation(d, "no-ephemeral") {
		t.Errorf("violations = %+v", d.Violations)
	}
	// File policies default to warning, so this one reports without
	// blocking.
	if !d.Allowed {
		t.Errorf("warning-severity policy blocked the operation")
	}
}
