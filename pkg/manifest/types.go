// Package manifest loads declarative resource manifests. Manifests are
// YAML documents listing Incus resources to reconcile; every spec is
// checked against a CUE schema before anything touches a server, and a
// starlark block can compute variables that specs reference with
// ${name} placeholders.
package manifest

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults are manifest-wide identity defaults, applied to every
// declaration that does not set its own.
type Defaults struct {
	Remote  string `yaml:"remote"`
	Project string `yaml:"project"`
}

// Declaration is one resource in a manifest.
type Declaration struct {
	// Kind names the resource type (profile, instance, network, ...).
	Kind string `yaml:"kind" validate:"required"`

	// Name is the resource name. For kinds addressed through another
	// resource (config, file, exec) it is the instance name; for images
	// it is the primary alias; for forwards it is the listen address.
	Name string `yaml:"name" validate:"required"`

	Remote  string `yaml:"remote"`
	Project string `yaml:"project"`

	// State is present or absent. Defaults to present.
	State string `yaml:"state" validate:"omitempty,oneof=present absent"`

	// Spec is the kind-specific body, validated against the kind's
	// schema and decoded into the matching spec struct.
	Spec map[string]interface{} `yaml:"spec"`

	// Source is the manifest file the declaration came from.
	Source string `yaml:"-"`
}

// Decode unmarshals the declaration's spec into a typed spec struct.
func (d Declaration) Decode(out interface{}) error {
	raw, err := yaml.Marshal(d.Spec)
	if err != nil {
		return fmt.Errorf("encoding %s/%s spec: %w", d.Kind, d.Name, err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding %s/%s spec: %w", d.Kind, d.Name, err)
	}
	return nil
}

// Manifest is the merged result of loading one or more manifest files.
type Manifest struct {
	Version   int
	Defaults  Defaults
	Vars      map[string]interface{}
	Resources []Declaration

	SourceFiles []string
	LoadedAt    time.Time
}

// ValidationError is one problem found while loading a manifest.
type ValidationError struct {
	File    string
	Line    int
	Column  int
	Path    string
	Message string
}

func (e ValidationError) Error() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d", e.Line)
			if e.Column > 0 {
				fmt.Fprintf(&b, ":%d", e.Column)
			}
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// InvalidError aggregates every validation error of a load. The partial
// manifest is still returned alongside it so callers can report all
// problems at once.
type InvalidError struct {
	Errors []ValidationError
}

func (e *InvalidError) Error() string {
	if len(e.Errors) == 1 {
		return "invalid manifest: " + e.Errors[0].Error()
	}
	return fmt.Sprintf("invalid manifest: %d errors, first: %s", len(e.Errors), e.Errors[0].Error())
}
