package manifest

import (
	"strings"
	"testing"
)

func TestBuiltinSchemasCompile(t *testing.T) {
	sr := NewSchemaRegistry()
	if got, want := len(sr.Kinds()), len(kindSchemas); got != want {
		t.Fatalf("registered %d schemas, want %d", got, want)
	}
	for kind, src := range kindSchemas {
		if err := sr.Register(kind, src); err != nil {
			t.Errorf("schema for %s does not compile: %v", kind, err)
		}
	}
}

func TestValidateSpecAccepts(t *testing.T) {
	sr := NewSchemaRegistry()
	spec := map[string]interface{}{
		"name":  "web-1",
		"image": "images:debian/12",
		"vm":    true,
		"config": map[string]interface{}{
			"limits.cpu":    "4",
			"limits.memory": "4GiB",
		},
		"devices": map[string]interface{}{
			"root": map[string]interface{}{"type": "disk", "path": "/", "pool": "default"},
		},
		"profiles": []interface{}{"default", "web"},
	}
	if err := sr.ValidateSpec("instance", spec); err != nil {
		t.Errorf("valid instance spec rejected: %v", err)
	}
}

func TestValidateSpecRejectsWrongType(t *testing.T) {
	sr := NewSchemaRegistry()
	spec := map[string]interface{}{
		"name": "web-1",
		"vm":   "yes",
	}
	if err := sr.ValidateSpec("instance", spec); err == nil {
		t.Error("string vm flag passed validation")
	}
}

func TestValidateSpecRejectsClosedStructViolation(t *testing.T) {
	sr := NewSchemaRegistry()
	spec := map[string]interface{}{
		"name":    "base",
		"devises": map[string]interface{}{},
	}
	err := sr.ValidateSpec("profile", spec)
	if err == nil {
		t.Fatal("unknown field passed validation")
	}
	if !strings.Contains(err.Error(), "devises") {
		t.Errorf("error does not name the field: %v", err)
	}
}

func TestValidateSpecUnknownKind(t *testing.T) {
	sr := NewSchemaRegistry()
	if err := sr.ValidateSpec("widget", map[string]interface{}{}); err == nil {
		t.Error("unknown kind passed validation")
	}
}

func TestValidateSpecCopy(t *testing.T) {
	sr := NewSchemaRegistry()
	spec := map[string]interface{}{
		"source": "web-1",
		"dest":   "web-2",
		"move":   true,
		"mode":   "pull",
	}
	if err := sr.ValidateSpec("copy", spec); err != nil {
		t.Errorf("valid copy spec rejected: %v", err)
	}

	spec["mode"] = "teleport"
	if err := sr.ValidateSpec("copy", spec); err == nil {
		t.Error("unsupported transfer mode passed validation")
	}
}

func TestValidateSpecSnapshotRestore(t *testing.T) {
	sr := NewSchemaRegistry()
	spec := map[string]interface{}{
		"instance": "web-1",
		"name":     "pre-upgrade",
		"restore":  true,
		"stateful": true,
	}
	if err := sr.ValidateSpec("snapshot", spec); err != nil {
		t.Errorf("valid snapshot restore spec rejected: %v", err)
	}
}

func TestValidateSpecForwardPorts(t *testing.T) {
	sr := NewSchemaRegistry()
	spec := map[string]interface{}{
		"network":        "incusbr0",
		"listen_address": "192.0.2.10",
		"ports": []interface{}{
			map[string]interface{}{
				"protocol":       "tcp",
				"listen_port":    "80",
				"target_address": "10.0.0.5",
			},
		},
	}
	if err := sr.ValidateSpec("network_forward", spec); err != nil {
		t.Errorf("valid forward spec rejected: %v", err)
	}

	spec["ports"].([]interface{})[0].(map[string]interface{})["protocol"] = "sctp"
	if err := sr.ValidateSpec("network_forward", spec); err == nil {
		t.Error("unsupported protocol passed validation")
	}
}
