package incuscli

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/crystian/incant/pkg/recon"
)

// Observed documents are projected out of CLI output into the canonical
// group shapes the diff engine compares: flat maps of strings, nested
// maps for devices, plain lists for rules and memberships.

func decodeYAML(out string) (map[string]interface{}, error) {
	doc := map[string]interface{}{}
	if err := yaml.Unmarshal([]byte(out), &doc); err != nil {
		return nil, recon.NewError(recon.KindBackendFailure, "decoding show output", err)
	}
	return doc, nil
}

func flatMap(v interface{}) map[string]string {
	out := map[string]string{}
	m, ok := v.(map[string]interface{})
	if !ok {
		return out
	}
	for k, val := range m {
		out[k] = stringifyScalar(val)
	}
	return out
}

func nestedMap(v interface{}) map[string]map[string]string {
	out := map[string]map[string]string{}
	m, ok := v.(map[string]interface{})
	if !ok {
		return out
	}
	for name, entry := range m {
		out[name] = flatMap(entry)
	}
	return out
}

func stringList(v interface{}) []string {
	var out []string
	l, ok := v.([]interface{})
	if !ok {
		return out
	}
	for _, item := range l {
		out = append(out, stringifyScalar(item))
	}
	return out
}

// ruleList normalizes a list of rule documents (ACL rules, forward
// ports) into []interface{} of map[string]string, the same shape the
// controllers render desired rules in.
func ruleList(v interface{}) []interface{} {
	l, ok := v.([]interface{})
	if !ok {
		return []interface{}{}
	}
	out := make([]interface{}, 0, len(l))
	for _, item := range l {
		out = append(out, flatMap(item))
	}
	return out
}

func stringifyScalar(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		if val {
			return "true"
		}
		return "false"
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%v", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// filterRuntimeKeys drops server-managed config keys so they never show
// up as drift: volatile.* is runtime state, image.* is copied from the
// source image.
func filterRuntimeKeys(config map[string]string) map[string]string {
	out := make(map[string]string, len(config))
	for k, v := range config {
		if strings.HasPrefix(k, "volatile.") || strings.HasPrefix(k, "image.") {
			continue
		}
		out[k] = v
	}
	return out
}

// instanceDoc is the incus list JSON entry projection.
type instanceDoc struct {
	Name        string                 `json:"name"`
	Status      string                 `json:"status"`
	Description string                 `json:"description"`
	Profiles    []string               `json:"profiles"`
	Config      map[string]interface{} `json:"config"`
	Devices     map[string]interface{} `json:"devices"`
}

func decodeInstanceList(out string) ([]instanceDoc, error) {
	var docs []instanceDoc
	if err := json.Unmarshal([]byte(out), &docs); err != nil {
		return nil, recon.NewError(recon.KindBackendFailure, "decoding instance list", err)
	}
	return docs, nil
}

func (d instanceDoc) object() recon.Object {
	config := map[string]string{}
	for k, v := range d.Config {
		config[k] = stringifyScalar(v)
	}
	devices := map[string]map[string]string{}
	for name, entry := range d.Devices {
		devices[name] = flatMap(entry)
	}
	profiles := d.Profiles
	if profiles == nil {
		profiles = []string{}
	}
	return recon.Object{
		"status":      d.Status,
		"description": d.Description,
		"profiles":    profiles,
		"config":      filterRuntimeKeys(config),
		"devices":     devices,
	}
}

// imageDoc is the incus image list JSON entry projection.
type imageDoc struct {
	Fingerprint string            `json:"fingerprint"`
	Public      bool              `json:"public"`
	AutoUpdate  bool              `json:"auto_update"`
	Properties  map[string]string `json:"properties"`
	Aliases     []struct {
		Name string `json:"name"`
	} `json:"aliases"`
}

func decodeImageList(out string) ([]imageDoc, error) {
	var docs []imageDoc
	if err := json.Unmarshal([]byte(out), &docs); err != nil {
		return nil, recon.NewError(recon.KindBackendFailure, "decoding image list", err)
	}
	return docs, nil
}

func (d imageDoc) object() recon.Object {
	public := "false"
	if d.Public {
		public = "true"
	}
	properties := d.Properties
	if properties == nil {
		properties = map[string]string{}
	}
	aliases := make([]string, 0, len(d.Aliases))
	for _, a := range d.Aliases {
		aliases = append(aliases, a.Name)
	}
	return recon.Object{
		"public":     public,
		"properties": properties,
		"aliases":    aliases,
	}
}
