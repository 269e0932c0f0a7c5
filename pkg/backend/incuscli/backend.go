package incuscli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/crystian/incant/pkg/recon"
)

// Backend implements recon.ResourceBackend for one resource kind over
// the incus CLI.
type Backend struct {
	kind string
	*Client
}

// NewBackend creates the backend for a resource kind. The "config" kind
// shares the instance wiring; it reconciles instance attributes without
// owning the instance lifecycle.
func NewBackend(kind string, runner Runner, logger zerolog.Logger) *Backend {
	if kind == "config" {
		kind = "instance"
	}
	return &Backend{kind: kind, Client: NewClient(runner, logger)}
}

// noun returns the CLI subcommand path for kinds whose set/unset/show
// verbs follow the common pattern.
func (b *Backend) noun() []string {
	switch b.kind {
	case "profile":
		return []string{"profile"}
	case "project":
		return []string{"project"}
	case "network":
		return []string{"network"}
	case "network-acl":
		return []string{"network", "acl"}
	case "network-zone":
		return []string{"network", "zone"}
	case "storage-pool":
		return []string{"storage"}
	default:
		return nil
	}
}

// apiPath returns the REST path used for JSON PATCH updates.
func (b *Backend) apiPath(id recon.Identity) string {
	switch b.kind {
	case "instance":
		return "/1.0/instances/" + id.Name
	case "profile":
		return "/1.0/profiles/" + id.Name
	case "project":
		return "/1.0/projects/" + id.Name
	case "network":
		return "/1.0/networks/" + id.Name
	case "network-acl":
		return "/1.0/network-acls/" + id.Name
	case "network-zone":
		return "/1.0/network-zones/" + id.Name
	case "network-forward":
		return "/1.0/networks/" + id.Parent + "/forwards/" + id.Name
	case "storage-pool":
		return "/1.0/storage-pools/" + id.Name
	case "storage-volume":
		return "/1.0/storage-pools/" + id.Parent + "/volumes/custom/" + id.Name
	case "snapshot":
		return "/1.0/instances/" + id.Parent + "/snapshots/" + id.Name
	case "cluster-member":
		return "/1.0/cluster/members/" + id.Name
	default:
		return ""
	}
}

// Fetch reads the observed attribute document.
func (b *Backend) Fetch(ctx context.Context, id recon.Identity) (recon.Object, error) {
	switch b.kind {
	case "instance":
		return b.fetchInstance(ctx, id)
	case "image":
		return b.fetchImage(ctx, id)
	case "snapshot":
		return b.fetchSnapshot(ctx, id)
	case "network-forward":
		return b.fetchForward(ctx, id)
	case "storage-volume":
		return b.fetchVolume(ctx, id)
	case "cluster-member":
		return b.fetchClusterMember(ctx, id)
	default:
		return b.fetchShow(ctx, id)
	}
}

func (b *Backend) fetchInstance(ctx context.Context, id recon.Identity) (recon.Object, error) {
	pattern := "^" + id.Name + "$"
	if id.Remote != "" && id.Remote != "local" {
		pattern = id.Remote + ":" + pattern
	}
	out, err := run(ctx, b.runner, b.args(id, "list", "--format=json", pattern), nil)
	if err != nil {
		return nil, err
	}
	docs, err := decodeInstanceList(out)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, recon.NewError(recon.KindNotFound, "instance not found", nil).WithResource(id.String())
	}
	return docs[0].object(), nil
}

func (b *Backend) fetchImage(ctx context.Context, id recon.Identity) (recon.Object, error) {
	out, err := run(ctx, b.runner, b.args(id, "image", "list", "--format=json", b.name(id)), nil)
	if err != nil {
		return nil, err
	}
	docs, err := decodeImageList(out)
	if err != nil {
		return nil, err
	}
	for _, doc := range docs {
		for _, alias := range doc.Aliases {
			if alias.Name == id.Name {
				return doc.object(), nil
			}
		}
	}
	return nil, recon.NewError(recon.KindNotFound, "image not found", nil).WithResource(id.String())
}

func (b *Backend) fetchSnapshot(ctx context.Context, id recon.Identity) (recon.Object, error) {
	out, err := run(ctx, b.runner, []string{"query", b.queryPath(id, b.apiPath(id))}, nil)
	if err != nil {
		return nil, err
	}
	var doc struct {
		ExpiresAt string `json:"expires_at"`
		Stateful  bool   `json:"stateful"`
	}
	if err := json.Unmarshal([]byte(out), &doc); err != nil {
		return nil, recon.NewError(recon.KindBackendFailure, "decoding snapshot", err)
	}
	obj := recon.Object{}
	if doc.ExpiresAt != "" && !strings.HasPrefix(doc.ExpiresAt, "0001-01-01") {
		obj["expires_at"] = doc.ExpiresAt
	}
	return obj, nil
}

func (b *Backend) fetchForward(ctx context.Context, id recon.Identity) (recon.Object, error) {
	out, err := run(ctx, b.runner, b.args(id, "network", "forward", "show", b.parent(id), id.Name), nil)
	if err != nil {
		return nil, err
	}
	doc, err := decodeYAML(out)
	if err != nil {
		return nil, err
	}
	return recon.Object{
		"description": stringifyScalar(doc["description"]),
		"config":      flatMap(doc["config"]),
		"ports":       ruleList(doc["ports"]),
	}, nil
}

func (b *Backend) fetchVolume(ctx context.Context, id recon.Identity) (recon.Object, error) {
	out, err := run(ctx, b.runner, b.args(id, "storage", "volume", "show", b.parent(id), id.Name), nil)
	if err != nil {
		return nil, err
	}
	doc, err := decodeYAML(out)
	if err != nil {
		return nil, err
	}
	return recon.Object{
		"description": stringifyScalar(doc["description"]),
		"config":      flatMap(doc["config"]),
	}, nil
}

func (b *Backend) fetchClusterMember(ctx context.Context, id recon.Identity) (recon.Object, error) {
	out, err := run(ctx, b.runner, b.args(id, "cluster", "show", id.Name), nil)
	if err != nil {
		return nil, err
	}
	doc, err := decodeYAML(out)
	if err != nil {
		return nil, err
	}
	groups := stringList(doc["groups"])
	if groups == nil {
		groups = []string{}
	}
	return recon.Object{
		"config": flatMap(doc["config"]),
		"groups": groups,
	}, nil
}

func (b *Backend) fetchShow(ctx context.Context, id recon.Identity) (recon.Object, error) {
	noun := b.noun()
	if noun == nil {
		return nil, recon.NewError(recon.KindBackendFailure,
			fmt.Sprintf("kind %s has no fetch wiring", b.kind), nil)
	}
	out, err := run(ctx, b.runner, b.args(id, append(noun, "show", b.name(id))...), nil)
	if err != nil {
		return nil, err
	}
	doc, err := decodeYAML(out)
	if err != nil {
		return nil, err
	}
	obj := recon.Object{
		"description": stringifyScalar(doc["description"]),
		"config":      flatMap(doc["config"]),
	}
	switch b.kind {
	case "profile":
		obj["devices"] = nestedMap(doc["devices"])
	case "network-acl":
		obj["ingress"] = ruleList(doc["ingress"])
		obj["egress"] = ruleList(doc["egress"])
	}
	return obj, nil
}

// initGroup reads the creation-time parameter group off a desired
// document.
func initGroup(desired recon.Object) map[string]interface{} {
	if m, ok := desired["init"].(map[string]interface{}); ok {
		return m
	}
	return map[string]interface{}{}
}

func initStr(init map[string]interface{}, key string) string {
	s, _ := init[key].(string)
	return s
}

func initBool(init map[string]interface{}, key string) bool {
	v, _ := init[key].(bool)
	return v
}

// isLocalFile reports whether an image source names a file on the
// operator machine rather than a remote alias like "images:alpine/3.20".
func isLocalFile(source string) bool {
	if strings.Contains(source, ":") && !strings.HasPrefix(source, "/") && !strings.HasPrefix(source, "./") {
		return false
	}
	info, err := os.Stat(source)
	return err == nil && !info.IsDir()
}

// Create materializes the resource. Only identity and creation-time
// parameters are set here; the converger applies the attribute groups
// through the regular mutation path afterwards.
func (b *Backend) Create(ctx context.Context, id recon.Identity, desired recon.Object) error {
	init := initGroup(desired)
	var args []string

	switch b.kind {
	case "instance":
		if initBool(init, "empty") {
			args = []string{"init", b.name(id), "--empty"}
		} else {
			args = []string{"init", initStr(init, "image"), b.name(id)}
		}
		if initBool(init, "vm") {
			args = append(args, "--vm")
		}
		if initBool(init, "ephemeral") {
			args = append(args, "--ephemeral")
		}
		if v := initStr(init, "type"); v != "" {
			args = append(args, "--type", v)
		}
		if v := initStr(init, "network"); v != "" {
			args = append(args, "--network", v)
		}
		if v := initStr(init, "storage"); v != "" {
			args = append(args, "--storage", v)
		}
		if v := initStr(init, "target"); v != "" {
			args = append(args, "--target", v)
		}
		switch profiles := desired["profiles"].(type) {
		case []string:
			if len(profiles) == 0 {
				args = append(args, "--no-profiles")
			}
			for _, p := range profiles {
				args = append(args, "--profile", p)
			}
		}
	case "image":
		source := initStr(init, "source")
		if source == "" {
			return recon.NewError(recon.KindSchemaMismatch, "image create needs a source", nil).
				WithResource(id.String())
		}
		target := "local:"
		if id.Remote != "" && id.Remote != "local" {
			target = id.Remote + ":"
		}
		if isLocalFile(source) {
			// A tarball on the operator machine is imported rather than
			// copied. Remote runners stage it on the host first.
			path := source
			if stager, ok := b.runner.(FileStager); ok {
				staged, cleanup, err := stager.StageFile(ctx, source)
				if err != nil {
					return err
				}
				defer cleanup()
				path = staged
			}
			args = []string{"image", "import", path, target, "--alias", id.Name}
		} else {
			args = []string{"image", "copy", source, target, "--alias", id.Name}
			if initBool(init, "auto_update") {
				args = append(args, "--auto-update")
			}
		}
	case "snapshot":
		args = []string{"snapshot", "create", b.parent(id), id.Name}
		if initBool(init, "stateful") {
			args = append(args, "--stateful")
		}
	case "network":
		args = []string{"network", "create", b.name(id)}
		if v := initStr(init, "type"); v != "" {
			args = append(args, "--type", v)
		}
		if v := initStr(init, "target"); v != "" {
			args = append(args, "--target", v)
		}
	case "network-acl":
		args = []string{"network", "acl", "create", b.name(id)}
	case "network-zone":
		args = []string{"network", "zone", "create", b.name(id)}
	case "network-forward":
		args = []string{"network", "forward", "create", b.parent(id), id.Name}
	case "storage-pool":
		driver := initStr(init, "driver")
		if driver == "" {
			driver = "dir"
		}
		args = []string{"storage", "create", b.name(id), driver}
	case "storage-volume":
		args = []string{"storage", "volume", "create", b.parent(id), id.Name}
		if v := initStr(init, "type"); v == "block" {
			args = append(args, "--type", "block")
		}
		if v := initStr(init, "content_type"); v != "" {
			args = append(args, "--content-type", v)
		}
		if v := initStr(init, "target"); v != "" {
			args = append(args, "--target", v)
		}
	case "profile", "project":
		args = append(b.noun(), "create", b.name(id))
	case "cluster-member":
		return recon.NewError(recon.KindBackendFailure,
			"cluster members join with a token, they cannot be created here", nil).
			WithResource(id.String())
	default:
		return recon.NewError(recon.KindBackendFailure,
			fmt.Sprintf("kind %s has no create wiring", b.kind), nil)
	}

	_, err := run(ctx, b.runner, b.args(id, args...), nil)
	return err
}

// Apply executes one attribute mutation.
func (b *Backend) Apply(ctx context.Context, id recon.Identity, m recon.Mutation) error {
	switch m.Field {
	case "config":
		return b.applyConfig(ctx, id, m)
	case "devices":
		return b.applyDevice(ctx, id, m)
	case "description":
		return b.patch(ctx, id, b.apiPath(id), map[string]interface{}{"description": m.Value})
	case "status":
		return b.applyStatus(ctx, id, m)
	case "profiles":
		return b.applyProfiles(ctx, id, m)
	case "ingress", "egress", "ports":
		if m.Op != recon.OpReplaceAll {
			return b.unsupported(id, m)
		}
		return b.patch(ctx, id, b.apiPath(id), map[string]interface{}{m.Field: m.Value})
	case "properties":
		return b.applyImageProperty(ctx, id, m)
	case "public":
		return b.applyImagePublic(ctx, id, m)
	case "aliases":
		return b.applyImageAlias(ctx, id, m)
	case "groups":
		return b.applyClusterGroups(ctx, id, m)
	case "expires_at":
		return b.patch(ctx, id, b.apiPath(id), map[string]interface{}{"expires_at": m.Value})
	default:
		return b.unsupported(id, m)
	}
}

func (b *Backend) applyConfig(ctx context.Context, id recon.Identity, m recon.Mutation) error {
	var prefix []string
	switch b.kind {
	case "instance":
		prefix = []string{"config"}
	case "storage-volume":
		prefix = []string{"storage", "volume"}
	case "network-forward":
		prefix = []string{"network", "forward"}
	case "cluster-member":
		prefix = []string{"cluster"}
	default:
		prefix = b.noun()
	}
	if prefix == nil {
		return b.unsupported(id, m)
	}

	var args []string
	switch {
	case b.kind == "storage-volume":
		args = append(prefix, verbFor(m.Op), b.parent(id), id.Name)
	case b.kind == "network-forward":
		args = append(prefix, verbFor(m.Op), b.parent(id), id.Name)
	default:
		args = append(prefix, verbFor(m.Op), b.name(id))
	}
	switch m.Op {
	case recon.OpSet:
		args = append(args, m.Key+"="+stringifyScalar(m.Value))
	case recon.OpUnset:
		args = append(args, m.Key)
	default:
		return b.unsupported(id, m)
	}
	_, err := run(ctx, b.runner, b.args(id, args...), nil)
	return err
}

func verbFor(op recon.Op) string {
	if op == recon.OpUnset {
		return "unset"
	}
	return "set"
}

func (b *Backend) applyDevice(ctx context.Context, id recon.Identity, m recon.Mutation) error {
	var prefix []string
	switch b.kind {
	case "instance":
		prefix = []string{"config", "device"}
	case "profile":
		prefix = []string{"profile", "device"}
	default:
		return b.unsupported(id, m)
	}

	switch m.Op {
	case recon.OpAddItem, recon.OpSet:
		entry, ok := m.Value.(map[string]string)
		if !ok {
			return b.unsupported(id, m)
		}
		// Re-setting an existing device replaces it whole: the CLI's
		// per-property set cannot clear properties the entry dropped.
		if m.Op == recon.OpSet {
			rm := append(append([]string{}, prefix...), "remove", b.name(id), m.Key)
			if _, err := run(ctx, b.runner, b.args(id, rm...), nil); err != nil {
				return err
			}
		}
		devType := entry["type"]
		args := append(append([]string{}, prefix...), "add", b.name(id), m.Key, devType)
		for _, k := range sortedEntryKeys(entry) {
			if k == "type" {
				continue
			}
			args = append(args, k+"="+entry[k])
		}
		_, err := run(ctx, b.runner, b.args(id, args...), nil)
		return err
	case recon.OpRemoveItem:
		args := append(append([]string{}, prefix...), "remove", b.name(id), m.Key)
		_, err := run(ctx, b.runner, b.args(id, args...), nil)
		return err
	default:
		return b.unsupported(id, m)
	}
}

func (b *Backend) applyStatus(ctx context.Context, id recon.Identity, m recon.Mutation) error {
	switch stringifyScalar(m.Value) {
	case "Running":
		_, err := run(ctx, b.runner, b.args(id, "start", b.name(id)), nil)
		return err
	case "Stopped":
		_, err := run(ctx, b.runner, b.args(id, "stop", b.name(id)), nil)
		return err
	default:
		return b.unsupported(id, m)
	}
}

func (b *Backend) applyProfiles(ctx context.Context, id recon.Identity, m recon.Mutation) error {
	switch m.Op {
	case recon.OpAddItem:
		_, err := run(ctx, b.runner, b.args(id, "profile", "add", b.name(id), stringifyScalar(m.Value)), nil)
		return err
	case recon.OpRemoveItem:
		_, err := run(ctx, b.runner, b.args(id, "profile", "remove", b.name(id), stringifyScalar(m.Value)), nil)
		return err
	case recon.OpReplaceAll:
		return b.patch(ctx, id, b.apiPath(id), map[string]interface{}{"profiles": m.Value})
	default:
		return b.unsupported(id, m)
	}
}

func (b *Backend) applyImageProperty(ctx context.Context, id recon.Identity, m recon.Mutation) error {
	switch m.Op {
	case recon.OpSet:
		_, err := run(ctx, b.runner, b.args(id, "image", "set-property", b.name(id), m.Key, stringifyScalar(m.Value)), nil)
		return err
	case recon.OpUnset:
		_, err := run(ctx, b.runner, b.args(id, "image", "unset-property", b.name(id), m.Key), nil)
		return err
	default:
		return b.unsupported(id, m)
	}
}

func (b *Backend) applyImagePublic(ctx context.Context, id recon.Identity, m recon.Mutation) error {
	fingerprint, err := b.resolveFingerprint(ctx, id)
	if err != nil {
		return err
	}
	return b.patch(ctx, id, "/1.0/images/"+fingerprint,
		map[string]interface{}{"public": stringifyScalar(m.Value) == "true"})
}

func (b *Backend) applyImageAlias(ctx context.Context, id recon.Identity, m recon.Mutation) error {
	alias := stringifyScalar(m.Value)
	target := alias
	if id.Remote != "" && id.Remote != "local" {
		target = id.Remote + ":" + alias
	}
	switch m.Op {
	case recon.OpAddItem:
		fingerprint, err := b.resolveFingerprint(ctx, id)
		if err != nil {
			return err
		}
		_, err = run(ctx, b.runner, b.args(id, "image", "alias", "create", target, fingerprint), nil)
		return err
	case recon.OpRemoveItem:
		_, err := run(ctx, b.runner, b.args(id, "image", "alias", "delete", target), nil)
		return err
	default:
		return b.unsupported(id, m)
	}
}

// applyClusterGroups edits member group lists through the API: the CLI
// only offers whole-list assignment.
func (b *Backend) applyClusterGroups(ctx context.Context, id recon.Identity, m recon.Mutation) error {
	observed, err := b.fetchClusterMember(ctx, id)
	if err != nil {
		return err
	}
	groups, _ := observed["groups"].([]string)
	switch m.Op {
	case recon.OpAddItem:
		groups = append(groups, stringifyScalar(m.Value))
	case recon.OpRemoveItem:
		out := groups[:0]
		for _, g := range groups {
			if g != stringifyScalar(m.Value) {
				out = append(out, g)
			}
		}
		groups = out
	case recon.OpReplaceAll:
		switch v := m.Value.(type) {
		case []string:
			groups = v
		default:
			groups = stringList(v)
		}
	default:
		return b.unsupported(id, m)
	}
	return b.patch(ctx, id, b.apiPath(id), map[string]interface{}{"groups": groups})
}

// RenameOrMove renames the resource, or moves it when source and
// destination differ in remote or project.
func (b *Backend) RenameOrMove(ctx context.Context, src, dst recon.Identity, opts recon.MoveOptions) error {
	crossServer := src.Remote != dst.Remote || src.Project != dst.Project

	var args []string
	switch b.kind {
	case "instance":
		verb := "rename"
		if crossServer {
			verb = "move"
		}
		args = []string{verb, b.name(src), b.name(dst)}
		if crossServer && dst.Project != "" && dst.Project != "default" {
			args = append(args, "--target-project", dst.Project)
		}
	case "profile":
		args = []string{"profile", "rename", b.name(src), dst.Name}
	case "project":
		args = []string{"project", "rename", b.name(src), dst.Name}
	case "network":
		args = []string{"network", "rename", b.name(src), dst.Name}
	case "network-acl":
		args = []string{"network", "acl", "rename", b.name(src), dst.Name}
	case "storage-volume":
		if opts.TargetPool != "" && opts.TargetPool != src.Parent {
			args = []string{"storage", "volume", "move",
				b.parent(src) + "/" + src.Name, opts.TargetPool + "/" + dst.Name}
		} else {
			args = []string{"storage", "volume", "rename", b.parent(src), src.Name, dst.Name}
		}
	case "snapshot":
		args = []string{"snapshot", "rename", b.parent(src), src.Name, dst.Name}
	default:
		return recon.NewError(recon.KindBackendFailure,
			fmt.Sprintf("kind %s cannot be renamed", b.kind), nil).WithResource(src.String())
	}
	_, err := run(ctx, b.runner, b.args(src, args...), nil)
	return err
}

// Delete removes the resource.
func (b *Backend) Delete(ctx context.Context, id recon.Identity, opts recon.DeleteOptions) error {
	var args []string
	switch b.kind {
	case "instance":
		args = []string{"delete", b.name(id)}
		if opts.Force {
			args = append(args, "--force")
		}
	case "image":
		args = []string{"image", "delete", b.name(id)}
	case "snapshot":
		args = []string{"snapshot", "delete", b.parent(id), id.Name}
	case "network-forward":
		args = []string{"network", "forward", "delete", b.parent(id), id.Name}
	case "storage-volume":
		args = []string{"storage", "volume", "delete", b.parent(id), id.Name}
	case "cluster-member":
		args = []string{"cluster", "remove", id.Name}
		if opts.Force {
			args = append(args, "--force")
		}
	case "project":
		args = []string{"project", "delete", b.name(id)}
		if opts.Force {
			args = append(args, "--force")
		}
	default:
		noun := b.noun()
		if noun == nil {
			return recon.NewError(recon.KindBackendFailure,
				fmt.Sprintf("kind %s has no delete wiring", b.kind), nil)
		}
		args = append(noun, "delete", b.name(id))
	}
	_, err := run(ctx, b.runner, b.args(id, args...), nil)
	return err
}

func (b *Backend) unsupported(id recon.Identity, m recon.Mutation) error {
	return recon.NewError(recon.KindBackendFailure,
		fmt.Sprintf("kind %s cannot apply %s", b.kind, m.String()), nil).
		WithResource(id.String())
}

func sortedEntryKeys(entry map[string]string) []string {
	keys := make([]string, 0, len(entry))
	for k := range entry {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
