package recon

import (
	"fmt"
	"time"
)

// Object is one resource's attribute document, keyed by attribute group
// (e.g. "config", "devices", "description", "profiles"). Group values are
// scalars (string), flat maps (map[string]string), nested maps
// (map[string]map[string]string, used for device definitions), or lists
// ([]string or []interface{} for rule documents).
//
// Desired and observed documents are built per reconciliation call and
// discarded afterwards; observed documents must never be reused across
// calls because staleness invalidates diff correctness.
type Object map[string]interface{}

// Clone returns a shallow-ish copy of the object: group containers are
// copied one level deep so callers can project fields without mutating the
// source document.
func (o Object) Clone() Object {
	if o == nil {
		return nil
	}
	out := make(Object, len(o))
	for k, v := range o {
		switch val := v.(type) {
		case map[string]string:
			m := make(map[string]string, len(val))
			for mk, mv := range val {
				m[mk] = mv
			}
			out[k] = m
		case map[string]map[string]string:
			m := make(map[string]map[string]string, len(val))
			for mk, mv := range val {
				inner := make(map[string]string, len(mv))
				for ik, iv := range mv {
					inner[ik] = iv
				}
				m[mk] = inner
			}
			out[k] = m
		case []string:
			s := make([]string, len(val))
			copy(s, val)
			out[k] = s
		default:
			out[k] = v
		}
	}
	return out
}

// Identity addresses one resource on one Incus server.
type Identity struct {
	// Remote is the Incus remote name. Empty or "local" means the default
	// local remote.
	Remote string `json:"remote,omitempty"`

	// Project is the Incus project scope. Empty means "default".
	Project string `json:"project,omitempty"`

	// Parent scopes resources addressed below another resource: the network
	// for forwards, the storage pool for volumes, the instance for snapshots.
	Parent string `json:"parent,omitempty"`

	// Name is the resource name. For network forwards this is the listen
	// address; for images the alias.
	Name string `json:"name"`
}

// String renders the identity in incus CLI notation (remote:name).
func (id Identity) String() string {
	name := id.Name
	if id.Parent != "" {
		name = id.Parent + "/" + id.Name
	}
	if id.Remote != "" && id.Remote != "local" {
		return id.Remote + ":" + name
	}
	return name
}

// WithName returns a copy of the identity addressing a different name in
// the same scope. Used to address rename sources.
func (id Identity) WithName(name string) Identity {
	id.Name = name
	return id
}

// Op is a primitive mutation operation.
type Op string

const (
	// OpSet sets one key of a map group, or the whole value of a scalar group.
	OpSet Op = "set"

	// OpUnset removes one key of a map group.
	OpUnset Op = "unset"

	// OpAddItem adds a member to a list group, or a new entry to a nested
	// map group (device add).
	OpAddItem Op = "add-item"

	// OpRemoveItem removes a member from a list group or an entry from a
	// nested map group.
	OpRemoveItem Op = "remove-item"

	// OpReplaceAll replaces a group's entire value. Emitted for
	// order-sensitive lists whose membership matches but whose order does
	// not.
	OpReplaceAll Op = "replace-all"

	// OpCreate creates the resource itself. Identity-level; emitted by the
	// Converger, never by the DiffEngine.
	OpCreate Op = "create"

	// OpRename renames or moves the resource. Identity-level.
	OpRename Op = "rename"

	// OpDelete deletes the resource. Identity-level.
	OpDelete Op = "delete"
)

// Mutation is one primitive backend write instruction. Mutations are
// ordered; within a group, removals precede additions so that transient
// duplicate-key conflicts cannot occur.
type Mutation struct {
	// Op is the primitive operation.
	Op Op `json:"op"`

	// Field is the attribute group the mutation targets. Empty for
	// identity-level operations (create, rename, delete).
	Field string `json:"field,omitempty"`

	// Key is the map key or entry name within the group, when applicable.
	// Keys are kept separate from Field because Incus config keys contain
	// dots ("limits.cpu"); a single dotted path would be ambiguous.
	Key string `json:"key,omitempty"`

	// Value is the value to set or the item to add. Nil for unset/remove.
	Value interface{} `json:"value,omitempty"`
}

// String renders the mutation for logs and reports.
func (m Mutation) String() string {
	switch {
	case m.Key != "":
		if m.Value != nil {
			return fmt.Sprintf("%s %s.%s=%v", m.Op, m.Field, m.Key, m.Value)
		}
		return fmt.Sprintf("%s %s.%s", m.Op, m.Field, m.Key)
	case m.Field != "":
		if m.Value != nil {
			return fmt.Sprintf("%s %s=%v", m.Op, m.Field, m.Value)
		}
		return fmt.Sprintf("%s %s", m.Op, m.Field)
	default:
		return string(m.Op)
	}
}

// IdentityLevel reports whether the mutation operates on the resource
// itself rather than one of its attribute groups.
func (m Mutation) IdentityLevel() bool {
	return m.Op == OpCreate || m.Op == OpRename || m.Op == OpDelete
}

// Options carries per-call reconciliation options. The zero value is a
// plain idempotent ensure-present.
type Options struct {
	// RenameFrom names the rename source within the same scope. When set
	// and the destination does not exist yet, the Converger performs the
	// rename before attribute-level diffing.
	RenameFrom string

	// Force authorizes destructive operations that would otherwise be
	// rejected: deleting a rename destination that already exists, or
	// deleting a resource still referenced by dependents. The engine only
	// forwards the flag; referential safety is the backend's call.
	Force bool

	// Reuse authorizes delete-then-recreate of an already existing named
	// sub-resource (snapshot, image alias). The pair counts as a single
	// change, not a no-op.
	Reuse bool

	// DryRun computes and reports mutations without applying any.
	DryRun bool

	// NoCreate makes a missing resource a not-found error instead of
	// creating it. Used by controllers that edit existing resources only.
	NoCreate bool

	// SkipVerify disables the post-apply re-read. Used for operations whose
	// side effects are not reliably reflected in an immediate read.
	SkipVerify bool
}

// Result is the reconciliation outcome returned to resource controllers.
type Result struct {
	// RunID uniquely identifies this reconciliation call.
	RunID string `json:"run_id"`

	// Kind is the resource kind label from the policy.
	Kind string `json:"kind"`

	// Identity is the resource identity after the operation (the new name
	// for renames).
	Identity Identity `json:"identity"`

	// Changed reports whether any mutation was applied (or, in dry-run,
	// would have been).
	Changed bool `json:"changed"`

	// Mutations is the ordered list of mutations applied. On partial
	// failure it holds exactly the subset applied before the failure.
	Mutations []Mutation `json:"mutations,omitempty"`

	// Verified reports whether the post-apply re-read confirmed
	// convergence. False when verification was skipped.
	Verified bool `json:"verified"`

	// StartedAt is when the reconciliation started.
	StartedAt time.Time `json:"started_at"`

	// Duration is the total reconciliation time.
	Duration time.Duration `json:"duration"`
}
