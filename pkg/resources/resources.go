// Package resources provides one controller per Incus resource family.
// A controller owns the family's merge policy table, projects the caller's
// typed spec into a desired document, runs the Converger, and maps the
// outcome to the caller-facing report.
package resources

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/crystian/incant/pkg/recon"
)

// validate checks controller specs before any backend call.
var validate = validator.New(validator.WithRequiredStructEnabled())

// Report is the caller-facing reconciliation report every controller
// returns, mirroring the changed/msg contract of the wrapped CLI modules.
type Report struct {
	// Changed reports whether any mutation was applied (or would be, in
	// dry-run).
	Changed bool `json:"changed"`

	// Msg is the human-readable status message.
	Msg string `json:"msg"`

	// Extra carries resource-specific fields (fingerprint, members, ...).
	Extra map[string]interface{} `json:"extra,omitempty"`

	// Result is the underlying engine result, for callers that want the
	// mutation detail.
	Result *recon.Result `json:"-"`
}

func (r *Report) withExtra(key string, value interface{}) *Report {
	if r.Extra == nil {
		r.Extra = make(map[string]interface{})
	}
	r.Extra[key] = value
	return r
}

// reportFor builds the report message from the engine result, following
// the wording of the original command wrappers ("Profile updated",
// "Profile would be created", "Network matches configuration").
func reportFor(label string, res *recon.Result, dryRun bool) *Report {
	report := &Report{Changed: res.Changed, Result: res}
	verb := verbFor(res)
	if !res.Changed {
		report.Msg = label + " matches configuration"
		return report
	}
	if dryRun {
		report.Msg = fmt.Sprintf("%s would be %s", label, verb)
		return report
	}
	report.Msg = fmt.Sprintf("%s %s", label, verb)
	return report
}

func verbFor(res *recon.Result) string {
	var created, renamed, deleted bool
	for _, m := range res.Mutations {
		switch m.Op {
		case recon.OpCreate:
			created = true
		case recon.OpRename:
			renamed = true
		case recon.OpDelete:
			deleted = true
		}
	}
	switch {
	case deleted && created:
		return "recreated"
	case created:
		return "created"
	case renamed && len(res.Mutations) == 1:
		return "renamed"
	case deleted:
		return "deleted"
	default:
		return "updated"
	}
}

func absentReport(label string, res *recon.Result, dryRun bool) *Report {
	report := &Report{Changed: res.Changed, Result: res}
	switch {
	case !res.Changed:
		report.Msg = label + " not found"
	case dryRun:
		report.Msg = label + " would be deleted"
	default:
		report.Msg = label + " deleted"
	}
	return report
}

// Scope addresses the Incus server and project a controller operates in.
type Scope struct {
	// Remote is the Incus remote. Empty or "local" targets the local
	// daemon.
	Remote string

	// Project is the Incus project. Empty means "default".
	Project string
}

func (s Scope) identity(name string) recon.Identity {
	return recon.Identity{Remote: s.Remote, Project: s.Project, Name: name}
}

func (s Scope) child(parent, name string) recon.Identity {
	return recon.Identity{Remote: s.Remote, Project: s.Project, Parent: parent, Name: name}
}

func specErr(err error) error {
	return recon.NewError(recon.KindSchemaMismatch, "invalid spec", err)
}

// stringMapValues stringifies a loosely typed config map the way the CLI
// does: every value becomes its string form.
func stringMapValues(in map[string]interface{}) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}

// splitNullKeys separates a config map into values to set and keys whose
// null value requests an explicit unset.
func splitNullKeys(in map[string]interface{}) (set map[string]string, unset []string) {
	if in == nil {
		return nil, nil
	}
	set = make(map[string]string, len(in))
	for k, v := range in {
		if v == nil {
			unset = append(unset, k)
			continue
		}
		set[k] = fmt.Sprintf("%v", v)
	}
	sort.Strings(unset)
	return set, unset
}

func componentLogger(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", strings.ReplaceAll(name, " ", "-")).Logger()
}
