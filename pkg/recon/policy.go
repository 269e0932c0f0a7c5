package recon

import (
	"fmt"
	"strconv"
	"strings"
)

// Strategy selects the diff rules applied to one attribute group.
type Strategy string

const (
	// StrategyFullReplace makes the group fully declarative: keys present
	// in observed but absent from desired are unset. Scalars are replaced
	// when different. Nested map entries (devices) are added, replaced or
	// removed as whole entries.
	StrategyFullReplace Strategy = "full-replace"

	// StrategyKeyUpsert sets keys whose desired value differs or is absent
	// in observed, and never touches extra observed keys.
	StrategyKeyUpsert Strategy = "key-upsert"

	// StrategyKeyRemoveSubset interprets desired as the set of keys to
	// remove; values are ignored. Used by absent states.
	StrategyKeyRemoveSubset Strategy = "key-remove-subset"

	// StrategyListMembership diffs list membership both ways. Items in
	// desired but not observed are added; items in observed but not desired
	// are removed only when the rule is exhaustive.
	StrategyListMembership Strategy = "list-membership"

	// StrategyPropertyReplaceAll is the image-property flavor of
	// full-replace: declarative and destructive, omitting a property
	// deletes it. Kept distinct so callers see the destructive intent in
	// the policy table.
	StrategyPropertyReplaceAll Strategy = "property-replace-all"
)

// FieldRule declares how one attribute group of a resource is reconciled.
type FieldRule struct {
	// Field is the attribute group name in the desired/observed documents.
	Field string

	// From, when set, names the desired-document group the rule reads
	// instead of Field. Mutations still target Field. Used by absent
	// states, whose removal key sets live alongside the regular group
	// ("config_remove" removing keys of "config").
	From string

	// Strategy is the merge strategy for this group.
	Strategy Strategy

	// OrderSensitive declares list order semantically meaningful (profile
	// application order). When membership matches but order differs, a
	// single replace-all mutation is emitted.
	OrderSensitive bool

	// Exhaustive makes list-membership remove observed items absent from
	// desired. Non-exhaustive rules only ever add.
	Exhaustive bool

	// UnitAwareKeys lists map keys whose values are compared after size
	// normalization ("10GiB" == "10240MiB"). Comparison is literal for
	// every other key; unit-awareness is always declared, never inferred.
	UnitAwareKeys []string
}

func (r FieldRule) unitAware(key string) bool {
	for _, k := range r.UnitAwareKeys {
		if k == key {
			return true
		}
	}
	return false
}

// Policy is the per-resource-kind merge policy: an ordered table of field
// rules. Policies are stateless and shared; a composite resource is
// reconciled by running the diff once per rule and concatenating the
// mutation lists.
type Policy struct {
	// Kind is the resource kind label ("profile", "network", ...).
	Kind string

	// Rules are the attribute group rules, in apply order.
	Rules []FieldRule

	// SkipVerify disables the post-apply re-read for kinds whose side
	// effects are asynchronous on the server.
	SkipVerify bool
}

// Rule returns the rule governing field, if any.
func (p Policy) Rule(field string) (FieldRule, bool) {
	for _, r := range p.Rules {
		if r.Field == field {
			return r, true
		}
	}
	return FieldRule{}, false
}

// sizeSuffixes maps Incus size suffixes to byte multipliers. Both SI and
// binary suffixes appear in real configs.
var sizeSuffixes = []struct {
	suffix string
	mult   int64
}{
	{"EiB", 1 << 60}, {"PiB", 1 << 50}, {"TiB", 1 << 40},
	{"GiB", 1 << 30}, {"MiB", 1 << 20}, {"KiB", 1 << 10},
	{"EB", 1e18}, {"PB", 1e15}, {"TB", 1e12},
	{"GB", 1e9}, {"MB", 1e6}, {"kB", 1e3}, {"KB", 1e3},
	{"B", 1},
}

// normalizeSize parses an Incus size string into bytes. Returns false when
// the string is not a size, in which case the caller falls back to literal
// comparison.
func normalizeSize(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	for _, e := range sizeSuffixes {
		if strings.HasSuffix(s, e.suffix) {
			num := strings.TrimSpace(strings.TrimSuffix(s, e.suffix))
			v, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, false
			}
			return int64(v * float64(e.mult)), true
		}
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// SizeBytes parses an Incus size string ("2GiB", "500MB", "1073741824")
// into bytes. The bool reports whether the string was a size at all.
func SizeBytes(s string) (int64, bool) {
	return normalizeSize(s)
}

// scalarEqual compares two scalar values. Values are stringified first
// because Incus represents every config value as a string; when the rule
// declares the key unit-aware both sides are normalized to bytes.
func scalarEqual(a, b interface{}, unitAware bool) bool {
	as, bs := stringify(a), stringify(b)
	if unitAware {
		av, aok := normalizeSize(as)
		bv, bok := normalizeSize(bs)
		if aok && bok {
			return av == bv
		}
	}
	return as == bs
}

func stringify(v interface{}) string {
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
	default:
		return fmt.Sprintf("%v", val)
	}
}
