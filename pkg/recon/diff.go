package recon

import (
	"reflect"
	"sort"
)

// Diff computes the ordered mutation list that converges observed onto
// desired for the attribute groups governed by policy. It is a pure
// function: no side effects, no backend calls.
//
// The core invariant: applying the returned mutations to observed yields a
// document structurally equal to desired on the governed groups, so
// re-diffing the post-state returns an empty list.
//
// Groups absent from desired are not governed by this call and produce no
// mutations. changed is true iff the mutation list is non-empty.
func Diff(desired, observed Object, policy Policy) ([]Mutation, bool, error) {
	var mutations []Mutation

	for _, rule := range policy.Rules {
		from := rule.Field
		if rule.From != "" {
			from = rule.From
		}
		dv, ok := desired[from]
		if !ok || dv == nil {
			continue
		}
		ov := observed[rule.Field]

		ms, err := diffField(rule, dv, ov)
		if err != nil {
			return nil, false, err
		}
		mutations = append(mutations, ms...)
	}

	return mutations, len(mutations) > 0, nil
}

func diffField(rule FieldRule, desired, observed interface{}) ([]Mutation, error) {
	switch rule.Strategy {
	case StrategyKeyUpsert:
		return diffMapField(rule, desired, observed, false)
	case StrategyFullReplace, StrategyPropertyReplaceAll:
		return diffReplaceField(rule, desired, observed)
	case StrategyKeyRemoveSubset:
		return diffRemoveSubset(rule, desired, observed)
	case StrategyListMembership:
		return diffListMembership(rule, desired, observed)
	default:
		return nil, NewError(KindSchemaMismatch,
			"unknown merge strategy "+string(rule.Strategy), nil).
			WithOperation("diff").WithDetail("field", rule.Field)
	}
}

// diffReplaceField handles full-replace semantics for every document shape
// a group can take: scalar, flat map, nested map, or list.
func diffReplaceField(rule FieldRule, desired, observed interface{}) ([]Mutation, error) {
	if isScalar(desired) {
		if observed != nil && !isScalar(observed) {
			return nil, schemaErr(rule.Field, "scalar desired vs non-scalar observed")
		}
		if !scalarEqual(desired, observed, rule.unitAware(rule.Field)) {
			return []Mutation{{Op: OpSet, Field: rule.Field, Value: stringify(desired)}}, nil
		}
		return nil, nil
	}

	if isList(desired) {
		// Declarative list documents (ACL rules, forward ports) are
		// replaced as a whole when structurally different.
		if observed != nil && !isList(observed) {
			return nil, schemaErr(rule.Field, "list desired vs non-list observed")
		}
		if !reflect.DeepEqual(normalizeValue(desired), normalizeValue(observed)) {
			return []Mutation{{Op: OpReplaceAll, Field: rule.Field, Value: desired}}, nil
		}
		return nil, nil
	}

	return diffMapField(rule, desired, observed, true)
}

// diffMapField diffs flat and nested map groups. exhaustive selects
// full-replace semantics: extra observed keys are removed.
func diffMapField(rule FieldRule, desired, observed interface{}, exhaustive bool) ([]Mutation, error) {
	if nested, ok := asNestedMap(desired); ok {
		onested, err := asNestedMapOrEmpty(rule.Field, observed)
		if err != nil {
			return nil, err
		}
		return diffNestedMap(rule, nested, onested, exhaustive), nil
	}

	dmap, ok := asFlatMap(desired)
	if !ok {
		return nil, schemaErr(rule.Field, "expected a map group")
	}
	omap, err := asFlatMapOrEmpty(rule.Field, observed)
	if err != nil {
		return nil, err
	}

	var mutations []Mutation
	if exhaustive {
		for _, k := range sortedKeys(omap) {
			if _, present := dmap[k]; !present {
				mutations = append(mutations, Mutation{Op: OpUnset, Field: rule.Field, Key: k})
			}
		}
	}
	for _, k := range sortedKeys(dmap) {
		cur, present := omap[k]
		if !present || !scalarEqual(dmap[k], cur, rule.unitAware(k)) {
			mutations = append(mutations, Mutation{Op: OpSet, Field: rule.Field, Key: k, Value: dmap[k]})
		}
	}
	return mutations, nil
}

// diffNestedMap diffs nested map groups (device definitions). Entries are
// compared as whole sub-documents: a differing entry is re-set in full, a
// new one added, and under exhaustive semantics an extra one removed.
func diffNestedMap(rule FieldRule, desired, observed map[string]map[string]string, exhaustive bool) []Mutation {
	var mutations []Mutation

	// Removals first to avoid transient duplicate-name conflicts.
	if exhaustive {
		for _, name := range sortedNestedKeys(observed) {
			if _, present := desired[name]; !present {
				mutations = append(mutations, Mutation{Op: OpRemoveItem, Field: rule.Field, Key: name})
			}
		}
	}
	for _, name := range sortedNestedKeys(desired) {
		cur, present := observed[name]
		switch {
		case !present:
			mutations = append(mutations, Mutation{Op: OpAddItem, Field: rule.Field, Key: name, Value: desired[name]})
		case !nestedEntryEqual(rule, desired[name], cur):
			mutations = append(mutations, Mutation{Op: OpSet, Field: rule.Field, Key: name, Value: desired[name]})
		}
	}
	return mutations
}

func nestedEntryEqual(rule FieldRule, desired, observed map[string]string) bool {
	if len(desired) != len(observed) {
		return false
	}
	for k, v := range desired {
		cur, ok := observed[k]
		if !ok || !scalarEqual(v, cur, rule.unitAware(k)) {
			return false
		}
	}
	return true
}

// diffRemoveSubset interprets desired as a set of keys or entry names to
// remove; desired values are ignored. Only removals for keys actually
// present in observed are produced.
func diffRemoveSubset(rule FieldRule, desired, observed interface{}) ([]Mutation, error) {
	keys, err := removalKeys(rule.Field, desired)
	if err != nil {
		return nil, err
	}

	var mutations []Mutation
	if nested, ok := asNestedMap(observed); ok {
		for _, k := range keys {
			if _, present := nested[k]; present {
				mutations = append(mutations, Mutation{Op: OpRemoveItem, Field: rule.Field, Key: k})
			}
		}
		return mutations, nil
	}
	omap, err := asFlatMapOrEmpty(rule.Field, observed)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		if _, present := omap[k]; present {
			mutations = append(mutations, Mutation{Op: OpUnset, Field: rule.Field, Key: k})
		}
	}
	return mutations, nil
}

func removalKeys(field string, desired interface{}) ([]string, error) {
	switch v := desired.(type) {
	case []string:
		return v, nil
	case []interface{}:
		keys := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, schemaErr(field, "removal list must contain only key names")
			}
			keys = append(keys, s)
		}
		return keys, nil
	case map[string]string:
		return sortedKeys(v), nil
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return keys, nil
	case map[string]map[string]string:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return keys, nil
	default:
		return nil, schemaErr(field, "removal set must be a list of keys or a map")
	}
}

// diffListMembership computes the two-way set difference of a list group.
// Removals precede additions. When the rule is order-sensitive and the
// membership already matches but the order does not, a single replace-all
// mutation carrying the desired list is emitted instead.
func diffListMembership(rule FieldRule, desired, observed interface{}) ([]Mutation, error) {
	dlist, ok := asItemList(desired)
	if !ok {
		return nil, schemaErr(rule.Field, "expected a list group")
	}
	olist, err := asItemListOrEmpty(rule.Field, observed)
	if err != nil {
		return nil, err
	}

	var mutations []Mutation
	if rule.Exhaustive {
		for _, item := range olist {
			if !containsItem(dlist, item) {
				mutations = append(mutations, Mutation{Op: OpRemoveItem, Field: rule.Field, Value: item})
			}
		}
	}
	for _, item := range dlist {
		if !containsItem(olist, item) {
			mutations = append(mutations, Mutation{Op: OpAddItem, Field: rule.Field, Value: item})
		}
	}

	if len(mutations) == 0 && rule.OrderSensitive && !sameOrder(dlist, olist) {
		mutations = append(mutations, Mutation{Op: OpReplaceAll, Field: rule.Field, Value: desired})
	}
	return mutations, nil
}

func containsItem(list []interface{}, item interface{}) bool {
	ni := normalizeValue(item)
	for _, other := range list {
		if reflect.DeepEqual(normalizeValue(other), ni) {
			return true
		}
	}
	return false
}

// sameOrder reports whether the observed list follows the desired order for
// the items both lists share. Extra items are ignored here; membership is
// checked separately.
func sameOrder(desired, observed []interface{}) bool {
	pos := 0
	for _, item := range desired {
		ni := normalizeValue(item)
		found := -1
		for i := pos; i < len(observed); i++ {
			if reflect.DeepEqual(normalizeValue(observed[i]), ni) {
				found = i
				break
			}
		}
		if found < 0 {
			// Not present at or after the cursor; if present earlier the
			// order differs, if absent entirely membership handles it.
			for i := 0; i < pos; i++ {
				if reflect.DeepEqual(normalizeValue(observed[i]), ni) {
					return false
				}
			}
			continue
		}
		pos = found + 1
	}
	return true
}

func schemaErr(field, msg string) *Error {
	return NewError(KindSchemaMismatch, msg, nil).
		WithOperation("diff").WithDetail("field", field)
}

// Shape helpers. Observed documents come from parsed YAML/JSON, so map and
// list containers arrive as interface{} trees; everything is coerced to
// canonical forms before comparison.

func isScalar(v interface{}) bool {
	switch v.(type) {
	case string, bool, int, int64, float64:
		return true
	default:
		return false
	}
}

func isList(v interface{}) bool {
	switch v.(type) {
	case []string, []interface{}:
		return true
	default:
		return false
	}
}

func asFlatMap(v interface{}) (map[string]string, bool) {
	switch m := v.(type) {
	case map[string]string:
		return m, true
	case map[string]interface{}:
		out := make(map[string]string, len(m))
		for k, val := range m {
			if !isScalar(val) && val != nil {
				return nil, false
			}
			out[k] = stringify(val)
		}
		return out, true
	default:
		return nil, false
	}
}

func asFlatMapOrEmpty(field string, v interface{}) (map[string]string, error) {
	if v == nil {
		return map[string]string{}, nil
	}
	m, ok := asFlatMap(v)
	if !ok {
		return nil, schemaErr(field, "observed group is not a flat map")
	}
	return m, nil
}

func asNestedMap(v interface{}) (map[string]map[string]string, bool) {
	switch m := v.(type) {
	case map[string]map[string]string:
		return m, true
	case map[string]interface{}:
		// An empty interface map is ambiguous; treat it as flat so that
		// empty desired documents take the flat-map path.
		if len(m) == 0 {
			return nil, false
		}
		out := make(map[string]map[string]string, len(m))
		for k, val := range m {
			inner, ok := asFlatMap(val)
			if !ok {
				return nil, false
			}
			out[k] = inner
		}
		return out, true
	default:
		return nil, false
	}
}

func asNestedMapOrEmpty(field string, v interface{}) (map[string]map[string]string, error) {
	if v == nil {
		return map[string]map[string]string{}, nil
	}
	m, ok := asNestedMap(v)
	if !ok {
		return nil, schemaErr(field, "observed group is not a nested map")
	}
	return m, nil
}

func asItemList(v interface{}) ([]interface{}, bool) {
	switch l := v.(type) {
	case []interface{}:
		return l, true
	case []string:
		out := make([]interface{}, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	default:
		return nil, false
	}
}

func asItemListOrEmpty(field string, v interface{}) ([]interface{}, error) {
	if v == nil {
		return nil, nil
	}
	l, ok := asItemList(v)
	if !ok {
		return nil, schemaErr(field, "observed group is not a list")
	}
	return l, nil
}

// normalizeValue converts a value into a canonical comparable form:
// scalars become strings, maps become map[string]interface{} with
// normalized children, lists become []interface{} with normalized items.
func normalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case nil:
		return nil
	case map[string]string:
		out := make(map[string]interface{}, len(val))
		for k, s := range val {
			out[k] = s
		}
		return out
	case map[string]map[string]string:
		out := make(map[string]interface{}, len(val))
		for k, m := range val {
			out[k] = normalizeValue(m)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = normalizeValue(item)
		}
		return out
	case []string:
		out := make([]interface{}, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return stringify(val)
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedNestedKeys(m map[string]map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
