package recon

import (
	"context"
	"reflect"
	"testing"
)

// applyMutation applies one mutation to an in-memory document, mirroring
// what a real backend does on the server. Shared by the convergence tests
// and the mock backend.
func applyMutation(t *testing.T, obj Object, m Mutation) {
	t.Helper()
	switch m.Op {
	case OpSet:
		if m.Key == "" {
			obj[m.Field] = m.Value
			return
		}
		if entry, ok := m.Value.(map[string]string); ok {
			nested := mustNested(t, obj, m.Field)
			nested[m.Key] = entry
			obj[m.Field] = nested
			return
		}
		flat := mustFlat(t, obj, m.Field)
		flat[m.Key] = stringify(m.Value)
		obj[m.Field] = flat

	case OpUnset:
		flat := mustFlat(t, obj, m.Field)
		delete(flat, m.Key)
		obj[m.Field] = flat

	case OpAddItem:
		if m.Key != "" {
			entry, ok := m.Value.(map[string]string)
			if !ok {
				t.Fatalf("add-item with key wants a map entry, got %T", m.Value)
			}
			nested := mustNested(t, obj, m.Field)
			nested[m.Key] = entry
			obj[m.Field] = nested
			return
		}
		list, err := asItemListOrEmpty(m.Field, obj[m.Field])
		if err != nil {
			t.Fatalf("add-item on non-list: %v", err)
		}
		obj[m.Field] = append(list, m.Value)

	case OpRemoveItem:
		if m.Key != "" {
			nested := mustNested(t, obj, m.Field)
			delete(nested, m.Key)
			obj[m.Field] = nested
			return
		}
		list, err := asItemListOrEmpty(m.Field, obj[m.Field])
		if err != nil {
			t.Fatalf("remove-item on non-list: %v", err)
		}
		var out []interface{}
		target := normalizeValue(m.Value)
		for _, item := range list {
			if !reflect.DeepEqual(normalizeValue(item), target) {
				out = append(out, item)
			}
		}
		obj[m.Field] = out

	case OpReplaceAll:
		obj[m.Field] = m.Value

	default:
		t.Fatalf("mock cannot apply identity-level mutation %s", m.Op)
	}
}

func mustFlat(t *testing.T, obj Object, field string) map[string]string {
	t.Helper()
	m, err := asFlatMapOrEmpty(field, obj[field])
	if err != nil {
		t.Fatalf("group %s is not a flat map: %v", field, err)
	}
	return m
}

func mustNested(t *testing.T, obj Object, field string) map[string]map[string]string {
	t.Helper()
	m, err := asNestedMapOrEmpty(field, obj[field])
	if err != nil {
		t.Fatalf("group %s is not a nested map: %v", field, err)
	}
	return m
}

func applyToObject(t *testing.T, obj Object, mutations []Mutation) Object {
	t.Helper()
	post := obj.Clone()
	for _, m := range mutations {
		applyMutation(t, post, m)
	}
	return post
}

// mockBackend is an in-memory ResourceBackend for Converger tests.
type mockBackend struct {
	t       *testing.T
	objects map[string]Object

	// failApplyAt makes the Nth Apply call fail (1-based). Zero disables.
	failApplyAt int
	applyCalls  int

	// inUse marks identities whose delete is blocked without force.
	inUse map[string]bool

	applied []Mutation
	renames [][2]string
	deletes []string
	creates []string
}

func newMockBackend(t *testing.T) *mockBackend {
	return &mockBackend{
		t:       t,
		objects: make(map[string]Object),
		inUse:   make(map[string]bool),
	}
}

func (b *mockBackend) Fetch(_ context.Context, id Identity) (Object, error) {
	obj, ok := b.objects[id.String()]
	if !ok {
		return nil, NewError(KindNotFound, "resource not found", nil).WithResource(id.String())
	}
	return obj.Clone(), nil
}

func (b *mockBackend) Create(_ context.Context, id Identity, desired Object) error {
	b.creates = append(b.creates, id.String())
	b.objects[id.String()] = desired.Clone()
	return nil
}

func (b *mockBackend) Apply(_ context.Context, id Identity, m Mutation) error {
	b.applyCalls++
	if b.failApplyAt > 0 && b.applyCalls == b.failApplyAt {
		return NewError(KindBackendFailure, "injected apply failure", nil)
	}
	obj, ok := b.objects[id.String()]
	if !ok {
		return NewError(KindNotFound, "resource not found", nil)
	}
	applyMutation(b.t, obj, m)
	b.applied = append(b.applied, m)
	return nil
}

func (b *mockBackend) RenameOrMove(_ context.Context, src, dst Identity, _ MoveOptions) error {
	obj, ok := b.objects[src.String()]
	if !ok {
		return NewError(KindNotFound, "rename source not found", nil)
	}
	delete(b.objects, src.String())
	b.objects[dst.String()] = obj
	b.renames = append(b.renames, [2]string{src.String(), dst.String()})
	return nil
}

func (b *mockBackend) Delete(_ context.Context, id Identity, opts DeleteOptions) error {
	if _, ok := b.objects[id.String()]; !ok {
		return NewError(KindNotFound, "resource not found", nil)
	}
	if b.inUse[id.String()] && !opts.Force {
		return NewError(KindReferentialConflict, "resource is in use", nil).WithResource(id.String())
	}
	delete(b.objects, id.String())
	b.deletes = append(b.deletes, id.String())
	return nil
}
