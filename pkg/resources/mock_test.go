package resources

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/crystian/incant/pkg/recon"
)

// mockBackend is an in-memory ResourceBackend with the apply semantics
// of the CLI backend.
type mockBackend struct {
	t       *testing.T
	objects map[string]recon.Object
	inUse   map[string]bool
	creates []string
	deletes []string
	renames []string
}

func newMockBackend(t *testing.T) *mockBackend {
	return &mockBackend{
		t:       t,
		objects: make(map[string]recon.Object),
		inUse:   make(map[string]bool),
	}
}

func (m *mockBackend) Fetch(_ context.Context, id recon.Identity) (recon.Object, error) {
	obj, ok := m.objects[id.String()]
	if !ok {
		return nil, recon.NewError(recon.KindNotFound, "not found", nil).WithResource(id.String())
	}
	return obj.Clone(), nil
}

func (m *mockBackend) Create(_ context.Context, id recon.Identity, desired recon.Object) error {
	m.creates = append(m.creates, id.String())
	obj := recon.Object{}
	for _, field := range []string{"description", "status", "public"} {
		if v, ok := desired[field]; ok {
			obj[field] = v
		}
	}
	for _, field := range []string{"config", "properties"} {
		flat := map[string]string{}
		if v, ok := desired[field].(map[string]string); ok {
			for k, val := range v {
				flat[k] = val
			}
		}
		obj[field] = flat
	}
	if v, ok := desired["devices"].(map[string]map[string]string); ok {
		devices := map[string]map[string]string{}
		for k, val := range v {
			devices[k] = val
		}
		obj["devices"] = devices
	}
	for _, field := range []string{"profiles", "aliases", "groups"} {
		if v, ok := desired[field].([]string); ok {
			obj[field] = append([]string(nil), v...)
		}
	}
	m.objects[id.String()] = obj
	return nil
}

func (m *mockBackend) Apply(_ context.Context, id recon.Identity, mut recon.Mutation) error {
	obj, ok := m.objects[id.String()]
	if !ok {
		return recon.NewError(recon.KindNotFound, "not found", nil).WithResource(id.String())
	}
	switch mut.Op {
	case recon.OpSet:
		if mut.Key == "" {
			obj[mut.Field] = mut.Value
			return nil
		}
		switch group := obj[mut.Field].(type) {
		case map[string]map[string]string:
			group[mut.Key] = mut.Value.(map[string]string)
		default:
			flat, _ := obj[mut.Field].(map[string]string)
			if flat == nil {
				flat = map[string]string{}
				obj[mut.Field] = flat
			}
			flat[mut.Key] = mut.Value.(string)
		}
	case recon.OpUnset:
		if flat, ok := obj[mut.Field].(map[string]string); ok {
			delete(flat, mut.Key)
		}
	case recon.OpAddItem:
		switch group := obj[mut.Field].(type) {
		case map[string]map[string]string:
			group[mut.Key] = mut.Value.(map[string]string)
		default:
			list, _ := obj[mut.Field].([]string)
			obj[mut.Field] = append(list, mut.Value.(string))
		}
	case recon.OpRemoveItem:
		switch group := obj[mut.Field].(type) {
		case map[string]map[string]string:
			delete(group, mut.Key)
		case []string:
			out := group[:0]
			for _, item := range group {
				if item != mut.Value.(string) {
					out = append(out, item)
				}
			}
			obj[mut.Field] = out
		}
	case recon.OpReplaceAll:
		obj[mut.Field] = mut.Value
	default:
		m.t.Fatalf("unexpected op %s", mut.Op)
	}
	return nil
}

func (m *mockBackend) RenameOrMove(_ context.Context, src, dst recon.Identity, _ recon.MoveOptions) error {
	obj, ok := m.objects[src.String()]
	if !ok {
		return recon.NewError(recon.KindNotFound, "not found", nil).WithResource(src.String())
	}
	m.renames = append(m.renames, src.String()+"->"+dst.String())
	delete(m.objects, src.String())
	m.objects[dst.String()] = obj
	return nil
}

func (m *mockBackend) Delete(_ context.Context, id recon.Identity, opts recon.DeleteOptions) error {
	if _, ok := m.objects[id.String()]; !ok {
		return recon.NewError(recon.KindNotFound, "not found", nil).WithResource(id.String())
	}
	if m.inUse[id.String()] && !opts.Force {
		return recon.NewError(recon.KindReferentialConflict, "resource is in use", nil).
			WithResource(id.String())
	}
	m.deletes = append(m.deletes, id.String())
	delete(m.objects, id.String())
	return nil
}

func testConverger(b recon.ResourceBackend) *recon.Converger {
	return recon.NewConverger(b, zerolog.Nop())
}
