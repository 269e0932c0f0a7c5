package manifest

import (
	"context"
	"fmt"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/crystian/incant/pkg/recon"
)

// Evaluator runs the compute block of a manifest: a starlark script
// whose top-level assignments become manifest variables. The script
// sees the declared variables as a dict named vars.
type Evaluator struct {
	timeout time.Duration
}

// NewEvaluator creates an evaluator. A zero timeout means 30 seconds.
func NewEvaluator(timeout time.Duration) *Evaluator {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Evaluator{timeout: timeout}
}

// Evaluate runs the script and returns its exported globals. Names
// starting with an underscore stay private to the script.
func (ev *Evaluator) Evaluate(ctx context.Context, script string, vars map[string]interface{}) (map[string]interface{}, error) {
	runCtx, cancel := context.WithTimeout(ctx, ev.timeout)
	defer cancel()

	type outcome struct {
		out map[string]interface{}
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := ev.run(script, vars)
		done <- outcome{out, err}
	}()

	select {
	case <-runCtx.Done():
		return nil, recon.NewError(recon.KindBackendTimeout,
			fmt.Sprintf("compute block did not finish within %v", ev.timeout), runCtx.Err())
	case o := <-done:
		return o.out, o.err
	}
}

func (ev *Evaluator) run(script string, vars map[string]interface{}) (map[string]interface{}, error) {
	varsDict := starlark.NewDict(len(vars))
	for k, v := range vars {
		sv, err := toStarlark(v)
		if err != nil {
			return nil, fmt.Errorf("converting variable %s: %w", k, err)
		}
		if err := varsDict.SetKey(starlark.String(k), sv); err != nil {
			return nil, err
		}
	}

	thread := &starlark.Thread{
		Name:  "compute",
		Print: func(_ *starlark.Thread, _ string) {},
	}
	predeclared := starlark.StringDict{
		"struct":     starlarkstruct.Default,
		"vars":       varsDict,
		"size_bytes": starlark.NewBuiltin("size_bytes", builtinSizeBytes),
	}

	globals, err := starlark.ExecFile(thread, "compute.star", script, predeclared)
	if err != nil {
		return nil, fmt.Errorf("compute block failed: %w", err)
	}

	out := make(map[string]interface{})
	for name, val := range globals {
		if len(name) > 0 && name[0] == '_' {
			continue
		}
		gv, err := fromStarlark(val)
		if err != nil {
			return nil, fmt.Errorf("converting computed variable %s: %w", name, err)
		}
		out[name] = gv
	}
	return out, nil
}

// builtinSizeBytes parses an Incus size string into an integer byte
// count, so compute blocks can do arithmetic on limits.memory and
// friends.
func builtinSizeBytes(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var s string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "size", &s); err != nil {
		return nil, err
	}
	n, ok := recon.SizeBytes(s)
	if !ok {
		return nil, fmt.Errorf("size_bytes: %q is not a size", s)
	}
	return starlark.MakeInt64(n), nil
}

func toStarlark(v interface{}) (starlark.Value, error) {
	switch val := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		items := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlark(item)
			if err != nil {
				return nil, err
			}
			items[i] = sv
		}
		return starlark.NewList(items), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := toStarlark(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported variable type %T", v)
	}
}

func fromStarlark(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer out of range")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		items := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			gv, err := fromStarlark(val.Index(i))
			if err != nil {
				return nil, err
			}
			items[i] = gv
		}
		return items, nil
	case starlark.Tuple:
		items := make([]interface{}, len(val))
		for i, item := range val {
			gv, err := fromStarlark(item)
			if err != nil {
				return nil, err
			}
			items[i] = gv
		}
		return items, nil
	case *starlark.Dict:
		out := make(map[string]interface{}, val.Len())
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key %s is not a string", item[0])
			}
			gv, err := fromStarlark(item[1])
			if err != nil {
				return nil, err
			}
			out[string(key)] = gv
		}
		return out, nil
	case *starlarkstruct.Struct:
		out := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			gv, err := fromStarlark(attr)
			if err != nil {
				return nil, err
			}
			out[name] = gv
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type %s", v.Type())
	}
}
