package manifest

import (
	"context"
	"testing"
)

func TestEvaluateComputesGlobals(t *testing.T) {
	ev := NewEvaluator(0)
	out, err := ev.Evaluate(context.Background(), `
count = 3
names = ["web-" + str(i) for i in range(count)]
_scratch = "hidden"
`, nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if out["count"] != int64(3) {
		t.Errorf("count = %v", out["count"])
	}
	names, ok := out["names"].([]interface{})
	if !ok || len(names) != 3 || names[2] != "web-2" {
		t.Errorf("names = %#v", out["names"])
	}
	if _, leaked := out["_scratch"]; leaked {
		t.Error("underscore global leaked into output")
	}
}

func TestEvaluateReadsVars(t *testing.T) {
	ev := NewEvaluator(0)
	out, err := ev.Evaluate(context.Background(), `
label = vars["env"] + "-worker"
`, map[string]interface{}{"env": "prod"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if out["label"] != "prod-worker" {
		t.Errorf("label = %v", out["label"])
	}
}

func TestEvaluateSizeBytes(t *testing.T) {
	ev := NewEvaluator(0)
	out, err := ev.Evaluate(context.Background(), `
mem = size_bytes("2GiB")
`, nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if out["mem"] != int64(2<<30) {
		t.Errorf("mem = %v", out["mem"])
	}

	if _, err := ev.Evaluate(context.Background(), `x = size_bytes("fast")`, nil); err == nil {
		t.Error("non-size string did not error")
	}
}

func TestEvaluateScriptError(t *testing.T) {
	ev := NewEvaluator(0)
	if _, err := ev.Evaluate(context.Background(), `x = undefined_name`, nil); err == nil {
		t.Error("undefined name did not error")
	}
}
