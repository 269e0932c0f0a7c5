package engine

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/crystian/incant/pkg/inventory"
	"github.com/crystian/incant/pkg/manifest"
	"github.com/crystian/incant/pkg/policy"
	"github.com/crystian/incant/pkg/resources"
)

// scriptedRunner serves a profile document for show calls and flips it
// to the post-write document once any mutating verb lands.
type scriptedRunner struct {
	doc   string
	next  string
	calls [][]string
}

func (r *scriptedRunner) Run(_ context.Context, args []string, _ []byte) (string, string, int, error) {
	r.calls = append(r.calls, args)
	joined := strings.Join(args, " ")
	if strings.HasPrefix(joined, "profile show") {
		if r.doc == "" {
			return "", "Error: Profile not found", 1, nil
		}
		return r.doc, "", 0, nil
	}
	if r.next != "" {
		r.doc = r.next
	}
	return "", "", 0, nil
}

func (r *scriptedRunner) writes() int {
	n := 0
	for _, call := range r.calls {
		if !strings.HasPrefix(strings.Join(call, " "), "profile show") {
			n++
		}
	}
	return n
}

const profileOld = `
name: web
description: old
config: {}
devices: {}
`

const profileNew = `
name: web
description: new
config: {}
devices: {}
`

func newTestEngine(t *testing.T, runner *scriptedRunner, withStore bool) (*Engine, inventory.Store) {
	t.Helper()
	pol, err := policy.NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("policy.NewEngine: %v", err)
	}
	cfg := Config{Runner: runner, Policies: pol, Logger: zerolog.Nop()}
	var store inventory.Store
	if withStore {
		s, err := inventory.NewSQLiteStore(filepath.Join(t.TempDir(), "inventory.db"), zerolog.Nop())
		if err != nil {
			t.Fatalf("NewSQLiteStore: %v", err)
		}
		ctx := context.Background()
		if err := s.Init(ctx); err != nil {
			t.Fatalf("Init: %v", err)
		}
		if err := s.Migrate(ctx); err != nil {
			t.Fatalf("Migrate: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		store = s
		cfg.Store = s
	}
	return New(cfg), store
}

func profileManifest(spec map[string]interface{}) *manifest.Manifest {
	return &manifest.Manifest{
		Resources: []manifest.Declaration{{
			Kind:  "profile",
			Name:  "web",
			State: "present",
			Spec:  spec,
		}},
		SourceFiles: []string{"site.yaml"},
	}
}

func TestApplyNoChange(t *testing.T) {
	runner := &scriptedRunner{doc: profileOld}
	e, _ := newTestEngine(t, runner, false)

	summary, err := e.Apply(context.Background(), profileManifest(map[string]interface{}{
		"name":        "web",
		"description": "old",
	}), Options{})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if summary.Changed != 0 {
		t.Errorf("changed = %d", summary.Changed)
	}
	if summary.Steps[0].Status != inventory.StepStatusSkipped {
		t.Errorf("status = %q", summary.Steps[0].Status)
	}
	if runner.writes() != 0 {
		t.Errorf("%d write calls on a converged profile", runner.writes())
	}
}

func TestApplyUpdatesProfile(t *testing.T) {
	runner := &scriptedRunner{doc: profileOld, next: profileNew}
	e, store := newTestEngine(t, runner, true)
	ctx := context.Background()

	summary, err := e.Apply(ctx, profileManifest(map[string]interface{}{
		"name":        "web",
		"description": "new",
	}), Options{Environment: "staging"})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if summary.Changed != 1 {
		t.Errorf("changed = %d", summary.Changed)
	}
	step := summary.Steps[0]
	if step.Status != inventory.StepStatusApplied || step.Operation != "update" {
		t.Errorf("step = %+v", step)
	}
	if runner.writes() == 0 {
		t.Error("no write call reached the backend")
	}

	run, err := store.GetRun(ctx, summary.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != inventory.RunStatusCompleted || run.Changed != 1 {
		t.Errorf("recorded run %+v", run)
	}
	steps, err := store.ListSteps(ctx, summary.RunID)
	if err != nil {
		t.Fatalf("ListSteps: %v", err)
	}
	if len(steps) != 1 || steps[0].Kind != "profile" || !steps[0].Changed {
		t.Errorf("recorded steps %+v", steps)
	}

	baseline, err := store.GetResourceState(ctx, "profile", "", "", "web")
	if err != nil {
		t.Fatalf("GetResourceState: %v", err)
	}
	if baseline.LastRunID != summary.RunID {
		t.Errorf("baseline run = %q", baseline.LastRunID)
	}
}

func TestApplyBlockedByPolicy(t *testing.T) {
	runner := &scriptedRunner{}
	e, _ := newTestEngine(t, runner, false)

	summary, err := e.Apply(context.Background(), profileManifest(map[string]interface{}{
		"name": "web",
		"config": map[string]interface{}{
			"security.privileged": "true",
		},
	}), Options{})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if summary.Blocked != 1 {
		t.Errorf("blocked = %d", summary.Blocked)
	}
	step := summary.Steps[0]
	if step.Status != inventory.StepStatusBlocked || len(step.Violations) == 0 {
		t.Errorf("step = %+v", step)
	}
	if runner.writes() != 0 {
		t.Errorf("%d write calls on a blocked declaration", runner.writes())
	}
}

func TestPlanDoesNotWrite(t *testing.T) {
	runner := &scriptedRunner{doc: profileOld}
	e, _ := newTestEngine(t, runner, false)

	summary, err := e.Plan(context.Background(), profileManifest(map[string]interface{}{
		"name":        "web",
		"description": "new",
	}), Options{})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if !summary.DryRun {
		t.Error("plan summary not marked dry-run")
	}
	if summary.Changed != 1 {
		t.Errorf("changed = %d", summary.Changed)
	}
	if runner.writes() != 0 {
		t.Errorf("%d write calls during plan", runner.writes())
	}
}

func TestDriftDetectsDivergence(t *testing.T) {
	runner := &scriptedRunner{doc: profileOld}
	e, _ := newTestEngine(t, runner, false)

	summary, err := e.Drift(context.Background(), profileManifest(map[string]interface{}{
		"name":        "web",
		"description": "new",
	}), Options{})
	if err != nil {
		t.Fatalf("Drift: %v", err)
	}
	if summary.Changed != 1 {
		t.Errorf("drifted = %d", summary.Changed)
	}
	if runner.writes() != 0 {
		t.Errorf("%d write calls during drift check", runner.writes())
	}
}

func TestApplyFailsOnUnknownKind(t *testing.T) {
	runner := &scriptedRunner{}
	e, _ := newTestEngine(t, runner, false)

	m := &manifest.Manifest{Resources: []manifest.Declaration{{
		Kind: "widget", Name: "w", State: "present",
	}}}
	summary, err := e.Apply(context.Background(), m, Options{})
	if err == nil {
		t.Fatal("Apply accepted an unknown kind")
	}
	if summary.Failed != 1 {
		t.Errorf("failed = %d", summary.Failed)
	}
}

func TestOrdered(t *testing.T) {
	decls := []manifest.Declaration{
		{Kind: "instance", Name: "web-1", State: "present"},
		{Kind: "profile", Name: "gone", State: "absent"},
		{Kind: "profile", Name: "web", State: "present"},
		{Kind: "network", Name: "br0", State: "present"},
		{Kind: "instance", Name: "old", State: "absent"},
		{Kind: "project", Name: "apps", State: "present"},
	}
	got := ordered(decls)

	var sequence []string
	for _, d := range got {
		sequence = append(sequence, d.Kind+"/"+d.Name)
	}
	want := []string{
		"project/apps", "network/br0", "profile/web", "instance/web-1",
		"instance/old", "profile/gone",
	}
	for i := range want {
		if sequence[i] != want[i] {
			t.Fatalf("order = %v, want %v", sequence, want)
		}
	}
}

func TestOperationFor(t *testing.T) {
	if op := operationFor(manifest.Declaration{}, nil); op != "none" {
		t.Errorf("nil plan op = %q", op)
	}
	report := &resources.Report{Changed: true}
	if op := operationFor(manifest.Declaration{State: "absent"}, report); op != "delete" {
		t.Errorf("absent imperative op = %q", op)
	}
	if op := operationFor(manifest.Declaration{State: "present"}, report); op != "update" {
		t.Errorf("imperative op = %q", op)
	}
}
