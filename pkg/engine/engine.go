// Package engine drives manifests end to end: it orders declarations,
// plans each one with a dry-run reconciliation, gates the plan through
// the policy engine, applies it, and records the outcome in the
// inventory.
package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/crystian/incant/pkg/backend/incuscli"
	"github.com/crystian/incant/pkg/inventory"
	"github.com/crystian/incant/pkg/manifest"
	"github.com/crystian/incant/pkg/policy"
	"github.com/crystian/incant/pkg/recon"
	"github.com/crystian/incant/pkg/resources"
)

// Config wires the engine's collaborators. Policies, Store and Metrics
// are optional; a nil value disables that concern.
type Config struct {
	Runner   incuscli.Runner
	Policies *policy.Engine
	Store    inventory.Store
	Metrics  recon.Recorder
	Logger   zerolog.Logger
}

// DriftRecorder extends the reconcile recorder with drift counters.
// The telemetry metrics implement it.
type DriftRecorder interface {
	RecordDrift(kind string, drifted bool)
}

// Engine executes manifests against one Incus backend.
type Engine struct {
	runner   incuscli.Runner
	client   *incuscli.Client
	policies *policy.Engine
	store    inventory.Store
	metrics  recon.Recorder
	log      zerolog.Logger
}

func New(cfg Config) *Engine {
	return &Engine{
		runner:   cfg.Runner,
		client:   incuscli.NewClient(cfg.Runner, cfg.Logger),
		policies: cfg.Policies,
		store:    cfg.Store,
		metrics:  cfg.Metrics,
		log:      cfg.Logger.With().Str("component", "engine").Logger(),
	}
}

// Options controls one Apply or Drift pass.
type Options struct {
	// DryRun plans every declaration without touching the backend.
	DryRun bool

	// KeepGoing continues past failed declarations instead of stopping.
	KeepGoing bool

	// Environment and User flow into policy input context.
	Environment string
	User        string
}

// Step is the outcome of one declaration.
type Step struct {
	Declaration manifest.Declaration
	Status      inventory.StepStatus
	Operation   string
	Report      *resources.Report
	Violations  []policy.Violation
	Err         error
	Duration    time.Duration
}

// Changed reports whether the step applied (or would apply) a change.
func (s Step) Changed() bool {
	return s.Report != nil && s.Report.Changed
}

// Summary is the outcome of a whole pass.
type Summary struct {
	RunID   string
	DryRun  bool
	Steps   []Step
	Changed int
	Failed  int
	Blocked int
}

// Apply reconciles every declaration in the manifest. Present
// declarations run in dependency order, absent ones in reverse, so a
// profile exists before the instances that use it and an instance is
// gone before its profile.
func (e *Engine) Apply(ctx context.Context, m *manifest.Manifest, opts Options) (*Summary, error) {
	summary := &Summary{RunID: uuid.New().String(), DryRun: opts.DryRun}
	decls := ordered(m.Resources)

	runRecorded := e.recordRunStart(ctx, summary, m, opts)

	var abort error
	for _, decl := range decls {
		step := e.applyOne(ctx, decl, opts, summary.RunID)
		summary.Steps = append(summary.Steps, step)
		switch step.Status {
		case inventory.StepStatusFailed:
			summary.Failed++
		case inventory.StepStatusBlocked:
			summary.Blocked++
		}
		if step.Changed() && step.Status != inventory.StepStatusBlocked {
			summary.Changed++
		}
		if runRecorded {
			e.recordStep(ctx, summary.RunID, step)
		}
		if step.Status == inventory.StepStatusFailed && !opts.KeepGoing {
			abort = step.Err
			break
		}
	}

	if runRecorded {
		e.recordRunEnd(ctx, summary, abort)
	}
	if abort != nil {
		return summary, abort
	}
	if summary.Failed > 0 {
		return summary, fmt.Errorf("%d of %d declarations failed", summary.Failed, len(summary.Steps))
	}
	return summary, nil
}

// Plan is Apply with dry-run forced.
func (e *Engine) Plan(ctx context.Context, m *manifest.Manifest, opts Options) (*Summary, error) {
	opts.DryRun = true
	return e.Apply(ctx, m, opts)
}

// applyOne runs the plan-gate-apply cycle for a single declaration.
func (e *Engine) applyOne(ctx context.Context, decl manifest.Declaration, opts Options, runID string) Step {
	start := time.Now()
	step := Step{Declaration: decl}

	plan, err := e.dispatch(ctx, decl, true)
	if err != nil {
		step.Status = inventory.StepStatusFailed
		step.Err = err
		step.Duration = time.Since(start)
		return step
	}
	step.Report = plan
	step.Operation = operationFor(decl, plan)

	if e.policies != nil {
		decision, err := e.policies.Evaluate(ctx, e.policyInput(decl, step.Operation, plan, opts))
		if err != nil {
			step.Status = inventory.StepStatusFailed
			step.Err = err
			step.Duration = time.Since(start)
			return step
		}
		step.Violations = decision.Violations
		if !decision.Allowed {
			step.Status = inventory.StepStatusBlocked
			step.Duration = time.Since(start)
			e.log.Warn().
				Str("kind", decl.Kind).
				Str("resource", decl.Name).
				Int("violations", len(decision.Violations)).
				Msg("declaration blocked by policy")
			return step
		}
	}

	if opts.DryRun || !plan.Changed {
		step.Status = inventory.StepStatusSkipped
		if plan.Changed {
			step.Status = inventory.StepStatusApplied
		}
		step.Duration = time.Since(start)
		if !opts.DryRun {
			e.updateBaseline(ctx, decl, runID)
		}
		return step
	}

	report, err := e.dispatch(ctx, decl, false)
	step.Report = report
	step.Duration = time.Since(start)
	if err != nil {
		step.Status = inventory.StepStatusFailed
		step.Err = err
		return step
	}
	step.Status = inventory.StepStatusApplied
	e.updateBaseline(ctx, decl, runID)
	return step
}

// Drift plans every declaration and reports the ones whose live state
// no longer matches the manifest. Nothing is applied.
func (e *Engine) Drift(ctx context.Context, m *manifest.Manifest, opts Options) (*Summary, error) {
	summary := &Summary{RunID: uuid.New().String(), DryRun: true}

	for _, decl := range ordered(m.Resources) {
		start := time.Now()
		step := Step{Declaration: decl}

		plan, err := e.dispatch(ctx, decl, true)
		if err != nil {
			step.Status = inventory.StepStatusFailed
			step.Err = err
			summary.Failed++
		} else {
			step.Report = plan
			step.Operation = operationFor(decl, plan)
			step.Status = inventory.StepStatusSkipped
			if plan.Changed {
				summary.Changed++
			}
		}
		step.Duration = time.Since(start)
		summary.Steps = append(summary.Steps, step)

		if rec, ok := e.metrics.(DriftRecorder); ok && step.Err == nil {
			rec.RecordDrift(decl.Kind, step.Changed())
		}
	}
	return summary, nil
}

// policyInput builds the policy document for one planned declaration.
func (e *Engine) policyInput(decl manifest.Declaration, operation string, plan *resources.Report, opts Options) *policy.Input {
	input := &policy.Input{
		Kind:      decl.Kind,
		Name:      decl.Name,
		Remote:    decl.Remote,
		Project:   decl.Project,
		State:     decl.State,
		Spec:      decl.Spec,
		Operation: operation,
		Context: policy.Context{
			User:        opts.User,
			Environment: opts.Environment,
			DryRun:      opts.DryRun,
			Timestamp:   time.Now(),
		},
	}
	if plan != nil && plan.Result != nil {
		for _, m := range plan.Result.Mutations {
			input.Mutations = append(input.Mutations, policy.Mutation{
				Op:    string(m.Op),
				Field: m.Field,
				Key:   m.Key,
				Value: m.Value,
			})
		}
	}
	return input
}

// operationFor derives the planned operation from the declaration state
// and the dry-run mutations.
func operationFor(decl manifest.Declaration, plan *resources.Report) string {
	if plan == nil {
		return "none"
	}
	if plan.Result != nil {
		var created, renamed, deleted bool
		for _, m := range plan.Result.Mutations {
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
		case created:
			return "create"
		case deleted:
			return "delete"
		case renamed:
			return "rename"
		case len(plan.Result.Mutations) > 0:
			return "update"
		}
		return "none"
	}
	// Imperative kinds (file, exec) have no mutation list.
	if !plan.Changed {
		return "none"
	}
	if decl.State == "absent" {
		return "delete"
	}
	return "update"
}

// updateBaseline refreshes the drift baseline after a successful apply.
func (e *Engine) updateBaseline(ctx context.Context, decl manifest.Declaration, runID string) {
	if e.store == nil {
		return
	}
	if decl.State == "absent" {
		err := e.store.DeleteResourceState(ctx, decl.Kind, decl.Remote, decl.Project, decl.Name)
		if err != nil && err != inventory.ErrNotFound {
			e.log.Warn().Err(err).Msg("removing drift baseline failed")
		}
		return
	}
	state, hash, err := inventory.HashState(decl.Spec)
	if err != nil {
		e.log.Warn().Err(err).Msg("hashing resource state failed")
		return
	}
	baseline := &inventory.ResourceState{
		Kind:        decl.Kind,
		Remote:      decl.Remote,
		Project:     decl.Project,
		Name:        decl.Name,
		State:       state,
		Hash:        hash,
		LastRunID:   runID,
		LastApplied: time.Now().UTC(),
	}
	if err := e.store.UpsertResourceState(ctx, baseline); err != nil {
		e.log.Warn().Err(err).Msg("updating drift baseline failed")
	}
}

func (e *Engine) recordRunStart(ctx context.Context, summary *Summary, m *manifest.Manifest, opts Options) bool {
	if e.store == nil {
		return false
	}
	manifestName := ""
	if len(m.SourceFiles) > 0 {
		manifestName = m.SourceFiles[0]
	}
	run := &inventory.Run{
		ID:          summary.RunID,
		Manifest:    manifestName,
		Environment: opts.Environment,
		DryRun:      opts.DryRun,
		Status:      inventory.RunStatusRunning,
		StartedAt:   time.Now().UTC(),
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		e.log.Warn().Err(err).Msg("recording run failed")
		return false
	}
	return true
}

func (e *Engine) recordStep(ctx context.Context, runID string, step Step) {
	message := ""
	if step.Report != nil {
		message = step.Report.Msg
	}
	mutations := 0
	if step.Report != nil && step.Report.Result != nil {
		mutations = len(step.Report.Result.Mutations)
	}
	rec := &inventory.Step{
		ID:        uuid.New().String(),
		RunID:     runID,
		Kind:      step.Declaration.Kind,
		Resource:  step.Declaration.Name,
		Operation: step.Operation,
		Status:    step.Status,
		Changed:   step.Changed(),
		Mutations: mutations,
		Message:   message,
		StartedAt: time.Now().UTC().Add(-step.Duration),
		Duration:  step.Duration.Milliseconds(),
	}
	if step.Err != nil {
		msg := step.Err.Error()
		rec.Error = &msg
	}
	if err := e.store.CreateStep(ctx, rec); err != nil {
		e.log.Warn().Err(err).Msg("recording step failed")
	}
}

func (e *Engine) recordRunEnd(ctx context.Context, summary *Summary, abort error) {
	status := inventory.RunStatusCompleted
	var runErr *string
	if summary.Failed > 0 {
		status = inventory.RunStatusFailed
	}
	if abort != nil {
		status = inventory.RunStatusFailed
		msg := abort.Error()
		runErr = &msg
	}
	if err := e.store.FinishRun(ctx, summary.RunID, status, runErr, summary.Changed, summary.Failed); err != nil {
		e.log.Warn().Err(err).Msg("finishing run record failed")
	}
}

// kindOrder is the dependency precedence for present declarations.
// Absent declarations run in reverse, after all present ones.
var kindOrder = map[string]int{
	"project":         10,
	"cluster_member":  15,
	"storage_pool":    20,
	"network":         30,
	"network_zone":    40,
	"network_acl":     50,
	"network_forward": 60,
	"storage_volume":  70,
	"profile":         80,
	"image":           90,
	"instance":        100,
	"copy":            105,
	"config":          110,
	"file":            120,
	"exec":            130,
	"snapshot":        140,
}

func ordered(decls []manifest.Declaration) []manifest.Declaration {
	out := make([]manifest.Declaration, len(decls))
	copy(out, decls)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if (a.State == "absent") != (b.State == "absent") {
			return b.State == "absent"
		}
		if a.State == "absent" {
			return kindOrder[a.Kind] > kindOrder[b.Kind]
		}
		return kindOrder[a.Kind] < kindOrder[b.Kind]
	})
	return out
}
