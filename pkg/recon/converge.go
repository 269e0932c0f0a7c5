package recon

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Recorder receives reconciliation outcomes for metrics collection.
// Implemented by pkg/telemetry; a nil recorder is a no-op.
type Recorder interface {
	RecordReconcile(kind, outcome string, changed bool, mutations int, duration time.Duration)
}

// Converger orchestrates one reconciliation: resolve identity, fetch
// observed state, diff, apply mutations in order, verify. A single call is
// strictly sequential; independent resources may be reconciled from
// concurrent goroutines, but callers must never run two reconciliations
// against the same identity at once.
type Converger struct {
	backend  ResourceBackend
	logger   zerolog.Logger
	recorder Recorder
	tracer   trace.Tracer
}

// ConvergerOption configures a Converger.
type ConvergerOption func(*Converger)

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) ConvergerOption {
	return func(c *Converger) { c.recorder = r }
}

// NewConverger creates a Converger over the given backend.
func NewConverger(backend ResourceBackend, logger zerolog.Logger, opts ...ConvergerOption) *Converger {
	c := &Converger{
		backend: backend,
		logger:  logger.With().Str("component", "converger").Logger(),
		tracer:  otel.Tracer("incant/recon"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Reconcile converges the resource at id onto desired under policy.
//
// The result is returned even on failure so callers can see the applied
// subset of mutations. A failed apply is never reported as unchanged.
func (c *Converger) Reconcile(ctx context.Context, id Identity, desired Object, policy Policy, opts Options) (*Result, error) {
	result := &Result{
		RunID:     uuid.New().String(),
		Kind:      policy.Kind,
		Identity:  id,
		StartedAt: time.Now(),
	}

	ctx, span := c.tracer.Start(ctx, "recon.reconcile",
		trace.WithAttributes(
			attribute.String("resource.kind", policy.Kind),
			attribute.String("resource.id", id.String()),
			attribute.String("run.id", result.RunID),
		))
	defer span.End()

	err := c.reconcile(ctx, id, desired, policy, opts, result)
	result.Duration = time.Since(result.StartedAt)
	result.Changed = len(result.Mutations) > 0
	if err != nil && KindOf(err) == KindPartialApply {
		// A failed apply is never a no-op, even when nothing landed.
		result.Changed = true
	}

	outcome := "success"
	if err != nil {
		outcome = string(KindOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if c.recorder != nil {
		c.recorder.RecordReconcile(policy.Kind, outcome, result.Changed, len(result.Mutations), result.Duration)
	}

	c.logger.Debug().
		Str("kind", policy.Kind).
		Str("resource", id.String()).
		Bool("changed", result.Changed).
		Int("mutations", len(result.Mutations)).
		Str("outcome", outcome).
		Dur("duration", result.Duration).
		Msg("Reconciliation finished")

	return result, err
}

func (c *Converger) reconcile(ctx context.Context, id Identity, desired Object, policy Policy, opts Options, result *Result) error {
	observed, done, err := c.resolveIdentity(ctx, id, opts, result)
	if err != nil || done {
		return err
	}

	if observed == nil {
		observed, err = c.fetchObserved(ctx, id)
		if err != nil && !IsNotFound(err) {
			return err
		}
	}

	// Reuse: an existing named sub-resource is deleted and recreated; the
	// pair counts as one change, never as a no-op.
	if observed != nil && opts.Reuse {
		result.Mutations = append(result.Mutations, Mutation{Op: OpDelete}, Mutation{Op: OpCreate, Value: desired})
		if opts.DryRun {
			return nil
		}
		if err := c.backend.Delete(ctx, id, DeleteOptions{Force: opts.Force}); err != nil {
			return c.backendErr(err, id, "delete")
		}
		if err := c.backend.Create(ctx, id, desired); err != nil {
			return c.backendErr(err, id, "create")
		}
		observed, err = c.fetchObserved(ctx, id)
		if err != nil {
			return c.backendErr(err, id, "fetch-after-create")
		}
	}

	if observed == nil {
		if opts.NoCreate {
			return NewError(KindNotFound, "resource does not exist", nil).
				WithResource(id.String())
		}
		created, err := c.create(ctx, id, desired, opts, result)
		if err != nil || !created {
			return err
		}
		observed, err = c.fetchObserved(ctx, id)
		if err != nil {
			return c.backendErr(err, id, "fetch-after-create")
		}
	}

	mutations, _, err := Diff(desired, observed, policy)
	if err != nil {
		var e *Error
		if errors.As(err, &e) {
			e.Resource = id.String()
		}
		return err
	}
	if len(mutations) == 0 {
		result.Verified = true
		return nil
	}

	if opts.DryRun {
		result.Mutations = append(result.Mutations, mutations...)
		return nil
	}

	for i, m := range mutations {
		if err := c.backend.Apply(ctx, id, m); err != nil {
			return NewError(KindPartialApply, "mutation apply failed", err).
				WithResource(id.String()).
				WithOperation(m.String()).
				WithDetail("applied", i).
				WithDetail("queued", len(mutations))
		}
		result.Mutations = append(result.Mutations, m)
	}

	return c.verify(ctx, id, desired, policy, opts, result)
}

// resolveIdentity handles the rename transition before attribute diffing.
// It returns the observed document to diff against when it already fetched
// one (dry-run rename compares against the source's attributes), and done
// when reconciliation should stop early.
func (c *Converger) resolveIdentity(ctx context.Context, id Identity, opts Options, result *Result) (Object, bool, error) {
	if opts.RenameFrom == "" || opts.RenameFrom == id.Name {
		return nil, false, nil
	}
	src := id.WithName(opts.RenameFrom)

	srcObserved, err := c.fetchObserved(ctx, src)
	if err != nil && !IsNotFound(err) {
		return nil, false, err
	}
	srcExists := srcObserved != nil

	dstObserved, err := c.fetchObserved(ctx, id)
	if err != nil && !IsNotFound(err) {
		return nil, false, err
	}
	dstExists := dstObserved != nil

	switch {
	case !srcExists:
		// Already renamed (or never existed); continue against dst.
		return dstObserved, false, nil

	case srcExists && dstExists:
		if !opts.Force {
			return nil, false, NewError(KindIdentityConflict,
				"rename destination already exists", nil).
				WithResource(id.String()).
				WithDetail("rename_from", src.Name)
		}
		if opts.DryRun {
			result.Mutations = append(result.Mutations,
				Mutation{Op: OpDelete},
				Mutation{Op: OpRename, Value: src.String()})
			return srcObserved, false, nil
		}
		if err := c.backend.Delete(ctx, id, DeleteOptions{Force: true}); err != nil {
			return nil, false, c.backendErr(err, id, "delete-destination")
		}
		fallthrough

	default: // srcExists && !dstExists (or destination just cleared)
		if opts.DryRun {
			result.Mutations = append(result.Mutations, Mutation{Op: OpRename, Value: src.String()})
			// Diff against the source's attributes under the new identity.
			return srcObserved, false, nil
		}
		if err := c.backend.RenameOrMove(ctx, src, id, MoveOptions{}); err != nil {
			return nil, false, c.backendErr(err, id, "rename")
		}
		result.Mutations = append(result.Mutations, Mutation{Op: OpRename, Value: src.String()})
		return nil, false, nil
	}
}

func (c *Converger) create(ctx context.Context, id Identity, desired Object, opts Options, result *Result) (bool, error) {
	result.Mutations = append(result.Mutations, Mutation{Op: OpCreate, Value: desired})
	if opts.DryRun {
		return false, nil
	}
	if err := c.backend.Create(ctx, id, desired); err != nil {
		result.Mutations = result.Mutations[:len(result.Mutations)-1]
		return false, c.backendErr(err, id, "create")
	}
	return true, nil
}

// verify re-reads the resource and re-diffs. A residual diff means the
// backend accepted mutations that did not take effect; that is surfaced as
// a partial apply, never silently reported as converged.
func (c *Converger) verify(ctx context.Context, id Identity, desired Object, policy Policy, opts Options, result *Result) error {
	if policy.SkipVerify || opts.SkipVerify {
		return nil
	}
	observed, err := c.fetchObserved(ctx, id)
	if err != nil {
		return c.backendErr(err, id, "verify-fetch")
	}
	residual, _, err := Diff(desired, observed, policy)
	if err != nil {
		return err
	}
	if len(residual) > 0 {
		return NewError(KindPartialApply, "post-apply state did not converge", nil).
			WithResource(id.String()).
			WithOperation("verify").
			WithDetail("residual", len(residual))
	}
	result.Verified = true
	return nil
}

// Destroy removes the resource if it exists. Missing resources are
// reported unchanged.
func (c *Converger) Destroy(ctx context.Context, id Identity, kind string, opts Options) (*Result, error) {
	result := &Result{
		RunID:     uuid.New().String(),
		Kind:      kind,
		Identity:  id,
		StartedAt: time.Now(),
	}
	defer func() { result.Duration = time.Since(result.StartedAt) }()

	ctx, span := c.tracer.Start(ctx, "recon.destroy",
		trace.WithAttributes(
			attribute.String("resource.kind", kind),
			attribute.String("resource.id", id.String()),
		))
	defer span.End()

	_, err := c.fetchObserved(ctx, id)
	if IsNotFound(err) {
		if c.recorder != nil {
			c.recorder.RecordReconcile(kind, "success", false, 0, time.Since(result.StartedAt))
		}
		return result, nil
	}
	if err != nil {
		span.RecordError(err)
		return result, err
	}

	result.Mutations = append(result.Mutations, Mutation{Op: OpDelete})
	result.Changed = true
	if opts.DryRun {
		return result, nil
	}

	if err := c.backend.Delete(ctx, id, DeleteOptions{Force: opts.Force}); err != nil {
		result.Mutations = nil
		result.Changed = false
		err = c.backendErr(err, id, "delete")
		span.RecordError(err)
		if c.recorder != nil {
			c.recorder.RecordReconcile(kind, string(KindOf(err)), false, 0, time.Since(result.StartedAt))
		}
		return result, err
	}
	if c.recorder != nil {
		c.recorder.RecordReconcile(kind, "success", true, 1, time.Since(result.StartedAt))
	}
	return result, nil
}

func (c *Converger) fetchObserved(ctx context.Context, id Identity) (Object, error) {
	obj, err := c.backend.Fetch(ctx, id)
	if err != nil {
		return nil, c.backendErr(err, id, "fetch")
	}
	return obj, nil
}

// backendErr preserves backend error classification and fills in resource
// and operation context.
func (c *Converger) backendErr(err error, id Identity, op string) error {
	var e *Error
	if errors.As(err, &e) {
		if e.Resource == "" {
			e.Resource = id.String()
		}
		if e.Operation == "" {
			e.Operation = op
		}
		return e
	}
	return NewError(KindBackendFailure, "backend call failed", err).
		WithResource(id.String()).
		WithOperation(op)
}
