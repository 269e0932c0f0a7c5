// Package inventory persists reconciliation history and drift
// baselines in a local SQLite database. Every apply is recorded as a
// run with per-resource steps, and the applied state of each resource
// is kept as a hashed baseline for drift detection.
package inventory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of a recorded run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// StepStatus is the outcome of one resource within a run.
type StepStatus string

const (
	StepStatusApplied StepStatus = "applied"
	StepStatusSkipped StepStatus = "skipped"
	StepStatusBlocked StepStatus = "blocked"
	StepStatusFailed  StepStatus = "failed"
)

// Run is one invocation of apply or drift over a manifest.
type Run struct {
	ID          string     `json:"id"`
	Manifest    string     `json:"manifest"`
	Environment string     `json:"environment,omitempty"`
	DryRun      bool       `json:"dry_run"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
	Changed     int        `json:"changed"`
	Failed      int        `json:"failed"`
}

// Step is the recorded outcome of one declaration within a run.
type Step struct {
	ID        string     `json:"id"`
	RunID     string     `json:"run_id"`
	Kind      string     `json:"kind"`
	Resource  string     `json:"resource"`
	Operation string     `json:"operation"`
	Status    StepStatus `json:"status"`
	Changed   bool       `json:"changed"`
	Mutations int        `json:"mutations"`
	Message   string     `json:"message,omitempty"`
	Error     *string    `json:"error,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	Duration  int64      `json:"duration_ms"`
}

// ResourceState is the drift baseline of one resource: the document
// observed right after its last successful apply.
type ResourceState struct {
	Kind        string    `json:"kind"`
	Remote      string    `json:"remote,omitempty"`
	Project     string    `json:"project,omitempty"`
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Hash        string    `json:"hash"`
	LastRunID   string    `json:"last_run_id"`
	LastApplied time.Time `json:"last_applied"`
}

// HashState produces the canonical hash of a resource document.
// encoding/json sorts map keys, so equal documents hash equal.
func HashState(doc map[string]interface{}) (string, string, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", "", err
	}
	sum := sha256.Sum256(raw)
	return string(raw), hex.EncodeToString(sum[:]), nil
}

// Store is the persistence interface the CLI works against.
type Store interface {
	Init(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error

	CreateRun(ctx context.Context, run *Run) error
	FinishRun(ctx context.Context, id string, status RunStatus, runErr *string, changed, failed int) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	CreateStep(ctx context.Context, step *Step) error
	ListSteps(ctx context.Context, runID string) ([]*Step, error)

	UpsertResourceState(ctx context.Context, state *ResourceState) error
	GetResourceState(ctx context.Context, kind, remote, project, name string) (*ResourceState, error)
	ListResourceStates(ctx context.Context) ([]*ResourceState, error)
	DeleteResourceState(ctx context.Context, kind, remote, project, name string) error

	HealthCheck(ctx context.Context) error
}
