package inventory

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a run or baseline does not exist.
var ErrNotFound = errors.New("inventory: not found")

// SQLiteStore implements Store on a local SQLite file.
type SQLiteStore struct {
	db   *sql.DB
	path string
	log  zerolog.Logger
}

// NewSQLiteStore creates a store for the database at path. Init opens
// the connection.
func NewSQLiteStore(path string, logger zerolog.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{
		path: path,
		log:  logger.With().Str("component", "inventory").Logger(),
	}, nil
}

// Init opens the database, enables WAL mode and verifies the
// connection.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("pinging database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("enabling foreign keys: %w", err)
	}

	s.db = db
	s.log.Debug().Str("path", s.path).Msg("inventory database opened")
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate applies the embedded schema migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// HealthCheck verifies the database answers.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// CreateRun records the start of a run.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	const query = `
		INSERT INTO runs (id, manifest, environment, dry_run, status, started_at, completed_at, error, changed, failed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.Manifest, run.Environment, run.DryRun, run.Status,
		run.StartedAt, run.CompletedAt, run.Error, run.Changed, run.Failed)
	if err != nil {
		return fmt.Errorf("creating run: %w", err)
	}
	return nil
}

// FinishRun closes out a run with its final status and counters.
func (s *SQLiteStore) FinishRun(ctx context.Context, id string, status RunStatus, runErr *string, changed, failed int) error {
	const query = `
		UPDATE runs SET status = ?, completed_at = ?, error = ?, changed = ?, failed = ?
		WHERE id = ?
	`
	res, err := s.db.ExecContext(ctx, query, status, time.Now(), runErr, changed, failed, id)
	if err != nil {
		return fmt.Errorf("finishing run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRun retrieves one run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	const query = `
		SELECT id, manifest, environment, dry_run, status, started_at, completed_at, error, changed, failed
		FROM runs WHERE id = ?
	`
	run := &Run{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&run.ID, &run.Manifest, &run.Environment, &run.DryRun, &run.Status,
		&run.StartedAt, &run.CompletedAt, &run.Error, &run.Changed, &run.Failed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `
		SELECT id, manifest, environment, dry_run, status, started_at, completed_at, error, changed, failed
		FROM runs ORDER BY started_at DESC LIMIT ? OFFSET ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run := &Run{}
		if err := rows.Scan(
			&run.ID, &run.Manifest, &run.Environment, &run.DryRun, &run.Status,
			&run.StartedAt, &run.CompletedAt, &run.Error, &run.Changed, &run.Failed); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// DeleteRun removes a run and, through the foreign key, its steps.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateStep records one declaration outcome within a run.
func (s *SQLiteStore) CreateStep(ctx context.Context, step *Step) error {
	const query = `
		INSERT INTO steps (id, run_id, kind, resource, operation, status, changed, mutations, message, error, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		step.ID, step.RunID, step.Kind, step.Resource, step.Operation, step.Status,
		step.Changed, step.Mutations, step.Message, step.Error, step.StartedAt, step.Duration)
	if err != nil {
		return fmt.Errorf("creating step: %w", err)
	}
	return nil
}

// ListSteps returns a run's steps in execution order.
func (s *SQLiteStore) ListSteps(ctx context.Context, runID string) ([]*Step, error) {
	const query = `
		SELECT id, run_id, kind, resource, operation, status, changed, mutations, message, error, started_at, duration_ms
		FROM steps WHERE run_id = ? ORDER BY started_at, id
	`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("listing steps: %w", err)
	}
	defer rows.Close()

	var steps []*Step
	for rows.Next() {
		step := &Step{}
		if err := rows.Scan(
			&step.ID, &step.RunID, &step.Kind, &step.Resource, &step.Operation, &step.Status,
			&step.Changed, &step.Mutations, &step.Message, &step.Error, &step.StartedAt, &step.Duration); err != nil {
			return nil, fmt.Errorf("scanning step: %w", err)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// UpsertResourceState stores or replaces a drift baseline.
func (s *SQLiteStore) UpsertResourceState(ctx context.Context, state *ResourceState) error {
	const query = `
		INSERT INTO resource_states (kind, remote, project, name, state, hash, last_run_id, last_applied)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (kind, remote, project, name) DO UPDATE SET
			state = excluded.state,
			hash = excluded.hash,
			last_run_id = excluded.last_run_id,
			last_applied = excluded.last_applied
	`
	_, err := s.db.ExecContext(ctx, query,
		state.Kind, state.Remote, state.Project, state.Name,
		state.State, state.Hash, state.LastRunID, state.LastApplied)
	if err != nil {
		return fmt.Errorf("upserting resource state: %w", err)
	}
	return nil
}

// GetResourceState retrieves one drift baseline.
func (s *SQLiteStore) GetResourceState(ctx context.Context, kind, remote, project, name string) (*ResourceState, error) {
	const query = `
		SELECT kind, remote, project, name, state, hash, last_run_id, last_applied
		FROM resource_states WHERE kind = ? AND remote = ? AND project = ? AND name = ?
	`
	state := &ResourceState{}
	err := s.db.QueryRowContext(ctx, query, kind, remote, project, name).Scan(
		&state.Kind, &state.Remote, &state.Project, &state.Name,
		&state.State, &state.Hash, &state.LastRunID, &state.LastApplied)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting resource state: %w", err)
	}
	return state, nil
}

// ListResourceStates returns every drift baseline.
func (s *SQLiteStore) ListResourceStates(ctx context.Context) ([]*ResourceState, error) {
	const query = `
		SELECT kind, remote, project, name, state, hash, last_run_id, last_applied
		FROM resource_states ORDER BY kind, remote, project, name
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing resource states: %w", err)
	}
	defer rows.Close()

	var states []*ResourceState
	for rows.Next() {
		state := &ResourceState{}
		if err := rows.Scan(
			&state.Kind, &state.Remote, &state.Project, &state.Name,
			&state.State, &state.Hash, &state.LastRunID, &state.LastApplied); err != nil {
			return nil, fmt.Errorf("scanning resource state: %w", err)
		}
		states = append(states, state)
	}
	return states, rows.Err()
}

// DeleteResourceState drops the baseline of a removed resource.
func (s *SQLiteStore) DeleteResourceState(ctx context.Context, kind, remote, project, name string) error {
	const query = `
		DELETE FROM resource_states WHERE kind = ? AND remote = ? AND project = ? AND name = ?
	`
	res, err := s.db.ExecContext(ctx, query, kind, remote, project, name)
	if err != nil {
		return fmt.Errorf("deleting resource state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
