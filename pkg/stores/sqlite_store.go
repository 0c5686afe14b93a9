package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/dsync/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

var _ Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 8
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to ":memory:" opens a distinct database.
	if isMemory(cfg.Path) {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.HasPrefix(path, "file::memory:")
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	params := "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
	if !isMemory(s.cfg.Path) {
		params += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}
	dsn := fmt.Sprintf("file:%s?%s", strings.TrimPrefix(s.cfg.Path, "file:"), params)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// SaveRun persists a finished run with its dataset results and steps in one
// transaction. Saving the same run ID again replaces it.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *engine.RunReport) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, run.ID); err != nil {
		return fmt.Errorf("failed to replace run: %w", err)
	}

	var completedAt *int64
	if run.CompletedAt != nil {
		ms := toMillis(*run.CompletedAt)
		completedAt = &ms
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, project, dry_run, status, started_at, completed_at, duration_ms,
			total, converged, drifted, failed, mutations)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		run.Project,
		boolInt(run.DryRun),
		string(run.Status),
		toMillis(run.StartedAt),
		completedAt,
		run.Duration.Milliseconds(),
		run.Summary.Total,
		run.Summary.Converged,
		run.Summary.Drifted,
		run.Summary.Failed,
		run.Summary.Mutations,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	for _, d := range run.Datasets {
		ref, drift := "", ""
		if d.Report != nil {
			ref, drift = d.Report.Dataset, string(d.Report.Drift)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO dataset_results (run_id, name, dataset, config_hash, changed, drift, error)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, run.ID, d.Name, ref, d.ConfigHash, boolInt(d.Changed), drift, d.Error)
		if err != nil {
			return fmt.Errorf("failed to save dataset result %s: %w", d.Name, err)
		}

		if d.Report == nil {
			continue
		}
		for i, step := range d.Report.Steps {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO steps (run_id, name, seq, operation, target, status, message, duration_ms)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			`, run.ID, d.Name, i, string(step.Operation), step.Target, string(step.Status),
				step.Message, step.Duration.Milliseconds())
			if err != nil {
				return fmt.Errorf("failed to save step %d of %s: %w", i, d.Name, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

const runColumns = `id, project, dry_run, status, started_at, completed_at, duration_ms,
	total, converged, drifted, failed, mutations`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*RunRecord, error) {
	var (
		rec         RunRecord
		dryRun      int
		status      string
		startedAt   int64
		completedAt sql.NullInt64
		durationMs  int64
	)
	err := row.Scan(
		&rec.ID,
		&rec.Project,
		&dryRun,
		&status,
		&startedAt,
		&completedAt,
		&durationMs,
		&rec.Summary.Total,
		&rec.Summary.Converged,
		&rec.Summary.Drifted,
		&rec.Summary.Failed,
		&rec.Summary.Mutations,
	)
	if err != nil {
		return nil, err
	}

	rec.DryRun = dryRun != 0
	rec.Status = engine.RunStatus(status)
	rec.StartedAt = fromMillis(startedAt)
	if completedAt.Valid {
		t := fromMillis(completedAt.Int64)
		rec.CompletedAt = &t
	}
	rec.Duration = time.Duration(durationMs) * time.Millisecond
	return &rec, nil
}

// GetRun retrieves a run with its dataset results and steps.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*engine.RunReport, error) {
	rec, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	run := &engine.RunReport{
		ID:          rec.ID,
		Project:     rec.Project,
		DryRun:      rec.DryRun,
		Status:      rec.Status,
		StartedAt:   rec.StartedAt,
		CompletedAt: rec.CompletedAt,
		Duration:    rec.Duration,
		Summary:     rec.Summary,
		Datasets:    make([]engine.DatasetResult, 0),
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT name, dataset, config_hash, changed, drift, error
		FROM dataset_results
		WHERE run_id = ?
		ORDER BY name
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list dataset results: %w", err)
	}
	defer rows.Close()

	index := make(map[string]int)
	for rows.Next() {
		var (
			d       engine.DatasetResult
			ref     string
			changed int
			drift   string
		)
		if err := rows.Scan(&d.Name, &ref, &d.ConfigHash, &changed, &drift, &d.Error); err != nil {
			return nil, fmt.Errorf("failed to scan dataset result: %w", err)
		}
		d.Changed = changed != 0
		d.Report = engine.NewReport(ref)
		d.Report.Drift = engine.DriftStatus(drift)
		index[d.Name] = len(run.Datasets)
		run.Datasets = append(run.Datasets, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dataset results: %w", err)
	}

	stepRows, err := s.db.QueryContext(ctx, `
		SELECT name, operation, target, status, message, duration_ms
		FROM steps
		WHERE run_id = ?
		ORDER BY name, seq
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer stepRows.Close()

	for stepRows.Next() {
		var (
			name       string
			step       engine.StepResult
			operation  string
			status     string
			durationMs int64
		)
		if err := stepRows.Scan(&name, &operation, &step.Target, &status, &step.Message, &durationMs); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		step.Operation = engine.OperationType(operation)
		step.Status = engine.StepStatus(status)
		step.Duration = time.Duration(durationMs) * time.Millisecond

		i, ok := index[name]
		if !ok {
			continue
		}
		// Appended directly so the stored drift status is kept as is.
		report := run.Datasets[i].Report
		report.Steps = append(report.Steps, step)
	}
	if err := stepRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating steps: %w", err)
	}

	return run, nil
}

// ListRuns lists runs, newest first, with pagination
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM runs
		ORDER BY started_at DESC, id
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*RunRecord{}
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// DeleteRunsBefore removes runs started before the given time, with their
// results, steps and events. It returns the number of runs removed.
func (s *SQLiteStore) DeleteRunsBefore(ctx context.Context, before time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cutoff := toMillis(before)
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM events WHERE run_id IN (SELECT id FROM runs WHERE started_at < ?)
	`, cutoff); err != nil {
		return 0, fmt.Errorf("failed to delete events: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete runs: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return n, nil
}

// LastAppliedHash implements engine.RunRecorder.
func (s *SQLiteStore) LastAppliedHash(ctx context.Context, project, dataset string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `
		SELECT config_hash FROM applied_configs WHERE project = ? AND dataset = ?
	`, project, dataset).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get applied config: %w", err)
	}
	return hash, nil
}

// MarkApplied implements engine.RunRecorder.
func (s *SQLiteStore) MarkApplied(ctx context.Context, project, dataset, hash string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO applied_configs (project, dataset, config_hash, applied_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (project, dataset) DO UPDATE SET
			config_hash = excluded.config_hash,
			applied_at = excluded.applied_at
	`, project, dataset, hash, toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to upsert applied config: %w", err)
	}
	return nil
}

// ListAppliedConfigs lists every recorded configuration, ordered by dataset.
func (s *SQLiteStore) ListAppliedConfigs(ctx context.Context) ([]*AppliedConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project, dataset, config_hash, applied_at
		FROM applied_configs
		ORDER BY project, dataset
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list applied configs: %w", err)
	}
	defer rows.Close()

	configs := []*AppliedConfig{}
	for rows.Next() {
		var (
			c         AppliedConfig
			appliedAt int64
		)
		if err := rows.Scan(&c.Project, &c.Dataset, &c.ConfigHash, &appliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan applied config: %w", err)
		}
		c.AppliedAt = fromMillis(appliedAt)
		configs = append(configs, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating applied configs: %w", err)
	}
	return configs, nil
}

// AppendEvent appends an event to the event log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, run_id, type, dataset, level, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		event.ID,
		event.RunID,
		event.Type,
		event.Dataset,
		event.Level,
		event.Message,
		toMillis(event.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents returns the events of a run in order; an empty runID lists all events.
func (s *SQLiteStore) ListEvents(ctx context.Context, runID string, limit int) ([]*Event, error) {
	query := `SELECT id, run_id, type, dataset, level, message, created_at FROM events`
	args := []any{}
	if runID != "" {
		query += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	query += ` ORDER BY created_at, rowid LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		var (
			e         Event
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &e.RunID, &e.Type, &e.Dataset, &e.Level, &e.Message, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.CreatedAt = fromMillis(createdAt)
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}
