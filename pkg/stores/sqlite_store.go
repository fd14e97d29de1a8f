package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/dsa110/dsa110-contimg-sub007/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrRunNotFound is returned when no run has the requested ID.
var ErrRunNotFound = errors.New("run not found")

// SQLiteStore keeps run history and dead letter items in one SQLite file.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config tunes the SQLite connection pool. Zero values take the defaults.
type Config struct {
	Path            string        `yaml:"path" json:"path" validate:"required"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	BusyTimeout     time.Duration `yaml:"busy_timeout" json:"busy_timeout"`
}

func (c Config) inMemory() bool {
	return c.Path == ":memory:" || strings.Contains(c.Path, "mode=memory")
}

func (c Config) withDefaults() Config {
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 5 * time.Minute
	}
	if c.BusyTimeout == 0 {
		c.BusyTimeout = 5 * time.Second
	}
	// Each connection to an in-memory database sees its own empty database.
	if c.inMemory() {
		c.MaxOpenConns, c.MaxIdleConns, c.ConnMaxLifetime = 1, 1, 0
	}
	return c
}

// dsn appends the modernc pragmas: WAL, foreign keys, busy timeout and
// immediate write transactions so concurrent writers queue instead of failing.
func (c Config) dsn() string {
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", c.BusyTimeout.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Set("_time_format", "sqlite")
	q.Set("_txlock", "immediate")

	sep := "?"
	if strings.Contains(c.Path, "?") {
		sep = "&"
	}
	return c.Path + sep + q.Encode()
}

// NewSQLiteStore validates cfg; call Init and Migrate before use.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, errors.New("database path is required")
	}
	return &SQLiteStore{cfg: cfg.withDefaults()}, nil
}

// Init opens the connection pool and pings the database.
func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.cfg.dsn())
	if err != nil {
		return fmt.Errorf("open %s: %w", s.cfg.Path, err)
	}
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("ping %s: %w", s.cfg.Path, err)
	}
	s.db = db
	return nil
}

// Close is safe before Init.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Migrate applies the embedded schema migrations up to the latest version.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return errors.New("database not initialized")
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	target, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("prepare migration target: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", target)
	if err != nil {
		return fmt.Errorf("prepare migrations: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		version, dirty, _ := m.Version()
		return fmt.Errorf("migrate schema (at version %d, dirty=%t): %w", version, dirty, err)
	}
	return nil
}

// SaveRun records a finished pipeline run and all its stage results in one
// transaction. Saving the same run twice replaces the earlier record.
func (s *SQLiteStore) SaveRun(ctx context.Context, result *engine.PipelineResult) error {
	if result == nil || result.RunID == "" {
		return fmt.Errorf("run id is required")
	}

	metadata, err := json.Marshal(result.Context.MetadataMap())
	if err != nil {
		metadata = []byte("{}")
	}

	var errKind, errMsg *string
	if result.Err != nil {
		kind := string(result.Err.Kind)
		msg := result.Err.Error()
		errKind, errMsg = &kind, &msg
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, result.RunID); err != nil {
		return fmt.Errorf("failed to replace run: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, job_id, status, started_at, finished_at, error_kind, error, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		result.RunID,
		result.Context.JobID(),
		RunStatusFromPipeline(result.Status),
		result.StartedAt.UTC(),
		nullableTime(result.FinishedAt),
		errKind,
		errMsg,
		string(metadata),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO stage_attempts (run_id, stage, attempt, status, mode, started_at, finished_at, error_kind, error_message, skip_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare stage attempt insert: %w", err)
	}
	defer stmt.Close()

	for _, sr := range result.StageResults {
		var kind, msg, skip *string
		if sr.Error != nil {
			k := string(sr.Error.Kind)
			m := sr.Error.Error()
			kind, msg = &k, &m
		}
		if sr.SkipReason != "" {
			r := sr.SkipReason
			skip = &r
		}
		startedAt := sr.StartedAt
		if startedAt.IsZero() {
			startedAt = sr.FinishedAt
		}

		if _, err := stmt.ExecContext(ctx,
			result.RunID,
			sr.Stage,
			sr.Attempt,
			string(sr.Status),
			string(sr.Mode),
			startedAt.UTC(),
			nullableTime(sr.FinishedAt),
			kind,
			msg,
			skip,
		); err != nil {
			return fmt.Errorf("failed to record stage attempt: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

const runColumns = `id, job_id, status, started_at, finished_at, error_kind, error, metadata, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	run := &Run{}
	err := row.Scan(
		&run.ID,
		&run.JobID,
		&run.Status,
		&run.StartedAt,
		&run.FinishedAt,
		&run.ErrorKind,
		&run.Error,
		&run.Metadata,
		&run.CreatedAt,
	)
	return run, err
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// ListRuns lists runs, most recent first
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC, id LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// ListStageAttempts returns the recorded stage results of a run in insertion order
func (s *SQLiteStore) ListStageAttempts(ctx context.Context, runID string) ([]*StageAttempt, error) {
	query := `
		SELECT id, run_id, stage, attempt, status, mode, started_at, finished_at, error_kind, error_message, skip_reason
		FROM stage_attempts
		WHERE run_id = ?
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stage attempts: %w", err)
	}
	defer rows.Close()

	attempts := []*StageAttempt{}
	for rows.Next() {
		a := &StageAttempt{}
		if err := rows.Scan(
			&a.ID,
			&a.RunID,
			&a.Stage,
			&a.Attempt,
			&a.Status,
			&a.Mode,
			&a.StartedAt,
			&a.FinishedAt,
			&a.ErrorKind,
			&a.ErrorMessage,
			&a.SkipReason,
		); err != nil {
			return nil, fmt.Errorf("failed to scan stage attempt: %w", err)
		}
		attempts = append(attempts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stage attempts: %w", err)
	}

	return attempts, nil
}

// DeleteRun deletes a run and its stage attempts
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}

	return nil
}

// PruneRuns deletes runs started before the given time and returns how many were removed
func (s *SQLiteStore) PruneRuns(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
