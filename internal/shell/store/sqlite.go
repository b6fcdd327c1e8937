package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/artpar/deployer/internal/core/deployment"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeFormat sorts lexicographically in UTC, which the lease queries rely on.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// =============================================================================
// Executor Interface - Shared by DB and Transaction
// =============================================================================

// executor abstracts database operations that can be performed on both
// a database connection and a transaction.
type executor interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sqlx.DB
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}

	db, err := sqlx.Open("sqlite3", dsn+sep+"_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}
	// One writer; also keeps ":memory:" databases on a single connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Run Operations
// =============================================================================

// runRow represents a deployment_runs row in the database.
type runRow struct {
	ID             string  `db:"id"`
	Target         string  `db:"target"`
	ContainerName  string  `db:"container_name"`
	Image          string  `db:"image"`
	ContentTag     string  `db:"content_tag"`
	BranchTag      string  `db:"branch_tag"`
	Status         string  `db:"status"`
	Stage          string  `db:"stage"`
	FailedStage    string  `db:"failed_stage"`
	ExitCode       int     `db:"exit_code"`
	ErrorMessage   string  `db:"error_message"`
	Logs           string  `db:"logs"`
	StartedAt      string  `db:"started_at"`
	FinishedAt     *string `db:"finished_at"`
	LeaseExpiresAt *string `db:"lease_expires_at"`
}

// AcquireLease expires stale leases for the run's target and container,
// then inserts run unless another running row still holds the lease.
func (s *SQLiteStore) AcquireLease(ctx context.Context, run *deployment.Result, ttl time.Duration) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return NewStoreError("AcquireLease", "run", run.ID, "failed to begin transaction", ErrTxFailed)
	}

	if err := acquireLease(ctx, tx, run, ttl, s.now()); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return NewStoreError("AcquireLease", "run", run.ID, fmt.Sprintf("rollback failed after error: %v", err), ErrTxFailed)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return NewStoreError("AcquireLease", "run", run.ID, "failed to commit transaction", ErrTxFailed)
	}
	return nil
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, run *deployment.Result) error {
	return completeRun(ctx, s.db, run)
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*deployment.Result, error) {
	return getRun(ctx, s.db, id)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, opts ListOptions) ([]deployment.Result, error) {
	return listRuns(ctx, s.db, opts)
}

func (s *SQLiteStore) CountRuns(ctx context.Context, target string) (int, error) {
	return countRuns(ctx, s.db, target)
}

// =============================================================================
// Shared Implementation Functions
// =============================================================================

func acquireLease(ctx context.Context, exec executor, run *deployment.Result, ttl time.Duration, now time.Time) error {
	nowStr := formatTime(now)

	_, err := exec.ExecContext(ctx, `
		UPDATE deployment_runs SET
			status = 'failed',
			failed_stage = stage,
			stage = 'failed',
			exit_code = 1,
			error_message = 'lease expired before the run completed',
			finished_at = ?,
			lease_expires_at = NULL
		WHERE target = ? AND container_name = ? AND status = 'running'
			AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?`,
		nowStr, run.Target, run.ContainerName, nowStr)
	if err != nil {
		return NewStoreError("AcquireLease", "run", run.ID, err.Error(), err)
	}

	var holder string
	err = exec.GetContext(ctx, &holder, `
		SELECT id FROM deployment_runs
		WHERE target = ? AND container_name = ? AND status = 'running'
		ORDER BY started_at DESC LIMIT 1`,
		run.Target, run.ContainerName)
	switch {
	case err == nil:
		return NewStoreError("AcquireLease", "run", run.ID,
			fmt.Sprintf("%s on %s is held by run %s", run.ContainerName, run.Target, holder), ErrLeaseHeld)
	case !errors.Is(err, sql.ErrNoRows):
		return NewStoreError("AcquireLease", "run", run.ID, err.Error(), err)
	}

	row, err := resultToRow(run)
	if err != nil {
		return err
	}
	expires := formatTime(now.Add(ttl))
	row["lease_expires_at"] = &expires

	_, err = exec.NamedExecContext(ctx, `
		INSERT INTO deployment_runs (
			id, target, container_name, image, content_tag, branch_tag,
			status, stage, failed_stage, exit_code, error_message, logs,
			started_at, finished_at, lease_expires_at
		) VALUES (
			:id, :target, :container_name, :image, :content_tag, :branch_tag,
			:status, :stage, :failed_stage, :exit_code, :error_message, :logs,
			:started_at, :finished_at, :lease_expires_at
		)`, row)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: deployment_runs.id") {
			return NewStoreError("AcquireLease", "run", run.ID, "run with this ID already exists", ErrDuplicateID)
		}
		return NewStoreError("AcquireLease", "run", run.ID, err.Error(), err)
	}
	return nil
}

func completeRun(ctx context.Context, exec executor, run *deployment.Result) error {
	row, err := resultToRow(run)
	if err != nil {
		return err
	}

	result, err := exec.NamedExecContext(ctx, `
		UPDATE deployment_runs SET
			status = :status,
			stage = :stage,
			failed_stage = :failed_stage,
			exit_code = :exit_code,
			error_message = :error_message,
			logs = :logs,
			finished_at = :finished_at,
			lease_expires_at = NULL
		WHERE id = :id`, row)
	if err != nil {
		return NewStoreError("CompleteRun", "run", run.ID, err.Error(), err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return NewStoreError("CompleteRun", "run", run.ID, err.Error(), err)
	}
	if n == 0 {
		return NewStoreError("CompleteRun", "run", run.ID, "run not found", ErrNotFound)
	}
	return nil
}

func getRun(ctx context.Context, exec executor, id string) (*deployment.Result, error) {
	var row runRow
	err := exec.GetContext(ctx, &row, `SELECT * FROM deployment_runs WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetRun", "run", id, "run not found", ErrNotFound)
		}
		return nil, NewStoreError("GetRun", "run", id, err.Error(), err)
	}
	return rowToResult(&row)
}

func listRuns(ctx context.Context, exec executor, opts ListOptions) ([]deployment.Result, error) {
	opts = opts.Normalize()

	query := `SELECT * FROM deployment_runs`
	var args []any
	if opts.Target != "" {
		query += ` WHERE target = ?`
		args = append(args, opts.Target)
	}
	query += ` ORDER BY started_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, opts.Limit, opts.Offset)

	var rows []runRow
	if err := exec.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, NewStoreError("ListRuns", "run", "", err.Error(), err)
	}

	runs := make([]deployment.Result, 0, len(rows))
	for i := range rows {
		r, err := rowToResult(&rows[i])
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, nil
}

func countRuns(ctx context.Context, exec executor, target string) (int, error) {
	query := `SELECT COUNT(*) FROM deployment_runs`
	var args []any
	if target != "" {
		query += ` WHERE target = ?`
		args = append(args, target)
	}

	var n int
	if err := exec.GetContext(ctx, &n, query, args...); err != nil {
		return 0, NewStoreError("CountRuns", "run", "", err.Error(), err)
	}
	return n, nil
}

// =============================================================================
// Row Conversion
// =============================================================================

func resultToRow(run *deployment.Result) (map[string]any, error) {
	logs := run.Logs
	if logs == nil {
		logs = []string{}
	}
	logsJSON, err := json.Marshal(logs)
	if err != nil {
		return nil, NewStoreError("resultToRow", "run", run.ID, "failed to serialize logs", ErrInvalidData)
	}

	var finished *string
	if run.FinishedAt != nil {
		f := formatTime(*run.FinishedAt)
		finished = &f
	}

	return map[string]any{
		"id":               run.ID,
		"target":           run.Target,
		"container_name":   run.ContainerName,
		"image":            run.Image,
		"content_tag":      run.ContentTag,
		"branch_tag":       run.BranchTag,
		"status":           string(run.Status),
		"stage":            string(run.Stage),
		"failed_stage":     string(run.FailedStage),
		"exit_code":        run.ExitCode,
		"error_message":    run.Error,
		"logs":             string(logsJSON),
		"started_at":       formatTime(run.StartedAt),
		"finished_at":      finished,
		"lease_expires_at": nil,
	}, nil
}

func rowToResult(row *runRow) (*deployment.Result, error) {
	var logs []string
	if err := json.Unmarshal([]byte(row.Logs), &logs); err != nil {
		return nil, NewStoreError("rowToResult", "run", row.ID, "failed to parse logs", ErrInvalidData)
	}

	started, err := parseTime(row.StartedAt)
	if err != nil {
		return nil, NewStoreError("rowToResult", "run", row.ID, "failed to parse started_at", ErrInvalidData)
	}

	r := &deployment.Result{
		ID:            row.ID,
		Target:        row.Target,
		ContainerName: row.ContainerName,
		Image:         row.Image,
		ContentTag:    row.ContentTag,
		BranchTag:     row.BranchTag,
		Status:        deployment.Status(row.Status),
		Stage:         deployment.Stage(row.Stage),
		FailedStage:   deployment.Stage(row.FailedStage),
		ExitCode:      row.ExitCode,
		Error:         row.ErrorMessage,
		Logs:          logs,
		StartedAt:     started,
	}

	if row.FinishedAt != nil {
		finished, err := parseTime(*row.FinishedAt)
		if err != nil {
			return nil, NewStoreError("rowToResult", "run", row.ID, "failed to parse finished_at", ErrInvalidData)
		}
		r.FinishedAt = &finished
	}
	return r, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}
