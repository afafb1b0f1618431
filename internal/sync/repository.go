package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/tildaslashalef/recipebox/internal/loggy"
)

const runsTable = "sync_runs"

var runColumns = []string{
	"id",
	"run_trigger",
	"skipped",
	"kinds_attempted",
	"kinds_synced",
	"kinds_failed",
	"items_synced",
	"items_failed",
	"dead_lettered",
	"error",
	"started_at",
	"duration_ms",
}

// Repository stores the history of sync runs
type Repository interface {
	// CreateRun records a finished run and the error RunOnce returned
	CreateRun(ctx context.Context, result *Result, runErr error) error

	// ListRuns returns the most recent runs, newest first
	ListRuns(ctx context.Context, limit int) ([]*RunRecord, error)

	// LatestRun returns the most recent run or nil when none exist
	LatestRun(ctx context.Context) (*RunRecord, error)
}

// SQLRepository implements the Repository interface using a SQL database
type SQLRepository struct {
	db     *sql.DB
	logger *loggy.Logger
}

// NewSQLRepository creates a new SQL repository
func NewSQLRepository(db *sql.DB, logger *loggy.Logger) *SQLRepository {
	return &SQLRepository{
		db:     db,
		logger: logger,
	}
}

// CreateRun records a finished run
func (r *SQLRepository) CreateRun(ctx context.Context, result *Result, runErr error) error {
	if result == nil || result.RunID.IsZero() {
		return errors.New("run has no id")
	}

	errText := ""
	if runErr != nil {
		errText = runErr.Error()
	}

	q := squirrel.Insert(runsTable).
		Columns(runColumns...).
		Values(
			result.RunID,
			string(result.Trigger),
			result.Skipped,
			joinKinds(result.KindsAttempted),
			joinKinds(result.KindsSynced),
			joinKinds(result.KindsFailed),
			result.ItemsSynced,
			result.ItemsFailed,
			result.DeadLettered,
			errText,
			result.StartedAt.UTC(),
			result.Duration.Milliseconds(),
		)

	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("building create run query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("executing create run query: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first
func (r *SQLRepository) ListRuns(ctx context.Context, limit int) ([]*RunRecord, error) {
	q := squirrel.Select(runColumns...).
		From(runsTable).
		OrderBy("started_at DESC", "id DESC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building list runs query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing list runs query: %w", err)
	}
	defer rows.Close()

	var runs []*RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating run rows: %w", err)
	}
	return runs, nil
}

// LatestRun returns the most recent run or nil when none exist
func (r *SQLRepository) LatestRun(ctx context.Context) (*RunRecord, error) {
	runs, err := r.ListRuns(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return runs[0], nil
}

func scanRun(row interface{ Scan(...interface{}) error }) (*RunRecord, error) {
	var (
		run                       RunRecord
		trigger                   string
		attempted, synced, failed string
		durationMS                int64
	)
	err := row.Scan(
		&run.RunID,
		&trigger,
		&run.Skipped,
		&attempted,
		&synced,
		&failed,
		&run.ItemsSynced,
		&run.ItemsFailed,
		&run.DeadLettered,
		&run.Error,
		&run.StartedAt,
		&durationMS,
	)
	if err != nil {
		return nil, err
	}

	run.Trigger = Trigger(trigger)
	run.KindsAttempted = splitKinds(attempted)
	run.KindsSynced = splitKinds(synced)
	run.KindsFailed = splitKinds(failed)
	run.Duration = time.Duration(durationMS) * time.Millisecond
	return &run, nil
}
