package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/tildaslashalef/recipebox/internal/database"
	"github.com/tildaslashalef/recipebox/internal/loggy"
	"github.com/tildaslashalef/recipebox/internal/ulid"
)

var (
	// ErrNotFound is returned when no operation has the given local id
	ErrNotFound = errors.New("operation not found")

	// ErrInvalidPayload is returned when a payload fails validation
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrInvalidRemoteID is returned when an operation is marked synced without a remote id
	ErrInvalidRemoteID = errors.New("remote id cannot be empty")

	// ErrUnknownKind is returned for kinds the store has no table for
	ErrUnknownKind = errors.New("unknown operation kind")
)

// Repository is the durable queue of pending operations. Every mutating
// call is a transaction of its own, so enqueueing never waits for a sync
// run to finish.
type Repository interface {
	// Enqueue validates and stores a new pending operation
	Enqueue(ctx context.Context, payload Payload) (*Operation, error)

	// Get returns the operation with the given local id, whatever its status
	Get(ctx context.Context, localID int64) (*Operation, error)

	// ListPending returns pending operations of one kind, oldest first
	ListPending(ctx context.Context, kind Kind) ([]*Operation, error)

	// MarkSynced records the server id. Marking an already synced operation
	// is a no-op that keeps the first remote id.
	MarkSynced(ctx context.Context, localID int64, remoteID string) error

	// IncrementAttempts bumps the attempt counter and returns the new value
	IncrementAttempts(ctx context.Context, localID int64, lastErr string) (int, error)

	// MarkFailed moves a pending operation to the dead-letter state
	MarkFailed(ctx context.Context, localID int64, reason string) error

	// Requeue moves failed operations of kind (every kind when empty) back
	// to pending and returns how many moved
	Requeue(ctx context.Context, kind Kind) (int, error)

	CountPending(ctx context.Context, kind Kind) (int, error)
	CountByStatus(ctx context.Context) (map[Kind]map[Status]int, error)
}

// runner is the subset shared by *sql.DB and *sql.Tx
type runner interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// SQLRepository implements Repository on SQLite
type SQLRepository struct {
	db      *sql.DB
	logger  *loggy.Logger
	builder sq.StatementBuilderType
	now     func() time.Time
}

// NewSQLRepository creates a new outbox repository
func NewSQLRepository(db *sql.DB, logger *loggy.Logger) *SQLRepository {
	return &SQLRepository{
		db:      db,
		logger:  logger,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Question),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue stores a new pending operation
func (r *SQLRepository) Enqueue(ctx context.Context, payload Payload) (*Operation, error) {
	if payload == nil {
		return nil, fmt.Errorf("%w: payload is nil", ErrInvalidPayload)
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	kind := payload.Kind()
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	values, err := table.values(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	op := &Operation{
		Key:     ulid.OperationKey(),
		Kind:    kind,
		Payload: payload,
		Status:  StatusPending,
	}

	err = database.WithTransaction(ctx, r.db, func(tx *sql.Tx) error {
		if ref, ok := op.PostRef(); ok && ref.IsQueued() {
			if err := r.checkQueuedPost(ctx, tx, ref.PostLocalID); err != nil {
				return err
			}
		}

		now, err := r.createdAt(ctx, tx)
		if err != nil {
			return err
		}
		op.CreatedAt = now
		op.UpdatedAt = now

		query, args, err := r.builder.Insert(indexTable).
			Columns("kind", "created_at").
			Values(string(kind), now).
			ToSql()
		if err != nil {
			return fmt.Errorf("building insert operation index query: %w", err)
		}

		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("executing insert operation index query: %w", err)
		}

		op.LocalID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("reading local id: %w", err)
		}

		cols := append([]string{"local_id", "op_key"}, table.columns...)
		cols = append(cols, "status", "attempt_count", "last_error", "created_at", "updated_at")

		vals := append([]interface{}{op.LocalID, op.Key}, values...)
		vals = append(vals, string(StatusPending), 0, "", now, now)

		query, args, err = r.builder.Insert(table.name).Columns(cols...).Values(vals...).ToSql()
		if err != nil {
			return fmt.Errorf("building insert %s query: %w", kind, err)
		}

		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("executing insert %s query: %w", kind, err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Debug("Enqueued operation", "kind", kind, "local_id", op.LocalID, "key", op.Key.String())
	return op, nil
}

// createdAt returns the enqueue timestamp. It never falls behind the newest
// queued operation, so a wall clock stepping backwards cannot reorder the queue.
func (r *SQLRepository) createdAt(ctx context.Context, q runner) (time.Time, error) {
	now := r.now()

	query, args, err := r.builder.Select("created_at").
		From(indexTable).
		OrderBy("local_id DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return time.Time{}, fmt.Errorf("building latest created_at query: %w", err)
	}

	var last time.Time
	if err := q.QueryRowContext(ctx, query, args...).Scan(&last); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return now, nil
		}
		return time.Time{}, fmt.Errorf("executing latest created_at query: %w", err)
	}

	if now.Before(last) {
		r.logger.Warn("Clock is behind the newest queued operation", "now", now, "latest", last)
		return last, nil
	}
	return now, nil
}

// checkQueuedPost verifies that a local post reference points at a queued post
func (r *SQLRepository) checkQueuedPost(ctx context.Context, q runner, localID int64) error {
	kind, err := r.kindOf(ctx, q, localID)
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: referenced post %d is not queued", ErrInvalidPayload, localID)
	}
	if err != nil {
		return err
	}
	if kind != KindPost {
		return fmt.Errorf("%w: local id %d is a %s, not a post", ErrInvalidPayload, localID, kind)
	}
	return nil
}

// kindOf looks up which table holds localID
func (r *SQLRepository) kindOf(ctx context.Context, q runner, localID int64) (Kind, error) {
	query, args, err := r.builder.Select("kind").
		From(indexTable).
		Where(sq.Eq{"local_id": localID}).
		ToSql()
	if err != nil {
		return "", fmt.Errorf("building get operation kind query: %w", err)
	}

	var kind string
	if err := q.QueryRowContext(ctx, query, args...).Scan(&kind); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: local id %d", ErrNotFound, localID)
		}
		return "", fmt.Errorf("executing get operation kind query: %w", err)
	}

	return Kind(kind), nil
}

// Get returns a single operation
func (r *SQLRepository) Get(ctx context.Context, localID int64) (*Operation, error) {
	kind, err := r.kindOf(ctx, r.db, localID)
	if err != nil {
		return nil, err
	}
	return r.get(ctx, r.db, kind, localID)
}

func (r *SQLRepository) get(ctx context.Context, q runner, kind Kind, localID int64) (*Operation, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	query, args, err := r.builder.Select(table.selectColumns()...).
		From(table.name).
		Where(sq.Eq{"local_id": localID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building get %s query: %w", kind, err)
	}

	op, err := table.scan(kind, q.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: local id %d", ErrNotFound, localID)
		}
		return nil, fmt.Errorf("executing get %s query: %w", kind, err)
	}

	return op, nil
}

// ListPending returns the pending operations of kind in FIFO order
func (r *SQLRepository) ListPending(ctx context.Context, kind Kind) ([]*Operation, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	query, args, err := r.builder.Select(table.selectColumns()...).
		From(table.name).
		Where(sq.Eq{"status": string(StatusPending)}).
		OrderBy("local_id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building list pending %s query: %w", kind, err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing list pending %s query: %w", kind, err)
	}
	defer rows.Close()

	var ops []*Operation
	for rows.Next() {
		op, err := table.scan(kind, rows)
		if err != nil {
			return nil, fmt.Errorf("scanning %s row: %w", kind, err)
		}
		ops = append(ops, op)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating %s rows: %w", kind, err)
	}

	return ops, nil
}

// MarkSynced stores the remote id and moves the operation to synced
func (r *SQLRepository) MarkSynced(ctx context.Context, localID int64, remoteID string) error {
	if remoteID == "" {
		return ErrInvalidRemoteID
	}

	return database.WithTransaction(ctx, r.db, func(tx *sql.Tx) error {
		kind, err := r.kindOf(ctx, tx, localID)
		if err != nil {
			return err
		}
		table, err := tableFor(kind)
		if err != nil {
			return err
		}

		query, args, err := r.builder.Update(table.name).
			Set("status", string(StatusSynced)).
			Set("remote_id", remoteID).
			Set("last_error", "").
			Set("updated_at", r.now()).
			Where(sq.Eq{"local_id": localID}).
			Where(sq.NotEq{"status": string(StatusSynced)}).
			ToSql()
		if err != nil {
			return fmt.Errorf("building mark synced query: %w", err)
		}

		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("executing mark synced query: %w", err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("reading rows affected: %w", err)
		}
		if affected > 0 {
			return nil
		}

		// Nothing changed: either already synced, which is a no-op, or the
		// kind row is missing.
		if _, err := r.get(ctx, tx, kind, localID); err != nil {
			return err
		}
		r.logger.Debug("Operation already synced", "kind", kind, "local_id", localID)
		return nil
	})
}

// IncrementAttempts records a failed delivery attempt
func (r *SQLRepository) IncrementAttempts(ctx context.Context, localID int64, lastErr string) (int, error) {
	var attempts int

	err := database.WithTransaction(ctx, r.db, func(tx *sql.Tx) error {
		kind, err := r.kindOf(ctx, tx, localID)
		if err != nil {
			return err
		}
		table, err := tableFor(kind)
		if err != nil {
			return err
		}

		query, args, err := r.builder.Update(table.name).
			Set("attempt_count", sq.Expr("attempt_count + 1")).
			Set("last_error", lastErr).
			Set("updated_at", r.now()).
			Where(sq.Eq{"local_id": localID}).
			ToSql()
		if err != nil {
			return fmt.Errorf("building increment attempts query: %w", err)
		}

		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("executing increment attempts query: %w", err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("reading rows affected: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("%w: local id %d", ErrNotFound, localID)
		}

		query, args, err = r.builder.Select("attempt_count").
			From(table.name).
			Where(sq.Eq{"local_id": localID}).
			ToSql()
		if err != nil {
			return fmt.Errorf("building get attempts query: %w", err)
		}

		if err := tx.QueryRowContext(ctx, query, args...).Scan(&attempts); err != nil {
			return fmt.Errorf("executing get attempts query: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return attempts, nil
}

// MarkFailed dead-letters a pending operation. Operations that are no
// longer pending are left untouched.
func (r *SQLRepository) MarkFailed(ctx context.Context, localID int64, reason string) error {
	return database.WithTransaction(ctx, r.db, func(tx *sql.Tx) error {
		kind, err := r.kindOf(ctx, tx, localID)
		if err != nil {
			return err
		}
		table, err := tableFor(kind)
		if err != nil {
			return err
		}

		query, args, err := r.builder.Update(table.name).
			Set("status", string(StatusFailed)).
			Set("last_error", reason).
			Set("updated_at", r.now()).
			Where(sq.Eq{"local_id": localID, "status": string(StatusPending)}).
			ToSql()
		if err != nil {
			return fmt.Errorf("building mark failed query: %w", err)
		}

		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("executing mark failed query: %w", err)
		}
		return nil
	})
}

// Requeue moves dead-lettered operations back to pending. Attempt counts
// are kept.
func (r *SQLRepository) Requeue(ctx context.Context, kind Kind) (int, error) {
	kinds := Kinds
	if kind != "" {
		if _, err := tableFor(kind); err != nil {
			return 0, err
		}
		kinds = []Kind{kind}
	}

	var moved int64
	err := database.WithTransaction(ctx, r.db, func(tx *sql.Tx) error {
		now := r.now()
		for _, k := range kinds {
			table := tables[k]

			query, args, err := r.builder.Update(table.name).
				Set("status", string(StatusPending)).
				Set("updated_at", now).
				Where(sq.Eq{"status": string(StatusFailed)}).
				ToSql()
			if err != nil {
				return fmt.Errorf("building requeue %s query: %w", k, err)
			}

			res, err := tx.ExecContext(ctx, query, args...)
			if err != nil {
				return fmt.Errorf("executing requeue %s query: %w", k, err)
			}

			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("reading rows affected: %w", err)
			}
			moved += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if moved > 0 {
		r.logger.Info("Requeued failed operations", "kind", kind, "count", moved)
	}
	return int(moved), nil
}

// CountPending returns the number of pending operations of kind
func (r *SQLRepository) CountPending(ctx context.Context, kind Kind) (int, error) {
	table, err := tableFor(kind)
	if err != nil {
		return 0, err
	}

	query, args, err := r.builder.Select("COUNT(*)").
		From(table.name).
		Where(sq.Eq{"status": string(StatusPending)}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("building count pending query: %w", err)
	}

	var count int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("executing count pending query: %w", err)
	}

	return count, nil
}

// CountByStatus returns per-kind counts for every status. Kinds and
// statuses without rows are reported as zero.
func (r *SQLRepository) CountByStatus(ctx context.Context) (map[Kind]map[Status]int, error) {
	counts := make(map[Kind]map[Status]int, len(Kinds))

	for _, kind := range Kinds {
		table := tables[kind]
		counts[kind] = make(map[Status]int, len(Statuses))
		for _, s := range Statuses {
			counts[kind][s] = 0
		}

		query, args, err := r.builder.Select("status", "COUNT(*)").
			From(table.name).
			GroupBy("status").
			ToSql()
		if err != nil {
			return nil, fmt.Errorf("building count %s by status query: %w", kind, err)
		}

		rows, err := r.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("executing count %s by status query: %w", kind, err)
		}

		for rows.Next() {
			var (
				status string
				n      int
			)
			if err := rows.Scan(&status, &n); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scanning %s status count: %w", kind, err)
			}
			counts[kind][Status(status)] = n
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("iterating %s status counts: %w", kind, err)
		}
	}

	return counts, nil
}
