package sync

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"

	"github.com/tildaslashalef/recipebox/internal/loggy"
)

const leaseTable = "sync_lease"

// Lease serializes runs across processes sharing one database, such as the
// daemon and a manual sync command
type Lease interface {
	// Acquire takes the lease for holder until ttl elapses. It reports false
	// when another holder's lease has not expired yet.
	Acquire(ctx context.Context, holder string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, holder string) error
}

// SQLLease keeps the lease in a single row of the sync_lease table
type SQLLease struct {
	db     *sql.DB
	logger *loggy.Logger
	now    func() time.Time
}

// NewSQLLease creates a lease backed by db
func NewSQLLease(db *sql.DB, logger *loggy.Logger) *SQLLease {
	return &SQLLease{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

// Acquire inserts the lease row, or takes it over when it has expired or
// already belongs to holder
func (l *SQLLease) Acquire(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	now := l.now()

	query, args, err := squirrel.Insert(leaseTable).
		Columns("id", "holder", "expires_at").
		Values(1, holder, now.Add(ttl).UnixMilli()).
		Suffix("ON CONFLICT(id) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at "+
			"WHERE sync_lease.expires_at <= ? OR sync_lease.holder = ?", now.UnixMilli(), holder).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("building acquire lease query: %w", err)
	}

	res, err := l.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("executing acquire lease query: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading acquire lease result: %w", err)
	}

	if n == 0 {
		l.logger.Debug("Sync lease held by another process", "holder", holder)
		return false, nil
	}
	return true, nil
}

// Release drops the lease if holder still owns it
func (l *SQLLease) Release(ctx context.Context, holder string) error {
	query, args, err := squirrel.Delete(leaseTable).
		Where(squirrel.Eq{"id": 1, "holder": holder}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building release lease query: %w", err)
	}

	if _, err := l.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("executing release lease query: %w", err)
	}
	return nil
}
