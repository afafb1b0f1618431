package sync

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tildaslashalef/recipebox/internal/loggy"
	"github.com/tildaslashalef/recipebox/internal/outbox"
	"github.com/tildaslashalef/recipebox/internal/ulid"
)

var (
	runStarted = time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)
	firstRun   = ulid.RunID()
	secondRun  = ulid.RunID()
)

func setupRunRepository(t *testing.T) (*SQLRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLRepository(db, loggy.NewNoopLogger()), mock
}

func TestSQLRepository_CreateRun(t *testing.T) {
	repo, mock := setupRunRepository(t)

	result := &Result{
		RunID:          firstRun,
		Trigger:        TriggerReconnect,
		KindsAttempted: outbox.Kinds,
		KindsSynced:    []outbox.Kind{outbox.KindComment, outbox.KindReaction, outbox.KindFavorite},
		KindsFailed:    []outbox.Kind{outbox.KindPost},
		ItemsSynced:    4,
		ItemsFailed:    1,
		DeadLettered:   1,
		StartedAt:      runStarted,
		Duration:       1500 * time.Millisecond,
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO sync_runs (id,run_trigger,skipped,kinds_attempted,kinds_synced,kinds_failed,items_synced,items_failed,dead_lettered,error,started_at,duration_ms) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)")).
		WithArgs(firstRun.String(), "reconnect", false, "post,comment,reaction,favorite", "comment,reaction,favorite", "post",
			4, 1, 1, "syncing post: boom", runStarted, int64(1500)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.CreateRun(context.Background(), result, errors.New("syncing post: boom"))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLRepository_CreateRunRequiresID(t *testing.T) {
	repo, _ := setupRunRepository(t)
	assert.Error(t, repo.CreateRun(context.Background(), &Result{}, nil))
	assert.Error(t, repo.CreateRun(context.Background(), nil, nil))
}

func TestSQLRepository_ListRuns(t *testing.T) {
	repo, mock := setupRunRepository(t)

	rows := sqlmock.NewRows(runColumns).
		AddRow(secondRun.String(), "periodic", false, "post,comment,reaction,favorite", "post,comment,reaction,favorite", "", 3, 0, 0, "", runStarted.Add(time.Hour), int64(250)).
		AddRow(firstRun.String(), "manual", false, "post", "", "post", 0, 1, 0, "syncing post: not found", runStarted, int64(40))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, run_trigger, skipped, kinds_attempted, kinds_synced, kinds_failed, items_synced, items_failed, dead_lettered, error, started_at, duration_ms FROM sync_runs ORDER BY started_at DESC, id DESC LIMIT 2")).
		WillReturnRows(rows)

	runs, err := repo.ListRuns(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	assert.Equal(t, secondRun, runs[0].RunID)
	assert.Equal(t, firstRun, runs[1].RunID)
	assert.Equal(t, TriggerPeriodic, runs[0].Trigger)
	assert.Equal(t, outbox.Kinds, runs[0].KindsSynced)
	assert.Nil(t, runs[0].KindsFailed)
	assert.Equal(t, 250*time.Millisecond, runs[0].Duration)
	assert.True(t, runs[0].Success())

	assert.Equal(t, []outbox.Kind{outbox.KindPost}, runs[1].KindsFailed)
	assert.Equal(t, "syncing post: not found", runs[1].Error)
	assert.False(t, runs[1].Success())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLRepository_LatestRunEmpty(t *testing.T) {
	repo, mock := setupRunRepository(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM sync_runs ORDER BY started_at DESC, id DESC LIMIT 1")).
		WillReturnRows(sqlmock.NewRows(runColumns))

	run, err := repo.LatestRun(context.Background())
	require.NoError(t, err)
	assert.Nil(t, run)
	assert.NoError(t, mock.ExpectationsWereMet())
}
