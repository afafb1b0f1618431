package database

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tildaslashalef/recipebox/internal/config"
	"github.com/tildaslashalef/recipebox/internal/loggy"
)

func testConfig(t *testing.T) config.DatabaseConfig {
	t.Helper()
	return config.DatabaseConfig{
		Path:            filepath.Join(t.TempDir(), "recipebox.db"),
		JournalMode:     "WAL",
		SynchronousMode: "NORMAL",
		BusyTimeout:     5000,
		ForeignKeys:     true,
		ConnMaxLife:     time.Minute,
		QueryTimeout:    time.Second,
	}
}

func TestBuildSQLiteDSN(t *testing.T) {
	cfg := config.DatabaseConfig{
		Path:            "/tmp/recipebox.db",
		JournalMode:     "WAL",
		SynchronousMode: "NORMAL",
		BusyTimeout:     5000,
		CacheSize:       -2000,
		ForeignKeys:     true,
	}

	dsn := buildSQLiteDSN(&cfg)
	assert.Contains(t, dsn, "/tmp/recipebox.db?")
	assert.Contains(t, dsn, "_busy_timeout=5000")
	assert.Contains(t, dsn, "_journal_mode=WAL")
	assert.Contains(t, dsn, "_synchronous=NORMAL")
	assert.Contains(t, dsn, "_cache_size=-2000")
	assert.Contains(t, dsn, "_foreign_keys=true")

	memory := config.DatabaseConfig{Path: ":memory:", JournalMode: "WAL"}
	assert.Equal(t, ":memory:", buildSQLiteDSN(&memory))
}

func TestMigrateAndRevert(t *testing.T) {
	logger := loggy.NewNoopLogger()
	db, err := Open(context.Background(), testConfig(t), logger)
	require.NoError(t, err)
	defer db.Close()

	version, _, err := Version(db)
	require.NoError(t, err)
	assert.Equal(t, uint(0), version)

	require.NoError(t, Migrate(db, logger))
	// Applying again is a no-op
	require.NoError(t, Migrate(db, logger))

	version, dirty, err := Version(db)
	require.NoError(t, err)
	assert.Equal(t, uint(4), version)
	assert.False(t, dirty)

	for _, table := range []string{"pending_operations", "pending_posts", "pending_comments", "pending_reactions", "pending_favorites", "sync_runs", "settings", "sync_lease"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&name)
		assert.NoError(t, err, "table %s should exist", table)
	}

	require.NoError(t, Revert(db, 4, logger))
	version, _, err = Version(db)
	require.NoError(t, err)
	assert.Equal(t, uint(0), version)

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE name = 'pending_posts'").Scan(&count))
	assert.Zero(t, count)

	assert.Error(t, Revert(db, 0, logger))
}

func TestWithTransaction(t *testing.T) {
	logger := loggy.NewNoopLogger()
	ctx := context.Background()

	db, err := Open(ctx, testConfig(t), logger)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec("CREATE TABLE things (name TEXT NOT NULL)")
	require.NoError(t, err)

	err = WithTransaction(ctx, db, func(tx *sql.Tx) error {
		_, err := tx.Exec("INSERT INTO things (name) VALUES ('kept')")
		return err
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = WithTransaction(ctx, db, func(tx *sql.Tx) error {
		if _, err := tx.Exec("INSERT INTO things (name) VALUES ('dropped')"); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	assert.Panics(t, func() {
		_ = WithTransaction(ctx, db, func(tx *sql.Tx) error {
			_, _ = tx.Exec("INSERT INTO things (name) VALUES ('panicked')")
			panic("unexpected")
		})
	})

	var names []string
	rows, err := db.Query("SELECT name FROM things")
	require.NoError(t, err)
	defer rows.Close()
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		names = append(names, name)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []string{"kept"}, names)
}
