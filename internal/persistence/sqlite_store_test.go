package persistence

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func newSQLiteStore(t *testing.T) RunStore {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// An in-memory SQLite database exists per connection; keep the pool at
	// one so every query sees the same database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewSQLiteRunStore(db)
	require.NoError(t, err)
	return store
}

func TestSQLiteStoreSuite(t *testing.T) {
	runStoreSuite(t, newSQLiteStore)
}

func TestSQLiteSchemaIdempotent(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	_, err = NewSQLiteRunStore(db)
	require.NoError(t, err)
	_, err = NewSQLiteRunStore(db)
	require.NoError(t, err)
}
