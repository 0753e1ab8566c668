// Package dbtest opens migrated in-memory databases for tests.
package dbtest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"wuzapi-autoflow/internal/db"
)

// Open returns a migrated in-memory sqlite database closed at test cleanup.
func Open(t *testing.T) *db.Database {
	t.Helper()
	database, err := db.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, database.Migrate())
	return database
}
