package db

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestMigrateCreatesSchema(t *testing.T) {
	conn := openTestDB(t)
	require.NoError(t, Migrate(conn, nil))

	for _, table := range []string{"schema_migrations", "jobs", "job_attempts"} {
		var name string
		err := conn.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		require.NoError(t, err, "expected table %s", table)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	conn := openTestDB(t)
	require.NoError(t, Migrate(conn, nil))
	require.NoError(t, Migrate(conn, nil))

	var count int
	require.NoError(t, conn.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count))
	assert.Equal(t, 3, count)
}

func TestIsUniqueViolation(t *testing.T) {
	conn := openTestDB(t)
	require.NoError(t, Migrate(conn, nil))

	insert := `INSERT INTO jobs (id, owner_id, state, backend_type, idempotency_key, input_ref, created_at, updated_at)
		VALUES (?, ?, 'PENDING', 'local', ?, 'in://x', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`
	_, err := conn.Exec(insert, "J1", "U1", "K1")
	require.NoError(t, err)

	_, err = conn.Exec(insert, "J2", "U1", "K1")
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))
	assert.False(t, IsUniqueViolation(nil))
}
