package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSchema = `CREATE TABLE IF NOT EXISTS t (id INTEGER PRIMARY KEY, v TEXT);`

func TestOpenMemory(t *testing.T) {
	database, err := Open(testSchema)
	require.NoError(t, err)
	defer database.Close()

	_, err = database.Exec("INSERT INTO t (v) VALUES (?)", "x")
	require.NoError(t, err)

	var n int
	require.NoError(t, database.Get(&n, "SELECT COUNT(*) FROM t"))
	assert.Equal(t, 1, n)
}

func TestOpenFileCreatesParent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "csync.db")

	database, err := Open(testSchema, WithPath(dbPath))
	require.NoError(t, err)
	defer database.Close()

	assert.FileExists(t, dbPath)
}

func TestOpenBadSchema(t *testing.T) {
	_, err := Open("CREATE NONSENSE")
	assert.ErrorContains(t, err, "apply schema")
}

func TestOpenCustomPragmas(t *testing.T) {
	database, err := Open(testSchema, WithPragmas("PRAGMA foreign_keys=ON;"))
	require.NoError(t, err)
	defer database.Close()
}
