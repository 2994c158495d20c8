package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSchema = `CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT NOT NULL);`

func TestNewSqliteDB_Memory(t *testing.T) {
	conn, err := NewSqliteDB(WithSchema(1, testSchema))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Exec("INSERT INTO kv (k, v) VALUES ('a', 'b')")
	require.NoError(t, err)

	var v string
	require.NoError(t, conn.Get(&v, "SELECT v FROM kv WHERE k = 'a'"))
	assert.Equal(t, "b", v)

	version, err := SchemaVersion(conn)
	require.NoError(t, err)
	assert.Equal(t, 1, version)
}

func TestNewSqliteDB_FileCreatesParent(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".blobsync", "sync.db")

	conn, err := NewSqliteDB(WithPath(path), WithMaxOpenConns(1))
	require.NoError(t, err)
	defer conn.Close()

	assert.FileExists(t, path)
}

func TestNewSqliteDB_SchemaAppliedOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.db")

	conn, err := NewSqliteDB(WithPath(path), WithSchema(1, testSchema))
	require.NoError(t, err)
	_, err = conn.Exec("INSERT INTO kv (k, v) VALUES ('kept', 'yes')")
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	// the DDL is not idempotent, reopening must skip it
	conn, err = NewSqliteDB(WithPath(path), WithSchema(1, testSchema))
	require.NoError(t, err)
	defer conn.Close()

	var v string
	require.NoError(t, conn.Get(&v, "SELECT v FROM kv WHERE k = 'kept'"))
	assert.Equal(t, "yes", v)
}

func TestNewSqliteDB_BadSchema(t *testing.T) {
	_, err := NewSqliteDB(WithSchema(1, "CREATE TABLE ("))
	assert.ErrorContains(t, err, "apply schema v1")
}
