// Package db opens the sqlite files blobsync keeps in a folder's metadata
// directory.
package db

import (
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/blobsync/internal/utils"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

const pragmas = `
PRAGMA journal_mode=WAL;
PRAGMA busy_timeout=5000;
PRAGMA synchronous=NORMAL;
PRAGMA temp_store=MEMORY;
`

type options struct {
	path          string
	maxOpenConns  int
	schema        string
	schemaVersion int
}

type Option func(*options)

func WithPath(path string) Option {
	return func(o *options) {
		o.path = path
	}
}

func WithMaxOpenConns(n int) Option {
	return func(o *options) {
		o.maxOpenConns = n
	}
}

// WithSchema applies ddl when the database is older than version, then
// records version in PRAGMA user_version. A database already at version is
// left alone.
func WithSchema(version int, ddl string) Option {
	return func(o *options) {
		o.schemaVersion = version
		o.schema = ddl
	}
}

// NewSqliteDB opens the database, creating the file and its parent directory
// when missing.
func NewSqliteDB(opts ...Option) (*sqlx.DB, error) {
	o := &options{path: MemoryPath}
	for _, opt := range opts {
		opt(o)
	}

	dsn := MemoryPath
	if o.path == MemoryPath {
		// a second connection would see a different database
		o.maxOpenConns = 1
	} else {
		if err := utils.EnsureParent(o.path); err != nil {
			return nil, fmt.Errorf("ensure parent directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_txlock=immediate&mode=rwc", o.path)
	}

	conn, err := sqlx.Connect(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", o.path, err)
	}
	if o.maxOpenConns > 0 {
		conn.SetMaxOpenConns(o.maxOpenConns)
	}

	if _, err := conn.Exec(pragmas); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}

	if err := migrate(conn, o.schemaVersion, o.schema); err != nil {
		conn.Close()
		return nil, err
	}

	slog.Debug("db open", "driver", driverID, "path", o.path, "schema", o.schemaVersion)
	return conn, nil
}

// SchemaVersion reads PRAGMA user_version.
func SchemaVersion(conn *sqlx.DB) (int, error) {
	var version int
	if err := conn.Get(&version, "PRAGMA user_version"); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

func migrate(conn *sqlx.DB, version int, ddl string) error {
	if ddl == "" {
		return nil
	}

	current, err := SchemaVersion(conn)
	if err != nil {
		return err
	}
	if current >= version {
		return nil
	}

	tx, err := conn.Beginx()
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(ddl); err != nil {
		return fmt.Errorf("apply schema v%d: %w", version, err)
	}
	// pragmas take no bind parameters
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return tx.Commit()
}
