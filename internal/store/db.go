package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	// Registers the vec0 virtual table module with go-sqlite3 for every new
	// connection. Harmless when the extension cannot initialize; the vector
	// index probes availability before relying on it.
	sqlite_vec.Auto()
}

// ErrNotFound signals an operation that referenced a missing node or edge.
var ErrNotFound = errors.New("not found")

// ErrDuplicateRelation signals a (source, target, relation_type) triple that
// already exists.
var ErrDuplicateRelation = errors.New("duplicate relation")

// DB wraps a sql.DB connection to the spiral SQLite database.
type DB struct {
	*sql.DB
	Path string

	// set by the native vector index once the vec0 table exists, so node
	// deletion can keep the index in sync
	hasVecTable bool
}

// DefaultDataDir returns the default data directory: ~/.spiral
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".spiral"), nil
}

// Open opens (or creates) the SQLite database at the given path and runs
// migrations. The pragmas ride on the DSN so the driver applies them to
// every pooled connection; issuing them with Exec would configure only the
// one connection that happened to run the statement, and the edge cascade
// depends on foreign_keys being on everywhere.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	dsn := "file:" + path + "?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on&_busy_timeout=5000"
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db := &DB{DB: sqlDB, Path: path}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// OpenMemory opens an in-memory SQLite database for testing.
func OpenMemory() (*DB, error) {
	sqlDB, err := sql.Open("sqlite3", "file::memory:?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite memory: %w", err)
	}
	// A connection pool over :memory: would hand each connection its own
	// empty database; pin everything to one connection.
	sqlDB.SetMaxOpenConns(1)

	db := &DB{DB: sqlDB, Path: ":memory:"}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// SizeBytes returns the approximate storage footprint of the database.
func (db *DB) SizeBytes() (int64, error) {
	var size int64
	err := db.QueryRow(
		"SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()",
	).Scan(&size)
	if err != nil {
		return 0, fmt.Errorf("size bytes: %w", err)
	}
	return size, nil
}
