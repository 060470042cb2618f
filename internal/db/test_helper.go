package db

import (
	"database/sql"
	"path/filepath"
	"testing"
)

// TestDB is a throwaway store backed by a temp directory.
type TestDB struct {
	db *DB
}

// NewTest creates a migrated test database for the given service.
func NewTest(tb testing.TB, service Service) (*TestDB, error) {
	tb.Helper()

	tempDir := tb.TempDir()
	dbPath := filepath.Join(tempDir, "test.db")

	database, err := New(dbPath)
	if err != nil {
		return nil, err
	}

	if err := RunMigrations(database.conn, service); err != nil {
		database.Close()
		return nil, err
	}

	return &TestDB{db: database}, nil
}

// Conn returns the SQL connection (implements Database interface)
func (tdb *TestDB) Conn() *sql.DB {
	return tdb.db.conn
}

// Close closes the test database (implements Database interface)
func (tdb *TestDB) Close() error {
	return tdb.db.Close()
}
