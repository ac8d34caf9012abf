// Package db is the sqlite store for venue tokens and reconciliation alerts.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const memoryPath = ":memory:"

// Database holds the sqlite handle. All access goes through one connection.
type Database struct {
	DB *sql.DB
}

// New opens the database at path, creating its directory. File databases run in WAL
// mode with a busy timeout so the alert writer and token store do not trip over
// each other.
func New(path string) (*Database, error) {
	if path == "" {
		return nil, errors.New("db: empty path")
	}
	dsn := path
	if path != memoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("db: create directory for %s: %w", path, err)
		}
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	handle, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("db: open %s: %w", path, err)
	}
	handle.SetMaxOpenConns(1)
	if err := handle.Ping(); err != nil {
		handle.Close()
		return nil, fmt.Errorf("db: ping %s: %w", path, err)
	}
	return &Database{DB: handle}, nil
}

func (d *Database) Close() error {
	if d == nil || d.DB == nil {
		return nil
	}
	return d.DB.Close()
}
