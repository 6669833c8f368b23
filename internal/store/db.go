// Package store persists tickets and the audit trail to SQLite. It is
// optional: the engine runs entirely in memory when no path is configured.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

type Store struct {
	DB  *sql.DB
	Now func() time.Time
}

// Open opens the SQLite database at path with foreign keys on and applies
// pending migrations. The parent directory is created if missing.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)
	if err := Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return &Store{DB: conn, Now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.DB.Close()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
