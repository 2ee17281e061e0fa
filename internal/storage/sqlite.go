package storage

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// OpenSQLite opens (and bootstraps) a SQLite database at path.
func OpenSQLite(path string) (Backend, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database %q: %w", path, err)
	}
	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create sqlite tables: %w", err)
	}
	return &sqlBackend{
		db:     db,
		rebind: func(query string) string { return query },
	}, nil
}
