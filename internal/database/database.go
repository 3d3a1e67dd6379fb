// Package database opens the libSQL file that backs the game store.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/tursodatabase/go-libsql"
)

const memory = ":memory:"

// Open connects to the libSQL database at path (or ":memory:") and applies
// the pragmas the store depends on. Foreign keys are verified after they are
// set because team and membership rows rely on cascading deletes.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("libsql", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Each connection to :memory: is its own empty database.
	if path == memory {
		db.SetMaxOpenConns(1)
	}

	if err := configure(ctx, db, pragmas(path)); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func pragmas(path string) []string {
	p := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	if path != memory {
		p = append(p, "PRAGMA journal_mode=WAL", "PRAGMA synchronous=NORMAL")
	}
	return p
}

func configure(ctx context.Context, db *sql.DB, pragmas []string) error {
	// libSQL rejects Exec for pragmas that return rows, so drain them all
	// through QueryContext.
	for _, p := range pragmas {
		rows, err := db.QueryContext(ctx, p)
		if err != nil {
			return fmt.Errorf("executing %s: %w", p, err)
		}
		rows.Close()
	}

	var fk int
	if err := db.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk); err != nil {
		return fmt.Errorf("reading foreign_keys: %w", err)
	}
	if fk != 1 {
		return errors.New("foreign keys are not enforced")
	}
	return nil
}
