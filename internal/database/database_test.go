package database

import (
	"context"
	"path/filepath"
	"slices"
	"testing"
)

func TestOpenMemory(t *testing.T) {
	db, err := Open(context.Background(), memory)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if _, err := db.Exec("CREATE TABLE t (id INTEGER)"); err != nil {
		t.Fatal(err)
	}
	// A second connection would not see the table.
	var n int
	if err := db.QueryRow("SELECT count(*) FROM t").Scan(&n); err != nil {
		t.Errorf("table lost across queries: %v", err)
	}
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "game.db")
	db, err := Open(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatal(err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}

func TestPragmas(t *testing.T) {
	if slices.Contains(pragmas(memory), "PRAGMA journal_mode=WAL") {
		t.Error("memory database asks for WAL")
	}
	if !slices.Contains(pragmas("data/x.db"), "PRAGMA foreign_keys=ON") {
		t.Error("file database without foreign keys")
	}
}
