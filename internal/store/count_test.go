package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
)

func seedDB(t *testing.T, path string, rows int) {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	if _, err := db.Exec(`CREATE TABLE transactions (id INTEGER PRIMARY KEY, description TEXT, amount REAL)`); err != nil {
		t.Fatalf("schema: %v", err)
	}
	for i := 0; i < rows; i++ {
		if _, err := db.Exec(`INSERT INTO transactions (description, amount) VALUES (?, ?)`, "coffee", 120.0); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
}

func TestCountRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "expense_tracker.db")
	seedDB(t, path, 3)

	n, err := CountRows(context.Background(), path, "transactions")
	if err != nil {
		t.Fatalf("CountRows: %v", err)
	}
	if n != 3 {
		t.Fatalf("want 3, got %d", n)
	}
}

func TestCountRows_MissingTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "expense_tracker.db")
	seedDB(t, path, 0)
	if _, err := CountRows(context.Background(), path, "categories"); err == nil {
		t.Fatal("want error for missing table")
	}
}

func TestCountRows_MissingFileIsNotCreated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.db")
	if _, err := CountRows(context.Background(), path, "transactions"); err == nil {
		t.Fatal("want error for missing database")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("read-only open must not create the database")
	}
}

func TestCountRows_RejectsBadTable(t *testing.T) {
	if _, err := CountRows(context.Background(), "x.db", "t; DROP TABLE t"); err == nil {
		t.Fatal("want error for injected table name")
	}
}

func TestCountRows_NotADatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.db")
	if err := os.WriteFile(path, []byte("this is not sqlite at all, not even close......"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := CountRows(context.Background(), path, "transactions"); err == nil {
		t.Fatal("want error for non-sqlite bytes")
	}
}
