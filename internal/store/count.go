// Package store reads the tracker's SQLite database. It only ever opens the
// file read-only; the web app owns all writes.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"

	_ "modernc.org/sqlite"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// OpenReadOnly opens path with the modernc sqlite driver in read-only mode.
// The file must already exist; it is never created.
func OpenReadOnly(path string) (*sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	u := url.URL{Scheme: "file", Path: path, RawQuery: "mode=ro"}
	db, err := sql.Open("sqlite", u.String())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

// CountRows returns SELECT COUNT(*) FROM table for the database at path.
func CountRows(ctx context.Context, path, table string) (int64, error) {
	if !identRe.MatchString(table) {
		return 0, errors.New("invalid table name: " + table)
	}
	db, err := OpenReadOnly(path)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	var n int64
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}
