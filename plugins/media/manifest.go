package media

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	"github.com/c360/eventrelay/errors"
)

// Record is one manifest row
type Record struct {
	UserID     string
	ScreenName string
	StatusID   string
	Text       string
	MediaURL   string
	Path       string
}

// manifest records every photo the plugin fetched
type manifest struct {
	db *sql.DB
}

func openManifest(ctx context.Context, path string) (*manifest, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.WrapFatal(err, "Media", "openManifest", "open database")
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		`CREATE TABLE IF NOT EXISTS manifest (
			user TEXT NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			text TEXT NOT NULL,
			media TEXT NOT NULL,
			path TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (status, media)
		)`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, errors.WrapFatal(err, "Media", "openManifest", "init schema")
		}
	}
	return &manifest{db: db}, nil
}

// add inserts r and reports whether it was new
func (m *manifest) add(ctx context.Context, r Record) (bool, error) {
	res, err := m.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO manifest (user, name, status, text, media, path, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.UserID, r.ScreenName, r.StatusID, r.Text, r.MediaURL, r.Path, time.Now().Unix())
	if err != nil {
		return false, errors.WrapTransient(err, "Media", "manifest.add", "insert record")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.WrapTransient(err, "Media", "manifest.add", "rows affected")
	}
	return n == 1, nil
}

// remove drops a record whose download failed so a redelivery retries it
func (m *manifest) remove(ctx context.Context, statusID, mediaURL string) error {
	_, err := m.db.ExecContext(ctx, `DELETE FROM manifest WHERE status = ? AND media = ?`, statusID, mediaURL)
	if err != nil {
		return errors.WrapTransient(err, "Media", "manifest.remove", "delete record")
	}
	return nil
}

func (m *manifest) count(ctx context.Context) (int, error) {
	var n int
	if err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM manifest`).Scan(&n); err != nil {
		return 0, errors.WrapTransient(err, "Media", "manifest.count", "count records")
	}
	return n, nil
}

func (m *manifest) records(ctx context.Context) ([]Record, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT user, name, status, text, media, path FROM manifest ORDER BY created_at, status, media`)
	if err != nil {
		return nil, errors.WrapTransient(err, "Media", "manifest.records", "query")
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.UserID, &r.ScreenName, &r.StatusID, &r.Text, &r.MediaURL, &r.Path); err != nil {
			return nil, errors.WrapTransient(err, "Media", "manifest.records", "scan")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (m *manifest) close() error {
	return m.db.Close()
}
