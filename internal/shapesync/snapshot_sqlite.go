package shapesync

import (
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // register pure-Go SQLite driver
)

const snapshotSchema = `
CREATE TABLE IF NOT EXISTS snapshots (
	source_key TEXT PRIMARY KEY,
	rows_json  TEXT NOT NULL,
	fetched_at TEXT NOT NULL
);`

// SQLiteSnapshotBackend persists snapshots in a local SQLite database so a
// restarted client can hydrate fallback collections before the first refresh.
type SQLiteSnapshotBackend struct {
	db *sql.DB
}

func NewSQLiteSnapshotBackend(path string) (*SQLiteSnapshotBackend, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(snapshotSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteSnapshotBackend{db: db}, nil
}

func (b *SQLiteSnapshotBackend) Load(key string) (*Snapshot, error) {
	var rowsJSON, fetchedAt string
	err := b.db.QueryRow(
		`SELECT rows_json, fetched_at FROM snapshots WHERE source_key = ?`, key,
	).Scan(&rowsJSON, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rows []Row
	if err := json.Unmarshal([]byte(rowsJSON), &rows); err != nil {
		return nil, err
	}
	snap := &Snapshot{Rows: rows}
	if ts, parseErr := time.Parse(time.RFC3339Nano, fetchedAt); parseErr == nil {
		snap.FetchedAt = ts
	}
	return snap, nil
}

func (b *SQLiteSnapshotBackend) Store(key string, snap *Snapshot) error {
	if snap == nil {
		return nil
	}
	rowsJSON, err := json.Marshal(snap.Rows)
	if err != nil {
		return err
	}
	_, err = b.db.Exec(
		`INSERT INTO snapshots (source_key, rows_json, fetched_at) VALUES (?, ?, ?)
		 ON CONFLICT(source_key) DO UPDATE SET rows_json = excluded.rows_json, fetched_at = excluded.fetched_at`,
		key, string(rowsJSON), snap.FetchedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (b *SQLiteSnapshotBackend) Delete(key string) error {
	_, err := b.db.Exec(`DELETE FROM snapshots WHERE source_key = ?`, key)
	return err
}

func (b *SQLiteSnapshotBackend) Close() error {
	return b.db.Close()
}
