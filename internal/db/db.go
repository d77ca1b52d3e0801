package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/chmdznr/minutes-mirror/internal/record"
	"github.com/chmdznr/minutes-mirror/pkg/models"
)

// DB is a SQLite-backed mirror record store
type DB struct {
	*sql.DB
	path string

	mu  sync.Mutex
	ids map[string]struct{}
}

var _ record.Store = (*DB)(nil)

// New opens the database at path and creates the schema if needed
func New(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	sqlDB, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// Appends come from a single goroutine; one connection keeps the
	// in-memory pragmas consistent.
	sqlDB.SetMaxOpenConns(1)

	db := &DB{DB: sqlDB, path: path, ids: map[string]struct{}{}}
	if err := db.initialize(); err != nil {
		sqlDB.Close()
		return nil, &record.RecordStoreCorruptionError{Path: path, Err: err}
	}

	return db, nil
}

// initialize creates the necessary tables if they don't exist
func (db *DB) initialize() error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS mirrored (
			identifier TEXT PRIMARY KEY,
			title TEXT,
			kind INTEGER,
			local_path TEXT,
			created_at DATETIME,
			completed_at DATETIME,
			mirrored_at DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_mirrored_at ON mirrored(mirrored_at);
		PRAGMA journal_mode=WAL;
		PRAGMA synchronous=FULL;
		PRAGMA temp_store=MEMORY;
	`)
	return err
}

// Load reads every mirrored identifier into memory
func (db *DB) Load(ctx context.Context) error {
	rows, err := db.QueryContext(ctx, `SELECT identifier FROM mirrored`)
	if err != nil {
		return &record.RecordStoreCorruptionError{Path: db.path, Err: err}
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return &record.RecordStoreCorruptionError{Path: db.path, Err: err}
		}
		ids[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return &record.RecordStoreCorruptionError{Path: db.path, Err: err}
	}

	db.mu.Lock()
	db.ids = ids
	db.mu.Unlock()
	return nil
}

// IsMirrored answers from the last Load plus later marks
func (db *DB) IsMirrored(identifier string) bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, ok := db.ids[identifier]
	return ok
}

// MarkMirrored records an item; repeated marks keep the first row
func (db *DB) MarkMirrored(ctx context.Context, rec models.MirrorRecord) error {
	if rec.RemoteIdentifier == "" {
		return fmt.Errorf("refusing to record empty identifier")
	}
	mirroredAt := rec.MirroredAt
	if mirroredAt.IsZero() {
		mirroredAt = time.Now()
	}

	_, err := db.ExecContext(ctx, `
		INSERT OR IGNORE INTO mirrored (identifier, title, kind, local_path, created_at, completed_at, mirrored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		rec.RemoteIdentifier,
		rec.Title,
		int(rec.Kind),
		rec.LocalPath,
		rec.CreatedAt.UTC(),
		rec.CompletedAt.UTC(),
		mirroredAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record %s: %w", rec.RemoteIdentifier, err)
	}

	db.mu.Lock()
	db.ids[rec.RemoteIdentifier] = struct{}{}
	db.mu.Unlock()
	return nil
}

// GetRecord returns the stored record for identifier
func (db *DB) GetRecord(ctx context.Context, identifier string) (*models.MirrorRecord, error) {
	var rec models.MirrorRecord
	var kind int
	err := db.QueryRowContext(ctx, `
		SELECT identifier, title, kind, local_path, created_at, completed_at, mirrored_at
		FROM mirrored WHERE identifier = ?
	`, identifier).Scan(
		&rec.RemoteIdentifier,
		&rec.Title,
		&kind,
		&rec.LocalPath,
		&rec.CreatedAt,
		&rec.CompletedAt,
		&rec.MirroredAt,
	)
	if err != nil {
		return nil, fmt.Errorf("record not found: %w", err)
	}
	rec.Kind = models.ItemKind(kind)
	return &rec, nil
}

// RecentRecords returns the latest mirrored records, newest first
func (db *DB) RecentRecords(ctx context.Context, limit int) ([]models.MirrorRecord, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT identifier, title, kind, local_path, mirrored_at
		FROM mirrored
		ORDER BY mirrored_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.MirrorRecord
	for rows.Next() {
		var rec models.MirrorRecord
		var kind int
		if err := rows.Scan(&rec.RemoteIdentifier, &rec.Title, &kind, &rec.LocalPath, &rec.MirroredAt); err != nil {
			return nil, err
		}
		rec.Kind = models.ItemKind(kind)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// GetStats returns statistics about mirrored items
func (db *DB) GetStats(ctx context.Context) (*models.Stats, error) {
	var stats models.Stats
	var last sql.NullString
	err := db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) as mirrored_items,
			COUNT(CASE WHEN kind = 0 THEN 1 END) as meeting_items,
			COUNT(CASE WHEN kind = 1 THEN 1 END) as upload_items,
			MAX(mirrored_at) as last_mirrored_at
		FROM mirrored
	`).Scan(
		&stats.MirroredItems,
		&stats.MeetingItems,
		&stats.UploadItems,
		&last,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	if last.Valid {
		stats.LastMirroredAt = parseSQLiteTime(last.String)
	}
	return &stats, nil
}

// parseSQLiteTime handles the layouts go-sqlite3 writes for DATETIME columns
// when they come back through an aggregate.
func parseSQLiteTime(v string) time.Time {
	layouts := []string{
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02T15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02T15:04:05.999999999",
		"2006-01-02 15:04:05",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t
		}
	}
	return time.Time{}
}
