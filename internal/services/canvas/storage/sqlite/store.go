// Package sqlite provides the SQLite-backed canvas update log.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/tripboard/tripboard/internal/platform/storage/sqlitemigrate"
	"github.com/tripboard/tripboard/internal/platform/timeouts"
	"github.com/tripboard/tripboard/internal/services/canvas/crdt"
	"github.com/tripboard/tripboard/internal/services/canvas/storage"
	"github.com/tripboard/tripboard/internal/services/canvas/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store persists canvas update fragments in SQLite.
type Store struct {
	sqlDB  *sql.DB
	engine crdt.Engine
	now    func() time.Time
}

var _ storage.UpdateLogStore = (*Store)(nil)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite update log and applies embedded migrations. engine
// merges entries on read.
func Open(path string, engine crdt.Engine) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if engine == nil {
		return nil, fmt.Errorf("crdt engine is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeouts.StoreOpen)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlitemigrate.ApplyMigrations(ctx, sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB, engine: engine, now: time.Now}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Append records one update fragment.
func (s *Store) Append(ctx context.Context, canvasID string, payload []byte) (storage.Entry, error) {
	if err := ctx.Err(); err != nil {
		return storage.Entry{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Entry{}, fmt.Errorf("storage is not configured")
	}
	canvasID, err := storage.NormalizeAppend(canvasID, payload)
	if err != nil {
		return storage.Entry{}, err
	}
	createdAt := s.now().UTC()

	row := s.sqlDB.QueryRowContext(
		ctx,
		`INSERT INTO canvas_updates (canvas_id, payload, created_at)
		 VALUES (?, ?, ?)
		 RETURNING seq`,
		canvasID,
		payload,
		toMillis(createdAt),
	)
	var seq int64
	if err := row.Scan(&seq); err != nil {
		return storage.Entry{}, fmt.Errorf("append canvas update: %w", err)
	}
	return storage.Entry{
		Seq:       seq,
		CanvasID:  canvasID,
		Payload:   append([]byte(nil), payload...),
		CreatedAt: fromMillis(toMillis(createdAt)),
	}, nil
}

// List returns the update log for one canvas in sequence order.
func (s *Store) List(ctx context.Context, canvasID string) ([]storage.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	canvasID, err := storage.NormalizeCanvasID(canvasID)
	if err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT seq, canvas_id, payload, created_at
		 FROM canvas_updates
		 WHERE canvas_id = ?
		 ORDER BY seq ASC`,
		canvasID,
	)
	if err != nil {
		return nil, fmt.Errorf("list canvas updates: %w", err)
	}
	defer rows.Close()

	var entries []storage.Entry
	for rows.Next() {
		var (
			entry     storage.Entry
			createdAt int64
		)
		if err := rows.Scan(&entry.Seq, &entry.CanvasID, &entry.Payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan canvas update: %w", err)
		}
		entry.CreatedAt = fromMillis(createdAt)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate canvas updates: %w", err)
	}
	return entries, nil
}

// ReadMerged merges the whole update log for one canvas.
func (s *Store) ReadMerged(ctx context.Context, canvasID string) ([]byte, error) {
	entries, err := s.List(ctx, canvasID)
	if err != nil {
		return nil, err
	}
	return storage.MergeEntries(s.engine, entries)
}
