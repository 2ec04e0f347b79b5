// Package postgres provides the PostgreSQL-backed canvas update log, for
// deployments running several canvas instances against one database.
package postgres

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tripboard/tripboard/internal/services/canvas/crdt"
	"github.com/tripboard/tripboard/internal/services/canvas/storage"
	"github.com/tripboard/tripboard/internal/services/canvas/storage/postgres/migrations"
)

// Store persists canvas update fragments in PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	engine crdt.Engine
}

var _ storage.UpdateLogStore = (*Store)(nil)

// Open connects to databaseURL and ensures the schema exists.
func Open(ctx context.Context, databaseURL string, engine crdt.Engine) (*Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("database url is required")
	}
	if engine == nil {
		return nil, fmt.Errorf("crdt engine is required")
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := applySchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool, engine: engine}, nil
}

func applySchema(ctx context.Context, pool *pgxpool.Pool) error {
	files, err := fs.Glob(migrations.FS, "*.sql")
	if err != nil {
		return fmt.Errorf("list schema files: %w", err)
	}
	sort.Strings(files)
	for _, file := range files {
		content, err := fs.ReadFile(migrations.FS, file)
		if err != nil {
			return fmt.Errorf("read %s: %w", file, err)
		}
		// Without arguments pgx sends the file over the simple protocol, which
		// accepts several statements at once.
		if _, err := pool.Exec(ctx, string(content)); err != nil {
			return fmt.Errorf("exec %s: %w", file, err)
		}
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// Append records one update fragment.
func (s *Store) Append(ctx context.Context, canvasID string, payload []byte) (storage.Entry, error) {
	if err := ctx.Err(); err != nil {
		return storage.Entry{}, err
	}
	if s == nil || s.pool == nil {
		return storage.Entry{}, fmt.Errorf("storage is not configured")
	}
	canvasID, err := storage.NormalizeAppend(canvasID, payload)
	if err != nil {
		return storage.Entry{}, err
	}

	entry := storage.Entry{CanvasID: canvasID, Payload: append([]byte(nil), payload...)}
	var createdAt time.Time
	err = s.pool.QueryRow(
		ctx,
		`INSERT INTO canvas_updates (canvas_id, payload)
		 VALUES ($1, $2)
		 RETURNING seq, created_at`,
		canvasID,
		payload,
	).Scan(&entry.Seq, &createdAt)
	if err != nil {
		return storage.Entry{}, fmt.Errorf("append canvas update: %w", err)
	}
	entry.CreatedAt = createdAt.UTC()
	return entry, nil
}

// List returns the update log for one canvas in sequence order.
func (s *Store) List(ctx context.Context, canvasID string) ([]storage.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	canvasID, err := storage.NormalizeCanvasID(canvasID)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(
		ctx,
		`SELECT seq, canvas_id, payload, created_at
		 FROM canvas_updates
		 WHERE canvas_id = $1
		 ORDER BY seq ASC`,
		canvasID,
	)
	if err != nil {
		return nil, fmt.Errorf("list canvas updates: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.Entry, error) {
		var entry storage.Entry
		if err := row.Scan(&entry.Seq, &entry.CanvasID, &entry.Payload, &entry.CreatedAt); err != nil {
			return storage.Entry{}, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		return entry, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan canvas updates: %w", err)
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
