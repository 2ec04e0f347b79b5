// Package storage defines the append-only update log that makes canvas
// documents durable across process restarts.
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tripboard/tripboard/internal/services/canvas/crdt"
)

// Entry is one persisted update fragment.
type Entry struct {
	// Seq orders entries in insertion order across all canvases.
	Seq       int64
	CanvasID  string
	Payload   []byte
	CreatedAt time.Time
}

// UpdateLog appends and lists update fragments per canvas.
type UpdateLog interface {
	// Append durably records payload for canvasID. Concurrent callers are
	// totally ordered by the returned entry's Seq.
	Append(ctx context.Context, canvasID string, payload []byte) (Entry, error)
	// List returns every entry for canvasID in Seq order.
	List(ctx context.Context, canvasID string) ([]Entry, error)
}

// UpdateLogStore is the update log plus merge-on-load.
type UpdateLogStore interface {
	UpdateLog
	// ReadMerged merges every entry for canvasID into one fragment. A canvas
	// with no entries yields the zero-length fragment.
	ReadMerged(ctx context.Context, canvasID string) ([]byte, error)
	Close() error
}

// MergeEntries merges entry payloads in order using engine.
func MergeEntries(engine crdt.Engine, entries []Entry) ([]byte, error) {
	if engine == nil {
		return nil, fmt.Errorf("crdt engine is required")
	}
	if len(entries) == 0 {
		return nil, nil
	}
	payloads := make([][]byte, 0, len(entries))
	for _, entry := range entries {
		payloads = append(payloads, entry.Payload)
	}
	merged, err := engine.MergeUpdates(payloads...)
	if err != nil {
		return nil, fmt.Errorf("merge %d entries: %w", len(entries), err)
	}
	return merged, nil
}

// NormalizeAppend trims and validates append input shared by backends.
func NormalizeAppend(canvasID string, payload []byte) (string, error) {
	canvasID = strings.TrimSpace(canvasID)
	if canvasID == "" {
		return "", fmt.Errorf("canvas id is required")
	}
	if len(payload) == 0 {
		return "", fmt.Errorf("payload is required")
	}
	return canvasID, nil
}

// NormalizeCanvasID trims and validates a canvas id.
func NormalizeCanvasID(canvasID string) (string, error) {
	canvasID = strings.TrimSpace(canvasID)
	if canvasID == "" {
		return "", fmt.Errorf("canvas id is required")
	}
	return canvasID, nil
}
