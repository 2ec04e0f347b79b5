// Package registry owns the live canvas documents of one process.
//
// A document is hydrated from the update log on first use, mutated by
// accepted updates, and evicted once its last connection has been gone for
// the eviction grace period. The registry map is guarded by one mutex for
// structural changes; each document has its own mutex, so merging into one
// canvas never blocks another.
package registry

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/tripboard/tripboard/internal/platform/errors"
	"github.com/tripboard/tripboard/internal/platform/telemetry/metrics"
	"github.com/tripboard/tripboard/internal/platform/timeouts"
	"github.com/tripboard/tripboard/internal/services/canvas/crdt"
	"github.com/tripboard/tripboard/internal/services/canvas/storage"
)

const tracerName = "github.com/tripboard/tripboard/internal/services/canvas/registry"

// UpdateLog is the persistence the registry needs.
type UpdateLog interface {
	Append(ctx context.Context, canvasID string, payload []byte) (storage.Entry, error)
	ReadMerged(ctx context.Context, canvasID string) ([]byte, error)
}

// Options configures a Registry.
type Options struct {
	// EvictionGrace is how long an idle document stays loaded. Zero evicts
	// as soon as the last connection leaves.
	EvictionGrace time.Duration
	// AppendRetryMaxElapsed bounds retries of one failed append. Zero uses
	// timeouts.AppendRetry.
	AppendRetryMaxElapsed time.Duration
	Metrics               *metrics.Canvas
}

// Stats reports registry occupancy.
type Stats struct {
	Documents      int
	Connections    int
	PendingAppends int
}

// Registry maps canvas ids to live documents and tracks which sockets are
// connected to each.
type Registry struct {
	engine    crdt.Engine
	store     UpdateLog
	grace     time.Duration
	metrics   *metrics.Canvas
	tracer    trace.Tracer
	persister *persister
	afterFunc func(time.Duration, func()) func() bool

	mu      sync.Mutex
	docs    map[string]*entry
	loading map[string]*loadCall
	sockets map[string]string
	closed  bool
}

type entry struct {
	canvasID string
	handle   *Handle

	// mu guards doc and evicted.
	mu      sync.Mutex
	doc     crdt.Doc
	evicted bool

	// Guarded by Registry.mu.
	conns      map[string]struct{}
	generation uint64
	stopEvict  func() bool
}

type loadCall struct {
	done  chan struct{}
	entry *entry
	err   error
}

// Handle refers to one live document. GetOrCreate returns the same handle
// for a canvas until its document is evicted.
type Handle struct {
	e *entry
}

// CanvasID returns the canvas the handle refers to.
func (h *Handle) CanvasID() string {
	return h.e.canvasID
}

// StateVector returns a copy of the document's state vector.
func (h *Handle) StateVector() []byte {
	h.e.mu.Lock()
	defer h.e.mu.Unlock()
	return cloneBytes(h.e.doc.StateVector())
}

// EncodeStateAsUpdate returns the operations a peer at stateVector lacks.
func (h *Handle) EncodeStateAsUpdate(stateVector []byte) ([]byte, error) {
	h.e.mu.Lock()
	defer h.e.mu.Unlock()
	return h.e.doc.EncodeStateAsUpdate(stateVector)
}

// New builds a registry over engine and store.
func New(engine crdt.Engine, store UpdateLog, opts Options) (*Registry, error) {
	if engine == nil {
		return nil, fmt.Errorf("crdt engine is required")
	}
	if store == nil {
		return nil, fmt.Errorf("update log is required")
	}
	if opts.EvictionGrace < 0 {
		return nil, fmt.Errorf("eviction grace must not be negative")
	}
	maxElapsed := opts.AppendRetryMaxElapsed
	if maxElapsed <= 0 {
		maxElapsed = timeouts.AppendRetry
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.NewCanvas(nil)
	}
	tracer := otel.Tracer(tracerName)
	return &Registry{
		engine:    engine,
		store:     store,
		grace:     opts.EvictionGrace,
		metrics:   m,
		tracer:    tracer,
		persister: newPersister(store, maxElapsed, m, tracer),
		afterFunc: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
		docs:    make(map[string]*entry),
		loading: make(map[string]*loadCall),
		sockets: make(map[string]string),
	}, nil
}

// GetOrCreate returns the live document for canvasID, hydrating it from the
// update log when absent. Concurrent first calls share one hydration, which
// runs detached from any one caller's context and is bounded by
// timeouts.Hydrate. A caller whose ctx ends stops waiting without cancelling
// the load for the others.
func (r *Registry) GetOrCreate(ctx context.Context, canvasID string) (*Handle, error) {
	canvasID, err := normalizeCanvasID(canvasID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("registry is closed")
	}
	if e := r.docs[canvasID]; e != nil {
		r.mu.Unlock()
		return e.handle, nil
	}
	call := r.loading[canvasID]
	if call == nil {
		call = &loadCall{done: make(chan struct{})}
		r.loading[canvasID] = call
		// The load is shared, so it must not die with the caller that
		// started it.
		go r.load(context.WithoutCancel(ctx), canvasID, call)
	}
	r.mu.Unlock()

	select {
	case <-call.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if call.err != nil {
		return nil, call.err
	}
	return call.entry.handle, nil
}

func (r *Registry) load(ctx context.Context, canvasID string, call *loadCall) {
	ctx, cancel := context.WithTimeout(ctx, timeouts.Hydrate)
	defer cancel()

	e, err := r.hydrate(ctx, canvasID)

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.loading, canvasID)
	if err == nil {
		if r.closed {
			err = fmt.Errorf("registry is closed")
			e = nil
		} else {
			r.docs[canvasID] = e
			r.metrics.DocumentLoaded(ctx)
			// Idle until a connection arrives; a load abandoned by every
			// caller is evicted after the grace period.
			if r.grace > 0 {
				r.scheduleEvictionLocked(e)
			}
		}
	}
	call.entry, call.err = e, err
	close(call.done)
}

func (r *Registry) hydrate(ctx context.Context, canvasID string) (*entry, error) {
	ctx, span := r.tracer.Start(ctx, "canvas.registry.hydrate",
		trace.WithAttributes(attribute.String("canvas.id", canvasID)))
	defer span.End()

	// Pending appends are captured before the log read so a fragment that
	// lands in the log mid-read is still seen.
	pending := r.persister.pending(canvasID)

	doc := r.engine.NewDoc()
	merged, err := r.store.ReadMerged(ctx, canvasID)
	if err == nil {
		err = doc.ApplyUpdate(merged)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, "hydration failed")
		log.Printf("canvas: hydrate %s: %v", canvasID, err)
		return nil, apperrors.WrapWithMetadata(
			apperrors.CodeCanvasHydrationFailed,
			"load canvas document",
			map[string]string{"canvas_id": canvasID},
			err,
		)
	}
	for _, payload := range pending {
		if err := doc.ApplyUpdate(payload); err != nil {
			log.Printf("canvas: replay pending update for %s: %v", canvasID, err)
		}
	}
	span.SetAttributes(attribute.Int("canvas.pending_replayed", len(pending)))

	e := &entry{
		canvasID: canvasID,
		doc:      doc,
		conns:    make(map[string]struct{}),
	}
	e.handle = &Handle{e: e}
	return e, nil
}

// Connect records socketID as connected to canvasID's live document and
// cancels any pending eviction. A socket already connected elsewhere is
// moved. It fails with CodeCanvasNotLoaded when no document is live.
func (r *Registry) Connect(canvasID, socketID string) error {
	canvasID, err := normalizeCanvasID(canvasID)
	if err != nil {
		return err
	}
	socketID = strings.TrimSpace(socketID)
	if socketID == "" {
		return apperrors.New(apperrors.CodeSocketIDRequired, "socket id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.docs[canvasID]
	if e == nil {
		return apperrors.WithMetadata(
			apperrors.CodeCanvasNotLoaded,
			"canvas document is not loaded",
			map[string]string{"canvas_id": canvasID},
		)
	}
	if previous, ok := r.sockets[socketID]; ok && previous != canvasID {
		r.removeSocketLocked(socketID, previous)
	}
	r.sockets[socketID] = canvasID
	e.conns[socketID] = struct{}{}
	r.cancelEvictionLocked(e)
	return nil
}

// Disconnect removes socketID from whichever canvas it is connected to and
// reports that canvas. When the canvas has no connections left, eviction is
// scheduled.
func (r *Registry) Disconnect(socketID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	canvasID, ok := r.sockets[socketID]
	if !ok {
		return "", false
	}
	r.removeSocketLocked(socketID, canvasID)
	return canvasID, true
}

func (r *Registry) removeSocketLocked(socketID, canvasID string) {
	delete(r.sockets, socketID)
	e := r.docs[canvasID]
	if e == nil {
		return
	}
	delete(e.conns, socketID)
	if len(e.conns) == 0 && !r.closed {
		r.scheduleEvictionLocked(e)
	}
}

func (r *Registry) scheduleEvictionLocked(e *entry) {
	r.cancelEvictionLocked(e)
	if r.grace <= 0 {
		r.evictLocked(e)
		return
	}
	generation := e.generation
	canvasID := e.canvasID
	e.stopEvict = r.afterFunc(r.grace, func() {
		r.evict(canvasID, generation)
	})
}

func (r *Registry) cancelEvictionLocked(e *entry) {
	if e.stopEvict != nil {
		e.stopEvict()
		e.stopEvict = nil
	}
	e.generation++
}

func (r *Registry) evict(canvasID string, generation uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.docs[canvasID]
	if e == nil || e.generation != generation || len(e.conns) > 0 {
		return
	}
	e.stopEvict = nil
	r.evictLocked(e)
}

func (r *Registry) evictLocked(e *entry) {
	if r.docs[e.canvasID] != e {
		return
	}
	delete(r.docs, e.canvasID)
	e.mu.Lock()
	e.evicted = true
	e.mu.Unlock()
	r.metrics.DocumentEvicted(context.Background())
	log.Printf("canvas: evicted document %s", e.canvasID)
}

// StateVector returns a copy of the live document's state vector.
func (r *Registry) StateVector(canvasID string) ([]byte, bool) {
	e := r.live(canvasID)
	if e == nil {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted {
		return nil, false
	}
	return cloneBytes(e.doc.StateVector()), true
}

// ApplyUpdate merges update into the live document for canvasID and queues
// it for durable append. It reports false when no document is live or the
// update cannot be decoded.
func (r *Registry) ApplyUpdate(ctx context.Context, canvasID string, update []byte) bool {
	return r.ApplyUpdateFunc(ctx, canvasID, update, nil)
}

// ApplyUpdateFunc is ApplyUpdate with applied run once the update is merged,
// before the document lock is released. Updates to one canvas therefore reach
// applied in the order they were merged. applied must not block or call back
// into the registry.
func (r *Registry) ApplyUpdateFunc(ctx context.Context, canvasID string, update []byte, applied func()) bool {
	if len(update) == 0 {
		r.metrics.UpdateRejected(ctx, "empty")
		return false
	}
	e := r.live(canvasID)
	if e == nil {
		r.metrics.UpdateRejected(ctx, "not_loaded")
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted {
		r.metrics.UpdateRejected(ctx, "not_loaded")
		return false
	}
	if err := e.doc.ApplyUpdate(update); err != nil {
		r.metrics.UpdateRejected(ctx, "malformed")
		log.Printf("canvas: reject update for %s: %v", e.canvasID, err)
		return false
	}
	r.persister.enqueue(e.canvasID, cloneBytes(update))
	r.metrics.UpdateApplied(ctx)
	if applied != nil {
		applied()
	}
	return true
}

// MergeRemote merges an update that another instance already persisted.
func (r *Registry) MergeRemote(canvasID string, update []byte) bool {
	if len(update) == 0 {
		return false
	}
	e := r.live(canvasID)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted {
		return false
	}
	if err := e.doc.ApplyUpdate(update); err != nil {
		log.Printf("canvas: reject remote update for %s: %v", e.canvasID, err)
		return false
	}
	return true
}

// Snapshot returns the full document state for canvasID as one update. Idle
// canvases are read from the update log without being loaded.
func (r *Registry) Snapshot(ctx context.Context, canvasID string) ([]byte, error) {
	canvasID, err := normalizeCanvasID(canvasID)
	if err != nil {
		return nil, err
	}
	if e := r.live(canvasID); e != nil {
		e.mu.Lock()
		evicted := e.evicted
		var (
			full   []byte
			encErr error
		)
		if !evicted {
			full, encErr = e.doc.EncodeStateAsUpdate(nil)
		}
		e.mu.Unlock()
		if !evicted {
			return full, encErr
		}
	}

	pending := r.persister.pending(canvasID)
	merged, err := r.store.ReadMerged(ctx, canvasID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageUnavailable, "read canvas update log", err)
	}
	if len(pending) == 0 {
		return merged, nil
	}
	return r.engine.MergeUpdates(append([][]byte{merged}, pending...)...)
}

// Stats reports the current occupancy.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	stats := Stats{Documents: len(r.docs), Connections: len(r.sockets)}
	r.mu.Unlock()
	stats.PendingAppends = r.persister.pendingCount()
	return stats
}

// Close stops pending evictions and waits for queued appends to finish or
// ctx to expire.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	for _, e := range r.docs {
		if e.stopEvict != nil {
			e.stopEvict()
			e.stopEvict = nil
		}
	}
	r.mu.Unlock()
	return r.persister.close(ctx)
}

func (r *Registry) live(canvasID string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.docs[strings.TrimSpace(canvasID)]
}

func normalizeCanvasID(canvasID string) (string, error) {
	canvasID = strings.TrimSpace(canvasID)
	if canvasID == "" {
		return "", apperrors.New(apperrors.CodeCanvasIDRequired, "canvas id is required")
	}
	return canvasID, nil
}

func cloneBytes(value []byte) []byte {
	if value == nil {
		return nil
	}
	return append([]byte(nil), value...)
}
