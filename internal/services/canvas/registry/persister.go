package registry

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tripboard/tripboard/internal/platform/telemetry/metrics"
	"github.com/tripboard/tripboard/internal/services/canvas/storage"
)

// persister appends accepted updates off the caller's path. Each canvas has
// its own FIFO queue drained by one goroutine, so appends for a canvas land
// in the order they were accepted.
type persister struct {
	store      UpdateLog
	maxElapsed time.Duration
	metrics    *metrics.Canvas
	tracer     trace.Tracer
	newBackOff func() backoff.BackOff

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	queues map[string]*appendQueue
	closed bool
}

type appendQueue struct {
	// items[0] is in flight until its append finishes.
	items [][]byte
}

func newPersister(store UpdateLog, maxElapsed time.Duration, m *metrics.Canvas, tracer trace.Tracer) *persister {
	ctx, cancel := context.WithCancel(context.Background())
	return &persister{
		store:      store,
		maxElapsed: maxElapsed,
		metrics:    m,
		tracer:     tracer,
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
		ctx:        ctx,
		cancel:     cancel,
		queues:     make(map[string]*appendQueue),
	}
}

func (p *persister) enqueue(canvasID string, payload []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		log.Printf("canvas: drop update for %s: persister closed", canvasID)
		p.metrics.PersistFailed(context.Background())
		return
	}
	q := p.queues[canvasID]
	if q == nil {
		q = &appendQueue{}
		p.queues[canvasID] = q
		p.wg.Add(1)
		go p.drain(canvasID, q)
	}
	q.items = append(q.items, payload)
}

func (p *persister) drain(canvasID string, q *appendQueue) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		if len(q.items) == 0 {
			delete(p.queues, canvasID)
			p.mu.Unlock()
			return
		}
		payload := q.items[0]
		p.mu.Unlock()

		p.append(canvasID, payload)

		p.mu.Lock()
		q.items[0] = nil
		q.items = q.items[1:]
		p.mu.Unlock()
	}
}

func (p *persister) append(canvasID string, payload []byte) {
	ctx, span := p.tracer.Start(p.ctx, "canvas.registry.append",
		trace.WithAttributes(
			attribute.String("canvas.id", canvasID),
			attribute.Int("canvas.update_bytes", len(payload)),
		))
	defer span.End()

	attempts := 0
	entry, err := backoff.Retry(ctx, func() (storage.Entry, error) {
		attempts++
		return p.store.Append(ctx, canvasID, payload)
	},
		backoff.WithBackOff(p.newBackOff()),
		backoff.WithMaxElapsedTime(p.maxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Printf("canvas: append update for %s failed, retrying in %s: %v", canvasID, next, err)
		}),
	)
	span.SetAttributes(attribute.Int("canvas.append_attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, "append failed")
		p.metrics.PersistFailed(ctx)
		log.Printf("canvas: append update for %s abandoned after %d attempts: %v", canvasID, attempts, err)
		return
	}
	span.SetAttributes(attribute.Int64("canvas.seq", entry.Seq))
}

// pending returns copies of the queued payloads for canvasID, in order.
func (p *persister) pending(canvasID string) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	q := p.queues[canvasID]
	if q == nil {
		return nil
	}
	out := make([][]byte, len(q.items))
	copy(out, q.items)
	return out
}

func (p *persister) pendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, q := range p.queues {
		n += len(q.items)
	}
	return n
}

// close stops accepting work and waits for queued appends. When ctx expires
// first, in-flight retries are abandoned.
func (p *persister) close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}
