package intake

import (
	"context"
	"log/slog"
	"sync"

	"github.com/duynguyen-ops/chatloom/internal/bus"
)

// QueueProcessor drains flushed batches per conversation key with a single
// in-flight worker per key: batches for the same conversation are processed
// strictly one at a time, in arrival order. Workers for different keys run
// fully in parallel.
type QueueProcessor struct {
	mu       sync.Mutex
	queues   map[string][][]bus.InboundMessage
	running  map[string]bool
	mergeCap int
	handler  bus.InboundHandler

	baseCtx context.Context
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewQueueProcessor creates a processor. mergeCap bounds a backlog-merged
// batch, keeping the newest messages. The handler runs on a per-key worker
// goroutine and is where processing time (classification, dispatch) is
// spent; it must respect ctx cancellation.
func NewQueueProcessor(ctx context.Context, mergeCap int, handler bus.InboundHandler) *QueueProcessor {
	workCtx, cancel := context.WithCancel(ctx)
	return &QueueProcessor{
		queues:   make(map[string][][]bus.InboundMessage),
		running:  make(map[string]bool),
		mergeCap: mergeCap,
		handler:  handler,
		baseCtx:  ctx,
		ctx:      workCtx,
		cancel:   cancel,
	}
}

// Enqueue appends a flushed batch to the key's queue and spawns a worker
// if none is in flight for that key.
func (q *QueueProcessor) Enqueue(key string, batch []bus.InboundMessage) {
	if len(batch) == 0 {
		return
	}

	q.mu.Lock()
	q.queues[key] = append(q.queues[key], batch)
	spawn := !q.running[key]
	if spawn {
		q.running[key] = true
		q.wg.Add(1)
	}
	ctx := q.ctx
	q.mu.Unlock()

	if spawn {
		go q.worker(ctx, key)
	}
}

// worker drains the key's queue until empty, then exits and deallocates its
// queue entry. When it wakes to more than one queued batch it collapses
// them into a single merged batch first.
func (q *QueueProcessor) worker(ctx context.Context, key string) {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		if ctx.Err() != nil {
			// Reset cancelled this worker. Batches enqueued after the reset
			// belong to the new context: hand them to a fresh worker.
			q.running[key] = false
			if len(q.queues[key]) > 0 && q.ctx.Err() == nil {
				q.running[key] = true
				q.wg.Add(1)
				go q.worker(q.ctx, key)
			} else {
				delete(q.queues, key)
			}
			q.mu.Unlock()
			return
		}
		batches := q.queues[key]
		if len(batches) == 0 {
			delete(q.queues, key)
			q.running[key] = false
			q.mu.Unlock()
			return
		}
		q.queues[key] = nil

		var batch []bus.InboundMessage
		if len(batches) == 1 {
			batch = batches[0]
		} else {
			batch = mergeBatches(batches, q.mergeCap)
			slog.Info("backlog merged",
				"conversation", key,
				"batches", len(batches),
				"messages", len(batch),
			)
		}
		q.mu.Unlock()

		q.handler(ctx, key, batch)
	}
}

// mergeBatches concatenates queued batches in arrival order and caps the
// result, keeping the newest messages: under sustained load freshness wins
// over completeness.
func mergeBatches(batches [][]bus.InboundMessage, cap int) []bus.InboundMessage {
	total := 0
	for _, b := range batches {
		total += len(b)
	}
	merged := make([]bus.InboundMessage, 0, total)
	for _, b := range batches {
		merged = append(merged, b...)
	}
	if cap > 0 && len(merged) > cap {
		dropped := len(merged) - cap
		merged = merged[dropped:]
		slog.Warn("merged batch capped, oldest messages dropped", "dropped", dropped)
	}
	return merged
}

// QueueDepth returns the number of batches waiting for a key (tests,
// inspection).
func (q *QueueProcessor) QueueDepth(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[key])
}

// Reset cancels all in-flight workers, clears every queue, and re-arms for
// new traffic. Safe to call concurrently with live enqueues.
func (q *QueueProcessor) Reset() {
	q.mu.Lock()
	q.cancel()
	q.queues = make(map[string][][]bus.InboundMessage)
	q.ctx, q.cancel = context.WithCancel(q.baseCtx)
	q.mu.Unlock()
}

// Wait blocks until all in-flight workers exit.
func (q *QueueProcessor) Wait() {
	q.wg.Wait()
}
