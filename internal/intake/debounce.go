// Package intake implements the per-conversation message intake layer:
// a debounce buffer that batches rapid-fire messages, and a queue processor
// that drains batches strictly one at a time per conversation.
package intake

import (
	"log/slog"
	"sync"
	"time"

	"github.com/duynguyen-ops/chatloom/internal/bus"
)

// FlushFunc receives a flushed batch for one conversation key.
type FlushFunc func(key string, batch []bus.InboundMessage)

// Debouncer accumulates inbound messages per conversation key and flushes
// on whichever fires first: a quiet window with no new arrivals, or the
// buffer reaching the count limit.
//
// Timers use a generation counter instead of cancellation: each arrival
// bumps the buffer's generation, and a fired timer flushes only if the
// generation is unchanged. A timer that lost the race observes a bumped
// generation (or an empty buffer) and no-ops.
type Debouncer struct {
	mu         sync.Mutex
	window     time.Duration
	flushCount int
	hardCap    int
	buffers    map[string]*keyBuffer
	flush      FlushFunc
	epoch      uint64
	stopped    bool
}

type keyBuffer struct {
	msgs []bus.InboundMessage
	gen  uint64
}

// NewDebouncer creates a debouncer. flushCount triggers an immediate flush;
// hardCap bounds the buffer absolutely, dropping the oldest excess.
func NewDebouncer(window time.Duration, flushCount, hardCap int, flush FlushFunc) *Debouncer {
	return &Debouncer{
		window:     window,
		flushCount: flushCount,
		hardCap:    hardCap,
		buffers:    make(map[string]*keyBuffer),
		flush:      flush,
	}
}

// SetWindow adjusts the quiet window (config hot reload). Applies to timers
// scheduled after the call.
func (d *Debouncer) SetWindow(w time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.window = w
}

// Add buffers one message, scheduling or superseding the key's flush timer.
func (d *Debouncer) Add(msg bus.InboundMessage) {
	key := msg.ConversationKey

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}

	b, ok := d.buffers[key]
	if !ok {
		b = &keyBuffer{}
		d.buffers[key] = b
	}

	b.msgs = append(b.msgs, msg)

	// Hard cap: drop the oldest excess, never the newest.
	if len(b.msgs) > d.hardCap {
		dropped := len(b.msgs) - d.hardCap
		b.msgs = b.msgs[dropped:]
		slog.Warn("intake buffer overflow, oldest messages dropped",
			"conversation", key, "dropped", dropped)
	}

	// Count-based flush fires immediately and supersedes any pending timer.
	if len(b.msgs) >= d.flushCount {
		batch := d.takeLocked(b)
		d.mu.Unlock()
		d.flush(key, batch)
		return
	}

	// Restart the quiet window: bump the generation so earlier timers no-op.
	b.gen++
	gen := b.gen
	epoch := d.epoch
	window := d.window
	d.mu.Unlock()

	time.AfterFunc(window, func() {
		d.timerFired(key, gen, epoch)
	})
}

// timerFired flushes the buffer if this timer is still current. A fired
// timer superseded by a count flush finds the buffer empty and no-ops;
// one scheduled before a Reset observes a bumped epoch and no-ops, even
// if the recreated buffer's generation happens to match.
func (d *Debouncer) timerFired(key string, gen, epoch uint64) {
	d.mu.Lock()
	b, ok := d.buffers[key]
	if !ok || d.stopped || d.epoch != epoch || b.gen != gen || len(b.msgs) == 0 {
		d.mu.Unlock()
		return
	}
	batch := d.takeLocked(b)
	d.mu.Unlock()
	d.flush(key, batch)
}

// takeLocked empties the buffer (without destroying it) and invalidates any
// pending timer. Caller holds d.mu.
func (d *Debouncer) takeLocked(b *keyBuffer) []bus.InboundMessage {
	batch := b.msgs
	b.msgs = nil
	b.gen++
	return batch
}

// Pending returns the number of buffered messages for a key (tests,
// inspection).
func (d *Debouncer) Pending(key string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.buffers[key]; ok {
		return len(b.msgs)
	}
	return 0
}

// Reset discards all buffered messages and invalidates all pending timers.
// The epoch bump keeps pre-reset timers from matching a recreated buffer
// whose generation has caught up.
func (d *Debouncer) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buffers = make(map[string]*keyBuffer)
	d.epoch++
}

// Stop permanently disables the debouncer; buffered messages are discarded.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	d.buffers = make(map[string]*keyBuffer)
}
