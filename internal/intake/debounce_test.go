package intake

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/duynguyen-ops/chatloom/internal/bus"
)

// flushRecorder collects flushed batches and signals on each flush.
type flushRecorder struct {
	mu      sync.Mutex
	batches map[string][][]bus.InboundMessage
	ch      chan struct{}
}

func newFlushRecorder() *flushRecorder {
	return &flushRecorder{
		batches: make(map[string][][]bus.InboundMessage),
		ch:      make(chan struct{}, 64),
	}
}

func (r *flushRecorder) flush(key string, batch []bus.InboundMessage) {
	r.mu.Lock()
	r.batches[key] = append(r.batches[key], batch)
	r.mu.Unlock()
	r.ch <- struct{}{}
}

func (r *flushRecorder) get(key string) [][]bus.InboundMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.batches[key]
}

func (r *flushRecorder) waitFlush(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case <-r.ch:
	case <-time.After(within):
		t.Fatal("no flush within deadline")
	}
}

func inbound(key, id, content string) bus.InboundMessage {
	return bus.InboundMessage{
		ConversationKey: key,
		MessageID:       id,
		SenderID:        "u1",
		Content:         content,
		Timestamp:       time.Now(),
	}
}

func TestDebouncer_QuietWindowFlush(t *testing.T) {
	rec := newFlushRecorder()
	d := NewDebouncer(30*time.Millisecond, 100, 200, rec.flush)
	defer d.Stop()

	d.Add(inbound("k", "m1", "one"))
	d.Add(inbound("k", "m2", "two"))

	rec.waitFlush(t, time.Second)

	got := rec.get("k")
	if len(got) != 1 {
		t.Fatalf("flushes = %d, want 1", len(got))
	}
	if len(got[0]) != 2 || got[0][0].MessageID != "m1" || got[0][1].MessageID != "m2" {
		t.Errorf("batch = %v, want m1 then m2 in order", got[0])
	}
	if d.Pending("k") != 0 {
		t.Errorf("pending = %d, want 0 after flush", d.Pending("k"))
	}
}

// Each arrival restarts the quiet window: a steady trickle inside the window
// flushes once at the end, not per message.
func TestDebouncer_ArrivalsExtendWindow(t *testing.T) {
	rec := newFlushRecorder()
	d := NewDebouncer(60*time.Millisecond, 100, 200, rec.flush)
	defer d.Stop()

	for i := 0; i < 4; i++ {
		d.Add(inbound("k", fmt.Sprintf("m%d", i), "x"))
		time.Sleep(20 * time.Millisecond) // inside the window
	}

	rec.waitFlush(t, time.Second)

	got := rec.get("k")
	if len(got) != 1 {
		t.Fatalf("flushes = %d, want a single merged flush", len(got))
	}
	if len(got[0]) != 4 {
		t.Errorf("batch size = %d, want all 4", len(got[0]))
	}
}

// Hitting the count limit flushes immediately, and the superseded timer
// firing later finds nothing to do.
func TestDebouncer_CountFlushSupersedesTimer(t *testing.T) {
	rec := newFlushRecorder()
	d := NewDebouncer(40*time.Millisecond, 3, 200, rec.flush)
	defer d.Stop()

	d.Add(inbound("k", "m1", "x"))
	d.Add(inbound("k", "m2", "x"))
	d.Add(inbound("k", "m3", "x")) // count flush, synchronous

	got := rec.get("k")
	if len(got) != 1 || len(got[0]) != 3 {
		t.Fatalf("batches = %v, want one immediate batch of 3", got)
	}

	// Let the orphaned timers fire; no second flush may appear.
	time.Sleep(100 * time.Millisecond)
	if got := rec.get("k"); len(got) != 1 {
		t.Errorf("flushes = %d after timer horizon, want still 1", len(got))
	}
}

func TestDebouncer_HardCapDropsOldest(t *testing.T) {
	rec := newFlushRecorder()
	d := NewDebouncer(time.Hour, 100, 5, rec.flush) // timer never fires
	defer d.Stop()

	for i := 1; i <= 8; i++ {
		d.Add(inbound("k", fmt.Sprintf("m%d", i), "x"))
	}

	if d.Pending("k") != 5 {
		t.Fatalf("pending = %d, want capped at 5", d.Pending("k"))
	}
	d.mu.Lock()
	b := d.buffers["k"]
	d.mu.Unlock()
	if b.msgs[0].MessageID != "m4" || b.msgs[4].MessageID != "m8" {
		t.Errorf("buffer = %v, want newest m4..m8", b.msgs)
	}
}

func TestDebouncer_KeysAreIndependent(t *testing.T) {
	rec := newFlushRecorder()
	d := NewDebouncer(30*time.Millisecond, 2, 200, rec.flush)
	defer d.Stop()

	d.Add(inbound("a", "a1", "x"))
	d.Add(inbound("b", "b1", "x"))
	d.Add(inbound("b", "b2", "x")) // count flush for b only

	if got := rec.get("b"); len(got) != 1 {
		t.Fatalf("b flushes = %d, want immediate count flush", len(got))
	}
	if got := rec.get("a"); len(got) != 0 {
		t.Fatalf("a flushed early")
	}

	rec.waitFlush(t, time.Second) // b's count flush, signaled above
	rec.waitFlush(t, time.Second) // a's timer
	if got := rec.get("a"); len(got) != 1 || len(got[0]) != 1 {
		t.Errorf("a batches = %v, want one single-message batch", got)
	}
}

func TestDebouncer_ResetDiscards(t *testing.T) {
	rec := newFlushRecorder()
	d := NewDebouncer(30*time.Millisecond, 100, 200, rec.flush)
	defer d.Stop()

	d.Add(inbound("k", "m1", "x"))
	d.Reset()

	time.Sleep(80 * time.Millisecond)
	if got := rec.get("k"); len(got) != 0 {
		t.Errorf("flushes = %d after reset, want 0", len(got))
	}
	if d.Pending("k") != 0 {
		t.Errorf("pending = %d, want 0", d.Pending("k"))
	}
}

// A timer scheduled before Reset must not flush a buffer recreated after
// the reset, even once the new buffer's generation catches up with the
// timer's. The quiet window here is an hour, so any flush below comes from
// the direct timerFired calls, not a real timer.
func TestDebouncer_ResetInvalidatesEarlierTimers(t *testing.T) {
	rec := newFlushRecorder()
	d := NewDebouncer(time.Hour, 100, 200, rec.flush)
	defer d.Stop()

	d.Add(inbound("k", "m1", "x"))
	d.Add(inbound("k", "m2", "x")) // schedules a timer holding gen 2, epoch 0
	d.Reset()

	d.Add(inbound("k", "m3", "x"))
	d.Add(inbound("k", "m4", "x")) // recreated buffer is back at gen 2

	d.timerFired("k", 2, 0) // the pre-reset timer fires
	if got := rec.get("k"); len(got) != 0 {
		t.Fatalf("flushes = %d from a pre-reset timer, want 0", len(got))
	}
	if d.Pending("k") != 2 {
		t.Errorf("pending = %d, want m3 and m4 still buffered", d.Pending("k"))
	}

	d.timerFired("k", 2, 1) // the current timer still flushes
	got := rec.get("k")
	if len(got) != 1 || len(got[0]) != 2 || got[0][0].MessageID != "m3" {
		t.Errorf("batches = %v, want one batch of m3, m4", got)
	}
}

func TestDebouncer_StopDiscardsAndRefuses(t *testing.T) {
	rec := newFlushRecorder()
	d := NewDebouncer(20*time.Millisecond, 100, 200, rec.flush)

	d.Add(inbound("k", "m1", "x"))
	d.Stop()
	d.Add(inbound("k", "m2", "x"))

	time.Sleep(60 * time.Millisecond)
	if got := rec.get("k"); len(got) != 0 {
		t.Errorf("flushes = %d after stop, want 0", len(got))
	}
}
