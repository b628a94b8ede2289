package thread

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

// seedThread builds a thread directly in the tracker for rendering tests.
func seedThread(tr *Tracker, c *fakeClock, key string, selfInvolved bool, msgs ...Message) *Thread {
	th := NewThread(key, msgs[0], c.t)
	for _, m := range msgs[1:] {
		th.Append(m, 0)
	}
	th.Updated = c.t
	th.SelfInvolved = selfInvolved
	th.RefreshTopic()
	tr.mu.Lock()
	tr.threads[th.ID] = th
	tr.mu.Unlock()
	return th
}

func numbered(n int, sender string) []Message {
	msgs := make([]Message, n)
	for i := range msgs {
		msgs[i] = Message{
			ID:         fmt.Sprintf("m%d", i+1),
			SenderID:   sender,
			SenderName: sender,
			Content:    fmt.Sprintf("point number %d", i+1),
		}
	}
	return msgs
}

func TestBuildContext_InvolvedThreadFull(t *testing.T) {
	tr, _, c := newTestTracker()
	th := seedThread(tr, c, convKey, true, numbered(3, "alice")...)

	res := tr.BuildContext(DefaultFormatOptions(), convKey, nil)

	if res.Fallback {
		t.Fatal("unexpected fallback")
	}
	for i := 1; i <= 3; i++ {
		tag := fmt.Sprintf("[#msg%d]", i)
		if !strings.Contains(res.Text, tag) {
			t.Errorf("text missing %s:\n%s", tag, res.Text)
		}
	}
	if res.Tags["#msg2"] != "m2" {
		t.Errorf("Tags[#msg2] = %q, want m2", res.Tags["#msg2"])
	}
	if got := res.Advances[th.ID]; got != 3 {
		t.Errorf("advance = %d, want 3", got)
	}
	// BuildContext itself must not move the cursor.
	if th.LastShownIndex != 0 {
		t.Errorf("LastShownIndex = %d, want 0 before commit", th.LastShownIndex)
	}
}

// The reply target is always the newest tagged message, which by
// construction belongs to a rendered thread.
func TestBuildContext_ReplyTarget(t *testing.T) {
	tr, _, c := newTestTracker()
	th := seedThread(tr, c, convKey, true, numbered(3, "alice")...)

	res := tr.BuildContext(DefaultFormatOptions(), convKey, nil)

	target := res.ReplyTarget()
	if target == "" {
		t.Fatal("no reply target")
	}
	if !th.ContainsMessage(target) {
		t.Errorf("reply target %q not in the rendered thread", target)
	}
	if target != "m3" {
		t.Errorf("reply target = %q, want newest m3", target)
	}
}

func TestBuildContext_ContinuedRendersOnlyNew(t *testing.T) {
	tr, _, c := newTestTracker()
	th := seedThread(tr, c, convKey, true, numbered(5, "alice")...)
	th.LastShownIndex = 3

	res := tr.BuildContext(DefaultFormatOptions(), convKey, nil)

	if !strings.Contains(res.Text, "continued, 2 new") {
		t.Errorf("missing continued marker:\n%s", res.Text)
	}
	if strings.Contains(res.Text, "point number 3") {
		t.Errorf("already-shown message re-rendered:\n%s", res.Text)
	}
	if !strings.Contains(res.Text, "point number 4") || !strings.Contains(res.Text, "point number 5") {
		t.Errorf("new messages missing:\n%s", res.Text)
	}
	if res.Advances[th.ID] != 5 {
		t.Errorf("advance = %d, want 5", res.Advances[th.ID])
	}
}

func TestBuildContext_FullyShownThreadSkipped(t *testing.T) {
	tr, _, c := newTestTracker()
	th := seedThread(tr, c, convKey, true, numbered(3, "alice")...)
	th.LastShownIndex = 3

	raw := []Message{{ID: "r1", SenderID: "bob", SenderName: "bob", Content: "ping"}}
	res := tr.BuildContext(DefaultFormatOptions(), convKey, raw)

	if _, ok := res.Advances[th.ID]; ok {
		t.Error("skipped thread must not produce an advance")
	}
	// With nothing rendered the raw batch becomes a flat fallback trace.
	if !res.Fallback || !strings.Contains(res.Text, "ping") {
		t.Errorf("fallback = %v text = %q, want flat trace of raw batch", res.Fallback, res.Text)
	}
}

func TestBuildContext_LongThreadWindowed(t *testing.T) {
	tr, _, c := newTestTracker()
	seedThread(tr, c, convKey, true, numbered(10, "alice")...)

	res := tr.BuildContext(DefaultFormatOptions(), convKey, nil)

	// Head 2 + tail 4 of 10: messages 3-6 are elided.
	if !strings.Contains(res.Text, "...4 omitted...") {
		t.Errorf("missing elision marker:\n%s", res.Text)
	}
	for _, want := range []string{"point number 1", "point number 2", "point number 7", "point number 10"} {
		if !strings.Contains(res.Text, want) {
			t.Errorf("windowed text missing %q:\n%s", want, res.Text)
		}
	}
	if strings.Contains(res.Text, "point number 5") {
		t.Errorf("elided message rendered:\n%s", res.Text)
	}
}

func TestBuildContext_BackgroundAndPending(t *testing.T) {
	tr, _, c := newTestTracker()
	seedThread(tr, c, convKey, true, numbered(2, "alice")...)
	bg := seedThread(tr, c, convKey, false,
		Message{ID: "b1", SenderID: "bob", SenderName: "bob", Content: "side talk one"},
		Message{ID: "b2", SenderID: "eve", SenderName: "eve", Content: "side talk two"},
	)

	tr.mu.Lock()
	tr.pending = append(tr.pending, &PendingMessage{
		ConversationKey: convKey,
		Message:         Message{ID: "p1", SenderID: "zed", SenderName: "zed", Content: "floating remark"},
		ArrivedAt:       c.t,
	})
	tr.mu.Unlock()

	res := tr.BuildContext(DefaultFormatOptions(), convKey, nil)

	if !strings.Contains(res.Text, "background thread") {
		t.Errorf("missing background section:\n%s", res.Text)
	}
	if !strings.Contains(res.Text, "unthreaded messages") || !strings.Contains(res.Text, "floating remark") {
		t.Errorf("missing pending section:\n%s", res.Text)
	}
	// Background threads never advance a cursor.
	if _, ok := res.Advances[bg.ID]; ok {
		t.Error("background thread produced an advance")
	}
}

func TestBuildContext_SelfRendersAsYou(t *testing.T) {
	tr, _, c := newTestTracker()
	seedThread(tr, c, convKey, true,
		Message{ID: "m1", SenderID: "alice", SenderName: "alice", Content: "question here"},
		Message{ID: "m2", FromSelf: true, Content: "answer here"},
	)

	res := tr.BuildContext(DefaultFormatOptions(), convKey, nil)

	if !strings.Contains(res.Text, "you: answer here") {
		t.Errorf("self message not rendered as you:\n%s", res.Text)
	}
}

func TestBuildContext_InvolvedCapByRecency(t *testing.T) {
	tr, _, c := newTestTracker()
	opts := DefaultFormatOptions()
	opts.MaxInvolvedThreads = 2

	old := seedThread(tr, c, convKey, true, Message{ID: "o1", SenderID: "a", SenderName: "a", Content: "oldest topic"})
	old.Updated = c.t.Add(-time.Hour)
	seedThread(tr, c, convKey, true, Message{ID: "n1", SenderID: "b", SenderName: "b", Content: "newer topic"})
	seedThread(tr, c, convKey, true, Message{ID: "n2", SenderID: "d", SenderName: "d", Content: "newest topic"})

	res := tr.BuildContext(opts, convKey, nil)

	if strings.Contains(res.Text, "oldest topic") {
		t.Errorf("oldest thread rendered past the cap:\n%s", res.Text)
	}
	if !strings.Contains(res.Text, "newer topic") || !strings.Contains(res.Text, "newest topic") {
		t.Errorf("recent threads missing:\n%s", res.Text)
	}
}

func TestRenderFocused(t *testing.T) {
	tr, _, c := newTestTracker()
	th := seedThread(tr, c, convKey, true, numbered(4, "alice")...)
	th.LastShownIndex = 2

	res, ok := tr.RenderFocused(DefaultFormatOptions(), th.ID)
	if !ok {
		t.Fatal("thread not found")
	}
	if !strings.Contains(res.Text, "continued, 2 new") {
		t.Errorf("missing continued marker:\n%s", res.Text)
	}
	if strings.Contains(res.Text, "point number 1") {
		t.Errorf("already-shown message rendered:\n%s", res.Text)
	}
	if res.Advances[th.ID] != 4 {
		t.Errorf("advance = %d, want 4", res.Advances[th.ID])
	}
	// Rendering never commits: that happens only after dispatch succeeds.
	if th.LastShownIndex != 2 {
		t.Errorf("LastShownIndex = %d, want untouched 2", th.LastShownIndex)
	}

	if _, ok := tr.RenderFocused(DefaultFormatOptions(), "nope"); ok {
		t.Error("unknown thread reported found")
	}
}
