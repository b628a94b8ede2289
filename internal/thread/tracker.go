package thread

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Params tunes the tracker's assignment and lifecycle behavior.
type Params struct {
	AssignThreshold float64       // min affinity score to join a thread or pending message
	MaxMessages     int           // per-thread message cap
	MaxActivePerKey int           // active threads allowed per conversation before demotion
	StaleAfter      time.Duration // active → stale lull
	DeadAfter       time.Duration // stale → dead, measured from the stale transition
	SaveDebounce    time.Duration // min gap between dirty snapshots
}

// DefaultParams returns the tracker defaults.
func DefaultParams() Params {
	return Params{
		AssignThreshold: 0.5,
		MaxMessages:     50,
		MaxActivePerKey: 6,
		StaleAfter:      10 * time.Minute,
		DeadAfter:       30 * time.Minute,
		SaveDebounce:    15 * time.Second,
	}
}

// Clock abstracts time for deterministic tests.
type Clock func() time.Time

// Tracker owns all live Thread and PendingMessage state and runs the
// assignment policy and lifecycle state machine. All exported methods are
// safe for concurrent use: conversation workers and the background tick
// interleave on the same instance.
type Tracker struct {
	mu      sync.Mutex
	threads map[string]*Thread // thread ID → thread
	pending []*PendingMessage
	store   Store
	params  Params
	now     Clock

	dirty    bool
	lastSave time.Time
}

// NewTracker creates a tracker backed by the given store. A nil clock uses
// time.Now.
func NewTracker(store Store, params Params, clock Clock) *Tracker {
	if clock == nil {
		clock = time.Now
	}
	return &Tracker{
		threads: make(map[string]*Thread),
		store:   store,
		params:  params,
		now:     clock,
	}
}

// SetParams swaps tunable thresholds (config hot reload).
func (tr *Tracker) SetParams(p Params) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.params = p
}

// IngestResult reports what a batch did to tracker state.
type IngestResult struct {
	// RespondThreadIDs lists, in first-touch order, the distinct threads
	// that absorbed a respond-classified message. These are the
	// reply-worthy threads for this cycle.
	RespondThreadIDs []string
	// NewPending counts messages that formed no thread.
	NewPending int
}

// IngestBatch wraps and assigns a batch's messages: respond messages first,
// then context messages, in batch order. Later messages in the same batch
// can promote pendings created by earlier ones.
func (tr *Tracker) IngestBatch(key string, respond, context []Message) IngestResult {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	now := tr.now()
	var res IngestResult
	seen := make(map[string]bool)

	ingest := func(msgs []Message, class string, collect bool) {
		for _, msg := range msgs {
			msg.Content = SanitizeContent(msg.Content)
			msg.Classification = class
			if msg.Timestamp.IsZero() {
				msg.Timestamp = now
			}

			t := tr.assignMessage(key, msg, now)
			if t == nil {
				res.NewPending++
				continue
			}
			if collect && !seen[t.ID] {
				seen[t.ID] = true
				res.RespondThreadIDs = append(res.RespondThreadIDs, t.ID)
			}
		}
	}

	ingest(respond, ClassRespond, true)
	ingest(context, ClassContext, false)

	tr.dirty = true
	return res
}

// assignMessage runs the assignment policy and returns the thread the
// message landed in, or nil when it went pending. Caller holds tr.mu.
func (tr *Tracker) assignMessage(key string, msg Message, now time.Time) *Thread {
	// 1. Explicit reply into an existing thread: unconditional, skips scoring.
	if msg.ReplyToID != "" {
		for _, t := range tr.threads {
			if t.ConversationKey == key && t.ContainsMessage(msg.ReplyToID) {
				return tr.appendToThread(t, msg, now)
			}
		}
		// 2. Explicit reply to a pending message: promote both into a new thread.
		for i, p := range tr.pending {
			if p.ConversationKey == key && p.Message.ID == msg.ReplyToID {
				return tr.promotePending(i, msg, now)
			}
		}
	}

	// 3. Score against live threads and pendings in this conversation.
	var bestThread *Thread
	bestThreadScore := 0.0
	for _, t := range tr.threads {
		if t.ConversationKey != key {
			continue
		}
		if t.State != StateActive && t.State != StateStale {
			continue
		}
		if s := ScoreAgainstThread(msg, t, now); s > bestThreadScore {
			bestThreadScore = s
			bestThread = t
		}
	}

	bestPending := -1
	bestPendingScore := 0.0
	for i, p := range tr.pending {
		if p.ConversationKey != key {
			continue
		}
		if s := ScoreAgainstPending(msg, p, now); s > bestPendingScore {
			bestPendingScore = s
			bestPending = i
		}
	}

	// 4. Thread wins ties.
	if bestThread != nil && bestThreadScore >= tr.params.AssignThreshold && bestThreadScore >= bestPendingScore {
		// Topic-shift marker with zero keyword overlap splits a child
		// thread off the matched parent. Known false-positive source when
		// a shift phrase lands mid-topic; preserved deliberately.
		if HasTopicShiftMarker(msg.Content) && keywordOverlap(Tokenize(msg.Content), bestThread.TopicKeywords) == 0 {
			return tr.splitChild(bestThread, msg, now)
		}
		return tr.appendToThread(bestThread, msg, now)
	}

	// 5. Promote the best-scoring pending into a new thread.
	if bestPending >= 0 && bestPendingScore >= tr.params.AssignThreshold {
		return tr.promotePending(bestPending, msg, now)
	}

	// 6. No home yet: park as pending.
	tr.pending = append(tr.pending, &PendingMessage{
		ConversationKey: key,
		Message:         msg,
		ArrivedAt:       now,
	})
	return nil
}

func (tr *Tracker) appendToThread(t *Thread, msg Message, now time.Time) *Thread {
	wasActive := t.State == StateActive
	t.Reactivate(now)
	t.Append(msg, tr.params.MaxMessages)
	t.Updated = now
	t.RefreshTopic()
	tr.checkResolution(t)
	// Reactivation can push the conversation past the active cap; demote
	// the oldest-updated excess just like thread creation does.
	if !wasActive && t.State == StateActive {
		tr.enforceCapacity(t.ConversationKey, now)
	}
	return t
}

// promotePending lifts pending[i] into a new thread together with msg.
func (tr *Tracker) promotePending(i int, msg Message, now time.Time) *Thread {
	p := tr.pending[i]
	tr.pending = append(tr.pending[:i], tr.pending[i+1:]...)

	t := NewThread(p.ConversationKey, p.Message, now)
	t.Append(msg, tr.params.MaxMessages)
	t.RefreshTopic()
	tr.threads[t.ID] = t
	tr.enforceCapacity(t.ConversationKey, now)

	slog.Debug("pending promoted to thread",
		"thread_id", t.ID,
		"conversation", t.ConversationKey,
	)
	return t
}

// splitChild creates a child thread owning only the triggering message,
// linked to its parent. Prior messages stay where they are.
func (tr *Tracker) splitChild(parent *Thread, msg Message, now time.Time) *Thread {
	child := NewThread(parent.ConversationKey, msg, now)
	child.ParentID = parent.ID
	child.RefreshTopic()
	parent.ChildIDs = append(parent.ChildIDs, child.ID)
	tr.threads[child.ID] = child
	tr.enforceCapacity(child.ConversationKey, now)

	slog.Debug("topic split",
		"parent_id", parent.ID,
		"child_id", child.ID,
		"conversation", parent.ConversationKey,
	)
	return child
}

// checkResolution flips a thread to resolved when a multi-party exchange of
// three or more messages ends on a closing phrase.
func (tr *Tracker) checkResolution(t *Thread) {
	if t.State != StateActive {
		return
	}
	if len(t.Participants()) < 2 || len(t.Messages) < 3 {
		return
	}
	if IsClosingPhrase(t.LastMessage().Content) {
		t.State = StateResolved
		t.StaleSince = tr.now()
		slog.Debug("thread resolved", "thread_id", t.ID)
	}
}

// enforceCapacity demotes the oldest-updated active threads beyond the
// per-conversation cap to stale. Never drops.
func (tr *Tracker) enforceCapacity(key string, now time.Time) {
	var active []*Thread
	for _, t := range tr.threads {
		if t.ConversationKey == key && t.State == StateActive {
			active = append(active, t)
		}
	}
	excess := len(active) - tr.params.MaxActivePerKey
	if excess <= 0 {
		return
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].Updated.Before(active[j].Updated)
	})
	for _, t := range active[:excess] {
		t.MarkStale(now)
		slog.Debug("active thread demoted (capacity)",
			"thread_id", t.ID, "conversation", key)
	}
}

// Tick advances the lifecycle state machine and returns the threads that
// just became dead; the caller is responsible for archiving them. Calling
// Tick twice in immediate succession with no new traffic is a no-op the
// second time.
func (tr *Tracker) Tick(now time.Time) []*Thread {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	var dead []*Thread
	for id, t := range tr.threads {
		switch t.State {
		case StateActive:
			if now.Sub(t.Updated) >= tr.params.StaleAfter {
				t.MarkStale(now)
				tr.dirty = true
			}
		case StateStale, StateResolved:
			since := t.StaleSince
			if since.IsZero() {
				since = t.Updated
			}
			if now.Sub(since) >= tr.params.DeadAfter {
				t.State = StateDead
				delete(tr.threads, id)
				dead = append(dead, t)
				tr.dirty = true
			}
		}
	}

	// Pending messages expire independently; discarded, never archived.
	if len(tr.pending) > 0 {
		kept := tr.pending[:0]
		for _, p := range tr.pending {
			if now.Sub(p.ArrivedAt) < tr.params.StaleAfter {
				kept = append(kept, p)
			} else {
				tr.dirty = true
			}
		}
		tr.pending = kept
	}

	if len(dead) > 0 {
		slog.Info("threads expired", "count", len(dead))
	}
	return dead
}

// MarkReplySent flags every thread containing one of the covered external
// message IDs as replied, and appends the reply itself to the first
// matching thread (covered-ID order, so the oldest tag wins).
func (tr *Tracker) MarkReplySent(key string, coveredIDs []string, reply Message) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	now := tr.now()
	reply.FromSelf = true
	if reply.Timestamp.IsZero() {
		reply.Timestamp = now
	}

	var first *Thread
	flagged := make(map[string]bool)
	for _, id := range coveredIDs {
		for _, t := range tr.threads {
			if t.ConversationKey != key || !t.ContainsMessage(id) || flagged[t.ID] {
				continue
			}
			flagged[t.ID] = true
			t.HasReplied = true
			t.SelfInvolved = true
			if first == nil {
				first = t
			}
		}
	}

	if first != nil {
		first.Append(reply, tr.params.MaxMessages)
		first.Updated = now
		tr.dirty = true
	}
}

// ThreadSnapshot returns a copy of one thread's messages and metadata, or
// nil if it is not live.
func (tr *Tracker) ThreadSnapshot(id string) *Thread {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	t, ok := tr.threads[id]
	if !ok {
		return nil
	}
	cp := *t
	cp.Messages = append([]Message(nil), t.Messages...)
	cp.participants = nil
	cp.messageIDs = nil
	return &cp
}

// CommitShown advances lastShownIndex for the given threads. Called by the
// pipeline after a successful dispatch; a failed reply leaves the cursor
// un-advanced so nothing is silently skipped.
func (tr *Tracker) CommitShown(advances map[string]int) {
	if len(advances) == 0 {
		return
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()

	for id, idx := range advances {
		if t, ok := tr.threads[id]; ok && idx > t.LastShownIndex {
			if idx > len(t.Messages) {
				idx = len(t.Messages)
			}
			t.LastShownIndex = idx
		}
	}
	tr.dirty = true
}

// HardReset discards all live state. Administrative escape hatch; safe to
// call concurrently with live traffic.
func (tr *Tracker) HardReset() {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	tr.threads = make(map[string]*Thread)
	tr.pending = nil
	tr.dirty = true
	slog.Warn("tracker hard reset: all thread state cleared")
}

// SaveState snapshots live state through the store, debounced on the dirty
// flag. force bypasses both the dirty check and the debounce. Persistence
// failures are non-fatal: they are logged and in-memory state stays
// authoritative.
func (tr *Tracker) SaveState(force bool) {
	tr.mu.Lock()

	now := tr.now()
	if !force && (!tr.dirty || now.Sub(tr.lastSave) < tr.params.SaveDebounce) {
		tr.mu.Unlock()
		return
	}

	threads := make(map[string]*Thread, len(tr.threads))
	for id, t := range tr.threads {
		cp := *t
		cp.Messages = append([]Message(nil), t.Messages...)
		cp.participants = nil
		cp.messageIDs = nil
		threads[id] = &cp
	}
	pending := make([]*PendingMessage, len(tr.pending))
	copy(pending, tr.pending)

	tr.dirty = false
	tr.lastSave = now
	tr.mu.Unlock()

	if err := tr.store.SaveSnapshot(threads, pending); err != nil {
		slog.Warn("thread state save failed", "error", err)
		tr.mu.Lock()
		tr.dirty = true // retry on next save
		tr.mu.Unlock()
	}
}

// LoadState replaces live state with the store's snapshot. Threads restored
// with a zero lastShownIndex are normalized to fully shown: their history is
// already present in the conversation's separately persisted history log,
// and replaying it would duplicate context after a restart.
func (tr *Tracker) LoadState() error {
	threads, pending, err := tr.store.LoadSnapshot()
	if err != nil {
		return err
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()

	for _, t := range threads {
		if t.LastShownIndex == 0 {
			t.LastShownIndex = len(t.Messages)
		}
	}
	tr.threads = threads
	tr.pending = pending
	tr.dirty = false

	slog.Info("thread state loaded",
		"threads", len(threads), "pending", len(pending))
	return nil
}

// Stats returns live counts for operator inspection.
func (tr *Tracker) Stats() (threads, pending int) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.threads), len(tr.pending)
}
