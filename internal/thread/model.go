// Package thread implements conversation threading: clustering interleaved
// chat messages into coherent threads, running each thread's lifecycle, and
// rendering thread-aware context for reply generation.
package thread

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// State is a thread's lifecycle state. Transitions run strictly
// active → stale → {resolved, dead}, with the single exception of
// reactivation (stale → active) when new traffic matches a stale thread.
type State string

const (
	StateActive   State = "active"
	StateStale    State = "stale"
	StateResolved State = "resolved"
	StateDead     State = "dead"
)

// Classification tags carried on messages after the classify pass.
const (
	ClassRespond = "respond"
	ClassContext = "context"
)

// Message is one chat message as absorbed into a thread. Immutable after
// insertion.
type Message struct {
	ID             string    `json:"id"` // external platform message ID
	SenderID       string    `json:"sender_id"`
	SenderName     string    `json:"sender_name"`
	SenderHandle   string    `json:"sender_handle,omitempty"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
	ReplyToID      string    `json:"reply_to_id,omitempty"`
	ReplyToSelf    bool      `json:"reply_to_self,omitempty"`
	Classification string    `json:"classification,omitempty"` // respond | context
	FromSelf       bool      `json:"from_self,omitempty"`      // authored by the system
}

// Thread is a tracked cluster of related messages within one conversation.
type Thread struct {
	ID              string    `json:"id"`
	ConversationKey string    `json:"conversation_key"`
	State           State     `json:"state"`
	Created         time.Time `json:"created"`
	Updated         time.Time `json:"updated"`
	StaleSince      time.Time `json:"stale_since,omitempty"` // set on the active → stale transition
	SelfInvolved    bool      `json:"self_involved"`         // system has spoken or been addressed here
	HasReplied      bool      `json:"has_replied"`           // a reply covering this thread was sent
	Messages        []Message `json:"messages"`
	TopicKeywords   []string  `json:"topic_keywords,omitempty"`
	ParentID        string    `json:"parent_id,omitempty"` // topic-split lineage
	ChildIDs        []string  `json:"child_ids,omitempty"`

	// LastShownIndex marks how many messages have already been surfaced to
	// the reply generator, so each turn renders only what is new.
	LastShownIndex int `json:"last_shown_index"`

	// Derived from Messages; rebuilt on load, never persisted.
	participants map[string]bool
	messageIDs   map[string]bool
}

// PendingMessage is a single message that matched no thread above threshold.
// It lives until a later message promotes it into a new thread or it expires.
type PendingMessage struct {
	ConversationKey string    `json:"conversation_key"`
	Message         Message   `json:"message"`
	ArrivedAt       time.Time `json:"arrived_at"`
}

// NewThread creates an active thread seeded with one message.
func NewThread(key string, first Message, now time.Time) *Thread {
	t := &Thread{
		ID:              uuid.NewString(),
		ConversationKey: key,
		State:           StateActive,
		Created:         now,
		Updated:         now,
		participants:    make(map[string]bool),
		messageIDs:      make(map[string]bool),
	}
	t.appendLocked(first)
	return t
}

// Append inserts a message, enforcing the per-thread cap by trimming the
// oldest messages. Index bookkeeping (LastShownIndex, id set, participants)
// is corrected for any trim.
func (t *Thread) Append(msg Message, maxMessages int) {
	t.ensureDerived()
	t.appendLocked(msg)

	if maxMessages > 0 && len(t.Messages) > maxMessages {
		excess := len(t.Messages) - maxMessages
		for _, old := range t.Messages[:excess] {
			delete(t.messageIDs, old.ID)
		}
		t.Messages = t.Messages[excess:]
		t.LastShownIndex -= excess
		if t.LastShownIndex < 0 {
			t.LastShownIndex = 0
		}
		t.rebuildParticipants()
	}
}

func (t *Thread) appendLocked(msg Message) {
	t.Messages = append(t.Messages, msg)
	if msg.ID != "" {
		t.messageIDs[msg.ID] = true
	}
	if msg.SenderID != "" && !msg.FromSelf {
		t.participants[msg.SenderID] = true
	}
	if msg.FromSelf || msg.ReplyToSelf {
		t.SelfInvolved = true
	}
	if msg.Timestamp.After(t.Updated) {
		t.Updated = msg.Timestamp
	}
}

// ContainsMessage reports whether an external message ID is in this thread.
func (t *Thread) ContainsMessage(id string) bool {
	if id == "" {
		return false
	}
	t.ensureDerived()
	return t.messageIDs[id]
}

// Participants returns the set of non-system sender IDs.
func (t *Thread) Participants() map[string]bool {
	t.ensureDerived()
	return t.participants
}

// HasParticipant reports whether a sender has spoken in this thread.
func (t *Thread) HasParticipant(senderID string) bool {
	if senderID == "" {
		return false
	}
	t.ensureDerived()
	return t.participants[senderID]
}

// ParticipantNames returns the display names of thread participants,
// deduplicated, in first-appearance order.
func (t *Thread) ParticipantNames() []string {
	seen := make(map[string]bool)
	var names []string
	for _, m := range t.Messages {
		if m.FromSelf || m.SenderName == "" {
			continue
		}
		lower := strings.ToLower(m.SenderName)
		if !seen[lower] {
			seen[lower] = true
			names = append(names, m.SenderName)
		}
	}
	return names
}

// LastMessage returns the newest message, or a zero Message when empty.
func (t *Thread) LastMessage() Message {
	if len(t.Messages) == 0 {
		return Message{}
	}
	return t.Messages[len(t.Messages)-1]
}

// Reactivate flips a stale thread back to active on new matching traffic.
func (t *Thread) Reactivate(now time.Time) {
	if t.State == StateStale {
		t.State = StateActive
		t.StaleSince = time.Time{}
		t.Updated = now
	}
}

// MarkStale demotes the thread and records the transition point, from which
// the dead timeout is measured.
func (t *Thread) MarkStale(now time.Time) {
	if t.State == StateActive {
		t.State = StateStale
		t.StaleSince = now
	}
}

// ensureDerived rebuilds the derived indices after a JSON load.
func (t *Thread) ensureDerived() {
	if t.messageIDs != nil {
		return
	}
	t.messageIDs = make(map[string]bool, len(t.Messages))
	t.participants = make(map[string]bool)
	for _, m := range t.Messages {
		if m.ID != "" {
			t.messageIDs[m.ID] = true
		}
		if m.SenderID != "" && !m.FromSelf {
			t.participants[m.SenderID] = true
		}
	}
}

func (t *Thread) rebuildParticipants() {
	t.participants = make(map[string]bool)
	for _, m := range t.Messages {
		if m.SenderID != "" && !m.FromSelf {
			t.participants[m.SenderID] = true
		}
	}
}

// SanitizeContent normalizes inbound text: strips control characters and
// collapses surrounding whitespace. Malformed input degrades to a safe
// empty string rather than erroring.
func SanitizeContent(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\t' || r >= 0x20 {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
