package bus

import (
	"context"
	"time"
)

// InboundMessage represents one chat message received from a platform adapter.
// The conversation key ("platform:chatID") is the unit of ordering for the
// whole intake pipeline.
type InboundMessage struct {
	ConversationKey string    `json:"conversation_key"`
	MessageID       string    `json:"message_id"` // external platform message ID
	SenderID        string    `json:"sender_id"`  // stable platform user ID
	SenderName      string    `json:"sender_name"`
	SenderHandle    string    `json:"sender_handle,omitempty"`
	Content         string    `json:"content"`
	Timestamp       time.Time `json:"timestamp"`
	ReplyToID       string    `json:"reply_to_id,omitempty"`   // external ID this message replies to
	ReplyToSelf     bool      `json:"reply_to_self,omitempty"` // replies to one of our own messages
	Stale           bool      `json:"stale,omitempty"`         // sat in the intake buffer too long
}

// OutboundMessage represents one reply to be delivered by a platform adapter.
type OutboundMessage struct {
	ConversationKey string `json:"conversation_key"`
	Content         string `json:"content"`
	ReplyToID       string `json:"reply_to_id,omitempty"` // external message ID to reply to
	ThreadID        string `json:"thread_id,omitempty"`   // internal thread that produced this reply
	RunID           string `json:"run_id,omitempty"`
	SourceCount     int    `json:"source_count"` // inbound messages collapsed into this reply
}

// Dispatcher delivers outbound messages. Platform adapters implement this;
// the pipeline never touches wire protocols.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg OutboundMessage) error
}

// InboundHandler handles a flushed batch of inbound messages for one
// conversation key.
type InboundHandler func(ctx context.Context, key string, batch []InboundMessage)
