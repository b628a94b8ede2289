package bus

import (
	"context"
	"log/slog"
	"sync"
)

const inboundBufferSize = 256

// AllPlatforms registers a dispatcher as the catch-all for every platform
// without a dedicated one.
const AllPlatforms = "*"

// MessageBus is the in-process broker between platform adapters and the
// intake pipeline. Inbound messages flow through a buffered channel;
// outbound messages fan out to registered dispatchers.
type MessageBus struct {
	inbound chan InboundMessage

	mu          sync.RWMutex
	dispatchers map[string]Dispatcher
	closed      bool
}

func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:     make(chan InboundMessage, inboundBufferSize),
		dispatchers: make(map[string]Dispatcher),
	}
}

// PublishInbound enqueues an inbound message. Drops with a warning if the
// bus is saturated rather than blocking the adapter's receive loop.
// The read lock is held across the send: Close takes the write lock, so
// the channel cannot be closed out from under an in-flight publish.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	select {
	case b.inbound <- msg:
	default:
		slog.Warn("bus: inbound channel full, dropping message",
			"conversation", msg.ConversationKey,
			"message_id", msg.MessageID,
		)
	}
}

// ConsumeInbound blocks until a message is available or ctx is done.
// Returns false when the consumer should stop.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case <-ctx.Done():
		return InboundMessage{}, false
	case msg, ok := <-b.inbound:
		return msg, ok
	}
}

// RegisterDispatcher attaches an outbound dispatcher for a platform name.
func (b *MessageBus) RegisterDispatcher(platform string, d Dispatcher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dispatchers[platform] = d
}

// PublishOutbound routes an outbound message to the dispatcher registered
// for the conversation key's platform prefix.
func (b *MessageBus) PublishOutbound(ctx context.Context, msg OutboundMessage) error {
	b.mu.RLock()
	d, ok := b.dispatchers[platformOf(msg.ConversationKey)]
	if !ok {
		d, ok = b.dispatchers[AllPlatforms]
	}
	b.mu.RUnlock()

	if !ok {
		slog.Warn("bus: no dispatcher for platform",
			"conversation", msg.ConversationKey)
		return nil
	}
	return d.Dispatch(ctx, msg)
}

// Close stops accepting inbound messages.
func (b *MessageBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.inbound)
	}
}

// platformOf extracts the platform prefix from a "platform:chatID" key.
func platformOf(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i]
		}
	}
	return key
}
