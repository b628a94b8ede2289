package pipeline

import (
	"context"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/duynguyen-ops/chatloom/internal/bus"
	"github.com/duynguyen-ops/chatloom/internal/history"
	"github.com/duynguyen-ops/chatloom/internal/thread"
)

// Options tunes batch processing and dispatch admission control.
type Options struct {
	AgentName          string
	AgentAliases       []string
	StaleAfter         time.Duration // buffered longer than this → tagged stale
	ConfidenceFloor    float64
	MaxThreadsPerCycle int
	RateLimitRPM       int
	RecentContext      int // history lines handed to the classifier
	Format             thread.FormatOptions
}

// DefaultOptions returns the standard pipeline tuning.
func DefaultOptions() Options {
	return Options{
		AgentName:          "bot",
		StaleAfter:         20 * time.Second,
		ConfidenceFloor:    0.6,
		MaxThreadsPerCycle: 3,
		RateLimitRPM:       20,
		RecentContext:      5,
		Format:             thread.DefaultFormatOptions(),
	}
}

// Pipeline processes flushed batches: staleness tagging, classification with
// deterministic post-processing, tracker ingestion, and dispatch routing
// (single- vs multi-thread). It is the only caller of the reply service.
type Pipeline struct {
	tracker    *thread.Tracker
	classifier Classifier
	fallback   *FallbackClassifier
	replier    Replier
	msgBus     *bus.MessageBus
	hist       *history.Store // optional
	namePat    *regexp.Regexp
	opts       Options

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	focus    map[string]string // conversation key → thread ID being replied to
}

// New wires a pipeline. hist may be nil (history logging disabled).
func New(tracker *thread.Tracker, classifier Classifier, replier Replier, msgBus *bus.MessageBus, hist *history.Store, opts Options) *Pipeline {
	names := append([]string{opts.AgentName}, opts.AgentAliases...)
	return &Pipeline{
		tracker:    tracker,
		classifier: classifier,
		fallback:   NewFallbackClassifier(names...),
		replier:    replier,
		msgBus:     msgBus,
		hist:       hist,
		namePat:    NamePattern(names...),
		opts:       opts,
		limiters:   make(map[string]*rate.Limiter),
		focus:      make(map[string]string),
	}
}

// HandleBatch processes one flushed batch for a conversation key. It is the
// queue worker's handler: exactly one invocation per key runs at a time.
// All failures degrade; nothing propagates to the queue.
func (p *Pipeline) HandleBatch(ctx context.Context, key string, batch []bus.InboundMessage) {
	if len(batch) == 0 {
		return
	}
	now := time.Now()

	var respond, contextual []thread.Message
	var raw []thread.Message
	dropped := 0

	for _, msg := range batch {
		if !msg.Timestamp.IsZero() && now.Sub(msg.Timestamp) > p.opts.StaleAfter {
			msg.Stale = true
		}

		res := p.classify(ctx, key, msg)
		res = PostProcess(res, msg, p.namePat, p.opts.ConfidenceFloor)
		if res.Classification == ClassDrop {
			dropped++
			continue
		}

		if p.hist != nil {
			if err := p.hist.AppendInbound(ctx, msg); err != nil {
				slog.Warn("history append failed", "conversation", key, "error", err)
			}
		}

		tm := toThreadMessage(msg)
		raw = append(raw, tm)
		if res.Classification == ClassRespond {
			respond = append(respond, tm)
		} else {
			contextual = append(contextual, tm)
		}
	}

	if dropped > 0 {
		slog.Info("messages dropped by classification",
			"conversation", key, "dropped", dropped)
	}
	if len(raw) == 0 {
		return
	}

	result := p.tracker.IngestBatch(key, respond, contextual)
	slog.Debug("batch ingested",
		"conversation", key,
		"messages", len(raw),
		"respond_threads", len(result.RespondThreadIDs),
		"new_pending", result.NewPending,
	)

	p.routeDispatch(ctx, key, raw, result.RespondThreadIDs)
	p.tracker.SaveState(false)
}

// classify calls the external service, falling back to the deterministic
// regex classifier on failure.
func (p *Pipeline) classify(ctx context.Context, key string, msg bus.InboundMessage) ClassifyResult {
	var recent []string
	if p.hist != nil {
		var err error
		recent, err = p.hist.Recent(ctx, key, p.opts.RecentContext)
		if err != nil {
			slog.Warn("recent history fetch failed", "conversation", key, "error", err)
		}
	}

	res, err := p.classifier.Classify(ctx, msg, recent)
	if err != nil {
		slog.Warn("classifier failed, using fallback",
			"conversation", key, "error", err)
		res, _ = p.fallback.Classify(ctx, msg, recent)
	}
	return res
}

// routeDispatch sends one reply per reply-worthy thread. A single thread
// gets the full windowed context; multiple threads each get a focused
// rendering, capped per cycle with the remainder deferred. Each thread's
// dispatch is isolated: one failure never aborts the others.
func (p *Pipeline) routeDispatch(ctx context.Context, key string, raw []thread.Message, threadIDs []string) {
	if len(threadIDs) == 0 {
		return
	}

	if len(threadIDs) == 1 {
		render := p.tracker.BuildContext(p.opts.Format, key, raw)
		if err := p.dispatchThread(ctx, key, threadIDs[0], render, len(raw)); err != nil {
			slog.Warn("dispatch failed",
				"conversation", key, "thread", threadIDs[0], "error", err)
		}
		return
	}

	selected := threadIDs
	if len(selected) > p.opts.MaxThreadsPerCycle {
		deferred := selected[p.opts.MaxThreadsPerCycle:]
		selected = selected[:p.opts.MaxThreadsPerCycle]
		// Admission control, not loss: deferred threads stay live and get
		// picked up by their next matching message.
		slog.Info("multi-thread dispatch capped",
			"conversation", key,
			"dispatched", len(selected),
			"deferred", len(deferred),
		)
	}

	for _, id := range selected {
		render, ok := p.tracker.RenderFocused(p.opts.Format, id)
		if !ok {
			slog.Warn("thread vanished before dispatch", "thread", id)
			continue
		}
		if err := p.dispatchThread(ctx, key, id, render, len(raw)); err != nil {
			slog.Warn("dispatch failed",
				"conversation", key, "thread", id, "error", err)
		}
	}
}

// dispatchThread generates and sends one reply. The focus directive is
// always cleared on the way out, success or not, and lastShownIndex only
// advances after the outbound message is actually accepted.
func (p *Pipeline) dispatchThread(ctx context.Context, key, threadID string, render thread.RenderResult, sourceCount int) error {
	p.setFocus(key, threadID)
	defer p.clearFocus(key)

	if !p.limiter(key).Allow() {
		slog.Info("dispatch rate limited, deferred",
			"conversation", key, "thread", threadID)
		return nil
	}

	replyText, err := p.replier.Reply(ctx, threadID, render.Text)
	if err != nil {
		return err
	}
	if replyText == "" {
		// Reply suppressed; thread stays eligible next cycle.
		return nil
	}

	runID := uuid.NewString()
	out := bus.OutboundMessage{
		ConversationKey: key,
		Content:         replyText,
		ReplyToID:       render.ReplyTarget(),
		ThreadID:        threadID,
		RunID:           runID,
		SourceCount:     sourceCount,
	}
	if err := p.msgBus.PublishOutbound(ctx, out); err != nil {
		return err
	}

	var covered []string
	for _, id := range render.TagOrder {
		if id != "" {
			covered = append(covered, id)
		}
	}
	p.tracker.MarkReplySent(key, covered, thread.Message{
		ID:      runID,
		Content: replyText,
	})
	p.tracker.CommitShown(render.Advances)

	if p.hist != nil {
		if err := p.hist.AppendReply(ctx, out); err != nil {
			slog.Warn("reply history append failed", "conversation", key, "error", err)
		}
	}

	slog.Info("reply dispatched",
		"conversation", key,
		"thread", threadID,
		"run_id", runID,
		"sources", sourceCount,
	)
	return nil
}

// Focus returns the thread currently being replied to for a conversation,
// if any.
func (p *Pipeline) Focus(key string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.focus[key]
	return id, ok
}

func (p *Pipeline) setFocus(key, threadID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.focus[key] = threadID
}

func (p *Pipeline) clearFocus(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.focus, key)
}

// limiter returns the per-conversation outbound rate limiter.
func (p *Pipeline) limiter(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[key]
	if !ok {
		rpm := p.opts.RateLimitRPM
		if rpm <= 0 {
			rpm = 20
		}
		l = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm)
		p.limiters[key] = l
	}
	return l
}

func toThreadMessage(msg bus.InboundMessage) thread.Message {
	return thread.Message{
		ID:           msg.MessageID,
		SenderID:     msg.SenderID,
		SenderName:   msg.SenderName,
		SenderHandle: msg.SenderHandle,
		Content:      msg.Content,
		Timestamp:    msg.Timestamp,
		ReplyToID:    msg.ReplyToID,
		ReplyToSelf:  msg.ReplyToSelf,
	}
}
