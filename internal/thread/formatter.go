package thread

import (
	"fmt"
	"sort"
	"strings"
)

// FormatOptions tunes context rendering windows.
type FormatOptions struct {
	MaxInvolvedThreads   int
	MaxBackgroundThreads int
	BackgroundTail       int // messages shown per background thread
	MaxPendingShown      int
	ShortThreadMax       int // threads at or below render in full
	WindowHead           int // leading messages in a long window
	WindowTail           int // trailing messages in a long window
}

// DefaultFormatOptions returns the standard rendering windows.
func DefaultFormatOptions() FormatOptions {
	return FormatOptions{
		MaxInvolvedThreads:   5,
		MaxBackgroundThreads: 3,
		BackgroundTail:       3,
		MaxPendingShown:      5,
		ShortThreadMax:       6,
		WindowHead:           2,
		WindowTail:           4,
	}
}

// RenderResult is a rendered context blob plus the routing metadata the
// dispatch layer needs.
type RenderResult struct {
	Text string

	// Tags maps "#msgN" tags to external message IDs, in emission order
	// mirrored by TagOrder. The dispatcher resolves its reply target from
	// the highest-numbered tag with a known mapping.
	Tags     map[string]string
	TagOrder []string // external IDs in tag order

	// Advances holds the lastShownIndex each fully rendered involved
	// thread should move to. The caller commits these after a successful
	// dispatch; the formatter itself mutates nothing.
	Advances map[string]int

	// Fallback is set when no thread qualified for windowed rendering and
	// the text is a flat trace of the raw batch.
	Fallback bool
}

// ReplyTarget returns the external ID of the highest-numbered tagged
// message, or "" when nothing was tagged.
func (r RenderResult) ReplyTarget() string {
	for i := len(r.TagOrder) - 1; i >= 0; i-- {
		if r.TagOrder[i] != "" {
			return r.TagOrder[i]
		}
	}
	return ""
}

// render tracks tag numbering across one whole rendering pass.
type render struct {
	sb       strings.Builder
	tags     map[string]string
	tagOrder []string
	n        int
}

func (r *render) tag(externalID string) string {
	r.n++
	t := fmt.Sprintf("#msg%d", r.n)
	if externalID != "" {
		r.tags[t] = externalID
	}
	r.tagOrder = append(r.tagOrder, externalID)
	return t
}

func (r *render) line(m Message) {
	name := m.SenderName
	if m.FromSelf {
		name = "you"
	} else if name == "" {
		name = m.SenderID
	}
	fmt.Fprintf(&r.sb, "[%s] %s: %s\n", r.tag(m.ID), name, m.Content)
}

// BuildContext renders the conversation's live threads into a single
// windowed text blob for multi-thread reply generation. Involved threads
// render first (most recently updated first), then background threads,
// then leftover pending messages. When nothing qualifies the raw batch is
// rendered as a flat trace.
//
// The returned Advances must be committed via Tracker.CommitShown once the
// dispatch actually happens, and at most once per dispatch turn per thread.
func (tr *Tracker) BuildContext(opts FormatOptions, key string, raw []Message) RenderResult {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	r := &render{tags: make(map[string]string)}
	advances := make(map[string]int)

	var involved, background []*Thread
	for _, t := range tr.threads {
		if t.ConversationKey != key || t.State == StateDead {
			continue
		}
		if t.SelfInvolved {
			involved = append(involved, t)
		} else {
			background = append(background, t)
		}
	}
	byRecency := func(ts []*Thread) {
		sort.Slice(ts, func(i, j int) bool { return ts[i].Updated.After(ts[j].Updated) })
	}
	byRecency(involved)
	byRecency(background)

	if len(involved) > opts.MaxInvolvedThreads {
		involved = involved[:opts.MaxInvolvedThreads]
	}
	if len(background) > opts.MaxBackgroundThreads {
		background = background[:opts.MaxBackgroundThreads]
	}

	var pending []*PendingMessage
	for _, p := range tr.pending {
		if p.ConversationKey == key {
			pending = append(pending, p)
		}
	}
	if len(pending) > opts.MaxPendingShown {
		pending = pending[len(pending)-opts.MaxPendingShown:]
	}

	for _, t := range involved {
		if t.LastShownIndex >= len(t.Messages) {
			// Fully surfaced already and nothing new; re-showing its
			// history every turn is exactly what the cursor prevents.
			continue
		}
		renderInvolved(r, t, opts)
		advances[t.ID] = len(t.Messages)
	}

	for _, t := range background {
		fmt.Fprintf(&r.sb, "── background thread (%s, not addressed to you) ──\n", topicLabel(t))
		start := len(t.Messages) - opts.BackgroundTail
		if start < 0 {
			start = 0
		}
		for _, m := range t.Messages[start:] {
			r.line(m)
		}
	}

	if len(pending) > 0 {
		r.sb.WriteString("── unthreaded messages ──\n")
		for _, p := range pending {
			r.line(p.Message)
		}
	}

	// Nothing qualified for windowed rendering (fresh state, or everything
	// already surfaced): fall back to a flat trace of the raw batch.
	if r.sb.Len() == 0 {
		for _, m := range raw {
			r.line(m)
		}
		return RenderResult{
			Text:     strings.TrimRight(r.sb.String(), "\n"),
			Tags:     r.tags,
			TagOrder: r.tagOrder,
			Advances: advances,
			Fallback: true,
		}
	}

	return RenderResult{
		Text:     strings.TrimRight(r.sb.String(), "\n"),
		Tags:     r.tags,
		TagOrder: r.tagOrder,
		Advances: advances,
	}
}

// renderInvolved renders one involved thread in windowed mode.
func renderInvolved(r *render, t *Thread, opts FormatOptions) {
	total := len(t.Messages)

	if t.LastShownIndex > 0 && t.LastShownIndex < total {
		// Already surfaced once: render only what is new.
		fresh := total - t.LastShownIndex
		fmt.Fprintf(&r.sb, "── thread %s (%s, continued, %d new) ──\n",
			shortID(t.ID), topicLabel(t), fresh)
		for _, m := range t.Messages[t.LastShownIndex:] {
			r.line(m)
		}
		return
	}

	fmt.Fprintf(&r.sb, "── thread %s (%s, %d messages) ──\n",
		shortID(t.ID), topicLabel(t), total)

	if total <= opts.ShortThreadMax {
		for _, m := range t.Messages {
			r.line(m)
		}
		return
	}

	head, tail := opts.WindowHead, opts.WindowTail
	if head+tail >= total {
		for _, m := range t.Messages {
			r.line(m)
		}
		return
	}
	for _, m := range t.Messages[:head] {
		r.line(m)
	}
	fmt.Fprintf(&r.sb, "  ...%d omitted...\n", total-head-tail)
	for _, m := range t.Messages[total-tail:] {
		r.line(m)
	}
}

// RenderFocused produces a focused rendering of exactly one thread, used
// when multiple threads need separate replies in one batch cycle. It never
// advances lastShownIndex: that commit is deferred until after the thread's
// own dispatch succeeds.
func (tr *Tracker) RenderFocused(opts FormatOptions, threadID string) (RenderResult, bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	t, ok := tr.threads[threadID]
	if !ok {
		return RenderResult{}, false
	}

	r := &render{tags: make(map[string]string)}
	fmt.Fprintf(&r.sb, "── thread %s (%s, %d messages) ──\n",
		shortID(t.ID), topicLabel(t), len(t.Messages))

	start := 0
	if t.LastShownIndex > 0 && t.LastShownIndex < len(t.Messages) {
		start = t.LastShownIndex
		fmt.Fprintf(&r.sb, "  (continued, %d new)\n", len(t.Messages)-start)
	}
	for _, m := range t.Messages[start:] {
		r.line(m)
	}

	return RenderResult{
		Text:     strings.TrimRight(r.sb.String(), "\n"),
		Tags:     r.tags,
		TagOrder: r.tagOrder,
		Advances: map[string]int{t.ID: len(t.Messages)},
	}, true
}

func topicLabel(t *Thread) string {
	if len(t.TopicKeywords) == 0 {
		return string(t.State)
	}
	n := len(t.TopicKeywords)
	if n > 3 {
		n = 3
	}
	return string(t.State) + ", topic: " + strings.Join(t.TopicKeywords[:n], " ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
