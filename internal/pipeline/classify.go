// Package pipeline orchestrates batch processing: staleness tagging,
// classification, tracker ingestion, and dispatch routing.
package pipeline

import (
	"context"
	"regexp"
	"strings"

	"github.com/duynguyen-ops/chatloom/internal/bus"
)

// Classification outcomes.
const (
	ClassRespond = "respond"
	ClassContext = "context"
	ClassDrop    = "drop"
)

// FlagAutoMute is the security signal that unconditionally drops a message.
const FlagAutoMute = "auto-mute"

// ClassifyResult is the verdict of the external classify/respond service.
type ClassifyResult struct {
	Classification string   `json:"classification"` // respond | context | drop
	Confidence     float64  `json:"confidence"`
	SecurityFlags  []string `json:"security_flags,omitempty"`
}

// Classifier is the narrow interface to the external classification
// service. Recent-context strings come from the conversation history log.
type Classifier interface {
	Classify(ctx context.Context, msg bus.InboundMessage, recentContext []string) (ClassifyResult, error)
}

// Replier is the narrow interface to the external reply-generation service.
// contextText is the formatter's rendered blob; focusThreadID is set when
// exactly one thread should be addressed.
type Replier interface {
	Reply(ctx context.Context, focusThreadID, contextText string) (string, error)
}

// NamePattern compiles a case-insensitive word-boundary matcher for the
// system's name and aliases. Empty names are skipped; a nil return means no
// name matching.
func NamePattern(names ...string) *regexp.Regexp {
	var quoted []string
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		quoted = append(quoted, regexp.QuoteMeta(n))
	}
	if len(quoted) == 0 {
		return nil
	}
	return regexp.MustCompile(`(?i)\b(` + strings.Join(quoted, "|") + `)\b`)
}

// PostProcess applies the deterministic overrides layered on top of the
// classifier's verdict:
//
//  1. hard override to respond when the message names the system or replies
//     to its own prior output, regardless of classifier output;
//  2. downgrade respond → context when the message went stale in the buffer
//     and the classifier was not confident;
//  3. unconditional drop on an auto-mute security signal.
func PostProcess(res ClassifyResult, msg bus.InboundMessage, namePat *regexp.Regexp, confidenceFloor float64) ClassifyResult {
	for _, f := range res.SecurityFlags {
		if f == FlagAutoMute {
			res.Classification = ClassDrop
			return res
		}
	}

	if msg.ReplyToSelf || (namePat != nil && namePat.MatchString(msg.Content)) {
		res.Classification = ClassRespond
		if res.Confidence < 0.9 {
			res.Confidence = 0.9
		}
		return res
	}

	if res.Classification == ClassRespond && msg.Stale && res.Confidence < confidenceFloor {
		res.Classification = ClassContext
	}
	return res
}

// FallbackClassifier is the deterministic regex-based classifier used when
// the external service fails. It never errors.
type FallbackClassifier struct {
	namePat *regexp.Regexp
}

func NewFallbackClassifier(names ...string) *FallbackClassifier {
	return &FallbackClassifier{namePat: NamePattern(names...)}
}

var questionPat = regexp.MustCompile(`\?\s*$`)

// Classify applies fixed rules: addressed or reply-to-self messages respond,
// trailing questions respond at low confidence, everything else is context.
func (f *FallbackClassifier) Classify(_ context.Context, msg bus.InboundMessage, _ []string) (ClassifyResult, error) {
	switch {
	case msg.ReplyToSelf:
		return ClassifyResult{Classification: ClassRespond, Confidence: 0.95}, nil
	case f.namePat != nil && f.namePat.MatchString(msg.Content):
		return ClassifyResult{Classification: ClassRespond, Confidence: 0.9}, nil
	case questionPat.MatchString(msg.Content):
		return ClassifyResult{Classification: ClassRespond, Confidence: 0.55}, nil
	default:
		return ClassifyResult{Classification: ClassContext, Confidence: 0.5}, nil
	}
}
