package thread

import (
	"strings"
	"time"
)

// Signal weights for thread-assignment affinity. Each scoring function is
// pure and bounded; the total is their sum.
const (
	weightReplyChain    = 1.0
	weightMention       = 0.9
	weightTemporalMax   = 0.4
	weightSpeaker       = 0.4
	weightLexicalMax    = 0.3
	lexicalOverlapScale = 3 // overlaps at or beyond this saturate the signal
)

// ScoreAgainstThread computes the affinity between a candidate message and
// an existing thread at time now.
func ScoreAgainstThread(msg Message, t *Thread, now time.Time) float64 {
	score := 0.0
	if t.ContainsMessage(msg.ReplyToID) {
		score += weightReplyChain
	}
	if mentionsAnyName(msg.Content, t.ParticipantNames()) {
		score += weightMention
	}
	score += temporalScore(now.Sub(t.Updated))
	if t.HasParticipant(msg.SenderID) {
		score += weightSpeaker
	}
	score += lexicalScore(Tokenize(msg.Content), t.TopicKeywords)
	return score
}

// ScoreAgainstPending approximates the same five signals against a single
// pending message that has no thread context yet.
func ScoreAgainstPending(msg Message, p *PendingMessage, now time.Time) float64 {
	score := 0.0
	if msg.ReplyToID != "" && msg.ReplyToID == p.Message.ID {
		score += weightReplyChain
	}
	if mentionsAnyName(msg.Content, []string{p.Message.SenderName}) {
		score += weightMention
	}
	score += temporalScore(now.Sub(p.Message.Timestamp))
	if msg.SenderID != "" && msg.SenderID == p.Message.SenderID {
		score += weightSpeaker
	}
	score += lexicalScore(Tokenize(msg.Content), Tokenize(p.Message.Content))
	return score
}

// temporalScore maps time-since-last-activity to a bounded recency signal.
func temporalScore(since time.Duration) float64 {
	switch {
	case since < 0:
		return weightTemporalMax
	case since < 10*time.Second:
		return 0.4
	case since < 30*time.Second:
		return 0.3
	case since < 2*time.Minute:
		return 0.2
	case since < 5*time.Minute:
		return 0.1
	default:
		return 0
	}
}

// lexicalScore scales shared-keyword overlap into [0, weightLexicalMax].
func lexicalScore(tokens, keywords []string) float64 {
	overlap := keywordOverlap(tokens, keywords)
	if overlap == 0 {
		return 0
	}
	ratio := float64(overlap) / lexicalOverlapScale
	if ratio > 1 {
		ratio = 1
	}
	return ratio * weightLexicalMax
}

// mentionsAnyName reports whether text contains any of the given display
// names. Names shorter than three characters are ignored: they collide with
// ordinary words too often.
func mentionsAnyName(text string, names []string) bool {
	if text == "" {
		return false
	}
	lower := strings.ToLower(text)
	for _, name := range names {
		if len(name) < 3 {
			continue
		}
		if strings.Contains(lower, strings.ToLower(name)) {
			return true
		}
	}
	return false
}
