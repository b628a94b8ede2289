package thread

import (
	"sort"
	"strings"
	"unicode"
)

const (
	topicKeywordCap   = 5  // top-N content words kept as a thread's topic
	topicRefreshDepth = 10 // keywords recomputed from this many trailing messages
	minTokenLen       = 3
)

// stopwords are common English words and chat slang excluded from keyword
// extraction.
var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true,
	"not": true, "you": true, "all": true, "can": true, "had": true,
	"her": true, "was": true, "one": true, "our": true, "out": true,
	"his": true, "has": true, "have": true, "this": true, "that": true,
	"with": true, "they": true, "them": true, "then": true, "than": true,
	"what": true, "when": true, "where": true, "who": true, "why": true,
	"how": true, "its": true, "it's": true, "just": true, "like": true,
	"some": true, "your": true, "will": true, "would": true, "could": true,
	"should": true, "about": true, "into": true, "over": true, "also": true,
	"been": true, "being": true, "because": true, "there": true, "their": true,
	"dont": true, "don't": true, "didnt": true, "didn't": true, "im": true,
	"i'm": true, "ive": true, "i've": true, "youre": true, "you're": true,
	"lol": true, "lmao": true, "omg": true, "wtf": true, "idk": true,
	"tbh": true, "imo": true, "yeah": true, "yep": true, "nah": true,
	"okay": true, "kinda": true, "gonna": true, "wanna": true, "really": true,
	"very": true, "much": true, "here": true, "now": true, "get": true,
	"got": true, "too": true, "still": true, "well": true, "know": true,
	"think": true, "thing": true, "things": true, "stuff": true, "mean": true,
	"good": true, "bad": true, "more": true, "from": true, "were": true,
	"does": true, "doesnt": true, "doesn't": true, "cant": true, "can't": true,
	"wont": true, "won't": true, "did": true, "any": true, "way": true,
	"even": true, "only": true, "make": true, "made": true, "want": true,
	"need": true, "right": true, "sure": true, "going": true, "actually": true,
}

// topicShiftMarkers are phrases that signal the author is changing subject.
var topicShiftMarkers = []string{
	"btw", "by the way", "anyway", "anyways", "unrelated",
	"on another note", "different topic", "changing the subject",
	"speaking of which", "random but", "off topic",
}

// closingPhrases signal a conversation wrapping up.
var closingPhrases = []string{
	"thanks", "thank you", "thx", "ty", "got it", "gotcha",
	"makes sense", "sounds good", "nvm", "nevermind", "never mind",
	"all good", "no worries", "perfect", "that works", "solved",
	"figured it out", "good night", "goodnight", "gn", "cya",
	"see ya", "later", "bye",
}

// Tokenize lowercases text and splits it into word tokens of length ≥3,
// filtered against the stopword list.
func Tokenize(text string) []string {
	lower := strings.ToLower(text)
	fields := strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '\''
	})

	var tokens []string
	for _, f := range fields {
		f = strings.Trim(f, "'")
		if len(f) < minTokenLen || stopwords[f] {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}

// ExtractKeywords returns up to topicKeywordCap content words ranked by
// frequency (ties broken by first appearance).
func ExtractKeywords(texts []string) []string {
	counts := make(map[string]int)
	order := make(map[string]int)
	n := 0
	for _, text := range texts {
		for _, tok := range Tokenize(text) {
			if _, seen := counts[tok]; !seen {
				order[tok] = n
				n++
			}
			counts[tok]++
		}
	}

	words := make([]string, 0, len(counts))
	for w := range counts {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return order[words[i]] < order[words[j]]
	})

	if len(words) > topicKeywordCap {
		words = words[:topicKeywordCap]
	}
	return words
}

// RefreshTopic recomputes the thread's topic keywords from its trailing
// messages. Called on every append.
func (t *Thread) RefreshTopic() {
	start := len(t.Messages) - topicRefreshDepth
	if start < 0 {
		start = 0
	}
	texts := make([]string, 0, topicRefreshDepth)
	for _, m := range t.Messages[start:] {
		texts = append(texts, m.Content)
	}
	t.TopicKeywords = ExtractKeywords(texts)
}

// HasTopicShiftMarker reports whether text contains a subject-change phrase.
func HasTopicShiftMarker(text string) bool {
	lower := strings.ToLower(text)
	for _, marker := range topicShiftMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// IsClosingPhrase reports whether text reads as a conversation closer:
// short, and matching a closing phrase.
func IsClosingPhrase(text string) bool {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" || len(lower) > 60 {
		return false
	}
	for _, phrase := range closingPhrases {
		if lower == phrase || strings.HasPrefix(lower, phrase+" ") ||
			strings.HasPrefix(lower, phrase+"!") || strings.HasPrefix(lower, phrase+".") ||
			strings.HasPrefix(lower, phrase+",") {
			return true
		}
	}
	return false
}

// keywordOverlap counts shared entries between a token list and a keyword
// list.
func keywordOverlap(tokens, keywords []string) int {
	if len(tokens) == 0 || len(keywords) == 0 {
		return 0
	}
	set := make(map[string]bool, len(keywords))
	for _, k := range keywords {
		set[k] = true
	}
	seen := make(map[string]bool)
	overlap := 0
	for _, tok := range tokens {
		if set[tok] && !seen[tok] {
			seen[tok] = true
			overlap++
		}
	}
	return overlap
}
