package pipeline

import (
	"context"
	"testing"

	"github.com/duynguyen-ops/chatloom/internal/bus"
)

func TestNamePattern(t *testing.T) {
	pat := NamePattern("loomy", "loombot")
	tests := []struct {
		in   string
		want bool
	}{
		{"hey loomy can you check", true},
		{"HEY LOOMY", true},
		{"loombot: status?", true},
		{"bloomy flowers", false}, // word boundary
		{"nothing here", false},
	}
	for _, tt := range tests {
		if got := pat.MatchString(tt.in); got != tt.want {
			t.Errorf("match(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	if NamePattern("", "  ") != nil {
		t.Error("blank names must yield a nil pattern")
	}
}

func TestPostProcess(t *testing.T) {
	pat := NamePattern("loomy")
	tests := []struct {
		name     string
		res      ClassifyResult
		msg      bus.InboundMessage
		wantClas string
		wantConf float64
	}{
		{
			name:     "auto-mute drops unconditionally",
			res:      ClassifyResult{Classification: ClassRespond, Confidence: 0.99, SecurityFlags: []string{FlagAutoMute}},
			msg:      bus.InboundMessage{Content: "hey loomy"},
			wantClas: ClassDrop,
			wantConf: 0.99,
		},
		{
			name:     "name match forces respond",
			res:      ClassifyResult{Classification: ClassContext, Confidence: 0.5},
			msg:      bus.InboundMessage{Content: "loomy what do you think"},
			wantClas: ClassRespond,
			wantConf: 0.9,
		},
		{
			name:     "reply to self forces respond",
			res:      ClassifyResult{Classification: ClassContext, Confidence: 0.5},
			msg:      bus.InboundMessage{Content: "no that is wrong", ReplyToSelf: true},
			wantClas: ClassRespond,
			wantConf: 0.9,
		},
		{
			name:     "forced respond keeps higher confidence",
			res:      ClassifyResult{Classification: ClassRespond, Confidence: 0.97},
			msg:      bus.InboundMessage{Content: "loomy ping"},
			wantClas: ClassRespond,
			wantConf: 0.97,
		},
		{
			name:     "stale low-confidence respond downgrades",
			res:      ClassifyResult{Classification: ClassRespond, Confidence: 0.55},
			msg:      bus.InboundMessage{Content: "what about that thing", Stale: true},
			wantClas: ClassContext,
			wantConf: 0.55,
		},
		{
			name:     "stale confident respond stands",
			res:      ClassifyResult{Classification: ClassRespond, Confidence: 0.8},
			msg:      bus.InboundMessage{Content: "what about that thing", Stale: true},
			wantClas: ClassRespond,
			wantConf: 0.8,
		},
		{
			name:     "fresh low-confidence respond stands",
			res:      ClassifyResult{Classification: ClassRespond, Confidence: 0.55},
			msg:      bus.InboundMessage{Content: "what about that thing"},
			wantClas: ClassRespond,
			wantConf: 0.55,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PostProcess(tt.res, tt.msg, pat, 0.6)
			if got.Classification != tt.wantClas {
				t.Errorf("classification = %s, want %s", got.Classification, tt.wantClas)
			}
			if got.Confidence != tt.wantConf {
				t.Errorf("confidence = %v, want %v", got.Confidence, tt.wantConf)
			}
		})
	}
}

func TestPostProcess_NilPattern(t *testing.T) {
	res := PostProcess(
		ClassifyResult{Classification: ClassContext, Confidence: 0.5},
		bus.InboundMessage{Content: "anything at all"},
		nil, 0.6,
	)
	if res.Classification != ClassContext {
		t.Errorf("classification = %s, want context with no name pattern", res.Classification)
	}
}

func TestFallbackClassifier(t *testing.T) {
	f := NewFallbackClassifier("loomy")
	ctx := context.Background()

	tests := []struct {
		msg      bus.InboundMessage
		wantClas string
		wantConf float64
	}{
		{bus.InboundMessage{Content: "anything", ReplyToSelf: true}, ClassRespond, 0.95},
		{bus.InboundMessage{Content: "loomy are you there"}, ClassRespond, 0.9},
		{bus.InboundMessage{Content: "does anyone know?"}, ClassRespond, 0.55},
		{bus.InboundMessage{Content: "does anyone know?  "}, ClassRespond, 0.55},
		{bus.InboundMessage{Content: "just chatting"}, ClassContext, 0.5},
	}
	for _, tt := range tests {
		got, err := f.Classify(ctx, tt.msg, nil)
		if err != nil {
			t.Fatalf("Classify(%q): %v", tt.msg.Content, err)
		}
		if got.Classification != tt.wantClas || got.Confidence != tt.wantConf {
			t.Errorf("Classify(%q) = %+v, want %s/%v", tt.msg.Content, got, tt.wantClas, tt.wantConf)
		}
	}
}
