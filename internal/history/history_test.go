package history

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/duynguyen-ops/chatloom/internal/bus"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecent_FormatAndOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := "discord:1"

	msgs := []bus.InboundMessage{
		{ConversationKey: key, MessageID: "m1", SenderID: "u1", SenderName: "alice", Content: "first", Timestamp: time.Now()},
		{ConversationKey: key, MessageID: "m2", SenderID: "u2", SenderName: "bob", Content: "second", Timestamp: time.Now()},
	}
	for _, m := range msgs {
		if err := s.AppendInbound(ctx, m); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.AppendReply(ctx, bus.OutboundMessage{
		ConversationKey: key, Content: "third", RunID: "run-1", ReplyToID: "m2",
	}); err != nil {
		t.Fatal(err)
	}

	got, err := s.Recent(ctx, key, 10)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"alice: first", "bob: second", "you: third"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Recent = %v, want %v", got, want)
	}
}

func TestRecent_LimitKeepsNewest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := "discord:1"

	for _, content := range []string{"one", "two", "three", "four"} {
		err := s.AppendInbound(ctx, bus.InboundMessage{
			ConversationKey: key, SenderName: "alice", Content: content,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.Recent(ctx, key, 2)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"alice: three", "alice: four"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Recent = %v, want newest two oldest-first: %v", got, want)
	}
}

func TestRecent_ConversationsIsolated(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.AppendInbound(ctx, bus.InboundMessage{ConversationKey: "a", SenderName: "alice", Content: "in-a"})
	s.AppendInbound(ctx, bus.InboundMessage{ConversationKey: "b", SenderName: "bob", Content: "in-b"})

	got, err := s.Recent(ctx, "a", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != "alice: in-a" {
		t.Errorf("Recent(a) = %v", got)
	}
}

func TestRecent_AnonymousSenderFallsBackToID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.AppendInbound(ctx, bus.InboundMessage{ConversationKey: "k", SenderID: "u42", Content: "hi"})

	got, err := s.Recent(ctx, "k", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != "u42: hi" {
		t.Errorf("Recent = %v, want sender ID fallback", got)
	}
}

func TestRecent_EmptyConversation(t *testing.T) {
	s := openTestStore(t)

	got, err := s.Recent(context.Background(), "nothing", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("Recent = %v, want empty", got)
	}
}

// Open applies the schema idempotently: reopening an existing database must
// not fail or lose rows.
func TestOpen_Reopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "history.db")

	s1, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := s1.AppendInbound(ctx, bus.InboundMessage{ConversationKey: "k", SenderName: "alice", Content: "persisted"}); err != nil {
		t.Fatal(err)
	}
	s1.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	got, err := s2.Recent(ctx, "k", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != "alice: persisted" {
		t.Errorf("Recent after reopen = %v", got)
	}
}
