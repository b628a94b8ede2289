// Package history persists the per-conversation message log in SQLite.
// The log is append-only: every ingested message and every outbound reply
// lands here, independent of thread snapshots, and feeds the classifier's
// recent-context window.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/duynguyen-ops/chatloom/internal/bus"
)

// schema matches migrations/0001_init.up.sql; applied idempotently on open
// so dev and test setups work without running the migrate command.
const schema = `
CREATE TABLE IF NOT EXISTS history (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_key TEXT NOT NULL,
	direction        TEXT NOT NULL,
	message_id       TEXT NOT NULL DEFAULT '',
	sender_id        TEXT NOT NULL DEFAULT '',
	sender_name      TEXT NOT NULL DEFAULT '',
	content          TEXT NOT NULL,
	run_id           TEXT NOT NULL DEFAULT '',
	reply_to_id      TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_conversation ON history (conversation_key, id);
`

// Directions for history rows.
const (
	DirInbound  = "in"
	DirOutbound = "out"
)

// Store is the SQLite-backed history log.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the history database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply history schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// AppendInbound records one ingested message.
func (s *Store) AppendInbound(ctx context.Context, msg bus.InboundMessage) error {
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO history (conversation_key, direction, message_id, sender_id, sender_name, content, reply_to_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ConversationKey, DirInbound, msg.MessageID, msg.SenderID, msg.SenderName,
		msg.Content, msg.ReplyToID, ts.UTC(),
	)
	if err != nil {
		return fmt.Errorf("append inbound history: %w", err)
	}
	return nil
}

// AppendReply records one dispatched reply with its run ID.
func (s *Store) AppendReply(ctx context.Context, out bus.OutboundMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO history (conversation_key, direction, content, run_id, reply_to_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		out.ConversationKey, DirOutbound, out.Content, out.RunID, out.ReplyToID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("append reply history: %w", err)
	}
	return nil
}

// Recent returns the newest n log lines for a conversation, oldest first,
// formatted as "sender: content" (outbound rows render as "you: content").
func (s *Store) Recent(ctx context.Context, key string, n int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT direction, sender_name, sender_id, content
		FROM history
		WHERE conversation_key = ?
		ORDER BY id DESC
		LIMIT ?`, key, n)
	if err != nil {
		return nil, fmt.Errorf("query recent history: %w", err)
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var dir, name, senderID, content string
		if err := rows.Scan(&dir, &name, &senderID, &content); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		who := name
		if dir == DirOutbound {
			who = "you"
		} else if who == "" {
			who = senderID
		}
		lines = append(lines, who+": "+content)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to oldest-first.
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return lines, nil
}
