// Package history persists room messages and LLM call accounting, and
// renders chat context for agent runs.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ambitchat/ambit/internal/bus"
)

// Store is the SQL-backed message history.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// SetClock overrides the time source (tests).
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// MessageMeta is optional metadata attached to a stored message.
type MessageMeta struct {
	Mode      string // selected trigger for assistant rows
	LLMCallID int64  // 0 = none
	// ContentTemplate wraps the content on insert; "{message}" is replaced
	// by the original content (e.g. "[internal monologue] {message}").
	ContentTemplate string
}

// AddMessage persists one message and returns its row id.
func (s *Store) AddMessage(ctx context.Context, msg bus.RoomMessage, meta *MessageMeta) (int64, error) {
	content := msg.Content
	mode := ""
	var llmCallID interface{}
	if meta != nil {
		if meta.ContentTemplate != "" {
			content = strings.ReplaceAll(meta.ContentTemplate, "{message}", content)
		}
		mode = meta.Mode
		if meta.LLMCallID != 0 {
			llmCallID = meta.LLMCallID
		}
	}
	var threadStarter interface{}
	if msg.ThreadStarterID != 0 {
		threadStarter = msg.ThreadStarterID
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (server_tag, channel_name, arc, nick, mynick, content,
			platform_id, thread_id, thread_starter_id, mode, llm_call_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`,
		msg.ServerTag, msg.ChannelName, msg.Arc(), msg.Nick, msg.MyNick, content,
		msg.PlatformID, msg.ThreadID, threadStarter, mode, llmCallID, s.now().Unix())

	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("add message: %w", err)
	}
	return id, nil
}

// GetContextForMessage returns the last limit messages of the message's
// conversation in chronological order, rendered as chat-completion
// entries: user rows as "<nick> content", the bot's own rows as assistant
// entries with a "[mode] " marker when a mode was recorded. Thread
// messages see their thread (plus the thread starter) only.
func (s *Store) GetContextForMessage(ctx context.Context, msg bus.RoomMessage, limit int) ([]bus.ContextMessage, error) {
	if limit <= 0 {
		return nil, nil
	}

	var rows *sql.Rows
	var err error
	if msg.ThreadID != "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT nick, mynick, content, mode FROM (
				SELECT id, nick, mynick, content, mode FROM messages
				WHERE arc = $1 AND (thread_id = $2 OR id = $3)
				ORDER BY id DESC LIMIT $4
			) sub ORDER BY id ASC`,
			msg.Arc(), msg.ThreadID, msg.ThreadStarterID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT nick, mynick, content, mode FROM (
				SELECT id, nick, mynick, content, mode FROM messages
				WHERE arc = $1 AND thread_id = ''
				ORDER BY id DESC LIMIT $2
			) sub ORDER BY id ASC`,
			msg.Arc(), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("context query: %w", err)
	}
	defer rows.Close()

	var out []bus.ContextMessage
	for rows.Next() {
		var nick, mynick, content, mode string
		if err := rows.Scan(&nick, &mynick, &content, &mode); err != nil {
			return nil, err
		}
		if nick == mynick && mynick != "" {
			if mode != "" {
				content = "[" + mode + "] " + content
			}
			out = append(out, bus.ContextMessage{Role: "assistant", Content: content})
		} else {
			out = append(out, bus.ContextMessage{Role: "user", Content: "<" + nick + "> " + content})
		}
	}
	return out, rows.Err()
}

// RecentMessage is one follow-up found by GetRecentMessagesSince.
type RecentMessage struct {
	Message   string
	Timestamp int64
}

// GetRecentMessagesSince returns messages from nick in the channel strictly
// after sinceEpoch, oldest first, scoped to threadID when non-empty.
func (s *Store) GetRecentMessagesSince(ctx context.Context, serverTag, channelName, nick string, sinceEpoch int64, threadID string) ([]RecentMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT content, created_at FROM messages
		WHERE server_tag = $1 AND channel_name = $2 AND nick = $3
			AND created_at > $4 AND thread_id = $5
		ORDER BY id ASC`,
		serverTag, channelName, nick, sinceEpoch, threadID)
	if err != nil {
		return nil, fmt.Errorf("recent messages query: %w", err)
	}
	defer rows.Close()

	var out []RecentMessage
	for rows.Next() {
		var m RecentMessage
		if err := rows.Scan(&m.Message, &m.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// LLMCall describes one logged provider invocation.
type LLMCall struct {
	Provider         string
	Model            string
	InputTokens      int
	OutputTokens     int
	Cost             float64
	CallType         string // e.g. "agent_run", "classifier", "proactive"
	ArcName          string
	TriggerMessageID int64 // 0 = none
}

// LogLLMCall records a provider call and returns its row id.
func (s *Store) LogLLMCall(ctx context.Context, call LLMCall) (int64, error) {
	var trigger interface{}
	if call.TriggerMessageID != 0 {
		trigger = call.TriggerMessageID
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO llm_calls (provider, model, input_tokens, output_tokens, cost,
			call_type, arc_name, trigger_message_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		call.Provider, call.Model, call.InputTokens, call.OutputTokens, call.Cost,
		call.CallType, call.ArcName, trigger, s.now().Unix())

	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("log llm call: %w", err)
	}
	return id, nil
}

// UpdateLLMCallResponse links a logged call to the message row carrying its
// response.
func (s *Store) UpdateLLMCallResponse(ctx context.Context, callID, responseMessageID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE llm_calls SET response_message_id = $1 WHERE id = $2`,
		responseMessageID, callID)
	if err != nil {
		return fmt.Errorf("update llm call response: %w", err)
	}
	return nil
}

// GetArcCostToday sums the cost of all calls for an arc since UTC midnight.
func (s *Store) GetArcCostToday(ctx context.Context, arc string) (float64, error) {
	dayStart := s.now().UTC().Truncate(24 * time.Hour).Unix()
	row := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(cost), 0) FROM llm_calls
		WHERE arc_name = $1 AND created_at >= $2`,
		arc, dayStart)

	var total float64
	if err := row.Scan(&total); err != nil {
		return 0, fmt.Errorf("arc cost today: %w", err)
	}
	return total, nil
}

// CountRecentUnchronicled counts unchronicled messages in the channel's
// last days days.
func (s *Store) CountRecentUnchronicled(ctx context.Context, serverTag, channelName string, days int) (int, error) {
	cutoff := s.now().Add(-time.Duration(days) * 24 * time.Hour).Unix()
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE server_tag = $1 AND channel_name = $2
			AND chronicled_chapter_id IS NULL AND created_at >= $3`,
		serverTag, channelName, cutoff)

	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count unchronicled: %w", err)
	}
	return n, nil
}

// StoredMessage is a raw history row used by the auto-chronicler.
type StoredMessage struct {
	ID        int64
	Nick      string
	Content   string
	Timestamp int64
}

// GetFullHistory returns the channel's most recent n messages, oldest
// first.
func (s *Store) GetFullHistory(ctx context.Context, serverTag, channelName string, n int) ([]StoredMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, nick, content, created_at FROM (
			SELECT id, nick, content, created_at FROM messages
			WHERE server_tag = $1 AND channel_name = $2
			ORDER BY id DESC LIMIT $3
		) sub ORDER BY id ASC`,
		serverTag, channelName, n)
	if err != nil {
		return nil, fmt.Errorf("full history query: %w", err)
	}
	defer rows.Close()

	var out []StoredMessage
	for rows.Next() {
		var m StoredMessage
		if err := rows.Scan(&m.ID, &m.Nick, &m.Content, &m.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkChronicled stamps the given message rows with the chapter that
// summarized them.
func (s *Store) MarkChronicled(ctx context.Context, ids []int64, chapterID int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mark chronicled: %w", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET chronicled_chapter_id = $1 WHERE id = $2`,
			chapterID, id); err != nil {
			return fmt.Errorf("mark chronicled %d: %w", id, err)
		}
	}
	return tx.Commit()
}

// GetMessageIDByPlatformID resolves a transport message id to its history
// row. Returns 0 when unknown.
func (s *Store) GetMessageIDByPlatformID(ctx context.Context, serverTag, platformID string) (int64, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id FROM messages WHERE server_tag = $1 AND platform_id = $2
		ORDER BY id DESC LIMIT 1`,
		serverTag, platformID)

	var id int64
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("message by platform id: %w", err)
	}
	return id, nil
}

// UpdateMessageByPlatformID rewrites a stored message's content after a
// surface-side edit.
func (s *Store) UpdateMessageByPlatformID(ctx context.Context, serverTag, platformID, content string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET content = $1
		WHERE id = (SELECT id FROM messages WHERE server_tag = $2 AND platform_id = $3
			ORDER BY id DESC LIMIT 1)`,
		content, serverTag, platformID)
	if err != nil {
		return fmt.Errorf("update by platform id: %w", err)
	}
	return nil
}
