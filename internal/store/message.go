package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/pigeonai/pigeon/internal/chat"
	"github.com/pigeonai/pigeon/internal/status"
)

const messageColumns = `id, conversation_id, sender_id, content, type, image_url, timestamp, status, read_by`

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (chat.Message, error) {
	var (
		m      chat.Message
		typ    string
		st     string
		readBy string
	)
	if err := s.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &typ, &m.ImageURL, &m.Timestamp, &st, &readBy); err != nil {
		return m, err
	}
	m.Type = chat.Type(typ)
	m.Status = status.State(st)
	if readBy != "" && readBy != "{}" {
		if err := json.Unmarshal([]byte(readBy), &m.ReadBy); err != nil {
			return m, fmt.Errorf("decode read_by for %s: %w", m.ID, err)
		}
	}
	return m, nil
}

func encodeReadBy(readBy map[string]int64) (string, error) {
	if len(readBy) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(readBy)
	if err != nil {
		return "", fmt.Errorf("encode read_by: %w", err)
	}
	return string(b), nil
}

func upsertMessage(e execer, m chat.Message, confirmed bool) error {
	readBy, err := encodeReadBy(m.ReadBy)
	if err != nil {
		return err
	}
	if m.Type == "" {
		m.Type = chat.Text
	}
	_, err = e.Exec(`
		INSERT INTO messages (id, conversation_id, sender_id, content, type, image_url, timestamp, status, read_by, confirmed, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			sender_id = excluded.sender_id,
			content = excluded.content,
			type = excluded.type,
			image_url = excluded.image_url,
			timestamp = excluded.timestamp,
			status = excluded.status,
			read_by = excluded.read_by,
			confirmed = excluded.confirmed,
			updated_at = excluded.updated_at`,
		m.ID, m.ConversationID, m.SenderID, m.Content, string(m.Type), m.ImageURL, m.Timestamp, string(m.Status), readBy, confirmed, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert message %s: %w", m.ID, err)
	}
	return nil
}

// insertMessageIfAbsent stores a confirmed message unless its id is present.
func insertMessageIfAbsent(e execer, m chat.Message) error {
	readBy, err := encodeReadBy(m.ReadBy)
	if err != nil {
		return err
	}
	if m.Type == "" {
		m.Type = chat.Text
	}
	_, err = e.Exec(`
		INSERT INTO messages (id, conversation_id, sender_id, content, type, image_url, timestamp, status, read_by, confirmed, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT(id) DO NOTHING`,
		m.ID, m.ConversationID, m.SenderID, m.Content, string(m.Type), m.ImageURL, m.Timestamp, string(m.Status), readBy, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("insert message %s: %w", m.ID, err)
	}
	return nil
}

func setMessageStatus(e execer, id string, to status.State) error {
	res, err := e.Exec(`UPDATE messages SET status = ?, updated_at = ? WHERE id = ?`, string(to), time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("update status of %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update status of %s: %w", id, ErrNotFound)
	}
	return nil
}

// InsertOrReplace writes a message keyed by id. confirmed records whether the
// remote store has acknowledged it.
func (db *DB) InsertOrReplace(m chat.Message, confirmed bool) error {
	return upsertMessage(db, m, confirmed)
}

// GetMessages returns every cached message of a conversation, oldest first.
// Messages sharing a timestamp are ordered by id.
func (db *DB) GetMessages(conversationID string) ([]chat.Message, error) {
	rows, err := db.Query(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ?
		ORDER BY timestamp ASC, id ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []chat.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// GetMessage returns a single message, or nil if it is not cached.
func (db *DB) GetMessage(id string) (*chat.Message, error) {
	m, err := scanMessage(db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// DeleteMessage removes a message. Deleting a missing id is not an error.
func (db *DB) DeleteMessage(id string) error {
	if _, err := db.Exec(`DELETE FROM messages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete message %s: %w", id, err)
	}
	return nil
}

// UpdateMessageStatus overwrites the status column of a cached message.
func (db *DB) UpdateMessageStatus(id string, to status.State) error {
	return setMessageStatus(db, id, to)
}

// MessageCount returns the number of cached messages.
func (db *DB) MessageCount() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&n)
	return n, err
}

// SearchMessages finds cached messages containing query, newest first.
// An empty conversationID searches every conversation.
func (db *DB) SearchMessages(query, conversationID string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	q := `SELECT ` + messageColumns + ` FROM messages WHERE content LIKE ? ESCAPE '\'`
	args := []any{"%" + escapeLike(query) + "%"}
	if conversationID != "" {
		q += " AND conversation_id = ?"
		args = append(args, conversationID)
	}
	q += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, SearchResult{Message: m, Snippet: snippet(m.Content, query, 32)})
	}
	return results, rows.Err()
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

// snippet returns up to radius runes around the first case-insensitive match,
// with the match wrapped in << >>.
func snippet(content, query string, radius int) string {
	runes := []rune(content)
	q := []rune(query)
	start := -1
	for i := 0; i+len(q) <= len(runes); i++ {
		if strings.EqualFold(string(runes[i:i+len(q)]), query) {
			start = i
			break
		}
	}
	if start < 0 || len(q) == 0 {
		return content
	}
	end := start + len(q)
	from := max(0, start-radius)
	to := min(len(runes), end+radius)

	var b strings.Builder
	if from > 0 {
		b.WriteString("...")
	}
	b.WriteString(string(runes[from:start]))
	b.WriteString("<<")
	b.WriteString(string(runes[start:end]))
	b.WriteString(">>")
	b.WriteString(string(runes[end:to]))
	if to < len(runes) {
		b.WriteString("...")
	}
	return b.String()
}

// TempMessagesWithStatus returns unconfirmed messages in the given state,
// oldest first.
func (db *DB) TempMessagesWithStatus(st status.State) ([]chat.Message, error) {
	rows, err := db.Query(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE confirmed = 0 AND status = ? AND id LIKE ? ESCAPE '\'
		ORDER BY timestamp ASC, id ASC`, string(st), escapeLike(chat.TempPrefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("query temp messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []chat.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
