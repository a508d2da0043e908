package store

import (
	"database/sql"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/pigeonai/pigeon/internal/chat"
)

const conversationColumns = `id, type, participants, last_message, last_message_time, unread_count, updated_at`

func scanConversation(s scanner) (chat.Conversation, error) {
	var (
		c            chat.Conversation
		typ          string
		participants string
		unread       string
	)
	if err := s.Scan(&c.ID, &typ, &participants, &c.LastMessage, &c.LastMessageTime, &unread, &c.UpdatedAt); err != nil {
		return c, err
	}
	c.Type = chat.ConversationType(typ)
	if err := json.Unmarshal([]byte(participants), &c.Participants); err != nil {
		return c, fmt.Errorf("decode participants for %s: %w", c.ID, err)
	}
	if unread != "" && unread != "{}" {
		if err := json.Unmarshal([]byte(unread), &c.UnreadCount); err != nil {
			return c, fmt.Errorf("decode unread_count for %s: %w", c.ID, err)
		}
	}
	return c, nil
}

func upsertConversation(e execer, c chat.Conversation) error {
	if c.Participants == nil {
		c.Participants = []string{}
	}
	participants, err := json.Marshal(c.Participants)
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}
	unread := []byte("{}")
	if len(c.UnreadCount) > 0 {
		if unread, err = json.Marshal(c.UnreadCount); err != nil {
			return fmt.Errorf("encode unread_count: %w", err)
		}
	}
	if c.Type == "" {
		c.Type = chat.Direct
	}
	_, err = e.Exec(`
		INSERT INTO conversations (id, type, participants, last_message, last_message_time, unread_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			participants = excluded.participants,
			last_message = excluded.last_message,
			last_message_time = excluded.last_message_time,
			unread_count = excluded.unread_count,
			updated_at = excluded.updated_at`,
		c.ID, string(c.Type), string(participants), c.LastMessage, c.LastMessageTime, string(unread), c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert conversation %s: %w", c.ID, err)
	}
	return nil
}

// UpsertConversation caches a conversation record.
func (db *DB) UpsertConversation(c chat.Conversation) error {
	return upsertConversation(db, c)
}

// UpsertConversations caches a conversation list snapshot in a single transaction.
func (db *DB) UpsertConversations(convs []chat.Conversation) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, c := range convs {
		if err := upsertConversation(tx, c); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetConversations returns cached conversations, most recently active first.
func (db *DB) GetConversations() ([]chat.Conversation, error) {
	rows, err := db.Query(`
		SELECT ` + conversationColumns + `
		FROM conversations
		ORDER BY last_message_time DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var convs []chat.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// GetConversation returns a single cached conversation, or nil.
func (db *DB) GetConversation(id string) (*chat.Conversation, error) {
	c, err := scanConversation(db.QueryRow(`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
