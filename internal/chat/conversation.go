package chat

import (
	"maps"
	"slices"
)

// ConversationType distinguishes one-to-one from group conversations.
type ConversationType string

const (
	Direct ConversationType = "direct"
	Group  ConversationType = "group"
)

// Conversation is the list-level view of a chat. Conversations are created by
// the remote store and only cached on the device.
type Conversation struct {
	ID              string           `json:"id" msgpack:"id"`
	Type            ConversationType `json:"type" msgpack:"type"`
	Participants    []string         `json:"participants" msgpack:"participants"`
	LastMessage     string           `json:"last_message" msgpack:"last_message"`
	LastMessageTime int64            `json:"last_message_time" msgpack:"last_message_time"`
	UnreadCount     map[string]int   `json:"unread_count,omitempty" msgpack:"unread_count,omitempty"`
	UpdatedAt       int64            `json:"updated_at" msgpack:"updated_at"`
}

// HasParticipant reports whether userID belongs to the conversation.
func (c Conversation) HasParticipant(userID string) bool {
	return slices.Contains(c.Participants, userID)
}

// Unread returns the unread counter for userID.
func (c Conversation) Unread(userID string) int {
	return c.UnreadCount[userID]
}

// Clone returns a deep copy.
func (c Conversation) Clone() Conversation {
	c.Participants = slices.Clone(c.Participants)
	c.UnreadCount = maps.Clone(c.UnreadCount)
	return c
}

// Profile is the display information for a user.
type Profile struct {
	UserID      string `json:"user_id" msgpack:"user_id"`
	DisplayName string `json:"display_name" msgpack:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty" msgpack:"avatar_url,omitempty"`
}
