package models

import (
	"encoding/json"
	"time"
)

const (
	BotID       = "aibot"
	BotUsername = "aibot"
)

type Conversation struct {
	ID                string    `json:"id" db:"id"`
	IsGroup           bool      `json:"is_group" db:"is_group"`
	Name              string    `json:"name" db:"name"`
	CreatedByID       string    `json:"created_by_id" db:"created_by_id"`
	CreatedByUsername string    `json:"created_by_username" db:"created_by_username"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
}

// Member.Username is the display name captured at join time and may be
// stale. Legacy rows may carry a username in UserID.
type Member struct {
	ConversationID string    `json:"conversation_id" db:"conversation_id"`
	UserID         string    `json:"user_id" db:"user_id"`
	Username       string    `json:"username" db:"username"`
	IsAdmin        bool      `json:"is_admin" db:"is_admin"`
	JoinedAt       time.Time `json:"joined_at" db:"joined_at"`
}

// Message payloads are opaque: Ciphertext and Metadata are stored and
// relayed as received.
type Message struct {
	ID             string          `json:"id" db:"id"`
	ConversationID string          `json:"conversation_id" db:"conversation_id"`
	SenderID       string          `json:"sender_id" db:"sender_id"`
	SenderUsername string          `json:"sender_username" db:"sender_username"`
	Ciphertext     string          `json:"ciphertext" db:"ciphertext"`
	Metadata       json.RawMessage `json:"metadata" db:"metadata"`
	Timestamp      time.Time       `json:"timestamp" db:"timestamp"`
	DeliveredTo    []string        `json:"delivered_to" db:"delivered_to"`
	ReadBy         []string        `json:"read_by" db:"read_by"`
}

type Identity struct {
	UserID    string    `json:"user_id" db:"user_id"`
	PublicKey string    `json:"public_key" db:"public_key"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// DMConversation always satisfies User1ID < User2ID.
type DMConversation struct {
	ID        string    `json:"id" db:"id"`
	User1ID   string    `json:"user1_id" db:"user1_id"`
	User2ID   string    `json:"user2_id" db:"user2_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

func (c DMConversation) HasParticipant(userID string) bool {
	return userID == c.User1ID || userID == c.User2ID
}

func (c DMConversation) Other(userID string) string {
	if c.User1ID == userID {
		return c.User2ID
	}
	return c.User1ID
}

type DMMessage struct {
	ID             string          `json:"id" db:"id"`
	ConversationID string          `json:"conversation_id" db:"conversation_id"`
	SenderID       string          `json:"sender_id" db:"sender_id"`
	Nonce          string          `json:"nonce" db:"nonce"`
	Ciphertext     string          `json:"ciphertext" db:"ciphertext"`
	Metadata       json.RawMessage `json:"metadata" db:"metadata"`
	Timestamp      time.Time       `json:"timestamp" db:"timestamp"`
}

// Realtime frames pushed to clients.
const (
	EventMessage             = "message"
	EventConversationCreated = "conversation_created"
	EventE2EEMessage         = "e2ee_message"

	StatusSent = "sent"
)

type ConversationSummary struct {
	ID        string `json:"id"`
	IsGroup   bool   `json:"is_group"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
}

func Summarize(c *Conversation) ConversationSummary {
	return ConversationSummary{
		ID:        c.ID,
		IsGroup:   c.IsGroup,
		Name:      c.Name,
		CreatedAt: c.CreatedAt.Format(time.RFC3339Nano),
	}
}

type ConversationCreatedEvent struct {
	Type         string              `json:"type"`
	Conversation ConversationSummary `json:"conversation"`
}

type MessageEvent struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversationId"`
	ID             string          `json:"id"`
	SenderID       string          `json:"sender_id"`
	SenderUsername string          `json:"sender_username"`
	Ciphertext     string          `json:"ciphertext"`
	Metadata       json.RawMessage `json:"metadata"`
	Timestamp      string          `json:"timestamp"`
	Status         string          `json:"status"`
}

func NewMessageEvent(m *Message) MessageEvent {
	return MessageEvent{
		Type:           EventMessage,
		ConversationID: m.ConversationID,
		ID:             m.ID,
		SenderID:       m.SenderID,
		SenderUsername: m.SenderUsername,
		Ciphertext:     m.Ciphertext,
		Metadata:       m.Metadata,
		Timestamp:      m.Timestamp.Format(time.RFC3339Nano),
		Status:         StatusSent,
	}
}

type E2EEMessageEvent struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversationId"`
	ID             string          `json:"id"`
	SenderID       string          `json:"sender_id"`
	Nonce          string          `json:"nonce"`
	Ciphertext     string          `json:"ciphertext"`
	Metadata       json.RawMessage `json:"metadata"`
	Timestamp      string          `json:"timestamp"`
}

func NewE2EEMessageEvent(m *DMMessage) E2EEMessageEvent {
	return E2EEMessageEvent{
		Type:           EventE2EEMessage,
		ConversationID: m.ConversationID,
		ID:             m.ID,
		SenderID:       m.SenderID,
		Nonce:          m.Nonce,
		Ciphertext:     m.Ciphertext,
		Metadata:       m.Metadata,
		Timestamp:      m.Timestamp.Format(time.RFC3339Nano),
	}
}
