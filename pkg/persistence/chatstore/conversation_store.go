package chatstore

import (
	"context"
	"encoding/json"
)

// MessageType identifies who authored a message.
type MessageType string

const (
	MessageTypeUser      MessageType = "user"
	MessageTypeAssistant MessageType = "assistant"
)

func (t MessageType) Valid() bool {
	return t == MessageTypeUser || t == MessageTypeAssistant
}

// Conversation is a named, owned thread of messages.
type Conversation struct {
	ConvID        string          `json:"conversation_id"`
	OwnerID       string          `json:"owner_id"`
	Title         string          `json:"title"`
	CreatedAtMs   int64           `json:"created_at_ms"`
	LastUpdatedMs int64           `json:"last_updated_ms"`
	Active        bool            `json:"active"`
	Metadata      json.RawMessage `json:"metadata"`
}

// ConversationPatch carries the optional fields of an update. Nil fields are
// left untouched.
type ConversationPatch struct {
	Title    *string
	Metadata json.RawMessage
}

// Message is one entry of a conversation, ordered by SequenceNumber.
type Message struct {
	ID             int64           `json:"id"`
	ConvID         string          `json:"conversation_id"`
	Type           MessageType     `json:"type"`
	Content        string          `json:"content"`
	CreatedAtMs    int64           `json:"created_at_ms"`
	SequenceNumber int64           `json:"sequence_number"`
	Metadata       json.RawMessage `json:"metadata"`
}

// AppendedMessage is the result of a successful append.
type AppendedMessage struct {
	MessageID      int64 `json:"message_id"`
	SequenceNumber int64 `json:"sequence_number"`
	CreatedAtMs    int64 `json:"created_at_ms"`
}

// ConversationStore persists conversation records. Every owner-scoped call
// only matches active conversations owned by ownerID.
type ConversationStore interface {
	CreateConversation(ctx context.Context, c Conversation) (Conversation, error)
	GetConversation(ctx context.Context, ownerID, convID string) (Conversation, error)
	ListConversations(ctx context.Context, ownerID string) ([]Conversation, error)
	UpdateConversation(ctx context.Context, ownerID, convID string, patch ConversationPatch, nowMs int64) (Conversation, error)
	SoftDeleteConversation(ctx context.Context, ownerID, convID string, nowMs int64) error
	// TouchConversation bumps last_updated without an ownership check.
	TouchConversation(ctx context.Context, convID string, nowMs int64) error
	Close() error
}

// MessageStore persists the append-only message log.
type MessageStore interface {
	// AppendMessage re-validates ownership and assigns the next sequence
	// number atomically with the insert.
	AppendMessage(ctx context.Context, ownerID string, m Message) (AppendedMessage, error)
	LoadOwnedMessages(ctx context.Context, ownerID, convID string) ([]Message, error)
	// LoadMessages reads the log of a conversation regardless of owner or
	// active flag.
	LoadMessages(ctx context.Context, convID string) ([]Message, error)
}
