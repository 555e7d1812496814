// Package conversations implements owner-scoped conversation and message
// operations on top of the chat store.
package conversations

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/coursechat/pkg/chaterrors"
	"github.com/go-go-golems/coursechat/pkg/events"
	chatstore "github.com/go-go-golems/coursechat/pkg/persistence/chatstore"
)

// Store is the persistence surface the service needs.
type Store interface {
	chatstore.ConversationStore
	chatstore.MessageStore
}

type ServiceOptions struct {
	Store   Store
	Emitter events.Emitter
	Logger  zerolog.Logger
	Now     func() time.Time
}

type Service struct {
	store   Store
	emitter events.Emitter
	logger  zerolog.Logger
	now     func() time.Time
}

func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("conversations: store is nil")
	}
	s := &Service{
		store:   opts.Store,
		emitter: opts.Emitter,
		logger:  opts.Logger.With().Str("component", "conversations").Logger(),
		now:     opts.Now,
	}
	if s.emitter == nil {
		s.emitter = events.NopEmitter{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// CreateInput is the request to open a new conversation.
type CreateInput struct {
	ConvID   string          `json:"conversation_id"`
	Title    string          `json:"title"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

func (in CreateInput) Validate() error {
	const op = "conversations.create"
	if strings.TrimSpace(in.ConvID) == "" {
		return chaterrors.Validation(op, "conversation_id is required")
	}
	return validateMetadata(op, in.Metadata)
}

// UpdateInput carries a partial update; absent fields are unchanged. A
// literal null metadata counts as absent.
type UpdateInput struct {
	Title    *string         `json:"title,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

func (in UpdateInput) Validate() error {
	return validateMetadata("conversations.update", in.Metadata)
}

func (in UpdateInput) metadata() json.RawMessage {
	if bytes.Equal(bytes.TrimSpace(in.Metadata), []byte("null")) {
		return nil
	}
	return in.Metadata
}

// AppendInput is the request to add a message to a conversation.
type AppendInput struct {
	Type     chatstore.MessageType `json:"type"`
	Content  string                `json:"content"`
	Metadata json.RawMessage       `json:"metadata,omitempty"`
}

func (in AppendInput) Validate() error {
	const op = "conversations.append"
	if !in.Type.Valid() {
		return chaterrors.Validation(op, "type must be user or assistant")
	}
	if in.Content == "" {
		return chaterrors.Validation(op, "content is required")
	}
	return validateMetadata(op, in.Metadata)
}

func validateMetadata(op string, raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	if !json.Valid(raw) {
		return chaterrors.Validation(op, "metadata must be valid JSON")
	}
	return nil
}

func requireOwner(op, ownerID string) error {
	if strings.TrimSpace(ownerID) == "" {
		return chaterrors.E(chaterrors.KindUnauthorized, op, "not logged in")
	}
	return nil
}

func (s *Service) Create(ctx context.Context, ownerID string, in CreateInput) (chatstore.Conversation, error) {
	if err := requireOwner("conversations.create", ownerID); err != nil {
		return chatstore.Conversation{}, err
	}
	if err := in.Validate(); err != nil {
		return chatstore.Conversation{}, err
	}
	c, err := s.store.CreateConversation(ctx, chatstore.Conversation{
		ConvID:      strings.TrimSpace(in.ConvID),
		OwnerID:     ownerID,
		Title:       in.Title,
		CreatedAtMs: s.now().UnixMilli(),
		Metadata:    in.Metadata,
	})
	if err != nil {
		return chatstore.Conversation{}, err
	}
	s.emitter.Emit(ctx, events.ConversationEvent{Type: events.EventConversationCreated, ConvID: c.ConvID, OwnerID: ownerID, AtMs: c.CreatedAtMs})
	return c, nil
}

func (s *Service) Get(ctx context.Context, ownerID, convID string) (chatstore.Conversation, error) {
	if err := requireOwner("conversations.get", ownerID); err != nil {
		return chatstore.Conversation{}, err
	}
	return s.store.GetConversation(ctx, ownerID, convID)
}

func (s *Service) List(ctx context.Context, ownerID string) ([]chatstore.Conversation, error) {
	if err := requireOwner("conversations.list", ownerID); err != nil {
		return nil, err
	}
	return s.store.ListConversations(ctx, ownerID)
}

func (s *Service) Update(ctx context.Context, ownerID, convID string, in UpdateInput) (chatstore.Conversation, error) {
	if err := requireOwner("conversations.update", ownerID); err != nil {
		return chatstore.Conversation{}, err
	}
	if err := in.Validate(); err != nil {
		return chatstore.Conversation{}, err
	}
	c, err := s.store.UpdateConversation(ctx, ownerID, convID, chatstore.ConversationPatch{
		Title:    in.Title,
		Metadata: in.metadata(),
	}, s.now().UnixMilli())
	if err != nil {
		return chatstore.Conversation{}, err
	}
	s.emitter.Emit(ctx, events.ConversationEvent{Type: events.EventConversationUpdated, ConvID: c.ConvID, OwnerID: ownerID, AtMs: c.LastUpdatedMs})
	return c, nil
}

func (s *Service) SoftDelete(ctx context.Context, ownerID, convID string) error {
	if err := requireOwner("conversations.delete", ownerID); err != nil {
		return err
	}
	if err := s.store.SoftDeleteConversation(ctx, ownerID, convID, s.now().UnixMilli()); err != nil {
		return err
	}
	s.emitter.Emit(ctx, events.ConversationEvent{Type: events.EventConversationDeleted, ConvID: convID, OwnerID: ownerID})
	return nil
}

// Append stores a message and then bumps the conversation's last_updated.
// The bump is best-effort and never fails the append.
func (s *Service) Append(ctx context.Context, ownerID, convID string, in AppendInput) (chatstore.AppendedMessage, error) {
	if err := requireOwner("conversations.append", ownerID); err != nil {
		return chatstore.AppendedMessage{}, err
	}
	if err := in.Validate(); err != nil {
		return chatstore.AppendedMessage{}, err
	}
	now := s.now().UnixMilli()
	res, err := s.store.AppendMessage(ctx, ownerID, chatstore.Message{
		ConvID:      convID,
		Type:        in.Type,
		Content:     in.Content,
		CreatedAtMs: now,
		Metadata:    in.Metadata,
	})
	if err != nil {
		return chatstore.AppendedMessage{}, err
	}
	if err := s.store.TouchConversation(ctx, convID, now); err != nil {
		s.logger.Warn().Err(err).Str("conv_id", convID).Msg("bump last_updated failed")
	}
	s.emitter.Emit(ctx, events.ConversationEvent{
		Type:           events.EventMessageAppended,
		ConvID:         convID,
		OwnerID:        ownerID,
		MessageID:      res.MessageID,
		SequenceNumber: res.SequenceNumber,
		MessageType:    string(in.Type),
		AtMs:           now,
	})
	return res, nil
}

func (s *Service) Load(ctx context.Context, ownerID, convID string) ([]chatstore.Message, error) {
	if err := requireOwner("conversations.load", ownerID); err != nil {
		return nil, err
	}
	return s.store.LoadOwnedMessages(ctx, ownerID, convID)
}

// Authorize reports whether ownerID owns the active conversation convID.
func (s *Service) Authorize(ctx context.Context, ownerID, convID string) error {
	_, err := s.Get(ctx, ownerID, convID)
	return err
}
