// Package events publishes conversation lifecycle events to a Watermill
// publisher (in-memory GoChannel or Redis Streams) so that websocket clients
// and external consumers can follow a conversation.
package events

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type EventType string

const (
	EventConversationCreated EventType = "conversation.created"
	EventConversationUpdated EventType = "conversation.updated"
	EventConversationDeleted EventType = "conversation.deleted"
	EventMessageAppended     EventType = "message.appended"
)

// ConversationEvent is the payload published for every successful store write.
type ConversationEvent struct {
	Type           EventType `json:"type"`
	ConvID         string    `json:"conversation_id"`
	OwnerID        string    `json:"owner_id"`
	MessageID      int64     `json:"message_id,omitempty"`
	SequenceNumber int64     `json:"sequence_number,omitempty"`
	MessageType    string    `json:"message_type,omitempty"`
	AtMs           int64     `json:"at_ms"`
}

// TopicForConv returns the topic carrying a conversation's events.
func TopicForConv(convID string) string {
	return "conversation." + convID
}

// Emitter publishes conversation events. Publishing is best-effort: callers
// never fail a store write because an event could not be delivered.
type Emitter interface {
	Emit(ctx context.Context, ev ConversationEvent)
}

type NopEmitter struct{}

func (NopEmitter) Emit(context.Context, ConversationEvent) {}

// PublisherEmitter emits events on a watermill publisher.
type PublisherEmitter struct {
	pub    message.Publisher
	logger zerolog.Logger
}

func NewPublisherEmitter(pub message.Publisher, logger zerolog.Logger) (*PublisherEmitter, error) {
	if pub == nil {
		return nil, errors.New("events: publisher is nil")
	}
	return &PublisherEmitter{pub: pub, logger: logger.With().Str("component", "events").Logger()}, nil
}

func (e *PublisherEmitter) Emit(ctx context.Context, ev ConversationEvent) {
	if e == nil || e.pub == nil || strings.TrimSpace(ev.ConvID) == "" {
		return
	}
	if ev.AtMs == 0 {
		ev.AtMs = time.Now().UnixMilli()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		e.logger.Warn().Err(err).Str("conv_id", ev.ConvID).Msg("marshal event failed")
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if ctx != nil {
		msg.SetContext(ctx)
	}
	if err := e.pub.Publish(TopicForConv(ev.ConvID), msg); err != nil {
		e.logger.Warn().Err(err).Str("conv_id", ev.ConvID).Str("type", string(ev.Type)).Msg("publish event failed")
	}
}

// DecodeEvent parses a message payload published by PublisherEmitter.
func DecodeEvent(msg *message.Message) (ConversationEvent, error) {
	var ev ConversationEvent
	if msg == nil {
		return ev, errors.New("events: message is nil")
	}
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return ev, errors.Wrap(err, "events: decode payload")
	}
	return ev, nil
}
