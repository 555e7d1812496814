package webchat

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/go-go-golems/coursechat/pkg/auth"
	"github.com/go-go-golems/coursechat/pkg/chaterrors"
	"github.com/go-go-golems/coursechat/pkg/conversations"
	"github.com/go-go-golems/coursechat/pkg/credentials"
	"github.com/go-go-golems/coursechat/pkg/llm"
	chatstore "github.com/go-go-golems/coursechat/pkg/persistence/chatstore"
)

// ConversationService is the owner-scoped conversation surface used by the
// HTTP handlers.
type ConversationService interface {
	Create(ctx context.Context, ownerID string, in conversations.CreateInput) (chatstore.Conversation, error)
	Get(ctx context.Context, ownerID, convID string) (chatstore.Conversation, error)
	List(ctx context.Context, ownerID string) ([]chatstore.Conversation, error)
	Update(ctx context.Context, ownerID, convID string, in conversations.UpdateInput) (chatstore.Conversation, error)
	SoftDelete(ctx context.Context, ownerID, convID string) error
	Append(ctx context.Context, ownerID, convID string, in conversations.AppendInput) (chatstore.AppendedMessage, error)
	Load(ctx context.Context, ownerID, convID string) ([]chatstore.Message, error)
	Authorize(ctx context.Context, ownerID, convID string) error
}

type CredentialService interface {
	GetOrCreate(ctx context.Context, ownerID, provider string) (credentials.Result, error)
	Deactivate(ctx context.Context, ownerID, provider string) error
}

type LLMService interface {
	Chat(ctx context.Context, ownerID, provider string, req llm.ChatRequest) (llm.ChatResponse, error)
}

type ConversationList struct {
	Conversations []chatstore.Conversation `json:"conversations"`
}

type MessageList struct {
	ConvID   string              `json:"conversation_id"`
	Messages []chatstore.Message `json:"messages"`
}

// logFailure logs failed requests at a level that tracks the error kind.
func logFailure(logger zerolog.Logger, req *http.Request, err error) {
	kind := chaterrors.KindOf(err)
	ev := logger.Debug()
	switch kind {
	case chaterrors.KindPersistence, chaterrors.KindUnknown:
		ev = logger.Error()
	case chaterrors.KindUpstreamProtocol, chaterrors.KindUpstreamUnavailable:
		ev = logger.Warn()
	}
	ev.Err(err).
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Str("owner_id", auth.OwnerFromContext(req.Context())).
		Str("kind", string(kind)).
		Msg("request failed")
}

func fail(w http.ResponseWriter, req *http.Request, logger zerolog.Logger, err error) {
	logFailure(logger, req, err)
	chaterrors.WriteHTTP(w, err)
}

func NewListConversationsHandler(svc ConversationService, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		list, err := svc.List(req.Context(), auth.OwnerFromContext(req.Context()))
		if err != nil {
			fail(w, req, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, ConversationList{Conversations: list})
	}
}

func NewCreateConversationHandler(svc ConversationService, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var in conversations.CreateInput
		if err := decodeJSON(w, req, "conversations.create", &in); err != nil {
			fail(w, req, logger, err)
			return
		}
		c, err := svc.Create(req.Context(), auth.OwnerFromContext(req.Context()), in)
		if err != nil {
			fail(w, req, logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, c)
	}
}

func NewGetConversationHandler(svc ConversationService, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		c, err := svc.Get(req.Context(), auth.OwnerFromContext(req.Context()), pathValue(req, "id"))
		if err != nil {
			fail(w, req, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

func NewUpdateConversationHandler(svc ConversationService, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var in conversations.UpdateInput
		if err := decodeJSON(w, req, "conversations.update", &in); err != nil {
			fail(w, req, logger, err)
			return
		}
		c, err := svc.Update(req.Context(), auth.OwnerFromContext(req.Context()), pathValue(req, "id"), in)
		if err != nil {
			fail(w, req, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

func NewDeleteConversationHandler(svc ConversationService, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if err := svc.SoftDelete(req.Context(), auth.OwnerFromContext(req.Context()), pathValue(req, "id")); err != nil {
			fail(w, req, logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func NewLoadMessagesHandler(svc ConversationService, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		convID := pathValue(req, "id")
		msgs, err := svc.Load(req.Context(), auth.OwnerFromContext(req.Context()), convID)
		if err != nil {
			fail(w, req, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, MessageList{ConvID: convID, Messages: msgs})
	}
}

func NewAppendMessageHandler(svc ConversationService, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var in conversations.AppendInput
		if err := decodeJSON(w, req, "conversations.append", &in); err != nil {
			fail(w, req, logger, err)
			return
		}
		res, err := svc.Append(req.Context(), auth.OwnerFromContext(req.Context()), pathValue(req, "id"), in)
		if err != nil {
			fail(w, req, logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, res)
	}
}

// NewGetOrCreateCredentialHandler returns the caller's key for the provider in
// the path, provisioning one when needed. The secret is only ever returned to
// its owner.
func NewGetOrCreateCredentialHandler(svc CredentialService, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		res, err := svc.GetOrCreate(req.Context(), auth.OwnerFromContext(req.Context()), pathValue(req, "provider"))
		if err != nil {
			fail(w, req, logger, err)
			return
		}
		w.Header().Set("Cache-Control", "no-store")
		status := http.StatusOK
		if !res.Existed {
			status = http.StatusCreated
		}
		writeJSON(w, status, res)
	}
}

func NewDeactivateCredentialHandler(svc CredentialService, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if err := svc.Deactivate(req.Context(), auth.OwnerFromContext(req.Context()), pathValue(req, "provider")); err != nil {
			fail(w, req, logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func NewLLMChatHandler(svc LLMService, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var in llm.ChatRequest
		if err := decodeJSON(w, req, "llm.chat", &in); err != nil {
			fail(w, req, logger, err)
			return
		}
		resp, err := svc.Chat(req.Context(), auth.OwnerFromContext(req.Context()), pathValue(req, "provider"), in)
		if err != nil {
			fail(w, req, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
