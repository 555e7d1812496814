package webchat

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/coursechat/pkg/auth"
)

// Authenticator resolves the owner and rejects anonymous requests.
type Authenticator interface {
	Middleware(next http.Handler) http.Handler
}

// RouterDeps are the services mounted by NewRouter. Credentials, LLM and
// Events are optional; their routes are left out when nil.
type RouterDeps struct {
	Auth          Authenticator
	Proxy         http.Handler
	Conversations ConversationService
	Credentials   CredentialService
	LLM           LLMService
	Events        EventSubscriber
	Upgrader      *websocket.Upgrader
	Logger        zerolog.Logger
}

// NewRouter builds the API mux. Everything except /healthz and the 405 for a
// non-POST /api/chat requires an authenticated owner.
func NewRouter(d RouterDeps) (http.Handler, error) {
	if d.Auth == nil {
		return nil, errors.New("webchat: authenticator is nil")
	}
	if d.Proxy == nil {
		return nil, errors.New("webchat: proxy handler is nil")
	}
	if d.Conversations == nil {
		return nil, errors.New("webchat: conversation service is nil")
	}
	logger := d.Logger.With().Str("component", "webchat").Logger()
	mux := http.NewServeMux()
	authed := func(h http.Handler) http.Handler { return d.Auth.Middleware(h) }

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Only POST is authenticated; other methods reach the proxy's JSON 405
	// whether or not the caller has a token.
	mux.Handle("POST /api/chat", authed(d.Proxy))
	mux.Handle("/api/chat", d.Proxy)

	mux.Handle("GET /api/conversations", authed(NewListConversationsHandler(d.Conversations, logger)))
	mux.Handle("POST /api/conversations", authed(NewCreateConversationHandler(d.Conversations, logger)))
	mux.Handle("GET /api/conversations/{id}", authed(NewGetConversationHandler(d.Conversations, logger)))
	mux.Handle("PATCH /api/conversations/{id}", authed(NewUpdateConversationHandler(d.Conversations, logger)))
	mux.Handle("DELETE /api/conversations/{id}", authed(NewDeleteConversationHandler(d.Conversations, logger)))
	mux.Handle("GET /api/conversations/{id}/messages", authed(NewLoadMessagesHandler(d.Conversations, logger)))
	mux.Handle("POST /api/conversations/{id}/messages", authed(NewAppendMessageHandler(d.Conversations, logger)))

	if d.Credentials != nil {
		mux.Handle("POST /api/credentials/{provider}", authed(NewGetOrCreateCredentialHandler(d.Credentials, logger)))
		mux.Handle("DELETE /api/credentials/{provider}", authed(NewDeactivateCredentialHandler(d.Credentials, logger)))
	}
	if d.LLM != nil {
		mux.Handle("POST /api/llm/{provider}/chat", authed(NewLLMChatHandler(d.LLM, logger)))
	}
	if d.Events != nil {
		upgrader := websocket.Upgrader{}
		if d.Upgrader != nil {
			upgrader = *d.Upgrader
		}
		mux.Handle("GET /ws", authed(NewWSHandler(d.Conversations, d.Events, upgrader, logger)))
	}
	return mux, nil
}

var _ Authenticator = (*auth.Authenticator)(nil)
