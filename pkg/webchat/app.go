package webchat

import (
	"io"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/coursechat/pkg/auth"
	"github.com/go-go-golems/coursechat/pkg/config"
	"github.com/go-go-golems/coursechat/pkg/conversations"
	"github.com/go-go-golems/coursechat/pkg/credentials"
	"github.com/go-go-golems/coursechat/pkg/events"
	"github.com/go-go-golems/coursechat/pkg/llm"
	chatstore "github.com/go-go-golems/coursechat/pkg/persistence/chatstore"
	"github.com/go-go-golems/coursechat/pkg/proxy"
	"github.com/go-go-golems/coursechat/pkg/tokens"
)

// App is the fully wired server and the services behind it.
type App struct {
	Store         *chatstore.SQLiteStore
	Conversations *conversations.Service
	Credentials   *credentials.Service
	Gateway       *llm.Gateway
	Events        events.Backend
	Handler       http.Handler
	Server        *Server

	closers []io.Closer
}

// Close releases everything the app opened, newest first.
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}

// OpenStore opens the SQLite store named by the database settings.
func OpenStore(s config.DatabaseSettings) (*chatstore.SQLiteStore, error) {
	dsn := s.DSN
	if dsn == "" {
		var err error
		dsn, err = chatstore.SQLiteDSNForFile(s.Path)
		if err != nil {
			return nil, err
		}
	}
	return chatstore.NewSQLiteStore(dsn)
}

// NewCredentialService builds the credential service, with a Redis cache
// when enabled. The returned closers must be closed by the caller.
func NewCredentialService(s config.Settings, store chatstore.CredentialStore, logger zerolog.Logger) (*credentials.Service, []io.Closer, error) {
	issuer, err := credentials.NewHTTPIssuer(s.Credentials.IssuerURL, s.Credentials.IssuerToken, s.Credentials.IssuerTimeout)
	if err != nil {
		return nil, nil, err
	}
	var (
		cache   credentials.Cache
		closers []io.Closer
	)
	if s.Cache.RedisEnabled {
		client := redis.NewClient(&redis.Options{Addr: s.Cache.RedisAddr})
		closers = append(closers, client)
		rc, err := credentials.NewRedisCache(client, s.Cache.KeyPrefix, s.Cache.TTL)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		cache = rc
	}
	svc, err := credentials.NewService(credentials.ServiceOptions{
		Store:             store,
		Issuer:            issuer,
		Cache:             cache,
		DisplayNamePrefix: s.Credentials.DisplayNamePrefix,
		Logger:            logger,
	})
	if err != nil {
		for _, c := range closers {
			_ = c.Close()
		}
		return nil, nil, err
	}
	return svc, closers, nil
}

// BuildApp wires every component from settings.
func BuildApp(s config.Settings, logger zerolog.Logger) (_ *App, retErr error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	app := &App{}
	defer func() {
		if retErr != nil {
			_ = app.Close()
		}
	}()

	store, err := OpenStore(s.Database)
	if err != nil {
		return nil, errors.Wrap(err, "open store")
	}
	app.Store = store
	app.closers = append(app.closers, store)

	backend, err := events.NewBackend(s.Events, logger)
	if err != nil {
		return nil, errors.Wrap(err, "events backend")
	}
	app.Events = backend
	app.closers = append(app.closers, backend)
	emitter, err := events.NewPublisherEmitter(backend.Publisher(), logger)
	if err != nil {
		return nil, err
	}

	convs, err := conversations.NewService(conversations.ServiceOptions{Store: store, Emitter: emitter, Logger: logger})
	if err != nil {
		return nil, err
	}
	app.Conversations = convs

	creds, credClosers, err := NewCredentialService(s, store, logger)
	if err != nil {
		return nil, errors.Wrap(err, "credential service")
	}
	app.Credentials = creds
	app.closers = append(app.closers, credClosers...)

	gateway, err := llm.NewDefaultGateway(s.LLM, creds, tokens.DefaultCounter(), logger)
	if err != nil {
		return nil, errors.Wrap(err, "llm gateway")
	}
	app.Gateway = gateway

	relay, err := proxy.New(proxy.Options{Settings: s.Proxy, Authorizer: convs, Logger: logger})
	if err != nil {
		return nil, errors.Wrap(err, "proxy")
	}
	authn, err := auth.NewAuthenticator(s.Auth, logger)
	if err != nil {
		return nil, err
	}

	handler, err := NewRouter(RouterDeps{
		Auth:          authn,
		Proxy:         relay,
		Conversations: convs,
		Credentials:   creds,
		LLM:           gateway,
		Events:        backend,
		Upgrader:      &websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	app.Handler = handler

	srv, err := NewServer(ServerOptions{
		Addr:              s.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: s.Server.ReadHeaderTimeout,
		IdleTimeout:       s.Server.IdleTimeout,
		ShutdownTimeout:   s.Server.ShutdownTimeout,
	})
	if err != nil {
		return nil, err
	}
	app.Server = srv
	return app, nil
}
