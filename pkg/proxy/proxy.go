// Package proxy relays chat requests to the RAG backend and streams its
// NDJSON response back to the browser without buffering.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/coursechat/pkg/auth"
	"github.com/go-go-golems/coursechat/pkg/chaterrors"
)

const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultTotalTimeout   = 120 * time.Second
	DefaultMaxBodyBytes   = 1 << 20

	RequestIDHeader = "X-Request-ID"
)

// Settings configures the relay.
type Settings struct {
	BackendURL          string        `yaml:"backend-url"`
	ConnectTimeout      time.Duration `yaml:"connect-timeout"`
	TotalTimeout        time.Duration `yaml:"total-timeout"`
	MaxBodyBytes        int64         `yaml:"max-body-bytes"`
	RequireConversation bool          `yaml:"require-conversation"`
}

// ConversationAuthorizer checks that ownerID owns the active conversation
// convID. It returns a classified error otherwise.
type ConversationAuthorizer interface {
	Authorize(ctx context.Context, ownerID, convID string) error
}

type Options struct {
	Settings   Settings
	Authorizer ConversationAuthorizer
	Logger     zerolog.Logger
	// Transport overrides the outbound transport. The connect timeout is
	// only applied to the default transport.
	Transport http.RoundTripper
}

type Handler struct {
	backendURL   string
	totalTimeout time.Duration
	maxBody      int64
	authorizer   ConversationAuthorizer
	client       *http.Client
	logger       zerolog.Logger
}

func New(opts Options) (*Handler, error) {
	s := opts.Settings
	if strings.TrimSpace(s.BackendURL) == "" {
		return nil, errors.New("proxy: backend-url is empty")
	}
	if s.ConnectTimeout <= 0 {
		s.ConnectTimeout = DefaultConnectTimeout
	}
	if s.TotalTimeout <= 0 {
		s.TotalTimeout = DefaultTotalTimeout
	}
	if s.MaxBodyBytes <= 0 {
		s.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if s.RequireConversation && opts.Authorizer == nil {
		return nil, errors.New("proxy: require-conversation needs an authorizer")
	}
	authorizer := opts.Authorizer
	if !s.RequireConversation {
		authorizer = nil
	}
	transport := opts.Transport
	if transport == nil {
		transport = &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: s.ConnectTimeout, KeepAlive: 30 * time.Second}).DialContext,
			TLSHandshakeTimeout:   s.ConnectTimeout,
			MaxIdleConnsPerHost:   16,
			IdleConnTimeout:       90 * time.Second,
			DisableCompression:    true,
			ExpectContinueTimeout: time.Second,
		}
	}
	return &Handler{
		backendURL:   s.BackendURL,
		totalTimeout: s.TotalTimeout,
		maxBody:      s.MaxBodyBytes,
		authorizer:   authorizer,
		client:       &http.Client{Transport: transport},
		logger:       opts.Logger.With().Str("component", "proxy").Logger(),
	}, nil
}

// errorEvent is the terminal stream line emitted on upstream failure.
type errorEvent struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
}

// conversationRef is the part of the request body the relay inspects.
type conversationRef struct {
	ConversationID string `json:"conversation_id"`
	ThreadID       string `json:"thread_id"`
}

func (r conversationRef) id() string {
	if id := strings.TrimSpace(r.ConversationID); id != "" {
		return id
	}
	return strings.TrimSpace(r.ThreadID)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		chaterrors.WriteJSON(w, http.StatusMethodNotAllowed, chaterrors.Body{Error: "method not allowed"})
		return
	}

	requestID := strings.TrimSpace(req.Header.Get(RequestIDHeader))
	if requestID == "" {
		requestID = uuid.NewString()
	}
	owner := auth.OwnerFromContext(req.Context())
	logger := h.logger.With().Str("request_id", requestID).Str("owner_id", owner).Logger()

	body, convID, err := h.readBody(w, req)
	if err != nil {
		chaterrors.WriteHTTP(w, err)
		return
	}
	logger = logger.With().Str("conv_id", convID).Logger()

	if h.authorizer != nil {
		if owner == "" {
			chaterrors.WriteHTTP(w, chaterrors.E(chaterrors.KindUnauthorized, "proxy", "not logged in"))
			return
		}
		if err := h.authorizer.Authorize(req.Context(), owner, convID); err != nil {
			logger.Debug().Err(err).Msg("conversation not authorized")
			chaterrors.WriteHTTP(w, err)
			return
		}
	}

	h.relay(w, req, body, requestID, owner, logger)
}

func (h *Handler) readBody(w http.ResponseWriter, req *http.Request) ([]byte, string, error) {
	const op = "proxy.read_body"
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, h.maxBody))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, "", chaterrors.Validation(op, "request body too large")
		}
		return nil, "", chaterrors.Wrap(err, chaterrors.KindValidation, op, "could not read request body")
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, "", chaterrors.Validation(op, "request body must be a JSON object")
	}
	var ref conversationRef
	if err := json.Unmarshal(trimmed, &ref); err != nil {
		return nil, "", chaterrors.Validation(op, "request body must be a JSON object with string ids")
	}
	convID := ref.id()
	if convID == "" {
		return nil, "", chaterrors.Validation(op, "conversation_id or thread_id is required")
	}
	return body, convID, nil
}

func (h *Handler) relay(w http.ResponseWriter, req *http.Request, body []byte, requestID, owner string, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(req.Context(), h.totalTimeout)
	defer cancel()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set(RequestIDHeader, requestID)
	rc := http.NewResponseController(w)
	sw := &streamWriter{w: w, rc: rc}

	outReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.backendURL, bytes.NewReader(body))
	if err != nil {
		logger.Error().Err(err).Msg("build backend request failed")
		sw.writeError("chat service unavailable")
		return
	}
	outReq.Header.Set("Content-Type", "application/json")
	outReq.Header.Set("Accept", "application/x-ndjson")
	outReq.Header.Set(RequestIDHeader, requestID)
	if owner != "" {
		outReq.Header.Set(auth.OwnerHeader, owner)
	}

	started := time.Now()
	resp, err := h.client.Do(outReq)
	if err != nil {
		if req.Context().Err() != nil {
			logger.Debug().Msg("client went away before backend answered")
			return
		}
		logger.Warn().Err(err).Msg("backend request failed")
		sw.writeError(upstreamMessage(ctx, "chat service unavailable"))
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		logger.Warn().Int("status", resp.StatusCode).Str("body", string(snippet)).Msg("backend returned error status")
		sw.writeError("chat service returned status " + strconv.Itoa(resp.StatusCode))
		return
	}

	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if werr := sw.write(buf[:n]); werr != nil {
				// Client is gone; cancel aborts the backend call.
				cancel()
				logger.Debug().Err(werr).Msg("client write failed, aborting backend call")
				return
			}
		}
		if rerr == io.EOF {
			logger.Debug().Int64("bytes", sw.written).Dur("elapsed", time.Since(started)).Msg("relay complete")
			return
		}
		if rerr != nil {
			if req.Context().Err() != nil {
				logger.Debug().Msg("client went away during relay")
				return
			}
			logger.Warn().Err(rerr).Int64("bytes", sw.written).Msg("backend stream failed")
			sw.writeError(upstreamMessage(ctx, "chat stream interrupted"))
			return
		}
	}
}

func upstreamMessage(ctx context.Context, fallback string) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "chat service timed out"
	}
	return fallback
}

// streamWriter writes and flushes each chunk and remembers whether the last
// byte written ended a line.
type streamWriter struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	written int64
	lastNL  bool
}

func (s *streamWriter) write(p []byte) error {
	n, err := s.w.Write(p)
	s.written += int64(n)
	if n > 0 {
		s.lastNL = p[n-1] == '\n'
	}
	if err != nil {
		return err
	}
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

func (s *streamWriter) writeError(msg string) {
	line, _ := json.Marshal(errorEvent{Error: true, Message: msg})
	if s.written > 0 && !s.lastNL {
		line = append([]byte{'\n'}, line...)
	}
	line = append(line, '\n')
	_ = s.write(line)
}
