package chatclient

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/coursechat/pkg/chaterrors"
	"github.com/go-go-golems/coursechat/pkg/conversations"
	chatstore "github.com/go-go-golems/coursechat/pkg/persistence/chatstore"
	"github.com/go-go-golems/coursechat/pkg/tokens"
)

// State is the lifecycle position of the current turn.
type State string

const (
	StateIdle      State = "idle"
	StateSending   State = "sending"
	StateStreaming State = "streaming"
	StateRendered  State = "rendered"
	StateErrored   State = "errored"
)

const (
	// ConnectivityMessage is shown when the chat service cannot be reached.
	ConnectivityMessage = "Unable to reach the chat service. Check your connection and try again."
	// InvalidResponseMessage is shown when the stream cannot be decoded.
	InvalidResponseMessage = "The chat service sent a response that could not be read."

	DefaultHistoryTokenBudget = 3000
)

var ErrTurnInProgress = errors.New("a turn is already in progress")

// Entry is one transcript line.
type Entry struct {
	Role      chatstore.MessageType
	Content   string
	Time      time.Time
	Error     bool
	Documents []Document
}

// Renderer displays a conversation. Calls for one turn arrive in order from
// the goroutine running Submit.
type Renderer interface {
	UserMessage(e Entry)
	Loading(on bool)
	AssistantDelta(fragment string)
	AssistantDone(e Entry)
	Documents(docs []Document)
	// Error replaces the assistant reply of the turn. connectivity is true
	// when the service could not be reached at all.
	Error(message string, connectivity bool)
}

// Turn is the outcome of one submission.
type Turn struct {
	State     State
	Reply     string
	Documents []Document
	Err       error
}

type ControllerOptions struct {
	Client         *Client
	ConversationID string
	// Provider names the credential to fetch before the first turn. No
	// credential is fetched when empty.
	Provider           string
	Renderer           Renderer
	Counter            tokens.Counter
	HistoryTokenBudget int
	// Persist appends both sides of each turn to the conversation.
	Persist bool
	Logger  zerolog.Logger
	Now     func() time.Time
}

// Controller drives one conversation, one turn at a time.
type Controller struct {
	client   *Client
	convID   string
	provider string
	renderer Renderer
	counter  tokens.Counter
	budget   int
	persist  bool
	logger   zerolog.Logger
	now      func() time.Time

	mu         sync.Mutex
	state      State
	busy       bool
	transcript []Entry
	apiKey     string
}

func NewController(opts ControllerOptions) (*Controller, error) {
	if opts.Client == nil {
		return nil, errors.New("chatclient: client is nil")
	}
	if strings.TrimSpace(opts.ConversationID) == "" {
		return nil, errors.New("chatclient: conversation id is required")
	}
	if opts.Renderer == nil {
		return nil, errors.New("chatclient: renderer is nil")
	}
	if opts.Counter == nil {
		opts.Counter = tokens.DefaultCounter()
	}
	if opts.HistoryTokenBudget == 0 {
		opts.HistoryTokenBudget = DefaultHistoryTokenBudget
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Controller{
		client:   opts.Client,
		convID:   opts.ConversationID,
		provider: opts.Provider,
		renderer: opts.Renderer,
		counter:  opts.Counter,
		budget:   opts.HistoryTokenBudget,
		persist:  opts.Persist,
		logger:   opts.Logger.With().Str("component", "chatclient").Str("conversation_id", opts.ConversationID).Logger(),
		now:      opts.Now,
		state:    StateIdle,
	}, nil
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Transcript returns a copy of the entries shown so far, oldest first.
func (c *Controller) Transcript() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Entry(nil), c.transcript...)
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Submit runs one turn to completion. It returns ErrTurnInProgress while
// another turn is outstanding and a validation error for blank input; every
// other failure is rendered and reported in the returned Turn.
func (c *Controller) Submit(ctx context.Context, text string) (Turn, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Turn{}, chaterrors.Validation("chatclient.submit", "message is empty")
	}

	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return Turn{}, ErrTurnInProgress
	}
	c.busy = true
	history := c.historyLocked()
	user := Entry{Role: chatstore.MessageTypeUser, Content: text, Time: c.now()}
	c.transcript = append(c.transcript, user)
	c.state = StateSending
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.busy = false
		c.mu.Unlock()
	}()

	c.renderer.UserMessage(user)

	key, err := c.credential(ctx)
	if err != nil {
		return c.fail(err), nil
	}
	c.persistMessage(ctx, chatstore.MessageTypeUser, text)

	c.setState(StateStreaming)
	c.renderer.Loading(true)
	loading := true
	stopLoading := func() {
		if loading {
			loading = false
			c.renderer.Loading(false)
		}
	}
	defer stopLoading()

	body, err := c.client.StreamChat(ctx, ChatRequest{
		ConversationID: c.convID,
		Query:          text,
		History:        history,
		Provider:       c.provider,
		APIKey:         key,
	})
	if err != nil {
		stopLoading()
		return c.fail(err), nil
	}
	defer body.Close()

	var (
		reply     strings.Builder
		docs      []Document
		streamErr error
	)
	err = NewStreamReader(body).Process(ctx, func(ev Event) {
		if ev.IsError() {
			msg := ev.Message
			if msg == "" {
				msg = "The chat service reported an error."
			}
			streamErr = &StreamError{Message: msg}
			return
		}
		if len(ev.Documents) > 0 {
			docs = append(docs, ev.Documents...)
		}
		if f := ev.Fragment(); f != "" {
			stopLoading()
			reply.WriteString(f)
			c.renderer.AssistantDelta(f)
		}
	})
	stopLoading()
	if streamErr != nil {
		return c.fail(streamErr), nil
	}
	if err != nil {
		if !errors.Is(err, ErrMalformedEvent) {
			err = chaterrors.Wrap(err, chaterrors.KindUpstreamUnavailable, "chatclient.stream", "stream interrupted")
		}
		return c.fail(err), nil
	}

	assistant := Entry{
		Role:      chatstore.MessageTypeAssistant,
		Content:   reply.String(),
		Time:      c.now(),
		Documents: docs,
	}
	c.mu.Lock()
	c.transcript = append(c.transcript, assistant)
	c.state = StateRendered
	c.mu.Unlock()

	c.renderer.AssistantDone(assistant)
	if len(docs) > 0 {
		c.renderer.Documents(docs)
	}
	c.persistMessage(ctx, chatstore.MessageTypeAssistant, assistant.Content)

	return Turn{State: StateRendered, Reply: assistant.Content, Documents: docs}, nil
}

// StreamError is an error event sent in the chat stream.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string { return "chat stream error: " + e.Message }

// historyLocked returns the prior successful turns that fit the token budget.
func (c *Controller) historyLocked() []HistoryEntry {
	var entries []HistoryEntry
	for _, e := range c.transcript {
		if e.Error {
			continue
		}
		entries = append(entries, HistoryEntry{Role: string(e.Role), Content: e.Content})
	}
	if len(entries) == 0 {
		return nil
	}
	return tokens.Trim(c.counter, entries, c.budget, func(h HistoryEntry) string { return h.Content })
}

func (c *Controller) credential(ctx context.Context) (string, error) {
	if c.provider == "" {
		return "", nil
	}
	c.mu.Lock()
	key := c.apiKey
	c.mu.Unlock()
	if key != "" {
		return key, nil
	}
	cctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()
	res, err := c.client.GetCredential(cctx, c.provider)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.apiKey = res.Key
	c.mu.Unlock()
	c.logger.Debug().Str("provider", c.provider).Bool("existed", res.Existed).Msg("credential ready")
	return res.Key, nil
}

func (c *Controller) persistMessage(ctx context.Context, typ chatstore.MessageType, content string) {
	if !c.persist {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultTimeout)
	defer cancel()
	if _, err := c.client.AppendMessage(pctx, c.convID, conversations.AppendInput{Type: typ, Content: content}); err != nil {
		c.logger.Warn().Err(err).Str("type", string(typ)).Msg("failed to persist message")
	}
}

// fail renders err in the assistant slot and records an errored turn.
func (c *Controller) fail(err error) Turn {
	msg, connectivity := describe(err)
	c.mu.Lock()
	c.transcript = append(c.transcript, Entry{
		Role:    chatstore.MessageTypeAssistant,
		Content: msg,
		Time:    c.now(),
		Error:   true,
	})
	c.state = StateErrored
	c.mu.Unlock()
	c.logger.Warn().Err(err).Bool("connectivity", connectivity).Msg("turn failed")
	c.renderer.Error(msg, connectivity)
	return Turn{State: StateErrored, Err: err}
}

// describe picks the message shown for a failed turn.
func describe(err error) (string, bool) {
	var se *StreamError
	if errors.As(err, &se) {
		return se.Message, false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Message != "" {
			return apiErr.Message, false
		}
		return apiErr.Error(), false
	}
	if errors.Is(err, ErrMalformedEvent) {
		return InvalidResponseMessage, false
	}
	return ConnectivityMessage, true
}
