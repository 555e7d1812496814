package llm

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/coursechat/pkg/chaterrors"
	"github.com/go-go-golems/coursechat/pkg/credentials"
	"github.com/go-go-golems/coursechat/pkg/tokens"
)

// CredentialSource hands out provisioned per-owner keys.
type CredentialSource interface {
	GetOrCreate(ctx context.Context, ownerID, provider string) (credentials.Result, error)
	Touch(ctx context.Context, ownerID, provider string)
}

// Route binds a provider to a key source and its request defaults. When
// StaticKey is empty the key is provisioned per owner under CredentialName.
type Route struct {
	Provider       Provider
	StaticKey      string
	CredentialName string
	DefaultModel   string
}

type Settings struct {
	FireworksBaseURL   string  `yaml:"fireworks-base-url"`
	FireworksModel     string  `yaml:"fireworks-model"`
	ClaudeAPIKey       string  `yaml:"claude-api-key"`
	ClaudeBaseURL      string  `yaml:"claude-base-url"`
	ClaudeModel        string  `yaml:"claude-model"`
	MaxTokens          int     `yaml:"max-tokens"`
	Temperature        float64 `yaml:"temperature"`
	HistoryTokenBudget int     `yaml:"history-token-budget"`
}

type GatewayOptions struct {
	Routes      []Route
	Credentials CredentialSource
	Counter     tokens.Counter
	MaxTokens   int
	// Temperature is the default sampling temperature; nil means
	// DefaultTemperature, while 0 is sent as 0.
	Temperature *float64
	// HistoryTokenBudget caps the prompt size; <= 0 disables trimming.
	HistoryTokenBudget int
	Logger             zerolog.Logger
}

type Gateway struct {
	routes      map[string]Route
	creds       CredentialSource
	counter     tokens.Counter
	maxTokens   int
	temperature float64
	budget      int
	logger      zerolog.Logger
}

func NewGateway(opts GatewayOptions) (*Gateway, error) {
	g := &Gateway{
		routes:      map[string]Route{},
		creds:       opts.Credentials,
		counter:     opts.Counter,
		maxTokens:   opts.MaxTokens,
		temperature: DefaultTemperature,
		budget:      opts.HistoryTokenBudget,
		logger:      opts.Logger.With().Str("component", "llm").Logger(),
	}
	for _, r := range opts.Routes {
		if r.Provider == nil {
			return nil, errors.New("llm: route without provider")
		}
		if r.StaticKey == "" && opts.Credentials == nil {
			return nil, errors.Errorf("llm: provider %s needs a credential source", r.Provider.Name())
		}
		if r.StaticKey == "" && r.CredentialName == "" {
			r.CredentialName = r.Provider.Name()
		}
		g.routes[r.Provider.Name()] = r
	}
	if g.counter == nil {
		g.counter = tokens.ApproxCounter{}
	}
	if g.maxTokens <= 0 {
		g.maxTokens = DefaultMaxTokens
	}
	if opts.Temperature != nil {
		g.temperature = *opts.Temperature
	}
	return g, nil
}

// NewDefaultGateway wires the Fireworks and Claude providers from settings.
// Claude is only routed when an API key is configured.
func NewDefaultGateway(s Settings, creds CredentialSource, counter tokens.Counter, logger zerolog.Logger) (*Gateway, error) {
	routes := []Route{{
		Provider:     NewFireworks(s.FireworksBaseURL),
		DefaultModel: firstNonEmpty(s.FireworksModel, DefaultFireworksModel),
	}}
	if s.ClaudeAPIKey != "" {
		routes = append(routes, Route{
			Provider:     NewClaude(s.ClaudeBaseURL, 0),
			StaticKey:    s.ClaudeAPIKey,
			DefaultModel: firstNonEmpty(s.ClaudeModel, DefaultClaudeModel),
		})
	}
	return NewGateway(GatewayOptions{
		Routes:             routes,
		Credentials:        creds,
		Counter:            counter,
		MaxTokens:          s.MaxTokens,
		Temperature:        &s.Temperature,
		HistoryTokenBudget: s.HistoryTokenBudget,
		Logger:             logger,
	})
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// Providers lists the routed provider names.
func (g *Gateway) Providers() []string {
	out := make([]string, 0, len(g.routes))
	for name := range g.routes {
		out = append(out, name)
	}
	return out
}

// Chat runs one completion for ownerID against the named provider.
func (g *Gateway) Chat(ctx context.Context, ownerID, provider string, req ChatRequest) (ChatResponse, error) {
	const op = "llm.gateway"
	if strings.TrimSpace(ownerID) == "" {
		return ChatResponse{}, chaterrors.E(chaterrors.KindUnauthorized, op, "not logged in")
	}
	route, ok := g.routes[provider]
	if !ok {
		return ChatResponse{}, chaterrors.NotFound(op, "unknown provider")
	}
	if err := req.Validate(); err != nil {
		return ChatResponse{}, err
	}
	req = g.withDefaults(route, req)

	key := route.StaticKey
	if key == "" {
		res, err := g.creds.GetOrCreate(ctx, ownerID, route.CredentialName)
		if err != nil {
			return ChatResponse{}, err
		}
		key = res.Key
	}

	resp, err := route.Provider.Chat(ctx, key, req)
	if err != nil {
		g.logger.Warn().Err(err).Str("owner_id", ownerID).Str("provider", provider).Msg("provider call failed")
		return ChatResponse{}, err
	}
	if route.StaticKey == "" {
		g.creds.Touch(ctx, ownerID, route.CredentialName)
	}
	g.logger.Debug().
		Str("owner_id", ownerID).
		Str("provider", provider).
		Str("model", resp.Model).
		Int("input_tokens", resp.Usage.InputTokens).
		Int("output_tokens", resp.Usage.OutputTokens).
		Msg("provider call complete")
	return resp, nil
}

func (g *Gateway) withDefaults(route Route, req ChatRequest) ChatRequest {
	if req.Model == "" {
		req.Model = route.DefaultModel
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = g.maxTokens
	}
	if req.Temperature == nil {
		t := g.temperature
		req.Temperature = &t
	}
	req.Messages = g.trimHistory(req.Messages)
	return req
}

// trimHistory drops the oldest non-system messages until the prompt fits the
// token budget. System messages are always kept.
func (g *Gateway) trimHistory(msgs []Message) []Message {
	if g.budget <= 0 {
		return msgs
	}
	var system, rest []Message
	for _, m := range msgs {
		if m.Role == RoleSystem {
			system = append(system, m)
		} else {
			rest = append(rest, m)
		}
	}
	budget := g.budget
	for _, m := range system {
		budget -= g.counter.Count(m.Content)
	}
	if budget < 1 {
		budget = 1
	}
	kept := tokens.Trim(g.counter, rest, budget, func(m Message) string { return m.Content })
	return append(system, kept...)
}
