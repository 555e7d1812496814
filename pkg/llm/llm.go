// Package llm calls hosted chat-completion providers on behalf of an owner.
package llm

import (
	"context"
	"strings"

	"github.com/go-go-golems/coursechat/pkg/chaterrors"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"

	DefaultMaxTokens   = 1024
	DefaultTemperature = 0.7
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the provider-neutral request accepted by the gateway.
type ChatRequest struct {
	Model       string    `json:"model,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

func (r ChatRequest) Validate() error {
	const op = "llm.chat"
	if len(r.Messages) == 0 {
		return chaterrors.Validation(op, "messages are required")
	}
	for _, m := range r.Messages {
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant:
		default:
			return chaterrors.Validation(op, "message role must be system, user or assistant")
		}
		if strings.TrimSpace(m.Content) == "" {
			return chaterrors.Validation(op, "message content is required")
		}
	}
	if r.MaxTokens < 0 {
		return chaterrors.Validation(op, "max_tokens must not be negative")
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return chaterrors.Validation(op, "temperature must be between 0 and 2")
	}
	return nil
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type ChatResponse struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Content  string `json:"content"`
	Usage    Usage  `json:"usage"`
}

// Provider performs one chat completion with the given API key. Requests
// reaching a provider carry a model, max tokens and temperature.
type Provider interface {
	Name() string
	Chat(ctx context.Context, apiKey string, req ChatRequest) (ChatResponse, error)
}

// providerError classifies a provider failure, keeping the provider's own
// message for the client when there is one.
func providerError(err error, kind chaterrors.Kind, op, providerMsg string) error {
	msg := strings.TrimSpace(providerMsg)
	if msg == "" {
		if kind == chaterrors.KindUpstreamUnavailable {
			msg = "provider unavailable"
		} else {
			msg = "provider returned an invalid response"
		}
	}
	if err == nil {
		return chaterrors.E(kind, op, msg)
	}
	return chaterrors.Wrap(err, kind, op, msg)
}
