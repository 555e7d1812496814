package llm

import (
	"context"
	"math"
	"strings"

	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"

	"github.com/go-go-golems/coursechat/pkg/chaterrors"
)

const (
	FireworksName           = "fireworks"
	DefaultFireworksBaseURL = "https://api.fireworks.ai/inference/v1"
	DefaultFireworksModel   = "accounts/fireworks/models/llama-v3p1-8b-instruct"
)

// Fireworks talks to the OpenAI-compatible Fireworks inference API.
type Fireworks struct {
	BaseURL string
}

func NewFireworks(baseURL string) *Fireworks {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultFireworksBaseURL
	}
	return &Fireworks{BaseURL: strings.TrimRight(baseURL, "/")}
}

func (f *Fireworks) Name() string { return FireworksName }

func (f *Fireworks) Chat(ctx context.Context, apiKey string, req ChatRequest) (ChatResponse, error) {
	const op = "llm.fireworks"
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = f.BaseURL
	client := openai.NewClientWithConfig(cfg)

	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	oreq := openai.ChatCompletionRequest{
		Model:     req.Model,
		Messages:  msgs,
		MaxTokens: req.MaxTokens,
	}
	if req.Temperature != nil {
		oreq.Temperature = float32(*req.Temperature)
		if oreq.Temperature == 0 {
			// go-openai omits a zero temperature from the body
			oreq.Temperature = math.SmallestNonzeroFloat32
		}
	}

	resp, err := client.CreateChatCompletion(ctx, oreq)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return ChatResponse{}, providerError(err, chaterrors.KindUpstreamProtocol, op, apiErr.Message)
		}
		var reqErr *openai.RequestError
		if errors.As(err, &reqErr) {
			return ChatResponse{}, providerError(err, chaterrors.KindUpstreamProtocol, op, "")
		}
		return ChatResponse{}, providerError(err, chaterrors.KindUpstreamUnavailable, op, "")
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return ChatResponse{}, providerError(nil, chaterrors.KindUpstreamProtocol, op, "provider response has no content")
	}
	model := resp.Model
	if model == "" {
		model = req.Model
	}
	return ChatResponse{
		Provider: FireworksName,
		Model:    model,
		Content:  resp.Choices[0].Message.Content,
		Usage:    Usage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens},
	}, nil
}
