package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/coursechat/pkg/chaterrors"
)

const (
	ClaudeName           = "claude"
	DefaultClaudeBaseURL = "https://api.anthropic.com"
	DefaultClaudeModel   = "claude-3-5-haiku-latest"
	ClaudeAPIVersion     = "2023-06-01"
)

// Claude calls the Anthropic Messages API.
type Claude struct {
	BaseURL string
	Client  *http.Client
}

func NewClaude(baseURL string, timeout time.Duration) *Claude {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultClaudeBaseURL
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Claude{BaseURL: strings.TrimRight(baseURL, "/"), Client: &http.Client{Timeout: timeout}}
}

func (c *Claude) Name() string { return ClaudeName }

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeRequest struct {
	Model       string          `json:"model"`
	System      string          `json:"system,omitempty"`
	Messages    []claudeMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature *float64        `json:"temperature,omitempty"`
}

type claudeResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type claudeError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Claude) Chat(ctx context.Context, apiKey string, req ChatRequest) (ChatResponse, error) {
	const op = "llm.claude"
	body := claudeRequest{Model: req.Model, MaxTokens: req.MaxTokens, Temperature: req.Temperature}
	var system []string
	for _, m := range req.Messages {
		// System prompts travel in their own field.
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		body.Messages = append(body.Messages, claudeMessage{Role: m.Role, Content: m.Content})
	}
	body.System = strings.Join(system, "\n\n")
	if len(body.Messages) == 0 {
		return ChatResponse{}, chaterrors.Validation(op, "at least one user message is required")
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return ChatResponse{}, errors.Wrap(err, "encode claude request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/messages", bytes.NewReader(raw))
	if err != nil {
		return ChatResponse{}, errors.Wrap(err, "build claude request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", apiKey)
	httpReq.Header.Set("anthropic-version", ClaudeAPIVersion)

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return ChatResponse{}, providerError(err, chaterrors.KindUpstreamUnavailable, op, "")
	}
	defer func() { _ = resp.Body.Close() }()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return ChatResponse{}, providerError(err, chaterrors.KindUpstreamUnavailable, op, "")
	}

	if resp.StatusCode != http.StatusOK {
		var ce claudeError
		_ = json.Unmarshal(payload, &ce)
		msg := ce.Error.Message
		if msg == "" {
			msg = "provider returned status " + strconv.Itoa(resp.StatusCode)
		}
		return ChatResponse{}, providerError(errors.Errorf("claude status %d", resp.StatusCode), chaterrors.KindUpstreamProtocol, op, msg)
	}

	var out claudeResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return ChatResponse{}, providerError(err, chaterrors.KindUpstreamProtocol, op, "")
	}
	var text strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if strings.TrimSpace(text.String()) == "" {
		return ChatResponse{}, providerError(nil, chaterrors.KindUpstreamProtocol, op, "provider response has no content")
	}
	model := out.Model
	if model == "" {
		model = req.Model
	}
	return ChatResponse{
		Provider: ClaudeName,
		Model:    model,
		Content:  text.String(),
		Usage:    Usage{InputTokens: out.Usage.InputTokens, OutputTokens: out.Usage.OutputTokens},
	}, nil
}
