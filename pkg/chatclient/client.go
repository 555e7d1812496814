package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/coursechat/pkg/chaterrors"
	"github.com/go-go-golems/coursechat/pkg/conversations"
	"github.com/go-go-golems/coursechat/pkg/credentials"
	chatstore "github.com/go-go-golems/coursechat/pkg/persistence/chatstore"
)

// APIError is a non-2xx response from the coursechat API.
type APIError struct {
	Status  int
	Kind    chaterrors.Kind
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api returned status %d", e.Status)
	}
	return fmt.Sprintf("api returned status %d: %s", e.Status, e.Message)
}

// Client talks to the coursechat HTTP API on behalf of one owner.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewClient(baseURL, token string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.Errorf("chatclient: invalid base url %q", baseURL)
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 0},
	}, nil
}

// HistoryEntry is one prior turn sent with a chat request.
type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body posted to the streaming proxy.
type ChatRequest struct {
	ConversationID string         `json:"conversation_id"`
	Query          string         `json:"query"`
	History        []HistoryEntry `json:"history,omitempty"`
	Provider       string         `json:"provider,omitempty"`
	APIKey         string         `json:"api_key,omitempty"`
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "encode request")
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, r)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	return req, nil
}

// do sends req and returns the response when the status is 2xx. Transport
// failures are reported as upstream_unavailable.
func (c *Client) do(req *http.Request, op string) (*http.Response, error) {
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, chaterrors.Wrap(err, chaterrors.KindUpstreamUnavailable, op, "connection failed")
	}
	if resp.StatusCode/100 == 2 {
		return resp, nil
	}
	defer resp.Body.Close()
	return nil, decodeAPIError(resp)
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body chaterrors.Body
	if json.Unmarshal(b, &body) == nil {
		apiErr.Message = body.Error
		apiErr.Kind = body.Kind
	}
	return apiErr
}

func (c *Client) doJSON(ctx context.Context, method, path, op string, in, out any) error {
	req, err := c.newRequest(ctx, method, path, in)
	if err != nil {
		return err
	}
	resp, err := c.do(req, op)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return chaterrors.Wrap(err, chaterrors.KindUpstreamProtocol, op, "malformed response")
	}
	return nil
}

func (c *Client) GetCredential(ctx context.Context, provider string) (credentials.Result, error) {
	var res credentials.Result
	err := c.doJSON(ctx, http.MethodPost, "/api/credentials/"+url.PathEscape(provider), "chatclient.credential", nil, &res)
	return res, err
}

func (c *Client) DeactivateCredential(ctx context.Context, provider string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/credentials/"+url.PathEscape(provider), "chatclient.deactivate", nil, nil)
}

func (c *Client) CreateConversation(ctx context.Context, in conversations.CreateInput) (chatstore.Conversation, error) {
	var conv chatstore.Conversation
	err := c.doJSON(ctx, http.MethodPost, "/api/conversations", "chatclient.create", in, &conv)
	return conv, err
}

func (c *Client) ListConversations(ctx context.Context) ([]chatstore.Conversation, error) {
	var out struct {
		Conversations []chatstore.Conversation `json:"conversations"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/api/conversations", "chatclient.list", nil, &out)
	return out.Conversations, err
}

func (c *Client) AppendMessage(ctx context.Context, convID string, in conversations.AppendInput) (chatstore.AppendedMessage, error) {
	var res chatstore.AppendedMessage
	path := "/api/conversations/" + url.PathEscape(convID) + "/messages"
	err := c.doJSON(ctx, http.MethodPost, path, "chatclient.append", in, &res)
	return res, err
}

func (c *Client) LoadMessages(ctx context.Context, convID string) ([]chatstore.Message, error) {
	var out struct {
		Messages []chatstore.Message `json:"messages"`
	}
	path := "/api/conversations/" + url.PathEscape(convID) + "/messages"
	err := c.doJSON(ctx, http.MethodGet, path, "chatclient.load", nil, &out)
	return out.Messages, err
}

// StreamChat posts to the streaming proxy and returns the open response body.
// The caller must close it.
func (c *Client) StreamChat(ctx context.Context, in ChatRequest) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/chat", in)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/plain")
	resp, err := c.do(req, "chatclient.stream")
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// DefaultTimeout bounds non-streaming calls made by the controller.
const DefaultTimeout = 30 * time.Second
