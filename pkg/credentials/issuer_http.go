package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/coursechat/pkg/chaterrors"
)

// HTTPIssuer calls the key-issuing endpoint with a bearer token.
type HTTPIssuer struct {
	URL    string
	Token  string
	Client *http.Client
}

func NewHTTPIssuer(url, token string, timeout time.Duration) (*HTTPIssuer, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("credentials: issuer url is empty")
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPIssuer{URL: url, Token: token, Client: &http.Client{Timeout: timeout}}, nil
}

type issueRequestBody struct {
	DisplayName string `json:"displayName"`
	OwnerID     string `json:"ownerId"`
}

type issueResponseBody struct {
	Key         string `json:"key"`
	KeyID       string `json:"keyId"`
	DisplayName string `json:"displayName"`
	Code        int    `json:"code"`
	Message     string `json:"message"`
}

// Issue posts the request and accepts only a 200 response carrying both
// key and keyId with no non-zero embedded code. Transport and status
// failures are upstream_unavailable; a 200 body that fails validation is
// upstream_protocol.
func (i *HTTPIssuer) Issue(ctx context.Context, req IssueRequest) (IssuedKey, error) {
	body, err := json.Marshal(issueRequestBody{DisplayName: req.DisplayName, OwnerID: req.OwnerID})
	if err != nil {
		return IssuedKey{}, issueError(chaterrors.KindUpstreamUnavailable, "encode issuer request: "+err.Error())
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, i.URL, bytes.NewReader(body))
	if err != nil {
		return IssuedKey{}, issueError(chaterrors.KindUpstreamUnavailable, "build issuer request: "+err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if i.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+i.Token)
	}

	client := i.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return IssuedKey{}, issueError(chaterrors.KindUpstreamUnavailable, "issuer unreachable: "+err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return IssuedKey{}, issueError(chaterrors.KindUpstreamUnavailable, "read issuer response: "+err.Error())
	}
	if resp.StatusCode != http.StatusOK {
		return IssuedKey{}, issueError(chaterrors.KindUpstreamUnavailable, fmt.Sprintf("issuer returned status %d", resp.StatusCode))
	}
	var out issueResponseBody
	if err := json.Unmarshal(raw, &out); err != nil {
		return IssuedKey{}, issueError(chaterrors.KindUpstreamProtocol, "malformed issuer response")
	}
	if out.Code != 0 {
		msg := out.Message
		if msg == "" {
			msg = "no message"
		}
		return IssuedKey{}, issueError(chaterrors.KindUpstreamProtocol, fmt.Sprintf("issuer error code %d: %s", out.Code, msg))
	}
	if out.Key == "" || out.KeyID == "" {
		return IssuedKey{}, issueError(chaterrors.KindUpstreamProtocol, "issuer response missing key or keyId")
	}
	if out.DisplayName == "" {
		out.DisplayName = req.DisplayName
	}
	return IssuedKey{Key: out.Key, KeyID: out.KeyID, DisplayName: out.DisplayName}, nil
}

// issueError classifies an issuer failure and keeps ErrProvisioningFailed in
// the chain.
func issueError(kind chaterrors.Kind, msg string) error {
	return chaterrors.Wrap(errors.Wrap(ErrProvisioningFailed, msg), kind, "credentials.issue", msg)
}
