package webchat_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/coursechat/pkg/auth"
	"github.com/go-go-golems/coursechat/pkg/config"
	"github.com/go-go-golems/coursechat/pkg/events"
	webchat "github.com/go-go-golems/coursechat/pkg/webchat"
)

const testSecret = "test-secret"

type fixture struct {
	app        *webchat.App
	srv        *httptest.Server
	ragCalls   *atomic.Int32
	issueCalls *atomic.Int32
	lastOwner  *atomic.Value
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{ragCalls: &atomic.Int32{}, issueCalls: &atomic.Int32{}, lastOwner: &atomic.Value{}}

	rag := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.ragCalls.Add(1)
		f.lastOwner.Store(r.Header.Get(auth.OwnerHeader))
		_, _ = io.Copy(io.Discard, r.Body)
		_, _ = w.Write([]byte(`{"content":"Hello"}` + "\n" + `{"type":"done"}` + "\n"))
	}))
	t.Cleanup(rag.Close)

	issuer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := f.issueCalls.Add(1)
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"key": fmt.Sprintf("fw-key-%d", n), "keyId": fmt.Sprintf("kid-%d", n), "displayName": body["displayName"],
		})
	}))
	t.Cleanup(issuer.Close)

	fireworks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fw-key-1" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"message":"bad key"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"x","model":"llama","choices":[{"index":0,"message":{"role":"assistant","content":"Photosynthesis."}}],"usage":{"prompt_tokens":3,"completion_tokens":1}}`))
	}))
	t.Cleanup(fireworks.Close)

	s := config.Default()
	s.Database.Path = filepath.Join(t.TempDir(), "chat.db")
	s.Proxy.BackendURL = rag.URL
	s.Proxy.RequireConversation = true
	s.Credentials.IssuerURL = issuer.URL
	s.Auth.JWTSecret = testSecret
	s.LLM.FireworksBaseURL = fireworks.URL

	app, err := webchat.BuildApp(s, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	f.app = app
	f.srv = httptest.NewServer(app.Handler)
	t.Cleanup(f.srv.Close)
	return f
}

func token(t *testing.T, owner string) string {
	t.Helper()
	tok, err := auth.SignToken(testSecret, owner)
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(t *testing.T, owner, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	if owner != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, owner))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, out
}

func TestRouter_HealthzIsPublic(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, "", http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestRouter_RejectsAnonymousWithoutExternalCalls(t *testing.T) {
	f := newFixture(t)
	for _, tc := range []struct{ method, path, body string }{
		{http.MethodPost, "/api/chat", `{"conversation_id":"c1"}`},
		{http.MethodGet, "/api/conversations", ""},
		{http.MethodPost, "/api/credentials/fireworks", ""},
		{http.MethodPost, "/api/llm/fireworks/chat", `{"messages":[{"role":"user","content":"hi"}]}`},
	} {
		resp, body := f.do(t, "", tc.method, tc.path, tc.body)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode, tc.path)
		require.Contains(t, string(body), `"kind":"unauthorized"`)
	}
	require.Zero(t, f.ragCalls.Load())
	require.Zero(t, f.issueCalls.Load())
}

func TestRouter_ConversationLifecycle(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, "42", http.MethodPost, "/api/conversations", `{"conversation_id":"c1","title":"Cells","metadata":{"course":101}}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	resp, _ = f.do(t, "42", http.MethodPost, "/api/conversations", `{"conversation_id":"c1"}`)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = f.do(t, "42", http.MethodPost, "/api/conversations", `{"title":"no id"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.do(t, "42", http.MethodPatch, "/api/conversations/c1", `{"title":"Cell biology"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var conv map[string]any
	require.NoError(t, json.Unmarshal(body, &conv))
	require.Equal(t, "Cell biology", conv["title"])
	require.Equal(t, map[string]any{"course": float64(101)}, conv["metadata"])

	// another owner sees nothing
	resp, _ = f.do(t, "43", http.MethodGet, "/api/conversations/c1", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = f.do(t, "43", http.MethodPatch, "/api/conversations/c1", `{"title":"mine now"}`)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = f.do(t, "42", http.MethodPost, "/api/conversations/c1/messages", `{"type":"user","content":"What is a cell?"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	resp, body = f.do(t, "42", http.MethodPost, "/api/conversations/c1/messages", `{"type":"assistant","content":"The unit of life."}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var appended map[string]any
	require.NoError(t, json.Unmarshal(body, &appended))
	require.EqualValues(t, 2, appended["sequence_number"])

	resp, _ = f.do(t, "42", http.MethodPost, "/api/conversations/c1/messages", `{"type":"system","content":"x"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.do(t, "42", http.MethodGet, "/api/conversations/c1/messages", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list webchat.MessageList
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.Messages, 2)
	require.Equal(t, "What is a cell?", list.Messages[0].Content)

	resp, _ = f.do(t, "42", http.MethodDelete, "/api/conversations/c1", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, body = f.do(t, "42", http.MethodGet, "/api/conversations", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"conversations":[]}`, string(body))

	// messages are retained after a soft delete
	msgs, err := f.app.Store.LoadMessages(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
}

func TestRouter_ChatProxy(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, "42", http.MethodPost, "/api/conversations", `{"conversation_id":"c1"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := f.do(t, "42", http.MethodGet, "/api/chat", "")
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	require.Equal(t, http.MethodPost, resp.Header.Get("Allow"))
	require.Contains(t, string(body), `"error"`)

	// the method check does not depend on a token
	resp, _ = f.do(t, "", http.MethodGet, "/api/chat", "")
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	resp, _ = f.do(t, "", http.MethodPut, "/api/chat", `{"query":"hi"}`)
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	resp, _ = f.do(t, "", http.MethodPost, "/api/chat", `{"conversation_id":"c1","query":"hi"}`)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(t, "43", http.MethodPost, "/api/chat", `{"conversation_id":"c1","query":"hi"}`)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Zero(t, f.ragCalls.Load())

	resp, body = f.do(t, "42", http.MethodPost, "/api/chat", `{"conversation_id":"c1","query":"hi"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))
	require.Equal(t, `{"content":"Hello"}`+"\n"+`{"type":"done"}`+"\n", string(body))
	require.Equal(t, "42", f.lastOwner.Load())
}

func TestRouter_CredentialsAndLLM(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, "42", http.MethodPost, "/api/credentials/fireworks", "")
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	require.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	require.JSONEq(t, `{"key":"fw-key-1","display_name":"lms-user-42","existed":false}`, string(body))

	resp, body = f.do(t, "42", http.MethodPost, "/api/credentials/fireworks", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), `"existed":true`)
	require.Equal(t, int32(1), f.issueCalls.Load())

	resp, body = f.do(t, "42", http.MethodPost, "/api/llm/fireworks/chat", `{"messages":[{"role":"user","content":"What is photosynthesis?"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.Contains(t, string(body), `"content":"Photosynthesis."`)

	resp, _ = f.do(t, "42", http.MethodPost, "/api/llm/mystery/chat", `{"messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	// a second owner gets its own key, which the provider rejects
	resp, body = f.do(t, "43", http.MethodPost, "/api/llm/fireworks/chat", `{"messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	require.JSONEq(t, `{"error":"bad key","kind":"upstream_protocol"}`, string(body))

	resp, _ = f.do(t, "42", http.MethodDelete, "/api/credentials/fireworks", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = f.do(t, "42", http.MethodDelete, "/api/credentials/fireworks", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRouter_WebSocketRelaysConversationEvents(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, "42", http.MethodPost, "/api/conversations", `{"conversation_id":"c1"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws?conv_id=c1&token=" + token(t, "42")

	_, denied, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(f.srv.URL, "http")+"/ws?conv_id=c1&token="+token(t, "43"), nil)
	require.Error(t, err)
	require.Equal(t, http.StatusNotFound, denied.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	_, hello, err := conn.ReadMessage()
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"hello","conversation_id":"c1"}`, string(hello))

	resp, _ = f.do(t, "42", http.MethodPost, "/api/conversations/c1/messages", `{"type":"user","content":"hi"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev events.ConversationEvent
	require.NoError(t, json.Unmarshal(frame, &ev))
	require.Equal(t, events.EventMessageAppended, ev.Type)
	require.Equal(t, int64(1), ev.SequenceNumber)
	require.Equal(t, "42", ev.OwnerID)
}

type closeRecorder struct{ closed atomic.Bool }

func (c *closeRecorder) Close() error {
	c.closed.Store(true)
	return nil
}

func TestServer_ServeStopsOnContextCancel(t *testing.T) {
	rec := &closeRecorder{}
	srv, err := webchat.NewServer(webchat.ServerOptions{
		Handler:         http.NotFoundHandler(),
		ShutdownTimeout: time.Second,
		Closers:         []io.Closer{rec},
	})
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusNotFound
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
	require.True(t, rec.closed.Load())
}
