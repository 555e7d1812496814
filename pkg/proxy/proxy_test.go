package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/coursechat/pkg/auth"
	"github.com/go-go-golems/coursechat/pkg/chaterrors"
)

func newProxy(t *testing.T, backendURL string, mutate func(*Options)) *httptest.Server {
	t.Helper()
	opts := Options{
		Settings: Settings{BackendURL: backendURL, ConnectTimeout: time.Second, TotalTimeout: 5 * time.Second},
		Logger:   zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	h, err := New(opts)
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func countingBackend(t *testing.T, calls *atomic.Int32, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeErrorLine(t *testing.T, line string) errorEvent {
	t.Helper()
	var ev errorEvent
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(line)), &ev))
	require.True(t, ev.Error)
	require.NotEmpty(t, ev.Message)
	return ev
}

func TestProxy_RejectsNonPost(t *testing.T) {
	var calls atomic.Int32
	backend := countingBackend(t, &calls, func(http.ResponseWriter, *http.Request) {})
	srv := newProxy(t, backend.URL, nil)

	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete} {
		req, err := http.NewRequest(method, srv.URL, nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		var body chaterrors.Body
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		_ = resp.Body.Close()

		require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode, method)
		require.Equal(t, http.MethodPost, resp.Header.Get("Allow"))
		require.NotEmpty(t, body.Error)
	}
	require.Zero(t, calls.Load())
}

func TestProxy_RejectsMissingConversation(t *testing.T) {
	var calls atomic.Int32
	backend := countingBackend(t, &calls, func(http.ResponseWriter, *http.Request) {})
	srv := newProxy(t, backend.URL, nil)

	for _, body := range []string{``, `[]`, `{"query":"hi"}`, `{"conversation_id":"  "}`, `{"conversation_id":5}`, `not json`} {
		resp := post(t, srv.URL, body)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
		require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	}
	require.Zero(t, calls.Load())
}

func TestProxy_RejectsOversizedBody(t *testing.T) {
	var calls atomic.Int32
	backend := countingBackend(t, &calls, func(http.ResponseWriter, *http.Request) {})
	srv := newProxy(t, backend.URL, func(o *Options) { o.Settings.MaxBodyBytes = 32 })

	resp := post(t, srv.URL, `{"conversation_id":"c1","query":"`+strings.Repeat("x", 64)+`"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Zero(t, calls.Load())
}

func TestProxy_ForwardsBodyAndHeaders(t *testing.T) {
	var calls atomic.Int32
	var gotBody, gotOwner, gotAccept, gotRequestID string
	backend := countingBackend(t, &calls, func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotOwner = r.Header.Get(auth.OwnerHeader)
		gotAccept = r.Header.Get("Accept")
		gotRequestID = r.Header.Get(RequestIDHeader)
		_, _ = w.Write([]byte(`{"type":"done"}` + "\n"))
	})
	h, err := New(Options{Settings: Settings{BackendURL: backend.URL}, Logger: zerolog.Nop()})
	require.NoError(t, err)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeHTTP(w, r.WithContext(auth.WithOwner(r.Context(), "42")))
	}))
	defer srv.Close()

	body := `{ "thread_id": "t1", "query": "what is ATP?", "history": [] }`
	resp := post(t, srv.URL, body)
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))
	require.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))
	require.Equal(t, "no", resp.Header.Get("X-Accel-Buffering"))
	require.Equal(t, `{"type":"done"}`+"\n", string(out))
	require.Equal(t, body, gotBody)
	require.Equal(t, "42", gotOwner)
	require.Equal(t, "application/x-ndjson", gotAccept)
	require.NotEmpty(t, gotRequestID)
	require.Equal(t, gotRequestID, resp.Header.Get(RequestIDHeader))
}

func TestProxy_StreamsChunksWithoutBuffering(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	backend := countingBackend(t, &calls, func(w http.ResponseWriter, r *http.Request) {
		rc := http.NewResponseController(w)
		_, _ = w.Write([]byte(`{"content":"A"}` + "\n"))
		_ = rc.Flush()
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		time.Sleep(20 * time.Millisecond)
		_, _ = w.Write([]byte(`{"content":"B"}` + "\n"))
		_ = rc.Flush()
		time.Sleep(20 * time.Millisecond)
		_, _ = w.Write([]byte(`{"type":"done"}` + "\n"))
	})
	srv := newProxy(t, backend.URL, nil)

	resp := post(t, srv.URL, `{"conversation_id":"c1","query":"hi"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	r := bufio.NewReader(resp.Body)

	// The backend holds the rest of the stream until the first chunk has
	// reached the client.
	first, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, `{"content":"A"}`+"\n", first)
	close(release)

	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, `{"content":"B"}`+"\n"+`{"type":"done"}`+"\n", string(rest))
}

func TestProxy_UnreachableBackend(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	srv := newProxy(t, "http://"+addr+"/chat", nil)
	start := time.Now()
	resp := post(t, srv.URL, `{"conversation_id":"c1"}`)
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	require.Less(t, time.Since(start), 3*time.Second)
	lines := strings.Split(strings.TrimRight(string(out), "\n"), "\n")
	require.Len(t, lines, 1)
	ev := decodeErrorLine(t, lines[0])
	require.Equal(t, "chat service unavailable", ev.Message)
}

func TestProxy_TotalTimeout(t *testing.T) {
	var calls atomic.Int32
	backend := countingBackend(t, &calls, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})
	srv := newProxy(t, backend.URL, func(o *Options) { o.Settings.TotalTimeout = 150 * time.Millisecond })

	start := time.Now()
	resp := post(t, srv.URL, `{"conversation_id":"c1"}`)
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Less(t, time.Since(start), 2*time.Second)
	ev := decodeErrorLine(t, string(out))
	require.Equal(t, "chat service timed out", ev.Message)
}

func TestProxy_BackendErrorStatus(t *testing.T) {
	var calls atomic.Int32
	backend := countingBackend(t, &calls, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})
	srv := newProxy(t, backend.URL, nil)

	resp := post(t, srv.URL, `{"conversation_id":"c1"}`)
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ev := decodeErrorLine(t, string(out))
	require.Contains(t, ev.Message, "503")
	require.Equal(t, int32(1), calls.Load())
}

func TestProxy_MidStreamFailureEndsWithOneErrorEvent(t *testing.T) {
	var calls atomic.Int32
	backend := countingBackend(t, &calls, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"content":"par`))
		_ = http.NewResponseController(w).Flush()
		conn, _, err := http.NewResponseController(w).Hijack()
		if !assert.NoError(t, err) {
			return
		}
		_ = conn.Close()
	})
	srv := newProxy(t, backend.URL, nil)

	resp := post(t, srv.URL, `{"conversation_id":"c1"}`)
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(string(out), "\n"), "\n")
	require.Len(t, lines, 2)
	require.Equal(t, `{"content":"par`, lines[0])
	ev := decodeErrorLine(t, lines[1])
	require.Equal(t, "chat stream interrupted", ev.Message)
}

func TestProxy_ClientDisconnectAbortsBackend(t *testing.T) {
	aborted := make(chan struct{})
	var calls atomic.Int32
	backend := countingBackend(t, &calls, func(w http.ResponseWriter, r *http.Request) {
		rc := http.NewResponseController(w)
		for {
			if _, err := w.Write([]byte(`{"content":"x"}` + "\n")); err != nil {
				close(aborted)
				return
			}
			_ = rc.Flush()
			select {
			case <-r.Context().Done():
				close(aborted)
				return
			case <-time.After(10 * time.Millisecond):
			}
		}
	})
	srv := newProxy(t, backend.URL, nil)

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL, strings.NewReader(`{"conversation_id":"c1"}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_, err = bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	cancel()
	_ = resp.Body.Close()

	select {
	case <-aborted:
	case <-time.After(3 * time.Second):
		t.Fatal("backend call was not aborted after client disconnect")
	}
}

type denyAuthorizer struct{ calls atomic.Int32 }

func (d *denyAuthorizer) Authorize(_ context.Context, ownerID, convID string) error {
	d.calls.Add(1)
	if ownerID == "42" && convID == "mine" {
		return nil
	}
	return chaterrors.NotFound("conversations.get", "conversation not found")
}

func TestProxy_ConversationAuthorizer(t *testing.T) {
	var calls atomic.Int32
	backend := countingBackend(t, &calls, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("{}\n"))
	})
	authz := &denyAuthorizer{}
	h, err := New(Options{
		Settings:   Settings{BackendURL: backend.URL, RequireConversation: true},
		Authorizer: authz,
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if owner := r.Header.Get("X-Test-Owner"); owner != "" {
			r = r.WithContext(auth.WithOwner(r.Context(), owner))
		}
		h.ServeHTTP(w, r)
	}))
	defer srv.Close()

	send := func(owner, body string) *http.Response {
		req, err := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader(body))
		require.NoError(t, err)
		if owner != "" {
			req.Header.Set("X-Test-Owner", owner)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		return resp
	}

	require.Equal(t, http.StatusUnauthorized, send("", `{"conversation_id":"mine"}`).StatusCode)
	require.Equal(t, http.StatusNotFound, send("43", `{"conversation_id":"mine"}`).StatusCode)
	require.Zero(t, calls.Load())
	require.Equal(t, http.StatusOK, send("42", `{"conversation_id":"mine"}`).StatusCode)
	require.Equal(t, int32(1), calls.Load())
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{})
	require.ErrorContains(t, err, "backend-url")
	_, err = New(Options{Settings: Settings{BackendURL: "http://x", RequireConversation: true}})
	require.ErrorContains(t, err, "authorizer")
}
