package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gaspardpetit/mcpinspector/internal/jsonrpc"
)

type sseHarness struct {
	mu       sync.Mutex
	sessions map[string]*SSEServer
	ready    chan *SSEServer
	closed   chan string
	srv      *httptest.Server
}

func newSSEHarness(t *testing.T) *sseHarness {
	h := &sseHarness{sessions: map[string]*SSEServer{}, ready: make(chan *SSEServer, 1), closed: make(chan string, 1)}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sse", func(w http.ResponseWriter, r *http.Request) {
		s, err := NewSSEServer(w, "/message", 64)
		if err != nil {
			t.Errorf("new sse server: %v", err)
			return
		}
		if err := s.Start(r.Context()); err != nil {
			t.Errorf("start: %v", err)
			return
		}
		h.mu.Lock()
		h.sessions[s.SessionID()] = s
		h.mu.Unlock()
		h.ready <- s
		s.Wait(r.Context())
		h.closed <- s.SessionID()
	})
	mux.HandleFunc("POST /message", func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		s := h.sessions[r.URL.Query().Get("sessionId")]
		h.mu.Unlock()
		if s == nil {
			http.Error(w, "Session not found", http.StatusNotFound)
			return
		}
		s.HandlePost(w, r)
	})
	h.srv = httptest.NewServer(mux)
	t.Cleanup(h.srv.Close)
	return h
}

func (h *sseHarness) connect(t *testing.T, ctx context.Context) (*sseReader, *SSEServer, string) {
	t.Helper()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, h.srv.URL+"/sse", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}
	r := newSSEReader(resp.Body)
	ev, err := r.Next()
	if err != nil {
		t.Fatalf("endpoint event: %v", err)
	}
	s := <-h.ready
	if ev.Event != "endpoint" || ev.Data != "/message?sessionId="+s.SessionID() {
		t.Fatalf("unexpected endpoint event %+v", ev)
	}
	return r, s, ev.Data
}

func post(t *testing.T, url, body string) (int, string) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestSSEServerRoundTrip(t *testing.T) {
	h := newSSEHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r, s, endpoint := h.connect(t, ctx)
	if err := s.Start(ctx); err == nil {
		t.Fatal("second start should fail")
	}

	status, body := post(t, h.srv.URL+endpoint, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	if status != http.StatusAccepted || body != "Accepted" {
		t.Fatalf("post: %d %q", status, body)
	}
	got := recv(t, s.Messages())
	if string(got.Bytes()) != `{"jsonrpc":"2.0","id":1,"method":"ping"}` {
		t.Fatalf("got %s", got.Bytes())
	}

	if err := s.Send(ctx, jsonrpc.MustParse(`{"jsonrpc":"2.0","id":1,"result":{}}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	ev, err := r.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if ev.Event != "message" || ev.Data != `{"jsonrpc":"2.0","id":1,"result":{}}` {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestSSEServerRejectsBadPosts(t *testing.T) {
	h := newSSEHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, _, endpoint := h.connect(t, ctx)

	cases := []struct {
		body string
		want int
	}{
		{body: `not json`, want: http.StatusBadRequest},
		{body: `{"jsonrpc":"2.0"}`, want: http.StatusBadRequest},
		{body: `[1,2,3]`, want: http.StatusBadRequest},
		{body: strings.Repeat(" ", 65) + "{}", want: http.StatusRequestEntityTooLarge},
	}
	for _, tc := range cases {
		if status, _ := post(t, h.srv.URL+endpoint, tc.body); status != tc.want {
			t.Fatalf("body %.20q: status %d want %d", tc.body, status, tc.want)
		}
	}
}

func TestSSEServerClientDisconnect(t *testing.T) {
	h := newSSEHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	_, s, endpoint := h.connect(t, ctx)
	cancel()

	select {
	case id := <-h.closed:
		if id != s.SessionID() {
			t.Fatalf("closed %s want %s", id, s.SessionID())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not return after disconnect")
	}
	if _, ok := <-s.Messages(); ok {
		t.Fatal("messages should be closed")
	}
	if err := s.Send(context.Background(), jsonrpc.MustParse(`{"jsonrpc":"2.0","method":"x"}`)); !errors.Is(err, ErrClosed) {
		t.Fatalf("send after close: %v", err)
	}
	if status, _ := post(t, h.srv.URL+endpoint, `{"jsonrpc":"2.0","method":"x"}`); status != http.StatusNotFound {
		t.Fatalf("post after close: %d", status)
	}
}
