package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/mcpinspector/internal/jsonrpc"
	"github.com/gaspardpetit/mcpinspector/internal/logx"
)

// DefaultMaxMessageBytes bounds a POSTed message when no limit is configured.
const DefaultMaxMessageBytes = 4 << 20

// SSEServer is the browser-facing transport of a GET /sse request. Server
// messages are written to the open event stream; client messages arrive via
// HandlePost.
type SSEServer struct {
	id       string
	endpoint string
	maxBytes int64
	log      zerolog.Logger

	w       http.ResponseWriter
	flusher http.Flusher

	writeMu   sync.Mutex
	started   bool
	in        *inbox
	closeOnce sync.Once
}

// NewSSEServer binds a transport to w. endpoint is the path clients POST to;
// the session id is appended as the sessionId query parameter.
func NewSSEServer(w http.ResponseWriter, endpoint string, maxBytes int64) (*SSEServer, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support flushing")
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMessageBytes
	}
	id := uuid.NewString()
	return &SSEServer{
		id:       id,
		endpoint: endpoint,
		maxBytes: maxBytes,
		log:      logx.Log.With().Str("transport", "sse-server").Str("session_id", id).Logger(),
		w:        w,
		flusher:  f,
		in:       newInbox(),
	}, nil
}

// SessionID returns the identifier clients use to address this session.
func (s *SSEServer) SessionID() string { return s.id }

// Start writes the stream headers and the endpoint event.
func (s *SSEServer) Start(_ context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.started {
		return fmt.Errorf("sse session %s already started", s.id)
	}
	if s.in.isClosing() {
		return ErrClosed
	}
	s.started = true
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	s.w.WriteHeader(http.StatusOK)
	ep := s.endpoint + "?sessionId=" + url.QueryEscape(s.id)
	if err := writeSSE(s.w, "endpoint", []byte(ep)); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Send writes msg as a message event and flushes it.
func (s *SSEServer) Send(_ context.Context, msg jsonrpc.Message) error {
	if msg.IsZero() {
		return jsonrpc.ErrInvalidMessage
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if !s.started || s.in.isClosing() {
		return ErrClosed
	}
	if err := writeSSE(s.w, "message", msg.Bytes()); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	s.flusher.Flush()
	return nil
}

// HandlePost reads one JSON-RPC message from r and queues it for the relay.
// It answers 400 for unparseable bodies and 202 once the message is queued.
func (s *SSEServer) HandlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "message too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}
	msg, err := jsonrpc.Parse(body)
	if err != nil {
		s.log.Debug().Err(err).Msg("rejecting invalid message")
		http.Error(w, "Invalid message: "+err.Error(), http.StatusBadRequest)
		return
	}
	if !s.in.deliver(msg) {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	_, _ = io.WriteString(w, "Accepted")
}

// Wait blocks until the session is closed or ctx, normally the GET request
// context, is done.
func (s *SSEServer) Wait(ctx context.Context) {
	select {
	case <-ctx.Done():
		s.log.Debug().Msg("client disconnected")
		s.Close()
	case <-s.in.done:
		s.Close()
	}
}

// Messages returns the channel of messages posted by the client.
func (s *SSEServer) Messages() <-chan jsonrpc.Message { return s.in.messages() }

// Err always returns nil; a browser session only ends by disconnecting or
// being closed.
func (s *SSEServer) Err() error { return s.in.error() }

// Closing reports whether Close has started.
func (s *SSEServer) Closing() bool { return s.in.isClosing() }

// Close ends the session. No event is written after Close returns.
func (s *SSEServer) Close() error {
	s.closeOnce.Do(func() {
		s.in.stop()
		// Wait for an in-flight Send to finish with the response writer.
		s.writeMu.Lock()
		s.in.finish(nil)
		s.writeMu.Unlock()
	})
	return nil
}
