package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/mcpinspector/internal/jsonrpc"
	"github.com/gaspardpetit/mcpinspector/internal/logx"
)

// WSServer is a browser-facing transport over a single WebSocket. Each text
// frame carries one JSON-RPC message in either direction.
type WSServer struct {
	id   string
	conn *websocket.Conn
	log  zerolog.Logger

	readCtx  context.Context
	cancel   context.CancelFunc
	started  atomic.Bool
	readDone chan struct{}

	writeMu   sync.Mutex
	in        *inbox
	startOnce sync.Once
	closeOnce sync.Once
}

// AcceptWS upgrades the request. origins lists accepted Origin host
// patterns; "*" disables the origin check.
func AcceptWS(w http.ResponseWriter, r *http.Request, origins []string, maxBytes int64) (*WSServer, error) {
	opts := &websocket.AcceptOptions{OriginPatterns: origins}
	for _, o := range origins {
		if o == "*" {
			opts = &websocket.AcceptOptions{InsecureSkipVerify: true}
			break
		}
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return nil, err
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMessageBytes
	}
	conn.SetReadLimit(maxBytes)
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	return &WSServer{
		id:       id,
		conn:     conn,
		readCtx:  ctx,
		cancel:   cancel,
		log:      logx.Log.With().Str("transport", "ws-server").Str("session_id", id).Logger(),
		readDone: make(chan struct{}),
		in:       newInbox(),
	}, nil
}

// SessionID returns the session identifier.
func (s *WSServer) SessionID() string { return s.id }

// Start begins reading client frames.
func (s *WSServer) Start(_ context.Context) error {
	err := fmt.Errorf("ws session %s already started", s.id)
	s.startOnce.Do(func() {
		if s.in.isClosing() {
			err = ErrClosed
			return
		}
		s.started.Store(true)
		go s.readLoop(s.readCtx)
		err = nil
	})
	return err
}

func (s *WSServer) readLoop(ctx context.Context) {
	defer close(s.readDone)
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			var ce websocket.CloseError
			if s.in.isClosing() || errors.As(err, &ce) {
				s.in.finish(nil)
			} else {
				s.in.finish(err)
			}
			return
		}
		if typ != websocket.MessageText {
			s.log.Warn().Msg("ignoring binary frame")
			continue
		}
		msg, err := jsonrpc.Parse(data)
		if err != nil {
			s.log.Warn().Err(err).Msg("skipping invalid frame")
			continue
		}
		if !s.in.deliver(msg) {
			return
		}
	}
}

// Send writes msg as one text frame.
func (s *WSServer) Send(ctx context.Context, msg jsonrpc.Message) error {
	if msg.IsZero() {
		return jsonrpc.ErrInvalidMessage
	}
	if s.in.isClosing() {
		return ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.Write(ctx, websocket.MessageText, msg.Bytes()); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Wait blocks until the socket closes or ctx is done.
func (s *WSServer) Wait(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-s.in.done:
	}
	s.Close()
}

// Messages returns the channel of messages received from the browser.
func (s *WSServer) Messages() <-chan jsonrpc.Message { return s.in.messages() }

// Err reports an abnormal socket failure.
func (s *WSServer) Err() error { return s.in.error() }

// Closing reports whether Close has started or the socket has closed.
func (s *WSServer) Closing() bool { return s.in.isClosing() }

// Close sends a normal closure and releases the connection.
func (s *WSServer) Close() error {
	s.closeOnce.Do(func() {
		s.in.stop()
		_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.cancel()
		if s.started.Load() {
			<-s.readDone
		}
		s.in.finish(nil)
	})
	return nil
}
