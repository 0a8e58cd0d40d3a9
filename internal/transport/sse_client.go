package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gaspardpetit/mcpinspector/internal/jsonrpc"
	"github.com/gaspardpetit/mcpinspector/internal/logx"
	"github.com/gaspardpetit/mcpinspector/internal/proxyerr"
)

const maxErrorBody = 64 << 10

// StreamConfig describes an upstream MCP server reached over SSE.
type StreamConfig struct {
	URL string
	// Header is sent on the stream request and on every POST.
	Header http.Header
	// Client defaults to a client without an overall timeout.
	Client *http.Client
	// ConnectTimeout bounds the wait for the endpoint event.
	ConnectTimeout time.Duration
}

// Stream is a transport that reads server messages from an event stream and
// posts client messages to the endpoint the server announces.
type Stream struct {
	cfg StreamConfig
	log zerolog.Logger

	mu       sync.Mutex
	endpoint *url.URL
	body     io.ReadCloser
	cancel   context.CancelFunc

	in        *inbox
	readDone  chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

// NewStream prepares a stream transport. No connection is made until Start.
func NewStream(cfg StreamConfig) *Stream {
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	return &Stream{
		cfg:      cfg,
		log:      logx.Log.With().Str("transport", "sse").Str("url", cfg.URL).Logger(),
		in:       newInbox(),
		readDone: make(chan struct{}),
	}
}

// Start opens the event stream and waits for the endpoint event. A 401 from
// the server is reported as AuthFailure carrying the server's status and
// body; any other failure is a ConnectFailure.
func (s *Stream) Start(ctx context.Context) error {
	var err error = proxyerr.Errorf(proxyerr.UnexpectedTransportError, "stream transport already started")
	s.startOnce.Do(func() {
		if err = s.start(ctx); err != nil {
			s.in.finish(err)
			s.Close()
		}
	})
	return err
}

func (s *Stream) start(ctx context.Context) error {
	target, err := url.Parse(s.cfg.URL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") {
		return proxyerr.Errorf(proxyerr.ConnectFailure, "invalid url %q", s.cfg.URL)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, target.String(), nil)
	if err != nil {
		return proxyerr.New(proxyerr.ConnectFailure, err)
	}
	copyHeader(req.Header, s.cfg.Header)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	timer := time.AfterFunc(s.cfg.ConnectTimeout, cancel)
	defer timer.Stop()
	stopOnCtx := context.AfterFunc(ctx, cancel)
	defer stopOnCtx()

	resp, err := s.cfg.Client.Do(req)
	if err != nil {
		return proxyerr.New(proxyerr.ConnectFailure, err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
		kind := proxyerr.ConnectFailure
		if resp.StatusCode == http.StatusUnauthorized {
			kind = proxyerr.AuthFailure
		}
		e := proxyerr.Upstream(kind, resp.StatusCode, body)
		e.ContentType = resp.Header.Get("Content-Type")
		return e
	}
	s.mu.Lock()
	s.body = resp.Body
	s.mu.Unlock()

	endpoint := make(chan *url.URL, 1)
	go s.readLoop(target, resp.Body, endpoint)

	select {
	case ep := <-endpoint:
		s.mu.Lock()
		s.endpoint = ep
		s.mu.Unlock()
		s.log.Debug().Str("endpoint", ep.String()).Msg("stream connected")
		return nil
	case <-s.readDone:
		if err := s.in.error(); err != nil {
			return proxyerr.New(proxyerr.ConnectFailure, err)
		}
		return proxyerr.Errorf(proxyerr.ConnectFailure, "stream ended before endpoint event")
	case <-streamCtx.Done():
		if ctx.Err() != nil {
			return proxyerr.New(proxyerr.ConnectFailure, ctx.Err())
		}
		return proxyerr.Errorf(proxyerr.ConnectFailure, "no endpoint event within %s", s.cfg.ConnectTimeout)
	}
}

func (s *Stream) readLoop(base *url.URL, body io.Reader, endpoint chan<- *url.URL) {
	defer close(s.readDone)
	r := newSSEReader(body)
	defer r.Close()
	announced := false
	for {
		ev, err := r.Next()
		if err != nil {
			if errors.Is(err, io.EOF) || s.in.isClosing() {
				s.in.finish(nil)
			} else {
				s.in.finish(proxyerr.New(proxyerr.UnexpectedTransportError, err))
			}
			return
		}
		switch ev.Event {
		case "endpoint":
			if announced {
				continue
			}
			ep, err := resolveEndpoint(base, ev.Data)
			if err != nil {
				s.in.finish(proxyerr.New(proxyerr.ConnectFailure, err))
				return
			}
			announced = true
			endpoint <- ep
		case "message":
			msg, err := jsonrpc.Parse([]byte(ev.Data))
			if err != nil {
				s.log.Warn().Err(err).Msg("skipping invalid message event")
				continue
			}
			if !s.in.deliver(msg) {
				s.in.finish(nil)
				return
			}
		}
	}
}

// resolveEndpoint resolves ref against base and refuses a different origin.
func resolveEndpoint(base *url.URL, ref string) (*url.URL, error) {
	u, err := base.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("endpoint %q: %w", ref, err)
	}
	if u.Scheme != base.Scheme || u.Host != base.Host {
		return nil, fmt.Errorf("endpoint origin %s://%s does not match %s://%s", u.Scheme, u.Host, base.Scheme, base.Host)
	}
	return u, nil
}

// Send posts msg to the announced endpoint.
func (s *Stream) Send(ctx context.Context, msg jsonrpc.Message) error {
	if msg.IsZero() {
		return jsonrpc.ErrInvalidMessage
	}
	s.mu.Lock()
	ep := s.endpoint
	s.mu.Unlock()
	if ep == nil || s.in.isClosing() {
		return ErrClosed
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.String(), bytes.NewReader(msg.Bytes()))
	if err != nil {
		return err
	}
	copyHeader(req.Header, s.cfg.Header)
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.cfg.Client.Do(req)
	if err != nil {
		return fmt.Errorf("post message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return proxyerr.Upstream(proxyerr.UnexpectedTransportError, resp.StatusCode, body)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Messages returns the channel of messages received on the stream.
func (s *Stream) Messages() <-chan jsonrpc.Message { return s.in.messages() }

// Err reports why the transport ended.
func (s *Stream) Err() error { return s.in.error() }

// Closing reports whether Close has started or the stream has ended.
func (s *Stream) Closing() bool { return s.in.isClosing() }

// Close aborts the stream request.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.in.stop()
		s.mu.Lock()
		cancel, body := s.cancel, s.body
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if body != nil {
			_ = body.Close()
			<-s.readDone
		}
		s.in.finish(nil)
	})
	return nil
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
