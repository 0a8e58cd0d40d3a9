// Package relay wires a browser-facing transport to an upstream transport so
// that each forwards verbatim to the other.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gaspardpetit/mcpinspector/internal/logx"
	"github.com/gaspardpetit/mcpinspector/internal/metrics"
	"github.com/gaspardpetit/mcpinspector/internal/proxyerr"
	"github.com/gaspardpetit/mcpinspector/internal/transport"
)

// stderrDrainTimeout bounds how long teardown waits for a closed server's
// remaining stderr output to reach the client.
const stderrDrainTimeout = 5 * time.Second

// Options configure a Link.
type Options struct {
	SessionID string
	// OnClose runs once, after both transports are closed. err is nil when
	// the session ended by a normal close.
	OnClose func(err error)
}

// Link is a wired pair of transports.
type Link struct {
	client transport.Transport
	server transport.Transport
	opts   Options
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	once       sync.Once
	done       chan struct{}
	stderrDone chan struct{}
	err        error
}

// Wire starts forwarding between toClient and toServer. Messages from each
// side are sent on the other one at a time in arrival order. The first
// close, failure or send error on either side closes both. When toServer
// captures a child's stderr, each chunk is also forwarded to toClient as a
// stderr notification.
func Wire(toClient, toServer transport.Transport, opts Options) *Link {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Link{
		client: toClient,
		server: toServer,
		opts:   opts,
		log:    logx.Log.With().Str("session_id", opts.SessionID).Logger(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go l.forward(toClient, toServer, metrics.DirectionToServer, "client")
	go l.forward(toServer, toClient, metrics.DirectionToClient, "server")
	if src, ok := toServer.(transport.StderrSource); ok && src.Stderr() != nil {
		l.stderrDone = make(chan struct{})
		go func() {
			defer close(l.stderrDone)
			ForwardStderr(ctx, src, toClient, l.log)
		}()
	}
	return l
}

func (l *Link) forward(src, dst transport.Transport, direction, side string) {
	for msg := range src.Messages() {
		if l.ctx.Err() != nil {
			// Tearing down; let src drain.
			continue
		}
		if err := dst.Send(l.ctx, msg); err != nil {
			l.teardown(proxyerr.New(proxyerr.RelayClosed, fmt.Errorf("send %s: %w", direction, err)))
			continue
		}
		metrics.RecordForwarded(direction)
		l.log.Trace().Str("direction", direction).Str("method", msg.Method()).Str("kind", msg.Kind().String()).Msg("forwarded")
	}
	if err := src.Err(); err != nil {
		l.teardown(err)
		return
	}
	l.teardown(proxyerr.Errorf(proxyerr.RelayClosed, "%s closed", side))
}

func (l *Link) teardown(reason error) {
	l.once.Do(func() {
		l.err = reason
		ev := l.log.Info()
		if proxyerr.KindOf(reason) != proxyerr.RelayClosed {
			ev = l.log.Warn()
		}
		ev.Err(reason).Msg("relay closing")

		// The server goes first so that whatever a spawned server wrote to
		// stderr before exiting reaches the client ahead of its close.
		_ = l.server.Close()
		l.waitStderr()
		l.cancel()
		_ = l.client.Close()
		if l.opts.OnClose != nil {
			l.opts.OnClose(l.Err())
		}
		close(l.done)
	})
}

func (l *Link) waitStderr() {
	if l.stderrDone == nil {
		return
	}
	t := time.NewTimer(stderrDrainTimeout)
	defer t.Stop()
	select {
	case <-l.stderrDone:
	case <-t.C:
		l.log.Warn().Msg("stderr still open after server closed")
	}
}

// Close tears the link down as if one side had closed.
func (l *Link) Close() {
	l.teardown(proxyerr.Errorf(proxyerr.RelayClosed, "relay closed"))
	<-l.done
}

// Done is closed once both transports are closed and OnClose has returned.
func (l *Link) Done() <-chan struct{} { return l.done }

// Err returns nil when the link ended by a normal close, and the failure
// otherwise. It is only meaningful after Done is closed.
func (l *Link) Err() error {
	var e *proxyerr.Error
	if errors.As(l.err, &e) && e.Kind == proxyerr.RelayClosed {
		return nil
	}
	return l.err
}

// Reason returns what ended the link, including normal closes.
func (l *Link) Reason() error { return l.err }
