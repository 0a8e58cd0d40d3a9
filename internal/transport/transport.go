// Package transport implements the message channels the relay wires together:
// a spawned process speaking newline-delimited JSON-RPC, an outbound SSE
// stream, and the browser-facing SSE and WebSocket endpoints.
package transport

import (
	"context"
	"errors"
	"net/http"

	"github.com/gaspardpetit/mcpinspector/internal/jsonrpc"
)

// ErrClosed is returned by Send once a transport has started closing.
var ErrClosed = errors.New("transport closed")

// Transport is a bidirectional JSON-RPC message channel.
//
// Inbound messages are delivered on Messages in arrival order. The channel is
// closed exactly once when the transport ends, after which Err reports why:
// nil for a requested or clean shutdown, non-nil for a failure.
type Transport interface {
	Start(ctx context.Context) error
	Send(ctx context.Context, msg jsonrpc.Message) error
	Messages() <-chan jsonrpc.Message
	Err() error
	// Close is idempotent. It returns once the underlying resources are released.
	Close() error
	// Closing reports whether Close has started or the transport has ended.
	Closing() bool
}

// StderrSource is implemented by transports that capture a child's standard
// error. The channel is closed when the stream ends.
type StderrSource interface {
	Stderr() <-chan []byte
}

// Downstream is a browser-facing transport bound to one inbound HTTP request.
type Downstream interface {
	Transport
	SessionID() string
	// Wait blocks until the transport ends or ctx is done; in the latter case
	// the transport is closed before Wait returns.
	Wait(ctx context.Context)
}

// PostReceiver accepts client messages delivered as separate HTTP POSTs.
type PostReceiver interface {
	HandlePost(w http.ResponseWriter, r *http.Request)
}
