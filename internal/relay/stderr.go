package relay

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/mcpinspector/internal/jsonrpc"
	"github.com/gaspardpetit/mcpinspector/internal/metrics"
	"github.com/gaspardpetit/mcpinspector/internal/transport"
)

// StderrMethod is the notification method carrying a child's stderr output.
const StderrMethod = "notifications/stderr"

// StderrNotification builds the notification for one stderr chunk.
func StderrNotification(chunk []byte) (jsonrpc.Message, error) {
	n := mcp.JSONRPCNotification{
		JSONRPC: mcp.JSONRPC_VERSION,
		Notification: mcp.Notification{
			Method: StderrMethod,
			Params: mcp.NotificationParams{
				AdditionalFields: map[string]any{"content": string(chunk)},
			},
		},
	}
	return jsonrpc.Encode(n)
}

// ForwardStderr sends every chunk read from src to dst as a stderr
// notification, in order, one notification per chunk. It returns once the
// stream is closed. After a failed send the remaining chunks are discarded
// so the reader feeding src never blocks.
func ForwardStderr(ctx context.Context, src transport.StderrSource, dst transport.Transport, log zerolog.Logger) {
	stopped := false
	for chunk := range src.Stderr() {
		if stopped {
			continue
		}
		msg, err := StderrNotification(chunk)
		if err != nil {
			log.Error().Err(err).Msg("encode stderr notification")
			continue
		}
		if err := dst.Send(ctx, msg); err != nil {
			log.Debug().Err(err).Msg("stderr forwarding stopped")
			stopped = true
			continue
		}
		metrics.RecordStderrChunk()
	}
}
