// Package factory turns connection parameters into a started upstream
// transport.
package factory

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/gaspardpetit/mcpinspector/core/secret"
	"github.com/gaspardpetit/mcpinspector/internal/logx"
	"github.com/gaspardpetit/mcpinspector/internal/proxyerr"
	"github.com/gaspardpetit/mcpinspector/internal/transport"
)

// Options configure a Factory.
type Options struct {
	// DefaultEnv is the built-in environment layer, normally
	// DefaultEnvironment merged with MCP_ENV_VARS.
	DefaultEnv map[string]string
	// KillGrace is the SIGTERM to SIGKILL delay for spawned servers.
	KillGrace time.Duration
	// ConnectTimeout bounds the SSE handshake.
	ConnectTimeout time.Duration
	// Client issues SSE requests. Nil uses a default client.
	Client *http.Client
	// Environ returns the inspector's own environment. Nil uses os.Environ.
	Environ func() []string
}

// Factory creates upstream transports.
type Factory struct {
	opts Options
}

// New returns a Factory.
func New(opts Options) *Factory {
	if opts.Environ == nil {
		opts.Environ = os.Environ
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	return &Factory{opts: opts}
}

// Create builds and starts the upstream transport described by p. Errors
// are *proxyerr.Error values; nothing is left running on failure.
func (f *Factory) Create(ctx context.Context, p Params) (transport.Transport, error) {
	switch {
	case p.Type == TypeStdio && p.Stdio != nil:
		return f.createStdio(ctx, p.Stdio)
	case p.Type == TypeSSE && p.SSE != nil:
		return f.createSSE(ctx, p.SSE)
	default:
		return nil, proxyerr.Errorf(proxyerr.InvalidTransportType, "invalid transport type %q", p.Type)
	}
}

func (f *Factory) createStdio(ctx context.Context, p *StdioParams) (transport.Transport, error) {
	env := MergeEnv(f.opts.Environ(), f.opts.DefaultEnv, p.Env)
	cmd, err := ResolveCommand(p.Command, env)
	if err != nil {
		return nil, proxyerr.New(proxyerr.SpawnFailure, err)
	}
	logx.Log.Info().Str("transport", string(TypeStdio)).Str("command", cmd).Strs("args", p.Args).Msg("spawning server")
	t := transport.NewProcess(transport.ProcessConfig{
		Command:       cmd,
		Args:          p.Args,
		Env:           env,
		CaptureStderr: true,
		KillGrace:     f.opts.KillGrace,
	})
	if err := t.Start(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

func (f *Factory) createSSE(ctx context.Context, p *SSEParams) (transport.Transport, error) {
	logx.Log.Info().Str("transport", string(TypeSSE)).Str("url", p.URL).
		Interface("headers", secret.MaskHeader(p.Header)).Msg("connecting to server")
	t := transport.NewStream(transport.StreamConfig{
		URL:            p.URL,
		Header:         p.Header,
		Client:         f.opts.Client,
		ConnectTimeout: f.opts.ConnectTimeout,
	})
	if err := t.Start(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// DefaultEnv returns a copy of the built-in environment layer.
func (f *Factory) DefaultEnv() map[string]string {
	out := make(map[string]string, len(f.opts.DefaultEnv))
	for k, v := range f.opts.DefaultEnv {
		out[k] = v
	}
	return out
}
