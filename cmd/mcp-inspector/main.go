package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gaspardpetit/mcpinspector/internal/config"
	"github.com/gaspardpetit/mcpinspector/internal/factory"
	"github.com/gaspardpetit/mcpinspector/internal/logx"
	"github.com/gaspardpetit/mcpinspector/internal/metrics"
	"github.com/gaspardpetit/mcpinspector/internal/server"
	"github.com/gaspardpetit/mcpinspector/internal/serverstate"
	"github.com/gaspardpetit/mcpinspector/internal/session"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

// configFlag returns the value of --config from args, if present. The file
// must be loaded before the remaining flags are applied over it.
func configFlag(args []string) string {
	for i, a := range args {
		name, val, hasVal := strings.Cut(strings.TrimLeft(a, "-"), "=")
		if !strings.HasPrefix(a, "-") || name != "config" {
			continue
		}
		if hasVal {
			return val
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func main() {
	var cfg config.ServerConfig
	cfg.SetDefaults()
	if v := os.Getenv("CONFIG_FILE"); v != "" {
		cfg.ConfigFile = v
	}
	if v := configFlag(os.Args[1:]); v != "" {
		cfg.ConfigFile = v
	}
	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		logx.Log.Fatal().Err(err).Msg("read environment")
	}

	showVersion := flag.Bool("version", false, "print version and exit")
	cfg.BindFlagsFromCurrent(flag.CommandLine)
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "mcp-inspector version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		fmt.Printf("mcp-inspector version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}
	logx.Configure(cfg.LogLevel)

	if cfg.RedisAddr != "" {
		rs, err := serverstate.NewRedisStore(context.Background(), cfg.RedisAddr, serverstate.DefaultRedisKey)
		if err != nil {
			logx.Log.Fatal().Err(err).Msg("connect redis")
		}
		defer func() { _ = rs.Close() }()
		serverstate.UseStore(rs)
		logx.Log.Info().Str("addr", cfg.RedisAddr).Msg("using redis state store")
	}

	defaultEnv := factory.DefaultEnvironment()
	for k, v := range cfg.DefaultEnv {
		defaultEnv[k] = v
	}
	fac := factory.New(factory.Options{
		DefaultEnv:     defaultEnv,
		KillGrace:      cfg.KillGrace,
		ConnectTimeout: cfg.ConnectTimeout,
	})
	reg := session.NewRegistry()
	handler := server.New(cfg, reg, fac)
	metrics.SetBuildInfo(version, buildSHA, buildDate)

	ln, err := server.Listen(cfg.ListenAddr())
	if err != nil {
		if errors.Is(err, server.ErrAddrInUse) {
			logx.Log.Fatal().Int("port", cfg.Port).Msg("port already in use")
		}
		logx.Log.Fatal().Err(err).Msg("listen")
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	var metricsSrv *http.Server
	if cfg.SeparateMetrics() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", server.MetricsHandler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigCh {
			if serverstate.IsDraining() || cfg.DrainTimeout == 0 || reg.Len() == 0 {
				logx.Log.Warn().Msg("termination requested")
				cancel()
				return
			}
			serverstate.StartDrain()
			logx.Log.Info().Dur("timeout", cfg.DrainTimeout).Int("sessions", reg.Len()).Msg("draining; send SIGTERM again to terminate immediately")
			go waitDrained(ctx, reg, cfg.DrainTimeout, cancel)
		}
	}()
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		// Sessions hold their requests open; end them first so Shutdown can finish.
		reg.CloseAll()
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logx.Log.Error().Err(err).Msg("server shutdown")
		}
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
				logx.Log.Error().Err(err).Msg("metrics server shutdown")
			}
		}
	}()

	if metricsSrv != nil {
		go func() {
			logx.Log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server starting")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logx.Log.Error().Err(err).Msg("metrics server error")
			}
		}()
	}
	serverstate.SetState(serverstate.StatusReady)
	logx.Log.Info().Int("port", cfg.Port).Str("version", version).Msg("inspector proxy listening")
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		logx.Log.Fatal().Err(err).Msg("server error")
	}
	<-stopped
	serverstate.SetState(serverstate.StatusNotReady)
}

// waitDrained cancels once every session has ended or timeout elapses. A
// negative timeout waits for the sessions indefinitely.
func waitDrained(ctx context.Context, reg *session.Registry, timeout time.Duration, cancel context.CancelFunc) {
	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			logx.Log.Warn().Int("sessions", reg.Len()).Msg("drain timeout exceeded; terminating")
			cancel()
			return
		case <-tick.C:
			if reg.Len() == 0 {
				logx.Log.Info().Msg("all sessions closed")
				cancel()
				return
			}
		}
	}
}
