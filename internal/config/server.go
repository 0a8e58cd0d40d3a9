package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	commoncfg "github.com/gaspardpetit/mcpinspector/core/config"
)

// ServerConfig holds configuration for the inspector proxy.
type ServerConfig struct {
	Port        int    `yaml:"port"`
	MetricsAddr string `yaml:"metrics_addr"`
	ConfigFile  string `yaml:"-"`
	LogLevel    string `yaml:"log_level"`

	// DefaultCommand and DefaultArgs prefill the inspector's connect form.
	DefaultCommand string `yaml:"default_command"`
	DefaultArgs    string `yaml:"default_args"`
	// DefaultEnv is layered over the inherited environment of every spawned
	// server, below per-request overrides.
	DefaultEnv map[string]string `yaml:"default_env"`

	AllowedOrigins     []string `yaml:"allowed_origins"`
	PassthroughHeaders []string `yaml:"passthrough_headers"`

	RedisAddr       string        `yaml:"redis_addr"`
	DrainTimeout    time.Duration `yaml:"drain_timeout"`
	KillGrace       time.Duration `yaml:"kill_grace"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	MaxMessageBytes int64         `yaml:"max_message_bytes"`
}

// SetDefaults initializes c with built-in defaults.
func (c *ServerConfig) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Port == 0 {
		c.Port = 3000
	}
	if c.AllowedOrigins == nil {
		c.AllowedOrigins = []string{"*"}
	}
	if c.PassthroughHeaders == nil {
		c.PassthroughHeaders = []string{"authorization"}
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.KillGrace == 0 {
		c.KillGrace = 2 * time.Second
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.MaxMessageBytes == 0 {
		c.MaxMessageBytes = 4 << 20
	}
	if c.ConfigFile == "" {
		c.ConfigFile = commoncfg.DefaultConfigPath("inspector.yaml")
	}
}

// ApplyEnv overlays environment variables onto the current config values.
// Only a malformed MCP_ENV_VARS is reported; other unparsable values are
// ignored.
func (c *ServerConfig) ApplyEnv() error {
	if v := commoncfg.GetEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := commoncfg.GetEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := commoncfg.GetEnv("PORT", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := commoncfg.GetEnv("METRICS_PORT", ""); v != "" {
		c.MetricsAddr = metricsAddr(v)
	}
	if v := commoncfg.GetEnv("MCP_DEFAULT_COMMAND", ""); v != "" {
		c.DefaultCommand = v
	}
	if v := commoncfg.GetEnv("MCP_DEFAULT_ARGS", ""); v != "" {
		c.DefaultArgs = v
	}
	if v := commoncfg.GetEnv("ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = commoncfg.SplitComma(v)
	}
	if v := commoncfg.GetEnv("PASSTHROUGH_HEADERS", ""); v != "" {
		c.PassthroughHeaders = commoncfg.SplitComma(strings.ToLower(v))
	}
	if v := commoncfg.GetEnv("REDIS_ADDR", ""); v != "" {
		c.RedisAddr = v
	}
	for name, dst := range map[string]*time.Duration{
		"DRAIN_TIMEOUT":   &c.DrainTimeout,
		"KILL_GRACE":      &c.KillGrace,
		"CONNECT_TIMEOUT": &c.ConnectTimeout,
	} {
		if v := commoncfg.GetEnv(name, ""); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	if v := commoncfg.GetEnv("MAX_MESSAGE_BYTES", ""); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.MaxMessageBytes = n
		}
	}
	if v := commoncfg.GetEnv("MCP_ENV_VARS", ""); v != "" {
		extra := map[string]string{}
		if err := json.Unmarshal([]byte(v), &extra); err != nil {
			return fmt.Errorf("MCP_ENV_VARS: %w", err)
		}
		if c.DefaultEnv == nil {
			c.DefaultEnv = map[string]string{}
		}
		for k, val := range extra {
			c.DefaultEnv[k] = val
		}
	}
	return nil
}

// BindFlagsFromCurrent binds command line flags using the current config values as defaults.
func (c *ServerConfig) BindFlagsFromCurrent(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "config file path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.IntVar(&c.Port, "port", c.Port, "HTTP listen port")
	fs.Func("metrics-port", "Prometheus metrics listen address or port; defaults to the main listener", func(v string) error {
		c.MetricsAddr = metricsAddr(v)
		return nil
	})
	// --env names the default command, matching the inspector launcher.
	fs.StringVar(&c.DefaultCommand, "env", c.DefaultCommand, "default MCP server command shown in the inspector")
	fs.StringVar(&c.DefaultArgs, "args", c.DefaultArgs, "default MCP server arguments shown in the inspector")
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis connection URL for server state")
	fs.DurationVar(&c.DrainTimeout, "drain-timeout", c.DrainTimeout, "time to let sessions finish on shutdown (-1 to wait indefinitely, 0 to close immediately)")
	fs.DurationVar(&c.KillGrace, "kill-grace", c.KillGrace, "delay between SIGTERM and SIGKILL when stopping a spawned server")
	fs.DurationVar(&c.ConnectTimeout, "connect-timeout", c.ConnectTimeout, "time to wait for an SSE server's endpoint event")
	fs.Int64Var(&c.MaxMessageBytes, "max-message-bytes", c.MaxMessageBytes, "largest message accepted from the browser")
	fs.Func("allowed-origins", "comma separated list of allowed CORS origins", func(v string) error {
		c.AllowedOrigins = commoncfg.SplitComma(v)
		return nil
	})
	fs.Func("passthrough-headers", "comma separated list of request headers forwarded to SSE servers", func(v string) error {
		c.PassthroughHeaders = commoncfg.SplitComma(strings.ToLower(v))
		return nil
	})
}

// LoadFile populates the config from a YAML file.
func (c *ServerConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

// ListenAddr returns the main listen address.
func (c *ServerConfig) ListenAddr() string { return fmt.Sprintf(":%d", c.Port) }

// SeparateMetrics reports whether metrics are served on their own listener.
func (c *ServerConfig) SeparateMetrics() bool {
	return c.MetricsAddr != "" && c.MetricsAddr != c.ListenAddr()
}

func metricsAddr(v string) string {
	if strings.Contains(v, ":") {
		return v
	}
	return ":" + v
}
