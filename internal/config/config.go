// Package config loads relay process configuration from environment
// variables and flags. Flags win over environment variables, which win
// over defaults.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pairlink/pairlink/internal/relay"
)

const (
	envVarListenAddr           = "PAIRLINK_LISTEN_ADDR"
	envVarLogFormat            = "PAIRLINK_LOG_FORMAT"
	envVarLogLevel             = "PAIRLINK_LOG_LEVEL"
	envVarShutdownTimeout      = "PAIRLINK_SHUTDOWN_TIMEOUT"
	envVarMaxMessageBytes      = "PAIRLINK_MAX_MESSAGE_BYTES"
	envVarMaxMessagesPerSecond = "PAIRLINK_MAX_MESSAGES_PER_SECOND"
	envVarPingInterval         = "PAIRLINK_PING_INTERVAL"
	envVarPongTimeout          = "PAIRLINK_PONG_TIMEOUT"

	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdownTimeout = 15 * time.Second
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	// ListenAddr is the HTTP listen address serving /ws, /room, /healthz,
	// /readyz, /version and /metrics.
	ListenAddr string

	LogFormat LogFormat
	LogLevel  slog.Level

	// ShutdownTimeout bounds graceful HTTP shutdown on SIGINT/SIGTERM.
	ShutdownTimeout time.Duration

	// Relay holds the signaling hardening knobs passed through to the
	// websocket handlers.
	Relay relay.Config
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	cfg := Config{
		ListenAddr:      envOrDefault(lookup, envVarListenAddr, DefaultListenAddr),
		LogFormat:       LogFormatText,
		LogLevel:        slog.LevelInfo,
		ShutdownTimeout: DefaultShutdownTimeout,
		Relay:           relay.DefaultConfig(),
	}

	if v, ok := lookup(envVarLogFormat); ok && v != "" {
		cfg.LogFormat = LogFormat(v)
	}
	if v, ok := lookup(envVarLogLevel); ok && v != "" {
		level, err := parseLogLevel(v)
		if err != nil {
			return Config{}, err
		}
		cfg.LogLevel = level
	}

	var err error
	if cfg.ShutdownTimeout, err = envDurationOrDefault(lookup, envVarShutdownTimeout, cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.Relay.MaxMessageBytes, err = envInt64OrDefault(lookup, envVarMaxMessageBytes, cfg.Relay.MaxMessageBytes); err != nil {
		return Config{}, err
	}
	if cfg.Relay.MaxMessagesPerSecond, err = envInt64OrDefault(lookup, envVarMaxMessagesPerSecond, cfg.Relay.MaxMessagesPerSecond); err != nil {
		return Config{}, err
	}
	if cfg.Relay.PingInterval, err = envDurationOrDefault(lookup, envVarPingInterval, cfg.Relay.PingInterval); err != nil {
		return Config{}, err
	}
	if cfg.Relay.PongTimeout, err = envDurationOrDefault(lookup, envVarPongTimeout, cfg.Relay.PongTimeout); err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("pairlink-relay", flag.ContinueOnError)
	listen := fs.String("listen", cfg.ListenAddr, "HTTP listen address")
	logFormat := fs.String("log-format", string(cfg.LogFormat), "log format: text or json")
	logLevel := fs.String("log-level", "", "log level: debug, info, warn, error")
	shutdown := fs.Duration("shutdown-timeout", cfg.ShutdownTimeout, "graceful shutdown timeout")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg.ListenAddr = *listen
	cfg.LogFormat = LogFormat(*logFormat)
	cfg.ShutdownTimeout = *shutdown
	if *logLevel != "" {
		level, err := parseLogLevel(*logLevel)
		if err != nil {
			return Config{}, err
		}
		cfg.LogLevel = level
	}

	switch cfg.LogFormat {
	case LogFormatText, LogFormatJSON:
	default:
		return Config{}, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}
	if cfg.ListenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}

	cfg.Relay = cfg.Relay.WithDefaults()
	return cfg, nil
}

// NewLogger builds the process logger from the loaded config.
func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}
	return slog.New(handler), nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported log level %q", s)
	}
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envInt64OrDefault(lookup func(string) (string, bool), key string, fallback int64) (int64, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
