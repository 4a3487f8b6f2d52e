// Package config loads runtime configuration for the call core and the
// signaling server from environment variables, with flag overrides. Env
// values become flag defaults, so flags always win.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarListenAddr      = "DIALTONE_LISTEN_ADDR"
	envVarSignalingURL    = "DIALTONE_SIGNALING_URL"
	envVarDBPath          = "DIALTONE_DB_PATH"
	envVarMode            = "DIALTONE_MODE"
	envVarLogFormat       = "DIALTONE_LOG_FORMAT"
	envVarLogLevel        = "DIALTONE_LOG_LEVEL"
	envVarShutdownTimeout = "DIALTONE_SHUTDOWN_TIMEOUT"

	// Call session knobs.
	envVarConnectTimeout        = "DIALTONE_CONNECT_TIMEOUT"
	envVarSendQueueLimit        = "DIALTONE_SEND_QUEUE_LIMIT"
	envVarMaxReconnectAttempts  = "DIALTONE_MAX_RECONNECT_ATTEMPTS"
	envVarReconnectBackoff      = "DIALTONE_RECONNECT_BACKOFF"
	envVarDisconnectedGrace     = "DIALTONE_DISCONNECTED_GRACE"
	envVarQualityPollInterval   = "DIALTONE_QUALITY_POLL_INTERVAL"
	envVarCriticalQualityWindow = "DIALTONE_CRITICAL_QUALITY_WINDOW"
	envVarWatchInterval         = "DIALTONE_WATCH_INTERVAL"

	// WebSocket signaling hardening.
	envVarMaxSignalingMessageBytes      = "DIALTONE_MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "DIALTONE_MAX_SIGNALING_MESSAGES_PER_SECOND"
)

const (
	DefaultListenAddr   = "127.0.0.1:8486"
	DefaultSignalingURL = "ws://127.0.0.1:8486"
	DefaultDBPath       = "dialtone.db"

	DefaultShutdownTimeout = 15 * time.Second

	// Transport connect resolves to failure after this long instead of
	// hanging; setup failures are surfaced to the caller, not retried.
	DefaultConnectTimeout = 10 * time.Second

	// Messages submitted before the channel reports ready are queued up to
	// this bound; the queue exists for call setup races, not bulk traffic.
	DefaultSendQueueLimit = 256

	DefaultMaxReconnectAttempts  = 3
	DefaultReconnectBackoff      = 2 * time.Second
	DefaultDisconnectedGrace     = 5 * time.Second
	DefaultQualityPollInterval   = 2 * time.Second
	DefaultCriticalQualityWindow = 10 * time.Second
	DefaultWatchInterval         = 500 * time.Millisecond

	DefaultMaxSignalingMessageBytes      = 64 * 1024
	DefaultMaxSignalingMessagesPerSecond = 50
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"

	DefaultMode = ModeDev
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	// ListenAddr is the signaling server's HTTP listen address.
	ListenAddr string

	// SignalingURL is the base URL clients dial for the per-call WebSocket
	// channel (ws:// or wss://).
	SignalingURL string

	// DBPath is the SQLite database file backing call records and the
	// durable signaling log.
	DBPath string

	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	ConnectTimeout        time.Duration
	SendQueueLimit        int
	MaxReconnectAttempts  int
	ReconnectBackoff      time.Duration
	DisconnectedGrace     time.Duration
	QualityPollInterval   time.Duration
	CriticalQualityWindow time.Duration
	WatchInterval         time.Duration

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int

	// ICEServers is the externally supplied STUN/TURN list handed to the
	// media engine. The call core treats it as opaque configuration.
	ICEServers []webrtc.ICEServer
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	logFormatDefault := envOrDefault(lookup, envVarLogFormat, defaultLogFormatForMode(modeDefault))
	logLevelDefault := envOrDefault(lookup, envVarLogLevel, defaultLogLevelForMode(modeDefault))

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	signalingURL := envOrDefault(lookup, envVarSignalingURL, DefaultSignalingURL)
	dbPath := envOrDefault(lookup, envVarDBPath, DefaultDBPath)
	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	connectTimeout, err := envDurationOrDefault(lookup, envVarConnectTimeout, DefaultConnectTimeout)
	if err != nil {
		return Config{}, err
	}
	reconnectBackoff, err := envDurationOrDefault(lookup, envVarReconnectBackoff, DefaultReconnectBackoff)
	if err != nil {
		return Config{}, err
	}
	disconnectedGrace, err := envDurationOrDefault(lookup, envVarDisconnectedGrace, DefaultDisconnectedGrace)
	if err != nil {
		return Config{}, err
	}
	qualityPollInterval, err := envDurationOrDefault(lookup, envVarQualityPollInterval, DefaultQualityPollInterval)
	if err != nil {
		return Config{}, err
	}
	criticalQualityWindow, err := envDurationOrDefault(lookup, envVarCriticalQualityWindow, DefaultCriticalQualityWindow)
	if err != nil {
		return Config{}, err
	}
	watchInterval, err := envDurationOrDefault(lookup, envVarWatchInterval, DefaultWatchInterval)
	if err != nil {
		return Config{}, err
	}

	sendQueueLimit, err := envIntOrDefault(lookup, envVarSendQueueLimit, DefaultSendQueueLimit)
	if err != nil {
		return Config{}, err
	}
	maxReconnectAttempts, err := envIntOrDefault(lookup, envVarMaxReconnectAttempts, DefaultMaxReconnectAttempts)
	if err != nil {
		return Config{}, err
	}
	maxSignalingMessageBytes, err := envIntOrDefault(lookup, envVarMaxSignalingMessageBytes, DefaultMaxSignalingMessageBytes)
	if err != nil {
		return Config{}, err
	}
	maxSignalingMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("dialtone", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port; env "+envVarListenAddr+")")
	fs.StringVar(&signalingURL, "signaling-url", signalingURL, "Base URL for the per-call signaling WebSocket (env "+envVarSignalingURL+")")
	fs.StringVar(&dbPath, "db-path", dbPath, "SQLite database path for call records and the signaling log (env "+envVarDBPath+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.DurationVar(&connectTimeout, "connect-timeout", connectTimeout, "Signaling transport connect timeout (env "+envVarConnectTimeout+")")
	fs.IntVar(&sendQueueLimit, "send-queue-limit", sendQueueLimit, "Max messages queued before the signaling channel is ready (env "+envVarSendQueueLimit+")")
	fs.IntVar(&maxReconnectAttempts, "max-reconnect-attempts", maxReconnectAttempts, "Automatic reconnection attempts before surfacing failure (env "+envVarMaxReconnectAttempts+")")
	fs.DurationVar(&reconnectBackoff, "reconnect-backoff", reconnectBackoff, "Fixed delay between reconnection attempts (env "+envVarReconnectBackoff+")")
	fs.DurationVar(&disconnectedGrace, "disconnected-grace", disconnectedGrace, "Grace period before a disconnected link triggers reconnection (env "+envVarDisconnectedGrace+")")
	fs.DurationVar(&qualityPollInterval, "quality-poll-interval", qualityPollInterval, "Connection quality sampling interval while connected (env "+envVarQualityPollInterval+")")
	fs.DurationVar(&criticalQualityWindow, "critical-quality-window", criticalQualityWindow, "Sustained critical quality duration that triggers reconnection (env "+envVarCriticalQualityWindow+")")
	fs.DurationVar(&watchInterval, "watch-interval", watchInterval, "Call record polling interval for status observation (env "+envVarWatchInterval+")")
	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config (env "+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "Comma-separated STUN URLs (env "+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "Comma-separated TURN URLs (env "+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username (env "+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential (env "+envTurnCredential+")")
	fs.IntVar(&maxSignalingMessageBytes, "max-signaling-message-bytes", maxSignalingMessageBytes, "Max inbound signaling WS message size in bytes (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&maxSignalingMessagesPerSecond, "max-signaling-messages-per-second", maxSignalingMessagesPerSecond, "Max inbound signaling WS messages per second (env "+envVarMaxSignalingMessagesPerSecond+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential)
	if err != nil {
		return Config{}, err
	}

	if sendQueueLimit <= 0 {
		return Config{}, fmt.Errorf("send queue limit must be positive, got %d", sendQueueLimit)
	}
	if maxReconnectAttempts < 0 {
		return Config{}, fmt.Errorf("max reconnect attempts must be >= 0, got %d", maxReconnectAttempts)
	}

	return Config{
		ListenAddr:      listenAddr,
		SignalingURL:    strings.TrimRight(signalingURL, "/"),
		DBPath:          dbPath,
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		ShutdownTimeout: shutdownTimeout,

		ConnectTimeout:        connectTimeout,
		SendQueueLimit:        sendQueueLimit,
		MaxReconnectAttempts:  maxReconnectAttempts,
		ReconnectBackoff:      reconnectBackoff,
		DisconnectedGrace:     disconnectedGrace,
		QualityPollInterval:   qualityPollInterval,
		CriticalQualityWindow: criticalQualityWindow,
		WatchInterval:         watchInterval,

		MaxSignalingMessageBytes:      int64(maxSignalingMessageBytes),
		MaxSignalingMessagesPerSecond: maxSignalingMessagesPerSecond,

		ICEServers: iceServers,
	}, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

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

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
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
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}
