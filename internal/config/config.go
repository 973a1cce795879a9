package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envVarListenAddr      = "PEERLINK_LISTEN_ADDR"
	envVarMode            = "PEERLINK_MODE"
	envVarLogFormat       = "PEERLINK_LOG_FORMAT"
	envVarLogLevel        = "PEERLINK_LOG_LEVEL"
	envVarShutdownTimeout = "PEERLINK_SHUTDOWN_TIMEOUT"
	envVarAllowedOrigins  = "PEERLINK_ALLOWED_ORIGINS"

	// Persistence.
	envVarDBPath = "PEERLINK_DB_PATH"

	// Token issuance / verification.
	envVarJWTSecret = "PEERLINK_JWT_SECRET"
	envVarTokenTTL  = "PEERLINK_TOKEN_TTL"

	// WebSocket auth + hardening.
	envVarAuthTimeout          = "PEERLINK_AUTH_TIMEOUT"
	envVarWSIdleTimeout        = "PEERLINK_WS_IDLE_TIMEOUT"
	envVarWSPingInterval       = "PEERLINK_WS_PING_INTERVAL"
	envVarMaxMessageBytes      = "PEERLINK_MAX_MESSAGE_BYTES"
	envVarMaxMessagesPerSecond = "PEERLINK_MAX_MESSAGES_PER_SECOND"

	// Call lifecycle.
	envVarCallPendingTimeout  = "PEERLINK_CALL_PENDING_TIMEOUT"
	envVarCallAcceptedTimeout = "PEERLINK_CALL_ACCEPTED_TIMEOUT"
	envVarSweepInterval       = "PEERLINK_SWEEP_INTERVAL"

	// Offer buffering.
	envVarPendingOfferTTL = "PEERLINK_PENDING_OFFER_TTL"

	// Search.
	envVarSearchLimit = "PEERLINK_SEARCH_LIMIT"
)

const (
	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdown        = 15 * time.Second
	DefaultMode       Mode = ModeDev

	DefaultDBPath = "peerlink.db"

	DefaultTokenTTL = 24 * time.Hour

	DefaultAuthTimeout          = 10 * time.Second
	DefaultWSIdleTimeout        = 60 * time.Second
	DefaultWSPingInterval       = 20 * time.Second
	DefaultMaxMessageBytes      = int64(64 * 1024)
	DefaultMaxMessagesPerSecond = 50

	// The accepted window is longer than the pending window because it covers
	// the WebRTC offer/answer negotiation, not just pickup time.
	DefaultCallPendingTimeout  = 30 * time.Second
	DefaultCallAcceptedTimeout = 60 * time.Second
	DefaultSweepInterval       = 60 * time.Second

	DefaultPendingOfferTTL = 5 * time.Minute

	DefaultSearchLimit = 10
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	AllowedOrigins  []string

	DBPath string

	JWTSecret string
	TokenTTL  time.Duration

	AuthTimeout          time.Duration
	WSIdleTimeout        time.Duration
	WSPingInterval       time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	CallPendingTimeout  time.Duration
	CallAcceptedTimeout time.Duration
	SweepInterval       time.Duration

	PendingOfferTTL time.Duration

	SearchLimit int
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

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	dbPath := envOrDefault(lookup, envVarDBPath, DefaultDBPath)
	jwtSecret := envOrDefault(lookup, envVarJWTSecret, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	tokenTTL, err := envDurationOrDefault(lookup, envVarTokenTTL, DefaultTokenTTL)
	if err != nil {
		return Config{}, err
	}
	authTimeout, err := envDurationOrDefault(lookup, envVarAuthTimeout, DefaultAuthTimeout)
	if err != nil {
		return Config{}, err
	}
	wsIdleTimeout, err := envDurationOrDefault(lookup, envVarWSIdleTimeout, DefaultWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	wsPingInterval, err := envDurationOrDefault(lookup, envVarWSPingInterval, DefaultWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	callPendingTimeout, err := envDurationOrDefault(lookup, envVarCallPendingTimeout, DefaultCallPendingTimeout)
	if err != nil {
		return Config{}, err
	}
	callAcceptedTimeout, err := envDurationOrDefault(lookup, envVarCallAcceptedTimeout, DefaultCallAcceptedTimeout)
	if err != nil {
		return Config{}, err
	}
	sweepInterval, err := envDurationOrDefault(lookup, envVarSweepInterval, DefaultSweepInterval)
	if err != nil {
		return Config{}, err
	}
	pendingOfferTTL, err := envDurationOrDefault(lookup, envVarPendingOfferTTL, DefaultPendingOfferTTL)
	if err != nil {
		return Config{}, err
	}

	maxMessageBytes := DefaultMaxMessageBytes
	if raw, ok := lookup(envVarMaxMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxMessageBytes, raw, err)
		}
		maxMessageBytes = n
	}
	maxMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxMessagesPerSecond, DefaultMaxMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	searchLimit, err := envIntOrDefault(lookup, envVarSearchLimit, DefaultSearchLimit)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("peerlinkd", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port; env "+envVarListenAddr+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod (env "+envVarMode+")")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json (env "+envVarLogFormat+")")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error (env "+envVarLogLevel+")")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (env "+envVarShutdownTimeout+")")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins; empty allows all (env "+envVarAllowedOrigins+")")
	fs.StringVar(&dbPath, "db-path", dbPath, "SQLite database path (env "+envVarDBPath+")")
	fs.StringVar(&jwtSecret, "jwt-secret", jwtSecret, "HS256 secret for signaling tokens (env "+envVarJWTSecret+")")
	fs.DurationVar(&tokenTTL, "token-ttl", tokenTTL, "Issued token lifetime (env "+envVarTokenTTL+")")
	fs.DurationVar(&authTimeout, "auth-timeout", authTimeout, "Deadline for the first auth message on an unauthenticated socket (env "+envVarAuthTimeout+")")
	fs.DurationVar(&wsIdleTimeout, "ws-idle-timeout", wsIdleTimeout, "Close idle signaling connections after this duration (env "+envVarWSIdleTimeout+")")
	fs.DurationVar(&wsPingInterval, "ws-ping-interval", wsPingInterval, "Ping interval on signaling connections; must be < --ws-idle-timeout (env "+envVarWSPingInterval+")")
	fs.Int64Var(&maxMessageBytes, "max-message-bytes", maxMessageBytes, "Max inbound signaling message size in bytes (env "+envVarMaxMessageBytes+")")
	fs.IntVar(&maxMessagesPerSecond, "max-messages-per-second", maxMessagesPerSecond, "Max inbound signaling messages per second per connection (env "+envVarMaxMessagesPerSecond+")")
	fs.DurationVar(&callPendingTimeout, "call-pending-timeout", callPendingTimeout, "Expire unanswered calls after this duration (env "+envVarCallPendingTimeout+")")
	fs.DurationVar(&callAcceptedTimeout, "call-accepted-timeout", callAcceptedTimeout, "Expire accepted calls whose signaling stalls after this duration (env "+envVarCallAcceptedTimeout+")")
	fs.DurationVar(&sweepInterval, "sweep-interval", sweepInterval, "Interval between call/offer expiry sweeps (env "+envVarSweepInterval+")")
	fs.DurationVar(&pendingOfferTTL, "pending-offer-ttl", pendingOfferTTL, "Discard buffered offers for offline users after this duration (env "+envVarPendingOfferTTL+")")
	fs.IntVar(&searchLimit, "search-limit", searchLimit, "Maximum user search results (env "+envVarSearchLimit+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--shutdown-timeout must be > 0", envVarShutdownTimeout)
	}
	if strings.TrimSpace(dbPath) == "" {
		return Config{}, fmt.Errorf("%s/--db-path must not be empty", envVarDBPath)
	}
	if strings.TrimSpace(jwtSecret) == "" {
		return Config{}, fmt.Errorf("%s/--jwt-secret must be set", envVarJWTSecret)
	}
	if tokenTTL <= 0 {
		return Config{}, fmt.Errorf("%s/--token-ttl must be > 0", envVarTokenTTL)
	}
	if authTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--auth-timeout must be > 0", envVarAuthTimeout)
	}
	if wsIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--ws-idle-timeout must be > 0", envVarWSIdleTimeout)
	}
	if wsPingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--ws-ping-interval must be > 0", envVarWSPingInterval)
	}
	if wsPingInterval >= wsIdleTimeout {
		return Config{}, fmt.Errorf("%s/--ws-ping-interval must be < %s/--ws-idle-timeout", envVarWSPingInterval, envVarWSIdleTimeout)
	}
	if maxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-message-bytes must be > 0", envVarMaxMessageBytes)
	}
	if maxMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-messages-per-second must be > 0", envVarMaxMessagesPerSecond)
	}
	if callPendingTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--call-pending-timeout must be > 0", envVarCallPendingTimeout)
	}
	if callAcceptedTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--call-accepted-timeout must be > 0", envVarCallAcceptedTimeout)
	}
	if sweepInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--sweep-interval must be > 0", envVarSweepInterval)
	}
	if pendingOfferTTL <= 0 {
		return Config{}, fmt.Errorf("%s/--pending-offer-ttl must be > 0", envVarPendingOfferTTL)
	}
	if searchLimit <= 0 {
		return Config{}, fmt.Errorf("%s/--search-limit must be > 0", envVarSearchLimit)
	}

	var allowedOrigins []string
	for _, origin := range strings.Split(allowedOriginsStr, ",") {
		origin = strings.TrimSpace(origin)
		if origin != "" {
			allowedOrigins = append(allowedOrigins, origin)
		}
	}

	return Config{
		ListenAddr:      listenAddr,
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		AllowedOrigins:  allowedOrigins,

		DBPath: dbPath,

		JWTSecret: jwtSecret,
		TokenTTL:  tokenTTL,

		AuthTimeout:          authTimeout,
		WSIdleTimeout:        wsIdleTimeout,
		WSPingInterval:       wsPingInterval,
		MaxMessageBytes:      maxMessageBytes,
		MaxMessagesPerSecond: maxMessagesPerSecond,

		CallPendingTimeout:  callPendingTimeout,
		CallAcceptedTimeout: callAcceptedTimeout,
		SweepInterval:       sweepInterval,

		PendingOfferTTL: pendingOfferTTL,

		SearchLimit: searchLimit,
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
