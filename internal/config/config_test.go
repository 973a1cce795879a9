package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func baseEnv() map[string]string {
	return map[string]string{
		envVarJWTSecret: "test-secret",
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(envMap(baseEnv()), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("ListenAddr = %q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.Mode != ModeDev {
		t.Fatalf("Mode = %q, want %q", cfg.Mode, ModeDev)
	}
	if cfg.DBPath != DefaultDBPath {
		t.Fatalf("DBPath = %q, want %q", cfg.DBPath, DefaultDBPath)
	}
	if cfg.TokenTTL != DefaultTokenTTL {
		t.Fatalf("TokenTTL = %v, want %v", cfg.TokenTTL, DefaultTokenTTL)
	}
	if cfg.CallPendingTimeout != DefaultCallPendingTimeout {
		t.Fatalf("CallPendingTimeout = %v, want %v", cfg.CallPendingTimeout, DefaultCallPendingTimeout)
	}
	if cfg.CallAcceptedTimeout != DefaultCallAcceptedTimeout {
		t.Fatalf("CallAcceptedTimeout = %v, want %v", cfg.CallAcceptedTimeout, DefaultCallAcceptedTimeout)
	}
	if cfg.PendingOfferTTL != DefaultPendingOfferTTL {
		t.Fatalf("PendingOfferTTL = %v, want %v", cfg.PendingOfferTTL, DefaultPendingOfferTTL)
	}
	if cfg.SearchLimit != DefaultSearchLimit {
		t.Fatalf("SearchLimit = %d, want %d", cfg.SearchLimit, DefaultSearchLimit)
	}
	if len(cfg.AllowedOrigins) != 0 {
		t.Fatalf("AllowedOrigins = %v, want empty", cfg.AllowedOrigins)
	}
}

func TestLoadMissingJWTSecret(t *testing.T) {
	_, err := load(envMap(map[string]string{}), nil)
	if err == nil {
		t.Fatal("expected error for missing jwt secret")
	}
	if !strings.Contains(err.Error(), envVarJWTSecret) {
		t.Fatalf("error %q does not name %s", err, envVarJWTSecret)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	env := baseEnv()
	env[envVarListenAddr] = "0.0.0.0:9000"
	env[envVarMode] = "prod"
	env[envVarCallPendingTimeout] = "45s"
	env[envVarAllowedOrigins] = "https://a.example, https://b.example"

	cfg, err := load(envMap(env), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:9000" {
		t.Fatalf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.Mode != ModeProd {
		t.Fatalf("Mode = %q, want prod", cfg.Mode)
	}
	if cfg.CallPendingTimeout != 45*time.Second {
		t.Fatalf("CallPendingTimeout = %v, want 45s", cfg.CallPendingTimeout)
	}
	want := []string{"https://a.example", "https://b.example"}
	if len(cfg.AllowedOrigins) != len(want) {
		t.Fatalf("AllowedOrigins = %v, want %v", cfg.AllowedOrigins, want)
	}
	for i := range want {
		if cfg.AllowedOrigins[i] != want[i] {
			t.Fatalf("AllowedOrigins[%d] = %q, want %q", i, cfg.AllowedOrigins[i], want[i])
		}
	}
}

func TestLoadFlagBeatsEnv(t *testing.T) {
	env := baseEnv()
	env[envVarListenAddr] = "0.0.0.0:9000"

	cfg, err := load(envMap(env), []string{"--listen-addr", "127.0.0.1:7000"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:7000" {
		t.Fatalf("ListenAddr = %q, want flag value", cfg.ListenAddr)
	}
}

func TestLoadModeDrivesLogDefaults(t *testing.T) {
	cfg, err := load(envMap(baseEnv()), []string{"--mode", "prod"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Fatalf("LogFormat = %q, want json in prod", cfg.LogFormat)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("LogLevel = %v, want info in prod", cfg.LogLevel)
	}

	cfg, err = load(envMap(baseEnv()), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("LogFormat = %q, want text in dev", cfg.LogFormat)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("LogLevel = %v, want debug in dev", cfg.LogLevel)
	}
}

func TestLoadExplicitLogFormatSurvivesMode(t *testing.T) {
	cfg, err := load(envMap(baseEnv()), []string{"--mode", "prod", "--log-format", "text"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("LogFormat = %q, want explicit text", cfg.LogFormat)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		args []string
	}{
		{"invalid mode", baseEnv(), []string{"--mode", "staging"}},
		{"zero token ttl", baseEnv(), []string{"--token-ttl", "0s"}},
		{"zero auth timeout", baseEnv(), []string{"--auth-timeout", "0s"}},
		{"ping >= idle", baseEnv(), []string{"--ws-ping-interval", "90s"}},
		{"zero max message bytes", baseEnv(), []string{"--max-message-bytes", "0"}},
		{"zero message rate", baseEnv(), []string{"--max-messages-per-second", "0"}},
		{"zero pending timeout", baseEnv(), []string{"--call-pending-timeout", "0s"}},
		{"zero accepted timeout", baseEnv(), []string{"--call-accepted-timeout", "0s"}},
		{"zero sweep interval", baseEnv(), []string{"--sweep-interval", "0s"}},
		{"zero offer ttl", baseEnv(), []string{"--pending-offer-ttl", "0s"}},
		{"zero search limit", baseEnv(), []string{"--search-limit", "0"}},
		{"empty db path", baseEnv(), []string{"--db-path", " "}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := load(envMap(tc.env), tc.args); err == nil {
				t.Fatalf("expected error for %s", tc.name)
			}
		})
	}
}

func TestLoadInvalidEnvDuration(t *testing.T) {
	env := baseEnv()
	env[envVarTokenTTL] = "not-a-duration"
	_, err := load(envMap(env), nil)
	if err == nil {
		t.Fatal("expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), envVarTokenTTL) {
		t.Fatalf("error %q does not name %s", err, envVarTokenTTL)
	}
}

func TestNewLogger(t *testing.T) {
	for _, format := range []LogFormat{LogFormatText, LogFormatJSON} {
		logger, err := NewLogger(Config{LogFormat: format})
		if err != nil {
			t.Fatalf("NewLogger(%q): %v", format, err)
		}
		if logger == nil {
			t.Fatalf("NewLogger(%q) returned nil", format)
		}
	}

	if _, err := NewLogger(Config{LogFormat: "xml"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}
