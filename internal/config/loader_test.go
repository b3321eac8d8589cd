package config_test

import (
	"log/slog"
	"slices"
	"strings"
	"testing"

	"github.com/MrWong99/luavoice/internal/config"
)

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  log_level: verbose\n"))
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_Rejections(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		yaml    string
		wantMsg string
	}{
		{
			name:    "log file without path",
			yaml:    "server:\n  log_file:\n    max_size_mb: 10\n",
			wantMsg: "server.log_file.path",
		},
		{
			name:    "tls missing key",
			yaml:    "server:\n  tls:\n    cert_file: cert.pem\n",
			wantMsg: "server.tls",
		},
		{
			name:    "negative rate limit",
			yaml:    "server:\n  speak_rate_limit:\n    rps: -1\n",
			wantMsg: "speak_rate_limit",
		},
		{
			name:    "fallback without name",
			yaml:    "providers:\n  fallback:\n    - model: tts-1\n",
			wantMsg: "providers.fallback[0].name",
		},
		{
			name:    "reference inside cache dir",
			yaml:    "voice:\n  reference:\n    path: cache/ref.wav\ncache:\n  dir: cache\n",
			wantMsg: "must not be inside cache.dir",
		},
		{
			name:    "negative max age",
			yaml:    "cache:\n  max_age_hours: -2\n",
			wantMsg: "cache.max_age_hours",
		},
		{
			name:    "negative evict interval",
			yaml:    "cache:\n  evict_interval: -1m\n",
			wantMsg: "cache.evict_interval",
		},
		{
			name:    "redis without addr",
			yaml:    "cache:\n  redis:\n    db: 1\n",
			wantMsg: "cache.redis.addr",
		},
		{
			name:    "negative max failures",
			yaml:    "resilience:\n  max_failures: -1\n",
			wantMsg: "resilience.max_failures",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error should mention %q, got: %v", tt.wantMsg, err)
			}
		})
	}
}

func TestValidate_ReferenceOutsideCacheIsValid(t *testing.T) {
	t.Parallel()
	yaml := `
voice:
  reference:
    path: cache-ref/ref.wav
cache:
  dir: cache
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_UnknownProviderOnlyWarns(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  standard:
    name: piper
  fallback:
    - name: polly
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err != nil {
		t.Fatalf("unknown provider names should not fail validation: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
cache:
  max_age_hours: -1
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	errStr := err.Error()
	for _, want := range []string{"log_level", "max_age_hours"} {
		if !strings.Contains(errStr, want) {
			t.Errorf("error should mention %q, got: %v", want, err)
		}
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	if len(config.ValidProviderNames) == 0 {
		t.Fatal("ValidProviderNames should not be empty")
	}
	for tier, want := range map[string]string{
		"cloning":  "coqui",
		"standard": "coqui",
		"fallback": "gtts",
	} {
		if !slices.Contains(config.ValidProviderNames[tier], want) {
			t.Errorf("ValidProviderNames[%q] should contain %q", tier, want)
		}
	}
}

func TestLogLevel_SlogLevel(t *testing.T) {
	t.Parallel()
	tests := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"":              slog.LevelInfo,
	}
	for in, want := range tests {
		if got := in.SlogLevel(); got != want {
			t.Errorf("%q.SlogLevel() = %v, want %v", in, got, want)
		}
	}
}
