package config_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/luavoice/internal/config"
	"github.com/MrWong99/luavoice/pkg/audio"
	"github.com/MrWong99/luavoice/pkg/provider/tts"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":8080"
  log_level: debug
  log_file:
    path: /var/log/luavoice.log
    max_size_mb: 50
  speak_rate_limit:
    rps: 2.5
    burst: 5

voice:
  language: en
  speaker: Nova
  style: calm
  reference:
    source: voice/source.mp3
    path: voice/ref.wav

providers:
  cloning:
    name: coqui
    base_url: http://localhost:5002
    model: tts_models/multilingual/multi-dataset/xtts_v2
  standard:
    name: coqui
    base_url: http://localhost:5002
  fallback:
    - name: openai
      api_key: sk-test
      model: tts-1
    - name: gtts

cache:
  dir: /tmp/luavoice-cache
  max_age_hours: 48
  evict_interval: 30m
  redis:
    addr: localhost:6379
    db: 2
    prefix: lua

resilience:
  max_failures: 3
  reset_timeout: 15s
`

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("server.listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":8080")
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server.log_level: got %q, want %q", cfg.Server.LogLevel, config.LogDebug)
	}
	if cfg.Server.LogFile == nil || cfg.Server.LogFile.MaxSizeMB != 50 {
		t.Errorf("server.log_file: got %+v", cfg.Server.LogFile)
	}
	if cfg.Server.SpeakRateLimit.RPS != 2.5 || cfg.Server.SpeakRateLimit.Burst != 5 {
		t.Errorf("server.speak_rate_limit: got %+v", cfg.Server.SpeakRateLimit)
	}
	if cfg.Voice.Speaker != "Nova" || cfg.Voice.Language != "en" {
		t.Errorf("voice: got %+v", cfg.Voice)
	}
	if cfg.Voice.Reference.Path != "voice/ref.wav" {
		t.Errorf("voice.reference.path: got %q", cfg.Voice.Reference.Path)
	}
	if cfg.Providers.Cloning.Name != "coqui" {
		t.Errorf("providers.cloning.name: got %q, want coqui", cfg.Providers.Cloning.Name)
	}
	if len(cfg.Providers.Fallback) != 2 || cfg.Providers.Fallback[0].Name != "openai" {
		t.Fatalf("providers.fallback: got %+v", cfg.Providers.Fallback)
	}
	if cfg.Cache.EvictInterval != 30*time.Minute {
		t.Errorf("cache.evict_interval: got %s, want 30m", cfg.Cache.EvictInterval)
	}
	if cfg.Cache.MaxAge() != 48*time.Hour {
		t.Errorf("cache.MaxAge: got %s, want 48h", cfg.Cache.MaxAge())
	}
	if cfg.Cache.Redis == nil || cfg.Cache.Redis.DB != 2 || cfg.Cache.Redis.Prefix != "lua" {
		t.Errorf("cache.redis: got %+v", cfg.Cache.Redis)
	}
	if cfg.Resilience.MaxFailures != 3 || cfg.Resilience.ResetTimeout != 15*time.Second {
		t.Errorf("resilience: got %+v", cfg.Resilience)
	}
}

func TestLoadFromReader_EmptyAppliesDefaults(t *testing.T) {
	for _, doc := range []string{"", "{}"} {
		cfg, err := config.LoadFromReader(strings.NewReader(doc))
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", doc, err)
		}
		if cfg.Server.ListenAddr != config.DefaultListenAddr {
			t.Errorf("listen_addr: got %q", cfg.Server.ListenAddr)
		}
		if cfg.Server.LogLevel != config.LogInfo {
			t.Errorf("log_level: got %q", cfg.Server.LogLevel)
		}
		if cfg.Voice.Language != "pt" || cfg.Voice.Speaker != "LUA" || cfg.Voice.Style != "jarvis" {
			t.Errorf("voice defaults: got %+v", cfg.Voice)
		}
		if cfg.Voice.Reference.Path != config.DefaultReferencePath {
			t.Errorf("reference path: got %q", cfg.Voice.Reference.Path)
		}
		if len(cfg.Providers.Fallback) != 1 || cfg.Providers.Fallback[0].Name != "gtts" {
			t.Errorf("fallback default: got %+v", cfg.Providers.Fallback)
		}
		if cfg.Cache.Dir != config.DefaultCacheDir || cfg.Cache.MaxAgeHours != 24 || cfg.Cache.EvictInterval != time.Hour {
			t.Errorf("cache defaults: got %+v", cfg.Cache)
		}
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	_, err := config.LoadFromReader(strings.NewReader("server:\n  colour: blue\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load("/nonexistent/luavoice.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

// ── Registry ─────────────────────────────────────────────────────────────────

func TestRegistry_UnknownTTS(t *testing.T) {
	reg := config.NewRegistry()
	_, err := reg.CreateTTS(config.ProviderEntry{Name: "nonexistent"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("expected ErrProviderNotRegistered, got: %v", err)
	}
}

func TestRegistry_RegisteredTTS(t *testing.T) {
	reg := config.NewRegistry()
	want := &stubTTS{}
	var gotEntry config.ProviderEntry
	reg.RegisterTTS("stub", func(e config.ProviderEntry) (tts.Provider, error) {
		gotEntry = e
		return want, nil
	})
	got, err := reg.CreateTTS(config.ProviderEntry{Name: "stub", Model: "m1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Error("returned provider is not the expected instance")
	}
	if gotEntry.Model != "m1" {
		t.Errorf("factory entry model: got %q, want m1", gotEntry.Model)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	reg := config.NewRegistry()
	wantErr := errors.New("factory boom")
	reg.RegisterTTS("broken", func(e config.ProviderEntry) (tts.Provider, error) {
		return nil, wantErr
	})
	_, err := reg.CreateTTS(config.ProviderEntry{Name: "broken"})
	if !errors.Is(err, wantErr) {
		t.Errorf("expected factory error %v, got %v", wantErr, err)
	}
}

func TestRegistry_Names(t *testing.T) {
	reg := config.NewRegistry()
	factory := func(config.ProviderEntry) (tts.Provider, error) { return &stubTTS{}, nil }
	reg.RegisterTTS("gtts", factory)
	reg.RegisterTTS("coqui", factory)
	reg.RegisterTTS("gtts", factory)

	got := reg.Names()
	if !slices.Equal(got, []string{"coqui", "gtts"}) {
		t.Errorf("Names: got %v", got)
	}
}

// ── Stub implementations ──────────────────────────────────────────────────────

// stubTTS implements tts.Provider with no-op methods.
type stubTTS struct{}

func (s *stubTTS) Synthesize(_ context.Context, _ tts.Request) (audio.Clip, error) {
	return audio.Clip{}, nil
}
func (s *stubTTS) ListVoices(_ context.Context) ([]tts.VoiceProfile, error) { return nil, nil }
func (s *stubTTS) CloneVoice(_ context.Context, _ [][]byte) (*tts.VoiceProfile, error) {
	return nil, nil
}
