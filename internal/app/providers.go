package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/MrWong99/luavoice/internal/config"
	"github.com/MrWong99/luavoice/internal/observe"
	"github.com/MrWong99/luavoice/internal/resilience"
	"github.com/MrWong99/luavoice/pkg/provider/tts"
	"github.com/MrWong99/luavoice/pkg/provider/tts/coqui"
	"github.com/MrWong99/luavoice/pkg/provider/tts/elevenlabs"
	"github.com/MrWong99/luavoice/pkg/provider/tts/gtts"
	"github.com/MrWong99/luavoice/pkg/provider/tts/openai"
)

// Providers holds one provider per synthesis tier. Nil means the tier is not
// configured; the engine then reports it as unavailable.
type Providers struct {
	Cloning  tts.Provider
	Standard tts.Provider

	// Basic is typically a [resilience.TTSFallback] over the configured
	// cloud providers.
	Basic tts.Provider
}

// BuiltinProviders lists the provider names registered by
// [RegisterBuiltinProviders].
var BuiltinProviders = []string{"coqui", "gtts", "openai", "elevenlabs"}

// RegisterBuiltinProviders wires all built-in TTS factories into reg.
// language is used when an entry does not set options.language.
func RegisterBuiltinProviders(reg *config.Registry, language string) {
	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		opts := []coqui.Option{coqui.WithLanguage(optString(entry.Options, "language", language))}
		if mode := optString(entry.Options, "api_mode", ""); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, coqui.WithTimeout(d))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	reg.RegisterTTS("gtts", func(entry config.ProviderEntry) (tts.Provider, error) {
		opts := []gtts.Option{gtts.WithLanguage(optString(entry.Options, "language", language))}
		if entry.BaseURL != "" {
			opts = append(opts, gtts.WithBaseURL(entry.BaseURL))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, gtts.WithTimeout(d))
		}
		return gtts.New(opts...)
	})

	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if voice := optString(entry.Options, "voice", ""); voice != "" {
			opts = append(opts, openai.WithVoice(voice))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, openai.WithTimeout(d))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format", ""); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		if voice := optString(entry.Options, "voice_id", ""); voice != "" {
			opts = append(opts, elevenlabs.WithVoice(voice))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	for _, name := range BuiltinProviders {
		slog.Debug("registered provider", "kind", "tts", "name", name)
	}
}

// BuildProviders instantiates the providers named in cfg using reg.
//
// A model tier whose provider cannot be created is left nil and logged; the
// engine will report it as unavailable. Fallback entries that fail are
// skipped. An unregistered name is a configuration error.
func BuildProviders(cfg *config.Config, reg *config.Registry) (*Providers, error) {
	ps := &Providers{}

	var err error
	if ps.Cloning, err = buildModel(reg, "cloning", withDefaultOption(cfg.Providers.Cloning, "api_mode", string(coqui.APIModeXTTS))); err != nil {
		return nil, err
	}
	if ps.Standard, err = buildModel(reg, "standard", withDefaultOption(cfg.Providers.Standard, "api_mode", string(coqui.APIModeStandard))); err != nil {
		return nil, err
	}

	breaker := resilience.CircuitBreakerConfig{
		MaxFailures:  cfg.Resilience.MaxFailures,
		ResetTimeout: cfg.Resilience.ResetTimeout,
	}
	var basic *resilience.TTSFallback
	for _, entry := range cfg.Providers.Fallback {
		p, err := reg.CreateTTS(entry)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			return nil, fmt.Errorf("app: fallback provider: %w", err)
		}
		if err != nil {
			slog.Warn("fallback provider unavailable, skipping", "name", entry.Name, "err", err)
			continue
		}
		if basic == nil {
			breaker.Name = "basic"
			breaker.OnStateChange = func(name string, _, to resilience.State) {
				observe.DefaultMetrics().RecordBreakerTransition(context.Background(), name, to.String())
			}
			basic = resilience.NewTTSFallback(p, entry.Name, resilience.FallbackConfig{CircuitBreaker: breaker})
		} else {
			basic.AddFallback(entry.Name, p)
		}
		slog.Info("provider created", "tier", "basic", "name", entry.Name)
	}
	if basic != nil {
		ps.Basic = basic
	}
	return ps, nil
}

func buildModel(reg *config.Registry, tier string, entry config.ProviderEntry) (tts.Provider, error) {
	if entry.Name == "" {
		slog.Info("provider not configured", "tier", tier)
		return nil, nil
	}
	p, err := reg.CreateTTS(entry)
	if errors.Is(err, config.ErrProviderNotRegistered) {
		return nil, fmt.Errorf("app: %s provider: %w", tier, err)
	}
	if err != nil {
		slog.Warn("provider unavailable, tier disabled", "tier", tier, "name", entry.Name, "err", err)
		return nil, nil
	}
	slog.Info("provider created", "tier", tier, "name", entry.Name)
	return p, nil
}

// withDefaultOption returns a copy of entry whose Options carry key=value
// unless key is already set.
func withDefaultOption(entry config.ProviderEntry, key, value string) config.ProviderEntry {
	if _, ok := entry.Options[key]; ok {
		return entry
	}
	opts := make(map[string]any, len(entry.Options)+1)
	maps.Copy(opts, entry.Options)
	opts[key] = value
	entry.Options = opts
	return entry
}

// optString extracts a string value from a provider Options map, returning
// def when the key is absent or not a string.
func optString(opts map[string]any, key, def string) string {
	if s, ok := opts[key].(string); ok && s != "" {
		return s
	}
	return def
}

// optDuration parses a duration option such as "30s". Integers are seconds.
func optDuration(opts map[string]any, key string) time.Duration {
	switch v := opts[key].(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			slog.Warn("invalid duration option", "key", key, "value", v, "err", err)
			return 0
		}
		return d
	case int:
		return time.Duration(v) * time.Second
	default:
		return 0
	}
}
