// Package config provides the configuration schema, loader, and provider registry
// for the luavoice speech service.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the luavoice server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l to the matching [slog.Level]. Unknown levels map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr    = ":5000"
	DefaultLanguage      = "pt"
	DefaultSpeaker       = "LUA"
	DefaultStyle         = "jarvis"
	DefaultReferencePath = "voice/reference_voice.wav"
	DefaultCacheDir      = "cache"
	DefaultMaxAgeHours   = 24
	DefaultEvictInterval = time.Hour
	DefaultFallback      = "gtts"
)

// Config is the root configuration structure for luavoice.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Voice      VoiceConfig      `yaml:"voice"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Cache      CacheConfig      `yaml:"cache"`
	Resilience ResilienceConfig `yaml:"resilience"`
}

// ServerConfig holds network and logging settings for the luavoice server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":5000").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// LogFile, when set, writes JSON logs to a rotated file instead of the
	// console.
	LogFile *LogFileConfig `yaml:"log_file"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// SpeakRateLimit throttles POST /speak. Zero RPS disables limiting.
	SpeakRateLimit RateLimitConfig `yaml:"speak_rate_limit"`
}

// LogFileConfig configures rotated file logging.
type LogFileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// RateLimitConfig is a token bucket.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// VoiceConfig describes the voice the service speaks with.
type VoiceConfig struct {
	// Language is the synthesis language code. Default: "pt".
	Language string `yaml:"language"`

	// Speaker is the display name of the voice. Default: "LUA".
	Speaker string `yaml:"speaker"`

	// Style is reported in the status. Default: "jarvis".
	Style string `yaml:"style"`

	// Reference configures the voice cloning sample.
	Reference ReferenceConfig `yaml:"reference"`
}

// ReferenceConfig locates the voice cloning sample.
type ReferenceConfig struct {
	// Source is the recording (WAV or MP3) the reference voice is extracted
	// from. Empty disables cloning.
	Source string `yaml:"source"`

	// Path is where the prepared 22.05 kHz mono sample is written. It must
	// not live inside cache.dir.
	Path string `yaml:"path"`
}

// ProvidersConfig declares which provider implementation backs each synthesis
// tier. Each entry selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	// Cloning is the voice-cloning model. Empty name disables the tier.
	Cloning ProviderEntry `yaml:"cloning"`

	// Standard is the non-cloning neural model. Empty name disables the tier.
	Standard ProviderEntry `yaml:"standard"`

	// Fallback lists the basic cloud providers, tried in order.
	Fallback []ProviderEntry `yaml:"fallback"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "coqui", "gtts").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "tts-1").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// CacheConfig configures the result cache.
type CacheConfig struct {
	// Dir holds the audio artifacts. Default: "cache".
	Dir string `yaml:"dir"`

	// MaxAgeHours is the age after which periodic eviction deletes files.
	// Default: 24.
	MaxAgeHours int `yaml:"max_age_hours"`

	// EvictInterval is how often eviction runs. Default: 1h.
	EvictInterval time.Duration `yaml:"evict_interval"`

	// Redis, when set, stores the cache index in Redis.
	Redis *RedisConfig `yaml:"redis"`
}

// MaxAge returns MaxAgeHours as a duration.
func (c CacheConfig) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeHours) * time.Hour
}

// RedisConfig locates the Redis server holding the cache index.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// ResilienceConfig tunes the per-tier and per-provider circuit breakers.
type ResilienceConfig struct {
	// MaxFailures is the number of consecutive failures that opens a breaker.
	// Zero uses the breaker default.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long an open breaker waits before probing. Zero
	// uses the breaker default.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// ApplyDefaults fills zero-valued fields of cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Voice.Language == "" {
		cfg.Voice.Language = DefaultLanguage
	}
	if cfg.Voice.Speaker == "" {
		cfg.Voice.Speaker = DefaultSpeaker
	}
	if cfg.Voice.Style == "" {
		cfg.Voice.Style = DefaultStyle
	}
	if cfg.Voice.Reference.Path == "" {
		cfg.Voice.Reference.Path = DefaultReferencePath
	}
	if len(cfg.Providers.Fallback) == 0 {
		cfg.Providers.Fallback = []ProviderEntry{{Name: DefaultFallback}}
	}
	if cfg.Cache.Dir == "" {
		cfg.Cache.Dir = DefaultCacheDir
	}
	if cfg.Cache.MaxAgeHours == 0 {
		cfg.Cache.MaxAgeHours = DefaultMaxAgeHours
	}
	if cfg.Cache.EvictInterval == 0 {
		cfg.Cache.EvictInterval = DefaultEvictInterval
	}
}
