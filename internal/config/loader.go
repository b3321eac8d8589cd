package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per synthesis tier.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"cloning":  {"coqui"},
	"standard": {"coqui"},
	"fallback": {"gtts", "openai", "elevenlabs"},
}

// Load reads the YAML configuration file at path and returns a validated [Config]
// with defaults applied. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if lf := cfg.Server.LogFile; lf != nil && lf.Path == "" {
		errs = append(errs, errors.New("server.log_file.path is required when server.log_file is set"))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if rl := cfg.Server.SpeakRateLimit; rl.RPS < 0 || rl.Burst < 0 {
		errs = append(errs, fmt.Errorf("server.speak_rate_limit must not be negative (rps %.2f, burst %d)", rl.RPS, rl.Burst))
	}

	// Providers
	validateProviderName("cloning", cfg.Providers.Cloning.Name)
	validateProviderName("standard", cfg.Providers.Standard.Name)
	for i, fb := range cfg.Providers.Fallback {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.fallback[%d].name is required", i))
			continue
		}
		validateProviderName("fallback", fb.Name)
	}

	// Voice
	if cfg.Voice.Reference.Source != "" && cfg.Voice.Reference.Path == "" {
		errs = append(errs, errors.New("voice.reference.path is required when voice.reference.source is set"))
	}
	if cfg.Providers.Cloning.Name != "" && cfg.Voice.Reference.Source == "" {
		slog.Warn("providers.cloning is configured but voice.reference.source is empty; voice cloning will be disabled")
	}
	if within(cfg.Cache.Dir, cfg.Voice.Reference.Path) {
		errs = append(errs, fmt.Errorf("voice.reference.path %q must not be inside cache.dir %q", cfg.Voice.Reference.Path, cfg.Cache.Dir))
	}

	// Cache
	if cfg.Cache.MaxAgeHours < 0 {
		errs = append(errs, fmt.Errorf("cache.max_age_hours %d must not be negative", cfg.Cache.MaxAgeHours))
	}
	if cfg.Cache.EvictInterval < 0 {
		errs = append(errs, fmt.Errorf("cache.evict_interval %s must not be negative", cfg.Cache.EvictInterval))
	}
	if r := cfg.Cache.Redis; r != nil && r.Addr == "" {
		errs = append(errs, errors.New("cache.redis.addr is required when cache.redis is set"))
	}

	// Resilience
	if cfg.Resilience.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("resilience.max_failures %d must not be negative", cfg.Resilience.MaxFailures))
	}
	if cfg.Resilience.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("resilience.reset_timeout %s must not be negative", cfg.Resilience.ResetTimeout))
	}

	return errors.Join(errs...)
}

// within reports whether path lies inside dir. Empty arguments never match.
func within(dir, path string) bool {
	if dir == "" || path == "" {
		return false
	}
	absDir, err1 := filepath.Abs(dir)
	absPath, err2 := filepath.Abs(path)
	if err1 != nil || err2 != nil {
		return false
	}
	rel, err := filepath.Rel(absDir, absPath)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given tier.
func validateProviderName(tier, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[tier]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"tier", tier,
		"name", name,
		"known", known,
	)
}
