package config

import "time"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// EvictionChanged is true when cache.max_age_hours or cache.evict_interval
	// differ. The eviction loop is restarted with the new values.
	EvictionChanged  bool
	NewMaxAge        time.Duration
	NewEvictInterval time.Duration

	// RestartRequired lists settings that changed but only take effect after a
	// restart (providers, voice, cache location, listener).
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Cache.MaxAgeHours != new.Cache.MaxAgeHours || old.Cache.EvictInterval != new.Cache.EvictInterval {
		d.EvictionChanged = true
		d.NewMaxAge = new.Cache.MaxAge()
		d.NewEvictInterval = new.Cache.EvictInterval
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Voice.Language != new.Voice.Language || old.Voice.Speaker != new.Voice.Speaker ||
		old.Voice.Style != new.Voice.Style || old.Voice.Reference != new.Voice.Reference {
		d.RestartRequired = append(d.RestartRequired, "voice")
	}
	if !sameEntry(old.Providers.Cloning, new.Providers.Cloning) ||
		!sameEntry(old.Providers.Standard, new.Providers.Standard) ||
		!sameEntries(old.Providers.Fallback, new.Providers.Fallback) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Cache.Dir != new.Cache.Dir {
		d.RestartRequired = append(d.RestartRequired, "cache.dir")
	}

	return d
}

// sameEntry compares the identifying fields of two provider entries.
// Options are not compared.
func sameEntry(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL && a.Model == b.Model
}

func sameEntries(a, b []ProviderEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !sameEntry(a[i], b[i]) {
			return false
		}
	}
	return true
}
