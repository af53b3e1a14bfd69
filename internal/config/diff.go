package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; address, store,
// and TLS changes require a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// LLMChanged is true when the provider selection or its credentials
	// changed. The server logs a restart hint; providers are built once at
	// startup.
	LLMChanged bool

	// BroadcastChanged is true when broadcaster tuning changed. Applies to
	// new subscribers only.
	BroadcastChanged bool
}

// Any reports whether the diff carries any hot-reloadable change.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.LLMChanged || d.BroadcastChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.LLM.Name != new.LLM.Name ||
		old.LLM.APIKey != new.LLM.APIKey ||
		old.LLM.BaseURL != new.LLM.BaseURL ||
		old.LLM.Model != new.LLM.Model ||
		old.LLM.NarrativePass != new.LLM.NarrativePass {
		d.LLMChanged = true
	}

	if old.Broadcast != new.Broadcast {
		d.BroadcastChanged = true
	}

	return d
}
