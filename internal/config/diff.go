package config

// ConfigDiff describes what changed between two configs. Changes that a
// running server can absorb are broken out; everything else folds into
// RestartRequired.
type ConfigDiff struct {
	// LogLevelChanged is true when server.log_level changed. The new level
	// can be applied to the running logger.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// CallsChanged is true when the static call directory section changed
	// (token, default instructions, default voice, allow_unknown). The new
	// policy applies to streams that start after the reload.
	CallsChanged bool

	// RestartRequired is true when sections wired once at startup changed:
	// the listen address, engine, transcriber, relay timings, or storage.
	RestartRequired bool
}

// HasChanges reports whether the diff contains any change at all.
func (d ConfigDiff) HasChanges() bool {
	return d.LogLevelChanged || d.CallsChanged || d.RestartRequired
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Calls != new.Calls {
		d.CallsChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr ||
		old.Engine != new.Engine ||
		old.Transcriber != new.Transcriber ||
		old.Relay != new.Relay ||
		old.Storage != new.Storage {
		d.RestartRequired = true
	}

	return d
}
