package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only the log level and the voice block are applied at runtime; every other
// changed section is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VoiceChanged is true if any field of the voice block changed. The new
	// values apply to the next session.
	VoiceChanged bool
	NewVoice     VoiceConfig

	// RestartRequired names the top-level sections whose changes are ignored
	// until restart.
	RestartRequired []string
}

// IsZero reports whether nothing changed.
func (d ConfigDiff) IsZero() bool {
	return !d.LogLevelChanged && !d.VoiceChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Voice != new.Voice {
		d.VoiceChanged = true
		d.NewVoice = new.Voice
	}

	// Server minus the hot-reloadable log level.
	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	sections := []struct {
		name     string
		old, new any
	}{
		{"server", oldServer, newServer},
		{"telemetry", old.Telemetry, new.Telemetry},
		{"providers", old.Providers, new.Providers},
		{"audio", old.Audio, new.Audio},
		{"command", old.Command, new.Command},
		{"audit", old.Audit, new.Audit},
		{"events", old.Events, new.Events},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}

	return d
}
