package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; anything else
// (ports, providers, database) requires a process restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	GreetingChanged bool
	GoodbyesChanged bool
	PacingChanged   bool
	DialogChanged   bool
}

// Any reports whether the diff contains at least one change.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.GreetingChanged || d.GoodbyesChanged || d.PacingChanged || d.DialogChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Greeting != new.Greeting {
		d.GreetingChanged = true
	}

	if old.CallTermination.GoodbyeMessages != new.CallTermination.GoodbyeMessages {
		d.GoodbyesChanged = true
	}

	if old.Audio.TransmissionDelayMs != new.Audio.TransmissionDelayMs ||
		old.Audio.PostAudioDelaySeconds != new.Audio.PostAudioDelaySeconds ||
		old.Audio.DiscardBufferFrames != new.Audio.DiscardBufferFrames {
		d.PacingChanged = true
	}

	if !equalTokens(old.Dialog.AffirmativeTokens, new.Dialog.AffirmativeTokens) ||
		!equalTokens(old.Dialog.NegativeTokens, new.Dialog.NegativeTokens) {
		d.DialogChanged = true
	}

	return d
}

func equalTokens(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
