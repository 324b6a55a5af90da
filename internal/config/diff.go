package config

// ConfigDiff describes what changed between two configs. Recording, mixer,
// live feed and breaker settings are read when a recording starts, so a
// change applies to the next recording. The log level applies immediately;
// the listen address only after a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	ListenAddrChanged bool
	RecordingChanged  bool
	MixerChanged      bool
	LiveFeedChanged   bool
	ResilienceChanged bool
}

// Changed reports whether any section differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.ListenAddrChanged || d.RecordingChanged ||
		d.MixerChanged || d.LiveFeedChanged || d.ResilienceChanged
}

// Sections returns the YAML names of the changed sections, in file order.
func (d ConfigDiff) Sections() []string {
	var s []string
	if d.LogLevelChanged || d.ListenAddrChanged {
		s = append(s, "server")
	}
	if d.RecordingChanged {
		s = append(s, "recording")
	}
	if d.MixerChanged {
		s = append(s, "mixer")
	}
	if d.LiveFeedChanged {
		s = append(s, "live_feed")
	}
	if d.ResilienceChanged {
		s = append(s, "resilience")
	}
	return s
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{
		ListenAddrChanged: old.Server.ListenAddr != new.Server.ListenAddr,
		RecordingChanged:  !recordingEqual(old.Recording, new.Recording),
		MixerChanged:      old.Mixer != new.Mixer,
		LiveFeedChanged:   old.LiveFeed != new.LiveFeed,
		ResilienceChanged: old.Resilience != new.Resilience,
	}
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	return d
}

func recordingEqual(a, b RecordingConfig) bool {
	if a.MicrophoneEnabled() != b.MicrophoneEnabled() {
		return false
	}
	a.IncludeMicrophone, b.IncludeMicrophone = nil, nil
	return a == b
}
