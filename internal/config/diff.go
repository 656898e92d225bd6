package config

import (
	"reflect"
	"slices"
	"time"
)

// ConfigDiff describes what changed between two configs.
// Only the wake-word tunables and the log level are applied live; every
// other section that changed is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	SensitivityChanged bool
	NewSensitivity     float64

	CooldownChanged bool
	NewCooldown     time.Duration

	// RestartRequired names the top-level sections whose changes only take
	// effect after a restart.
	RestartRequired []string
}

// Hot reports whether the diff carries at least one live-applicable change.
func (d ConfigDiff) Hot() bool {
	return d.LogLevelChanged || d.SensitivityChanged || d.CooldownChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.WakeWord.Sensitivity != new.WakeWord.Sensitivity {
		d.SensitivityChanged = true
		d.NewSensitivity = new.WakeWord.Sensitivity
	}
	if old.WakeWord.Cooldown != new.WakeWord.Cooldown {
		d.CooldownChanged = true
		d.NewCooldown = new.WakeWord.Cooldown
	}

	// Compare the remaining fields with the hot ones masked out.
	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	oldWake, newWake := old.WakeWord, new.WakeWord
	oldWake.Sensitivity, newWake.Sensitivity = 0, 0
	oldWake.Cooldown, newWake.Cooldown = 0, 0

	for _, s := range []struct {
		name     string
		old, new any
	}{
		{"server", oldServer, newServer},
		{"audio", old.Audio, new.Audio},
		{"wake_word", oldWake, newWake},
		{"capture", old.Capture, new.Capture},
		{"assistant", old.Assistant, new.Assistant},
		{"bus", old.Bus, new.Bus},
		{"providers", old.Providers, new.Providers},
	} {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	slices.Sort(d.RestartRequired)
	return d
}
