package config_test

import (
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/puertocho/internal/config"
)

func mustLoad(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return cfg
}

func TestDiff_Identical(t *testing.T) {
	t.Parallel()
	a := mustLoad(t, sampleYAML)
	b := mustLoad(t, sampleYAML)

	d := config.Diff(a, b)
	if d.Hot() {
		t.Errorf("identical configs should produce no hot changes: %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("identical configs should need no restart, got %v", d.RestartRequired)
	}
}

func TestDiff_HotFields(t *testing.T) {
	t.Parallel()
	a := mustLoad(t, sampleYAML)
	b := mustLoad(t, sampleYAML)
	b.Server.LogLevel = config.LogWarn
	b.WakeWord.Sensitivity = 0.8
	b.WakeWord.Cooldown = 5 * time.Second

	d := config.Diff(a, b)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogWarn {
		t.Errorf("log level change not reported: %+v", d)
	}
	if !d.SensitivityChanged || d.NewSensitivity != 0.8 {
		t.Errorf("sensitivity change not reported: %+v", d)
	}
	if !d.CooldownChanged || d.NewCooldown != 5*time.Second {
		t.Errorf("cooldown change not reported: %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("hot fields should not require a restart, got %v", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	a := mustLoad(t, sampleYAML)
	b := mustLoad(t, sampleYAML)
	b.Audio.SampleRate = 16000
	b.WakeWord.Policy = config.PolicyAny
	b.Providers.Uplink.BaseURL = "ws://other:1/audio"
	b.Server.ListenAddr = ":7000"

	d := config.Diff(a, b)
	if d.Hot() {
		t.Errorf("no hot fields changed: %+v", d)
	}
	want := []string{"audio", "providers", "server", "wake_word"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired: got %v, want %v", d.RestartRequired, want)
	}
}

func TestDiff_MixedChange(t *testing.T) {
	t.Parallel()
	a := mustLoad(t, sampleYAML)
	b := mustLoad(t, sampleYAML)
	b.WakeWord.Sensitivity = 0.3
	b.Capture.MaxDuration = 4 * time.Second

	d := config.Diff(a, b)
	if !d.SensitivityChanged {
		t.Error("sensitivity change not reported")
	}
	if !slices.Equal(d.RestartRequired, []string{"capture"}) {
		t.Errorf("RestartRequired: got %v, want [capture]", d.RestartRequired)
	}
}
