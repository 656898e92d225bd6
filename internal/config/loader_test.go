package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/puertocho/internal/config"
)

const requiredProviders = `
providers:
  keyword:
    name: onnx
  audio:
    name: mic
`

func TestValidate_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing keyword provider",
			yaml: "providers:\n  audio:\n    name: mic\n",
			want: "providers.keyword.name is required",
		},
		{
			name: "missing audio provider",
			yaml: "providers:\n  keyword:\n    name: onnx\n",
			want: "providers.audio.name is required",
		},
		{
			name: "bad log level",
			yaml: requiredProviders + "server:\n  log_level: bananas\n",
			want: "server.log_level",
		},
		{
			name: "tls without key",
			yaml: requiredProviders + "server:\n  tls:\n    cert_file: /etc/cert.pem\n",
			want: "server.tls",
		},
		{
			name: "too many channels",
			yaml: requiredProviders + "audio:\n  channels: 16\n",
			want: "audio.channels",
		},
		{
			name: "negative sample rate",
			yaml: requiredProviders + "audio:\n  sample_rate: -1\n",
			want: "audio.sample_rate",
		},
		{
			name: "sensitivity out of range",
			yaml: requiredProviders + "wake_word:\n  sensitivity: 1.5\n",
			want: "wake_word.sensitivity",
		},
		{
			name: "unknown channel mode",
			yaml: requiredProviders + "wake_word:\n  channel_mode: stereo\n",
			want: "wake_word.channel_mode",
		},
		{
			name: "unknown policy",
			yaml: requiredProviders + "wake_word:\n  policy: majority\n",
			want: "wake_word.policy",
		},
		{
			name: "channel beyond device",
			yaml: requiredProviders + "audio:\n  channels: 2\nwake_word:\n  channel_mode: separate\n  channels: [0, 2]\n",
			want: "wake_word.channels[1]",
		},
		{
			name: "separate on mono device",
			yaml: requiredProviders + "audio:\n  channels: 1\nwake_word:\n  channel_mode: separate\n",
			want: "channel_mode separate",
		},
		{
			name: "negative cooldown",
			yaml: requiredProviders + "wake_word:\n  cooldown: -1s\n",
			want: "wake_word.cooldown",
		},
		{
			name: "bad vad frame",
			yaml: requiredProviders + "capture:\n  vad_frame_ms: 25\n",
			want: "capture.vad_frame_ms",
		},
		{
			name: "negative pre-roll",
			yaml: requiredProviders + "capture:\n  pre_roll: -100ms\n",
			want: "capture.pre_roll",
		},
		{
			name: "negative bus queue",
			yaml: requiredProviders + "bus:\n  queue_size: -4\n",
			want: "bus.queue_size",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error should contain %q, got: %v", tt.want, err)
			}
		})
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	t.Parallel()
	yaml := `
audio:
  channels: 0
  chunk_ms: 5000
wake_word:
  sensitivity: -0.1
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, want := range []string{"audio.chunk_ms", "wake_word.sensitivity", "providers.keyword.name", "providers.audio.name"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error should contain %q, got: %v", want, err)
		}
	}
}

func TestValidate_SeparateOnStereoWithoutChannels(t *testing.T) {
	t.Parallel()
	yaml := requiredProviders + "wake_word:\n  channel_mode: separate\n  policy: all\n"
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err != nil {
		t.Fatalf("separate mode on the default stereo device should be valid: %v", err)
	}
}

func TestValidate_UnknownProviderNameWarnsOnly(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  keyword:
    name: porcupine
  audio:
    name: alsa
  uplink:
    name: grpc
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err != nil {
		t.Fatalf("unknown provider names should only warn: %v", err)
	}
}

func TestValidate_CaptureLongerThanBufferWarnsOnly(t *testing.T) {
	t.Parallel()
	yaml := requiredProviders + "audio:\n  buffer_seconds: 5\ncapture:\n  max_duration: 10s\n"
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err != nil {
		t.Fatalf("oversized capture window should only warn: %v", err)
	}
}
