package energy_test

import (
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/puertocho/pkg/audio"
	"github.com/MrWong99/puertocho/pkg/provider/vad"
	"github.com/MrWong99/puertocho/pkg/provider/vad/energy"
)

// frame returns a 30 ms 16 kHz frame with constant amplitude.
func frame(amp int16) []byte {
	pcm := make([]int16, 480)
	for i := range pcm {
		if i%2 == 0 {
			pcm[i] = amp
		} else {
			pcm[i] = -amp
		}
	}
	return audio.EncodePCM16(pcm)
}

func newSession(t *testing.T, opts ...energy.Option) vad.SessionHandle {
	t.Helper()
	s, err := energy.New(opts...).NewSession(vad.Config{SampleRate: 16000, FrameSizeMs: 30})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

func process(t *testing.T, s vad.SessionHandle, f []byte) vad.VADEventType {
	t.Helper()
	ev, err := s.ProcessFrame(f)
	if err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	return ev.Type
}

func TestSession_Hysteresis(t *testing.T) {
	t.Parallel()
	s := newSession(t, energy.WithSpeechFrames(2), energy.WithSilenceDuration(90*time.Millisecond))
	loud, quiet := frame(8000), frame(0)

	want := []struct {
		in   []byte
		want vad.VADEventType
	}{
		{quiet, vad.VADSilence},
		{loud, vad.VADSilence},
		{loud, vad.VADSpeechStart},
		{loud, vad.VADSpeechContinue},
		{quiet, vad.VADSpeechContinue},
		{loud, vad.VADSpeechContinue}, // resets the silence run
		{quiet, vad.VADSpeechContinue},
		{quiet, vad.VADSpeechContinue},
		{quiet, vad.VADSpeechEnd},
		{quiet, vad.VADSilence},
	}
	for i, step := range want {
		if got := process(t, s, step.in); got != step.want {
			t.Fatalf("frame %d: got %s, want %s", i, got, step.want)
		}
	}
}

func TestSession_ProbabilityIsNormalisedRMS(t *testing.T) {
	t.Parallel()
	s := newSession(t)
	ev, err := s.ProcessFrame(frame(16384))
	if err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	if ev.Probability < 0.49 || ev.Probability > 0.51 {
		t.Errorf("probability = %v, want ~0.5", ev.Probability)
	}
}

func TestSession_Reset(t *testing.T) {
	t.Parallel()
	s := newSession(t, energy.WithSpeechFrames(1))
	if got := process(t, s, frame(8000)); got != vad.VADSpeechStart {
		t.Fatalf("got %s, want speech_start", got)
	}
	s.Reset()
	if got := process(t, s, frame(8000)); got != vad.VADSpeechStart {
		t.Errorf("after Reset got %s, want speech_start", got)
	}
}

func TestSession_FrameSizeAndClose(t *testing.T) {
	t.Parallel()
	s := newSession(t)
	if _, err := s.ProcessFrame(make([]byte, 10)); err == nil {
		t.Error("short frame accepted")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := s.ProcessFrame(frame(0)); !errors.Is(err, energy.ErrClosed) {
		t.Errorf("ProcessFrame after Close err = %v, want ErrClosed", err)
	}
}

func TestNewSession_InvalidConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  vad.Config
	}{
		{"zero rate", vad.Config{FrameSizeMs: 30}},
		{"odd frame", vad.Config{SampleRate: 16000, FrameSizeMs: 25}},
		{"inverted thresholds", vad.Config{SampleRate: 16000, FrameSizeMs: 30, SpeechThreshold: 0.1, SilenceThreshold: 0.2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := energy.New().NewSession(tt.cfg); err == nil {
				t.Error("NewSession succeeded, want error")
			}
		})
	}
	if _, err := energy.New(energy.WithSpeechFrames(0)).NewSession(vad.Config{SampleRate: 16000, FrameSizeMs: 30}); err == nil {
		t.Error("zero speech frames accepted")
	}
}
