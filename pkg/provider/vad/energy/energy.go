// Package energy implements [vad.Engine] with an RMS energy detector.
//
// The score of a frame is its RMS level on a normalised [0, 1] scale. Speech
// starts after SpeechFrames consecutive frames at or above SpeechThreshold and
// ends after the configured silence duration below SilenceThreshold. The
// thresholds form a hysteresis band so that the state does not flicker.
package energy

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/MrWong99/puertocho/pkg/audio"
	"github.com/MrWong99/puertocho/pkg/provider/vad"
)

// Defaults suited to a near-field microphone at 16 kHz.
const (
	DefaultSpeechThreshold  = 0.015
	DefaultSilenceThreshold = 0.008
	DefaultSpeechFrames     = 3
	DefaultSilenceDuration  = 1500 * time.Millisecond
)

// ErrClosed is returned by ProcessFrame after Close.
var ErrClosed = errors.New("energy: session closed")

// Engine creates RMS sessions.
type Engine struct {
	speechFrames int
	silence      time.Duration
}

// Option is a functional option for [New].
type Option func(*Engine)

// WithSpeechFrames sets how many consecutive loud frames start speech.
func WithSpeechFrames(n int) Option {
	return func(e *Engine) { e.speechFrames = n }
}

// WithSilenceDuration sets how long the level must stay below the silence
// threshold before speech ends.
func WithSilenceDuration(d time.Duration) Option {
	return func(e *Engine) { e.silence = d }
}

// New creates an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{speechFrames: DefaultSpeechFrames, silence: DefaultSilenceDuration}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession implements [vad.Engine]. Zero thresholds take the package
// defaults.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SpeechThreshold == 0 && cfg.SilenceThreshold == 0 {
		cfg.SpeechThreshold = DefaultSpeechThreshold
		cfg.SilenceThreshold = DefaultSilenceThreshold
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if e.speechFrames < 1 {
		return nil, fmt.Errorf("energy: speech frames must be at least 1, got %d", e.speechFrames)
	}
	frameDur := time.Duration(cfg.FrameSizeMs) * time.Millisecond
	silenceFrames := int((e.silence + frameDur - 1) / frameDur)
	return &session{
		cfg:           cfg,
		frameBytes:    cfg.FrameBytes(),
		speechFrames:  e.speechFrames,
		silenceFrames: max(silenceFrames, 1),
	}, nil
}

type session struct {
	cfg           vad.Config
	frameBytes    int
	speechFrames  int
	silenceFrames int

	inSpeech     bool
	speechCount  int
	silenceCount int
	closed       bool
}

// ProcessFrame implements [vad.SessionHandle].
func (s *session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	if s.closed {
		return vad.VADEvent{Type: vad.VADSilence}, ErrClosed
	}
	if len(frame) != s.frameBytes {
		return vad.VADEvent{Type: vad.VADSilence}, fmt.Errorf("energy: frame is %d bytes, want %d", len(frame), s.frameBytes)
	}
	level := rms(audio.DecodePCM16(frame))
	ev := vad.VADEvent{Probability: min(level, 1)}

	if s.inSpeech {
		if level < s.cfg.SilenceThreshold {
			s.silenceCount++
			if s.silenceCount >= s.silenceFrames {
				s.inSpeech = false
				s.silenceCount = 0
				ev.Type = vad.VADSpeechEnd
				return ev, nil
			}
		} else {
			s.silenceCount = 0
		}
		ev.Type = vad.VADSpeechContinue
		return ev, nil
	}

	if level >= s.cfg.SpeechThreshold {
		s.speechCount++
		if s.speechCount >= s.speechFrames {
			s.inSpeech = true
			s.speechCount = 0
			ev.Type = vad.VADSpeechStart
			return ev, nil
		}
	} else {
		s.speechCount = 0
	}
	ev.Type = vad.VADSilence
	return ev, nil
}

// Reset implements [vad.SessionHandle].
func (s *session) Reset() {
	s.inSpeech = false
	s.speechCount = 0
	s.silenceCount = 0
}

// Close implements [vad.SessionHandle].
func (s *session) Close() error {
	s.closed = true
	return nil
}

// rms returns the root mean square of 16-bit samples scaled to [0, 1].
func rms(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, v := range pcm {
		f := float64(v) / 32768
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(pcm)))
}

// Ensure Engine implements vad.Engine at compile time.
var _ vad.Engine = (*Engine)(nil)
