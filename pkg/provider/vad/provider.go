// Package vad defines the Engine interface for Voice Activity Detection backends.
//
// The appliance runs VAD only while it records a command after the wake word:
// the first speech frame marks the start of the utterance and a sustained run
// of silence marks its end. Engines surface a frame-level detector as a
// stateful, per-stream session so that smoothing state never leaks between
// recordings.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

import (
	"errors"
	"fmt"
)

// Config holds the parameters for a VAD session. Thresholds are expressed in
// the engine's native scale; see each Engine's documentation.
type Config struct {
	// SampleRate is the rate of the PCM frames passed to ProcessFrame in Hz.
	SampleRate int

	// FrameSizeMs is the duration of each frame in milliseconds (10, 20 or 30).
	// ProcessFrame rejects frames of any other size.
	FrameSizeMs int

	// SpeechThreshold is the score at or above which a frame counts as speech.
	SpeechThreshold float64

	// SilenceThreshold is the score below which a frame counts as silence
	// while speech is active. Must be ≤ SpeechThreshold.
	SilenceThreshold float64
}

// FrameBytes returns the size in bytes of one 16-bit mono frame.
func (c Config) FrameBytes() int {
	return c.SampleRate * c.FrameSizeMs / 1000 * 2
}

// Validate reports every problem with c.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("vad: sample rate must be positive, got %d", c.SampleRate))
	}
	switch c.FrameSizeMs {
	case 10, 20, 30:
	default:
		errs = append(errs, fmt.Errorf("vad: frame size must be 10, 20 or 30 ms, got %d", c.FrameSizeMs))
	}
	if c.SpeechThreshold < 0 || c.SpeechThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad: speech threshold %v out of range [0, 1]", c.SpeechThreshold))
	}
	if c.SilenceThreshold < 0 || c.SilenceThreshold > c.SpeechThreshold {
		errs = append(errs, fmt.Errorf("vad: silence threshold %v must be in [0, speech threshold]", c.SilenceThreshold))
	}
	return errors.Join(errs...)
}

// SessionHandle is an active VAD session for a single audio stream. Reset
// clears detection state without closing the session.
type SessionHandle interface {
	// ProcessFrame classifies one frame of little-endian 16-bit mono PCM at
	// the configured SampleRate and FrameSizeMs. It must not block.
	ProcessFrame(frame []byte) (VADEvent, error)

	// Reset clears accumulated detection state, e.g. before a new recording.
	Reset()

	// Close releases the session. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Engine is the factory for VAD sessions. Multiple goroutines may call
// NewSession simultaneously.
type Engine interface {
	// NewSession creates a session ready to accept frames. It returns an
	// error when the configuration is invalid.
	NewSession(cfg Config) (SessionHandle, error)
}
