// Package keyword defines the Engine interface for keyword-spotting backends.
//
// A keyword engine wraps an always-on classifier that recognises one or more
// fixed trigger phrases (e.g., Porcupine, openWakeWord) and surfaces it as a
// stateful, per-stream session. Each session keeps its own internal state
// (feature windows, score smoothing) so that several microphone channels can
// be evaluated independently.
//
// Sessions are synchronous: Process consumes exactly one frame and returns
// immediately with a keyword index, which keeps evaluation inside the audio
// period budget of the caller.
package keyword

import "errors"

// NoMatch is the index returned by [SessionHandle.Process] when no keyword
// was recognised. Any negative value means no match.
const NoMatch = -1

// ErrFrameLength is returned by Process when the frame does not hold exactly
// FrameLength samples.
var ErrFrameLength = errors.New("keyword: wrong frame length")

// Config holds the parameters for a keyword session.
type Config struct {
	// ModelPath is the path to the engine model (e.g., a .ppn or .onnx file).
	ModelPath string

	// Keywords names the trigger phrases in model order. Index i in a
	// Process result refers to Keywords[i]. May be empty when the engine
	// exposes a single unnamed keyword.
	Keywords []string

	// Sensitivity trades misses for false alarms. Range: [0.0, 1.0]; higher
	// values detect more readily.
	Sensitivity float64

	// AccessKey authenticates engines that require a licence key.
	AccessKey string

	// Options holds engine-specific settings not covered above.
	Options map[string]any
}

// SessionHandle evaluates one audio stream.
//
// A SessionHandle should not be shared between goroutines unless the
// implementation explicitly guarantees concurrent safety.
type SessionHandle interface {
	// Process evaluates exactly FrameLength mono int16 samples at SampleRate
	// and returns the index of the recognised keyword, or a negative value
	// when nothing matched. A non-nil error means this frame could not be
	// evaluated; the session remains usable.
	Process(frame []int16) (int, error)

	// FrameLength is the number of samples Process expects (e.g., 512).
	FrameLength() int

	// SampleRate is the rate Process expects in Hz (e.g., 16000).
	SampleRate() int

	// Close releases all resources associated with the session. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// ConfidenceReporter is implemented by sessions that expose the score behind
// their most recent Process result.
type ConfidenceReporter interface {
	// LastConfidence returns the score (0.0–1.0) of the most recent frame.
	LastConfidence() float64
}

// Engine is the factory for keyword sessions. Implementations must be safe
// for concurrent use.
type Engine interface {
	// NewSession creates a session. It returns an error when the model is
	// missing, the access key is rejected, or the configuration is invalid;
	// callers treat this as fatal at startup.
	NewSession(cfg Config) (SessionHandle, error)
}
