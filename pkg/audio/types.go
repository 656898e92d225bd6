package audio

import (
	"fmt"
	"time"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "44100Hz stereo".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// Validate reports an error when the rate or channel count is not positive.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("audio: sample rate %d must be positive", f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("audio: channel count %d must be positive", f.Channels)
	}
	return nil
}

// Chunk is one block of audio delivered by a [Source] at a fixed cadence.
// Samples are interleaved and normalised to [-1, 1]. A Chunk owns its sample
// slice; sources must not reuse the backing array after delivery.
type Chunk struct {
	// Samples holds Frames()*Channels interleaved values.
	Samples []float32

	// SampleRate in Hz (e.g., 44100 for a USB microphone array).
	SampleRate int

	// Channels is the number of interleaved channels in Samples.
	Channels int

	// Timestamp marks when the chunk was captured.
	Timestamp time.Time
}

// Frames returns the number of per-channel sample frames in the chunk.
func (c Chunk) Frames() int {
	if c.Channels <= 0 {
		return 0
	}
	return len(c.Samples) / c.Channels
}

// Format returns the chunk's sample rate and channel count.
func (c Chunk) Format() Format {
	return Format{SampleRate: c.SampleRate, Channels: c.Channels}
}

// Duration returns the wall-clock span covered by the chunk.
func (c Chunk) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(c.Frames()) * time.Second / time.Duration(c.SampleRate)
}

// Capture is a contiguous block of recorded audio handed to an outbound
// consumer when an utterance ends.
type Capture struct {
	// Samples are interleaved and normalised to [-1, 1].
	Samples []float32

	SampleRate int
	Channels   int

	// Start and End bound the captured interval.
	Start time.Time
	End   time.Time
}

// Duration returns the length of the captured audio derived from the sample
// count, which can differ slightly from End.Sub(Start).
func (c Capture) Duration() time.Duration {
	if c.SampleRate <= 0 || c.Channels <= 0 {
		return 0
	}
	frames := len(c.Samples) / c.Channels
	return time.Duration(frames) * time.Second / time.Duration(c.SampleRate)
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
