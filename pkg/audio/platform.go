// Package audio defines the audio types and primitives shared by the
// wake-word core: the [Chunk] delivered by an audio [Source], the rolling
// [RingBuffer] and [DualBuffer] histories, and the stateless sample-rate and
// format conversions that feed the keyword engine.
//
// Device adapters live in sub-packages (audio/mic, audio/synth).
package audio

import (
	"context"
)

// ChunkFunc receives captured chunks. It is invoked on the device's
// real-time callback path and must return quickly without blocking.
type ChunkFunc func(Chunk)

// Source is a capture device delivering fixed-size chunks at its native
// rate and channel count.
//
// Implementations must be safe for concurrent use: Stop may be called from a
// different goroutine than Start.
type Source interface {
	// Start begins capture and invokes fn once per chunk until ctx is
	// cancelled or Stop is called. Start returns once the device is running;
	// delivery continues in the background.
	Start(ctx context.Context, fn ChunkFunc) error

	// Stop halts capture. After Stop returns fn is not invoked again.
	// Calling Stop more than once is safe.
	Stop() error

	// Format reports the native format of the chunks passed to fn.
	Format() Format
}

// Window is a rolling audio history that can return the most recent frames.
// Both [RingBuffer] and [DualBuffer] implement it.
type Window interface {
	// Channels is the number of interleaved channels returned by ReadFrames.
	Channels() int

	// SampleRate of the stored audio in Hz.
	SampleRate() int

	// TotalFrames is the monotonically increasing count of frames written.
	TotalFrames() uint64

	// CapacityFrames is the number of frames the history can hold.
	CapacityFrames() int

	// ReadFrames returns the latest n frames, interleaved.
	ReadFrames(n int) ([]float32, error)
}
