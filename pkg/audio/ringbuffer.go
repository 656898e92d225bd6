package audio

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// ErrInsufficientData is matched (via errors.Is) by the error returned from
// read operations that request more samples than have ever been written.
// Callers are expected to retry later.
var ErrInsufficientData = errors.New("audio: insufficient data")

// ErrInvalidLength is returned when a read requests zero, negative, or more
// samples than the buffer can hold.
var ErrInvalidLength = errors.New("audio: invalid read length")

// ErrInvalidCapacity is returned by the buffer constructors when the
// requested duration, rate, or channel count yields an empty buffer.
var ErrInvalidCapacity = errors.New("audio: invalid buffer capacity")

// InsufficientDataError reports how many samples were requested and how many
// are available. It matches [ErrInsufficientData] with errors.Is.
type InsufficientDataError struct {
	Requested int
	Available uint64
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("audio: insufficient data: requested %d samples, %d written", e.Requested, e.Available)
}

// Is makes errors.Is(err, ErrInsufficientData) succeed.
func (e *InsufficientDataError) Is(target error) bool {
	return target == ErrInsufficientData
}

// BufferStats is a point-in-time summary of a [RingBuffer].
type BufferStats struct {
	// Capacity in samples.
	Capacity int `json:"capacity"`

	// TotalWritten counts every sample ever written, including overwritten ones.
	TotalWritten uint64 `json:"total_written"`

	// Fill is the fraction of the buffer holding valid data (0.0–1.0).
	Fill float64 `json:"fill"`

	// Ready is true once the buffer has been filled at least once.
	Ready bool `json:"ready"`

	// LastWrite is the time of the most recent Write; zero if never written.
	LastWrite time.Time `json:"last_write"`
}

// RingBuffer is a fixed-capacity circular store of interleaved float32
// samples. Writes overwrite the oldest data once the buffer is full.
//
// RingBuffer is safe for one writer and any number of concurrent readers.
// The lock is held only across index arithmetic and the memory copy, so a
// writer on a real-time callback path is never blocked behind slow readers.
type RingBuffer struct {
	sampleRate int
	channels   int
	capacity   int

	mu        sync.Mutex
	buf       []float32
	cursor    int
	written   uint64
	lastWrite time.Time
}

// NewRingBuffer creates a buffer holding durationSeconds of audio at the given
// rate and channel count. Capacity is round(duration × rate) × channels
// samples.
func NewRingBuffer(durationSeconds float64, sampleRate, channels int) (*RingBuffer, error) {
	if sampleRate <= 0 || channels <= 0 || durationSeconds <= 0 {
		return nil, fmt.Errorf("%w: duration %.3fs, rate %d, channels %d",
			ErrInvalidCapacity, durationSeconds, sampleRate, channels)
	}
	// Whole frames keep interleaved channels aligned across the wrap.
	capacity := int(math.Round(durationSeconds*float64(sampleRate))) * channels
	if capacity < 1 {
		return nil, fmt.Errorf("%w: %d samples", ErrInvalidCapacity, capacity)
	}
	return &RingBuffer{
		sampleRate: sampleRate,
		channels:   channels,
		capacity:   capacity,
		buf:        make([]float32, capacity),
	}, nil
}

// Write appends samples, overwriting the oldest data past capacity. When a
// single write exceeds capacity only its trailing capacity samples are kept,
// but the total-written count still advances by len(samples).
func (rb *RingBuffer) Write(samples []float32) {
	if len(samples) == 0 {
		return
	}
	now := time.Now()

	rb.mu.Lock()
	defer rb.mu.Unlock()

	total := len(samples)
	if total > rb.capacity {
		// Advance the cursor as if the dropped prefix had been written so the
		// kept samples land where a sample-by-sample write would put them.
		skip := total - rb.capacity
		rb.cursor = (rb.cursor + skip) % rb.capacity
		samples = samples[skip:]
	}
	for len(samples) > 0 {
		n := copy(rb.buf[rb.cursor:], samples)
		samples = samples[n:]
		rb.cursor = (rb.cursor + n) % rb.capacity
	}
	rb.written += uint64(total)
	rb.lastWrite = now
}

// ReadLatest returns a fresh copy of the most recent n samples in write
// order. It returns an [*InsufficientDataError] when fewer than n samples
// have ever been written, and [ErrInvalidLength] when n is not in
// [1, Capacity()].
func (rb *RingBuffer) ReadLatest(n int) ([]float32, error) {
	if n <= 0 || n > rb.capacity {
		return nil, fmt.Errorf("%w: %d (capacity %d)", ErrInvalidLength, n, rb.capacity)
	}
	out := make([]float32, n)

	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.written < uint64(n) {
		return nil, &InsufficientDataError{Requested: n, Available: rb.written}
	}
	start := rb.cursor - n
	if start < 0 {
		start += rb.capacity
	}
	if start+n <= rb.capacity {
		copy(out, rb.buf[start:start+n])
	} else {
		first := copy(out, rb.buf[start:])
		copy(out[first:], rb.buf[:n-first])
	}
	return out, nil
}

// ReadLatestSeconds returns the latest seconds of audio, rounded to whole
// frames.
func (rb *RingBuffer) ReadLatestSeconds(seconds float64) ([]float32, error) {
	frames := int(math.Round(seconds * float64(rb.sampleRate)))
	return rb.ReadLatest(frames * rb.channels)
}

// ReadFrames returns the latest n interleaved frames (n × Channels() samples).
func (rb *RingBuffer) ReadFrames(n int) ([]float32, error) {
	return rb.ReadLatest(n * rb.channels)
}

// IsReady reports whether the buffer has been filled at least once.
func (rb *RingBuffer) IsReady() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.written >= uint64(rb.capacity)
}

// Clear resets the cursor and count and zeroes the storage.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	clear(rb.buf)
	rb.cursor = 0
	rb.written = 0
	rb.lastWrite = time.Time{}
}

// TotalWritten returns the number of samples ever written.
func (rb *RingBuffer) TotalWritten() uint64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.written
}

// TotalFrames returns the number of interleaved frames ever written.
func (rb *RingBuffer) TotalFrames() uint64 {
	return rb.TotalWritten() / uint64(rb.channels)
}

// Capacity returns the buffer size in samples.
func (rb *RingBuffer) Capacity() int { return rb.capacity }

// CapacityFrames returns the buffer size in interleaved frames.
func (rb *RingBuffer) CapacityFrames() int { return rb.capacity / rb.channels }

// Channels returns the interleaved channel count.
func (rb *RingBuffer) Channels() int { return rb.channels }

// SampleRate returns the sample rate in Hz.
func (rb *RingBuffer) SampleRate() int { return rb.sampleRate }

// Stats returns a snapshot of the buffer's fill state.
func (rb *RingBuffer) Stats() BufferStats {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	valid := rb.written
	if valid > uint64(rb.capacity) {
		valid = uint64(rb.capacity)
	}
	return BufferStats{
		Capacity:     rb.capacity,
		TotalWritten: rb.written,
		Fill:         float64(valid) / float64(rb.capacity),
		Ready:        rb.written >= uint64(rb.capacity),
		LastWrite:    rb.lastWrite,
	}
}

var _ Window = (*RingBuffer)(nil)
