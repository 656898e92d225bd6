package audio

import (
	"fmt"
	"sync"
)

// Channel names one side of a [DualBuffer].
type Channel string

const (
	Left  Channel = "left"
	Right Channel = "right"
)

// IsValid reports whether c is Left or Right.
func (c Channel) IsValid() bool {
	return c == Left || c == Right
}

// String returns the channel name.
func (c Channel) String() string { return string(c) }

// DualStats holds per-channel statistics of a [DualBuffer].
type DualStats struct {
	Left      BufferStats `json:"left"`
	Right     BufferStats `json:"right"`
	BothReady bool        `json:"both_ready"`
}

// DualBuffer keeps two independent mono histories for a stereo microphone.
// The two sides share no mutable state; the pair lock only keeps stereo
// writes and interleaved reads aligned frame for frame.
type DualBuffer struct {
	left  *RingBuffer
	right *RingBuffer

	// pair serialises WriteStereo against ReadFrames.
	pair sync.Mutex
}

// NewDualBuffer creates left and right buffers of durationSeconds each.
func NewDualBuffer(durationSeconds float64, sampleRate int) (*DualBuffer, error) {
	l, err := NewRingBuffer(durationSeconds, sampleRate, 1)
	if err != nil {
		return nil, err
	}
	r, err := NewRingBuffer(durationSeconds, sampleRate, 1)
	if err != nil {
		return nil, err
	}
	return &DualBuffer{left: l, right: r}, nil
}

// Buffer returns the mono buffer for ch, or nil for an unknown channel.
func (d *DualBuffer) Buffer(ch Channel) *RingBuffer {
	switch ch {
	case Left:
		return d.left
	case Right:
		return d.right
	}
	return nil
}

// Write appends mono samples to one side.
func (d *DualBuffer) Write(ch Channel, samples []float32) error {
	b := d.Buffer(ch)
	if b == nil {
		return fmt.Errorf("audio: unknown channel %q", ch)
	}
	b.Write(samples)
	return nil
}

// WriteStereo splits interleaved L/R samples into the two sides. A trailing
// odd sample is ignored.
func (d *DualBuffer) WriteStereo(interleaved []float32) {
	frames := len(interleaved) / 2
	if frames == 0 {
		return
	}
	l := make([]float32, frames)
	r := make([]float32, frames)
	for i := range frames {
		l[i] = interleaved[2*i]
		r[i] = interleaved[2*i+1]
	}

	d.pair.Lock()
	defer d.pair.Unlock()
	d.left.Write(l)
	d.right.Write(r)
}

// ReadLatest returns the latest n samples of one side.
func (d *DualBuffer) ReadLatest(ch Channel, n int) ([]float32, error) {
	b := d.Buffer(ch)
	if b == nil {
		return nil, fmt.Errorf("audio: unknown channel %q", ch)
	}
	return b.ReadLatest(n)
}

// ReadFrames returns the latest n frames of both sides, interleaved L/R.
func (d *DualBuffer) ReadFrames(n int) ([]float32, error) {
	d.pair.Lock()
	l, err := d.left.ReadLatest(n)
	if err != nil {
		d.pair.Unlock()
		return nil, err
	}
	r, err := d.right.ReadLatest(n)
	d.pair.Unlock()
	if err != nil {
		return nil, err
	}

	out := make([]float32, 2*n)
	for i := range n {
		out[2*i] = l[i]
		out[2*i+1] = r[i]
	}
	return out, nil
}

// IsReady reports whether one side has been filled at least once.
func (d *DualBuffer) IsReady(ch Channel) bool {
	b := d.Buffer(ch)
	return b != nil && b.IsReady()
}

// BothReady reports whether both sides have been filled at least once.
func (d *DualBuffer) BothReady() bool {
	return d.left.IsReady() && d.right.IsReady()
}

// Clear resets both sides.
func (d *DualBuffer) Clear() {
	d.pair.Lock()
	defer d.pair.Unlock()
	d.left.Clear()
	d.right.Clear()
}

// Channels always returns 2.
func (d *DualBuffer) Channels() int { return 2 }

// SampleRate returns the per-side sample rate.
func (d *DualBuffer) SampleRate() int { return d.left.SampleRate() }

// TotalFrames returns the number of stereo frames written to both sides.
func (d *DualBuffer) TotalFrames() uint64 {
	return min(d.left.TotalWritten(), d.right.TotalWritten())
}

// CapacityFrames returns the per-side capacity.
func (d *DualBuffer) CapacityFrames() int { return d.left.Capacity() }

// Stats returns per-side statistics.
func (d *DualBuffer) Stats() DualStats {
	ls, rs := d.left.Stats(), d.right.Stats()
	return DualStats{Left: ls, Right: rs, BothReady: ls.Ready && rs.Ready}
}

var _ Window = (*DualBuffer)(nil)
