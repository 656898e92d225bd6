// Package synth provides an [audio.Source] that generates audio in software
// at the cadence of a real capture device. It is used when the appliance runs
// without microphone hardware and in integration tests.
package synth

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/puertocho/pkg/audio"
)

// Default settings, matching a USB microphone array.
const (
	defaultSampleRate = 44100
	defaultChannels   = 2
	defaultChunk      = 10 * time.Millisecond
)

// Source emits chunks of silence or a sine tone on a ticker.
type Source struct {
	format    audio.Format
	chunk     time.Duration
	toneHz    float64
	amplitude float64

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	phase   float64
	running bool
}

// Option is a functional option for [New].
type Option func(*Source)

// WithFormat sets the generated sample rate and channel count.
func WithFormat(f audio.Format) Option {
	return func(s *Source) { s.format = f }
}

// WithChunkDuration sets the interval between chunks.
func WithChunkDuration(d time.Duration) Option {
	return func(s *Source) { s.chunk = d }
}

// WithTone makes the source emit a sine wave at hz with the given peak
// amplitude (0.0–1.0) on every channel instead of silence.
func WithTone(hz, amplitude float64) Option {
	return func(s *Source) {
		s.toneHz = hz
		s.amplitude = amplitude
	}
}

// New creates a synthetic source.
func New(opts ...Option) *Source {
	s := &Source{
		format: audio.Format{SampleRate: defaultSampleRate, Channels: defaultChannels},
		chunk:  defaultChunk,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Format implements [audio.Source].
func (s *Source) Format() audio.Format { return s.format }

// Start implements [audio.Source].
func (s *Source) Start(ctx context.Context, fn audio.ChunkFunc) error {
	if err := s.format.Validate(); err != nil {
		return err
	}
	if s.chunk <= 0 {
		return errors.New("synth: chunk duration must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("synth: already started")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.running = true

	frames := int(math.Round(s.chunk.Seconds() * float64(s.format.SampleRate)))
	go s.loop(ctx, fn, frames)
	return nil
}

// Stop implements [audio.Source].
func (s *Source) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	return nil
}

func (s *Source) loop(ctx context.Context, fn audio.ChunkFunc, frames int) {
	defer close(s.done)
	ticker := time.NewTicker(s.chunk)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			fn(audio.Chunk{
				Samples:    s.generate(frames),
				SampleRate: s.format.SampleRate,
				Channels:   s.format.Channels,
				Timestamp:  now,
			})
		}
	}
}

// generate returns the next frames of interleaved audio, advancing the tone
// phase so consecutive chunks join without discontinuity.
func (s *Source) generate(frames int) []float32 {
	out := make([]float32, frames*s.format.Channels)
	if s.toneHz <= 0 || s.amplitude == 0 {
		return out
	}
	step := 2 * math.Pi * s.toneHz / float64(s.format.SampleRate)
	for i := range frames {
		v := float32(s.amplitude * math.Sin(s.phase))
		for ch := range s.format.Channels {
			out[i*s.format.Channels+ch] = v
		}
		s.phase += step
		if s.phase > 2*math.Pi {
			s.phase -= 2 * math.Pi
		}
	}
	return out
}

var _ audio.Source = (*Source)(nil)
