// Package mock provides an in-memory mock implementation of [audio.Source]
// for use in unit tests.
//
// The mock is safe for concurrent use. It records every method call so that
// tests can assert on call counts, and it exposes exported fields that the
// test can set to control return values. Chunks are pushed into the
// registered callback with [Source.Emit], on the caller's goroutine, which
// stands in for the device's real-time thread.
//
// Typical usage:
//
//	src := &mock.Source{FormatResult: audio.Format{SampleRate: 16000, Channels: 1}}
//	_ = src.Start(ctx, pipeline.OnChunk)
//	src.Emit(audio.Chunk{Samples: make([]float32, 160), SampleRate: 16000, Channels: 1})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/puertocho/pkg/audio"
)

// Source is a mock implementation of [audio.Source].
// Set the exported Result fields before use; inspect the Call* fields after.
type Source struct {
	mu sync.Mutex

	// FormatResult is returned by [Source.Format].
	FormatResult audio.Format

	// StartError is returned by [Source.Start]. When non-nil the callback is
	// not registered.
	StartError error

	// StopError is returned by [Source.Stop].
	StopError error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	fn      audio.ChunkFunc
	running bool
}

// Start implements [audio.Source]. It stores fn for later [Source.Emit] calls.
func (s *Source) Start(_ context.Context, fn audio.ChunkFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	if s.StartError != nil {
		return s.StartError
	}
	s.fn = fn
	s.running = true
	return nil
}

// Stop implements [audio.Source]. After Stop, Emit is a no-op.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
	s.running = false
	return s.StopError
}

// Format implements [audio.Source]. Returns FormatResult.
func (s *Source) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FormatResult
}

// Emit delivers chunk to the registered callback. It reports whether the
// source was running.
func (s *Source) Emit(chunk audio.Chunk) bool {
	s.mu.Lock()
	fn, running := s.fn, s.running
	s.mu.Unlock()
	if !running || fn == nil {
		return false
	}
	fn(chunk)
	return true
}

// Running reports whether Start succeeded and Stop has not been called since.
func (s *Source) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Ensure Source implements audio.Source at compile time.
var _ audio.Source = (*Source)(nil)
