// Package mock provides test doubles for the keyword package interfaces.
//
// Use Engine to verify that sessions are created with the expected Config.
// Use Session to script keyword results and inspect the frames that were
// submitted for evaluation.
//
// Example:
//
//	sess := &mock.Session{Frame: 512, Rate: 16000}
//	sess.Script(keyword.NoMatch, 0) // second frame matches keyword 0
//	eng := &mock.Engine{Session: sess}
package mock

import (
	"sync"

	"github.com/MrWong99/puertocho/pkg/provider/keyword"
)

// NewSessionCall records a single invocation of Engine.NewSession.
type NewSessionCall struct {
	// Cfg is the Config passed to NewSession.
	Cfg keyword.Config
}

// Engine is a mock implementation of keyword.Engine.
type Engine struct {
	mu sync.Mutex

	// Session is returned by NewSession. If nil, NewSession calls NewSessionFunc
	// or returns a new default Session.
	Session keyword.SessionHandle

	// NewSessionFunc, if set and Session is nil, builds each session. Use it
	// when every channel needs its own session.
	NewSessionFunc func(cfg keyword.Config) keyword.SessionHandle

	// NewSessionErr, if non-nil, is returned as the error from NewSession.
	NewSessionErr error

	// NewSessionCalls records every call to NewSession in order.
	NewSessionCalls []NewSessionCall
}

// NewSession records the call and returns Session, NewSessionErr.
func (e *Engine) NewSession(cfg keyword.Config) (keyword.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = append(e.NewSessionCalls, NewSessionCall{Cfg: cfg})
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	if e.NewSessionFunc != nil {
		return e.NewSessionFunc(cfg), nil
	}
	return &Session{}, nil
}

// Calls returns a copy of the recorded NewSession calls. Thread-safe.
func (e *Engine) Calls() []NewSessionCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]NewSessionCall, len(e.NewSessionCalls))
	copy(out, e.NewSessionCalls)
	return out
}

// Ensure Engine implements keyword.Engine at compile time.
var _ keyword.Engine = (*Engine)(nil)

// Session is a mock implementation of keyword.SessionHandle.
//
// Process pops the next value from the script; once the script is empty it
// returns DefaultResult. When Trigger is set, Process instead matches any
// frame whose first sample equals Trigger.
type Session struct {
	mu sync.Mutex

	// Frame is returned by FrameLength. Default: 512.
	Frame int

	// Rate is returned by SampleRate. Default: 16000.
	Rate int

	// DefaultResult is returned when the script is exhausted. The zero value
	// is treated as keyword.NoMatch unless DefaultSet is true.
	DefaultResult int
	DefaultSet    bool

	// Trigger, when non-nil, makes Process return TriggerIndex for frames
	// whose first sample equals *Trigger and NoMatch otherwise.
	Trigger      *int16
	TriggerIndex int

	// ProcessErr, if non-nil, is returned by every Process call.
	ProcessErr error

	// Confidence is returned by LastConfidence.
	Confidence float64

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	script []int

	// --- Call records ---

	// Frames records a copy of every frame passed to Process.
	Frames [][]int16

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Script appends results that Process returns in order.
func (s *Session) Script(results ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = append(s.script, results...)
}

// Process records the frame and returns the next scripted result.
func (s *Session) Process(frame []int16) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]int16, len(frame))
	copy(cp, frame)
	s.Frames = append(s.Frames, cp)

	if s.ProcessErr != nil {
		return keyword.NoMatch, s.ProcessErr
	}
	if s.Trigger != nil {
		if len(frame) > 0 && frame[0] == *s.Trigger {
			return s.TriggerIndex, nil
		}
		return keyword.NoMatch, nil
	}
	if len(s.script) > 0 {
		r := s.script[0]
		s.script = s.script[1:]
		return r, nil
	}
	if s.DefaultSet {
		return s.DefaultResult, nil
	}
	return keyword.NoMatch, nil
}

// FrameLength returns Frame, defaulting to 512.
func (s *Session) FrameLength() int {
	if s.Frame <= 0 {
		return 512
	}
	return s.Frame
}

// SampleRate returns Rate, defaulting to 16000.
func (s *Session) SampleRate() int {
	if s.Rate <= 0 {
		return 16000
	}
	return s.Rate
}

// LastConfidence returns Confidence.
func (s *Session) LastConfidence() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Confidence
}

// Close records the call and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// FrameCount returns the number of frames processed so far. Thread-safe.
func (s *Session) FrameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Frames)
}

// SetProcessErr replaces ProcessErr. Thread-safe.
func (s *Session) SetProcessErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ProcessErr = err
}

// Ensure Session implements keyword.SessionHandle at compile time.
var (
	_ keyword.SessionHandle      = (*Session)(nil)
	_ keyword.ConfidenceReporter = (*Session)(nil)
)
