package state

import (
	"context"
	"time"

	"github.com/MrWong99/puertocho/pkg/audio"
)

// State is one of the assistant's operating modes.
type State string

const (
	Idle       State = "idle"
	Listening  State = "listening"
	Processing State = "processing"
	Speaking   State = "speaking"
	Error      State = "error"
)

// AllStates lists every state in display order.
var AllStates = []State{Idle, Listening, Processing, Speaking, Error}

// IsValid reports whether s is a known state.
func (s State) IsValid() bool {
	switch s {
	case Idle, Listening, Processing, Speaking, Error:
		return true
	}
	return false
}

// String returns the state name.
func (s State) String() string { return string(s) }

// IndicatorName maps s to the name passed to the indicator driver. Unknown
// states map to the idle indicator.
func IndicatorName(s State) string {
	if !s.IsValid() {
		return string(Idle)
	}
	return string(s)
}

// Transition records one state change.
type Transition struct {
	From   State          `json:"from"`
	To     State          `json:"to"`
	Reason string         `json:"reason"`
	Time   time.Time      `json:"time"`
	Data   map[string]any `json:"data,omitempty"`
}

// StateCallback runs after the manager entered a state.
type StateCallback func(Transition)

// TransitionCallback runs after every state change.
type TransitionCallback func(Transition)

// Collaborators are the commands the manager issues. Every field is
// optional; a nil function is skipped.
type Collaborators struct {
	// ResetVAD clears voice activity state before a recording.
	ResetVAD func()

	// StartCapture begins recording the user's utterance.
	StartCapture func() error

	// StopCapture ends the recording and returns the captured audio.
	StopCapture func() (audio.Capture, error)

	// SetIndicator shows the named state to the user.
	SetIndicator func(name string)

	// Deliver hands a capture to the backend. It runs on its own goroutine.
	Deliver func(ctx context.Context, c audio.Capture) error
}

// Stats is a point-in-time snapshot of manager activity.
type Stats struct {
	Current           State                   `json:"current"`
	Previous          State                   `json:"previous"`
	TimeInState       time.Duration           `json:"time_in_state"`
	TotalTransitions  uint64                  `json:"total_transitions"`
	Durations         map[State]time.Duration `json:"durations"`
	Transitions       map[string]uint64       `json:"transitions"`
	HistoryLen        int                     `json:"history_len"`
	PendingDeliveries int64                   `json:"pending_deliveries"`
}
