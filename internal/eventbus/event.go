package eventbus

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// EventType is the closed vocabulary of events exchanged on the bus.
type EventType string

const (
	// Audio events.
	WakeWordDetected   EventType = "wake_word_detected"
	VoiceActivityStart EventType = "voice_activity_start"
	VoiceActivityEnd   EventType = "voice_activity_end"
	AudioChunkReady    EventType = "audio_chunk_ready"

	// State events.
	StateChanged EventType = "state_changed"

	// Hardware events.
	ButtonPressed   EventType = "button_pressed"
	ButtonReleased  EventType = "button_released"
	LEDStateChanged EventType = "led_state_changed"

	// Communication events.
	WebSocketConnected    EventType = "websocket_connected"
	WebSocketDisconnected EventType = "websocket_disconnected"
	MessageToBackend      EventType = "message_to_backend"
	MessageFromBackend    EventType = "message_from_backend"

	// System events.
	SystemError       EventType = "system_error"
	ComponentReady    EventType = "component_ready"
	ShutdownRequested EventType = "shutdown_requested"
)

// AllEventTypes lists every valid EventType.
var AllEventTypes = []EventType{
	WakeWordDetected, VoiceActivityStart, VoiceActivityEnd, AudioChunkReady,
	StateChanged,
	ButtonPressed, ButtonReleased, LEDStateChanged,
	WebSocketConnected, WebSocketDisconnected, MessageToBackend, MessageFromBackend,
	SystemError, ComponentReady, ShutdownRequested,
}

// IsValid reports whether t is part of the vocabulary.
func (t EventType) IsValid() bool {
	switch t {
	case WakeWordDetected, VoiceActivityStart, VoiceActivityEnd, AudioChunkReady,
		StateChanged,
		ButtonPressed, ButtonReleased, LEDStateChanged,
		WebSocketConnected, WebSocketDisconnected, MessageToBackend, MessageFromBackend,
		SystemError, ComponentReady, ShutdownRequested:
		return true
	}
	return false
}

// String returns the wire name of t.
func (t EventType) String() string { return string(t) }

// Event is an immutable record published on the bus. Handlers must not
// modify Data.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Source    string
	Data      map[string]any
}

// NewEvent builds an Event with a fresh ID and the current time. data is
// copied so later changes by the caller are not observed by handlers.
func NewEvent(t EventType, source string, data map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: time.Now(),
		Source:    source,
		Data:      maps.Clone(data),
	}
}

// StringField returns Data[key] when it is a string, or "".
func (e Event) StringField(key string) string {
	s, _ := e.Data[key].(string)
	return s
}

// BoolField returns Data[key] when it is a bool, or false.
func (e Event) BoolField(key string) bool {
	b, _ := e.Data[key].(bool)
	return b
}
