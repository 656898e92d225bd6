// Package uplink defines the boundary between the appliance and the backend
// that turns a recorded command into a response.
//
// A [Consumer] only receives captures. A [Link] additionally maintains a
// long-lived connection and reports what the backend sends back.
package uplink

import (
	"context"
	"errors"

	"github.com/MrWong99/puertocho/pkg/audio"
)

// ErrNotConnected is returned by Deliver when the link is down.
var ErrNotConnected = errors.New("uplink: not connected")

// Consumer receives finished captures.
type Consumer interface {
	// Deliver hands a capture to the backend. Implementations should honour
	// ctx cancellation and must not retain c.Samples after returning.
	Deliver(ctx context.Context, c audio.Capture) error
}

// Message is a decoded message from the backend.
type Message struct {
	// Kind is the message's "type" field, e.g. "speech_start", "speech_end"
	// or "response".
	Kind string

	// Payload holds every field of the message, including "type".
	Payload map[string]any
}

// Handlers receives connection lifecycle notifications from a [Link]. Nil
// fields are ignored. Handlers run on the link's read goroutine and must not
// block.
type Handlers struct {
	OnConnect    func()
	OnDisconnect func(err error)
	OnMessage    func(Message)
}

// Link is a bidirectional backend connection.
type Link interface {
	Consumer

	// Run connects and keeps the connection alive, reconnecting on failure,
	// until ctx is cancelled. It returns nil on cancellation.
	Run(ctx context.Context) error

	// Connected reports whether a connection is currently established.
	Connected() bool
}
