// Package mock provides a test double for the uplink interfaces.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/puertocho/pkg/audio"
	"github.com/MrWong99/puertocho/pkg/provider/uplink"
)

// Consumer is a mock implementation of uplink.Link.
type Consumer struct {
	mu sync.Mutex

	// DeliverErr, if non-nil, is returned by every Deliver call.
	DeliverErr error

	// Block, if non-nil, makes Deliver wait until the channel is closed or
	// ctx is done.
	Block chan struct{}

	// ConnectedResult is returned by Connected.
	ConnectedResult bool

	// RunErr is returned by Run after ctx is done.
	RunErr error

	// --- Call records ---

	// Delivered records every capture passed to Deliver.
	Delivered []audio.Capture

	// CallCountRun is the number of times Run was called.
	CallCountRun int
}

// Deliver records the capture and returns DeliverErr.
func (c *Consumer) Deliver(ctx context.Context, capt audio.Capture) error {
	c.mu.Lock()
	block := c.Block
	c.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	capt.Samples = append([]float32(nil), capt.Samples...)
	c.Delivered = append(c.Delivered, capt)
	return c.DeliverErr
}

// Run blocks until ctx is done and returns RunErr.
func (c *Consumer) Run(ctx context.Context) error {
	c.mu.Lock()
	c.CallCountRun++
	c.mu.Unlock()
	<-ctx.Done()
	return c.RunErr
}

// Connected returns ConnectedResult.
func (c *Consumer) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ConnectedResult
}

// Deliveries returns a copy of the recorded captures. Thread-safe.
func (c *Consumer) Deliveries() []audio.Capture {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]audio.Capture, len(c.Delivered))
	copy(out, c.Delivered)
	return out
}

// Ensure Consumer implements uplink.Link at compile time.
var _ uplink.Link = (*Consumer)(nil)
