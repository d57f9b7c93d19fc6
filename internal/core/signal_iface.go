package core

import (
	"context"

	"github.com/dkeye/callcontrol/internal/domain"
)

// FrameHandler receives inbound frames. Handlers are invoked one at a time,
// strictly in arrival order, on the channel's dispatch goroutine.
type FrameHandler interface {
	HandleFrame(Frame)
}

// FrameHandlerFunc adapts a plain function to FrameHandler.
type FrameHandlerFunc func(Frame)

func (f FrameHandlerFunc) HandleFrame(fr Frame) { f(fr) }

// SignalConnection abstracts the signaling transport.
// Owned by the SessionContext holder; retiring it must Close() it.
type SignalConnection interface {
	// Open suspends until the transport is ready or failed. Failures are
	// *domain.StatusError values drawn from the signaling subset.
	Open(ctx context.Context) error
	// Send enqueues a frame. Sending on a channel that is not open is a
	// precondition violation and returns ErrNotOpen without side effects.
	Send(Frame) error
	// OnFrame registers h and returns a function that unregisters it.
	OnFrame(h FrameHandler) (unregister func())
	// SetCapabilities applies per-connection negotiated features.
	SetCapabilities(domain.Capabilities)
	IsOpen() bool
	// CloseCode is the status the connection closed with, StatusOK while
	// it is open or when it was closed locally.
	CloseCode() domain.StatusCode
	// Close is idempotent. Handlers receive one terminal status frame.
	Close()
}
