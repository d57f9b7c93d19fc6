package core

import (
	"context"

	"github.com/dkeye/callcontrol/internal/domain"
	"github.com/pion/webrtc/v4"
)

type MediaConnection interface {
	// Start configures internal callbacks, attaches local tracks and binds
	// the connection lifetime to ctx.
	Start(ctx context.Context) error
	// Close should stop all underlying media resources.
	Close()
	IsClosed() bool
	// EnsureReceiveSlots makes at least n video receive slots available.
	// Existing slots are never removed so slot positions stay stable.
	EnsureReceiveSlots(n int) error
	// CreateOffer creates and applies a new local offer.
	CreateOffer() (webrtc.SessionDescription, error)
	// ApplyAnswer applies the remote answer to the pending local offer.
	ApplyAnswer(webrtc.SessionDescription) error
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnClosed sets a callback for transport failure or close.
	OnClosed(func())
	// StopLocalVideo detaches any local video sender (view-only mode).
	StopLocalVideo() error
}

// DeviceBroker supplies local capture tracks. Acquisition and enumeration
// of devices happen behind it. A nil track means the kind is not sent.
type DeviceBroker interface {
	LocalAudio(ctx context.Context) (webrtc.TrackLocal, error)
	LocalVideo(ctx context.Context) (webrtc.TrackLocal, error)
}

// BandwidthSource delivers periodic downlink estimates until ctx is done.
type BandwidthSource interface {
	Run(ctx context.Context, emit func(domain.BandwidthEstimate)) error
}
