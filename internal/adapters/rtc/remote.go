package rtc

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/dkeye/callcontrol/internal/metrics"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type SinkState int32

const (
	SinkActive SinkState = iota
	SinkMuted
	SinkRemoved
)

// RTPWriter is implemented by webrtc.TrackLocalStaticRTP and by decoders
// or recorders that consume received media.
type RTPWriter interface {
	WriteRTP(*rtp.Packet) error
}

// Sink is one consumer of a remote track.
type Sink struct {
	w     RTPWriter
	state atomic.Int32 // Zero by default (SinkActive)
}

func NewSink(w RTPWriter) *Sink {
	return &Sink{w: w}
}

func (s *Sink) State() SinkState { return SinkState(s.state.Load()) }

func (s *Sink) Mute()   { s.state.Store(int32(SinkMuted)) }
func (s *Sink) Unmute() { s.state.Store(int32(SinkActive)) }
func (s *Sink) Remove() { s.state.Store(int32(SinkRemoved)) }

// RemoteTrack drains RTP from a received track and fans it out to sinks.
// A track is read even without sinks so that receive buffers never fill.
type RemoteTrack struct {
	ID   string
	Kind string

	read func() (*rtp.Packet, error)

	mu    sync.RWMutex
	sinks map[string]*Sink

	packets atomic.Uint64
	bytes   atomic.Uint64
}

func newRemoteTrack(id, kind string, read func() (*rtp.Packet, error)) *RemoteTrack {
	return &RemoteTrack{ID: id, Kind: kind, read: read, sinks: make(map[string]*Sink)}
}

// AddSink attaches s under name, replacing any sink of that name.
func (t *RemoteTrack) AddSink(name string, s *Sink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.sinks[name]; ok {
		old.Remove()
	}
	t.sinks[name] = s
}

// Received returns the packet and payload byte counts read so far.
func (t *RemoteTrack) Received() (packets, bytes uint64) {
	return t.packets.Load(), t.bytes.Load()
}

func (t *RemoteTrack) loop(ctx context.Context, logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("remote track ctx done")
			t.removeAll()
			return
		default:
		}
		pkt, err := t.read()
		if err != nil {
			if ctx.Err() == nil {
				logger.Info().Err(err).Msg("remote track ended")
			}
			t.removeAll()
			return
		}
		t.packets.Add(1)
		t.bytes.Add(uint64(len(pkt.Payload)))
		metrics.RecordRTPReceived(t.Kind, len(pkt.Payload))
		t.forward(pkt, logger)
	}
}

func (t *RemoteTrack) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	t.mu.RLock()
	snapshot := maps.Clone(t.sinks)
	t.mu.RUnlock()

	var dirty []string
	for name, s := range snapshot {
		switch s.State() {
		case SinkRemoved:
			dirty = append(dirty, name)
		case SinkMuted:
		case SinkActive:
			if err := s.w.WriteRTP(pkt); err != nil {
				logger.Error().Err(err).Str("sink", name).Msg("sink write error, removing sink")
				s.Remove()
				dirty = append(dirty, name)
			}
		}
	}
	if len(dirty) > 0 {
		t.cleanup(dirty)
	}
}

func (t *RemoteTrack) cleanup(dirty []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, name := range dirty {
		if s, ok := t.sinks[name]; ok && s.State() == SinkRemoved {
			delete(t.sinks, name)
		}
	}
}

func (t *RemoteTrack) removeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for name, s := range t.sinks {
		s.Remove()
		delete(t.sinks, name)
	}
}

func (t *RemoteTrack) sinkCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sinks)
}

// startRemoteTrack begins draining rt until ctx is done or the track ends.
func startRemoteTrack(ctx context.Context, attendee string, rt *RemoteTrack) {
	logger := log.With().
		Str("module", "webrtc").
		Str("attendee", attendee).
		Str("track_id", rt.ID).
		Str("kind", rt.Kind).
		Logger()
	go rt.loop(ctx, &logger)
}
