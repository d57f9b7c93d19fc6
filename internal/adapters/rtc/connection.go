package rtc

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/callcontrol/internal/core"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var ErrClosed = errors.New("media connection closed")

// Connection is the client peer connection: one audio transceiver, an
// optional local video sender and a growing list of recvonly video slots.
type Connection struct {
	pc       *webrtc.PeerConnection
	broker   core.DeviceBroker
	attendee string

	mu          sync.Mutex
	videoRecv   []*webrtc.RTPTransceiver
	videoSender *webrtc.RTPSender
	closed      bool
	onICE       func(webrtc.ICECandidateInit)
	onClosed    func()
	onRemote    func(*RemoteTrack)
	cancel      context.CancelFunc

	closeOnce  sync.Once
	notifyOnce sync.Once
}

var _ core.MediaConnection = (*Connection)(nil)

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

// ConfigFor converts ICE servers received on join. No servers means the
// default STUN configuration.
func ConfigFor(servers []core.ICEServer) webrtc.Configuration {
	if len(servers) == 0 {
		return DefaultWebRTCConfig()
	}
	cfg := webrtc.Configuration{}
	for _, s := range servers {
		cfg.ICEServers = append(cfg.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return cfg
}

// NewConnection creates the peer connection. broker may be nil, in which
// case audio is receive-only and no video is sent.
func NewConnection(cfg webrtc.Configuration, broker core.DeviceBroker, attendee string) (*Connection, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return &Connection{pc: pc, broker: broker, attendee: attendee}, nil
}

func (c *Connection) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "webrtc").Str("attendee", c.attendee).Str("ice_state", s.String()).Msg("ICE state")
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "webrtc").Str("attendee", c.attendee).Str("peer_connection_state", s.String()).Msg("Peer state")
		if s == webrtc.PeerConnectionStateFailed ||
			s == webrtc.PeerConnectionStateClosed {
			c.notifyClosed()
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.Lock()
		fn := c.onICE
		c.mu.Unlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "webrtc").
			Str("attendee", c.attendee).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")

		rt := newRemoteTrack(track.ID(), track.Kind().String(), func() (*rtp.Packet, error) {
			pkt, _, err := track.ReadRTP()
			return pkt, err
		})
		c.mu.Lock()
		fn := c.onRemote
		c.mu.Unlock()
		if fn != nil {
			fn(rt)
		}
		startRemoteTrack(ctx, c.attendee, rt)
	})

	if err := c.attachLocal(ctx); err != nil {
		cancel()
		return err
	}

	go func() {
		<-ctx.Done()
		c.Close()
	}()
	return nil
}

func (c *Connection) attachLocal(ctx context.Context) error {
	var audio, video webrtc.TrackLocal
	if c.broker != nil {
		var err error
		if audio, err = c.broker.LocalAudio(ctx); err != nil {
			return err
		}
		if video, err = c.broker.LocalVideo(ctx); err != nil {
			return err
		}
	}

	if audio != nil {
		if _, err := c.pc.AddTransceiverFromTrack(audio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
		}); err != nil {
			return err
		}
	} else if _, err := c.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		return err
	}

	if video != nil {
		sender, err := c.pc.AddTrack(video)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.videoSender = sender
		c.mu.Unlock()
	}
	return nil
}

func (c *Connection) EnsureReceiveSlots(n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	for len(c.videoRecv) < n {
		t, err := c.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			return err
		}
		c.videoRecv = append(c.videoRecv, t)
	}
	return nil
}

// ReceiveSlots returns the number of video receive transceivers.
func (c *Connection) ReceiveSlots() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.videoRecv)
}

// CreateOffer creates an offer and applies it locally. Candidates are
// trickled through OnICECandidate, the offer is not held for gathering.
func (c *Connection) CreateOffer() (webrtc.SessionDescription, error) {
	if c.IsClosed() {
		return webrtc.SessionDescription{}, ErrClosed
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (c *Connection) ApplyAnswer(answer webrtc.SessionDescription) error {
	if c.IsClosed() {
		return ErrClosed
	}
	return c.pc.SetRemoteDescription(answer)
}

func (c *Connection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *Connection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

// OnClosed sets application-level callback for transport failure or close.
func (c *Connection) OnClosed(fn func()) {
	c.mu.Lock()
	c.onClosed = fn
	c.mu.Unlock()
}

// OnRemoteTrack sets a callback for every received track, called before
// the track is drained so sinks can be attached.
func (c *Connection) OnRemoteTrack(fn func(*RemoteTrack)) {
	c.mu.Lock()
	c.onRemote = fn
	c.mu.Unlock()
}

func (c *Connection) StopLocalVideo() error {
	c.mu.Lock()
	sender := c.videoSender
	c.videoSender = nil
	c.mu.Unlock()
	if sender == nil {
		return nil
	}
	log.Info().Str("module", "webrtc").Str("attendee", c.attendee).Msg("local video stopped")
	return c.pc.RemoveTrack(sender)
}

// GetStats exposes the peer connection statistics to the estimator.
func (c *Connection) GetStats() webrtc.StatsReport {
	return c.pc.GetStats()
}

func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		cancel := c.cancel
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if err := c.pc.Close(); err != nil {
			log.Error().Err(err).Str("module", "webrtc").Str("attendee", c.attendee).Msg("close error")
		} else {
			log.Info().Str("module", "webrtc").Str("attendee", c.attendee).Msg("closed")
		}
		c.notifyClosed()
	})
}

func (c *Connection) notifyClosed() {
	c.notifyOnce.Do(func() {
		c.mu.Lock()
		fn := c.onClosed
		c.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
}
