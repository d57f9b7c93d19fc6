package rtc

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// StaticBroker hands out sample tracks that the embedding application
// feeds with encoded media. Tracks are created once and reused across
// reconnections.
type StaticBroker struct {
	audio *webrtc.TrackLocalStaticSample
	video *webrtc.TrackLocalStaticSample
}

// NewStaticBroker creates an opus audio track and, when sendVideo is set,
// a VP8 video track.
func NewStaticBroker(streamID string, sendVideo bool) (*StaticBroker, error) {
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", streamID,
	)
	if err != nil {
		return nil, err
	}
	b := &StaticBroker{audio: audio}
	if sendVideo {
		b.video, err = webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", streamID,
		)
		if err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (b *StaticBroker) LocalAudio(context.Context) (webrtc.TrackLocal, error) {
	return b.audio, nil
}

func (b *StaticBroker) LocalVideo(context.Context) (webrtc.TrackLocal, error) {
	if b.video == nil {
		return nil, nil
	}
	return b.video, nil
}

// AudioTrack is where the application writes encoded audio samples.
func (b *StaticBroker) AudioTrack() *webrtc.TrackLocalStaticSample { return b.audio }

// VideoTrack is nil when video is not sent.
func (b *StaticBroker) VideoTrack() *webrtc.TrackLocalStaticSample { return b.video }
