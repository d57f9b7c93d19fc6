package rtc

import (
	"context"
	"time"

	"github.com/dkeye/callcontrol/internal/core"
	"github.com/dkeye/callcontrol/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// StatsSource is satisfied by *Connection.
type StatsSource interface {
	GetStats() webrtc.StatsReport
}

// SessionStats reads stats from whatever media connection the session
// currently holds, so one estimator outlives reconnects.
func SessionStats(sc *core.SessionContext) StatsSource {
	return sessionStats{sc: sc}
}

type sessionStats struct{ sc *core.SessionContext }

func (s sessionStats) GetStats() webrtc.StatsReport {
	if src, ok := s.sc.Media().(StatsSource); ok {
		return src.GetStats()
	}
	return webrtc.StatsReport{}
}

// StatsEstimator derives a downlink estimate from peer connection stats.
// It prefers the available incoming bitrate of the nominated candidate
// pair and falls back to the observed inbound RTP byte rate.
type StatsEstimator struct {
	src      StatsSource
	interval time.Duration
	now      func() time.Time

	lastBytes uint64
	lastAt    time.Time
}

func NewStatsEstimator(src StatsSource, interval time.Duration) *StatsEstimator {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &StatsEstimator{src: src, interval: interval, now: time.Now}
}

// Run samples stats every interval until ctx is done.
func (e *StatsEstimator) Run(ctx context.Context, emit func(domain.BandwidthEstimate)) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if est, ok := e.Sample(); ok {
				emit(est)
			}
		}
	}
}

// Sample reads one stats report. It reports false when no estimate can be
// derived yet.
func (e *StatsEstimator) Sample() (domain.BandwidthEstimate, bool) {
	report := e.src.GetStats()
	now := e.now()

	var available float64
	var bytes uint64
	for _, s := range report {
		switch st := s.(type) {
		case webrtc.ICECandidatePairStats:
			if st.Nominated && st.AvailableIncomingBitrate > available {
				available = st.AvailableIncomingBitrate
			}
		case webrtc.InboundRTPStreamStats:
			bytes += st.BytesReceived
		}
	}

	prevBytes, prevAt := e.lastBytes, e.lastAt
	e.lastBytes, e.lastAt = bytes, now

	if available > 0 {
		return domain.BandwidthEstimate{BitsPerSecond: uint64(available), At: now}, true
	}
	if prevAt.IsZero() || bytes < prevBytes {
		return domain.BandwidthEstimate{}, false
	}
	elapsed := now.Sub(prevAt).Seconds()
	if elapsed <= 0 {
		return domain.BandwidthEstimate{}, false
	}
	bps := uint64(float64(bytes-prevBytes) * 8 / elapsed)
	if bps == 0 {
		// Nothing received says nothing about capacity.
		return domain.BandwidthEstimate{}, false
	}
	log.Debug().Str("module", "webrtc").Uint64("bps", bps).Msg("estimate from inbound rtp")
	return domain.BandwidthEstimate{BitsPerSecond: bps, At: now}, true
}
