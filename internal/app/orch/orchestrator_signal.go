package orch

import (
	"github.com/dkeye/callcontrol/internal/core"
	"github.com/dkeye/callcontrol/internal/domain"
	"github.com/rs/zerolog/log"
)

// newSignal dials through Options.Dial and binds the session handler to
// the new connection before anyone can open it.
func (o *Orchestrator) newSignal(sc *core.SessionContext) core.SignalConnection {
	conn := o.opts.Dial(sc)
	conn.OnFrame(core.FrameHandlerFunc(func(f core.Frame) { o.onFrame(conn, f) }))
	return conn
}

// onFrame runs on the channel's dispatch goroutine. It only performs
// short updates; anything that waits is handed to the update loop or the
// reconnect controller.
func (o *Orchestrator) onFrame(conn core.SignalConnection, f core.Frame) {
	if o.sc.Signaling() != conn {
		// Late frames of a retired connection.
		return
	}
	switch f.Type {
	case core.FrameIndexUpdate:
		o.onIndex(f.Index)
	case core.FrameIceCandidate:
		o.onRemoteCandidate(f)
	case core.FrameStatus:
		o.onStatus(f)
	case core.FrameJoinAck, core.FrameAnswer:
		// Awaited by the running task.
	default:
		log.Debug().Str("module", "orch").Str("type", string(f.Type)).Msg("unhandled frame")
	}
}

func (o *Orchestrator) onIndex(p *core.IndexPayload) {
	idx := make(domain.VideoIndex, len(p.Sources))
	for _, s := range p.Sources {
		if s.ID == "" {
			log.Warn().Str("module", "orch").Str("attendee", string(s.AttendeeID)).Msg("video source without id dropped")
			continue
		}
		idx[s.ID] = s
	}
	version := o.policy.ApplyIndex(o.sc, idx, p.SubscriptionLimit)
	log.Debug().
		Str("module", "orch").
		Int("sources", len(idx)).
		Uint64("version", version).
		Int("limit", p.SubscriptionLimit).
		Msg("video index updated")
	o.kick()
}

func (o *Orchestrator) onRemoteCandidate(f core.Frame) {
	media := o.sc.Media()
	if media == nil {
		return
	}
	if err := media.AddICECandidate(*f.Candidate); err != nil {
		log.Warn().Err(err).Str("module", "orch").Msg("add remote candidate")
	}
}

func (o *Orchestrator) onStatus(f core.Frame) {
	code := f.Status.Code
	switch {
	case domain.IsModeSwitch(code):
		o.sc.SetLastStatus(code)
		o.switchToViewOnly()
	case f.IsTerminal():
		if code == domain.StatusConnectionHealthReconnect {
			o.sc.MarkMissedPong()
		}
		if code == domain.StatusOK {
			// Closed on our side without being retired first.
			code = domain.StatusSignalingRequestFailed
		}
		o.sc.SetLastStatus(code)
		o.ctl.Disconnect(code)
	case code == domain.StatusOK:
	default:
		o.sc.SetLastStatus(code)
		// Non retryable codes close the channel; its terminal frame
		// follows and is handled above.
		if domain.Classify(code) == domain.Retryable {
			o.ctl.Disconnect(code)
		}
	}
	log.Info().
		Str("module", "orch").
		Stringer("code", code).
		Str("reason", f.Status.Reason).
		Bool("terminal", f.IsTerminal()).
		Msg("status received")
}
