package tasks

import (
	"context"
	"fmt"

	"github.com/dkeye/callcontrol/internal/app/task"
	"github.com/dkeye/callcontrol/internal/core"
	"github.com/dkeye/callcontrol/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// setupRun carries state between the tasks of one setup pipeline.
type setupRun struct {
	env       *Env
	indexBase uint64
}

// openSignaling retires any previous connection and opens a new one.
func (s *setupRun) openSignaling(ctx context.Context, sc *core.SessionContext) error {
	if old := sc.RetireSignaling(); old != nil {
		old.Close()
	}
	conn := s.env.NewSignal(sc)
	sc.AttachSignaling(conn)
	_, s.indexBase = sc.VideoIndex()
	return conn.Open(ctx)
}

func (s *setupRun) join(ctx context.Context, sc *core.SessionContext) error {
	sig, err := liveSignal(sc)
	if err != nil {
		return err
	}
	w := watch(sig, func(f core.Frame) bool { return f.Type == core.FrameJoinAck })
	defer w.unregister()

	m := sc.Meeting()
	requested := domain.Capabilities{Compression: s.env.RequestCompression}
	if err := sig.Send(core.NewJoinFrame(core.JoinPayload{
		MeetingID:    m.MeetingID,
		AttendeeID:   m.AttendeeID,
		JoinToken:    m.JoinToken,
		ClientID:     uuid.NewString(),
		Metadata:     m.Metadata,
		Capabilities: requested,
	})); err != nil {
		return sendError(sc, sig, err)
	}

	f, err := w.wait(ctx)
	if err != nil {
		return err
	}
	ack := f.JoinAck
	caps := domain.Capabilities{Compression: requested.Compression && ack.Capabilities.Compression}
	sc.SetCapabilities(caps)
	sig.SetCapabilities(caps)
	if ack.SubscriptionLimit > 0 {
		sc.SetSubscriptionLimit(ack.SubscriptionLimit)
	}
	sc.SetICEServers(ack.ICEServers)

	log.Info().
		Str("module", "tasks").
		Str("attendee", string(m.AttendeeID)).
		Bool("compression", caps.Compression).
		Int("limit", sc.SubscriptionLimit()).
		Msg("joined")
	return nil
}

func (s *setupRun) createPeerConnection(ctx context.Context, sc *core.SessionContext) error {
	if old := sc.RetireMedia(); old != nil {
		old.Close()
	}
	media, err := s.env.NewMedia(sc)
	if err != nil {
		return domain.NewStatusError(domain.StatusTaskFailed, fmt.Errorf("create peer connection: %w", err))
	}
	sc.AttachMedia(media)

	media.OnICECandidate(func(c webrtc.ICECandidateInit) {
		sc.AddICECandidate(c)
		sig := sc.Signaling()
		if sig == nil || !sig.IsOpen() {
			return
		}
		if err := sig.Send(core.NewCandidateFrame(c)); err != nil {
			log.Warn().Err(err).Str("module", "tasks").Msg("send local candidate")
		}
	})
	if err := media.Start(s.env.lifetime()); err != nil {
		return domain.NewStatusError(domain.StatusTaskFailed, fmt.Errorf("start peer connection: %w", err))
	}
	if sc.ViewOnly() {
		if err := media.StopLocalVideo(); err != nil {
			return domain.NewStatusError(domain.StatusTaskFailed, err)
		}
	}
	return nil
}

// receiveIndex waits for the first video index of this connection.
func (s *setupRun) receiveIndex(ctx context.Context, sc *core.SessionContext) error {
	sig, err := liveSignal(sc)
	if err != nil {
		return err
	}
	w := watch(sig, func(f core.Frame) bool { return f.Type == core.FrameIndexUpdate })
	defer w.unregister()

	// The session handler may have stored it already.
	if _, v := sc.VideoIndex(); v > s.indexBase {
		return nil
	}
	for {
		if _, err := w.wait(ctx); err != nil {
			return err
		}
		if _, v := sc.VideoIndex(); v > s.indexBase {
			return nil
		}
	}
}

func computeSubscription(e *Env, trigger string) func(context.Context, *core.SessionContext) error {
	return func(ctx context.Context, sc *core.SessionContext) error {
		e.Planner.Recompute(sc, trigger)
		return nil
	}
}

// negotiate sends the current plan with a fresh offer and applies the
// answer of the same round.
func negotiate(ctx context.Context, sc *core.SessionContext) error {
	sig, err := liveSignal(sc)
	if err != nil {
		return err
	}
	media := sc.Media()
	if media == nil || media.IsClosed() {
		return domain.NewStatusError(domain.StatusTaskFailed, fmt.Errorf("no media connection"))
	}

	plan, _ := sc.Plans()
	if err := media.EnsureReceiveSlots(len(plan)); err != nil {
		return domain.NewStatusError(domain.StatusTaskFailed, fmt.Errorf("receive slots: %w", err))
	}
	offer, err := media.CreateOffer()
	if err != nil {
		return domain.NewStatusError(domain.StatusTaskFailed, fmt.Errorf("create offer: %w", err))
	}
	round := sc.BeginNegotiation(offer)

	w := watch(sig, func(f core.Frame) bool {
		if f.Type != core.FrameAnswer {
			return false
		}
		if f.Answer.Round != round {
			log.Debug().Str("module", "tasks").Uint64("round", f.Answer.Round).Uint64("want", round).Msg("stale answer ignored")
			return false
		}
		return true
	})
	defer w.unregister()

	if err := sig.Send(core.NewSubscribeFrame(core.SubscribePayload{
		Round:  round,
		SDP:    offer.SDP,
		Slots:  plan,
		Paused: sc.PausedAttendees(),
	})); err != nil {
		return sendError(sc, sig, err)
	}

	f, err := w.wait(ctx)
	if err != nil {
		return err
	}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: f.Answer.SDP}
	if err := validateAnswer(offer.SDP, answer.SDP); err != nil {
		return domain.NewStatusError(domain.StatusIncompatibleSDP, err)
	}
	if !sc.CompleteNegotiation(round, answer) {
		return fmt.Errorf("round %d superseded: %w", round, task.ErrCancelled)
	}
	if err := media.ApplyAnswer(answer); err != nil {
		return domain.NewStatusError(domain.StatusIncompatibleSDP, fmt.Errorf("apply answer: %w", err))
	}
	sc.MarkPlanApplied()

	log.Info().Str("module", "tasks").Uint64("round", round).Int("active", plan.ActiveCount()).Msg("subscription negotiated")
	return nil
}

// updateSubscriptions renegotiates only when the plan changed.
func updateSubscriptions(ctx context.Context, sc *core.SessionContext) error {
	diff := sc.PlanDiff()
	if !diff.Changed() {
		return nil
	}
	log.Debug().
		Str("module", "tasks").
		Int("added", len(diff.Of(domain.SlotAdded))).
		Int("removed", len(diff.Of(domain.SlotRemoved))).
		Int("switched", len(diff.Of(domain.SlotResolutionSwitched))).
		Msg("applying plan diff")
	return negotiate(ctx, sc)
}
