package tasks

import (
	"context"
	"errors"

	"github.com/dkeye/callcontrol/internal/core"
	"github.com/dkeye/callcontrol/internal/domain"
	"github.com/rs/zerolog/log"
)

// leave tells the server we are going and waits for it to close the
// channel, at most LeaveTimeout. Leaving never fails the teardown.
func leave(e *Env, reason string) func(context.Context, *core.SessionContext) error {
	return func(ctx context.Context, sc *core.SessionContext) error {
		sig := sc.Signaling()
		if sig == nil || !sig.IsOpen() {
			return nil
		}
		w := watch(sig, func(core.Frame) bool { return false })
		defer w.unregister()

		if err := sig.Send(core.NewLeaveFrame(reason)); err != nil {
			log.Warn().Err(err).Str("module", "tasks").Msg("send leave")
			return nil
		}
		if e.LeaveTimeout <= 0 {
			return nil
		}
		wctx, cancel := context.WithTimeout(ctx, e.LeaveTimeout)
		defer cancel()
		_, err := w.wait(wctx)
		var se *domain.StatusError
		if errors.As(err, &se) && domain.Classify(se.Code) != domain.NormalEnd {
			log.Warn().Str("module", "tasks").Stringer("code", se.Code).Msg("leave answered with failure")
		}
		return nil
	}
}

func cleanSession(ctx context.Context, sc *core.SessionContext) error {
	if m := sc.RetireMedia(); m != nil {
		m.Close()
	}
	if s := sc.RetireSignaling(); s != nil {
		s.Close()
	}
	log.Info().Str("module", "tasks").Str("attendee", string(sc.Meeting().AttendeeID)).Msg("session cleaned")
	return nil
}
