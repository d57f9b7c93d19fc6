package orch

import (
	"context"

	"github.com/dkeye/callcontrol/internal/app/task"
	"github.com/dkeye/callcontrol/internal/core"
	"github.com/dkeye/callcontrol/internal/domain"
	"github.com/dkeye/callcontrol/internal/metrics"
	"github.com/rs/zerolog/log"
)

// newMedia builds the media connection and binds its close callback. A
// fresh connection has no receive slots, so the policy starts over.
func (o *Orchestrator) newMedia(sc *core.SessionContext) (core.MediaConnection, error) {
	mc, err := o.opts.NewMedia(sc)
	if err != nil {
		return nil, err
	}
	mc.OnClosed(func() { o.onMediaClosed(mc) })
	o.policy.Reset()
	return mc, nil
}

func (o *Orchestrator) onMediaClosed(mc core.MediaConnection) {
	if o.sc.Media() != mc {
		// Retired on purpose.
		return
	}
	log.Warn().Str("module", "orch").Msg("media connection lost")
	o.ctl.Disconnect(domain.StatusConnectionHealthReconnect)
}

func (o *Orchestrator) switchToViewOnly() {
	if o.sc.ViewOnly() {
		return
	}
	o.sc.SetViewOnly(true)
	if mc := o.sc.Media(); mc != nil {
		if err := mc.StopLocalVideo(); err != nil {
			log.Error().Err(err).Str("module", "orch").Msg("stop local video")
		}
	}
	log.Info().Str("module", "orch").Msg("switched to view-only")
	// The server learns about the stopped sender from a new offer.
	o.renegotiate.Store(true)
	o.kick()
}

func (o *Orchestrator) onEstimate(e domain.BandwidthEstimate) {
	if !o.sc.SetBandwidthEstimate(e) {
		return
	}
	metrics.SetDownlinkEstimate(e.BitsPerSecond)
	o.kick()
}

// kick asks the update loop to look at the session again. Kicks coalesce.
func (o *Orchestrator) kick() {
	select {
	case o.kickCh <- struct{}{}:
	default:
	}
}

// updateLoop applies plan changes to a connected session, at most once
// per resubscribe interval.
func (o *Orchestrator) updateLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-o.kickCh:
		}
		if !o.Healthy() {
			continue
		}
		if o.renegotiate.Swap(false) {
			if err := o.limiter.Wait(ctx); err != nil {
				return nil
			}
			// A setup pipeline that wins the runner negotiates the
			// current media itself.
			if res, ran := o.runner.TryRun(ctx, o.env.Renegotiate()); ran && res.State == task.Failed {
				o.ctl.Disconnect(res.Code)
				continue
			}
		}
		trigger, ok := o.policy.NeedsRecompute(o.sc)
		if !ok {
			continue
		}
		if err := o.limiter.Wait(ctx); err != nil {
			return nil
		}
		res, ran := o.runner.TryRun(ctx, o.env.Update(trigger))
		if !ran {
			// A setup pipeline computes its own plan.
			continue
		}
		if res.State == task.Failed {
			o.ctl.Disconnect(res.Code)
		}
	}
}
