package orch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/callcontrol/internal/app/downlink"
	"github.com/dkeye/callcontrol/internal/app/reconnect"
	"github.com/dkeye/callcontrol/internal/app/task"
	"github.com/dkeye/callcontrol/internal/app/tasks"
	"github.com/dkeye/callcontrol/internal/core"
	"github.com/dkeye/callcontrol/internal/domain"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type Options struct {
	// Dial builds an unopened signaling connection for the session.
	Dial      func(sc *core.SessionContext) core.SignalConnection
	NewMedia  tasks.MediaFactory
	Bandwidth core.BandwidthSource
	Policy    *downlink.Policy
	Reconnect reconnect.Config
	Clock     reconnect.Clock

	RequestCompression  bool
	JoinTimeout         time.Duration
	NegotiationTimeout  time.Duration
	LeaveTimeout        time.Duration
	ResubscribeInterval time.Duration
}

// Orchestrator drives one session: it owns the SessionContext, routes
// inbound frames into it and runs pipelines through the reconnect
// controller.
type Orchestrator struct {
	sc      *core.SessionContext
	opts    Options
	policy  *downlink.Policy
	runner  *task.Runner
	env     *tasks.Env
	ctl     *reconnect.Controller
	limiter *rate.Limiter
	kickCh  chan struct{}
	// renegotiate is set when local media changed under a live session.
	renegotiate atomic.Bool

	mu          sync.Mutex
	leaveReason string
	cancel      context.CancelFunc
	outcome     *reconnect.Outcome
}

func New(sc *core.SessionContext, opts Options) *Orchestrator {
	if opts.Policy == nil {
		opts.Policy = downlink.New(downlink.DefaultConfig())
	}
	if opts.ResubscribeInterval <= 0 {
		opts.ResubscribeInterval = time.Second
	}
	o := &Orchestrator{
		sc:      sc,
		opts:    opts,
		policy:  opts.Policy,
		runner:  task.NewRunner(sc),
		limiter: rate.NewLimiter(rate.Every(opts.ResubscribeInterval), 1),
		kickCh:  make(chan struct{}, 1),
	}
	o.env = &tasks.Env{
		NewSignal:          o.newSignal,
		NewMedia:           o.newMedia,
		Planner:            o.policy,
		RequestCompression: opts.RequestCompression,
		JoinTimeout:        opts.JoinTimeout,
		NegotiationTimeout: opts.NegotiationTimeout,
		LeaveTimeout:       opts.LeaveTimeout,
	}
	ctlOpts := []reconnect.Option{reconnect.WithStateHook(o.onState)}
	if opts.Clock != nil {
		ctlOpts = append(ctlOpts, reconnect.WithClock(opts.Clock))
	}
	o.ctl = reconnect.New(opts.Reconnect, o.runner, o.env.Setup, ctlOpts...)
	return o
}

func (o *Orchestrator) Session() *core.SessionContext { return o.sc }

// Run joins the meeting and keeps the session alive until it ends, the
// reconnect budget runs out, Leave is called or ctx is done. The session
// is always torn down before Run returns.
func (o *Orchestrator) Run(ctx context.Context) reconnect.Outcome {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.mu.Lock()
	o.cancel = cancel
	o.mu.Unlock()

	// Media outlives the pipelines and the run context so that Leave can
	// still be sent over a live session.
	mediaCtx, stopMedia := context.WithCancel(context.WithoutCancel(ctx))
	defer stopMedia()
	o.env.Lifetime = mediaCtx

	g, gctx := errgroup.WithContext(runCtx)
	if o.opts.Bandwidth != nil {
		g.Go(func() error { return o.opts.Bandwidth.Run(gctx, o.onEstimate) })
	}
	g.Go(func() error { return o.updateLoop(gctx) })

	out := o.ctl.Run(runCtx)
	cancel()
	if err := g.Wait(); err != nil {
		log.Warn().Err(err).Str("module", "orch").Msg("background loop failed")
	}

	o.teardown(ctx)
	stopMedia()

	o.mu.Lock()
	o.outcome = &out
	o.mu.Unlock()
	return out
}

// Leave ends the session. Run returns once the teardown is done.
func (o *Orchestrator) Leave(reason string) {
	o.mu.Lock()
	o.leaveReason = reason
	cancel := o.cancel
	o.mu.Unlock()
	log.Info().Str("module", "orch").Str("reason", reason).Msg("leave requested")
	if cancel != nil {
		cancel()
	}
}

func (o *Orchestrator) teardown(ctx context.Context) {
	o.mu.Lock()
	reason := o.leaveReason
	o.mu.Unlock()
	if reason == "" {
		reason = "session ended"
	}
	timeout := o.opts.LeaveTimeout + 5*time.Second
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	o.runner.Run(tctx, o.env.Teardown(reason))
}

// SetTargetDisplaySize records a display hint and schedules a plan
// recomputation.
func (o *Orchestrator) SetTargetDisplaySize(sourceID string, size domain.TargetDisplaySize) error {
	if !size.Valid() {
		return domain.ErrInvalidDisplaySize
	}
	o.sc.SetTargetDisplaySize(sourceID, size)
	o.kick()
	return nil
}

// Status is a point-in-time view of the session.
type Status struct {
	State          string                  `json:"state"`
	Pipeline       string                  `json:"pipeline,omitempty"`
	Attempts       int                     `json:"reconnect_attempts"`
	LastStatus     string                  `json:"last_status"`
	LastStatusCode domain.StatusCode       `json:"last_status_code"`
	Round          uint64                  `json:"negotiation_round"`
	EstimateKbps   uint64                  `json:"estimate_kbps"`
	Limit          int                     `json:"subscription_limit"`
	Plan           domain.SubscriptionPlan `json:"plan"`
	Paused         []domain.AttendeeID     `json:"paused,omitempty"`
	ViewOnly       bool                    `json:"view_only"`
	Compression    bool                    `json:"compression"`
	Outcome        *reconnect.Outcome      `json:"outcome,omitempty"`
}

func (o *Orchestrator) Status() Status {
	plan, _ := o.sc.Plans()
	last := o.sc.LastStatus()
	o.mu.Lock()
	outcome := o.outcome
	o.mu.Unlock()
	return Status{
		State:          o.ctl.State().String(),
		Pipeline:       o.runner.Current(),
		Attempts:       o.sc.ReconnectAttempts(),
		LastStatus:     last.String(),
		LastStatusCode: last,
		Round:          o.sc.Round(),
		EstimateKbps:   o.sc.BandwidthEstimate().Kbps(),
		Limit:          o.sc.SubscriptionLimit(),
		Plan:           plan,
		Paused:         o.sc.PausedAttendees(),
		ViewOnly:       o.sc.ViewOnly(),
		Compression:    o.sc.Capabilities().Compression,
		Outcome:        outcome,
	}
}

// Healthy reports whether the session is connected.
func (o *Orchestrator) Healthy() bool {
	return o.ctl.State() == reconnect.Connected
}

func (o *Orchestrator) onState(s reconnect.State) {
	log.Info().Str("module", "orch").Str("state", s.String()).Msg("session state")
	if s == reconnect.Connected {
		o.kick()
	}
}
