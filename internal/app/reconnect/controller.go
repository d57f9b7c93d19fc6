// Package reconnect re-runs the setup pipeline after transient failures
// with capped exponential backoff and an attempt and time budget.
package reconnect

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/dkeye/callcontrol/internal/app/task"
	"github.com/dkeye/callcontrol/internal/domain"
	"github.com/dkeye/callcontrol/internal/metrics"
	"github.com/rs/zerolog/log"
)

type State int

const (
	Idle State = iota
	Connecting
	Connected
	Disconnected
	Reconnecting
	GaveUp
	Ended
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Reconnecting:
		return "reconnecting"
	case GaveUp:
		return "gave_up"
	case Ended:
		return "ended"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Clock abstracts time for the backoff timer.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

type Config struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	// MaxAttempts bounds reconnect attempts since the last Connected.
	// Zero means no bound.
	MaxAttempts int
	// MaxElapsed bounds the time spent disconnected. Zero means no bound.
	MaxElapsed time.Duration
	// BoundedAttempts bounds attempts caused by codes classified as
	// bounded retryable.
	BoundedAttempts int
}

func DefaultConfig() Config {
	return Config{
		InitialBackoff:  500 * time.Millisecond,
		MaxBackoff:      30 * time.Second,
		Multiplier:      2,
		MaxAttempts:     10,
		MaxElapsed:      5 * time.Minute,
		BoundedAttempts: 3,
	}
}

// Backoff returns the delay before the given attempt, counting from 1.
func (c Config) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := c.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(c.InitialBackoff) * math.Pow(mult, float64(attempt-1))
	if c.MaxBackoff > 0 && d > float64(c.MaxBackoff) {
		return c.MaxBackoff
	}
	return time.Duration(d)
}

// Outcome is how a session ended. Policy is FatalStop for GaveUp even when
// Code itself is retryable.
type Outcome struct {
	State    State
	Code     domain.StatusCode
	Policy   domain.RetryPolicy
	Attempts int
}

type Option func(*Controller)

func WithClock(c Clock) Option { return func(ctl *Controller) { ctl.clock = c } }

// WithStateHook registers fn to observe every state transition.
func WithStateHook(fn func(State)) Option { return func(ctl *Controller) { ctl.onState = fn } }

// Controller owns the session's setup pipelines. It runs them one at a
// time on a single loop; Disconnect only posts a signal to that loop.
type Controller struct {
	cfg    Config
	clock  Clock
	runner *task.Runner
	setup  func() *task.Pipeline
	events chan domain.StatusCode

	mu        sync.Mutex
	state     State
	attempts  int
	bounded   int
	downSince time.Time
	onState   func(State)
}

func New(cfg Config, runner *task.Runner, setup func() *task.Pipeline, opts ...Option) *Controller {
	c := &Controller{
		cfg:    cfg,
		clock:  realClock{},
		runner: runner,
		setup:  setup,
		events: make(chan domain.StatusCode, 8),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Disconnect reports that the live session broke with code. Mode
// switches are not disconnects and are ignored.
func (c *Controller) Disconnect(code domain.StatusCode) {
	if domain.IsModeSwitch(code) {
		return
	}
	select {
	case c.events <- code:
	default:
		log.Warn().Str("module", "reconnect").Stringer("code", code).Msg("disconnect signal dropped, queue full")
	}
}

// Run connects and keeps the session connected until it ends, the budget
// is exhausted or ctx is done.
func (c *Controller) Run(ctx context.Context) Outcome {
	c.setState(Connecting)
	for {
		c.drain()
		res := c.runner.Run(ctx, c.setup())

		var code domain.StatusCode
		switch res.State {
		case task.Succeeded:
			c.connected()
			select {
			case <-ctx.Done():
				return c.end(Ended, domain.StatusOK)
			case code = <-c.events:
			}
		case task.Cancelled:
			if ctx.Err() != nil {
				return c.end(Ended, domain.StatusOK)
			}
			code = domain.StatusSignalingRequestFailed
		default:
			code = res.Code
		}

		if domain.Classify(code) == domain.Retryable {
			if stop, ok := c.queuedStop(); ok {
				code = stop
			}
		}
		c.runner.Session().SetLastStatus(code)
		switch domain.Classify(code) {
		case domain.NormalEnd, domain.FatalStop:
			return c.end(Ended, code)
		}

		c.setState(Disconnected)
		delay, ok := c.schedule(code)
		if !ok {
			return c.end(GaveUp, code)
		}
		log.Info().
			Str("module", "reconnect").
			Stringer("code", code).
			Int("attempt", c.Attempts()).
			Dur("backoff", delay).
			Msg("reconnect scheduled")

		select {
		case <-ctx.Done():
			return c.end(Ended, domain.StatusOK)
		case <-c.clock.After(delay):
		}
		c.setState(Reconnecting)
	}
}

// schedule counts one more attempt for code and returns its delay, or
// false when the budget does not allow it.
func (c *Controller) schedule(code domain.StatusCode) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	if c.downSince.IsZero() {
		c.downSince = now
	}
	if c.cfg.MaxAttempts > 0 && c.attempts >= c.cfg.MaxAttempts {
		return 0, false
	}
	if domain.IsBounded(code) && c.bounded >= c.cfg.BoundedAttempts {
		return 0, false
	}
	delay := c.cfg.Backoff(c.attempts + 1)
	if c.cfg.MaxElapsed > 0 && now.Sub(c.downSince)+delay > c.cfg.MaxElapsed {
		return 0, false
	}
	c.attempts++
	if domain.IsBounded(code) {
		c.bounded++
	}
	c.runner.Session().SetReconnectAttempts(c.attempts)
	metrics.RecordReconnectAttempt(code.String())
	return delay, true
}

func (c *Controller) connected() {
	c.mu.Lock()
	c.attempts, c.bounded = 0, 0
	c.downSince = time.Time{}
	c.mu.Unlock()
	c.runner.Session().SetReconnectAttempts(0)
	c.setState(Connected)
}

func (c *Controller) end(s State, code domain.StatusCode) Outcome {
	c.setState(s)
	policy := domain.Classify(code)
	if s == GaveUp {
		policy = domain.FatalStop
	}
	out := Outcome{State: s, Code: code, Policy: policy, Attempts: c.Attempts()}
	log.Info().
		Str("module", "reconnect").
		Str("state", s.String()).
		Stringer("code", code).
		Int("attempts", out.Attempts).
		Msg("session over")
	return out
}

// queuedStop takes pending disconnect signals and returns the first one
// that ends the session. A retryable failure is often the echo of such a
// signal, so the stop wins over it.
func (c *Controller) queuedStop() (domain.StatusCode, bool) {
	for {
		select {
		case code := <-c.events:
			switch domain.Classify(code) {
			case domain.NormalEnd, domain.FatalStop:
				return code, true
			}
		default:
			return domain.StatusOK, false
		}
	}
}

// drain drops disconnect signals that belong to a previous connection.
func (c *Controller) drain() {
	for {
		select {
		case <-c.events:
		default:
			return
		}
	}
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	fn := c.onState
	c.mu.Unlock()
	metrics.SetSessionState(s.String())
	if fn != nil {
		fn(s)
	}
}
