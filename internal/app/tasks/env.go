// Package tasks holds the concrete setup, update and teardown steps of a
// session and the pipelines built from them.
package tasks

import (
	"context"
	"time"

	"github.com/dkeye/callcontrol/internal/app/task"
	"github.com/dkeye/callcontrol/internal/core"
)

const (
	PipelineSetup       = "setup"
	PipelineUpdate      = "update"
	PipelineRenegotiate = "renegotiate"
	PipelineTeardown    = "teardown"
)

// Planner recomputes the subscription plan from the session and commits
// it. It reports whether the committed plan differs from the last one.
type Planner interface {
	Recompute(sc *core.SessionContext, trigger string) bool
}

// SignalFactory builds a fresh, unopened signaling connection. The factory
// registers the long-lived session handlers before returning.
type SignalFactory func(sc *core.SessionContext) core.SignalConnection

// MediaFactory builds a fresh media connection for the current session
// (ICE servers from the last JoinAck).
type MediaFactory func(sc *core.SessionContext) (core.MediaConnection, error)

// Env is what the tasks need from the outside world.
type Env struct {
	NewSignal SignalFactory
	NewMedia  MediaFactory
	Planner   Planner

	// Lifetime bounds the media connection. Pipelines end long before it.
	Lifetime context.Context

	RequestCompression bool
	JoinTimeout        time.Duration
	NegotiationTimeout time.Duration
	LeaveTimeout       time.Duration
}

func (e *Env) lifetime() context.Context {
	if e.Lifetime == nil {
		return context.Background()
	}
	return e.Lifetime
}

// Setup builds the pipeline that connects, joins and negotiates media.
func (e *Env) Setup() *task.Pipeline {
	s := &setupRun{env: e}
	return task.NewPipeline(PipelineSetup,
		task.Func("open_signaling", s.openSignaling),
		task.Timeout(task.Func("join", s.join), e.JoinTimeout),
		task.Func("create_peer_connection", s.createPeerConnection),
		task.Timeout(task.Func("receive_index", s.receiveIndex), e.JoinTimeout),
		task.Func("compute_subscription", computeSubscription(e, "setup")),
		task.Timeout(task.Func("negotiate", negotiate), e.NegotiationTimeout),
	)
}

// Update builds the pipeline that applies a recomputed plan to a live
// session.
func (e *Env) Update(trigger string) *task.Pipeline {
	return task.NewPipeline(PipelineUpdate,
		task.Func("compute_subscription", computeSubscription(e, trigger)),
		task.Timeout(task.Func("update_subscriptions", updateSubscriptions), e.NegotiationTimeout),
	)
}

// Renegotiate builds the pipeline that offers the current plan again after
// the local media changed, such as local video stopping.
func (e *Env) Renegotiate() *task.Pipeline {
	return task.NewPipeline(PipelineRenegotiate,
		task.Timeout(task.Func("negotiate", negotiate), e.NegotiationTimeout),
	)
}

// Teardown builds the pipeline that leaves the meeting and releases every
// connection.
func (e *Env) Teardown(reason string) *task.Pipeline {
	return task.NewPipeline(PipelineTeardown,
		task.Func("leave", leave(e, reason)),
		task.Func("clean_session", cleanSession),
	)
}
