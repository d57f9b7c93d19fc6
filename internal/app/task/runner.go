package task

import (
	"context"
	"sync"

	"github.com/dkeye/callcontrol/internal/core"
)

// Runner executes pipelines against one SessionContext, never more than
// one at a time.
type Runner struct {
	sc  *core.SessionContext
	sem chan struct{}

	mu      sync.Mutex
	current *Pipeline
	cancel  context.CancelFunc
}

func NewRunner(sc *core.SessionContext) *Runner {
	return &Runner{sc: sc, sem: make(chan struct{}, 1)}
}

func (r *Runner) Session() *core.SessionContext { return r.sc }

// Run waits for the running pipeline, if any, and then runs p. Giving up
// the wait because ctx is done yields a Cancelled result.
func (r *Runner) Run(ctx context.Context, p *Pipeline) Result {
	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return Result{Pipeline: p.Name(), State: Cancelled, Err: ctx.Err()}
	}
	return r.run(ctx, p)
}

// TryRun runs p only if no other pipeline is running.
func (r *Runner) TryRun(ctx context.Context, p *Pipeline) (Result, bool) {
	select {
	case r.sem <- struct{}{}:
	default:
		return Result{}, false
	}
	return r.run(ctx, p), true
}

func (r *Runner) run(ctx context.Context, p *Pipeline) Result {
	defer func() { <-r.sem }()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.mu.Lock()
	r.current, r.cancel = p, cancel
	r.mu.Unlock()

	res := p.Run(runCtx, r.sc)

	r.mu.Lock()
	r.current, r.cancel = nil, nil
	r.mu.Unlock()
	return res
}

// Cancel cancels the running pipeline. It returns false if none runs.
func (r *Runner) Cancel() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel == nil {
		return false
	}
	r.cancel()
	return true
}

// Current returns the name of the running pipeline, or "".
func (r *Runner) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return ""
	}
	return r.current.Name()
}
