package task

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/callcontrol/internal/core"
	"github.com/dkeye/callcontrol/internal/domain"
	"github.com/dkeye/callcontrol/internal/metrics"
	"github.com/rs/zerolog/log"
)

type State int

const (
	Idle State = iota
	Running
	Succeeded
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Final reports whether s is a terminal pipeline state.
func (s State) Final() bool {
	return s == Succeeded || s == Failed || s == Cancelled
}

// Result is the terminal outcome of a pipeline run. Code is set only when
// State is Failed; Task names the task that failed or observed the
// cancellation.
type Result struct {
	Pipeline string
	State    State
	Code     domain.StatusCode
	Task     string
	Err      error
}

// Pipeline is an ordered list of tasks run once, strictly in order.
type Pipeline struct {
	name  string
	tasks []Task

	mu     sync.Mutex
	state  State
	result Result
}

func NewPipeline(name string, tasks ...Task) *Pipeline {
	return &Pipeline{name: name, tasks: tasks}
}

func (p *Pipeline) Name() string { return p.name }

func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Run executes the tasks in order and stops at the first failure. A
// pipeline runs at most once: calling Run again returns the first result
// without executing anything.
func (p *Pipeline) Run(ctx context.Context, sc *core.SessionContext) Result {
	p.mu.Lock()
	if p.state != Idle {
		res := p.result
		p.mu.Unlock()
		log.Warn().Str("module", "task").Str("pipeline", p.name).Str("state", p.state.String()).Msg("pipeline already ran")
		return res
	}
	p.state = Running
	p.mu.Unlock()

	started := time.Now()
	log.Debug().Str("module", "task").Str("pipeline", p.name).Int("tasks", len(p.tasks)).Msg("pipeline started")

	res := Result{Pipeline: p.name, State: Succeeded}
	for _, t := range p.tasks {
		if ctx.Err() != nil {
			res = Result{Pipeline: p.name, State: Cancelled, Task: t.Name(), Err: ctx.Err()}
			break
		}
		log.Debug().Str("module", "task").Str("pipeline", p.name).Str("task", t.Name()).Msg("task started")
		if err := t.Run(ctx, sc); err != nil {
			res = outcome(ctx, err)
			res.Pipeline, res.Task = p.name, t.Name()
			break
		}
	}

	p.mu.Lock()
	p.state = res.State
	p.result = res
	p.mu.Unlock()

	metrics.RecordPipeline(p.name, res.State.String())
	ev := log.Info()
	if res.State == Failed {
		ev = log.Warn().Err(res.Err).Stringer("code", res.Code)
	}
	ev.Str("module", "task").
		Str("pipeline", p.name).
		Str("state", res.State.String()).
		Str("task", res.Task).
		Dur("took", time.Since(started)).
		Msg("pipeline finished")
	return res
}

// outcome maps a task error to a terminal state.
func outcome(ctx context.Context, err error) Result {
	if errors.Is(err, ErrCancelled) || ctx.Err() != nil {
		return Result{State: Cancelled, Err: err}
	}
	code := domain.StatusOf(err)
	if code == domain.StatusOK {
		return Result{State: Cancelled, Err: err}
	}
	return Result{State: Failed, Code: code, Err: err}
}
