// Package task runs ordered units of session work over a shared
// SessionContext.
package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/callcontrol/internal/core"
	"github.com/dkeye/callcontrol/internal/domain"
)

var (
	// ErrCancelled is returned by a task that unwinds because the session
	// is going away rather than because the step failed.
	ErrCancelled = errors.New("task cancelled")
	ErrTimeout   = errors.New("task timed out")
)

// Task is one step of setup, teardown or negotiation. Run must return at
// its next suspension point once ctx is done. Mutations already applied to
// sc are kept when Run returns early.
type Task interface {
	Name() string
	Run(ctx context.Context, sc *core.SessionContext) error
}

type funcTask struct {
	name string
	fn   func(ctx context.Context, sc *core.SessionContext) error
}

// Func adapts a function to a Task.
func Func(name string, fn func(ctx context.Context, sc *core.SessionContext) error) Task {
	return funcTask{name: name, fn: fn}
}

func (t funcTask) Name() string { return t.name }

func (t funcTask) Run(ctx context.Context, sc *core.SessionContext) error { return t.fn(ctx, sc) }

type timeoutTask struct {
	Task
	d time.Duration
}

// Timeout bounds t. Expiry of d fails the task with TaskFailed; expiry or
// cancellation of the parent context is passed through untouched.
func Timeout(t Task, d time.Duration) Task {
	if d <= 0 {
		return t
	}
	return timeoutTask{Task: t, d: d}
}

func (t timeoutTask) Run(ctx context.Context, sc *core.SessionContext) error {
	tctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	err := t.Task.Run(tctx, sc)
	if err != nil && ctx.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded) {
		return domain.NewStatusError(domain.StatusTaskFailed, fmt.Errorf("%s after %s: %w", t.Name(), t.d, ErrTimeout))
	}
	return err
}
