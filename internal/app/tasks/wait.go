package tasks

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/callcontrol/internal/app/task"
	"github.com/dkeye/callcontrol/internal/core"
	"github.com/dkeye/callcontrol/internal/domain"
	"github.com/rs/zerolog/log"
)

// waiterDepth bounds the reply frames a waiter holds. Status frames are
// never dropped.
const waiterDepth = 16

// waiter collects frames accepted by match plus every status frame. It
// must be registered before the request whose reply it waits for.
type waiter struct {
	mu         sync.Mutex
	frames     []core.Frame
	wake       chan struct{}
	unregister func()
}

func newWaiter() *waiter {
	return &waiter{wake: make(chan struct{}, 1)}
}

func watch(sig core.SignalConnection, match func(core.Frame) bool) *waiter {
	w := newWaiter()
	w.unregister = sig.OnFrame(core.FrameHandlerFunc(func(f core.Frame) {
		if f.Type != core.FrameStatus && !match(f) {
			return
		}
		w.push(f)
	}))
	return w
}

// push queues f without blocking the dispatch goroutine. When the waiter
// is full the oldest reply frame makes room.
func (w *waiter) push(f core.Frame) {
	w.mu.Lock()
	if f.Type != core.FrameStatus {
		replies, oldest := 0, -1
		for i, q := range w.frames {
			if q.Type != core.FrameStatus {
				if oldest < 0 {
					oldest = i
				}
				replies++
			}
		}
		if replies >= waiterDepth {
			dropped := w.frames[oldest]
			w.frames = append(w.frames[:oldest], w.frames[oldest+1:]...)
			log.Warn().Str("module", "tasks").Str("type", string(dropped.Type)).Msg("waiter full, oldest frame dropped")
		}
	}
	w.frames = append(w.frames, f)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *waiter) next(ctx context.Context) (core.Frame, error) {
	for {
		w.mu.Lock()
		if len(w.frames) > 0 {
			f := w.frames[0]
			w.frames = w.frames[1:]
			w.mu.Unlock()
			return f, nil
		}
		w.mu.Unlock()
		select {
		case <-ctx.Done():
			return core.Frame{}, ctx.Err()
		case <-w.wake:
		}
	}
}

// wait returns the next matching frame. Status frames end the wait with
// the error they carry; a mode switch does not.
func (w *waiter) wait(ctx context.Context) (core.Frame, error) {
	for {
		f, err := w.next(ctx)
		if err != nil {
			return core.Frame{}, err
		}
		if f.Type != core.FrameStatus {
			return f, nil
		}
		if err := statusError(f); err != nil {
			return core.Frame{}, err
		}
	}
}

func statusError(f core.Frame) error {
	code := f.Status.Code
	if f.IsTerminal() && code == domain.StatusOK {
		return fmt.Errorf("signaling closed: %w", task.ErrCancelled)
	}
	if code == domain.StatusOK || domain.IsModeSwitch(code) {
		return nil
	}
	return domain.NewStatusError(code, fmt.Errorf("server status: %s", f.Status.Reason))
}

// closedCode is the status a task fails with once sig is gone: the code
// the connection closed with, else the last session status.
func closedCode(sc *core.SessionContext, sig core.SignalConnection) domain.StatusCode {
	code := domain.StatusOK
	if sig != nil {
		code = sig.CloseCode()
	}
	if code == domain.StatusOK || domain.IsModeSwitch(code) {
		code = sc.LastStatus()
	}
	if code == domain.StatusOK || domain.IsModeSwitch(code) {
		code = domain.StatusSignalingRequestFailed
	}
	return code
}

// liveSignal returns the open signaling connection or the error a task
// should fail with.
func liveSignal(sc *core.SessionContext) (core.SignalConnection, error) {
	sig := sc.Signaling()
	if sig != nil && sig.IsOpen() {
		return sig, nil
	}
	return nil, domain.NewStatusError(closedCode(sc, sig), fmt.Errorf("signaling connection not open"))
}

// sendError maps a failed Send. A connection that closed under the task
// reports why it closed.
func sendError(sc *core.SessionContext, sig core.SignalConnection, err error) error {
	if sig.IsOpen() {
		return domain.NewStatusError(domain.StatusSignalingRequestFailed, err)
	}
	return domain.NewStatusError(closedCode(sc, sig), err)
}
