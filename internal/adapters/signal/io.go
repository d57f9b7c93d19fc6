package signal

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/callcontrol/internal/core"
	"github.com/dkeye/callcontrol/internal/domain"
	"github.com/dkeye/callcontrol/internal/metrics"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func (c *Channel) start(ctx context.Context, conn *websocket.Conn) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readPump(gctx, conn) })
	g.Go(func() error { return c.writePump(gctx, conn) })
	g.Go(func() error {
		// Unblocks ReadMessage once either pump fails or Close is called.
		<-gctx.Done()
		_ = conn.Close()
		return nil
	})

	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		c.dispatch()
	}()

	go func() {
		err := g.Wait()
		code, reason := domain.StatusOK, "closed locally"
		if err != nil {
			code, reason = domain.StatusOf(err), err.Error()
		}
		c.closeWith(code, reason)
		<-dispatched
		close(c.done)
	}()
}

func (c *Channel) writePump(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			return nil
		case data := <-c.send:
			if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
				return c.ioError(ctx, err)
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return c.ioError(ctx, err)
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump ping error")
				return c.ioError(ctx, err)
			}
		}
	}
}

func (c *Channel) readPump(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Str("module", "signal").Msg("readPump read error")
			}
			return c.ioError(ctx, err)
		}
		f, err := Decode(data)
		if err != nil {
			log.Error().Err(err).Str("module", "signal").Msg("bad frame")
			return domain.NewStatusError(domain.StatusSignalingRequestFailed, err)
		}
		if !c.accept(f) {
			continue
		}
		metrics.RecordFrame("in", string(f.Type))
		if !c.inbox.push(f) {
			return nil
		}
		if f.Type == core.FrameStatus && terminatesChannel(f.Status.Code) {
			c.closeWith(f.Status.Code, f.Status.Reason)
			return nil
		}
	}
}

// accept drops replayed frames. Sequence numbers are per connection.
func (c *Channel) accept(f core.Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f.Seq <= c.lastInSeq {
		log.Warn().Str("module", "signal").Uint64("seq", f.Seq).Uint64("last", c.lastInSeq).Str("type", string(f.Type)).Msg("replayed frame dropped")
		return false
	}
	c.lastInSeq = f.Seq
	return true
}

// terminatesChannel reports status codes after which the server will not
// continue the session on this connection.
func terminatesChannel(code domain.StatusCode) bool {
	if code == domain.StatusOK || domain.IsModeSwitch(code) {
		return false
	}
	return domain.Classify(code) != domain.Retryable
}

func (c *Channel) dispatch() {
	for {
		frames, sealed := c.inbox.wait()
		for _, f := range frames {
			for _, h := range c.snapshotHandlers() {
				h.HandleFrame(f)
			}
		}
		if sealed {
			return
		}
	}
}

// ioError maps a transport error to a status. Errors caused by our own
// shutdown map to nil.
func (c *Channel) ioError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return domain.NewStatusError(domain.StatusConnectionHealthReconnect, err)
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseServiceRestart, websocket.CloseTryAgainLater) {
		return domain.NewStatusError(domain.StatusSignalingInternalServerError, err)
	}
	return domain.NewStatusError(domain.StatusSignalingRequestFailed, err)
}

func dialStatus(resp *http.Response) domain.StatusCode {
	if resp != nil {
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return domain.StatusAudioAuthenticationRejected
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return domain.StatusSignalingBadRequest
		case resp.StatusCode >= 500:
			return domain.StatusSignalingInternalServerError
		}
	}
	return domain.StatusSignalingRequestFailed
}

// inbox is the unbounded, ordered queue between the reader and the
// dispatcher. seal appends the final frame and rejects later pushes.
type inbox struct {
	mu     sync.Mutex
	frames []core.Frame
	sealed bool
	wake   chan struct{}
}

func newInbox() *inbox {
	return &inbox{wake: make(chan struct{}, 1)}
}

func (in *inbox) push(f core.Frame) bool {
	in.mu.Lock()
	if in.sealed {
		in.mu.Unlock()
		return false
	}
	in.frames = append(in.frames, f)
	in.mu.Unlock()
	in.notify()
	return true
}

func (in *inbox) seal(last core.Frame) {
	in.mu.Lock()
	if in.sealed {
		in.mu.Unlock()
		return
	}
	in.frames = append(in.frames, last)
	in.sealed = true
	in.mu.Unlock()
	in.notify()
}

func (in *inbox) notify() {
	select {
	case in.wake <- struct{}{}:
	default:
	}
}

func (in *inbox) wait() ([]core.Frame, bool) {
	for {
		in.mu.Lock()
		if len(in.frames) > 0 || in.sealed {
			frames := in.frames
			in.frames = nil
			sealed := in.sealed
			in.mu.Unlock()
			return frames, sealed
		}
		in.mu.Unlock()
		<-in.wake
	}
}
