// Package signal implements the client side of the signaling protocol over
// a websocket: frame codec, ordered delivery to handlers, heartbeat and
// mapping of transport failures to session status codes.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/callcontrol/internal/core"
	"github.com/dkeye/callcontrol/internal/domain"
	"github.com/dkeye/callcontrol/internal/metrics"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure  = errors.New("backpressure")
	ErrNotOpen       = errors.New("signaling channel not open")
	ErrAlreadyOpened = errors.New("signaling channel already opened")
	ErrJoinFirst     = errors.New("join must be the first frame")
)

type Config struct {
	URL        string
	Header     http.Header
	ReadLimit  int64
	PingPeriod time.Duration
	PongWait   time.Duration
	WriteWait  time.Duration
	SendBuffer int
	Dialer     *websocket.Dialer
	// OnPong is called from the reader goroutine on every heartbeat reply.
	OnPong func(at time.Time)
}

func (c Config) withDefaults() Config {
	if c.ReadLimit <= 0 {
		c.ReadLimit = 32768
	}
	if c.PingPeriod <= 0 {
		c.PingPeriod = 54 * time.Second
	}
	if c.PongWait <= c.PingPeriod {
		c.PongWait = c.PingPeriod * 10 / 9
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 5 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 32
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	return c
}

type state int

const (
	stateIdle state = iota
	stateOpen
	stateClosed
)

type handlerEntry struct {
	id int
	h  core.FrameHandler
}

// Channel is a SignalConnection over gorilla/websocket. Inbound frames are
// delivered one at a time, in arrival order, on a single dispatch
// goroutine. The last delivery is always a terminal status frame.
type Channel struct {
	cfg Config

	mu        sync.RWMutex
	state     state
	conn      *websocket.Conn
	send      chan []byte
	compress  bool
	outSeq    uint64
	lastInSeq uint64
	handlers  []handlerEntry
	nextID    int
	cancel    context.CancelFunc
	inbox     *inbox
	closeCode domain.StatusCode
	done      chan struct{}
	closeOnce sync.Once
}

var _ core.SignalConnection = (*Channel)(nil)

func NewChannel(cfg Config) *Channel {
	cfg = cfg.withDefaults()
	return &Channel{
		cfg:  cfg,
		send: make(chan []byte, cfg.SendBuffer),
		done: make(chan struct{}),
	}
}

// Open dials the server and starts the pumps. It suspends until the
// websocket handshake completes or fails.
func (c *Channel) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.state != stateIdle {
		c.mu.Unlock()
		return ErrAlreadyOpened
	}
	c.mu.Unlock()

	conn, resp, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		code := dialStatus(resp)
		log.Warn().Err(err).Str("module", "signal").Str("url", c.cfg.URL).Stringer("code", code).Msg("dial failed")
		return domain.NewStatusError(code, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	conn.SetReadLimit(c.cfg.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		now := time.Now()
		if c.cfg.OnPong != nil {
			c.cfg.OnPong(now)
		}
		return conn.SetReadDeadline(now.Add(c.cfg.PongWait))
	})

	runCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.state != stateIdle {
		// Closed while dialing.
		c.mu.Unlock()
		cancel()
		_ = conn.Close()
		return domain.NewStatusError(domain.StatusSignalingRequestFailed, ErrNotOpen)
	}
	c.state = stateOpen
	c.conn = conn
	c.cancel = cancel
	c.inbox = newInbox()
	c.mu.Unlock()

	log.Info().Str("module", "signal").Str("url", c.cfg.URL).Msg("signaling channel open")
	c.start(runCtx, conn)
	return nil
}

// Send enqueues f for transmission. It never blocks on the network.
func (c *Channel) Send(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateOpen {
		return ErrNotOpen
	}
	if c.outSeq == 0 && f.Type != core.FrameJoin {
		return ErrJoinFirst
	}
	f.Seq = c.outSeq + 1
	data, err := Encode(f, c.compress)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	c.outSeq = f.Seq
	metrics.RecordFrame("out", string(f.Type))
	return nil
}

// OnFrame registers h. Frames already delivered are not replayed.
func (c *Channel) OnFrame(h core.FrameHandler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.handlers = append(c.handlers, handlerEntry{id: id, h: h})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, e := range c.handlers {
			if e.id == id {
				c.handlers = append(c.handlers[:i:i], c.handlers[i+1:]...)
				return
			}
		}
	}
}

func (c *Channel) SetCapabilities(caps domain.Capabilities) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.compress = caps.Compression
}

func (c *Channel) IsOpen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == stateOpen
}

func (c *Channel) CloseCode() domain.StatusCode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closeCode
}

// Close releases the transport. Handlers get a terminal StatusOK frame.
func (c *Channel) Close() {
	c.closeWith(domain.StatusOK, "closed locally")
}

// Done is closed once every goroutine of the channel has exited.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// closeWith moves the channel to closed exactly once and queues the
// terminal notification behind every frame already received.
func (c *Channel) closeWith(code domain.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		prev := c.state
		c.state = stateClosed
		c.closeCode = code
		conn, cancel, in := c.conn, c.cancel, c.inbox
		c.mu.Unlock()

		log.Info().Str("module", "signal").Stringer("code", code).Str("reason", reason).Msg("signaling channel closed")

		terminal := core.Frame{
			Type:   core.FrameStatus,
			Status: &core.StatusPayload{Code: code, Reason: reason, Terminal: true},
		}
		if prev != stateOpen {
			// Never opened: no dispatcher runs, notify inline.
			for _, h := range c.snapshotHandlers() {
				h.HandleFrame(terminal)
			}
			close(c.done)
			return
		}
		if cancel != nil {
			cancel()
		}
		if conn != nil {
			_ = conn.Close()
		}
		in.seal(terminal)
	})
}

func (c *Channel) snapshotHandlers() []core.FrameHandler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]core.FrameHandler, len(c.handlers))
	for i, e := range c.handlers {
		out[i] = e.h
	}
	return out
}
