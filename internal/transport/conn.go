// Package transport carries the headset link over a websocket. Control
// messages travel as JSON envelopes in text messages; encoded frames travel
// as binary messages.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"vrlink/pkg/models"
)

var (
	// ErrClosed is returned when sending on a closed connection.
	ErrClosed = errors.New("connection closed")
	// ErrQueueFull is returned when the outbound frame queue is full.
	ErrQueueFull = errors.New("frame send queue full")
)

// Config tunes queues and keepalive.
type Config struct {
	FrameQueue   int           // outbound frames buffered before dropping
	ControlQueue int           // outbound control messages
	WriteTimeout time.Duration // per message write deadline
	PingInterval time.Duration // keepalive; read deadline is three intervals
	ReadLimit    int64         // max inbound message size
}

// DefaultConfig returns link defaults.
func DefaultConfig() Config {
	return Config{
		FrameQueue:   4,
		ControlQueue: 64,
		WriteTimeout: time.Second,
		PingInterval: 5 * time.Second,
		ReadLimit:    16 << 20,
	}
}

type outbound struct {
	kind int
	data []byte
}

// Stats counts link traffic.
type Stats struct {
	FramesSent     uint64
	FramesDropped  uint64
	FramesReceived uint64
	ControlSent    uint64
	ControlRecv    uint64
}

// Conn is one headset link. Handlers run on the read goroutine.
type Conn struct {
	ws     *websocket.Conn
	cfg    Config
	logger *slog.Logger

	control chan outbound
	frames  chan outbound

	mu       sync.RWMutex
	handlers map[string]func(models.Envelope)
	onFrame  func(*models.EncodedFrame)
	onClose  []func(error)

	closed    chan struct{}
	closeOnce sync.Once

	framesSent     atomic.Uint64
	framesDropped  atomic.Uint64
	framesReceived atomic.Uint64
	controlSent    atomic.Uint64
	controlRecv    atomic.Uint64
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 << 10,
	WriteBufferSize: 256 << 10,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Upgrade accepts a headset websocket on an HTTP request.
func Upgrade(w http.ResponseWriter, r *http.Request, cfg Config, logger *slog.Logger) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade websocket: %w", err)
	}
	return NewConn(ws, cfg, logger), nil
}

// Dial connects to a host stream endpoint.
func Dial(ctx context.Context, url string, cfg Config, logger *slog.Logger) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	return NewConn(ws, cfg, logger), nil
}

// NewConn wraps an established websocket.
func NewConn(ws *websocket.Conn, cfg Config, logger *slog.Logger) *Conn {
	def := DefaultConfig()
	if cfg.FrameQueue <= 0 {
		cfg.FrameQueue = def.FrameQueue
	}
	if cfg.ControlQueue <= 0 {
		cfg.ControlQueue = def.ControlQueue
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = def.ReadLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{
		ws:       ws,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "transport")),
		control:  make(chan outbound, cfg.ControlQueue),
		frames:   make(chan outbound, cfg.FrameQueue),
		handlers: make(map[string]func(models.Envelope)),
		closed:   make(chan struct{}),
	}
}

// Handle registers fn for control messages of type msgType.
func (c *Conn) Handle(msgType string, fn func(models.Envelope)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[msgType] = fn
}

// OnFrame registers the handler for inbound encoded frames.
func (c *Conn) OnFrame(fn func(*models.EncodedFrame)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFrame = fn
}

// OnClose registers fn to run once when the connection ends.
func (c *Conn) OnClose(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = append(c.onClose, fn)
}

// Run pumps the connection until ctx is cancelled or the peer goes away.
func (c *Conn) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writeLoop(ctx)
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.closed:
		}
	}()

	err := c.readLoop()
	c.Close()

	c.mu.RLock()
	hooks := append(([]func(error))(nil), c.onClose...)
	c.mu.RUnlock()
	for _, fn := range hooks {
		fn(err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Send queues a control message. It waits at most WriteTimeout for queue
// space.
func (c *Conn) Send(msgType string, payload any) error {
	data, err := models.EncodeMessage(msgType, payload)
	if err != nil {
		return err
	}

	t := time.NewTimer(c.cfg.WriteTimeout)
	defer t.Stop()
	select {
	case <-c.closed:
		return ErrClosed
	case c.control <- outbound{kind: websocket.TextMessage, data: data}:
		return nil
	case <-t.C:
		return fmt.Errorf("timed out queueing %s message", msgType)
	}
}

// SendFrame queues an encoded frame without blocking; a full queue drops it.
func (c *Conn) SendFrame(frame *models.EncodedFrame) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	data, err := MarshalFrame(frame)
	if err != nil {
		return err
	}
	select {
	case c.frames <- outbound{kind: websocket.BinaryMessage, data: data}:
		return nil
	default:
		c.framesDropped.Add(1)
		return ErrQueueFull
	}
}

// SendAck returns frame feedback to the host.
func (c *Conn) SendAck(ack models.FrameAck) error {
	return c.Send(models.MsgFrameAck, ack)
}

// SendProposal offers a StreamConfig to the headset.
func (c *Conn) SendProposal(p models.Proposal) error {
	return c.Send(models.MsgProposal, p)
}

// Close ends the connection. It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.ws != nil {
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.cfg.WriteTimeout))
			err = c.ws.Close()
		}
	})
	return err
}

// Done is closed when the connection ends.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
	if c.ws == nil {
		return ""
	}
	return c.ws.RemoteAddr().String()
}

// Stats returns link counters.
func (c *Conn) Stats() Stats {
	return Stats{
		FramesSent:     c.framesSent.Load(),
		FramesDropped:  c.framesDropped.Load(),
		FramesReceived: c.framesReceived.Load(),
		ControlSent:    c.controlSent.Load(),
		ControlRecv:    c.controlRecv.Load(),
	}
}

func (c *Conn) readLoop() error {
	c.ws.SetReadLimit(c.cfg.ReadLimit)
	deadline := 3 * c.cfg.PingInterval
	_ = c.ws.SetReadDeadline(time.Now().Add(deadline))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			select {
			case <-c.closed:
				return nil
			default:
			}
			return fmt.Errorf("websocket read error: %w", err)
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(deadline))

		switch kind {
		case websocket.TextMessage:
			c.dispatchControl(data)
		case websocket.BinaryMessage:
			c.dispatchFrame(data)
		}
	}
}

func (c *Conn) dispatchControl(data []byte) {
	env, err := models.DecodeEnvelope(data)
	if err != nil {
		c.logger.Warn("dropping malformed control message", slog.Any("error", err))
		return
	}
	c.controlRecv.Add(1)

	c.mu.RLock()
	fn := c.handlers[env.T]
	c.mu.RUnlock()
	if fn == nil {
		c.logger.Debug("no handler for control message", slog.String("type", env.T))
		return
	}
	fn(env)
}

func (c *Conn) dispatchFrame(data []byte) {
	f, err := UnmarshalFrame(data)
	if err != nil {
		c.logger.Warn("dropping malformed frame message", slog.Any("error", err))
		return
	}
	c.framesReceived.Add(1)

	c.mu.RLock()
	fn := c.onFrame
	c.mu.RUnlock()
	if fn != nil {
		fn(f)
	}
}

func (c *Conn) writeLoop(ctx context.Context) {
	ping := time.NewTicker(c.cfg.PingInterval)
	defer ping.Stop()

	for {
		// Control messages go out ahead of queued frames.
		select {
		case m := <-c.control:
			if !c.write(m) {
				return
			}
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case m := <-c.control:
			if !c.write(m) {
				return
			}
		case m := <-c.frames:
			if !c.write(m) {
				return
			}
		case <-ping.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				c.logger.Debug("ping failed", slog.Any("error", err))
				c.Close()
				return
			}
		}
	}
}

func (c *Conn) write(m outbound) bool {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := c.ws.WriteMessage(m.kind, m.data); err != nil {
		c.logger.Debug("websocket write failed", slog.Any("error", err))
		c.Close()
		return false
	}
	if m.kind == websocket.BinaryMessage {
		c.framesSent.Add(1)
	} else {
		c.controlSent.Add(1)
	}
	return true
}
