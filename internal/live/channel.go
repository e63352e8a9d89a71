package live

import (
	"context"
	"encoding/json"
	"time"

	"github.com/convodesk/convodesk/internal/bus"
	"github.com/convodesk/convodesk/internal/phone"
	"github.com/convodesk/convodesk/internal/status"
	"go.uber.org/zap"
)

const (
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 30 * time.Second
)

// RawEvent is one named frame from the push transport.
type RawEvent struct {
	Name string
	Data json.RawMessage
}

// Conn is a single established push connection.
type Conn interface {
	// ReadEvent blocks until the next frame arrives or the connection
	// fails.
	ReadEvent(ctx context.Context) (RawEvent, error)
	Close() error
}

// Transport establishes push connections.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// Handler consumes validated inbound messages, one at a time, in
// arrival order.
type Handler interface {
	HandleInbound(msg InboundMessage)
}

// Channel maintains the persistent push subscription. It dials through
// the Transport, validates each frame at the boundary, and hands
// validated messages to the Handler strictly in arrival order. On
// connection loss it reconnects with bounded exponential backoff; no
// in-memory state is cleared and missed events are not replayed (the
// daemon re-triggers a directory reload on reconnect instead).
type Channel struct {
	transport  Transport
	machine    *status.Machine
	bus        *bus.Bus
	handler    Handler
	normalizer phone.Normalizer
	logger     *zap.Logger

	initialBackoff time.Duration
	maxBackoff     time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewChannel creates a channel. Start must be called to connect.
func NewChannel(t Transport, m *status.Machine, b *bus.Bus, h Handler, n phone.Normalizer, logger *zap.Logger) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		transport:      t,
		machine:        m,
		bus:            b,
		handler:        h,
		normalizer:     n,
		logger:         logger,
		initialBackoff: defaultInitialBackoff,
		maxBackoff:     defaultMaxBackoff,
		done:           make(chan struct{}),
	}
}

// Start launches the connect/read loop.
func (c *Channel) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
}

// Stop tears the channel down and waits for the loop to exit. No-op
// when the channel was never started.
func (c *Channel) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
}

func (c *Channel) run(ctx context.Context) {
	defer close(c.done)
	defer func() { _ = c.machine.Transition(status.Closed) }()

	backoff := c.initialBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		_ = c.machine.Transition(status.Connecting)

		conn, err := c.transport.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			_ = c.machine.Transition(status.Disconnected)
			c.logger.Warn("push dial failed",
				zap.Error(err), zap.Duration("retry_in", backoff))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff = min(backoff*2, c.maxBackoff)
			continue
		}

		_ = c.machine.Transition(status.Connected)
		c.publish(bus.KindChannelConnected, nil)
		c.logger.Info("push channel connected")

		sawEvent, err := c.readLoop(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		// The connection has to deliver at least one event before the
		// backoff resets. A gateway that accepts the handshake and
		// drops the socket right away otherwise turns the reconnect
		// loop into an unbounded-rate dialer.
		if sawEvent {
			backoff = c.initialBackoff
		}
		_ = c.machine.Transition(status.Disconnected)
		c.publish(bus.KindChannelDropped, nil)
		c.logger.Warn("push connection dropped",
			zap.Error(err), zap.Duration("retry_in", backoff))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff = min(backoff*2, c.maxBackoff)
	}
}

func (c *Channel) readLoop(ctx context.Context, conn Conn) (bool, error) {
	saw := false
	for {
		evt, err := conn.ReadEvent(ctx)
		if err != nil {
			return saw, err
		}
		saw = true
		c.dispatch(evt)
	}
}

// dispatch validates one frame and fans it out. Events other than
// "new-message" (presence, typing indicators) are ignored here.
func (c *Channel) dispatch(evt RawEvent) {
	if evt.Name != EventNewMessage {
		return
	}
	msg, err := ParseNewMessage(evt.Data, c.normalizer)
	if err != nil {
		c.logger.Warn("dropping malformed push event", zap.Error(err))
		return
	}
	c.handler.HandleInbound(msg)
}

func (c *Channel) publish(kind string, payload any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
