package live

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/convodesk/convodesk/internal/bus"
	"github.com/convodesk/convodesk/internal/phone"
	"github.com/convodesk/convodesk/internal/status"
)

// scriptConn serves a fixed sequence of frames, then fails.
type scriptConn struct {
	frames []RawEvent
	pos    int
	errOut error
}

func (c *scriptConn) ReadEvent(ctx context.Context) (RawEvent, error) {
	if c.pos < len(c.frames) {
		f := c.frames[c.pos]
		c.pos++
		return f, nil
	}
	if c.errOut != nil {
		return RawEvent{}, c.errOut
	}
	<-ctx.Done()
	return RawEvent{}, ctx.Err()
}

func (c *scriptConn) Close() error { return nil }

// scriptTransport hands out one scripted connection per dial, failing
// dials once the script is exhausted.
type scriptTransport struct {
	mu    sync.Mutex
	conns []*scriptConn
	dials int
}

func (t *scriptTransport) Dial(ctx context.Context) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials++
	if len(t.conns) == 0 {
		return nil, errors.New("gateway unreachable")
	}
	c := t.conns[0]
	t.conns = t.conns[1:]
	return c, nil
}

// dropTransport always dials successfully but every connection fails
// on its first read.
type dropTransport struct {
	mu    sync.Mutex
	dials int
}

func (t *dropTransport) Dial(ctx context.Context) (Conn, error) {
	t.mu.Lock()
	t.dials++
	t.mu.Unlock()
	return &scriptConn{errOut: errors.New("connection reset")}, nil
}

func (t *dropTransport) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

type collectHandler struct {
	mu   sync.Mutex
	msgs []InboundMessage
}

func (h *collectHandler) HandleInbound(m InboundMessage) {
	h.mu.Lock()
	h.msgs = append(h.msgs, m)
	h.mu.Unlock()
}

func (h *collectHandler) snapshot() []InboundMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]InboundMessage(nil), h.msgs...)
}

func frame(body string, ts int64) RawEvent {
	data, _ := json.Marshal(map[string]any{
		"phone":   "5512345678",
		"message": map[string]any{"body": body, "timestamp": ts},
	})
	return RawEvent{Name: EventNewMessage, Data: data}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestChannelDispatchesInArrivalOrder(t *testing.T) {
	transport := &scriptTransport{conns: []*scriptConn{{
		frames: []RawEvent{frame("one", 1), frame("two", 2), frame("three", 3)},
	}}}
	handler := &collectHandler{}
	ch := NewChannel(transport, status.NewMachine(nil), bus.New(), handler, phone.Normalizer{}, nil)

	ch.Start(context.Background())
	defer ch.Stop()

	waitFor(t, "three messages", func() bool { return len(handler.snapshot()) == 3 })
	got := handler.snapshot()
	for i, want := range []string{"one", "two", "three"} {
		if got[i].Body != want {
			t.Errorf("msg[%d] = %q, want %q", i, got[i].Body, want)
		}
	}
}

func TestChannelSkipsMalformedAndForeignEvents(t *testing.T) {
	transport := &scriptTransport{conns: []*scriptConn{{
		frames: []RawEvent{
			{Name: "typing", Data: json.RawMessage(`{}`)},
			{Name: EventNewMessage, Data: json.RawMessage(`{"message":{}}`)},
			frame("valid", 5),
		},
	}}}
	handler := &collectHandler{}
	ch := NewChannel(transport, status.NewMachine(nil), nil, handler, phone.Normalizer{}, nil)

	ch.Start(context.Background())
	defer ch.Stop()

	waitFor(t, "surviving message", func() bool { return len(handler.snapshot()) == 1 })
	if got := handler.snapshot()[0].Body; got != "valid" {
		t.Errorf("body = %q", got)
	}
}

func TestChannelReconnectsAfterDrop(t *testing.T) {
	transport := &scriptTransport{conns: []*scriptConn{
		{frames: []RawEvent{frame("before drop", 1)}, errOut: errors.New("connection reset")},
		{frames: []RawEvent{frame("after reconnect", 2)}},
	}}
	handler := &collectHandler{}
	b := bus.New()
	events, unsub := b.Subscribe("channel.", 16)
	defer unsub()
	machine := status.NewMachine(b)
	ch := NewChannel(transport, machine, b, handler, phone.Normalizer{}, nil)
	ch.initialBackoff = 10 * time.Millisecond

	ch.Start(context.Background())
	defer ch.Stop()

	waitFor(t, "message after reconnect", func() bool {
		msgs := handler.snapshot()
		return len(msgs) == 2 && msgs[1].Body == "after reconnect"
	})
	if machine.Current() != status.Connected {
		t.Errorf("state = %s", machine.Current())
	}

	var kinds []string
	for len(events) > 0 {
		kinds = append(kinds, (<-events).Kind)
	}
	var connected, dropped int
	for _, k := range kinds {
		switch k {
		case bus.KindChannelConnected:
			connected++
		case bus.KindChannelDropped:
			dropped++
		}
	}
	if connected != 2 || dropped != 1 {
		t.Errorf("connected=%d dropped=%d (events: %v)", connected, dropped, kinds)
	}
}

func TestChannelStopsCleanly(t *testing.T) {
	transport := &scriptTransport{conns: []*scriptConn{{}}}
	machine := status.NewMachine(nil)
	ch := NewChannel(transport, machine, nil, &collectHandler{}, phone.Normalizer{}, nil)

	ch.Start(context.Background())
	waitFor(t, "connected", func() bool { return machine.Current() == status.Connected })
	ch.Stop()

	if machine.Current() != status.Closed {
		t.Errorf("state after Stop = %s", machine.Current())
	}
}

func TestChannelPacesRedialsAfterImmediateDrops(t *testing.T) {
	// Every dial succeeds but the socket drops before delivering
	// anything, so the backoff must keep growing between redials
	// instead of resetting on the handshake.
	transport := &dropTransport{}
	ch := NewChannel(transport, status.NewMachine(nil), nil, &collectHandler{}, phone.Normalizer{}, nil)
	ch.initialBackoff = 50 * time.Millisecond
	ch.maxBackoff = 50 * time.Millisecond

	ch.Start(context.Background())
	time.Sleep(120 * time.Millisecond)
	ch.Stop()

	// 50ms between redials allows roughly three dials in 120ms; an
	// unthrottled drop loop would reach hundreds.
	if n := transport.count(); n < 2 || n > 5 {
		t.Fatalf("dials = %d, want a paced retry count (2..5)", n)
	}
}

// timedTransport fails the first N dials, then serves one scripted
// connection, then fails again. Dial times are recorded.
type timedTransport struct {
	mu       sync.Mutex
	failures int
	conn     *scriptConn
	times    []time.Time
}

func (t *timedTransport) Dial(ctx context.Context) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.times = append(t.times, time.Now())
	if t.failures > 0 {
		t.failures--
		return nil, errors.New("gateway unreachable")
	}
	if t.conn != nil {
		c := t.conn
		t.conn = nil
		return c, nil
	}
	return nil, errors.New("gateway unreachable")
}

func (t *timedTransport) dialTimes() []time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]time.Time(nil), t.times...)
}

func TestChannelResetsBackoffAfterDeliveredEvent(t *testing.T) {
	// Six failed dials grow the backoff to 640ms. The seventh dial
	// yields a connection that delivers an event before dropping,
	// which resets the backoff, so the eighth dial follows quickly.
	transport := &timedTransport{
		failures: 6,
		conn:     &scriptConn{frames: []RawEvent{frame("hello", 1)}, errOut: errors.New("connection reset")},
	}
	ch := NewChannel(transport, status.NewMachine(nil), nil, &collectHandler{}, phone.Normalizer{}, nil)
	ch.initialBackoff = 10 * time.Millisecond
	ch.maxBackoff = 10 * time.Second

	ch.Start(context.Background())
	defer ch.Stop()

	waitFor(t, "redial after the delivering connection", func() bool {
		return len(transport.dialTimes()) >= 8
	})
	times := transport.dialTimes()
	if gap := times[7].Sub(times[6]); gap > 300*time.Millisecond {
		t.Errorf("redial after delivered event took %v, want the initial backoff", gap)
	}
}

func TestChannelBackoffRetriesDial(t *testing.T) {
	// No scripted connections at all: every dial fails, the loop must
	// keep retrying rather than exiting.
	transport := &scriptTransport{}
	ch := NewChannel(transport, status.NewMachine(nil), nil, &collectHandler{}, phone.Normalizer{}, nil)

	ch.Start(context.Background())
	waitFor(t, "repeated dials", func() bool {
		transport.mu.Lock()
		defer transport.mu.Unlock()
		return transport.dials >= 2
	})
	ch.Stop()
}
