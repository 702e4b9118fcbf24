// Package mock provides a test double for the [transport.Transport] interface.
//
// Transport records every message passed to Send and every Connect and
// CancelReconnect call. Tests drive inbound traffic with [Transport.Emit] and
// control Send outcomes with SendErr or by changing the connection state.
//
// Example:
//
//	tr := mock.New(transport.Connected)
//	orch := session.New(src, tr, ...)
//	tr.Emit(transport.Event{Kind: transport.KindSummary, ...})
//	sent := tr.Sent()
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/livetranslate/pkg/transport"
)

// Transport is a mock implementation of [transport.Transport].
type Transport struct {
	mu sync.Mutex

	state    transport.ConnState
	handlers map[int]func(transport.Event)
	nextID   int
	sent     []transport.Message
	closed   bool

	// SendErr, if non-nil, is returned by Send while connected.
	SendErr error

	// ConnectTo is the state Connect moves to. The zero value leaves the
	// state unchanged, which models a dial still in flight.
	ConnectTo transport.ConnState

	// CallCountConnect records how many times Connect was called.
	CallCountConnect int

	// CallCountCancelReconnect records how many times CancelReconnect was called.
	CallCountCancelReconnect int

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// New returns a Transport in state s.
func New(s transport.ConnState) *Transport {
	return &Transport{state: s, handlers: make(map[int]func(transport.Event))}
}

// Connect implements [transport.Transport].
func (t *Transport) Connect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CallCountConnect++
	if t.ConnectTo != transport.Disconnected {
		t.state = t.ConnectTo
	}
}

// Send implements [transport.Transport]. Messages are recorded only when the
// send succeeds.
func (t *Transport) Send(_ context.Context, m transport.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.ErrClosed
	}
	if t.state != transport.Connected {
		return transport.ErrNotConnected
	}
	if t.SendErr != nil {
		return t.SendErr
	}
	t.sent = append(t.sent, m)
	return nil
}

// OnEvent implements [transport.Transport].
func (t *Transport) OnEvent(h func(transport.Event)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	t.handlers[id] = h
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.handlers, id)
	}
}

// State implements [transport.Transport].
func (t *Transport) State() transport.ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetState changes the connection state without emitting an event.
func (t *Transport) SetState(s transport.ConnState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
}

// CancelReconnect implements [transport.Transport].
func (t *Transport) CancelReconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CallCountCancelReconnect++
}

// Close implements [transport.Transport].
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CallCountClose++
	t.closed = true
	t.state = transport.Disconnected
	t.handlers = make(map[int]func(transport.Event))
	return nil
}

// Emit synchronously delivers ev to every registered handler. Lifecycle
// kinds also update the state: KindConnected moves to Connected,
// KindDisconnected and KindReconnectExhausted to Disconnected.
func (t *Transport) Emit(ev transport.Event) {
	t.mu.Lock()
	switch ev.Kind {
	case transport.KindConnected:
		t.state = transport.Connected
	case transport.KindDisconnected, transport.KindReconnectExhausted:
		t.state = transport.Disconnected
	}
	hs := make([]func(transport.Event), 0, len(t.handlers))
	for _, h := range t.handlers {
		hs = append(hs, h)
	}
	t.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

// Sent returns a copy of every successfully sent message, in order.
func (t *Transport) Sent() []transport.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]transport.Message, len(t.sent))
	copy(out, t.sent)
	return out
}

// Chunks returns the sent [transport.ChunkMessage] values, in order.
func (t *Transport) Chunks() []transport.ChunkMessage {
	var out []transport.ChunkMessage
	for _, m := range t.Sent() {
		if c, ok := m.(transport.ChunkMessage); ok {
			out = append(out, c)
		}
	}
	return out
}

// Handlers returns the number of registered handlers.
func (t *Transport) Handlers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handlers)
}

var _ transport.Transport = (*Transport)(nil)
