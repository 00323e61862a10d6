// Package transport defines the socket contract consumed by the session core.
//
// Adapters deliver lifecycle signals (connect, disconnect, connect_error) and
// inbound wire events through the same On/Off subscription primitive. Each
// adapter instance is one connection epoch owner; callbacks for one adapter
// are delivered sequentially, in wire order.
package transport

import (
	"errors"
	"sync"

	"github.com/omochice/arena-client/pkg/protocol"
)

// Lifecycle events surfaced by every adapter.
const (
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"
)

var (
	ErrNotConnected = errors.New("not connected to server")
	ErrEmit         = errors.New("failed to emit event")
)

type Callback func(payload protocol.Payload)

// Handle identifies one low-level subscription. The zero Handle is never
// returned by On and Off ignores it.
type Handle struct {
	event string
	id    uint64
}

func (h Handle) Event() string {
	return h.event
}

func (h Handle) Valid() bool {
	return h.id != 0
}

// Transport is a bidirectional event socket.
type Transport interface {
	// Connect starts connecting; the outcome arrives as a connect or
	// connect_error event. Calling it while connected or connecting is a no-op.
	Connect()

	// Disconnect closes the connection. Safe to call in any state.
	Disconnect()

	IsConnected() bool

	// Emit sends an event without waiting for any server response.
	Emit(event string, payload protocol.Payload) error

	On(event string, cb Callback) Handle

	// Off removes a subscription. Removing the same handle twice is harmless.
	Off(h Handle)
}

type listener struct {
	id uint64
	cb Callback
}

// Listeners is a goroutine-safe subscription table adapters embed to
// implement On and Off. The zero value is ready to use.
type Listeners struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string][]listener
}

func (l *Listeners) On(event string, cb Callback) Handle {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.subs == nil {
		l.subs = make(map[string][]listener)
	}
	l.nextID++
	l.subs[event] = append(l.subs[event], listener{id: l.nextID, cb: cb})

	return Handle{event: event, id: l.nextID}
}

func (l *Listeners) Off(h Handle) {
	if !h.Valid() {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	subs := l.subs[h.event]
	for i, sub := range subs {
		if sub.id == h.id {
			l.subs[h.event] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(l.subs[h.event]) == 0 {
		delete(l.subs, h.event)
	}
}

// Fire invokes the callbacks subscribed to event in subscription order. The
// table is snapshotted first so callbacks may subscribe or unsubscribe.
func (l *Listeners) Fire(event string, payload protocol.Payload) {
	l.mu.RLock()
	subs := make([]listener, len(l.subs[event]))
	copy(subs, l.subs[event])
	l.mu.RUnlock()

	for _, sub := range subs {
		sub.cb(payload)
	}
}

// Count returns the number of live subscriptions for event.
func (l *Listeners) Count(event string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.subs[event])
}

// Total returns the number of live subscriptions across all events.
func (l *Listeners) Total() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := 0
	for _, subs := range l.subs {
		n += len(subs)
	}
	return n
}
