// Package transporttest provides an in-memory transport.Transport for tests.
package transporttest

import (
	"sync"

	"github.com/omochice/arena-client/internal/transport"
	"github.com/omochice/arena-client/pkg/protocol"
)

// Emitted is one outbound event recorded by Fake.
type Emitted struct {
	Event   string
	Payload protocol.Payload
}

// Fake records calls and lets the test drive lifecycle and inbound events
// synchronously. Connect only records the call; use Open or Fail to finish
// the handshake.
type Fake struct {
	transport.Listeners

	mu              sync.Mutex
	connected       bool
	connectCalls    int
	disconnectCalls int
	emitted         []Emitted

	// EmitErr, when set, is returned from every Emit.
	EmitErr error
}

var _ transport.Transport = (*Fake)(nil)

func New() *Fake {
	return &Fake{}
}

func (f *Fake) Connect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls++
}

func (f *Fake) Disconnect() {
	f.mu.Lock()
	f.disconnectCalls++
	wasConnected := f.connected
	f.connected = false
	f.mu.Unlock()

	if wasConnected {
		f.Fire(transport.EventDisconnect, protocol.Payload{protocol.KeyReason: "io client disconnect"})
	}
}

func (f *Fake) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *Fake) Emit(event string, payload protocol.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.EmitErr != nil {
		return f.EmitErr
	}
	if !f.connected {
		return transport.ErrNotConnected
	}
	f.emitted = append(f.emitted, Emitted{Event: event, Payload: payload.Clone()})
	return nil
}

// Open completes the handshake and fires connect.
func (f *Fake) Open() {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()

	f.Fire(transport.EventConnect, protocol.Payload{})
}

// Fail fires connect_error with reason.
func (f *Fake) Fail(reason string) {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()

	f.Fire(transport.EventConnectError, protocol.Payload{protocol.KeyReason: reason})
}

// Drop simulates the server or network closing the connection.
func (f *Fake) Drop(reason string) {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()

	f.Fire(transport.EventDisconnect, protocol.Payload{protocol.KeyReason: reason})
}

// Deliver fires an inbound wire event.
func (f *Fake) Deliver(event string, payload protocol.Payload) {
	f.Fire(event, payload)
}

func (f *Fake) Emitted() []Emitted {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]Emitted, len(f.emitted))
	copy(out, f.emitted)
	return out
}

func (f *Fake) ConnectCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls
}

func (f *Fake) DisconnectCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnectCalls
}
