// Package fsm implements the session phase state machine.
//
// Machine is the single authority for the current Phase. Transitions are
// serialised. Effects run while the transition is applied; observers are
// notified afterwards, outside the lock, in transition order.
package fsm

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/omochice/arena-client/internal/metrics"
)

var ErrInvalidTransition = errors.New("invalid phase transition")

// ConnectionError reports a failed transport connect, e.g. a rejected handshake.
type ConnectionError struct {
	Reason string
}

func (e *ConnectionError) Error() string {
	return "connection error: " + e.Reason
}

// Observer is called after every applied transition. It runs outside the
// machine lock and may call Fire; transitions it causes are delivered after
// the current one reaches every observer.
type Observer func(Transition)

type observerEntry struct {
	id uint64
	fn Observer
}

type Machine struct {
	mu         sync.Mutex
	phase      atomic.Int32
	effects    []Observer
	pending    []Transition
	delivering bool

	obsMu     sync.RWMutex
	observers []observerEntry
	nextID    uint64

	logger  *slog.Logger
	metrics *metrics.Collector
}

type Option func(*Machine)

func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) {
		m.logger = l
	}
}

func WithMetrics(c *metrics.Collector) Option {
	return func(m *Machine) {
		m.metrics = c
	}
}

// WithEffect runs fn for every applied transition while the machine is still
// locked, before any observer sees it. fn must not call into the machine.
func WithEffect(fn Observer) Option {
	return func(m *Machine) {
		m.effects = append(m.effects, fn)
	}
}

// New returns a machine in the Disconnected phase.
func New(opts ...Option) *Machine {
	m := &Machine{logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	m.phase.Store(int32(Disconnected))
	return m
}

// Phase returns the current phase. Observers may find it already past the
// transition they are handling.
func (m *Machine) Phase() Phase {
	return Phase(m.phase.Load())
}

// Observe registers fn and returns a func that removes it.
func (m *Machine) Observe(fn Observer) func() {
	m.obsMu.Lock()
	m.nextID++
	id := m.nextID
	m.observers = append(m.observers, observerEntry{id: id, fn: fn})
	m.obsMu.Unlock()

	return func() {
		m.obsMu.Lock()
		defer m.obsMu.Unlock()
		for i, o := range m.observers {
			if o.id == id {
				m.observers = append(m.observers[:i:i], m.observers[i+1:]...)
				return
			}
		}
	}
}

// Connect moves Disconnected to Connecting. Any other phase is left alone.
func (m *Machine) Connect() Transition {
	t, _ := m.fire(TriggerConnect, nil)
	return t
}

// Disconnect moves any phase to Disconnected.
func (m *Machine) Disconnect() Transition {
	t, _ := m.fire(TriggerDisconnect, nil)
	return t
}

// Fail records a transport connect failure and settles in Disconnected.
// Observers see the reason as a *ConnectionError in Transition.Err.
func (m *Machine) Fail(reason string) Transition {
	t, _ := m.fire(TriggerTransportError, &ConnectionError{Reason: reason})
	return t
}

// Fire applies trigger. Undefined transitions leave the phase unchanged and
// return ErrInvalidTransition.
func (m *Machine) Fire(trigger Trigger) (Transition, error) {
	return m.fire(trigger, nil)
}

func (m *Machine) fire(trigger Trigger, cause error) (Transition, error) {
	t, err := m.apply(trigger, cause)
	if err == nil && (t.Changed() || t.Err != nil) {
		m.deliver()
	}
	return t, err
}

func (m *Machine) apply(trigger Trigger, cause error) (Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.Phase()
	t := Transition{From: from, To: from, Trigger: trigger, Err: cause}

	switch trigger {
	case TriggerTransportError:
		if t.Err == nil {
			t.Err = &ConnectionError{Reason: "transport error"}
		}
		t.To = Disconnected
	case TriggerDisconnect, TriggerTransportDisconnected:
		t.To = Disconnected
	case TriggerConnect:
		if from != Disconnected {
			return t, nil
		}
		t.To = Connecting
	default:
		to, ok := transitions[from][trigger]
		if !ok {
			m.metrics.Rejected(from.String(), trigger.String())
			m.logger.Warn("Ignoring undefined phase transition",
				slog.String("phase", from.String()), slog.String("trigger", trigger.String()))
			return t, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, trigger, from)
		}
		t.To = to
	}

	if !t.Changed() && t.Err == nil {
		return t, nil
	}

	m.phase.Store(int32(t.To))
	if t.Changed() {
		m.metrics.Transition(from.String(), t.To.String())
		m.logger.Debug("Phase changed",
			slog.String("from", from.String()), slog.String("to", t.To.String()),
			slog.String("trigger", trigger.String()))
	}

	for _, fn := range m.effects {
		fn(t)
	}
	m.pending = append(m.pending, t)

	return t, nil
}

// Hold postpones observer notification until the returned func is called, so
// a caller can fire under its own locks and notify once they are released.
// When another call is already notifying, Hold does nothing and that call
// delivers the transitions instead.
func (m *Machine) Hold() (release func()) {
	if !m.claim() {
		return func() {}
	}
	return m.drain
}

func (m *Machine) deliver() {
	if m.claim() {
		m.drain()
	}
}

func (m *Machine) claim() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.delivering {
		return false
	}
	m.delivering = true
	return true
}

// drain notifies observers of queued transitions one at a time. Only the
// goroutine that claimed delivery calls it.
func (m *Machine) drain() {
	for {
		m.mu.Lock()
		if len(m.pending) == 0 {
			m.delivering = false
			m.mu.Unlock()
			return
		}
		t := m.pending[0]
		m.pending = m.pending[1:]
		m.mu.Unlock()

		m.obsMu.RLock()
		observers := make([]observerEntry, len(m.observers))
		copy(observers, m.observers)
		m.obsMu.RUnlock()

		for _, o := range observers {
			o.fn(t)
		}
	}
}
