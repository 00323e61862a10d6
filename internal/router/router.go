// Package router bridges raw transport events to typed domain handlers.
//
// While bound to a transport the router holds exactly one low-level
// subscription per event name on it, no matter how often handlers are
// registered or the connection cycles. Rebinding to a different transport
// first releases every subscription on the old one.
package router

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/omochice/arena-client/internal/fsm"
	"github.com/omochice/arena-client/internal/log"
	"github.com/omochice/arena-client/internal/metrics"
	"github.com/omochice/arena-client/internal/transport"
	"github.com/omochice/arena-client/pkg/protocol"
)

var (
	ErrEmptyMessage     = errors.New("chat message is empty")
	ErrEmptySkill       = errors.New("skill tier is empty")
	ErrNotInGame        = errors.New("not in a game")
	ErrNotInLobby       = errors.New("not in the lobby")
	ErrNotBound         = errors.New("router has no transport")
	ErrMalformedPayload = errors.New("malformed payload")
	ErrUnexpectedEvent  = errors.New("event not expected in current phase")
)

// PhaseReader exposes the current session phase.
type PhaseReader interface {
	Phase() fsm.Phase
}

type Handler func(Event)

type HandlerID = uuid.UUID

type route struct {
	id      HandlerID
	handler Handler
}

type Router struct {
	phase   PhaseReader
	logger  *slog.Logger
	metrics *metrics.Collector
	sink    Handler
	reject  func(error)

	mu        sync.RWMutex
	transport transport.Transport
	handles   map[string]transport.Handle
	routes    map[string]route
	chatLog   []ChatMessage
	seq       uint64

	dropped atomic.Uint64
}

type Option func(*Router)

func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		r.logger = l
	}
}

func WithMetrics(c *metrics.Collector) Option {
	return func(r *Router) {
		r.metrics = c
	}
}

// WithSink installs the core handler that sees every decoded event before the
// registered domain handler.
func WithSink(h Handler) Option {
	return func(r *Router) {
		r.sink = h
	}
}

// WithRejectHandler receives every dropped inbound payload as an error
// wrapping ErrMalformedPayload or ErrUnexpectedEvent.
func WithRejectHandler(fn func(error)) Option {
	return func(r *Router) {
		r.reject = fn
	}
}

func New(phase PhaseReader, opts ...Option) *Router {
	r := &Router{
		phase:   phase,
		logger:  slog.Default(),
		handles: make(map[string]transport.Handle),
		routes:  make(map[string]route),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Bind attaches the router to t. Binding the transport it is already bound to
// is a no-op.
func (r *Router) Bind(t transport.Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.transport == t {
		return
	}
	r.unbindLocked()
	r.transport = t
	if t == nil {
		return
	}

	for _, event := range recognized {
		r.subscribeLocked(event)
	}
	for event := range r.routes {
		r.subscribeLocked(event)
	}
}

// Unbind releases every subscription on the current transport.
func (r *Router) Unbind() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unbindLocked()
}

// Close releases the transport and removes all domain handlers.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unbindLocked()
	r.routes = make(map[string]route)
}

func (r *Router) unbindLocked() {
	if r.transport != nil {
		for event, h := range r.handles {
			r.transport.Off(h)
			delete(r.handles, event)
		}
	}
	r.transport = nil
}

func (r *Router) subscribeLocked(event string) {
	if r.transport == nil {
		return
	}
	if _, ok := r.handles[event]; ok {
		return
	}
	r.handles[event] = r.transport.On(event, r.receive(event, r.transport))
}

// Register installs handler for event, replacing any previous one.
func (r *Router) Register(event string, handler Handler) HandlerID {
	id := uuid.New()

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.routes[event]; ok {
		r.logger.Debug("Replacing event handler", slog.String("event", event),
			slog.String("previous", prev.id.String()))
	}
	r.routes[event] = route{id: id, handler: handler}
	r.subscribeLocked(event)

	return id
}

// Unregister removes the handler for event; it will not see the next event.
// Subscriptions for events the router does not decode itself are released.
func (r *Router) Unregister(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.routes, event)
	if isRecognized(event) {
		return
	}
	if h, ok := r.handles[event]; ok {
		if r.transport != nil {
			r.transport.Off(h)
		}
		delete(r.handles, event)
	}
}

// Subscriptions returns the events with a live low-level subscription.
func (r *Router) Subscriptions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.handles))
	for event := range r.handles {
		out = append(out, event)
	}
	return out
}

// receive builds the low-level callback for event on t. Callbacks already in
// flight when t is unbound are discarded.
func (r *Router) receive(event string, t transport.Transport) transport.Callback {
	return func(p protocol.Payload) {
		if !r.boundTo(t) {
			return
		}
		if event == protocol.EventChat {
			r.DispatchChat(p)
			return
		}
		r.deliver(decode(event, p))
	}
}

func (r *Router) boundTo(t transport.Transport) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.transport == t
}

func (r *Router) deliver(ev Event) {
	if r.sink != nil {
		r.sink(ev)
	}

	r.mu.RLock()
	rt, ok := r.routes[ev.EventName()]
	r.mu.RUnlock()

	if !ok {
		return
	}
	rt.handler(ev)
}

// DispatchChat validates an inbound chat payload, appends it to the chat log
// and hands it to the chat handler. It reports whether it was appended.
func (r *Router) DispatchChat(raw protocol.Payload) bool {
	sender := raw.String(protocol.KeySID)
	text := raw.String(protocol.KeyMessage)

	if sender == "" || strings.TrimSpace(text) == "" {
		r.drop(protocol.EventChat, "malformed",
			fmt.Errorf("%w: chat_message needs %q and %q", ErrMalformedPayload, protocol.KeySID, protocol.KeyMessage))
		return false
	}

	if phase := r.phase.Phase(); phase != fsm.InGame {
		r.drop(protocol.EventChat, "unexpected",
			fmt.Errorf("%w: chat_message in %s", ErrUnexpectedEvent, phase))
		return false
	}

	r.mu.Lock()
	r.seq++
	msg := ChatMessage{SenderID: sender, Text: text, Sequence: r.seq}
	r.chatLog = append(r.chatLog, msg)
	r.mu.Unlock()

	r.deliver(msg)

	return true
}

func (r *Router) drop(event, reason string, err error) {
	r.dropped.Add(1)
	r.metrics.Dropped(event, reason)
	r.logger.Warn("Dropping inbound event", slog.String("event", event), log.ErrAttr(err))
	if r.reject != nil {
		r.reject(err)
	}
}

// Dropped returns how many inbound payloads were rejected.
func (r *Router) Dropped() uint64 {
	return r.dropped.Load()
}

// ChatLog returns a copy of the chat log in receipt order.
func (r *Router) ChatLog() []ChatMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ChatMessage, len(r.chatLog))
	copy(out, r.chatLog)
	return out
}

// ClearChat empties the chat log and restarts sequence numbering.
func (r *Router) ClearChat() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chatLog = nil
	r.seq = 0
}

// SendChat emits text as a chat_message. Nothing is appended locally; the
// message enters the log when the server broadcasts it back.
func (r *Router) SendChat(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	if r.phase.Phase() != fsm.InGame {
		return ErrNotInGame
	}
	return r.emit(protocol.EventChat, protocol.Payload{protocol.KeyMessage: text})
}

// RequestMatch emits find_match. The phase only changes when the server
// answers with start_game.
func (r *Router) RequestMatch(skillTier string) error {
	if strings.TrimSpace(skillTier) == "" {
		return ErrEmptySkill
	}
	switch r.phase.Phase() {
	case fsm.Connected, fsm.InLobby:
	default:
		return ErrNotInLobby
	}
	return r.emit(protocol.EventFindMatch, protocol.Payload{protocol.KeySkill: skillTier})
}

// LeaveMatch asks the server to end the current match.
func (r *Router) LeaveMatch() error {
	if r.phase.Phase() != fsm.InGame {
		return ErrNotInGame
	}
	return r.emit(protocol.EventLeaveMatch, protocol.Payload{})
}

func (r *Router) emit(event string, payload protocol.Payload) error {
	r.mu.RLock()
	t := r.transport
	r.mu.RUnlock()

	if t == nil {
		return ErrNotBound
	}
	if err := t.Emit(event, payload); err != nil {
		return fmt.Errorf("failed to send %s: %w", event, err)
	}
	return nil
}
