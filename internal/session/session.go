// Package session is the facade the presentation layer talks to. It owns the
// transport adapter and wires it to the phase machine and the event router.
package session

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/omochice/arena-client/internal/fsm"
	"github.com/omochice/arena-client/internal/log"
	"github.com/omochice/arena-client/internal/metrics"
	"github.com/omochice/arena-client/internal/router"
	"github.com/omochice/arena-client/internal/transport"
	"github.com/omochice/arena-client/pkg/protocol"
)

// DialFunc builds a fresh, unconnected transport adapter.
type DialFunc func() transport.Transport

type Session struct {
	dial    DialFunc
	logger  *slog.Logger
	metrics *metrics.Collector

	machine *fsm.Machine
	router  *router.Router

	connMu    sync.Mutex
	transport transport.Transport
	lifecycle []transport.Handle

	stateMu   sync.RWMutex
	sessionID string
	active    transport.Transport

	errMu     sync.RWMutex
	errNextID uint64
	errObs    map[uint64]func(*Error)
}

type Option func(*Session)

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		s.logger = l
	}
}

func WithMetrics(c *metrics.Collector) Option {
	return func(s *Session) {
		s.metrics = c
	}
}

func New(dial DialFunc, opts ...Option) *Session {
	s := &Session{
		dial:   dial,
		logger: slog.Default(),
		errObs: make(map[uint64]func(*Error)),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.machine = fsm.New(fsm.WithLogger(s.logger), fsm.WithMetrics(s.metrics), fsm.WithEffect(s.onEntry))
	s.router = router.New(s.machine,
		router.WithLogger(s.logger),
		router.WithMetrics(s.metrics),
		router.WithSink(s.onEvent),
		router.WithRejectHandler(s.onReject))

	// Registered first so errors are reported before presentation observers
	// see the transition.
	s.machine.Observe(s.onTransition)

	return s
}

// Connect starts connecting. It is a no-op unless the session is Disconnected.
// A transport left over from a dropped connection is reused; otherwise a new
// one is dialled.
func (s *Session) Connect() {
	release := s.machine.Hold()
	defer release()

	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.machine.Phase() != fsm.Disconnected {
		return
	}

	if s.transport == nil {
		s.attach(s.dial())
	}
	s.machine.Connect()
	s.transport.Connect()
}

// Disconnect drives the session to Disconnected and releases the transport.
// Safe to call in any phase.
func (s *Session) Disconnect() {
	release := s.machine.Hold()
	defer release()

	s.connMu.Lock()
	defer s.connMu.Unlock()

	s.machine.Disconnect()

	if s.transport == nil {
		return
	}
	t := s.transport
	s.detach()
	t.Disconnect()
}

// Close disconnects and removes every domain handler.
func (s *Session) Close() {
	s.Disconnect()
	s.router.Close()
}

func (s *Session) attach(t transport.Transport) {
	s.transport = t
	s.setActive(t)
	s.lifecycle = []transport.Handle{
		t.On(transport.EventConnect, func(p protocol.Payload) { s.onConnect(t, p) }),
		t.On(transport.EventDisconnect, func(p protocol.Payload) { s.onDisconnect(t, p) }),
		t.On(transport.EventConnectError, func(p protocol.Payload) { s.onConnectError(t, p) }),
	}
	s.router.Bind(t)
}

func (s *Session) detach() {
	s.setActive(nil)
	s.router.Unbind()
	for _, h := range s.lifecycle {
		s.transport.Off(h)
	}
	s.lifecycle = nil
	s.transport = nil
}

func (s *Session) setActive(t transport.Transport) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.active = t
}

// owns reports whether t is the attached transport. Callbacks still in
// flight from a detached transport are ignored.
func (s *Session) owns(t transport.Transport) bool {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.active == t
}

func (s *Session) onConnect(t transport.Transport, _ protocol.Payload) {
	if !s.owns(t) {
		return
	}
	if _, err := s.machine.Fire(fsm.TriggerTransportConnected); err != nil {
		s.report(ProtocolViolation, err)
	}
}

func (s *Session) onDisconnect(t transport.Transport, p protocol.Payload) {
	if !s.owns(t) {
		return
	}
	s.logger.Info("Disconnected from server", slog.String("reason", p.String(protocol.KeyReason)))
	_, _ = s.machine.Fire(fsm.TriggerTransportDisconnected)
}

func (s *Session) onConnectError(t transport.Transport, p protocol.Payload) {
	if !s.owns(t) {
		return
	}
	s.machine.Fail(p.String(protocol.KeyReason))
}

// onEntry applies phase entry effects while the transition is applied.
func (s *Session) onEntry(t fsm.Transition) {
	switch t.To {
	case fsm.InLobby, fsm.InGame:
		if t.Changed() {
			s.router.ClearChat()
		}
	case fsm.Disconnected:
		s.setSessionID("")
	}
}

// onTransition reports transport failures to error observers.
func (s *Session) onTransition(t fsm.Transition) {
	switch {
	case t.Err != nil:
		s.report(TransportError, t.Err)
	case t.Trigger == fsm.TriggerTransportDisconnected && t.Changed():
		s.report(TransportError, errConnectionLost)
	}
}

var errConnectionLost = errors.New("connection lost")

// onEvent drives the phase machine from server events. It runs before the
// presentation handler for the same event.
func (s *Session) onEvent(ev router.Event) {
	var err error

	switch e := ev.(type) {
	case router.SessionReady:
		s.setSessionID(e.SessionID)
		if !e.InMatch {
			_, err = s.machine.Fire(fsm.TriggerEnterLobby)
		}
	case router.MatchStarted:
		_, err = s.machine.Fire(fsm.TriggerServerStartGame)
	case router.GameEnded:
		_, err = s.machine.Fire(fsm.TriggerServerGameEnded)
	}

	if err != nil {
		s.report(ProtocolViolation, err)
	}
}

func (s *Session) onReject(err error) {
	if errors.Is(err, router.ErrUnexpectedEvent) {
		s.report(ProtocolViolation, err)
		return
	}
	s.report(ValidationError, err)
}

func (s *Session) report(kind ErrorKind, err error) {
	sessErr := &Error{Kind: kind, Err: err}
	s.logger.Debug("Session error", slog.String("kind", kind.String()), log.ErrAttr(err))

	s.errMu.RLock()
	observers := make([]func(*Error), 0, len(s.errObs))
	for _, fn := range s.errObs {
		observers = append(observers, fn)
	}
	s.errMu.RUnlock()

	for _, fn := range observers {
		fn(sessErr)
	}
}

func (s *Session) setSessionID(id string) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.sessionID = id
}

// Phase returns the current connection phase.
func (s *Session) Phase() fsm.Phase {
	return s.machine.Phase()
}

// SessionID returns the server-assigned id, or "" before the handshake.
func (s *Session) SessionID() string {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.sessionID
}

// ChatLog returns a snapshot of the current match's chat.
func (s *Session) ChatLog() []router.ChatMessage {
	return s.router.ChatLog()
}

// SendChat sends text to the current match. It fails without sending when
// text is blank or the session is not InGame.
func (s *Session) SendChat(text string) error {
	return s.router.SendChat(text)
}

// RequestMatch asks the server for a match at skillTier. Valid in Connected
// and InLobby; the phase changes only when the server starts the game.
func (s *Session) RequestMatch(skillTier string) error {
	return s.router.RequestMatch(skillTier)
}

// LeaveMatch asks the server to end the current match.
func (s *Session) LeaveMatch() error {
	return s.router.LeaveMatch()
}

// OnPhaseChange registers fn for every transition and returns a func that
// removes it. Transitions are delivered one at a time in the order they were
// applied. fn may call any session method; transitions it causes are
// delivered after every observer has seen the current one.
func (s *Session) OnPhaseChange(fn func(fsm.Transition)) func() {
	return s.machine.Observe(fn)
}

// OnError registers fn for transport, validation and protocol errors. fn may
// call any session method, including Connect after a TransportError.
func (s *Session) OnError(fn func(*Error)) func() {
	s.errMu.Lock()
	s.errNextID++
	id := s.errNextID
	s.errObs[id] = fn
	s.errMu.Unlock()

	return func() {
		s.errMu.Lock()
		defer s.errMu.Unlock()
		delete(s.errObs, id)
	}
}

// Handle installs the presentation handler for a wire event, replacing any
// previous one. Events arriving while no handler is installed are not queued.
func (s *Session) Handle(event string, fn router.Handler) router.HandlerID {
	return s.router.Register(event, fn)
}

// Unhandle removes the handler for event before the next event is delivered.
func (s *Session) Unhandle(event string) {
	s.router.Unregister(event)
}

// Dropped returns the number of inbound payloads rejected so far.
func (s *Session) Dropped() uint64 {
	return s.router.Dropped()
}
