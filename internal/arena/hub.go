// Package arena is a small matchmaking and chat server speaking the arena
// wire protocol. It backs local play and the client's end-to-end tests.
package arena

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/lithammer/shortuuid"
	"github.com/omochice/arena-client/pkg/protocol"
)

// End reasons carried by game_ended.
const (
	ReasonPlayerLeft         = "player_left"
	ReasonPlayerDisconnected = "player_disconnected"
)

// Peer is one connected player. Send must not block.
type Peer interface {
	ID() string
	Send(env protocol.Envelope)
}

type match struct {
	id      string
	skill   string
	players []string
}

// Hub tracks connected players, the per-skill waiting queue and running
// matches. All state changes happen under one lock and outbound envelopes
// are queued while holding it, so every player sees events in hub order.
type Hub struct {
	mu      sync.Mutex
	peers   map[string]Peer
	waiting map[string]string
	matches map[string]*match
	inMatch map[string]string
	logger  *slog.Logger
}

// NewHub creates a new Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		peers:   make(map[string]Peer),
		waiting: make(map[string]string),
		matches: make(map[string]*match),
		inMatch: make(map[string]string),
		logger:  logger,
	}
}

// Join registers p, greets it and completes the session handshake.
func (h *Hub) Join(p Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.peers[p.ID()] = p
	p.Send(protocol.Envelope{
		Event: protocol.EventNotice,
		Data:  protocol.Payload{protocol.KeyData: fmt.Sprintf("Client %s connected", p.ID())},
	})
	p.Send(protocol.Envelope{
		Event: protocol.EventSession,
		Data:  protocol.Payload{protocol.KeySID: p.ID(), protocol.KeyInMatch: false},
	})
	h.logger.Info("Player connected", slog.String("sid", p.ID()))
}

// Leave removes the player, dequeues it and ends its match.
func (h *Hub) Leave(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.peers[id]; !ok {
		return
	}
	h.dequeueLocked(id)
	if matchID, ok := h.inMatch[id]; ok {
		h.endMatchLocked(matchID, ReasonPlayerDisconnected)
	}
	delete(h.peers, id)
	h.logger.Info("Player disconnected", slog.String("sid", id))
}

// PlayerCount returns number of connected players.
func (h *Hub) PlayerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// MatchCount returns the number of running matches.
func (h *Hub) MatchCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.matches)
}

// Handle applies one inbound envelope from player id.
func (h *Hub) Handle(id string, env protocol.Envelope) {
	switch env.Event {
	case protocol.EventFindMatch:
		h.findMatch(id, env.Data.String(protocol.KeySkill))
	case protocol.EventChat:
		h.chat(id, env.Data.String(protocol.KeyMessage))
	case protocol.EventLeaveMatch:
		h.leaveMatch(id)
	default:
		h.logger.Debug("Ignoring unknown event", slog.String("sid", id), slog.String("event", env.Event))
	}
}

func (h *Hub) findMatch(id, skill string) {
	skill = strings.TrimSpace(skill)
	if skill == "" {
		h.logger.Debug("Ignoring find_match without skill", slog.String("sid", id))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.peers[id]; !ok {
		return
	}
	if _, ok := h.inMatch[id]; ok {
		h.logger.Debug("Ignoring find_match while in a match", slog.String("sid", id))
		return
	}

	h.dequeueLocked(id)

	opponent, ok := h.waiting[skill]
	if !ok {
		h.waiting[skill] = id
		return
	}
	delete(h.waiting, skill)

	m := &match{id: shortuuid.New(), skill: skill, players: []string{opponent, id}}
	h.matches[m.id] = m
	players := make([]any, 0, len(m.players))
	for _, p := range m.players {
		h.inMatch[p] = m.id
		players = append(players, p)
	}

	h.broadcastLocked(m, protocol.Envelope{
		Event: protocol.EventStartGame,
		Data: protocol.Payload{
			protocol.KeyMatchID: m.id,
			protocol.KeySkill:   skill,
			protocol.KeyPlayers: players,
		},
	})
	h.logger.Info("Match started", slog.String("match", m.id), slog.String("skill", skill))
}

// chat rebroadcasts text to every player of the sender's match, sender
// included, tagged with the sender's sid.
func (h *Hub) chat(id, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	matchID, ok := h.inMatch[id]
	if !ok {
		h.logger.Debug("Dropping chat outside a match", slog.String("sid", id))
		return
	}
	h.broadcastLocked(h.matches[matchID], protocol.Envelope{
		Event: protocol.EventChat,
		Data:  protocol.Payload{protocol.KeySID: id, protocol.KeyMessage: text},
	})
}

func (h *Hub) leaveMatch(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if matchID, ok := h.inMatch[id]; ok {
		h.endMatchLocked(matchID, ReasonPlayerLeft)
	}
}

func (h *Hub) endMatchLocked(matchID, reason string) {
	m, ok := h.matches[matchID]
	if !ok {
		return
	}
	h.broadcastLocked(m, protocol.Envelope{
		Event: protocol.EventGameEnded,
		Data:  protocol.Payload{protocol.KeyMatchID: m.id, protocol.KeyReason: reason},
	})
	for _, p := range m.players {
		delete(h.inMatch, p)
	}
	delete(h.matches, matchID)
	h.logger.Info("Match ended", slog.String("match", m.id), slog.String("reason", reason))
}

func (h *Hub) dequeueLocked(id string) {
	for skill, waiting := range h.waiting {
		if waiting == id {
			delete(h.waiting, skill)
		}
	}
}

func (h *Hub) broadcastLocked(m *match, env protocol.Envelope) {
	for _, id := range m.players {
		if p, ok := h.peers[id]; ok {
			p.Send(env)
		}
	}
}
