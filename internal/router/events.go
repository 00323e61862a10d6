package router

import "github.com/omochice/arena-client/pkg/protocol"

// Event is a typed domain event decoded from a raw wire event.
type Event interface {
	EventName() string
}

// ChatMessage is one entry of the chat log. Sequence is assigned locally at
// receipt and only orders entries.
type ChatMessage struct {
	SenderID string
	Text     string
	Sequence uint64
}

func (ChatMessage) EventName() string { return protocol.EventChat }

// MatchStarted is the server's start_game.
type MatchStarted struct {
	MatchID string
	Players []string
	Data    protocol.Payload
}

func (MatchStarted) EventName() string { return protocol.EventStartGame }

// GameEnded is the server's game_ended.
type GameEnded struct {
	MatchID string
	Reason  string
	Data    protocol.Payload
}

func (GameEnded) EventName() string { return protocol.EventGameEnded }

// SessionReady is the server handshake carrying the assigned session id.
type SessionReady struct {
	SessionID string
	InMatch   bool
}

func (SessionReady) EventName() string { return protocol.EventSession }

// Notice is a free-form server message such as the connect greeting.
type Notice struct {
	Text string
}

func (Notice) EventName() string { return protocol.EventNotice }

// Raw carries events the router has no typed decoder for.
type Raw struct {
	Name    string
	Payload protocol.Payload
}

func (r Raw) EventName() string { return r.Name }

// recognized lists the wire events the router always subscribes to while bound.
var recognized = []string{
	protocol.EventSession,
	protocol.EventNotice,
	protocol.EventStartGame,
	protocol.EventGameEnded,
	protocol.EventChat,
}

func isRecognized(event string) bool {
	for _, e := range recognized {
		if e == event {
			return true
		}
	}
	return false
}

func decode(event string, p protocol.Payload) Event {
	switch event {
	case protocol.EventSession:
		return SessionReady{SessionID: p.String(protocol.KeySID), InMatch: p.Bool(protocol.KeyInMatch)}
	case protocol.EventNotice:
		return Notice{Text: p.String(protocol.KeyData)}
	case protocol.EventStartGame:
		return MatchStarted{MatchID: p.String(protocol.KeyMatchID), Players: p.Strings(protocol.KeyPlayers), Data: p.Clone()}
	case protocol.EventGameEnded:
		return GameEnded{MatchID: p.String(protocol.KeyMatchID), Reason: p.String(protocol.KeyReason), Data: p.Clone()}
	default:
		return Raw{Name: event, Payload: p.Clone()}
	}
}
