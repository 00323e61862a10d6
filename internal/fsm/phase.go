package fsm

// Phase is the single connection/session state of the client.
type Phase int32

const (
	Disconnected Phase = iota
	Connecting
	Connected
	InLobby
	InGame
)

// String returns the string representation of a Phase.
func (p Phase) String() string {
	switch p {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case InLobby:
		return "in_lobby"
	case InGame:
		return "in_game"
	default:
		return "unknown"
	}
}

// Trigger is an event that may move the machine to another phase.
type Trigger int

const (
	// TriggerConnect is the local connect() call.
	TriggerConnect Trigger = iota
	// TriggerDisconnect is the local disconnect() call.
	TriggerDisconnect
	TriggerTransportConnected
	TriggerTransportError
	TriggerTransportDisconnected
	// TriggerEnterLobby follows a handshake with no active match.
	TriggerEnterLobby
	TriggerServerStartGame
	TriggerServerGameEnded
)

func (t Trigger) String() string {
	switch t {
	case TriggerConnect:
		return "connect"
	case TriggerDisconnect:
		return "disconnect"
	case TriggerTransportConnected:
		return "transport_connected"
	case TriggerTransportError:
		return "transport_error"
	case TriggerTransportDisconnected:
		return "transport_disconnected"
	case TriggerEnterLobby:
		return "enter_lobby"
	case TriggerServerStartGame:
		return "server_start_game"
	case TriggerServerGameEnded:
		return "server_game_ended"
	default:
		return "unknown"
	}
}

// transitions lists every defined (phase, trigger) edge. Disconnect,
// TransportDisconnected and TransportError are handled before the lookup
// because they apply from any phase.
var transitions = map[Phase]map[Trigger]Phase{
	Disconnected: {
		TriggerConnect: Connecting,
	},
	Connecting: {
		TriggerTransportConnected: Connected,
	},
	Connected: {
		TriggerServerStartGame: InGame,
		TriggerEnterLobby:      InLobby,
	},
	InLobby: {
		TriggerServerStartGame: InGame,
	},
	InGame: {
		TriggerServerGameEnded: InLobby,
	},
}

// Transition describes one applied phase change.
type Transition struct {
	From    Phase
	To      Phase
	Trigger Trigger
	// Err is set for TriggerTransportError and holds a *ConnectionError.
	Err error
}

func (t Transition) Changed() bool {
	return t.From != t.To
}
