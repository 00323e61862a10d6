package arena_test

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/omochice/arena-client/internal/arena"
	"github.com/omochice/arena-client/internal/log"
	"github.com/omochice/arena-client/internal/metrics"
	"github.com/omochice/arena-client/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func startServer(t *testing.T, opts ...arena.Option) *arena.Server {
	t.Helper()

	var buf bytes.Buffer
	opts = append([]arena.Option{arena.WithLogger(log.New(&buf, log.Debug))}, opts...)
	server := arena.New("127.0.0.1:0", opts...)
	if err := server.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	go func() {
		if err := server.Serve(); err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	}()
	t.Cleanup(server.Stop)

	return server
}

func dial(t *testing.T, server *arena.Server) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+server.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, env protocol.Envelope) {
	t.Helper()

	data, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
}

// next reads envelopes until one named event arrives.
func next(t *testing.T, conn *websocket.Conn, event string) protocol.Envelope {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %q: %v", event, err)
		}
		var env protocol.Envelope
		if err := env.Decode(data); err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		if env.Event == event {
			return env
		}
	}
}

func TestServer_Handshake(t *testing.T) {
	server := startServer(t)
	conn := dial(t, server)

	notice := next(t, conn, protocol.EventNotice)
	session := next(t, conn, protocol.EventSession)

	sid := session.Data.String(protocol.KeySID)
	if sid == "" {
		t.Fatal("session without sid")
	}
	if got, want := notice.Data.String(protocol.KeyData), "Client "+sid+" connected"; got != want {
		t.Errorf("notice = %q, want %q", got, want)
	}
}

func TestServer_MatchAndChat(t *testing.T) {
	server := startServer(t)
	alice := dial(t, server)
	bob := dial(t, server)

	aliceID := next(t, alice, protocol.EventSession).Data.String(protocol.KeySID)
	next(t, bob, protocol.EventSession)

	find := protocol.Envelope{Event: protocol.EventFindMatch, Data: protocol.Payload{protocol.KeySkill: "beginner"}}
	send(t, alice, find)
	send(t, bob, find)

	aliceStart := next(t, alice, protocol.EventStartGame)
	bobStart := next(t, bob, protocol.EventStartGame)
	if a, b := aliceStart.Data.String(protocol.KeyMatchID), bobStart.Data.String(protocol.KeyMatchID); a == "" || a != b {
		t.Errorf("match ids = %q and %q, want equal and non-empty", a, b)
	}

	send(t, alice, protocol.Envelope{Event: protocol.EventChat, Data: protocol.Payload{protocol.KeyMessage: "hi"}})

	for _, conn := range []*websocket.Conn{alice, bob} {
		msg := next(t, conn, protocol.EventChat)
		if got := msg.Data.String(protocol.KeySID); got != aliceID {
			t.Errorf("sid = %q, want %q", got, aliceID)
		}
		if got := msg.Data.String(protocol.KeyMessage); got != "hi" {
			t.Errorf("message = %q, want hi", got)
		}
	}
}

func TestServer_DisconnectEndsMatch(t *testing.T) {
	server := startServer(t)
	alice := dial(t, server)
	bob := dial(t, server)
	next(t, alice, protocol.EventSession)
	next(t, bob, protocol.EventSession)

	find := protocol.Envelope{Event: protocol.EventFindMatch, Data: protocol.Payload{protocol.KeySkill: "advanced"}}
	send(t, alice, find)
	send(t, bob, find)
	next(t, alice, protocol.EventStartGame)
	next(t, bob, protocol.EventStartGame)

	_ = alice.Close()

	ended := next(t, bob, protocol.EventGameEnded)
	if got := ended.Data.String(protocol.KeyReason); got != arena.ReasonPlayerDisconnected {
		t.Errorf("reason = %q, want %q", got, arena.ReasonPlayerDisconnected)
	}

	deadline := time.Now().Add(2 * time.Second)
	for server.ClientCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := server.ClientCount(); got != 1 {
		t.Errorf("ClientCount() = %d, want 1", got)
	}
}

func TestServer_Metrics(t *testing.T) {
	collector := metrics.New()
	server := startServer(t, arena.WithMetrics(collector))
	alice := dial(t, server)
	bob := dial(t, server)
	next(t, alice, protocol.EventSession)
	next(t, bob, protocol.EventSession)

	find := protocol.Envelope{Event: protocol.EventFindMatch, Data: protocol.Payload{protocol.KeySkill: "beginner"}}
	send(t, alice, find)
	send(t, bob, find)
	next(t, alice, protocol.EventStartGame)

	expected := `
# HELP arena_server_players_connected Players currently connected to the arena.
# TYPE arena_server_players_connected gauge
arena_server_players_connected 2
# HELP arena_server_matches_running Matches currently in progress.
# TYPE arena_server_matches_running gauge
arena_server_matches_running 1
`
	if err := testutil.GatherAndCompare(collector.Registry(), strings.NewReader(expected),
		"arena_server_players_connected", "arena_server_matches_running"); err != nil {
		t.Errorf("GatherAndCompare() error = %v", err)
	}
}
