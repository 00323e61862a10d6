package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/omochice/arena-client/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_NilIsNoop(t *testing.T) {
	var c *metrics.Collector

	assert.NotPanics(t, func() {
		c.Transition("disconnected", "connecting")
		c.Rejected("in_game", "server_start_game")
		c.Dropped("chat_message", "malformed")
		c.Emitted("find_match")
		c.TrackArena(func() int { return 1 }, func() int { return 1 })
	})
}

func TestCollector_Counts(t *testing.T) {
	c := metrics.New()

	c.Transition("disconnected", "connecting")
	c.Transition("disconnected", "connecting")
	c.Dropped("chat_message", "malformed")

	count, err := testutil.GatherAndCount(c.Registry(), "arena_session_phase_transitions_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	expected := `
# HELP arena_router_events_dropped_total Inbound events dropped by the router, by event and reason.
# TYPE arena_router_events_dropped_total counter
arena_router_events_dropped_total{event="chat_message",reason="malformed"} 1
`
	require.NoError(t, testutil.GatherAndCompare(c.Registry(), strings.NewReader(expected), "arena_router_events_dropped_total"))
}

func TestCollector_Handler(t *testing.T) {
	c := metrics.New()
	c.Emitted("find_match")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `arena_transport_events_emitted_total{event="find_match"} 1`)
}

func TestCollector_TrackArena(t *testing.T) {
	c := metrics.New()
	players, matches := 3, 1
	c.TrackArena(func() int { return players }, func() int { return matches })

	expected := `
# HELP arena_server_players_connected Players currently connected to the arena.
# TYPE arena_server_players_connected gauge
arena_server_players_connected 3
# HELP arena_server_matches_running Matches currently in progress.
# TYPE arena_server_matches_running gauge
arena_server_matches_running 1
`
	require.NoError(t, testutil.GatherAndCompare(c.Registry(), strings.NewReader(expected),
		"arena_server_players_connected", "arena_server_matches_running"))

	players = 0
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "arena_server_players_connected 0")
}
