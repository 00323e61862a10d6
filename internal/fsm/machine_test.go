package fsm_test

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/omochice/arena-client/internal/fsm"
	"github.com/omochice/arena-client/internal/log"
	"github.com/omochice/arena-client/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietMachine(t *testing.T, opts ...fsm.Option) (*fsm.Machine, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	opts = append([]fsm.Option{fsm.WithLogger(log.New(&buf, log.Debug))}, opts...)
	return fsm.New(opts...), &buf
}

// drive fires triggers from a fresh machine and returns the phase after each.
func drive(t *testing.T, m *fsm.Machine, triggers ...fsm.Trigger) []fsm.Phase {
	t.Helper()
	phases := make([]fsm.Phase, 0, len(triggers))
	for _, tr := range triggers {
		_, _ = m.Fire(tr)
		phases = append(phases, m.Phase())
	}
	return phases
}

func TestMachine_DefinedTransitions(t *testing.T) {
	tests := []struct {
		name     string
		triggers []fsm.Trigger
		want     fsm.Phase
	}{
		{"connect", []fsm.Trigger{fsm.TriggerConnect}, fsm.Connecting},
		{"handshake", []fsm.Trigger{fsm.TriggerConnect, fsm.TriggerTransportConnected}, fsm.Connected},
		{"connect error", []fsm.Trigger{fsm.TriggerConnect, fsm.TriggerTransportError}, fsm.Disconnected},
		{"enter lobby", []fsm.Trigger{fsm.TriggerConnect, fsm.TriggerTransportConnected, fsm.TriggerEnterLobby}, fsm.InLobby},
		{"rejoin match", []fsm.Trigger{fsm.TriggerConnect, fsm.TriggerTransportConnected, fsm.TriggerServerStartGame}, fsm.InGame},
		{"lobby to game", []fsm.Trigger{fsm.TriggerConnect, fsm.TriggerTransportConnected, fsm.TriggerEnterLobby, fsm.TriggerServerStartGame}, fsm.InGame},
		{"game ended", []fsm.Trigger{fsm.TriggerConnect, fsm.TriggerTransportConnected, fsm.TriggerEnterLobby, fsm.TriggerServerStartGame, fsm.TriggerServerGameEnded}, fsm.InLobby},
		{"drop in game", []fsm.Trigger{fsm.TriggerConnect, fsm.TriggerTransportConnected, fsm.TriggerServerStartGame, fsm.TriggerTransportDisconnected}, fsm.Disconnected},
		{"drop while connecting", []fsm.Trigger{fsm.TriggerConnect, fsm.TriggerTransportDisconnected}, fsm.Disconnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := quietMachine(t)
			phases := drive(t, m, tt.triggers...)
			assert.Equal(t, tt.want, phases[len(phases)-1])
		})
	}
}

func TestMachine_UndefinedTransitionIsNoop(t *testing.T) {
	m, logs := quietMachine(t)
	drive(t, m, fsm.TriggerConnect, fsm.TriggerTransportConnected, fsm.TriggerServerStartGame)
	require.Equal(t, fsm.InGame, m.Phase())

	notified := 0
	m.Observe(func(fsm.Transition) { notified++ })

	tr, err := m.Fire(fsm.TriggerServerStartGame)
	require.ErrorIs(t, err, fsm.ErrInvalidTransition)
	assert.Equal(t, fsm.InGame, m.Phase())
	assert.False(t, tr.Changed())
	assert.Zero(t, notified)
	assert.Contains(t, logs.String(), "Ignoring undefined phase transition")

	_, err = m.Fire(fsm.TriggerEnterLobby)
	require.ErrorIs(t, err, fsm.ErrInvalidTransition)
	assert.Equal(t, fsm.InGame, m.Phase())
}

func TestMachine_ConnectIsIdempotent(t *testing.T) {
	once, _ := quietMachine(t)
	twice, _ := quietMachine(t)

	var onceSeen, twiceSeen []fsm.Transition
	once.Observe(func(tr fsm.Transition) { onceSeen = append(onceSeen, tr) })
	twice.Observe(func(tr fsm.Transition) { twiceSeen = append(twiceSeen, tr) })

	once.Connect()
	twice.Connect()
	twice.Connect()

	assert.Equal(t, once.Phase(), twice.Phase())
	assert.Equal(t, onceSeen, twiceSeen)

	for _, p := range []fsm.Trigger{fsm.TriggerTransportConnected, fsm.TriggerEnterLobby, fsm.TriggerServerStartGame} {
		_, err := twice.Fire(p)
		require.NoError(t, err)
		before := twice.Phase()
		tr := twice.Connect()
		assert.False(t, tr.Changed())
		assert.Equal(t, before, twice.Phase())
	}
}

func TestMachine_DisconnectFromAnyPhase(t *testing.T) {
	paths := [][]fsm.Trigger{
		{},
		{fsm.TriggerConnect},
		{fsm.TriggerConnect, fsm.TriggerTransportConnected},
		{fsm.TriggerConnect, fsm.TriggerTransportConnected, fsm.TriggerEnterLobby},
		{fsm.TriggerConnect, fsm.TriggerTransportConnected, fsm.TriggerServerStartGame},
	}

	for _, path := range paths {
		m, _ := quietMachine(t)
		drive(t, m, path...)
		tr := m.Disconnect()
		assert.Equal(t, fsm.Disconnected, m.Phase())
		assert.Equal(t, len(path) > 0, tr.Changed())
	}
}

func TestMachine_FailSurfacesConnectionError(t *testing.T) {
	m, _ := quietMachine(t)

	var seen []fsm.Transition
	m.Observe(func(tr fsm.Transition) { seen = append(seen, tr) })

	m.Connect()
	m.Fail("handshake rejected")

	require.Len(t, seen, 2)
	assert.Equal(t, fsm.Disconnected, m.Phase())
	var connErr *fsm.ConnectionError
	require.ErrorAs(t, seen[1].Err, &connErr)
	assert.Equal(t, "handshake rejected", connErr.Reason)

	// Even with no phase change the error still reaches observers.
	m.Fail("again")
	require.Len(t, seen, 3)
	assert.False(t, seen[2].Changed())
	assert.Error(t, seen[2].Err)
}

func TestMachine_ObserversSeeCurrentPhaseInOrder(t *testing.T) {
	m, _ := quietMachine(t)

	var order []string
	m.Observe(func(tr fsm.Transition) {
		assert.Equal(t, tr.To, m.Phase())
		order = append(order, "first:"+tr.To.String())
	})
	cancel := m.Observe(func(tr fsm.Transition) {
		order = append(order, "second:"+tr.To.String())
	})

	m.Connect()
	cancel()
	_, err := m.Fire(fsm.TriggerTransportConnected)
	require.NoError(t, err)

	assert.Equal(t, []string{"first:connecting", "second:connecting", "first:connected"}, order)
}

func TestMachine_ObserverMayFire(t *testing.T) {
	m, _ := quietMachine(t)

	var seen []fsm.Phase
	m.Observe(func(tr fsm.Transition) {
		seen = append(seen, tr.To)
		if tr.Err != nil {
			m.Connect()
		}
	})
	m.Observe(func(tr fsm.Transition) {
		seen = append(seen, tr.To)
	})

	m.Connect()
	m.Fail("refused")

	// The retry is delivered only after the failure reached both observers.
	assert.Equal(t, []fsm.Phase{
		fsm.Connecting, fsm.Connecting,
		fsm.Disconnected, fsm.Disconnected,
		fsm.Connecting, fsm.Connecting,
	}, seen)
	assert.Equal(t, fsm.Connecting, m.Phase())
}

func TestMachine_EffectsRunBeforeObservers(t *testing.T) {
	var order []string
	m, _ := quietMachine(t, fsm.WithEffect(func(tr fsm.Transition) {
		order = append(order, "effect:"+tr.To.String())
	}))
	m.Observe(func(tr fsm.Transition) {
		order = append(order, "observer:"+tr.To.String())
	})

	m.Connect()

	assert.Equal(t, []string{"effect:connecting", "observer:connecting"}, order)
}

func TestMachine_HoldDefersNotification(t *testing.T) {
	m, _ := quietMachine(t)

	var seen []fsm.Phase
	m.Observe(func(tr fsm.Transition) { seen = append(seen, tr.To) })

	release := m.Hold()
	m.Connect()
	_, err := m.Fire(fsm.TriggerTransportConnected)
	require.NoError(t, err)

	assert.Empty(t, seen)
	assert.Equal(t, fsm.Connected, m.Phase())

	release()
	assert.Equal(t, []fsm.Phase{fsm.Connecting, fsm.Connected}, seen)

	// Nothing stays claimed after release.
	m.Disconnect()
	assert.Equal(t, []fsm.Phase{fsm.Connecting, fsm.Connected, fsm.Disconnected}, seen)
}

func TestMachine_HoldInsideObserverIsNoop(t *testing.T) {
	m, _ := quietMachine(t)

	var seen []fsm.Phase
	m.Observe(func(tr fsm.Transition) {
		seen = append(seen, tr.To)
		if tr.To == fsm.Connecting {
			release := m.Hold()
			_, _ = m.Fire(fsm.TriggerTransportConnected)
			release()
		}
	})

	m.Connect()

	assert.Equal(t, []fsm.Phase{fsm.Connecting, fsm.Connected}, seen)
}

// Random trigger sequences never leave the machine outside the five phases.
func TestMachine_SinglePhaseUnderRandomTriggers(t *testing.T) {
	valid := map[fsm.Phase]bool{
		fsm.Disconnected: true, fsm.Connecting: true, fsm.Connected: true,
		fsm.InLobby: true, fsm.InGame: true,
	}
	rng := rand.New(rand.NewSource(42))

	for run := 0; run < 50; run++ {
		m, _ := quietMachine(t)
		m.Observe(func(tr fsm.Transition) {
			assert.True(t, valid[tr.To])
			assert.Equal(t, tr.To, m.Phase())
		})
		for step := 0; step < 100; step++ {
			_, _ = m.Fire(fsm.Trigger(rng.Intn(int(fsm.TriggerServerGameEnded) + 1)))
			require.True(t, valid[m.Phase()], "phase %d after step %d", m.Phase(), step)
		}
	}
}

func TestMachine_Metrics(t *testing.T) {
	c := metrics.New()
	m, _ := quietMachine(t, fsm.WithMetrics(c))

	m.Connect()
	_, _ = m.Fire(fsm.TriggerServerGameEnded)

	count, err := testutil.GatherAndCount(c.Registry(),
		"arena_session_phase_transitions_total", "arena_session_phase_transitions_rejected_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestPhase_String(t *testing.T) {
	assert.Equal(t, "in_lobby", fsm.InLobby.String())
	assert.Equal(t, "unknown", fsm.Phase(42).String())
	assert.Equal(t, "server_start_game", fsm.TriggerServerStartGame.String())
}
