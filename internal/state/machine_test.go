package state

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMachine(t *testing.T) {
	m := NewMachine()
	require.NotNil(t, m)

	state, err := m.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateDisconnected, state)
}

func TestMachine_QRFlow(t *testing.T) {
	ctx := context.Background()
	m := NewMachine()

	require.NoError(t, m.Fire(ctx, TriggerConnect))
	assert.Equal(t, StateConnecting, m.MustState())

	require.NoError(t, m.Fire(ctx, TriggerQRIssued))
	assert.Equal(t, StateQRPending, m.MustState())

	// Rotation keeps the state.
	require.NoError(t, m.Fire(ctx, TriggerQRIssued))
	assert.Equal(t, StateQRPending, m.MustState())

	require.NoError(t, m.Fire(ctx, TriggerOpened))
	assert.Equal(t, StateConnected, m.MustState())
	assert.Equal(t, StateConnected, m.MustState())
}

func TestMachine_PairingCodeFlow(t *testing.T) {
	ctx := context.Background()

	t.Run("from connecting", func(t *testing.T) {
		m := NewMachine()
		require.NoError(t, m.Fire(ctx, TriggerConnect))
		require.NoError(t, m.Fire(ctx, TriggerPairingCodeIssued))
		assert.Equal(t, StatePairingCode, m.MustState())
	})

	t.Run("from qr pending", func(t *testing.T) {
		m := NewMachine()
		require.NoError(t, m.Fire(ctx, TriggerConnect))
		require.NoError(t, m.Fire(ctx, TriggerQRIssued))
		require.NoError(t, m.Fire(ctx, TriggerPairingCodeIssued))
		assert.Equal(t, StatePairingCode, m.MustState())

		// A late QR must not replace the code.
		require.NoError(t, m.Fire(ctx, TriggerQRIssued))
		assert.Equal(t, StatePairingCode, m.MustState())

		require.NoError(t, m.Fire(ctx, TriggerOpened))
		assert.Equal(t, StateConnected, m.MustState())
	})
}

func TestMachine_ResumeFlow(t *testing.T) {
	ctx := context.Background()
	m := NewMachine()

	require.NoError(t, m.Fire(ctx, TriggerConnect))
	require.NoError(t, m.Fire(ctx, TriggerOpened))
	assert.Equal(t, StateConnected, m.MustState())

	require.NoError(t, m.Fire(ctx, TriggerClosed))
	assert.Equal(t, StateDisconnected, m.MustState())

	require.NoError(t, m.Fire(ctx, TriggerReconnect))
	assert.Equal(t, StateConnecting, m.MustState())
}

func TestMachine_ConnectIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMachine()

	var transitions int
	m.OnTransition(func(_ context.Context, _, _ State, _ Trigger) { transitions++ })

	require.NoError(t, m.Fire(ctx, TriggerConnect))
	require.NoError(t, m.Fire(ctx, TriggerConnect))
	require.NoError(t, m.Fire(ctx, TriggerOpened))
	require.NoError(t, m.Fire(ctx, TriggerConnect))
	require.NoError(t, m.Fire(ctx, TriggerReconnect))

	assert.Equal(t, StateConnected, m.MustState())
	assert.Equal(t, 2, transitions)
}

func TestMachine_EveryActiveStateCanStop(t *testing.T) {
	ctx := context.Background()
	paths := map[State][]Trigger{
		StateConnecting:  {TriggerConnect},
		StateQRPending:   {TriggerConnect, TriggerQRIssued},
		StatePairingCode: {TriggerConnect, TriggerPairingCodeIssued},
		StateConnected:   {TriggerConnect, TriggerOpened},
	}

	for from, path := range paths {
		for _, stop := range []Trigger{TriggerClosed, TriggerDisconnect, TriggerLogout} {
			t.Run(string(from)+"/"+string(stop), func(t *testing.T) {
				m := NewMachine()
				for _, tr := range path {
					require.NoError(t, m.Fire(ctx, tr))
				}
				require.Equal(t, from, m.MustState())

				require.NoError(t, m.Fire(ctx, stop))
				assert.Equal(t, StateDisconnected, m.MustState())
			})
		}
	}
}

func TestMachine_StopWhileDisconnectedIsIgnored(t *testing.T) {
	ctx := context.Background()
	m := NewMachine()

	for _, tr := range []Trigger{TriggerClosed, TriggerDisconnect, TriggerLogout} {
		require.NoError(t, m.Fire(ctx, tr))
	}
	assert.Equal(t, StateDisconnected, m.MustState())
}

func TestMachine_InvalidTransition(t *testing.T) {
	ctx := context.Background()
	m := NewMachine()

	err := m.Fire(ctx, TriggerOpened)
	assert.Error(t, err)
	assert.Equal(t, StateDisconnected, m.MustState())

	require.Error(t, m.Fire(ctx, TriggerQRIssued))
	assert.Equal(t, StateDisconnected, m.MustState())
}

func TestMachine_TransitionCallback(t *testing.T) {
	ctx := context.Background()
	m := NewMachine()

	var (
		gotFrom    State
		gotTo      State
		gotTrigger Trigger
	)
	m.OnTransition(func(_ context.Context, from, to State, trigger Trigger) {
		gotFrom, gotTo, gotTrigger = from, to, trigger
	})

	require.NoError(t, m.Fire(ctx, TriggerConnect))

	assert.Equal(t, StateDisconnected, gotFrom)
	assert.Equal(t, StateConnecting, gotTo)
	assert.Equal(t, TriggerConnect, gotTrigger)
}

func TestMachine_IsInState(t *testing.T) {
	ctx := context.Background()
	m := NewMachine()

	in, err := m.IsInState(ctx, StateDisconnected)
	require.NoError(t, err)
	assert.True(t, in)

	_ = m.Fire(ctx, TriggerConnect)
	in, err = m.IsInState(ctx, StateDisconnected)
	require.NoError(t, err)
	assert.False(t, in)
}

func TestState_Helpers(t *testing.T) {
	assert.True(t, StateQRPending.IsAuthenticating())
	assert.True(t, StatePairingCode.IsAuthenticating())
	assert.False(t, StateConnected.IsAuthenticating())

	assert.True(t, StateConnected.Known())
	assert.False(t, State("ready").Known())

}

func TestIsLoggedOut(t *testing.T) {
	for _, code := range []int{CodeUnauthorized, CodeForbidden, CodeUnknownLogout} {
		assert.True(t, IsLoggedOut(code), code)
	}
	for _, code := range []int{0, CodeMethodNotAllowed, CodeConnectionClosed, CodeConnectionLost, CodeRestartRequired} {
		assert.False(t, IsLoggedOut(code), code)
	}
}
