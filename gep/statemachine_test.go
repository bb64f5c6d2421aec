package gep

import (
	"testing"

	"github.com/looplab/fsm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionStateMachineLifecycle(t *testing.T) {
	sm := newSessionStateMachine(fsm.Callbacks{})

	assert.Equal(t, StateDisconnected, sm.CurrentState())

	require.NoError(t, sm.Connect())
	assert.Equal(t, StateConnecting, sm.CurrentState())

	require.NoError(t, sm.Established())
	assert.Equal(t, StateConnected, sm.CurrentState())

	require.NoError(t, sm.Subscribe())
	assert.Equal(t, StateSubscribed, sm.CurrentState())

	require.NoError(t, sm.Unsubscribe())
	assert.Equal(t, StateConnected, sm.CurrentState())

	require.NoError(t, sm.Disconnect())
	assert.Equal(t, StateDisconnected, sm.CurrentState())
}

func TestSessionStateMachineRejectsInvalidTransitions(t *testing.T) {
	sm := newSessionStateMachine(fsm.Callbacks{})

	// Cannot subscribe before the session is established
	assert.Error(t, sm.Subscribe())
	assert.Error(t, sm.Established())

	require.NoError(t, sm.Connect())
	assert.Error(t, sm.Subscribe())

	// Connection failure path: connecting straight back to disconnected
	require.NoError(t, sm.Disconnect())
	assert.Equal(t, StateDisconnected, sm.CurrentState())
}

func TestSessionStateMachineReconnects(t *testing.T) {
	sm := newSessionStateMachine(fsm.Callbacks{})

	for i := 0; i < 3; i++ {
		require.NoError(t, sm.Connect())
		require.NoError(t, sm.Established())
		require.NoError(t, sm.Disconnect())
	}

	assert.Equal(t, StateDisconnected, sm.CurrentState())
}
