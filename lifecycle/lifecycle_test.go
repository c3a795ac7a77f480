package lifecycle

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	amhserrors "github.com/caio-sobreiro/amhsnet/errors"
	"github.com/caio-sobreiro/amhsnet/types"
)

func newMachine() (*Machine, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	return New(clock), clock
}

func TestInitialize(t *testing.T) {
	m, clock := newMachine()
	msg := &types.Message{}

	m.Initialize(msg)

	assert.Equal(t, types.StateSubmitted, msg.State)
	require.NotNil(t, msg.LastStateChange)
	assert.True(t, msg.LastStateChange.Equal(clock.Now()))
}

func TestHappyPathToReported(t *testing.T) {
	m, clock := newMachine()
	msg := &types.Message{}
	m.Initialize(msg)

	for _, target := range []types.State{types.StateTransferred, types.StateDelivered, types.StateReported} {
		clock.Advance(time.Minute)
		require.NoError(t, m.Transition(msg, target))
		assert.Equal(t, target, msg.State)
		assert.True(t, msg.LastStateChange.Equal(clock.Now()))
	}
	assert.True(t, IsTerminal(msg.State))
}

func TestInvalidTransitions(t *testing.T) {
	tests := []struct {
		from types.State
		to   types.State
	}{
		{types.StateSubmitted, types.StateDelivered},
		{types.StateSubmitted, types.StateReported},
		{types.StateReported, types.StateSubmitted},
		{types.StateReported, types.StateFailed},
		{types.StateFailed, types.StateSubmitted},
		{types.StateExpired, types.StateTransferred},
		{types.StateDelivered, types.StateDeferred},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			m, _ := newMachine()
			msg := &types.Message{State: tt.from}

			err := m.Transition(msg, tt.to)
			require.Error(t, err)
			assert.True(t, amhserrors.IsState(err))
			assert.Contains(t, err.Error(), tt.from.String())
			assert.Contains(t, err.Error(), tt.to.String())
			assert.Equal(t, tt.from, msg.State)
			assert.Nil(t, msg.LastStateChange)
		})
	}
}

func TestSameStateIsNoOp(t *testing.T) {
	m, _ := newMachine()
	msg := &types.Message{State: types.StateReported}

	require.NoError(t, m.Transition(msg, types.StateReported))
	assert.Nil(t, msg.LastStateChange)
}

func TestUnsetStateAcceptsAnyTarget(t *testing.T) {
	m, _ := newMachine()
	msg := &types.Message{}

	require.NoError(t, m.Transition(msg, types.StateDeferred))
	assert.Equal(t, types.StateDeferred, msg.State)
}

func TestAllowedTransitions(t *testing.T) {
	assert.ElementsMatch(t,
		[]types.State{types.StateTransferred, types.StateDeferred, types.StateFailed, types.StateExpired},
		AllowedTransitions(types.StateSubmitted))
	assert.Empty(t, AllowedTransitions(types.StateReported))
	assert.Empty(t, AllowedTransitions(types.State("BOGUS")))

	// callers cannot mutate the table
	got := AllowedTransitions(types.StateFailed)
	got[0] = types.StateSubmitted
	assert.Equal(t, []types.State{types.StateReported}, AllowedTransitions(types.StateFailed))
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(types.StateReported))
	for _, s := range []types.State{types.StateSubmitted, types.StateTransferred, types.StateDeferred,
		types.StateDelivered, types.StateFailed, types.StateExpired, types.StateUnset} {
		assert.False(t, IsTerminal(s), s.String())
	}
}
