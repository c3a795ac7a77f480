// Package lifecycle enforces the delivery state transitions of AMHS messages.
package lifecycle

import (
	"github.com/jonboulle/clockwork"

	amhserrors "github.com/caio-sobreiro/amhsnet/errors"
	"github.com/caio-sobreiro/amhsnet/types"
)

var transitions = map[types.State][]types.State{
	types.StateSubmitted:   {types.StateTransferred, types.StateDeferred, types.StateFailed, types.StateExpired},
	types.StateTransferred: {types.StateDelivered, types.StateDeferred, types.StateFailed, types.StateExpired},
	types.StateDeferred:    {types.StateTransferred, types.StateDelivered, types.StateFailed, types.StateExpired},
	types.StateDelivered:   {types.StateReported, types.StateFailed},
	types.StateFailed:      {types.StateReported},
	types.StateExpired:     {types.StateReported},
	types.StateReported:    nil,
}

// Machine applies lifecycle transitions to messages, stamping each change
// with the time from its clock.
type Machine struct {
	clock clockwork.Clock
}

// New creates a Machine. A nil clock means the real clock.
func New(clock clockwork.Clock) *Machine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Machine{clock: clock}
}

// Initialize puts a new message into SUBMITTED
func (m *Machine) Initialize(msg *types.Message) {
	m.set(msg, types.StateSubmitted)
}

// Transition moves msg to target. It is a no-op when msg is already in
// target and accepts any target when the state is unset.
func (m *Machine) Transition(msg *types.Message, target types.State) error {
	current := msg.State
	if current == target {
		return nil
	}
	if current != types.StateUnset && !allowed(current, target) {
		return amhserrors.NewStateError(current.String(), target.String())
	}
	m.set(msg, target)
	return nil
}

func (m *Machine) set(msg *types.Message, state types.State) {
	now := m.clock.Now().UTC()
	msg.State = state
	msg.LastStateChange = &now
}

func allowed(from, to types.State) bool {
	for _, candidate := range transitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// AllowedTransitions returns the states reachable from state in one step
func AllowedTransitions(state types.State) []types.State {
	next := transitions[state]
	out := make([]types.State, len(next))
	copy(out, next)
	return out
}

// IsTerminal reports whether no transition leaves state
func IsTerminal(state types.State) bool {
	next, known := transitions[state]
	return known && len(next) == 0
}
