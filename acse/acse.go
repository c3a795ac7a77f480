// Package acse tracks the association control state of a P1 connection and
// validates presentation-context negotiation.
package acse

import (
	"errors"
	"fmt"
)

// ErrUnexpectedAPDU is returned when an APDU arrives in a state that does not allow it.
var ErrUnexpectedAPDU = errors.New("acse: unexpected APDU")

// State is the association state.
type State int

const (
	StateIdle State = iota
	StateAwaitingAARE
	StateEstablished
	StateAwaitingRLRE
	StateAborted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAwaitingAARE:
		return "AWAITING_AARE"
	case StateEstablished:
		return "ESTABLISHED"
	case StateAwaitingRLRE:
		return "AWAITING_RLRE"
	case StateAborted:
		return "ABORTED"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// APDU is one of the ACSE application protocol data units below.
type APDU interface {
	apduName() string
}

// AARQ requests an association.
type AARQ struct {
	ApplicationContextName string
	CallingAETitle         string
	CalledAETitle          string
}

// AARE answers an AARQ.
type AARE struct {
	Accepted   bool
	Diagnostic string
}

// RLRQ requests an orderly release.
type RLRQ struct {
	Reason string
}

// RLRE answers an RLRQ.
type RLRE struct {
	Normal bool
}

// ABRT aborts the association.
type ABRT struct {
	Source     string
	Diagnostic string
}

func (AARQ) apduName() string { return "AARQ" }
func (AARE) apduName() string { return "AARE" }
func (RLRQ) apduName() string { return "RLRQ" }
func (RLRE) apduName() string { return "RLRE" }
func (ABRT) apduName() string { return "ABRT" }

// Machine is the association state machine for one connection. It is not
// safe for concurrent use.
type Machine struct {
	state State
}

// NewMachine returns a machine in the IDLE state
func NewMachine() *Machine {
	return &Machine{state: StateIdle}
}

// State returns the current association state
func (m *Machine) State() State {
	return m.state
}

// Established reports whether the association is usable for transfers
func (m *Machine) Established() bool {
	return m.state == StateEstablished
}

// OnOutbound applies an APDU this side is sending.
func (m *Machine) OnOutbound(apdu APDU) error {
	return m.transition(apdu, true)
}

// OnInbound applies an APDU received from the peer.
func (m *Machine) OnInbound(apdu APDU) error {
	return m.transition(apdu, false)
}

func (m *Machine) transition(apdu APDU, outbound bool) error {
	switch a := apdu.(type) {
	case AARQ:
		if m.state != StateIdle {
			return m.unexpected(a, "only allowed in IDLE state")
		}
		if outbound {
			m.state = StateAwaitingAARE
		} else {
			m.state = StateEstablished
		}
	case AARE:
		if m.state != StateAwaitingAARE && m.state != StateEstablished {
			return m.unexpected(a, "only allowed during association setup")
		}
		if a.Accepted {
			m.state = StateEstablished
		} else {
			m.state = StateClosed
		}
	case RLRQ:
		if m.state != StateEstablished {
			return m.unexpected(a, "only allowed in ESTABLISHED state")
		}
		m.state = StateAwaitingRLRE
	case RLRE:
		if m.state != StateAwaitingRLRE {
			return m.unexpected(a, "only allowed after RLRQ")
		}
		m.state = StateClosed
	case ABRT:
		m.state = StateAborted
	default:
		return fmt.Errorf("acse: unsupported APDU type %T", apdu)
	}
	return nil
}

func (m *Machine) unexpected(apdu APDU, rule string) error {
	return fmt.Errorf("%w: %s %s, current=%s", ErrUnexpectedAPDU, apdu.apduName(), rule, m.state)
}
