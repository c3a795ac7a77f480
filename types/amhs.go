package types

import (
	"fmt"
	"strings"
)

// Priority is the AMHS message priority indicator, in descending urgency.
type Priority string

const (
	PrioritySS Priority = "SS"
	PriorityDD Priority = "DD"
	PriorityFF Priority = "FF"
	PriorityGG Priority = "GG"
	PriorityKK Priority = "KK"
)

// priorityWeights lists priorities in service order
var priorityWeights = []Priority{PrioritySS, PriorityDD, PriorityFF, PriorityGG, PriorityKK}

// Weight returns the queue ordering weight of the priority (SS=0 ... KK=4).
// Unknown priorities sort with GG.
func (p Priority) Weight() int {
	for i, candidate := range priorityWeights {
		if candidate == p {
			return i
		}
	}
	return 3
}

// Valid reports whether p is one of the five AMHS priorities
func (p Priority) Valid() bool {
	for _, candidate := range priorityWeights {
		if candidate == p {
			return true
		}
	}
	return false
}

// PriorityFromWeight maps an ENUMERATED priority value (0..4) to a Priority.
func PriorityFromWeight(weight int) (Priority, error) {
	if weight < 0 || weight >= len(priorityWeights) {
		return "", fmt.Errorf("unsupported BER priority value: %d", weight)
	}
	return priorityWeights[weight], nil
}

// ParsePriority parses a priority indicator case-insensitively.
func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToUpper(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unsupported priority %q", s)
	}
	return p, nil
}

// Profile is the X.400 protocol profile a message was submitted under.
type Profile string

const (
	ProfileP1 Profile = "P1"
	ProfileP3 Profile = "P3"
	ProfileP7 Profile = "P7"
)

var profileValues = []Profile{ProfileP1, ProfileP3, ProfileP7}

// Value returns the ENUMERATED wire value of the profile (P1=0, P3=1, P7=2).
func (p Profile) Value() int {
	for i, candidate := range profileValues {
		if candidate == p {
			return i
		}
	}
	return 0
}

// Valid reports whether p is a known profile
func (p Profile) Valid() bool {
	for _, candidate := range profileValues {
		if candidate == p {
			return true
		}
	}
	return false
}

// ProfileFromValue maps an ENUMERATED profile value to a Profile.
func ProfileFromValue(value int) (Profile, error) {
	if value < 0 || value >= len(profileValues) {
		return "", fmt.Errorf("unsupported BER profile value: %d", value)
	}
	return profileValues[value], nil
}

// ParseProfile parses a profile name case-insensitively.
func ParseProfile(s string) (Profile, error) {
	p := Profile(strings.ToUpper(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unsupported profile %q", s)
	}
	return p, nil
}

// State is the delivery lifecycle state of a message.
type State string

const (
	StateUnset       State = ""
	StateSubmitted   State = "SUBMITTED"
	StateTransferred State = "TRANSFERRED"
	StateDelivered   State = "DELIVERED"
	StateDeferred    State = "DEFERRED"
	StateExpired     State = "EXPIRED"
	StateFailed      State = "FAILED"
	StateReported    State = "REPORTED"
)

func (s State) String() string {
	if s == StateUnset {
		return "UNSET"
	}
	return string(s)
}
