package state

import (
	"fmt"

	tmerrors "github.com/sebyx07/claude-task-master-py-sub000/internal/errors"
)

// transitions lists the statuses reachable from each status. Saving with an
// unchanged status is always allowed and not listed here.
var transitions = map[Status][]Status{
	StatusPlanning: {StatusWorking, StatusFailed, StatusPaused, StatusStopped},
	StatusWorking:  {StatusBlocked, StatusSuccess, StatusFailed, StatusWorking, StatusPaused, StatusStopped},
	StatusBlocked:  {StatusWorking, StatusFailed, StatusPaused, StatusStopped},
	StatusPaused:   {StatusWorking, StatusFailed, StatusStopped},
	StatusStopped:  {StatusWorking, StatusFailed},
	StatusSuccess:  nil,
	StatusFailed:   nil,
}

// IsTerminal reports whether no further transitions are allowed from s.
func IsTerminal(s Status) bool {
	return s == StatusSuccess || s == StatusFailed
}

// IsResumable reports whether a run in status s can be resumed.
func IsResumable(s Status) bool {
	switch s {
	case StatusPaused, StatusStopped, StatusWorking, StatusBlocked:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AllowedTransitions returns the statuses reachable from s.
func AllowedTransitions(s Status) []Status {
	out := make([]Status, len(transitions[s]))
	copy(out, transitions[s])
	return out
}

// ValidateTransition returns a ValidationError wrapping ErrInvalidTransition
// when from -> to is not allowed.
func ValidateTransition(from, to Status) error {
	if CanTransition(from, to) {
		return nil
	}
	return tmerrors.NewValidationError("status transition not allowed").
		WithField("status").
		WithValue(fmt.Sprintf("%s -> %s", from, to)).
		WithCause(tmerrors.ErrInvalidTransition)
}
