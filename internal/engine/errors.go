package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrDonationUnavailable is returned when an operation needs the
	// donation to be available and it is not.
	ErrDonationUnavailable = errors.New("donation is not available")
	ErrDonationNotFound    = errors.New("donation not found")
	ErrRequesterNotFound   = errors.New("requester not found")
)

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// InvalidTransitionError reports a status change the state machine
// does not allow.
type InvalidTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s status transition %s -> %s", e.Entity, e.From, e.To)
}

// ConflictError reports an operation that lost a race on shared state.
type ConflictError struct {
	Reason string
}

func (e ConflictError) Error() string {
	return e.Reason
}
