package contract

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is matched by every rejected state change.
	ErrInvalidTransition = errors.New("contract: invalid transition")
	// ErrOverpayment rejects a payment larger than the outstanding balance.
	ErrOverpayment = errors.New("contract: payment exceeds outstanding balance")
	ErrNotFound    = errors.New("contract: not found")
	ErrInvariant   = errors.New("contract: invariant violated")
)

// InvalidTransitionError describes a rejected state change.
type InvalidTransitionError struct {
	Entity EntityType
	ID     string
	From   string
	To     string
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("contract: invalid %s transition %s -> %s", e.Entity, e.From, e.To)
	if e.ID != "" {
		msg = fmt.Sprintf("contract: invalid %s %s transition %s -> %s", e.Entity, e.ID, e.From, e.To)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

func invalid(entity EntityType, id, from, to, reason string) error {
	return &InvalidTransitionError{Entity: entity, ID: id, From: from, To: to, Reason: reason}
}

type overpaymentError struct {
	phaseID string
	detail  string
}

func (e *overpaymentError) Error() string {
	return fmt.Sprintf("%s: phase %s: %s", ErrOverpayment, e.phaseID, e.detail)
}

func (e *overpaymentError) Is(target error) bool {
	return target == ErrOverpayment || target == ErrInvalidTransition
}
