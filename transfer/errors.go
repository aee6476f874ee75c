package transfer

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateRequest  = errors.New("transfer: a pending request already exists for this contract")
	ErrTransferNotFound  = errors.New("transfer: request not found")
	ErrUnitNotFound      = errors.New("transfer: unit not found")
	ErrUnitUnavailable   = errors.New("transfer: target unit is not available")
	ErrNotPending        = errors.New("transfer: request is not pending")
	ErrSourceNotActive   = errors.New("transfer: source contract is not active")
	ErrForbidden         = errors.New("transfer: actor may not act on this contract")
	ErrUnknownTemplate   = errors.New("transfer: unknown template")
	ErrTransferAtomicity = errors.New("transfer: approval rolled back")
)

// AtomicityError reports which approval step failed. Nothing the approval
// wrote is visible when it is returned.
type AtomicityError struct {
	RequestID string
	Step      string
	Err       error
}

func (e *AtomicityError) Error() string {
	return fmt.Sprintf("transfer %s: %s: %v", e.RequestID, e.Step, e.Err)
}

func (e *AtomicityError) Unwrap() error { return e.Err }

func (e *AtomicityError) Is(target error) bool { return target == ErrTransferAtomicity }
