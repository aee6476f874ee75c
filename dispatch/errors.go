package dispatch

import (
	"errors"
	"fmt"

	"contractflow/action"
)

var (
	ErrEventNotFound     = errors.New("dispatch: event not found")
	ErrLeaseLost         = errors.New("dispatch: event is no longer executing under this lease")
	ErrTransientDispatch = errors.New("dispatch: transient failure")
	ErrPermanentDispatch = errors.New("dispatch: permanent failure")
	ErrRetryExhausted    = errors.New("dispatch: retries exhausted")
	ErrLeaseExpired      = errors.New("dispatch: execution lease expired")
	ErrNoCompensation    = errors.New("dispatch: action has no compensation endpoint")
	ErrNotRollbackable   = errors.New("dispatch: only completed events can be rolled back")
)

// PermanentError is a downstream rejection that retrying cannot fix.
type PermanentError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *PermanentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("permanent failure: %v", e.Err)
	}
	return fmt.Sprintf("permanent failure: status %d: %s", e.StatusCode, e.Body)
}

func (e *PermanentError) Unwrap() error { return e.Err }

func (e *PermanentError) Is(target error) bool { return target == ErrPermanentDispatch }

// Permanent marks err as not retryable.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	var pe *PermanentError
	if errors.As(err, &pe) {
		return true
	}
	return errors.Is(err, action.ErrMalformedPayload) || errors.Is(err, action.ErrUnknownAction)
}
