package logging

import (
	"time"

	"github.com/felixgeelhaar/bolt/v3"
)

// Field is a function that applies structured data to a log event.
type Field func(*bolt.Event) *bolt.Event

func ContractID(id string) Field {
	return func(e *bolt.Event) *bolt.Event { return e.Str("contract_id", id) }
}

func PhaseID(id string) Field {
	return func(e *bolt.Event) *bolt.Event { return e.Str("phase_id", id) }
}

func TransitionID(id string) Field {
	return func(e *bolt.Event) *bolt.Event { return e.Str("transition_id", id) }
}

func EventID(id string) Field {
	return func(e *bolt.Event) *bolt.Event { return e.Str("event_id", id) }
}

func TransferID(id string) Field {
	return func(e *bolt.Event) *bolt.Event { return e.Str("transfer_id", id) }
}

// Action adds the side-effect action type.
func Action(name string) Field {
	return func(e *bolt.Event) *bolt.Event { return e.Str("action", name) }
}

// Transition adds from/to state fields.
func Transition(entity, from, to string) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Str("entity", entity).Str("from", from).Str("to", to)
	}
}

func Status(s string) Field {
	return func(e *bolt.Event) *bolt.Event { return e.Str("status", s) }
}

// Attempt adds the retry count and limit.
func Attempt(n, max int) Field {
	return func(e *bolt.Event) *bolt.Event { return e.Int("retry_count", n).Int("max_retries", max) }
}

// Duration adds a duration field in milliseconds.
func Duration(d time.Duration) Field {
	return func(e *bolt.Event) *bolt.Event { return e.Int64("duration_ms", d.Milliseconds()) }
}

func Count(key string, n int) Field {
	return func(e *bolt.Event) *bolt.Event { return e.Int(key, n) }
}

// ErrorField adds an error field.
func ErrorField(err error) Field {
	return func(e *bolt.Event) *bolt.Event {
		if err == nil {
			return e
		}
		return e.Err(err)
	}
}

// Component adds a component field for categorization.
func Component(name string) Field {
	return func(e *bolt.Event) *bolt.Event { return e.Str("component", name) }
}

// Str adds a string field with a custom key.
func Str(key, value string) Field {
	return func(e *bolt.Event) *bolt.Event { return e.Str(key, value) }
}
