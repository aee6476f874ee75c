package memstore

import (
	"context"
	"time"

	"contractflow/contract"
	"contractflow/dispatch"
)

func (s *Store) Get(_ context.Context, id string) (contract.TransitionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return contract.TransitionEvent{}, dispatch.ErrEventNotFound
	}
	return ev.Clone(), nil
}

func (s *Store) Claim(_ context.Context, id string, now time.Time, lease time.Duration) (contract.TransitionEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return contract.TransitionEvent{}, false, dispatch.ErrEventNotFound
	}

	switch {
	case ev.Status == contract.EventPending:
	case ev.Retryable() && !ev.NextRetryAt.After(now):
		ev.RetryCount++
	case ev.Status == contract.EventExecuting && ev.StartedAt != nil && ev.StartedAt.Before(now.Add(-lease)):
		if ev.RetryCount < ev.MaxRetries {
			ev.RetryCount++
		}
	default:
		return ev.Clone(), false, nil
	}

	started := now
	ev.Status = contract.EventExecuting
	ev.StartedAt = &started
	ev.NextRetryAt = nil
	s.events[id] = ev
	return ev.Clone(), true, nil
}

func (s *Store) Complete(_ context.Context, id string, o dispatch.Outcome) (contract.TransitionEvent, error) {
	return s.finish(id, func(ev *contract.TransitionEvent) {
		ev.Status = contract.EventCompleted
		ev.Result = append([]byte(nil), o.Result...)
		ev.Error = ""
		ev.FailureKind = contract.FailureNone
		ev.NextRetryAt = nil
		at := o.CompletedAt
		ev.CompletedAt = &at
		ev.DurationMs = o.DurationMs
	})
}

func (s *Store) Fail(_ context.Context, id string, o dispatch.Outcome) (contract.TransitionEvent, error) {
	return s.finish(id, func(ev *contract.TransitionEvent) {
		ev.Status = contract.EventFailed
		ev.Error = o.Error
		ev.FailureKind = o.Kind
		if o.NextRetryAt != nil {
			next := *o.NextRetryAt
			ev.NextRetryAt = &next
		} else {
			ev.NextRetryAt = nil
		}
		at := o.CompletedAt
		ev.CompletedAt = &at
		ev.DurationMs = o.DurationMs
	})
}

func (s *Store) finish(id string, apply func(*contract.TransitionEvent)) (contract.TransitionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok || ev.Status != contract.EventExecuting {
		return contract.TransitionEvent{}, dispatch.ErrLeaseLost
	}
	apply(&ev)
	s.events[id] = ev
	return ev.Clone(), nil
}

func (s *Store) MarkRolledBack(_ context.Context, id string, at time.Time, rollbackErr string) (contract.TransitionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok || ev.Status != contract.EventCompleted {
		return contract.TransitionEvent{}, dispatch.ErrEventNotFound
	}
	if rollbackErr != "" {
		ev.RollbackError = rollbackErr
	} else {
		ev.Status = contract.EventRolledBack
		ev.RolledBack = true
		ev.RolledBackAt = &at
		ev.RollbackError = ""
	}
	s.events[id] = ev
	return ev.Clone(), nil
}

func (s *Store) DueForRetry(_ context.Context, now time.Time, limit int) ([]contract.TransitionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectEvents(
		func(ev contract.TransitionEvent) bool { return ev.Retryable() && !ev.NextRetryAt.After(now) },
		func(ev contract.TransitionEvent) time.Time { return *ev.NextRetryAt },
		limit), nil
}

func (s *Store) ListStalled(_ context.Context, pendingBefore, executingBefore time.Time, limit int) ([]contract.TransitionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectEvents(
		func(ev contract.TransitionEvent) bool {
			switch ev.Status {
			case contract.EventPending:
				return ev.CreatedAt.Before(pendingBefore)
			case contract.EventExecuting:
				return ev.StartedAt != nil && ev.StartedAt.Before(executingBefore)
			}
			return false
		},
		func(ev contract.TransitionEvent) time.Time { return ev.CreatedAt },
		limit), nil
}
