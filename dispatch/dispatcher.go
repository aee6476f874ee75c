// Package dispatch delivers the side effects recorded by the ledger. Each
// event is executed at least once; downstream services deduplicate on the
// event's idempotency key.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"contractflow/action"
	"contractflow/contract"
	"contractflow/logging"
	"contractflow/telemetry"
)

const (
	defaultLease        = 5 * time.Minute
	defaultPendingGrace = 30 * time.Second
	defaultBatchSize    = 100
)

type Option func(*Dispatcher)

func WithResultCache(c ResultCache) Option {
	return func(d *Dispatcher) { d.cache = c }
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithLease sets how long an EXECUTING claim is honoured before another
// worker may take the event over.
func WithLease(lease time.Duration) Option {
	return func(d *Dispatcher) {
		if lease > 0 {
			d.lease = lease
		}
	}
}

// WithPendingGrace sets how old a PENDING event must be before the sweep
// treats it as missed by the in-process queue.
func WithPendingGrace(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.pendingGrace = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.batchSize = n
		}
	}
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

type Dispatcher struct {
	repo         Repository
	registry     action.Registry
	transport    Transport
	cache        ResultCache
	metrics      *telemetry.Metrics
	now          func() time.Time
	lease        time.Duration
	pendingGrace time.Duration
	batchSize    int
}

func NewDispatcher(repo Repository, registry action.Registry, transport Transport, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		repo:         repo,
		registry:     registry,
		transport:    transport,
		now:          time.Now,
		lease:        defaultLease,
		pendingGrace: defaultPendingGrace,
		batchSize:    defaultBatchSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Result describes what a Dispatch call did.
type Result struct {
	Event contract.TransitionEvent
	// Invoked is true when the downstream endpoint was called.
	Invoked bool
	// Cached is true when a stored result was returned without invoking.
	Cached bool
}

// Dispatch executes one event. Downstream failures are recorded on the
// event and returned wrapped in ErrTransientDispatch, ErrPermanentDispatch
// or ErrRetryExhausted. An event another worker is executing, or one that
// is not yet due, is returned unchanged with a nil error.
func (d *Dispatcher) Dispatch(ctx context.Context, eventID string) (Result, error) {
	ev, err := d.repo.Get(ctx, eventID)
	if err != nil {
		return Result{}, err
	}
	if ev.Status == contract.EventCompleted || ev.Status == contract.EventRolledBack {
		d.metrics.RecordDispatch(ctx, string(ev.Action), "cached", 0)
		return Result{Event: ev, Cached: true}, nil
	}

	// A worker that keeps dying mid-execution uses up the retry budget too.
	spent := ev.Status == contract.EventExecuting && ev.RetryCount >= ev.MaxRetries
	ev, claimed, err := d.repo.Claim(ctx, eventID, d.now(), d.lease)
	if err != nil {
		return Result{}, err
	}
	if !claimed {
		logging.Debug().
			Add(logging.EventID(ev.ID)).
			Add(logging.Status(string(ev.Status))).
			Msg("event not claimable")
		return Result{Event: ev, Cached: ev.Status == contract.EventCompleted}, nil
	}
	if spent {
		return d.fail(ctx, ev, action.RetryPolicy{}, d.now(), false, ErrLeaseExpired)
	}

	if d.cache != nil {
		out, ok, err := d.cache.Get(ctx, ev.IdempotencyKey)
		if err != nil {
			logging.Warn().Add(logging.EventID(ev.ID)).Add(logging.ErrorField(err)).Msg("result cache unavailable")
		} else if ok {
			done, err := d.repo.Complete(context.WithoutCancel(ctx), ev.ID, Outcome{Result: normalizeResult(out), CompletedAt: d.now()})
			if err != nil {
				return Result{}, err
			}
			d.metrics.RecordDispatch(ctx, string(ev.Action), "cached", 0)
			return Result{Event: done, Cached: true}, nil
		}
	}

	return d.execute(ctx, ev)
}

func (d *Dispatcher) execute(ctx context.Context, ev contract.TransitionEvent) (Result, error) {
	started := d.now()

	entry, err := d.registry.Lookup(ev.Action)
	if err != nil {
		return d.fail(ctx, ev, action.RetryPolicy{}, started, false, err)
	}
	if err := action.ValidatePayload(ev.Action, ev.Payload); err != nil {
		return d.fail(ctx, ev, entry.Retry, started, false, err)
	}

	body, err := d.invoke(ctx, entry.Timeout, Request{
		Action:         ev.Action,
		EventID:        ev.ID,
		ContractID:     ev.ContractID,
		IdempotencyKey: ev.IdempotencyKey,
		Endpoint:       entry.Endpoint,
		Payload:        ev.Payload,
	})
	if err != nil {
		return d.fail(ctx, ev, entry.Retry, started, true, err)
	}

	finished := d.now()
	elapsed := finished.Sub(started)
	result := normalizeResult(body)

	if d.cache != nil {
		if err := d.cache.Set(ctx, ev.IdempotencyKey, result); err != nil {
			logging.Warn().Add(logging.EventID(ev.ID)).Add(logging.ErrorField(err)).Msg("result cache write failed")
		}
	}

	done, err := d.repo.Complete(context.WithoutCancel(ctx), ev.ID, Outcome{
		Result:      result,
		CompletedAt: finished,
		DurationMs:  elapsed.Milliseconds(),
	})
	if err != nil {
		return Result{}, err
	}

	d.metrics.RecordDispatch(ctx, string(ev.Action), "completed", elapsed)
	logging.Info().
		Add(logging.EventID(ev.ID)).
		Add(logging.ContractID(ev.ContractID)).
		Add(logging.Action(string(ev.Action))).
		Add(logging.Attempt(ev.RetryCount, ev.MaxRetries)).
		Add(logging.Duration(elapsed)).
		Msg("event completed")
	return Result{Event: done, Invoked: true}, nil
}

func (d *Dispatcher) fail(ctx context.Context, ev contract.TransitionEvent, policy action.RetryPolicy, started time.Time, invoked bool, cause error) (Result, error) {
	finished := d.now()
	elapsed := finished.Sub(started)
	o := Outcome{
		Error:       cause.Error(),
		CompletedAt: finished,
		DurationMs:  elapsed.Milliseconds(),
	}

	var err error
	switch {
	case IsPermanent(cause):
		o.Kind = contract.FailurePermanent
		err = fmt.Errorf("%w: %w", ErrPermanentDispatch, cause)
	case ev.RetryCount >= ev.MaxRetries:
		o.Kind = contract.FailureExhausted
		err = fmt.Errorf("%w after %d retries: %w", ErrRetryExhausted, ev.RetryCount, cause)
	default:
		o.Kind = contract.FailureTransient
		next := finished.Add(policy.Delay(ev.RetryCount))
		o.NextRetryAt = &next
		err = fmt.Errorf("%w: %w", ErrTransientDispatch, cause)
	}

	failed, ferr := d.repo.Fail(context.WithoutCancel(ctx), ev.ID, o)
	if ferr != nil {
		return Result{}, errors.Join(err, ferr)
	}

	d.metrics.RecordDispatch(ctx, string(ev.Action), outcomeName(o.Kind), elapsed)
	if o.NextRetryAt != nil {
		d.metrics.RecordRetryScheduled(ctx, string(ev.Action))
	}
	logging.Warn().
		Add(logging.EventID(ev.ID)).
		Add(logging.ContractID(ev.ContractID)).
		Add(logging.Action(string(ev.Action))).
		Add(logging.Attempt(ev.RetryCount, ev.MaxRetries)).
		Add(logging.Str("failure_kind", string(o.Kind))).
		Add(logging.ErrorField(cause)).
		Msg("event failed")
	return Result{Event: failed, Invoked: invoked}, err
}

func outcomeName(k contract.FailureKind) string {
	switch k {
	case contract.FailurePermanent:
		return "permanent"
	case contract.FailureExhausted:
		return "exhausted"
	default:
		return "transient"
	}
}

// invoke calls the transport and gives up locally once timeout elapses,
// even if the transport ignores its context.
func (d *Dispatcher) invoke(ctx context.Context, timeout time.Duration, req Request) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type reply struct {
		body []byte
		err  error
	}
	ch := make(chan reply, 1)
	go func() {
		body, err := d.transport.Invoke(ctx, req)
		ch <- reply{body: body, err: err}
	}()

	select {
	case r := <-ch:
		return r.body, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("action %s gave up after %s: %w", req.Action, timeout, ctx.Err())
	}
}

// normalizeResult keeps result bodies storable as JSON.
func normalizeResult(body []byte) json.RawMessage {
	if len(body) == 0 {
		return nil
	}
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	quoted, _ := json.Marshal(string(body))
	return quoted
}

// Sweep returns the IDs of events due for retry followed by stalled ones:
// PENDING events older than the pending grace and EXECUTING events whose
// lease expired.
func (d *Dispatcher) Sweep(ctx context.Context) ([]string, error) {
	now := d.now()
	due, err := d.repo.DueForRetry(ctx, now, d.batchSize)
	if err != nil {
		return nil, err
	}
	stalled, err := d.repo.ListStalled(ctx, now.Add(-d.pendingGrace), now.Add(-d.lease), d.batchSize)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(due)+len(stalled))
	var ids []string
	for _, ev := range append(due, stalled...) {
		if seen[ev.ID] {
			continue
		}
		seen[ev.ID] = true
		ids = append(ids, ev.ID)
	}
	return ids, nil
}

// RetryDue dispatches every event whose retry time has passed and returns
// their resulting states. Downstream failures are recorded, not returned.
func (d *Dispatcher) RetryDue(ctx context.Context) ([]contract.TransitionEvent, error) {
	due, err := d.repo.DueForRetry(ctx, d.now(), d.batchSize)
	if err != nil {
		return nil, err
	}

	out := make([]contract.TransitionEvent, 0, len(due))
	for _, ev := range due {
		res, err := d.Dispatch(ctx, ev.ID)
		if err != nil && res.Event.ID == "" {
			return out, err
		}
		out = append(out, res.Event)
	}
	return out, nil
}

// Rollback runs the compensation endpoint of a completed event.
func (d *Dispatcher) Rollback(ctx context.Context, eventID string) (contract.TransitionEvent, error) {
	ev, err := d.repo.Get(ctx, eventID)
	if err != nil {
		return contract.TransitionEvent{}, err
	}
	if ev.Status == contract.EventRolledBack {
		return ev, nil
	}
	if ev.Status != contract.EventCompleted {
		return ev, fmt.Errorf("%w: event %s is %s", ErrNotRollbackable, ev.ID, ev.Status)
	}

	entry, err := d.registry.Lookup(ev.Action)
	if err != nil {
		return ev, err
	}
	if entry.Compensation == nil {
		return ev, fmt.Errorf("%w: %s", ErrNoCompensation, ev.Action)
	}
	endpoint := *entry.Compensation
	if endpoint.Auth.Scheme == "" {
		endpoint.Auth = entry.Endpoint.Auth
	}

	payload, err := json.Marshal(map[string]any{
		"event_id":        ev.ID,
		"contract_id":     ev.ContractID,
		"action":          string(ev.Action),
		"idempotency_key": ev.IdempotencyKey,
		"payload":         ev.Payload,
		"result":          ev.Result,
	})
	if err != nil {
		return ev, fmt.Errorf("dispatch: marshal rollback payload: %w", err)
	}

	_, callErr := d.invoke(ctx, entry.Timeout, Request{
		Action:         ev.Action,
		EventID:        ev.ID,
		ContractID:     ev.ContractID,
		IdempotencyKey: ev.IdempotencyKey + ":rollback",
		Endpoint:       endpoint,
		Payload:        payload,
	})
	if callErr != nil {
		updated, err := d.repo.MarkRolledBack(context.WithoutCancel(ctx), ev.ID, d.now(), callErr.Error())
		if err != nil {
			return ev, errors.Join(callErr, err)
		}
		logging.Error().
			Add(logging.EventID(ev.ID)).
			Add(logging.Action(string(ev.Action))).
			Add(logging.ErrorField(callErr)).
			Msg("compensation failed")
		return updated, fmt.Errorf("dispatch: rollback %s: %w", ev.ID, callErr)
	}

	updated, err := d.repo.MarkRolledBack(context.WithoutCancel(ctx), ev.ID, d.now(), "")
	if err != nil {
		return ev, err
	}
	logging.Info().
		Add(logging.EventID(ev.ID)).
		Add(logging.Action(string(ev.Action))).
		Msg("event rolled back")
	return updated, nil
}
