package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"contractflow/action"
	"contractflow/contract"
)

// Outcome is what a finished attempt writes back to the event row.
type Outcome struct {
	Result      json.RawMessage
	Error       string
	Kind        contract.FailureKind
	NextRetryAt *time.Time
	CompletedAt time.Time
	DurationMs  int64
}

// Repository persists event delivery state. Every method is a single
// atomic statement so several workers may share one database.
type Repository interface {
	Get(ctx context.Context, id string) (contract.TransitionEvent, error)
	// Claim moves a PENDING, due FAILED or lease-expired EXECUTING event to
	// EXECUTING. claimed is false when another worker owns the event or it
	// is already finished; the current row is returned either way.
	Claim(ctx context.Context, id string, now time.Time, lease time.Duration) (ev contract.TransitionEvent, claimed bool, err error)
	Complete(ctx context.Context, id string, o Outcome) (contract.TransitionEvent, error)
	Fail(ctx context.Context, id string, o Outcome) (contract.TransitionEvent, error)
	MarkRolledBack(ctx context.Context, id string, at time.Time, rollbackErr string) (contract.TransitionEvent, error)
	DueForRetry(ctx context.Context, now time.Time, limit int) ([]contract.TransitionEvent, error)
	ListStalled(ctx context.Context, pendingBefore, executingBefore time.Time, limit int) ([]contract.TransitionEvent, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const eventColumns = `id, transition_id, contract_id, action, ord, status, payload, result,
    COALESCE(error, ''), COALESCE(failure_kind, ''), idempotency_key, retry_count, max_retries,
    next_retry_at, started_at, completed_at, COALESCE(duration_ms, 0), rolled_back, rolled_back_at,
    COALESCE(rollback_error, ''), created_at`

func scanEvent(row pgx.Row) (contract.TransitionEvent, error) {
	var (
		ev              contract.TransitionEvent
		act             string
		payload, result []byte
	)
	if err := row.Scan(&ev.ID, &ev.TransitionID, &ev.ContractID, &act, &ev.Order, &ev.Status, &payload, &result,
		&ev.Error, &ev.FailureKind, &ev.IdempotencyKey, &ev.RetryCount, &ev.MaxRetries,
		&ev.NextRetryAt, &ev.StartedAt, &ev.CompletedAt, &ev.DurationMs, &ev.RolledBack, &ev.RolledBackAt,
		&ev.RollbackError, &ev.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return contract.TransitionEvent{}, ErrEventNotFound
		}
		return contract.TransitionEvent{}, fmt.Errorf("dispatch: scan event: %w", err)
	}
	ev.Action = action.Type(act)
	ev.Payload = payload
	if len(result) > 0 {
		ev.Result = result
	}
	return ev, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (contract.TransitionEvent, error) {
	return scanEvent(r.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM transition_events WHERE id=$1`, id))
}

func (r *PGRepository) Claim(ctx context.Context, id string, now time.Time, lease time.Duration) (contract.TransitionEvent, bool, error) {
	// SET expressions see the pre-update row. FAILED pickups and lease
	// takeovers count as retries; a takeover at the limit keeps the count
	// and the dispatcher fails it as exhausted.
	ev, err := scanEvent(r.pool.QueryRow(ctx, `
        UPDATE transition_events
        SET status='EXECUTING',
            retry_count = retry_count + CASE
                WHEN status='FAILED' THEN 1
                WHEN status='EXECUTING' AND retry_count < max_retries THEN 1
                ELSE 0 END,
            started_at=$2, next_retry_at=NULL
        WHERE id=$1 AND (
            status='PENDING'
            OR (status='FAILED' AND retry_count < max_retries AND next_retry_at IS NOT NULL AND next_retry_at <= $2)
            OR (status='EXECUTING' AND started_at < $3)
        )
        RETURNING `+eventColumns, id, now, now.Add(-lease)))
	if errors.Is(err, ErrEventNotFound) {
		current, err := r.Get(ctx, id)
		return current, false, err
	}
	if err != nil {
		return contract.TransitionEvent{}, false, err
	}
	return ev, true, nil
}

func (r *PGRepository) Complete(ctx context.Context, id string, o Outcome) (contract.TransitionEvent, error) {
	var result any
	if len(o.Result) > 0 {
		result = string(o.Result)
	}
	return leased(scanEvent(r.pool.QueryRow(ctx, `
        UPDATE transition_events
        SET status='COMPLETED', result=$2::jsonb, error=NULL, failure_kind=NULL, next_retry_at=NULL,
            completed_at=$3, duration_ms=$4
        WHERE id=$1 AND status='EXECUTING'
        RETURNING `+eventColumns, id, result, o.CompletedAt, o.DurationMs)))
}

func (r *PGRepository) Fail(ctx context.Context, id string, o Outcome) (contract.TransitionEvent, error) {
	return leased(scanEvent(r.pool.QueryRow(ctx, `
        UPDATE transition_events
        SET status='FAILED', error=$2, failure_kind=$3, next_retry_at=$4, completed_at=$5, duration_ms=$6
        WHERE id=$1 AND status='EXECUTING'
        RETURNING `+eventColumns, id, o.Error, o.Kind, o.NextRetryAt, o.CompletedAt, o.DurationMs)))
}

// leased maps a missing EXECUTING row to ErrLeaseLost.
func leased(ev contract.TransitionEvent, err error) (contract.TransitionEvent, error) {
	if errors.Is(err, ErrEventNotFound) {
		return contract.TransitionEvent{}, ErrLeaseLost
	}
	return ev, err
}

func (r *PGRepository) MarkRolledBack(ctx context.Context, id string, at time.Time, rollbackErr string) (contract.TransitionEvent, error) {
	if rollbackErr != "" {
		return scanEvent(r.pool.QueryRow(ctx, `
            UPDATE transition_events SET rollback_error=$2
            WHERE id=$1 AND status='COMPLETED'
            RETURNING `+eventColumns, id, rollbackErr))
	}
	return scanEvent(r.pool.QueryRow(ctx, `
        UPDATE transition_events
        SET status='ROLLED_BACK', rolled_back=true, rolled_back_at=$2, rollback_error=NULL
        WHERE id=$1 AND status='COMPLETED'
        RETURNING `+eventColumns, id, at))
}

func (r *PGRepository) DueForRetry(ctx context.Context, now time.Time, limit int) ([]contract.TransitionEvent, error) {
	return r.list(ctx, `
        SELECT `+eventColumns+` FROM transition_events
        WHERE status='FAILED' AND retry_count < max_retries
          AND next_retry_at IS NOT NULL AND next_retry_at <= $1
        ORDER BY next_retry_at
        LIMIT $2
    `, now, limit)
}

func (r *PGRepository) ListStalled(ctx context.Context, pendingBefore, executingBefore time.Time, limit int) ([]contract.TransitionEvent, error) {
	return r.list(ctx, `
        SELECT `+eventColumns+` FROM transition_events
        WHERE (status='PENDING' AND created_at < $1)
           OR (status='EXECUTING' AND started_at < $2)
        ORDER BY created_at
        LIMIT $3
    `, pendingBefore, executingBefore, limit)
}

func (r *PGRepository) list(ctx context.Context, query string, args ...any) ([]contract.TransitionEvent, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dispatch: query events: %w", err)
	}
	defer rows.Close()

	var out []contract.TransitionEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
