package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"contractflow/action"
	"contractflow/contract"
)

var (
	// ErrContractNotFound is returned when no contract row exists for the identifier.
	ErrContractNotFound = errors.New("ledger: contract not found")
	// ErrDuplicateIdempotencyKey signals an event key collided with an existing one.
	ErrDuplicateIdempotencyKey = errors.New("ledger: duplicate idempotency key")
	// ErrStaleContract is returned when an update lost a version race.
	ErrStaleContract = errors.New("ledger: stale contract version")
)

// Repository is the storage the ledger writes through. Methods taking a
// pgx.Tx run inside the caller's transaction.
type Repository interface {
	GetContractForUpdate(ctx context.Context, tx pgx.Tx, id string) (contract.Contract, error)
	InsertContract(ctx context.Context, tx pgx.Tx, c contract.Contract) error
	UpdateContract(ctx context.Context, tx pgx.Tx, c contract.Contract) error
	NextSequence(ctx context.Context, tx pgx.Tx, contractID string) (int, error)
	InsertTransitions(ctx context.Context, tx pgx.Tx, ts []contract.Transition) error
	InsertPayments(ctx context.Context, tx pgx.Tx, ps []contract.Payment) error
	ListPayments(ctx context.Context, tx pgx.Tx, contractID string) ([]contract.Payment, error)

	GetContract(ctx context.Context, id string) (contract.Contract, error)
	FindContractByPhase(ctx context.Context, phaseID string) (contract.Contract, error)
	ListTransitions(ctx context.Context, contractID string) ([]contract.Transition, error)
}

// PGRepository implements Repository on PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// querier is satisfied by both pgx.Tx and *pgxpool.Pool.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const contractColumns = `id, customer_id, asset_id, template_id, currency, status,
    total_amount::text, total_paid::text, transferred_from_id, version, created_at, updated_at`

func (r *PGRepository) GetContractForUpdate(ctx context.Context, tx pgx.Tx, id string) (contract.Contract, error) {
	return loadContract(ctx, tx, `SELECT `+contractColumns+` FROM contracts WHERE id=$1 FOR UPDATE`, id)
}

func (r *PGRepository) GetContract(ctx context.Context, id string) (contract.Contract, error) {
	return loadContract(ctx, r.pool, `SELECT `+contractColumns+` FROM contracts WHERE id=$1`, id)
}

func (r *PGRepository) FindContractByPhase(ctx context.Context, phaseID string) (contract.Contract, error) {
	return loadContract(ctx, r.pool, `SELECT `+contractColumns+` FROM contracts
        WHERE id=(SELECT contract_id FROM phases WHERE id=$1)`, phaseID)
}

func loadContract(ctx context.Context, q querier, query string, arg string) (contract.Contract, error) {
	c, err := scanContract(q.QueryRow(ctx, query, arg))
	if err != nil {
		return contract.Contract{}, err
	}

	rows, err := q.Query(ctx, `
        SELECT id, contract_id, name, ord, category, status, percentage::text,
               due_date, activated_at, completed_at, payload
        FROM phases WHERE contract_id=$1 ORDER BY ord
    `, c.ID)
	if err != nil {
		return contract.Contract{}, fmt.Errorf("ledger: query phases: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ph      contract.Phase
			pct     string
			payload []byte
		)
		if err := rows.Scan(&ph.ID, &ph.ContractID, &ph.Name, &ph.Order, &ph.Category, &ph.Status, &pct,
			&ph.DueDate, &ph.ActivatedAt, &ph.CompletedAt, &payload); err != nil {
			return contract.Contract{}, fmt.Errorf("ledger: scan phase: %w", err)
		}
		if ph.Percentage, err = decimal.NewFromString(pct); err != nil {
			return contract.Contract{}, fmt.Errorf("ledger: parse percentage: %w", err)
		}
		if ph.Payload, err = contract.DecodePayload(ph.Category, payload); err != nil {
			return contract.Contract{}, err
		}
		c.Phases = append(c.Phases, ph)
	}
	if err := rows.Err(); err != nil {
		return contract.Contract{}, fmt.Errorf("ledger: iterate phases: %w", err)
	}
	return c, nil
}

func scanContract(row pgx.Row) (contract.Contract, error) {
	var (
		c           contract.Contract
		total, paid string
	)
	if err := row.Scan(&c.ID, &c.CustomerID, &c.AssetID, &c.TemplateID, &c.Currency, &c.Status,
		&total, &paid, &c.TransferredFromID, &c.Version, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return contract.Contract{}, ErrContractNotFound
		}
		return contract.Contract{}, fmt.Errorf("ledger: scan contract: %w", err)
	}
	var err error
	if c.TotalAmount, err = decimal.NewFromString(total); err != nil {
		return contract.Contract{}, fmt.Errorf("ledger: parse total: %w", err)
	}
	if c.TotalPaid, err = decimal.NewFromString(paid); err != nil {
		return contract.Contract{}, fmt.Errorf("ledger: parse paid: %w", err)
	}
	return c, nil
}

func (r *PGRepository) InsertContract(ctx context.Context, tx pgx.Tx, c contract.Contract) error {
	if _, err := tx.Exec(ctx, `
        INSERT INTO contracts (id, customer_id, asset_id, template_id, currency, status,
            total_amount, total_paid, transferred_from_id, version, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7::numeric,$8::numeric,$9,$10,$11,$12)
    `, c.ID, c.CustomerID, c.AssetID, c.TemplateID, c.Currency, c.Status,
		c.TotalAmount.StringFixed(2), c.TotalPaid.StringFixed(2), c.TransferredFromID, c.Version, c.CreatedAt, c.UpdatedAt); err != nil {
		return fmt.Errorf("ledger: insert contract: %w", err)
	}

	batch := &pgx.Batch{}
	for _, ph := range c.Phases {
		payload, err := contract.EncodePayload(ph.Payload)
		if err != nil {
			return err
		}
		batch.Queue(`
            INSERT INTO phases (id, contract_id, name, ord, category, status, percentage,
                due_date, activated_at, completed_at, payload)
            VALUES ($1,$2,$3,$4,$5,$6,$7::numeric,$8,$9,$10,$11::jsonb)
        `, ph.ID, c.ID, ph.Name, ph.Order, ph.Category, ph.Status, ph.Percentage.String(),
			ph.DueDate, ph.ActivatedAt, ph.CompletedAt, string(payload))
	}
	return execBatch(ctx, tx, batch, "insert phase")
}

func (r *PGRepository) UpdateContract(ctx context.Context, tx pgx.Tx, c contract.Contract) error {
	tag, err := tx.Exec(ctx, `
        UPDATE contracts
        SET status=$1, total_amount=$2::numeric, total_paid=$3::numeric, version=version+1, updated_at=$4
        WHERE id=$5 AND version=$6
    `, c.Status, c.TotalAmount.StringFixed(2), c.TotalPaid.StringFixed(2), c.UpdatedAt, c.ID, c.Version)
	if err != nil {
		return fmt.Errorf("ledger: update contract: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleContract
	}

	// Finished phases first so the single-active index never sees two rows.
	batch := &pgx.Batch{}
	for _, pass := range []bool{false, true} {
		for _, ph := range c.Phases {
			if (ph.Status == contract.PhaseActive) != pass {
				continue
			}
			payload, err := contract.EncodePayload(ph.Payload)
			if err != nil {
				return err
			}
			batch.Queue(`
                UPDATE phases
                SET status=$1, percentage=$2::numeric, activated_at=$3, completed_at=$4, payload=$5::jsonb
                WHERE id=$6 AND contract_id=$7
            `, ph.Status, ph.Percentage.String(), ph.ActivatedAt, ph.CompletedAt, string(payload), ph.ID, c.ID)
		}
	}
	return execBatch(ctx, tx, batch, "update phase")
}

func (r *PGRepository) NextSequence(ctx context.Context, tx pgx.Tx, contractID string) (int, error) {
	var seq int
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM transitions WHERE contract_id=$1`, contractID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("ledger: next sequence: %w", err)
	}
	return seq, nil
}

func (r *PGRepository) InsertTransitions(ctx context.Context, tx pgx.Tx, ts []contract.Transition) error {
	batch := &pgx.Batch{}
	for _, t := range ts {
		batch.Queue(`
            INSERT INTO transitions (id, contract_id, seq, entity_type, entity_id, from_state, to_state,
                actor_id, actor_role, reason, caused_by_id, created_at)
            VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
        `, t.ID, t.ContractID, t.Seq, t.EntityType, t.EntityID, t.From, t.To,
			t.ActorID, t.ActorRole, t.Reason, t.CausedByID, t.CreatedAt)
		for _, ev := range t.Events {
			batch.Queue(`
                INSERT INTO transition_events (id, transition_id, contract_id, action, ord, status, payload,
                    idempotency_key, retry_count, max_retries, created_at)
                VALUES ($1,$2,$3,$4,$5,$6,$7::jsonb,$8,$9,$10,$11)
            `, ev.ID, ev.TransitionID, ev.ContractID, ev.Action, ev.Order, ev.Status, string(ev.Payload),
				ev.IdempotencyKey, ev.RetryCount, ev.MaxRetries, ev.CreatedAt)
		}
	}
	return execBatch(ctx, tx, batch, "insert transition")
}

func (r *PGRepository) InsertPayments(ctx context.Context, tx pgx.Tx, ps []contract.Payment) error {
	batch := &pgx.Batch{}
	for _, p := range ps {
		batch.Queue(`
            INSERT INTO payments (id, contract_id, phase_id, amount, payer, reference, status, paid_at, migrated_from_id)
            VALUES ($1,$2,$3,$4::numeric,$5,$6,$7,$8,$9)
        `, p.ID, p.ContractID, p.PhaseID, p.Amount.StringFixed(2), p.Payer, p.Reference, p.Status, p.PaidAt, p.MigratedFromID)
	}
	return execBatch(ctx, tx, batch, "insert payment")
}

func (r *PGRepository) ListPayments(ctx context.Context, tx pgx.Tx, contractID string) ([]contract.Payment, error) {
	rows, err := tx.Query(ctx, `
        SELECT id, contract_id, phase_id, amount::text, payer, reference, status, paid_at, migrated_from_id
        FROM payments WHERE contract_id=$1 ORDER BY paid_at, id
    `, contractID)
	if err != nil {
		return nil, fmt.Errorf("ledger: query payments: %w", err)
	}
	defer rows.Close()

	var out []contract.Payment
	for rows.Next() {
		var (
			p      contract.Payment
			amount string
		)
		if err := rows.Scan(&p.ID, &p.ContractID, &p.PhaseID, &amount, &p.Payer, &p.Reference, &p.Status, &p.PaidAt, &p.MigratedFromID); err != nil {
			return nil, fmt.Errorf("ledger: scan payment: %w", err)
		}
		if p.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("ledger: parse payment amount: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *PGRepository) ListTransitions(ctx context.Context, contractID string) ([]contract.Transition, error) {
	rows, err := r.pool.Query(ctx, `
        SELECT t.id, t.contract_id, t.seq, t.entity_type, t.entity_id, t.from_state, t.to_state,
               t.actor_id, t.actor_role, t.reason, t.caused_by_id, t.created_at,
               e.id, e.action, e.ord, e.status, e.idempotency_key, e.retry_count, e.max_retries
        FROM transitions t
        LEFT JOIN transition_events e ON e.transition_id = t.id
        WHERE t.contract_id=$1
        ORDER BY t.seq, e.ord
    `, contractID)
	if err != nil {
		return nil, fmt.Errorf("ledger: query transitions: %w", err)
	}
	defer rows.Close()

	var out []contract.Transition
	for rows.Next() {
		var (
			t                   contract.Transition
			evID, evAction      *string
			evStatus, evIdemKey *string
			evOrd, evRetry      *int
			evMax               *int
		)
		if err := rows.Scan(&t.ID, &t.ContractID, &t.Seq, &t.EntityType, &t.EntityID, &t.From, &t.To,
			&t.ActorID, &t.ActorRole, &t.Reason, &t.CausedByID, &t.CreatedAt,
			&evID, &evAction, &evOrd, &evStatus, &evIdemKey, &evRetry, &evMax); err != nil {
			return nil, fmt.Errorf("ledger: scan transition: %w", err)
		}
		if len(out) == 0 || out[len(out)-1].ID != t.ID {
			out = append(out, t)
		}
		if evID != nil {
			last := &out[len(out)-1]
			last.Events = append(last.Events, contract.TransitionEvent{
				ID:             *evID,
				TransitionID:   t.ID,
				ContractID:     t.ContractID,
				Action:         action.Type(*evAction),
				Order:          *evOrd,
				Status:         contract.EventStatus(*evStatus),
				IdempotencyKey: *evIdemKey,
				RetryCount:     *evRetry,
				MaxRetries:     *evMax,
			})
		}
	}
	return out, rows.Err()
}

func execBatch(ctx context.Context, tx pgx.Tx, batch *pgx.Batch, op string) error {
	if batch.Len() == 0 {
		return nil
	}
	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "transition_events_idempotency_key_key" {
				return ErrDuplicateIdempotencyKey
			}
			return fmt.Errorf("ledger: %s: %w", op, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("ledger: %s: %w", op, err)
	}
	return nil
}
