package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is a query that must return no rows while the engine is healthy.
type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_active_phase",
			SQL: `SELECT contract_id, COUNT(*) FROM phases WHERE status='ACTIVE'
                  GROUP BY contract_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_active_phase_in_order",
			SQL: `SELECT a.contract_id, a.ord, p.ord FROM phases a
                  JOIN phases p ON p.contract_id = a.contract_id AND p.ord < a.ord
                  WHERE a.status='ACTIVE' AND p.status IN ('PENDING','ACTIVE')`,
		},
		{
			Name: "O3_transition_seq_contiguous",
			SQL: `SELECT contract_id, COUNT(*), MAX(seq) FROM transitions
                  GROUP BY contract_id HAVING COUNT(*) <> MAX(seq)`,
		},
		{
			Name: "O4_total_paid_matches_payments",
			SQL: `SELECT c.id, c.total_paid, COALESCE(SUM(p.amount),0) FROM contracts c
                  LEFT JOIN payments p ON p.contract_id = c.id AND p.status='COMPLETED'
                  WHERE c.status <> 'TRANSFERRED'
                  GROUP BY c.id, c.total_paid HAVING c.total_paid <> COALESCE(SUM(p.amount),0)`,
		},
		{
			Name: "O5_phase_paid_within_total",
			SQL: `SELECT id, payload->>'paid_amount', payload->>'total_amount' FROM phases
                  WHERE category='PAYMENT' AND (payload->>'paid_amount')::numeric > (payload->>'total_amount')::numeric`,
		},
		{
			Name: "O6_retry_schedule_consistent",
			SQL: `SELECT id, status, retry_count, next_retry_at FROM transition_events
                  WHERE (status='FAILED' AND failure_kind='TRANSIENT' AND next_retry_at IS NULL)
                     OR (status='FAILED' AND failure_kind IN ('PERMANENT','EXHAUSTED') AND next_retry_at IS NOT NULL)
                     OR (status<>'FAILED' AND next_retry_at IS NOT NULL)`,
		},
		{
			Name: "O7_one_pending_transfer",
			SQL: `SELECT source_contract_id, COUNT(*) FROM transfer_requests WHERE status='PENDING'
                  GROUP BY source_contract_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O8_completed_contract_fully_paid",
			SQL:  `SELECT id, total_paid, total_amount FROM contracts WHERE status='COMPLETED' AND total_paid <> total_amount`,
		},
		{
			Name: "O9_event_belongs_to_transition_contract",
			SQL: `SELECT e.id FROM transition_events e JOIN transitions t ON t.id = e.transition_id
                  WHERE t.contract_id <> e.contract_id`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
