package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"contractflow/action"
	"contractflow/contract"
)

// IdempotencyKey is the key downstream services deduplicate an event on.
func IdempotencyKey(transitionID string, a action.Type, order int) string {
	return fmt.Sprintf("%s:%s:%d", transitionID, a, order)
}

func (s *Service) planEvents(c *contract.Contract, t contract.Transition, ch contract.Change, now time.Time) []contract.TransitionEvent {
	// Same-state entries record progress only; triggers fire on state changes.
	if ch.From == ch.To {
		return nil
	}
	actions := s.triggers.Match(action.Subject{
		Entity:   string(ch.Entity),
		To:       ch.To,
		Category: string(ch.Category),
		StepType: string(ch.StepType),
	})
	if len(actions) == 0 {
		return nil
	}

	events := make([]contract.TransitionEvent, 0, len(actions))
	for i, a := range actions {
		order := i + 1
		events = append(events, contract.TransitionEvent{
			ID:             s.idGenerator(),
			TransitionID:   t.ID,
			ContractID:     c.ID,
			Action:         a,
			Order:          order,
			Status:         contract.EventPending,
			Payload:        eventPayload(c, t, ch, a),
			IdempotencyKey: IdempotencyKey(t.ID, a, order),
			MaxRetries:     s.registry.Policy(a).MaxRetries,
			CreatedAt:      now,
		})
	}
	return events
}

func eventPayload(c *contract.Contract, t contract.Transition, ch contract.Change, a action.Type) json.RawMessage {
	body := map[string]any{
		"action":        string(a),
		"contract_id":   c.ID,
		"customer_id":   c.CustomerID,
		"asset_id":      c.AssetID,
		"transition_id": t.ID,
		"entity":        string(ch.Entity),
		"entity_id":     ch.EntityID,
		"from":          ch.From,
		"to":            ch.To,
		"currency":      c.Currency,
		"total_amount":  c.TotalAmount.StringFixed(2),
		"total_paid":    c.TotalPaid.StringFixed(2),
	}
	if ch.PhaseID != "" {
		body["phase_id"] = ch.PhaseID
	}
	if ch.Reason != "" {
		body["reason"] = ch.Reason
	}
	if a == action.FundDisbursement {
		body["amount"] = c.TotalAmount.StringFixed(2)
	}
	return toJSON(body)
}

func toJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("ledger: marshal payload: %v", err))
	}
	return data
}
