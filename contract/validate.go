package contract

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Validate checks the structural invariants of a contract: unique ordered
// phases, percentages summing to 100, at most one ACTIVE phase which only
// follows finished phases, and consistent payment payloads.
func (c *Contract) Validate() error {
	if len(c.Phases) == 0 {
		return fmt.Errorf("%w: contract %s has no phases", ErrInvariant, c.ID)
	}

	sum := decimal.Zero
	active := 0
	prevOrder := 0
	blocked := false
	for i, ph := range c.Phases {
		if i > 0 && ph.Order <= prevOrder {
			return fmt.Errorf("%w: phase orders must be strictly increasing", ErrInvariant)
		}
		prevOrder = ph.Order
		sum = sum.Add(ph.Percentage)

		if ph.Payload == nil || ph.Payload.Category() != ph.Category {
			return fmt.Errorf("%w: phase %d payload does not match category %s", ErrInvariant, ph.Order, ph.Category)
		}

		if ph.Status == PhaseActive {
			active++
			if blocked {
				return fmt.Errorf("%w: phase %d is active before earlier phases finished", ErrInvariant, ph.Order)
			}
		}
		if !ph.Status.Done() {
			blocked = true
		}

		if pay, ok := ph.Payment(); ok {
			if pay.PaidAmount.GreaterThan(pay.TotalAmount) {
				return fmt.Errorf("%w: phase %d paid %s exceeds total %s", ErrInvariant, ph.Order, pay.PaidAmount, pay.TotalAmount)
			}
			if len(pay.Installments) > 0 {
				inst := decimal.Zero
				for _, in := range pay.Installments {
					inst = inst.Add(in.Amount)
				}
				if !inst.Equal(pay.TotalAmount) {
					return fmt.Errorf("%w: phase %d installments sum to %s, want %s", ErrInvariant, ph.Order, inst, pay.TotalAmount)
				}
			}
		}
	}

	if !sum.Equal(hundredPercent) {
		return fmt.Errorf("%w: phase percentages sum to %s, want 100", ErrInvariant, sum)
	}
	if active > 1 {
		return fmt.Errorf("%w: %d phases active", ErrInvariant, active)
	}
	if active == 1 && c.Status != StatusActive {
		return fmt.Errorf("%w: phase active while contract is %s", ErrInvariant, c.Status)
	}
	return nil
}
