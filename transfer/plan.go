package transfer

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"contractflow/contract"
	"contractflow/money"
)

// MigratedSuffix is appended to the reference of every migrated payment.
const MigratedSuffix = "-MIGRATED"

// Plan is the contract an approval would create and the payments it moves.
type Plan struct {
	Contract        contract.Contract
	Payments        []contract.Payment
	PriceAdjustment decimal.Decimal
	ActivePhaseID   string
}

type planInput struct {
	source   contract.Contract
	payments []contract.Payment
	template contract.Template
	target   contract.Unit
	handling contract.AdjustmentHandling
	now      time.Time
	newID    func() string
}

// buildPlan derives the new contract from the source contract's progress
// and its completed payments, priced at the target unit.
func buildPlan(in planInput) (Plan, error) {
	src := in.source.Clone()
	src.SortPhases()
	total := money.Round(in.target.Price)
	adjustment := total.Sub(src.TotalAmount)

	srcOrder := make(map[string]int, len(src.Phases))
	srcByOrder := make(map[int]contract.Phase, len(src.Phases))
	for _, ph := range src.Phases {
		srcOrder[ph.ID] = ph.Order
		srcByOrder[ph.Order] = ph
	}

	var completed []contract.Payment
	paidByOrder := map[int]decimal.Decimal{}
	for _, p := range in.payments {
		if p.Status != contract.PaymentCompleted {
			continue
		}
		order, ok := srcOrder[p.PhaseID]
		if !ok {
			return Plan{}, fmt.Errorf("payment %s references unknown phase %s", p.ID, p.PhaseID)
		}
		paidByOrder[order] = paidByOrder[order].Add(p.Amount)
		completed = append(completed, p)
	}
	sort.SliceStable(completed, func(i, j int) bool {
		if !completed[i].PaidAt.Equal(completed[j].PaidAt) {
			return completed[i].PaidAt.Before(completed[j].PaidAt)
		}
		return completed[i].ID < completed[j].ID
	})

	params := contract.BuildParams{
		CustomerID: src.CustomerID,
		AssetID:    in.target.ID,
		Currency:   src.Currency,
		Total:      total,
		Start:      in.now,
		NewID:      in.newID,
	}
	if in.handling == contract.AdjustFoldIntoRemaining {
		amounts, pcts, err := foldAmounts(src, total, adjustment, paidByOrder)
		if err != nil {
			return Plan{}, err
		}
		params.Amounts = amounts
		params.Percentages = pcts
	}

	c, err := in.template.Build(params)
	if err != nil {
		return Plan{}, err
	}
	if len(c.Phases) != len(src.Phases) {
		return Plan{}, fmt.Errorf("template %s has %d phases, source has %d", in.template.ID, len(c.Phases), len(src.Phases))
	}
	for i := range c.Phases {
		if c.Phases[i].Order != src.Phases[i].Order || c.Phases[i].Category != src.Phases[i].Category {
			return Plan{}, fmt.Errorf("template %s phase %d does not match source phase", in.template.ID, c.Phases[i].Order)
		}
	}
	sourceID := src.ID
	c.TransferredFromID = &sourceID
	c.Status = contract.StatusActive

	newByOrder := make(map[int]*contract.Phase, len(c.Phases))
	for i := range c.Phases {
		newByOrder[c.Phases[i].Order] = &c.Phases[i]
	}

	migrated := make([]contract.Payment, 0, len(completed))
	for _, p := range completed {
		ph := newByOrder[srcOrder[p.PhaseID]]
		pay, ok := ph.Payment()
		if !ok {
			return Plan{}, fmt.Errorf("payment %s belongs to non-payment phase %d", p.ID, ph.Order)
		}
		if pay.PaidAmount.Add(p.Amount).GreaterThan(pay.TotalAmount) {
			return Plan{}, fmt.Errorf("migrated payments exceed phase %d total %s", ph.Order, pay.TotalAmount.StringFixed(2))
		}
		pay.Allocate(p.Amount, p.PaidAt)
		c.TotalPaid = c.TotalPaid.Add(p.Amount)

		origID := p.ID
		migrated = append(migrated, contract.Payment{
			ID:             in.newID(),
			ContractID:     c.ID,
			PhaseID:        ph.ID,
			Amount:         p.Amount,
			Payer:          p.Payer,
			Reference:      p.Reference + MigratedSuffix,
			Status:         contract.PaymentCompleted,
			PaidAt:         p.PaidAt,
			MigratedFromID: &origID,
		})
	}

	for i := range c.Phases {
		copyProgress(&c.Phases[i], srcByOrder[c.Phases[i].Order], in.now)
	}

	activeID, err := activateFirstOpen(&c, in.now)
	if err != nil {
		return Plan{}, err
	}

	sourcePaid := decimal.Zero
	for _, p := range completed {
		sourcePaid = sourcePaid.Add(p.Amount)
	}
	if !c.TotalPaid.Equal(sourcePaid) {
		return Plan{}, fmt.Errorf("migrated total %s does not match source payments %s", c.TotalPaid.StringFixed(2), sourcePaid.StringFixed(2))
	}
	if err := c.Validate(); err != nil {
		return Plan{}, err
	}

	return Plan{
		Contract:        c,
		Payments:        migrated,
		PriceAdjustment: adjustment,
		ActivePhaseID:   activeID,
	}, nil
}

// foldAmounts keeps every source payment phase amount and folds the price
// adjustment into the last unfinished payment phase. Percentages are
// re-derived from the amounts; the last positive share absorbs rounding.
func foldAmounts(src contract.Contract, total, adjustment decimal.Decimal, paidByOrder map[int]decimal.Decimal) ([]decimal.Decimal, []decimal.Decimal, error) {
	amounts := make([]decimal.Decimal, len(src.Phases))
	target := -1
	for i, ph := range src.Phases {
		amounts[i] = decimal.Zero
		if pay, ok := ph.Payment(); ok {
			amounts[i] = pay.TotalAmount
			if !ph.Status.Done() {
				target = i
			}
		}
	}
	if target < 0 {
		return nil, nil, errors.New("no unfinished payment phase to absorb the price adjustment")
	}

	amounts[target] = amounts[target].Add(adjustment)
	order := src.Phases[target].Order
	if !amounts[target].IsPositive() || amounts[target].LessThan(paidByOrder[order]) {
		return nil, nil, fmt.Errorf("adjustment %s leaves phase %d with %s", adjustment.StringFixed(2), order, amounts[target].StringFixed(2))
	}
	if !money.Sum(amounts...).Equal(total) {
		return nil, nil, fmt.Errorf("source phase amounts do not add up to the contract total")
	}

	pcts := make([]decimal.Decimal, len(amounts))
	last := -1
	sum := decimal.Zero
	for i, a := range amounts {
		pcts[i] = money.Ratio(a, total)
		if a.IsPositive() {
			last = i
		}
		sum = sum.Add(pcts[i])
	}
	pcts[last] = pcts[last].Add(decimal.NewFromInt(100).Sub(sum))
	return amounts, pcts, nil
}

// copyProgress carries finished work from a source phase onto its
// counterpart. Payment phases are finished by their migrated payments.
func copyProgress(ph *contract.Phase, src contract.Phase, now time.Time) {
	switch p := ph.Payload.(type) {
	case *contract.DocumentationPayload:
		if sd, ok := src.Documentation(); ok {
			for i := range p.Steps {
				if i < len(sd.Steps) && sd.Steps[i].Status.Terminal() {
					p.Steps[i].Status = sd.Steps[i].Status
					p.Steps[i].Reason = sd.Steps[i].Reason
					p.Steps[i].UpdatedAt = sd.Steps[i].UpdatedAt
				}
			}
		}
	case *contract.QuestionnairePayload:
		if sq, ok := src.Questionnaire(); ok {
			p.AnsweredFields = min(sq.AnsweredFields, p.TotalFields)
		}
	case *contract.PaymentPayload:
		if done, _ := contract.CompletionMet(*ph); done {
			ph.Status = contract.PhaseCompleted
			ph.ActivatedAt = firstTime(src.ActivatedAt, now)
			ph.CompletedAt = firstTime(src.CompletedAt, now)
		}
		return
	}

	if src.Status.Done() {
		ph.Status = src.Status
		ph.ActivatedAt = firstTime(src.ActivatedAt, now)
		ph.CompletedAt = firstTime(src.CompletedAt, now)
	}
}

// activateFirstOpen activates the first unfinished phase, completing any
// whose condition is already met on the way.
func activateFirstOpen(c *contract.Contract, now time.Time) (string, error) {
	for i := range c.Phases {
		ph := &c.Phases[i]
		if ph.Status.Done() {
			continue
		}
		t := now
		ph.ActivatedAt = &t
		if done, _ := contract.CompletionMet(*ph); done {
			ph.Status = contract.PhaseCompleted
			ph.CompletedAt = &t
			continue
		}
		ph.Status = contract.PhaseActive
		return ph.ID, nil
	}
	return "", errors.New("source contract has no unfinished phase left to transfer")
}

func firstTime(t *time.Time, fallback time.Time) *time.Time {
	if t != nil {
		v := *t
		return &v
	}
	return &fallback
}
