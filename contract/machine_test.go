package contract

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

var t0 = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

func seqIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

func newMortgage(t *testing.T, total int64) Contract {
	t.Helper()
	c, err := MortgageTemplate().Build(BuildParams{
		ContractID: "contract-1",
		CustomerID: "customer-1",
		AssetID:    "unit-1",
		Total:      decimal.NewFromInt(total),
		Start:      t0,
		NewID:      seqIDs(),
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return c
}

func mustApply(t *testing.T, c *Contract, p Proposal) Outcome {
	t.Helper()
	out, err := Apply(c, p, t0)
	if err != nil {
		t.Fatalf("apply %T: %v", p, err)
	}
	return out
}

func activate(t *testing.T, c *Contract) {
	t.Helper()
	mustApply(t, c, ContractTransition{To: StatusPending})
	mustApply(t, c, ContractTransition{To: StatusActive})
}

func completeDocs(t *testing.T, c *Contract, ph *Phase) {
	t.Helper()
	doc, _ := ph.Documentation()
	for _, s := range doc.Steps {
		mustApply(t, c, StepUpdate{PhaseID: ph.ID, StepID: s.ID, To: StepCompleted})
	}
}

// advanceToDownpayment finishes KYC and the questionnaire.
func advanceToDownpayment(t *testing.T, c *Contract) *Phase {
	t.Helper()
	activate(t, c)
	completeDocs(t, c, &c.Phases[0])
	mustApply(t, c, AnswerQuestionnaire{PhaseID: c.Phases[1].ID, Answered: 12})
	if c.Phases[2].Status != PhaseActive {
		t.Fatalf("downpayment phase = %s, want ACTIVE", c.Phases[2].Status)
	}
	return &c.Phases[2]
}

func TestTemplateValidate(t *testing.T) {
	if err := MortgageTemplate().Validate(); err != nil {
		t.Fatalf("mortgage template invalid: %v", err)
	}

	bad := MortgageTemplate()
	bad.Phases[4].Percentage = decimal.NewFromInt(89)
	if err := bad.Validate(); err == nil {
		t.Errorf("expected percentage sum error")
	}

	noSteps := MortgageTemplate()
	noSteps.Phases[0].Steps = nil
	if err := noSteps.Validate(); err == nil {
		t.Errorf("expected documentation steps error")
	}

	badStep := MortgageTemplate()
	badStep.Phases[0].Steps[0].Type = "DANCE"
	if err := badStep.Validate(); err == nil {
		t.Errorf("expected unknown step type error")
	}
}

func TestBuildMortgage(t *testing.T) {
	c := newMortgage(t, 10_000_000)

	if c.Status != StatusDraft {
		t.Fatalf("status = %s, want DRAFT", c.Status)
	}
	if len(c.Phases) != 5 {
		t.Fatalf("phases = %d, want 5", len(c.Phases))
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("built contract invalid: %v", err)
	}

	down, ok := c.Phases[2].Payment()
	if !ok {
		t.Fatalf("phase 3 should be a payment phase")
	}
	if !down.TotalAmount.Equal(decimal.NewFromInt(1_000_000)) {
		t.Errorf("downpayment total = %s", down.TotalAmount)
	}
	if len(down.Installments) != 12 {
		t.Errorf("installments = %d, want 12", len(down.Installments))
	}
	balance, _ := c.Phases[4].Payment()
	if !balance.TotalAmount.Equal(decimal.NewFromInt(9_000_000)) {
		t.Errorf("balance total = %s", balance.TotalAmount)
	}
	for i, ph := range c.Phases {
		if ph.Order != i+1 {
			t.Errorf("phase %d order = %d", i, ph.Order)
		}
		if ph.Status != PhasePending {
			t.Errorf("phase %d status = %s", i, ph.Status)
		}
	}
}

func TestActivationStartsFirstPhase(t *testing.T) {
	c := newMortgage(t, 10_000_000)
	mustApply(t, &c, ContractTransition{To: StatusPending})
	out := mustApply(t, &c, ContractTransition{To: StatusActive})

	if c.Phases[0].Status != PhaseActive {
		t.Fatalf("phase 1 = %s, want ACTIVE", c.Phases[0].Status)
	}
	if len(out.Changes) != 2 {
		t.Fatalf("changes = %d, want 2", len(out.Changes))
	}
	if out.Changes[1].Entity != EntityPhase || out.Changes[1].Cause != 0 {
		t.Errorf("phase activation should be caused by the contract change: %+v", out.Changes[1])
	}
}

func TestContractTransitionTable(t *testing.T) {
	tests := []struct {
		from Status
		to   Status
		ok   bool
	}{
		{StatusDraft, StatusPending, true},
		{StatusDraft, StatusActive, false},
		{StatusPending, StatusActive, true},
		{StatusPending, StatusCancelled, false},
		{StatusActive, StatusCancelled, true},
		{StatusActive, StatusTransferred, true},
		{StatusCompleted, StatusActive, false},
		{StatusCancelled, StatusActive, false},
		{StatusTransferred, StatusCompleted, false},
	}
	for _, tc := range tests {
		if got := CanTransition(tc.from, tc.to); got != tc.ok {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestInvalidContractTransitionRejected(t *testing.T) {
	c := newMortgage(t, 10_000_000)
	_, err := Apply(&c, ContractTransition{To: StatusActive}, t0)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	var ite *InvalidTransitionError
	if !errors.As(err, &ite) || ite.From != "DRAFT" || ite.To != "ACTIVE" {
		t.Fatalf("unexpected error detail: %v", err)
	}
}

func TestStepCompletionCascades(t *testing.T) {
	c := newMortgage(t, 10_000_000)
	activate(t, &c)
	kyc := c.Phases[0]
	doc, _ := kyc.Documentation()

	mustApply(t, &c, StepUpdate{PhaseID: kyc.ID, StepID: doc.Steps[0].ID, To: StepCompleted})
	mustApply(t, &c, StepUpdate{PhaseID: kyc.ID, StepID: doc.Steps[1].ID, To: StepSkipped})
	out := mustApply(t, &c, StepUpdate{PhaseID: kyc.ID, StepID: doc.Steps[2].ID, To: StepCompleted})

	if c.Phases[0].Status != PhaseCompleted {
		t.Fatalf("KYC = %s, want COMPLETED", c.Phases[0].Status)
	}
	if c.Phases[1].Status != PhaseActive {
		t.Fatalf("questionnaire = %s, want ACTIVE", c.Phases[1].Status)
	}
	if len(out.Changes) != 3 {
		t.Fatalf("changes = %d, want 3 (step, phase completed, next active)", len(out.Changes))
	}
	if out.Changes[1].Cause != 0 || out.Changes[2].Cause != 1 {
		t.Errorf("cascade causes = %d, %d", out.Changes[1].Cause, out.Changes[2].Cause)
	}
}

func TestManualPhaseCompletionRequiresCondition(t *testing.T) {
	c := newMortgage(t, 10_000_000)
	activate(t, &c)

	_, err := Apply(&c, PhaseTransition{PhaseID: c.Phases[0].ID, To: PhaseCompleted}, t0)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestPhaseActivationRespectsOrder(t *testing.T) {
	c := newMortgage(t, 10_000_000)
	activate(t, &c)

	cp := c.Clone()
	_, err := Apply(&cp, PhaseTransition{PhaseID: cp.Phases[2].ID, To: PhaseActive}, t0)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if c.Phases[2].Status != PhasePending {
		t.Fatalf("original contract mutated")
	}
}

func TestSkipPhaseActivatesNext(t *testing.T) {
	c := newMortgage(t, 10_000_000)
	activate(t, &c)
	mustApply(t, &c, PhaseTransition{PhaseID: c.Phases[0].ID, To: PhaseSkipped, Reason: "verified offline"})

	if c.Phases[0].Status != PhaseSkipped || c.Phases[1].Status != PhaseActive {
		t.Fatalf("statuses = %s, %s", c.Phases[0].Status, c.Phases[1].Status)
	}
}

func TestFailedPhaseCanBeReopened(t *testing.T) {
	c := newMortgage(t, 10_000_000)
	activate(t, &c)
	id := c.Phases[0].ID

	mustApply(t, &c, PhaseTransition{PhaseID: id, To: PhaseFailed})
	if c.ActivePhase() != nil {
		t.Fatalf("no phase should be active after failure")
	}
	mustApply(t, &c, PhaseTransition{PhaseID: id, To: PhaseActive, Reason: "documents re-requested"})
	if c.Phases[0].Status != PhaseActive {
		t.Fatalf("phase = %s, want ACTIVE", c.Phases[0].Status)
	}
}

func TestPaymentAllocation(t *testing.T) {
	c := newMortgage(t, 10_000_000)
	down := advanceToDownpayment(t, &c)
	id := down.ID

	out := mustApply(t, &c, RecordPayment{PhaseID: id, Payment: Payment{ID: "p1", Amount: decimal.RequireFromString("100000"), Reference: "TX-1"}})

	pay, _ := c.Phases[2].Payment()
	if pay.Installments[0].Status != InstallmentPaid {
		t.Errorf("installment 1 = %s, want PAID", pay.Installments[0].Status)
	}
	if pay.Installments[1].Status != InstallmentPartiallyPaid {
		t.Errorf("installment 2 = %s, want PARTIALLY_PAID", pay.Installments[1].Status)
	}
	if !c.TotalPaid.Equal(decimal.NewFromInt(100000)) {
		t.Errorf("total paid = %s", c.TotalPaid)
	}
	if len(out.Payments) != 1 || out.Payments[0].ContractID != c.ID || out.Payments[0].Status != PaymentCompleted {
		t.Errorf("payments = %+v", out.Payments)
	}
	if len(out.Changes) != 2 {
		t.Errorf("installment changes = %d, want 2", len(out.Changes))
	}
}

func TestPartialPaymentWithoutStatusChangeIsRecorded(t *testing.T) {
	c := newMortgage(t, 10_000_000)
	down := advanceToDownpayment(t, &c)
	id := down.ID

	mustApply(t, &c, RecordPayment{PhaseID: id, Payment: Payment{ID: "p1", Amount: decimal.RequireFromString("100000"), Reference: "TX-1"}})
	out := mustApply(t, &c, RecordPayment{PhaseID: id, Payment: Payment{ID: "p2", Amount: decimal.RequireFromString("10000"), Reference: "TX-2"}})

	if len(out.Changes) != 1 {
		t.Fatalf("changes = %+v, want one progress entry", out.Changes)
	}
	ch := out.Changes[0]
	if ch.Entity != EntityPhase || ch.EntityID != id || ch.From != string(PhaseActive) || ch.To != string(PhaseActive) {
		t.Errorf("change = %+v", ch)
	}
	if ch.Reason != "payment TX-2" {
		t.Errorf("reason = %q", ch.Reason)
	}
	if !c.TotalPaid.Equal(decimal.NewFromInt(110000)) {
		t.Errorf("total paid = %s", c.TotalPaid)
	}
}

func TestOverpaymentRejected(t *testing.T) {
	c := newMortgage(t, 10_000_000)
	down := advanceToDownpayment(t, &c)

	_, err := Apply(&c, RecordPayment{PhaseID: down.ID, Payment: Payment{ID: "p1", Amount: decimal.NewFromInt(1_000_001)}}, t0)
	if !errors.Is(err, ErrOverpayment) {
		t.Fatalf("expected ErrOverpayment, got %v", err)
	}
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("overpayment should also be an invalid transition")
	}
}

func TestFullPaymentCompletesPhase(t *testing.T) {
	c := newMortgage(t, 10_000_000)
	down := advanceToDownpayment(t, &c)

	mustApply(t, &c, RecordPayment{PhaseID: down.ID, Payment: Payment{ID: "p1", Amount: decimal.NewFromInt(1_000_000)}})

	if c.Phases[2].Status != PhaseCompleted {
		t.Fatalf("downpayment = %s, want COMPLETED", c.Phases[2].Status)
	}
	if c.Phases[3].Status != PhaseActive {
		t.Fatalf("offer letter = %s, want ACTIVE", c.Phases[3].Status)
	}
}

func TestLastPhaseCompletesContract(t *testing.T) {
	c := newMortgage(t, 10_000_000)
	down := advanceToDownpayment(t, &c)
	mustApply(t, &c, RecordPayment{PhaseID: down.ID, Payment: Payment{ID: "p1", Amount: decimal.NewFromInt(1_000_000)}})
	completeDocs(t, &c, &c.Phases[3])

	out := mustApply(t, &c, RecordPayment{PhaseID: c.Phases[4].ID, Payment: Payment{ID: "p2", Amount: decimal.NewFromInt(9_000_000)}})

	if c.Status != StatusCompleted {
		t.Fatalf("contract = %s, want COMPLETED", c.Status)
	}
	last := out.Changes[len(out.Changes)-1]
	if last.Entity != EntityContract || last.To != string(StatusCompleted) {
		t.Fatalf("last change = %+v", last)
	}
	if !c.TotalPaid.Equal(c.TotalAmount) {
		t.Fatalf("total paid %s != total %s", c.TotalPaid, c.TotalAmount)
	}
}

func TestCancelSupersedesOpenPhases(t *testing.T) {
	c := newMortgage(t, 10_000_000)
	activate(t, &c)
	completeDocs(t, &c, &c.Phases[0])

	out := mustApply(t, &c, ContractTransition{To: StatusCancelled, Reason: "customer withdrew"})

	if c.Phases[0].Status != PhaseCompleted {
		t.Errorf("completed phase should stay COMPLETED, got %s", c.Phases[0].Status)
	}
	for _, ph := range c.Phases[1:] {
		if ph.Status != PhaseSuperseded {
			t.Errorf("phase %d = %s, want SUPERSEDED", ph.Order, ph.Status)
		}
	}
	if len(out.Changes) != 5 {
		t.Errorf("changes = %d, want 5", len(out.Changes))
	}
}

func TestPhaseTransitionRequiresActiveContract(t *testing.T) {
	c := newMortgage(t, 10_000_000)
	_, err := Apply(&c, PhaseTransition{PhaseID: c.Phases[0].ID, To: PhaseActive}, t0)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestStepUpdateRules(t *testing.T) {
	c := newMortgage(t, 10_000_000)
	activate(t, &c)
	kyc := c.Phases[0]
	doc, _ := kyc.Documentation()
	step := doc.Steps[0].ID

	mustApply(t, &c, StepUpdate{PhaseID: kyc.ID, StepID: step, To: StepAwaitingReview})
	if _, err := Apply(&c, StepUpdate{PhaseID: kyc.ID, StepID: step, To: StepAwaitingReview}, t0); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("no-op step update should be rejected, got %v", err)
	}
	mustApply(t, &c, StepUpdate{PhaseID: kyc.ID, StepID: step, To: StepCompleted})
	if _, err := Apply(&c, StepUpdate{PhaseID: kyc.ID, StepID: step, To: StepPending}, t0); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("finished step should be immutable, got %v", err)
	}
	if _, err := Apply(&c, StepUpdate{PhaseID: kyc.ID, StepID: "missing", To: StepCompleted}, t0); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := Apply(&c, StepUpdate{PhaseID: c.Phases[2].ID, StepID: step, To: StepCompleted}, t0); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("pending phase step update should be rejected, got %v", err)
	}
}

func TestMarkOverdue(t *testing.T) {
	c := newMortgage(t, 10_000_000)
	down := advanceToDownpayment(t, &c)
	mustApply(t, &c, RecordPayment{PhaseID: down.ID, Payment: Payment{ID: "p1", Amount: decimal.RequireFromString("83333.34")}})

	later := t0.AddDate(0, 0, 65)
	out, err := Apply(&c, MarkOverdue{}, later)
	if err != nil {
		t.Fatalf("mark overdue: %v", err)
	}
	pay, _ := c.Phases[2].Payment()
	if pay.Installments[0].Status != InstallmentPaid {
		t.Errorf("paid installment should stay PAID")
	}
	if pay.Installments[1].Status != InstallmentOverdue {
		t.Errorf("installment 2 = %s, want OVERDUE", pay.Installments[1].Status)
	}
	if pay.Installments[2].Status != InstallmentPending {
		t.Errorf("installment 3 = %s, want PENDING", pay.Installments[2].Status)
	}
	if len(out.Changes) != 1 {
		t.Errorf("changes = %d, want 1", len(out.Changes))
	}
}

func TestValidateDetectsViolations(t *testing.T) {
	c := newMortgage(t, 10_000_000)
	activate(t, &c)

	two := c.Clone()
	two.Phases[1].Status = PhaseActive
	if err := two.Validate(); !errors.Is(err, ErrInvariant) {
		t.Errorf("expected ErrInvariant for two active phases, got %v", err)
	}

	pct := c.Clone()
	pct.Phases[0].Percentage = decimal.NewFromInt(1)
	if err := pct.Validate(); !errors.Is(err, ErrInvariant) {
		t.Errorf("expected ErrInvariant for percentage sum, got %v", err)
	}
}

func TestPayloadRoundTripByCategory(t *testing.T) {
	c := newMortgage(t, 10_000_000)
	for _, ph := range c.Phases {
		data, err := EncodePayload(ph.Payload)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		got, err := DecodePayload(ph.Category, data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.Category() != ph.Category {
			t.Errorf("decoded category = %s, want %s", got.Category(), ph.Category)
		}
	}
	if _, err := DecodePayload("OTHER", []byte(`{}`)); err == nil {
		t.Errorf("expected unknown category error")
	}
}
