package contract

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var contractTransitions = map[Status][]Status{
	StatusDraft:   {StatusPending},
	StatusPending: {StatusActive},
	StatusActive:  {StatusCompleted, StatusCancelled, StatusTransferred},
}

var phaseTransitions = map[PhaseStatus][]PhaseStatus{
	PhasePending: {PhaseActive},
	PhaseActive:  {PhaseCompleted, PhaseFailed, PhaseSkipped},
	PhaseFailed:  {PhaseActive},
}

// CanTransition reports whether the contract table allows from -> to.
func CanTransition(from, to Status) bool {
	for _, s := range contractTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanTransitionPhase reports whether the phase table allows from -> to.
func CanTransitionPhase(from, to PhaseStatus) bool {
	for _, s := range phaseTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Proposal is a requested change to a contract. The set of proposals is
// closed: ContractTransition, PhaseTransition, StepUpdate, RecordPayment,
// AnswerQuestionnaire and MarkOverdue.
type Proposal interface {
	proposal()
}

type ContractTransition struct {
	To     Status
	Reason string
}

type PhaseTransition struct {
	PhaseID string
	To      PhaseStatus
	Reason  string
}

type StepUpdate struct {
	PhaseID string
	StepID  string
	To      StepStatus
	Reason  string
}

// RecordPayment applies a settled payment to an active payment phase.
// Payment.ID must be set by the caller.
type RecordPayment struct {
	PhaseID string
	Payment Payment
}

type AnswerQuestionnaire struct {
	PhaseID  string
	Answered int
}

// MarkOverdue flags unpaid installments that are past due.
type MarkOverdue struct{}

func (ContractTransition) proposal()  {}
func (PhaseTransition) proposal()     {}
func (StepUpdate) proposal()          {}
func (RecordPayment) proposal()       {}
func (AnswerQuestionnaire) proposal() {}
func (MarkOverdue) proposal()         {}

// Change is one state change produced by Apply. Cause indexes the change
// that triggered it within the same Outcome, or is -1.
type Change struct {
	Entity   EntityType
	EntityID string
	PhaseID  string
	Category PhaseCategory
	StepType StepType
	From     string
	To       string
	Reason   string
	Cause    int
}

// Outcome is everything Apply changed, in causal order.
type Outcome struct {
	Changes  []Change
	Payments []Payment
}

// Apply validates p against c and mutates c in place. On error c may be
// partially modified and must be discarded by the caller.
func Apply(c *Contract, p Proposal, at time.Time) (Outcome, error) {
	c.SortPhases()
	a := &applier{c: c, at: at}

	var err error
	switch v := p.(type) {
	case ContractTransition:
		err = a.contractTransition(v.To, v.Reason, -1)
	case PhaseTransition:
		err = a.phaseTransitionByID(v.PhaseID, v.To, v.Reason, -1)
	case StepUpdate:
		err = a.stepUpdate(v)
	case RecordPayment:
		err = a.recordPayment(v)
	case AnswerQuestionnaire:
		err = a.answerQuestionnaire(v)
	case MarkOverdue:
		err = a.markOverdue()
	default:
		err = fmt.Errorf("contract: unsupported proposal %T", p)
	}
	if err != nil {
		return Outcome{}, err
	}
	if err := c.Validate(); err != nil {
		return Outcome{}, invalid(EntityContract, c.ID, string(c.Status), string(c.Status), err.Error())
	}
	if len(a.out.Changes) > 0 || len(a.out.Payments) > 0 {
		c.UpdatedAt = at
	}
	return a.out, nil
}

type applier struct {
	c   *Contract
	at  time.Time
	out Outcome
}

func (a *applier) record(ch Change) int {
	a.out.Changes = append(a.out.Changes, ch)
	return len(a.out.Changes) - 1
}

func (a *applier) contractTransition(to Status, reason string, cause int) error {
	c := a.c
	from := c.Status
	if !CanTransition(from, to) {
		return invalid(EntityContract, c.ID, string(from), string(to), "not allowed")
	}
	if to == StatusCompleted {
		for _, ph := range c.Phases {
			if !ph.Status.Done() {
				return invalid(EntityContract, c.ID, string(from), string(to),
					fmt.Sprintf("phase %d (%s) is %s", ph.Order, ph.Name, ph.Status))
			}
		}
	}

	c.Status = to
	idx := a.record(Change{
		Entity:   EntityContract,
		EntityID: c.ID,
		From:     string(from),
		To:       string(to),
		Reason:   reason,
		Cause:    cause,
	})

	switch to {
	case StatusActive:
		return a.advance(idx)
	case StatusCancelled, StatusTransferred:
		a.supersede(idx)
	}
	return nil
}

func (a *applier) supersede(cause int) {
	for i := range a.c.Phases {
		ph := &a.c.Phases[i]
		if ph.Status.Terminal() {
			continue
		}
		from := ph.Status
		ph.Status = PhaseSuperseded
		a.record(Change{
			Entity:   EntityPhase,
			EntityID: ph.ID,
			PhaseID:  ph.ID,
			Category: ph.Category,
			From:     string(from),
			To:       string(PhaseSuperseded),
			Reason:   "contract closed",
			Cause:    cause,
		})
	}
}

// advance activates the next unfinished phase or completes the contract
// when none remain.
func (a *applier) advance(cause int) error {
	for i := range a.c.Phases {
		ph := &a.c.Phases[i]
		if ph.Status.Done() {
			continue
		}
		if ph.Status != PhasePending {
			return nil
		}
		return a.phaseTransition(ph, PhaseActive, "previous phase finished", cause)
	}
	if a.c.Status == StatusActive {
		return a.contractTransition(StatusCompleted, "all phases finished", cause)
	}
	return nil
}

func (a *applier) phaseTransitionByID(id string, to PhaseStatus, reason string, cause int) error {
	ph, err := a.c.Phase(id)
	if err != nil {
		return err
	}
	return a.phaseTransition(ph, to, reason, cause)
}

func (a *applier) phaseTransition(ph *Phase, to PhaseStatus, reason string, cause int) error {
	c := a.c
	from := ph.Status
	if c.Status != StatusActive {
		return invalid(EntityPhase, ph.ID, string(from), string(to), "contract is "+string(c.Status))
	}
	if !CanTransitionPhase(from, to) {
		return invalid(EntityPhase, ph.ID, string(from), string(to), "not allowed")
	}

	switch to {
	case PhaseActive:
		for _, other := range c.Phases {
			if other.ID == ph.ID {
				continue
			}
			if other.Status == PhaseActive {
				return invalid(EntityPhase, ph.ID, string(from), string(to),
					fmt.Sprintf("phase %d (%s) is already active", other.Order, other.Name))
			}
			if other.Order < ph.Order && !other.Status.Done() {
				return invalid(EntityPhase, ph.ID, string(from), string(to),
					fmt.Sprintf("phase %d (%s) is %s", other.Order, other.Name, other.Status))
			}
		}
		t := a.at
		ph.ActivatedAt = &t
	case PhaseCompleted:
		if ok, why := CompletionMet(*ph); !ok {
			return invalid(EntityPhase, ph.ID, string(from), string(to), why)
		}
		t := a.at
		ph.CompletedAt = &t
	case PhaseSkipped:
		t := a.at
		ph.CompletedAt = &t
	}

	ph.Status = to
	idx := a.record(Change{
		Entity:   EntityPhase,
		EntityID: ph.ID,
		PhaseID:  ph.ID,
		Category: ph.Category,
		From:     string(from),
		To:       string(to),
		Reason:   reason,
		Cause:    cause,
	})

	switch to {
	case PhaseCompleted, PhaseSkipped:
		return a.advance(idx)
	case PhaseActive:
		if ok, _ := CompletionMet(*ph); ok {
			return a.phaseTransition(ph, PhaseCompleted, "completion condition already met", idx)
		}
	}
	return nil
}

// CompletionMet reports whether a phase satisfies its category's
// completion condition, with a reason when it does not.
func CompletionMet(ph Phase) (bool, string) {
	switch p := ph.Payload.(type) {
	case *DocumentationPayload:
		for _, s := range p.Steps {
			if s.Status != StepCompleted && s.Status != StepSkipped {
				return false, fmt.Sprintf("step %q is %s", s.Name, s.Status)
			}
		}
		return true, ""
	case *PaymentPayload:
		if p.PaidAmount.LessThan(p.TotalAmount) {
			return false, fmt.Sprintf("paid %s of %s", p.PaidAmount.StringFixed(2), p.TotalAmount.StringFixed(2))
		}
		return true, ""
	case *QuestionnairePayload:
		if p.AnsweredFields < p.TotalFields {
			return false, fmt.Sprintf("%d of %d fields answered", p.AnsweredFields, p.TotalFields)
		}
		return true, ""
	default:
		return false, fmt.Sprintf("unsupported payload %T", ph.Payload)
	}
}

func (a *applier) activePhase(id string, entity EntityType, to string) (*Phase, error) {
	ph, err := a.c.Phase(id)
	if err != nil {
		return nil, err
	}
	if a.c.Status != StatusActive {
		return nil, invalid(entity, id, string(ph.Status), to, "contract is "+string(a.c.Status))
	}
	if ph.Status != PhaseActive {
		return nil, invalid(entity, id, string(ph.Status), to, "phase is not active")
	}
	return ph, nil
}

func (a *applier) stepUpdate(u StepUpdate) error {
	ph, err := a.activePhase(u.PhaseID, EntityStep, string(u.To))
	if err != nil {
		return err
	}
	doc, ok := ph.Documentation()
	if !ok {
		return invalid(EntityStep, u.StepID, "", string(u.To), "phase is not a documentation phase")
	}
	var step *Step
	for i := range doc.Steps {
		if doc.Steps[i].ID == u.StepID {
			step = &doc.Steps[i]
			break
		}
	}
	if step == nil {
		return fmt.Errorf("%w: step %s", ErrNotFound, u.StepID)
	}
	if !validStepStatus(u.To) {
		return invalid(EntityStep, step.ID, string(step.Status), string(u.To), "unknown status")
	}
	if step.Status.Terminal() {
		return invalid(EntityStep, step.ID, string(step.Status), string(u.To), "step is finished")
	}
	if step.Status == u.To {
		return invalid(EntityStep, step.ID, string(step.Status), string(u.To), "no change")
	}

	from := step.Status
	step.Status = u.To
	step.Reason = u.Reason
	t := a.at
	step.UpdatedAt = &t
	idx := a.record(Change{
		Entity:   EntityStep,
		EntityID: step.ID,
		PhaseID:  ph.ID,
		Category: ph.Category,
		StepType: step.Type,
		From:     string(from),
		To:       string(u.To),
		Reason:   u.Reason,
		Cause:    -1,
	})

	if ok, _ := CompletionMet(*ph); ok {
		return a.phaseTransition(ph, PhaseCompleted, "all steps completed", idx)
	}
	return nil
}

func validStepStatus(s StepStatus) bool {
	for _, v := range StepStatuses() {
		if v == s {
			return true
		}
	}
	return false
}

func (a *applier) recordPayment(r RecordPayment) error {
	ph, err := a.activePhase(r.PhaseID, EntityPhase, "PAYMENT")
	if err != nil {
		return err
	}
	pay, ok := ph.Payment()
	if !ok {
		return invalid(EntityPhase, ph.ID, string(ph.Status), string(ph.Status), "phase does not accept payments")
	}
	amount := r.Payment.Amount
	if !amount.IsPositive() {
		return invalid(EntityPhase, ph.ID, string(ph.Status), string(ph.Status), "payment amount must be positive")
	}
	if amount.Round(2).Cmp(amount) != 0 {
		return invalid(EntityPhase, ph.ID, string(ph.Status), string(ph.Status), "payment amount has sub-cent precision")
	}
	outstanding := pay.TotalAmount.Sub(pay.PaidAmount)
	if amount.GreaterThan(outstanding) {
		return &overpaymentError{
			phaseID: ph.ID,
			detail:  fmt.Sprintf("payment %s exceeds outstanding %s", amount.StringFixed(2), outstanding.StringFixed(2)),
		}
	}

	p := r.Payment
	p.ContractID = a.c.ID
	p.PhaseID = ph.ID
	if p.Status == "" {
		p.Status = PaymentCompleted
	}
	if p.PaidAt.IsZero() {
		p.PaidAt = a.at
	}
	a.out.Payments = append(a.out.Payments, p)

	changes := pay.Allocate(amount, a.at)
	for _, ic := range changes {
		a.record(Change{
			Entity:   EntityInstallment,
			EntityID: ic.InstallmentID,
			PhaseID:  ph.ID,
			Category: ph.Category,
			From:     string(ic.From),
			To:       string(ic.To),
			Reason:   "payment " + p.Reference,
			Cause:    -1,
		})
	}
	a.c.TotalPaid = a.c.TotalPaid.Add(amount)

	if ok, _ := CompletionMet(*ph); ok {
		return a.phaseTransition(ph, PhaseCompleted, "fully paid", -1)
	}
	if len(changes) == 0 {
		// Money moved but no status did: keep the payment in the history
		// as a same-state phase entry.
		a.record(Change{
			Entity:   EntityPhase,
			EntityID: ph.ID,
			PhaseID:  ph.ID,
			Category: ph.Category,
			From:     string(ph.Status),
			To:       string(ph.Status),
			Reason:   "payment " + p.Reference,
			Cause:    -1,
		})
	}
	return nil
}

// InstallmentChange reports an installment status change made by Allocate.
type InstallmentChange struct {
	InstallmentID string
	From          InstallmentStatus
	To            InstallmentStatus
}

// Allocate spreads amount across unpaid installments in sequence order and
// adds it to PaidAmount. Any amount beyond the installments' outstanding
// balance is still counted toward PaidAmount.
func (p *PaymentPayload) Allocate(amount decimal.Decimal, at time.Time) []InstallmentChange {
	var changes []InstallmentChange
	remaining := amount
	for i := range p.Installments {
		if !remaining.IsPositive() {
			break
		}
		in := &p.Installments[i]
		owed := in.Outstanding()
		if !owed.IsPositive() {
			continue
		}
		take := decimal.Min(owed, remaining)
		in.PaidAmount = in.PaidAmount.Add(take)
		remaining = remaining.Sub(take)

		from := in.Status
		switch {
		case !in.Outstanding().IsPositive():
			in.Status = InstallmentPaid
			t := at
			in.PaidAt = &t
		case in.Status == InstallmentOverdue:
		default:
			in.Status = InstallmentPartiallyPaid
		}
		if in.Status != from {
			changes = append(changes, InstallmentChange{InstallmentID: in.ID, From: from, To: in.Status})
		}
	}
	p.PaidAmount = p.PaidAmount.Add(amount)
	return changes
}

func (a *applier) answerQuestionnaire(q AnswerQuestionnaire) error {
	ph, err := a.activePhase(q.PhaseID, EntityPhase, "QUESTIONNAIRE")
	if err != nil {
		return err
	}
	qp, ok := ph.Questionnaire()
	if !ok {
		return invalid(EntityPhase, ph.ID, string(ph.Status), string(ph.Status), "phase is not a questionnaire")
	}
	if q.Answered < 0 || q.Answered > qp.TotalFields {
		return invalid(EntityPhase, ph.ID, string(ph.Status), string(ph.Status),
			fmt.Sprintf("answered %d outside 0..%d", q.Answered, qp.TotalFields))
	}
	qp.AnsweredFields = q.Answered
	if ok, _ := CompletionMet(*ph); ok {
		return a.phaseTransition(ph, PhaseCompleted, "questionnaire answered", -1)
	}
	return nil
}

func (a *applier) markOverdue() error {
	if a.c.Status != StatusActive {
		return invalid(EntityContract, a.c.ID, string(a.c.Status), string(a.c.Status), "contract is not active")
	}
	for i := range a.c.Phases {
		ph := &a.c.Phases[i]
		pay, ok := ph.Payment()
		if !ok || ph.Status != PhaseActive {
			continue
		}
		for j := range pay.Installments {
			in := &pay.Installments[j]
			if in.Status != InstallmentPending && in.Status != InstallmentPartiallyPaid {
				continue
			}
			if !in.DueDate.Before(a.at) {
				continue
			}
			from := in.Status
			in.Status = InstallmentOverdue
			a.record(Change{
				Entity:   EntityInstallment,
				EntityID: in.ID,
				PhaseID:  ph.ID,
				Category: ph.Category,
				From:     string(from),
				To:       string(InstallmentOverdue),
				Reason:   "past due",
				Cause:    -1,
			})
		}
	}
	return nil
}
