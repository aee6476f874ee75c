// Package status derives who has to act next on a contract. Everything here
// is computed from committed state; nothing is stored.
package status

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"contractflow/contract"
	"contractflow/money"
)

// NextActor is who must act for the contract to progress.
type NextActor string

const (
	ActorNone     NextActor = "NONE"
	ActorCustomer NextActor = "CUSTOMER"
	ActorAdmin    NextActor = "ADMIN"
	ActorSystem   NextActor = "SYSTEM"
)

// Category is the kind of action expected from the next actor.
type Category string

const (
	CategoryNone       Category = "NONE"
	CategoryUpload     Category = "UPLOAD"
	CategorySignature  Category = "SIGNATURE"
	CategoryReview     Category = "REVIEW"
	CategoryPayment    Category = "PAYMENT"
	CategoryProcessing Category = "PROCESSING"
	CategoryWaiting    Category = "WAITING"
	CategoryCompleted  Category = "COMPLETED"
)

type StepActionStatus struct {
	StepID         string              `json:"step_id"`
	StepName       string              `json:"step_name"`
	StepType       contract.StepType   `json:"step_type"`
	Status         contract.StepStatus `json:"status"`
	NextActor      NextActor           `json:"next_actor"`
	Category       Category            `json:"category"`
	ActionRequired string              `json:"action_required"`
}

type PhaseActionStatus struct {
	PhaseID        string                 `json:"phase_id"`
	PhaseName      string                 `json:"phase_name"`
	PhaseCategory  contract.PhaseCategory `json:"phase_category"`
	Status         contract.PhaseStatus   `json:"status"`
	NextActor      NextActor              `json:"next_actor"`
	Category       Category               `json:"category"`
	ActionRequired string                 `json:"action_required"`
	Progress       string                 `json:"progress,omitempty"`
	Blocking       bool                   `json:"blocking"`
	Overdue        bool                   `json:"overdue"`
	DueAmount      *decimal.Decimal       `json:"due_amount,omitempty"`
	DueDate        *time.Time             `json:"due_date,omitempty"`
	Step           *StepActionStatus      `json:"step,omitempty"`
}

type ApplicationActionStatus struct {
	ContractID     string             `json:"contract_id"`
	Status         contract.Status    `json:"status"`
	NextActor      NextActor          `json:"next_actor"`
	Category       Category           `json:"category"`
	ActionRequired string             `json:"action_required"`
	Progress       string             `json:"progress"`
	Blocking       bool               `json:"blocking"`
	ActivePhase    *PhaseActionStatus `json:"active_phase,omitempty"` // phase the contract is waiting on
}

// StepStatus resolves the next action for a single step.
func StepStatus(s contract.Step) StepActionStatus {
	out := StepActionStatus{
		StepID:   s.ID,
		StepName: s.Name,
		StepType: s.Type,
		Status:   s.Status,
	}
	set := func(actor NextActor, cat Category, msg string) StepActionStatus {
		out.NextActor, out.Category, out.ActionRequired = actor, cat, msg
		return out
	}

	switch s.Status {
	case contract.StepCompleted:
		return set(ActorNone, CategoryCompleted, s.Name+" completed")
	case contract.StepSkipped:
		return set(ActorNone, CategoryCompleted, s.Name+" skipped")
	case contract.StepNeedsResubmission, contract.StepActionRequired:
		msg := s.Reason
		if msg == "" {
			msg = "Resubmit " + s.Name
		}
		return set(ActorCustomer, CategoryUpload, msg)
	case contract.StepAwaitingReview:
		return set(ActorAdmin, CategoryReview, s.Name+" is awaiting review")
	case contract.StepFailed:
		return set(ActorAdmin, CategoryReview, s.Name+" failed: intervention required")
	}

	switch s.Type {
	case contract.StepUpload:
		return set(ActorCustomer, CategoryUpload, "Upload "+s.Name)
	case contract.StepSignature:
		return set(ActorCustomer, CategorySignature, "Sign "+s.Name)
	case contract.StepApproval, contract.StepReview:
		return set(ActorAdmin, CategoryReview, s.Name+" is awaiting review")
	default:
		return set(ActorSystem, CategoryProcessing, s.Name+" is being processed")
	}
}

// PhaseStatus resolves the next action for a phase. Amounts are rendered
// in currency.
func PhaseStatus(ph contract.Phase, currency string) PhaseActionStatus {
	out := PhaseActionStatus{
		PhaseID:       ph.ID,
		PhaseName:     ph.Name,
		PhaseCategory: ph.Category,
		Status:        ph.Status,
	}

	switch ph.Status {
	case contract.PhaseCompleted:
		out.NextActor, out.Category, out.ActionRequired = ActorNone, CategoryCompleted, ph.Name+" completed"
		return out
	case contract.PhaseSkipped:
		out.NextActor, out.Category, out.ActionRequired = ActorNone, CategoryCompleted, ph.Name+" skipped"
		return out
	case contract.PhaseSuperseded:
		out.NextActor, out.Category, out.ActionRequired = ActorNone, CategoryNone, ph.Name+" no longer applies"
		return out
	case contract.PhasePending:
		out.NextActor, out.Category, out.ActionRequired = ActorNone, CategoryWaiting, "Waiting on prior phase"
		return out
	case contract.PhaseFailed:
		out.NextActor, out.Category, out.ActionRequired = ActorAdmin, CategoryReview, ph.Name+" failed: admin intervention required"
		out.Blocking = true
		return out
	}

	out.Blocking = true
	switch p := ph.Payload.(type) {
	case *contract.DocumentationPayload:
		documentationStatus(&out, p)
	case *contract.PaymentPayload:
		paymentStatus(&out, ph, p, currency)
	case *contract.QuestionnairePayload:
		questionnaireStatus(&out, p)
	default:
		out.NextActor, out.Category, out.ActionRequired = ActorAdmin, CategoryReview, fmt.Sprintf("%s has no readable payload", ph.Name)
	}
	return out
}

func documentationStatus(out *PhaseActionStatus, p *contract.DocumentationPayload) {
	steps := append([]contract.Step(nil), p.Steps...)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })

	done := 0
	var next *contract.Step
	for i := range steps {
		if steps[i].Status.Terminal() {
			done++
			continue
		}
		if next == nil {
			next = &steps[i]
		}
	}
	out.Progress = fmt.Sprintf("%d of %d steps completed", done, len(steps))

	if next == nil {
		out.NextActor, out.Category, out.ActionRequired = ActorSystem, CategoryProcessing, "All steps completed, finalizing"
		out.Blocking = false
		return
	}
	st := StepStatus(*next)
	out.Step = &st
	out.NextActor, out.Category, out.ActionRequired = st.NextActor, st.Category, st.ActionRequired
}

func paymentStatus(out *PhaseActionStatus, ph contract.Phase, p *contract.PaymentPayload, currency string) {
	name := ph.Name
	out.Progress = fmt.Sprintf("%s of %s paid", money.Format(p.PaidAmount, currency), money.Format(p.TotalAmount, currency))

	var next *contract.Installment
	for i := range p.Installments {
		in := &p.Installments[i]
		switch in.Status {
		case contract.InstallmentPending, contract.InstallmentOverdue, contract.InstallmentPartiallyPaid:
		default:
			continue
		}
		if next == nil || in.Sequence < next.Sequence {
			next = in
		}
	}

	if next == nil {
		// Phases without a schedule are paid against the phase total.
		if owed := p.TotalAmount.Sub(p.PaidAmount); owed.IsPositive() {
			out.NextActor, out.Category = ActorCustomer, CategoryPayment
			out.DueAmount = &owed
			out.DueDate = ph.DueDate
			out.ActionRequired = fmt.Sprintf("Pay %s for %s", money.Format(owed, currency), name)
			return
		}
		out.NextActor, out.Category, out.ActionRequired = ActorSystem, CategoryProcessing, "Confirming payments for "+name
		out.Blocking = false
		return
	}

	due := next.Outstanding()
	dueDate := next.DueDate
	out.NextActor, out.Category = ActorCustomer, CategoryPayment
	out.DueAmount = &due
	out.DueDate = &dueDate
	if next.Status == contract.InstallmentOverdue {
		out.Overdue = true
		out.ActionRequired = fmt.Sprintf("Overdue: pay %s for %s (was due %s)", money.Format(due, currency), name, dueDate.Format("2006-01-02"))
		return
	}
	out.ActionRequired = fmt.Sprintf("Pay %s for %s by %s", money.Format(due, currency), name, dueDate.Format("2006-01-02"))
}

func questionnaireStatus(out *PhaseActionStatus, p *contract.QuestionnairePayload) {
	out.Progress = fmt.Sprintf("%d of %d fields answered", p.AnsweredFields, p.TotalFields)
	if p.AnsweredFields >= p.TotalFields {
		out.NextActor, out.Category, out.ActionRequired = ActorNone, CategoryCompleted, "Questionnaire complete"
		out.Blocking = false
		return
	}
	remaining := p.TotalFields - p.AnsweredFields
	out.NextActor, out.Category = ActorCustomer, CategoryUpload
	out.ActionRequired = fmt.Sprintf("Answer the remaining %d questions", remaining)
}

// ContractStatus resolves the next action for a whole contract from its
// ACTIVE phase, or from the earliest unfinished phase when none is active.
func ContractStatus(c contract.Contract) ApplicationActionStatus {
	out := ApplicationActionStatus{
		ContractID: c.ID,
		Status:     c.Status,
	}

	done := 0
	for _, ph := range c.Phases {
		if ph.Status.Done() {
			done++
		}
	}
	out.Progress = fmt.Sprintf("%d of %d phases completed", done, len(c.Phases))

	switch c.Status {
	case contract.StatusDraft:
		out.NextActor, out.Category, out.ActionRequired = ActorCustomer, CategoryUpload, "Submit the application"
		out.Blocking = true
		return out
	case contract.StatusPending:
		out.NextActor, out.Category, out.ActionRequired = ActorAdmin, CategoryReview, "Application awaiting approval"
		out.Blocking = true
		return out
	case contract.StatusCancelled:
		out.NextActor, out.Category, out.ActionRequired = ActorNone, CategoryNone, "Contract cancelled"
		return out
	case contract.StatusTransferred:
		out.NextActor, out.Category, out.ActionRequired = ActorNone, CategoryNone, "Contract transferred"
		return out
	}

	current := c.ActivePhase()
	if current == nil {
		// No ACTIVE phase: the earliest unfinished one (FAILED, or PENDING
		// behind it) is what holds the contract up.
		for i := range c.Phases {
			ph := &c.Phases[i]
			if ph.Status.Done() {
				continue
			}
			if current == nil || ph.Order < current.Order {
				current = ph
			}
		}
	}
	if current == nil {
		out.NextActor, out.Category, out.ActionRequired = ActorNone, CategoryCompleted, "All phases completed"
		return out
	}
	ps := PhaseStatus(*current, c.Currency)
	out.ActivePhase = &ps
	out.NextActor, out.Category, out.ActionRequired = ps.NextActor, ps.Category, ps.ActionRequired
	out.Blocking = ps.Blocking
	return out
}
