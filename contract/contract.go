// Package contract models a customer's acquisition contract: the ordered
// phases it moves through, the steps and installments inside them, and the
// rules deciding which state changes are legal.
package contract

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Contract is the aggregate root. Phases are kept sorted by Order.
type Contract struct {
	ID                string
	CustomerID        string
	AssetID           string
	TemplateID        string
	Currency          string
	Status            Status
	TotalAmount       decimal.Decimal
	TotalPaid         decimal.Decimal
	Phases            []Phase
	TransferredFromID *string
	Version           int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Phase is one ordered stage of a contract.
type Phase struct {
	ID          string
	ContractID  string
	Name        string
	Order       int
	Category    PhaseCategory
	Status      PhaseStatus
	Percentage  decimal.Decimal
	DueDate     *time.Time
	ActivatedAt *time.Time
	CompletedAt *time.Time
	Payload     PhasePayload
}

// PhasePayload is implemented only by the three category payloads below.
type PhasePayload interface {
	Category() PhaseCategory
	clonePayload() PhasePayload
}

// DocumentationPayload holds the steps of a DOCUMENTATION phase.
type DocumentationPayload struct {
	Steps []Step `json:"steps"`
}

// PaymentPayload holds the amounts and installments of a PAYMENT phase.
type PaymentPayload struct {
	TotalAmount  decimal.Decimal `json:"total_amount"`
	PaidAmount   decimal.Decimal `json:"paid_amount"`
	Installments []Installment   `json:"installments"`
}

// QuestionnairePayload tracks answered fields of a QUESTIONNAIRE phase.
type QuestionnairePayload struct {
	TotalFields    int `json:"total_fields"`
	AnsweredFields int `json:"answered_fields"`
}

func (*DocumentationPayload) Category() PhaseCategory { return CategoryDocumentation }
func (*PaymentPayload) Category() PhaseCategory       { return CategoryPayment }
func (*QuestionnairePayload) Category() PhaseCategory { return CategoryQuestionnaire }

func (p *DocumentationPayload) clonePayload() PhasePayload {
	return &DocumentationPayload{Steps: append([]Step(nil), p.Steps...)}
}

func (p *PaymentPayload) clonePayload() PhasePayload {
	out := *p
	out.Installments = make([]Installment, len(p.Installments))
	for i, in := range p.Installments {
		out.Installments[i] = in
		if in.PaidAt != nil {
			t := *in.PaidAt
			out.Installments[i].PaidAt = &t
		}
	}
	return &out
}

func (p *QuestionnairePayload) clonePayload() PhasePayload {
	out := *p
	return &out
}

// Step is a unit of documentation work.
type Step struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Type      StepType   `json:"type"`
	Order     int        `json:"order"`
	Status    StepStatus `json:"status"`
	Reason    string     `json:"reason,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// Installment is a scheduled portion of a payment phase.
type Installment struct {
	ID         string            `json:"id"`
	Sequence   int               `json:"sequence"`
	Amount     decimal.Decimal   `json:"amount"`
	PaidAmount decimal.Decimal   `json:"paid_amount"`
	DueDate    time.Time         `json:"due_date"`
	Status     InstallmentStatus `json:"status"`
	PaidAt     *time.Time        `json:"paid_at,omitempty"`
}

// Outstanding returns what is still owed on the installment.
func (in Installment) Outstanding() decimal.Decimal {
	d := in.Amount.Sub(in.PaidAmount)
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// Documentation returns the documentation payload if the phase has one.
func (p *Phase) Documentation() (*DocumentationPayload, bool) {
	d, ok := p.Payload.(*DocumentationPayload)
	return d, ok
}

// Payment returns the payment payload if the phase has one.
func (p *Phase) Payment() (*PaymentPayload, bool) {
	d, ok := p.Payload.(*PaymentPayload)
	return d, ok
}

// Questionnaire returns the questionnaire payload if the phase has one.
func (p *Phase) Questionnaire() (*QuestionnairePayload, bool) {
	d, ok := p.Payload.(*QuestionnairePayload)
	return d, ok
}

// Clone returns a deep copy.
func (p Phase) Clone() Phase {
	out := p
	out.DueDate = cloneTime(p.DueDate)
	out.ActivatedAt = cloneTime(p.ActivatedAt)
	out.CompletedAt = cloneTime(p.CompletedAt)
	if p.Payload != nil {
		out.Payload = p.Payload.clonePayload()
	}
	return out
}

// Clone returns a deep copy.
func (c Contract) Clone() Contract {
	out := c
	if c.TransferredFromID != nil {
		id := *c.TransferredFromID
		out.TransferredFromID = &id
	}
	out.Phases = make([]Phase, len(c.Phases))
	for i, p := range c.Phases {
		out.Phases[i] = p.Clone()
	}
	return out
}

// Phase returns a pointer to the phase with id.
func (c *Contract) Phase(id string) (*Phase, error) {
	for i := range c.Phases {
		if c.Phases[i].ID == id {
			return &c.Phases[i], nil
		}
	}
	return nil, fmt.Errorf("%w: phase %s", ErrNotFound, id)
}

// ActivePhase returns the single ACTIVE phase, if any.
func (c *Contract) ActivePhase() *Phase {
	for i := range c.Phases {
		if c.Phases[i].Status == PhaseActive {
			return &c.Phases[i]
		}
	}
	return nil
}

// SortPhases orders phases by Order.
func (c *Contract) SortPhases() {
	sort.SliceStable(c.Phases, func(i, j int) bool { return c.Phases[i].Order < c.Phases[j].Order })
}

// Outstanding returns what is still owed across payment phases.
func (c *Contract) Outstanding() decimal.Decimal {
	total := decimal.Zero
	for i := range c.Phases {
		if pay, ok := c.Phases[i].Payment(); ok {
			d := pay.TotalAmount.Sub(pay.PaidAmount)
			if d.IsPositive() {
				total = total.Add(d)
			}
		}
	}
	return total
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// EncodePayload serializes a phase payload for storage.
func EncodePayload(p PhasePayload) ([]byte, error) {
	switch v := p.(type) {
	case *DocumentationPayload:
		return json.Marshal(v)
	case *PaymentPayload:
		return json.Marshal(v)
	case *QuestionnairePayload:
		return json.Marshal(v)
	default:
		return nil, fmt.Errorf("contract: unsupported payload %T", p)
	}
}

// DecodePayload restores a phase payload of the given category.
func DecodePayload(category PhaseCategory, data []byte) (PhasePayload, error) {
	var (
		p   PhasePayload
		err error
	)
	switch category {
	case CategoryDocumentation:
		v := &DocumentationPayload{}
		err = json.Unmarshal(data, v)
		p = v
	case CategoryPayment:
		v := &PaymentPayload{}
		err = json.Unmarshal(data, v)
		p = v
	case CategoryQuestionnaire:
		v := &QuestionnairePayload{}
		err = json.Unmarshal(data, v)
		p = v
	default:
		return nil, fmt.Errorf("contract: unknown phase category %q", category)
	}
	if err != nil {
		return nil, fmt.Errorf("contract: decode %s payload: %w", category, err)
	}
	return p, nil
}
