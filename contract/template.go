package contract

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"contractflow/money"
)

var hundredPercent = decimal.NewFromInt(100)

// Template is the phase graph a contract is built from.
type Template struct {
	ID     string
	Name   string
	Phases []PhaseTemplate
}

// PhaseTemplate describes one phase of a template.
type PhaseTemplate struct {
	Name         string
	Category     PhaseCategory
	Percentage   decimal.Decimal
	DueInDays    int
	Steps        []StepTemplate
	Installments int
	IntervalDays int
	Fields       int
}

// StepTemplate describes one documentation step.
type StepTemplate struct {
	Name string
	Type StepType
}

// Validate checks the template can produce a well-formed contract.
func (t Template) Validate() error {
	if t.ID == "" {
		return errors.New("contract: template id required")
	}
	if len(t.Phases) == 0 {
		return fmt.Errorf("contract: template %s has no phases", t.ID)
	}
	sum := decimal.Zero
	for i, p := range t.Phases {
		if p.Percentage.IsNegative() {
			return fmt.Errorf("contract: template %s phase %d: negative percentage", t.ID, i+1)
		}
		sum = sum.Add(p.Percentage)
		switch p.Category {
		case CategoryDocumentation:
			if len(p.Steps) == 0 {
				return fmt.Errorf("contract: template %s phase %d: documentation phase needs steps", t.ID, i+1)
			}
			for _, s := range p.Steps {
				if !validStepType(s.Type) {
					return fmt.Errorf("contract: template %s phase %d: unknown step type %q", t.ID, i+1, s.Type)
				}
			}
		case CategoryPayment:
			if p.Installments <= 0 {
				return fmt.Errorf("contract: template %s phase %d: payment phase needs installments", t.ID, i+1)
			}
			if !p.Percentage.IsPositive() {
				return fmt.Errorf("contract: template %s phase %d: payment phase needs a positive percentage", t.ID, i+1)
			}
		case CategoryQuestionnaire:
			if p.Fields <= 0 {
				return fmt.Errorf("contract: template %s phase %d: questionnaire needs fields", t.ID, i+1)
			}
		default:
			return fmt.Errorf("contract: template %s phase %d: unknown category %q", t.ID, i+1, p.Category)
		}
	}
	if !sum.Equal(hundredPercent) {
		return fmt.Errorf("contract: template %s percentages sum to %s, want 100", t.ID, sum)
	}
	return nil
}

func validStepType(t StepType) bool {
	for _, s := range StepTypes() {
		if s == t {
			return true
		}
	}
	return false
}

// BuildParams carries the per-contract inputs of Template.Build.
type BuildParams struct {
	ContractID string
	CustomerID string
	AssetID    string
	Currency   string
	Total      decimal.Decimal
	Start      time.Time
	NewID      func() string

	// Amounts and Percentages override the template split when set. Each
	// must hold one entry per phase and they must agree with Total.
	Amounts     []decimal.Decimal
	Percentages []decimal.Decimal
}

// Build instantiates a DRAFT contract from the template.
func (t Template) Build(p BuildParams) (Contract, error) {
	if err := t.Validate(); err != nil {
		return Contract{}, err
	}
	if !p.Total.IsPositive() {
		return Contract{}, errors.New("contract: total amount must be positive")
	}
	if p.NewID == nil {
		return Contract{}, errors.New("contract: id generator required")
	}
	if p.ContractID == "" {
		p.ContractID = p.NewID()
	}
	if p.Currency == "" {
		p.Currency = money.DefaultCurrency
	}

	c := Contract{
		ID:          p.ContractID,
		CustomerID:  p.CustomerID,
		AssetID:     p.AssetID,
		TemplateID:  t.ID,
		Currency:    p.Currency,
		Status:      StatusDraft,
		TotalAmount: money.Round(p.Total),
		TotalPaid:   decimal.Zero,
		CreatedAt:   p.Start,
		UpdatedAt:   p.Start,
	}

	pcts := t.percentages()
	if len(p.Percentages) > 0 {
		if len(p.Percentages) != len(t.Phases) {
			return Contract{}, fmt.Errorf("contract: %d percentages for %d phases", len(p.Percentages), len(t.Phases))
		}
		pcts = p.Percentages
	}
	amounts := PhaseAmounts(c.TotalAmount, pcts)
	if len(p.Amounts) > 0 {
		if len(p.Amounts) != len(t.Phases) {
			return Contract{}, fmt.Errorf("contract: %d amounts for %d phases", len(p.Amounts), len(t.Phases))
		}
		if !money.Sum(p.Amounts...).Equal(c.TotalAmount) {
			return Contract{}, fmt.Errorf("contract: phase amounts do not sum to %s", c.TotalAmount)
		}
		amounts = p.Amounts
	}
	for i, pt := range t.Phases {
		ph := Phase{
			ID:         p.NewID(),
			ContractID: c.ID,
			Name:       pt.Name,
			Order:      i + 1,
			Category:   pt.Category,
			Status:     PhasePending,
			Percentage: pcts[i],
		}
		if pt.DueInDays > 0 {
			due := p.Start.AddDate(0, 0, pt.DueInDays)
			ph.DueDate = &due
		}
		switch pt.Category {
		case CategoryDocumentation:
			doc := &DocumentationPayload{}
			for j, st := range pt.Steps {
				doc.Steps = append(doc.Steps, Step{
					ID:     p.NewID(),
					Name:   st.Name,
					Type:   st.Type,
					Order:  j + 1,
					Status: StepPending,
				})
			}
			ph.Payload = doc
		case CategoryPayment:
			ph.Payload = buildPayment(amounts[i], pt, p.Start, p.NewID)
		case CategoryQuestionnaire:
			ph.Payload = &QuestionnairePayload{TotalFields: pt.Fields}
		}
		c.Phases = append(c.Phases, ph)
	}
	return c, nil
}

func (t Template) percentages() []decimal.Decimal {
	out := make([]decimal.Decimal, len(t.Phases))
	for i, p := range t.Phases {
		out[i] = p.Percentage
	}
	return out
}

// PhaseAmounts converts percentages into cent-exact amounts of total. The
// last non-zero share absorbs rounding so the amounts sum to total.
func PhaseAmounts(total decimal.Decimal, pcts []decimal.Decimal) []decimal.Decimal {
	out := make([]decimal.Decimal, len(pcts))
	last := -1
	sum := decimal.Zero
	for i, pct := range pcts {
		out[i] = money.Percent(total, pct)
		if pct.IsPositive() {
			last = i
		}
		sum = sum.Add(out[i])
	}
	if last >= 0 {
		out[last] = out[last].Add(total.Sub(sum))
	}
	return out
}

func buildPayment(amount decimal.Decimal, pt PhaseTemplate, start time.Time, newID func() string) *PaymentPayload {
	pay := &PaymentPayload{TotalAmount: amount, PaidAmount: decimal.Zero}
	interval := pt.IntervalDays
	if interval <= 0 {
		interval = 30
	}
	for i, part := range money.Split(amount, pt.Installments) {
		pay.Installments = append(pay.Installments, Installment{
			ID:         newID(),
			Sequence:   i + 1,
			Amount:     part,
			PaidAmount: decimal.Zero,
			DueDate:    start.AddDate(0, 0, interval*(i+1)),
			Status:     InstallmentPending,
		})
	}
	return pay
}

// MortgageTemplate is the standard five-phase mortgage purchase graph.
func MortgageTemplate() Template {
	return Template{
		ID:   "mortgage-standard",
		Name: "Standard mortgage purchase",
		Phases: []PhaseTemplate{
			{
				Name:       "KYC Documentation",
				Category:   CategoryDocumentation,
				Percentage: decimal.Zero,
				DueInDays:  14,
				Steps: []StepTemplate{
					{Name: "Government ID", Type: StepUpload},
					{Name: "Proof of income", Type: StepUpload},
					{Name: "KYC review", Type: StepReview},
				},
			},
			{
				Name:       "Underwriting Questionnaire",
				Category:   CategoryQuestionnaire,
				Percentage: decimal.Zero,
				DueInDays:  21,
				Fields:     12,
			},
			{
				Name:         "Downpayment",
				Category:     CategoryPayment,
				Percentage:   decimal.NewFromInt(10),
				Installments: 12,
				IntervalDays: 30,
			},
			{
				Name:       "Offer Letter",
				Category:   CategoryDocumentation,
				Percentage: decimal.Zero,
				Steps: []StepTemplate{
					{Name: "Generate offer letter", Type: StepGenerateDocument},
					{Name: "Underwriting decision", Type: StepUnderwriting},
					{Name: "Sign offer letter", Type: StepSignature},
				},
			},
			{
				Name:         "Mortgage Balance",
				Category:     CategoryPayment,
				Percentage:   decimal.NewFromInt(90),
				Installments: 1,
				IntervalDays: 30,
			},
		},
	}
}
