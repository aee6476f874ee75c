package action

// Subject describes a state change that may trigger actions.
type Subject struct {
	Entity   string // CONTRACT, PHASE, STEP, INSTALLMENT
	To       string
	Category string // phase category, when the change belongs to a phase
	StepType string
}

// Trigger binds a kind of state change to the actions it spawns. Empty
// Category and StepType match anything.
type Trigger struct {
	Entity   string
	To       string
	Category string
	StepType string
	Actions  []Type
}

func (t Trigger) matches(s Subject) bool {
	if t.Entity != s.Entity || t.To != s.To {
		return false
	}
	if t.Category != "" && t.Category != s.Category {
		return false
	}
	if t.StepType != "" && t.StepType != s.StepType {
		return false
	}
	return true
}

// Triggers is an ordered trigger table.
type Triggers []Trigger

// Match returns the actions for s in table order without duplicates.
func (ts Triggers) Match(s Subject) []Type {
	var out []Type
	seen := map[Type]bool{}
	for _, t := range ts {
		if !t.matches(s) {
			continue
		}
		for _, a := range t.Actions {
			if seen[a] {
				continue
			}
			seen[a] = true
			out = append(out, a)
		}
	}
	return out
}

// DefaultTriggers is the stock trigger table.
func DefaultTriggers() Triggers {
	return Triggers{
		{Entity: "CONTRACT", To: "PENDING", Actions: []Type{SendEmail, AuditLog}},
		{Entity: "CONTRACT", To: "ACTIVE", Actions: []Type{SendEmail, AuditLog}},
		{Entity: "CONTRACT", To: "COMPLETED", Actions: []Type{GenerateClosingDocs, FundDisbursement, SendEmail, AuditLog}},
		{Entity: "CONTRACT", To: "CANCELLED", Actions: []Type{SendEmail, AuditLog}},
		{Entity: "CONTRACT", To: "TRANSFERRED", Actions: []Type{SendEmail, AuditLog}},
		{Entity: "PHASE", To: "ACTIVE", Actions: []Type{SendEmail}},
		{Entity: "PHASE", To: "COMPLETED", Actions: []Type{AnalyticsUpdate, AuditLog}},
		{Entity: "PHASE", To: "COMPLETED", Category: "PAYMENT", Actions: []Type{SendSMS}},
		{Entity: "PHASE", To: "FAILED", Actions: []Type{NotifyUnderwriter, AuditLog}},
		{Entity: "STEP", To: "AWAITING_REVIEW", StepType: "UNDERWRITING", Actions: []Type{NotifyUnderwriter}},
		{Entity: "STEP", To: "IN_PROGRESS", StepType: "GENERATE_DOCUMENT", Actions: []Type{GenerateDocument}},
		{Entity: "STEP", To: "IN_PROGRESS", StepType: "EXTERNAL_CHECK", Actions: []Type{Verify}},
		{Entity: "STEP", To: "NEEDS_RESUBMISSION", Actions: []Type{SendEmail}},
		{Entity: "INSTALLMENT", To: "OVERDUE", Actions: []Type{SendSMS, SendEmail}},
	}
}
