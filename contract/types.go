package contract

// Status is the lifecycle state of a contract.
type Status string

const (
	StatusDraft       Status = "DRAFT"
	StatusPending     Status = "PENDING"
	StatusActive      Status = "ACTIVE"
	StatusCompleted   Status = "COMPLETED"
	StatusCancelled   Status = "CANCELLED"
	StatusTransferred Status = "TRANSFERRED"
)

// Terminal reports whether no further contract transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusTransferred
}

// PhaseStatus is the lifecycle state of a phase.
type PhaseStatus string

const (
	PhasePending    PhaseStatus = "PENDING"
	PhaseActive     PhaseStatus = "ACTIVE"
	PhaseCompleted  PhaseStatus = "COMPLETED"
	PhaseFailed     PhaseStatus = "FAILED"
	PhaseSkipped    PhaseStatus = "SKIPPED"
	PhaseSuperseded PhaseStatus = "SUPERSEDED"
)

// Terminal reports whether the phase can never change again.
func (s PhaseStatus) Terminal() bool {
	return s == PhaseCompleted || s == PhaseSkipped || s == PhaseSuperseded
}

// Done reports whether the phase no longer blocks its successors.
func (s PhaseStatus) Done() bool {
	return s == PhaseCompleted || s == PhaseSkipped
}

// PhaseCategory selects the payload a phase carries.
type PhaseCategory string

const (
	CategoryDocumentation PhaseCategory = "DOCUMENTATION"
	CategoryPayment       PhaseCategory = "PAYMENT"
	CategoryQuestionnaire PhaseCategory = "QUESTIONNAIRE"
)

// StepType is the kind of work a documentation step represents.
type StepType string

const (
	StepUpload           StepType = "UPLOAD"
	StepSignature        StepType = "SIGNATURE"
	StepApproval         StepType = "APPROVAL"
	StepReview           StepType = "REVIEW"
	StepGenerateDocument StepType = "GENERATE_DOCUMENT"
	StepExternalCheck    StepType = "EXTERNAL_CHECK"
	StepPreApproval      StepType = "PRE_APPROVAL"
	StepUnderwriting     StepType = "UNDERWRITING"
)

// StepTypes lists every step type.
func StepTypes() []StepType {
	return []StepType{
		StepUpload, StepSignature, StepApproval, StepReview,
		StepGenerateDocument, StepExternalCheck, StepPreApproval, StepUnderwriting,
	}
}

// StepStatus is the state of a single documentation step.
type StepStatus string

const (
	StepPending           StepStatus = "PENDING"
	StepInProgress        StepStatus = "IN_PROGRESS"
	StepAwaitingReview    StepStatus = "AWAITING_REVIEW"
	StepActionRequired    StepStatus = "ACTION_REQUIRED"
	StepNeedsResubmission StepStatus = "NEEDS_RESUBMISSION"
	StepCompleted         StepStatus = "COMPLETED"
	StepSkipped           StepStatus = "SKIPPED"
	StepFailed            StepStatus = "FAILED"
)

// StepStatuses lists every step status.
func StepStatuses() []StepStatus {
	return []StepStatus{
		StepPending, StepInProgress, StepAwaitingReview, StepActionRequired,
		StepNeedsResubmission, StepCompleted, StepSkipped, StepFailed,
	}
}

// Terminal reports whether the step is finished.
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepSkipped
}

// InstallmentStatus is the payment state of one installment.
type InstallmentStatus string

const (
	InstallmentPending       InstallmentStatus = "PENDING"
	InstallmentPartiallyPaid InstallmentStatus = "PARTIALLY_PAID"
	InstallmentOverdue       InstallmentStatus = "OVERDUE"
	InstallmentPaid          InstallmentStatus = "PAID"
)

// PaymentStatus is the settlement state of a payment record.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentCompleted PaymentStatus = "COMPLETED"
	PaymentFailed    PaymentStatus = "FAILED"
)

// EntityType names what a transition changed.
type EntityType string

const (
	EntityContract    EntityType = "CONTRACT"
	EntityPhase       EntityType = "PHASE"
	EntityStep        EntityType = "STEP"
	EntityInstallment EntityType = "INSTALLMENT"
)

// Role is the kind of principal performing a change.
type Role string

const (
	RoleCustomer Role = "CUSTOMER"
	RoleAdmin    Role = "ADMIN"
	RoleSystem   Role = "SYSTEM"
)

// Actor is the principal recorded on every transition.
type Actor struct {
	ID   string
	Role Role
}

// SystemActor is used for cascades and background work.
var SystemActor = Actor{ID: "system", Role: RoleSystem}
