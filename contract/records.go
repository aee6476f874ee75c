package contract

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"contractflow/action"
)

// Payment is a money movement recorded against a payment phase.
type Payment struct {
	ID             string
	ContractID     string
	PhaseID        string
	Amount         decimal.Decimal
	Payer          string
	Reference      string
	Status         PaymentStatus
	PaidAt         time.Time
	MigratedFromID *string
}

// Transition is the immutable record of one state change.
type Transition struct {
	ID         string
	ContractID string
	Seq        int
	EntityType EntityType
	EntityID   string
	From       string
	To         string
	ActorID    string
	ActorRole  Role
	Reason     string
	CausedByID *string
	CreatedAt  time.Time
	Events     []TransitionEvent
}

// EventStatus is the delivery state of a side effect.
type EventStatus string

const (
	EventPending    EventStatus = "PENDING"
	EventExecuting  EventStatus = "EXECUTING"
	EventCompleted  EventStatus = "COMPLETED"
	EventFailed     EventStatus = "FAILED"
	EventRolledBack EventStatus = "ROLLED_BACK"
)

// FailureKind classifies the last failure of an event.
type FailureKind string

const (
	FailureNone      FailureKind = ""
	FailureTransient FailureKind = "TRANSIENT"
	FailurePermanent FailureKind = "PERMANENT"
	FailureExhausted FailureKind = "EXHAUSTED"
)

// TransitionEvent is one side effect spawned by a transition.
type TransitionEvent struct {
	ID             string
	TransitionID   string
	ContractID     string
	Action         action.Type
	Order          int
	Status         EventStatus
	Payload        json.RawMessage
	Result         json.RawMessage
	Error          string
	FailureKind    FailureKind
	IdempotencyKey string
	RetryCount     int
	MaxRetries     int
	NextRetryAt    *time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	DurationMs     int64
	RolledBack     bool
	RolledBackAt   *time.Time
	RollbackError  string
	CreatedAt      time.Time
}

// Retryable reports whether the event may still be picked up by a sweep.
func (e TransitionEvent) Retryable() bool {
	return e.Status == EventFailed && e.RetryCount < e.MaxRetries && e.NextRetryAt != nil
}

// Clone returns a deep copy.
func (e TransitionEvent) Clone() TransitionEvent {
	out := e
	out.Payload = append(json.RawMessage(nil), e.Payload...)
	out.Result = append(json.RawMessage(nil), e.Result...)
	out.NextRetryAt = cloneTime(e.NextRetryAt)
	out.StartedAt = cloneTime(e.StartedAt)
	out.CompletedAt = cloneTime(e.CompletedAt)
	out.RolledBackAt = cloneTime(e.RolledBackAt)
	return out
}

// TransferStatus is the review state of a transfer request.
type TransferStatus string

const (
	TransferPending   TransferStatus = "PENDING"
	TransferRejected  TransferStatus = "REJECTED"
	TransferCompleted TransferStatus = "COMPLETED"
)

// AdjustmentHandling decides how a price difference is applied to the new
// contract.
type AdjustmentHandling string

const (
	AdjustFoldIntoRemaining AdjustmentHandling = "FOLD_INTO_REMAINING"
	AdjustRecompute         AdjustmentHandling = "RECOMPUTE"
)

// TransferRequest asks to move a contract onto a different asset.
type TransferRequest struct {
	ID               string
	SourceContractID string
	TargetAssetID    string
	CustomerID       string
	Reason           string
	Status           TransferStatus
	PriceAdjustment  decimal.Decimal
	Handling         AdjustmentHandling
	NewContractID    *string
	PaymentsMigrated int
	ReviewerID       *string
	ReviewNotes      *string
	CreatedAt        time.Time
	ResolvedAt       *time.Time
}

// UnitStatus is the inventory state of an asset.
type UnitStatus string

const (
	UnitAvailable UnitStatus = "AVAILABLE"
	UnitReserved  UnitStatus = "RESERVED"
	UnitSold      UnitStatus = "SOLD"
)

// Unit is an acquirable asset.
type Unit struct {
	ID         string
	Name       string
	Price      decimal.Decimal
	Currency   string
	Status     UnitStatus
	ReservedBy *string
}
