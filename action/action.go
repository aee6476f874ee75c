// Package action describes the side effects a contract transition can
// trigger: which actions exist, where they are delivered and how they are
// retried.
package action

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Type identifies a downstream action.
type Type string

const (
	NotifyUnderwriter   Type = "notify-underwriter"
	SendEmail           Type = "send-email"
	SendSMS             Type = "send-sms"
	GenerateDocument    Type = "generate-document"
	GenerateClosingDocs Type = "generate-closing-docs"
	Verify              Type = "verify"
	FundDisbursement    Type = "fund-disbursement"
	AnalyticsUpdate     Type = "analytics-update"
	AuditLog            Type = "audit-log"
)

// Types lists every known action type.
func Types() []Type {
	return []Type{
		NotifyUnderwriter,
		SendEmail,
		SendSMS,
		GenerateDocument,
		GenerateClosingDocs,
		Verify,
		FundDisbursement,
		AnalyticsUpdate,
		AuditLog,
	}
}

// Valid reports whether t is one of the known action types.
func (t Type) Valid() bool {
	switch t {
	case NotifyUnderwriter, SendEmail, SendSMS, GenerateDocument, GenerateClosingDocs,
		Verify, FundDisbursement, AnalyticsUpdate, AuditLog:
		return true
	}
	return false
}

// ParseType converts a configured name into a Type.
func ParseType(s string) (Type, error) {
	t := Type(s)
	if !t.Valid() {
		return "", fmt.Errorf("action: unknown action type %q", s)
	}
	return t, nil
}

var (
	ErrUnknownAction    = errors.New("action: unknown action")
	ErrMalformedPayload = errors.New("action: malformed payload")
)

// RetryPolicy controls how a failed action is rescheduled.
type RetryPolicy struct {
	MaxRetries        int
	InitialDelay      time.Duration
	BackoffMultiplier float64
}

// Delay returns the wait before retry number n, counting from zero.
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	mult := p.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	return time.Duration(float64(p.InitialDelay) * math.Pow(mult, float64(n)))
}

// ValidatePayload checks the JSON payload carries what the action needs.
func ValidatePayload(t Type, payload []byte) error {
	if !t.Valid() {
		return fmt.Errorf("%w: %s", ErrUnknownAction, t)
	}
	var body map[string]any
	if err := json.Unmarshal(payload, &body); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if id, _ := body["contract_id"].(string); id == "" {
		return fmt.Errorf("%w: contract_id required", ErrMalformedPayload)
	}
	if t == FundDisbursement {
		raw, _ := body["amount"].(string)
		amount, err := decimal.NewFromString(raw)
		if err != nil || !amount.IsPositive() {
			return fmt.Errorf("%w: positive amount required", ErrMalformedPayload)
		}
	}
	return nil
}
