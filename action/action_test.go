package action

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{MaxRetries: 3, InitialDelay: 2 * time.Second, BackoffMultiplier: 2}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, w := range want {
		if got := p.Delay(i); got != w {
			t.Errorf("Delay(%d) = %s, want %s", i, got, w)
		}
	}

	flat := RetryPolicy{InitialDelay: time.Second, BackoffMultiplier: 0}
	if got := flat.Delay(4); got != time.Second {
		t.Errorf("multiplier below one should not shrink delay, got %s", got)
	}
}

func TestDefaultRegistryPolicies(t *testing.T) {
	reg := DefaultRegistry("http://services.local/")
	if err := reg.Validate(); err != nil {
		t.Fatalf("default registry invalid: %v", err)
	}

	tests := []struct {
		typ     Type
		retries int
		initial time.Duration
		mult    float64
		timeout time.Duration
	}{
		{NotifyUnderwriter, 3, 2 * time.Second, 2, 10 * time.Second},
		{SendEmail, 5, time.Second, 1.5, 10 * time.Second},
		{GenerateClosingDocs, 0, time.Second, 1, 30 * time.Second},
		{FundDisbursement, 5, 3 * time.Second, 2, 30 * time.Second},
		{AnalyticsUpdate, 1, time.Second, 1, 5 * time.Second},
	}
	for _, tc := range tests {
		e, err := reg.Lookup(tc.typ)
		if err != nil {
			t.Fatalf("lookup %s: %v", tc.typ, err)
		}
		if e.Retry.MaxRetries != tc.retries || e.Retry.InitialDelay != tc.initial || e.Retry.BackoffMultiplier != tc.mult {
			t.Errorf("%s retry = %+v", tc.typ, e.Retry)
		}
		if e.Timeout != tc.timeout {
			t.Errorf("%s timeout = %s, want %s", tc.typ, e.Timeout, tc.timeout)
		}
	}

	fund, _ := reg.Lookup(FundDisbursement)
	if fund.Compensation == nil || fund.Compensation.URL != "http://services.local/disbursements/reverse" {
		t.Errorf("fund-disbursement compensation = %+v", fund.Compensation)
	}
	if len(reg.Types()) != len(Types()) {
		t.Errorf("default registry should configure every action type")
	}
}

func TestRegistryLookupUnknown(t *testing.T) {
	reg := NewRegistry(nil)
	if _, err := reg.Lookup(SendEmail); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("expected ErrUnknownAction, got %v", err)
	}
	if p := reg.Policy(SendEmail); p.MaxRetries != 0 {
		t.Fatalf("expected zero policy, got %+v", p)
	}
}

func TestRegistryValidate(t *testing.T) {
	reg := NewRegistry(map[Type]Entry{
		SendEmail: {Timeout: time.Second, Retry: RetryPolicy{BackoffMultiplier: 1}},
		AuditLog: {
			Endpoint: Endpoint{URL: "http://x", Auth: Auth{Scheme: AuthBearer}},
			Timeout:  time.Second,
			Retry:    RetryPolicy{BackoffMultiplier: 0.5},
		},
	})
	err := reg.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, frag := range []string{"endpoint url required", "backoff multiplier", "requires a token"} {
		if !strings.Contains(err.Error(), frag) {
			t.Errorf("validation error %q missing %q", err, frag)
		}
	}
}

func TestRegistryWithDoesNotMutate(t *testing.T) {
	base := DefaultRegistry("http://a")
	next := base.With(SendEmail, Entry{Endpoint: Endpoint{URL: "http://b"}, Timeout: time.Second, Retry: RetryPolicy{BackoffMultiplier: 1}})
	orig, _ := base.Lookup(SendEmail)
	if orig.Endpoint.URL != "http://a/notifications/email" {
		t.Fatalf("base registry mutated: %s", orig.Endpoint.URL)
	}
	got, _ := next.Lookup(SendEmail)
	if got.Endpoint.URL != "http://b" {
		t.Fatalf("override not applied: %s", got.Endpoint.URL)
	}
}

func TestTriggersMatch(t *testing.T) {
	triggers := DefaultTriggers()

	got := triggers.Match(Subject{Entity: "CONTRACT", To: "COMPLETED"})
	want := []Type{GenerateClosingDocs, FundDisbursement, SendEmail, AuditLog}
	if !equalTypes(got, want) {
		t.Errorf("contract completed actions = %v, want %v", got, want)
	}

	got = triggers.Match(Subject{Entity: "PHASE", To: "COMPLETED", Category: "PAYMENT"})
	want = []Type{AnalyticsUpdate, AuditLog, SendSMS}
	if !equalTypes(got, want) {
		t.Errorf("payment phase completed actions = %v, want %v", got, want)
	}

	got = triggers.Match(Subject{Entity: "STEP", To: "AWAITING_REVIEW", StepType: "UPLOAD"})
	if len(got) != 0 {
		t.Errorf("upload awaiting review should not trigger, got %v", got)
	}
	got = triggers.Match(Subject{Entity: "STEP", To: "AWAITING_REVIEW", StepType: "UNDERWRITING"})
	if !equalTypes(got, []Type{NotifyUnderwriter}) {
		t.Errorf("underwriting review actions = %v", got)
	}
}

func TestValidatePayload(t *testing.T) {
	tests := []struct {
		name    string
		typ     Type
		payload string
		wantErr error
	}{
		{"ok", SendEmail, `{"contract_id":"c1"}`, nil},
		{"bad json", SendEmail, `{"contract_id":`, ErrMalformedPayload},
		{"missing contract", AuditLog, `{}`, ErrMalformedPayload},
		{"unknown type", Type("teleport"), `{"contract_id":"c1"}`, ErrUnknownAction},
		{"disbursement ok", FundDisbursement, `{"contract_id":"c1","amount":"9000000.00"}`, nil},
		{"disbursement zero", FundDisbursement, `{"contract_id":"c1","amount":"0.00"}`, ErrMalformedPayload},
		{"disbursement missing", FundDisbursement, `{"contract_id":"c1"}`, ErrMalformedPayload},
	}
	for _, tc := range tests {
		err := ValidatePayload(tc.typ, []byte(tc.payload))
		if tc.wantErr == nil && err != nil {
			t.Errorf("%s: unexpected error %v", tc.name, err)
		}
		if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.wantErr, err)
		}
	}
}

func TestParseType(t *testing.T) {
	if got, err := ParseType("fund-disbursement"); err != nil || got != FundDisbursement {
		t.Fatalf("ParseType = %v, %v", got, err)
	}
	if _, err := ParseType("nope"); err == nil {
		t.Fatal("expected error for unknown type")
	}
}

func equalTypes(a, b []Type) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
