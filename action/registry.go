package action

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// AuthScheme selects how outbound calls authenticate.
type AuthScheme string

const (
	AuthNone   AuthScheme = "none"
	AuthBearer AuthScheme = "bearer"
	AuthJWT    AuthScheme = "jwt"
)

// Auth is the credential material for an endpoint. Secret may be empty for
// AuthJWT, in which case the dispatcher derives a key per action.
type Auth struct {
	Scheme AuthScheme
	Token  string
	Secret string
	Issuer string
}

// Endpoint is where an action is delivered.
type Endpoint struct {
	URL     string
	Method  string
	Headers map[string]string
	Auth    Auth
}

// Entry is the full delivery configuration for one action type.
type Entry struct {
	Endpoint     Endpoint
	Timeout      time.Duration
	Retry        RetryPolicy
	Compensation *Endpoint
}

// Registry maps action types to their delivery configuration. It is built
// once at startup and passed by value to the ledger and dispatcher.
type Registry struct {
	entries map[Type]Entry
}

// NewRegistry builds a registry from entries.
func NewRegistry(entries map[Type]Entry) Registry {
	copied := make(map[Type]Entry, len(entries))
	for k, v := range entries {
		copied[k] = v
	}
	return Registry{entries: copied}
}

// Lookup returns the entry for t.
func (r Registry) Lookup(t Type) (Entry, error) {
	e, ok := r.entries[t]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownAction, t)
	}
	return e, nil
}

// Policy returns the retry policy for t, or a zero policy for unknown types.
func (r Registry) Policy(t Type) RetryPolicy {
	return r.entries[t].Retry
}

// With returns a copy of r with t set to e.
func (r Registry) With(t Type, e Entry) Registry {
	next := NewRegistry(r.entries)
	next.entries[t] = e
	return next
}

// Types returns the configured action types.
func (r Registry) Types() []Type {
	out := make([]Type, 0, len(r.entries))
	for _, t := range Types() {
		if _, ok := r.entries[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Validate checks every entry is deliverable.
func (r Registry) Validate() error {
	var errs []error
	for t, e := range r.entries {
		if !t.Valid() {
			errs = append(errs, fmt.Errorf("action: unknown type %q", t))
			continue
		}
		if e.Endpoint.URL == "" {
			errs = append(errs, fmt.Errorf("action: %s: endpoint url required", t))
		}
		if e.Timeout <= 0 {
			errs = append(errs, fmt.Errorf("action: %s: timeout must be positive", t))
		}
		if e.Retry.MaxRetries < 0 {
			errs = append(errs, fmt.Errorf("action: %s: max retries must not be negative", t))
		}
		if e.Retry.BackoffMultiplier < 1 {
			errs = append(errs, fmt.Errorf("action: %s: backoff multiplier must be >= 1", t))
		}
		switch e.Endpoint.Auth.Scheme {
		case "", AuthNone, AuthJWT:
		case AuthBearer:
			if e.Endpoint.Auth.Token == "" {
				errs = append(errs, fmt.Errorf("action: %s: bearer auth requires a token", t))
			}
		default:
			errs = append(errs, fmt.Errorf("action: %s: unknown auth scheme %q", t, e.Endpoint.Auth.Scheme))
		}
	}
	return errors.Join(errs...)
}

// DefaultRegistry returns the stock delivery table with every endpoint
// rooted at baseURL.
func DefaultRegistry(baseURL string) Registry {
	base := strings.TrimRight(baseURL, "/")
	ep := func(path string) Endpoint {
		return Endpoint{URL: base + path, Method: "POST", Auth: Auth{Scheme: AuthJWT, Issuer: "contractflow"}}
	}
	reverse := ep("/disbursements/reverse")

	return NewRegistry(map[Type]Entry{
		NotifyUnderwriter: {
			Endpoint: ep("/underwriting/notify"),
			Timeout:  10 * time.Second,
			Retry:    RetryPolicy{MaxRetries: 3, InitialDelay: 2 * time.Second, BackoffMultiplier: 2},
		},
		SendEmail: {
			Endpoint: ep("/notifications/email"),
			Timeout:  10 * time.Second,
			Retry:    RetryPolicy{MaxRetries: 5, InitialDelay: time.Second, BackoffMultiplier: 1.5},
		},
		SendSMS: {
			Endpoint: ep("/notifications/sms"),
			Timeout:  10 * time.Second,
			Retry:    RetryPolicy{MaxRetries: 3, InitialDelay: time.Second, BackoffMultiplier: 2},
		},
		GenerateDocument: {
			Endpoint: ep("/documents/generate"),
			Timeout:  30 * time.Second,
			Retry:    RetryPolicy{MaxRetries: 2, InitialDelay: 5 * time.Second, BackoffMultiplier: 2},
		},
		GenerateClosingDocs: {
			Endpoint: ep("/documents/closing"),
			Timeout:  30 * time.Second,
			Retry:    RetryPolicy{MaxRetries: 0, InitialDelay: time.Second, BackoffMultiplier: 1},
		},
		Verify: {
			Endpoint: ep("/verifications"),
			Timeout:  15 * time.Second,
			Retry:    RetryPolicy{MaxRetries: 3, InitialDelay: 2 * time.Second, BackoffMultiplier: 2},
		},
		FundDisbursement: {
			Endpoint:     ep("/disbursements"),
			Timeout:      30 * time.Second,
			Retry:        RetryPolicy{MaxRetries: 5, InitialDelay: 3 * time.Second, BackoffMultiplier: 2},
			Compensation: &reverse,
		},
		AnalyticsUpdate: {
			Endpoint: ep("/analytics/events"),
			Timeout:  5 * time.Second,
			Retry:    RetryPolicy{MaxRetries: 1, InitialDelay: time.Second, BackoffMultiplier: 1},
		},
		AuditLog: {
			Endpoint: ep("/audit"),
			Timeout:  5 * time.Second,
			Retry:    RetryPolicy{MaxRetries: 5, InitialDelay: 500 * time.Millisecond, BackoffMultiplier: 2},
		},
	})
}
