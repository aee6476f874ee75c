package dispatch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/felixgeelhaar/fortify/circuitbreaker"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"

	"contractflow/action"
)

// Request is one downstream invocation.
type Request struct {
	Action         action.Type
	EventID        string
	ContractID     string
	IdempotencyKey string
	Endpoint       action.Endpoint
	Payload        json.RawMessage
}

// Transport delivers a request and returns the downstream result body.
// Errors are transient unless they are a *PermanentError.
type Transport interface {
	Invoke(ctx context.Context, req Request) ([]byte, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, req Request) ([]byte, error)

func (f TransportFunc) Invoke(ctx context.Context, req Request) ([]byte, error) {
	return f(ctx, req)
}

type HTTPConfig struct {
	// MasterSecret derives per-action JWT keys for entries without a secret.
	MasterSecret            string
	CircuitBreakerThreshold int
	CircuitBreakerTimeout   time.Duration
	TokenTTL                time.Duration
	UserAgent               string
	MaxResponseBytes        int64
}

func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		CircuitBreakerThreshold: 5,
		CircuitBreakerTimeout:   30 * time.Second,
		TokenTTL:                5 * time.Minute,
		UserAgent:               "contractflow-dispatcher/1.0",
		MaxResponseBytes:        1 << 20,
	}
}

// HTTPTransport invokes endpoints over HTTP with a circuit breaker per URL.
type HTTPTransport struct {
	config   HTTPConfig
	client   *http.Client
	breakers map[string]circuitbreaker.CircuitBreaker[response]
	mu       sync.RWMutex
	now      func() time.Time
}

type response struct {
	status int
	body   []byte
}

func NewHTTPTransport(config HTTPConfig, client *http.Client) *HTTPTransport {
	defaults := DefaultHTTPConfig()
	if config.CircuitBreakerThreshold <= 0 {
		config.CircuitBreakerThreshold = defaults.CircuitBreakerThreshold
	}
	if config.CircuitBreakerTimeout <= 0 {
		config.CircuitBreakerTimeout = defaults.CircuitBreakerTimeout
	}
	if config.TokenTTL <= 0 {
		config.TokenTTL = defaults.TokenTTL
	}
	if config.UserAgent == "" {
		config.UserAgent = defaults.UserAgent
	}
	if config.MaxResponseBytes <= 0 {
		config.MaxResponseBytes = defaults.MaxResponseBytes
	}
	if client == nil {
		// Per-call deadlines come from the context.
		client = &http.Client{}
	}
	return &HTTPTransport{
		config:   config,
		client:   client,
		breakers: make(map[string]circuitbreaker.CircuitBreaker[response]),
		now:      time.Now,
	}
}

func (t *HTTPTransport) Invoke(ctx context.Context, req Request) ([]byte, error) {
	ep := req.Endpoint
	if ep.URL == "" {
		return nil, Permanent(fmt.Errorf("action %s has no endpoint url", req.Action))
	}
	method := ep.Method
	if method == "" {
		method = http.MethodPost
	}

	authHeader, err := t.authorization(req)
	if err != nil {
		return nil, Permanent(err)
	}

	breaker := t.getBreaker(ep.URL)
	resp, err := breaker.Execute(ctx, func(ctx context.Context) (response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, method, ep.URL, bytes.NewReader(req.Payload))
		if err != nil {
			return response{}, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("User-Agent", t.config.UserAgent)
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
		for k, v := range ep.Headers {
			httpReq.Header.Set(k, v)
		}
		if authHeader != "" {
			httpReq.Header.Set("Authorization", authHeader)
		}

		httpResp, err := t.client.Do(httpReq)
		if err != nil {
			return response{}, err
		}
		defer httpResp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(httpResp.Body, t.config.MaxResponseBytes))
		if err != nil {
			return response{}, fmt.Errorf("read response: %w", err)
		}
		r := response{status: httpResp.StatusCode, body: body}
		if transientStatus(r.status) {
			return r, fmt.Errorf("status %d: %s", r.status, truncate(body, 256))
		}
		// Rejections are returned as values so they do not trip the breaker.
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, ep.URL, err)
	}
	if resp.status < 200 || resp.status >= 300 {
		return nil, &PermanentError{StatusCode: resp.status, Body: truncate(resp.body, 256)}
	}
	return resp.body, nil
}

func transientStatus(status int) bool {
	return status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}

func (t *HTTPTransport) authorization(req Request) (string, error) {
	a := req.Endpoint.Auth
	switch a.Scheme {
	case "", action.AuthNone:
		return "", nil
	case action.AuthBearer:
		if a.Token == "" {
			return "", fmt.Errorf("action %s: bearer auth without token", req.Action)
		}
		return "Bearer " + a.Token, nil
	case action.AuthJWT:
		key, err := t.signingKey(req.Action, a)
		if err != nil {
			return "", err
		}
		now := t.now()
		claims := jwt.MapClaims{
			"iss":         a.Issuer,
			"sub":         string(req.Action),
			"contract_id": req.ContractID,
			"event_id":    req.EventID,
			"iat":         now.Unix(),
			"exp":         now.Add(t.config.TokenTTL).Unix(),
		}
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		signed, err := token.SignedString(key)
		if err != nil {
			return "", fmt.Errorf("sign token: %w", err)
		}
		return "Bearer " + signed, nil
	default:
		return "", fmt.Errorf("action %s: unknown auth scheme %q", req.Action, a.Scheme)
	}
}

// signingKey returns the entry secret, or a 32-byte key derived from the
// master secret with the action name as HKDF info.
func (t *HTTPTransport) signingKey(a action.Type, auth action.Auth) ([]byte, error) {
	if auth.Secret != "" {
		return []byte(auth.Secret), nil
	}
	if t.config.MasterSecret == "" {
		return nil, errors.New("jwt auth needs an entry secret or a master secret")
	}
	return DeriveKey(t.config.MasterSecret, a)
}

// DeriveKey derives the per-action signing key from a master secret.
func DeriveKey(master string, a action.Type) ([]byte, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, []byte(master), []byte("contractflow"), []byte(a))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

func (t *HTTPTransport) getBreaker(url string) circuitbreaker.CircuitBreaker[response] {
	t.mu.RLock()
	breaker, exists := t.breakers[url]
	t.mu.RUnlock()

	if exists {
		return breaker
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if breaker, exists = t.breakers[url]; exists {
		return breaker
	}

	threshold := t.config.CircuitBreakerThreshold
	breaker = circuitbreaker.New[response](circuitbreaker.Config{
		MaxRequests: 1,
		Interval:    t.config.CircuitBreakerTimeout,
		Timeout:     t.config.CircuitBreakerTimeout,
		ReadyToTrip: func(counts circuitbreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold) // #nosec G115 -- threshold is positive
		},
	})
	t.breakers[url] = breaker
	return breaker
}

// BreakerState returns the circuit breaker state for an endpoint URL.
func (t *HTTPTransport) BreakerState(url string) string {
	t.mu.RLock()
	breaker, exists := t.breakers[url]
	t.mu.RUnlock()

	if !exists {
		return "unknown"
	}
	return breaker.State().String()
}
