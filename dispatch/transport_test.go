package dispatch_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"contractflow/action"
	"contractflow/dispatch"
)

func request(url string, auth action.Auth) dispatch.Request {
	return dispatch.Request{
		Action:         action.NotifyUnderwriter,
		EventID:        "ev-1",
		ContractID:     "contract-1",
		IdempotencyKey: "tr-1:notify-underwriter:1",
		Endpoint:       action.Endpoint{URL: url, Method: http.MethodPost, Auth: auth, Headers: map[string]string{"X-Tenant": "acme"}},
		Payload:        []byte(`{"contract_id":"contract-1"}`),
	}
}

func TestHTTPTransportSendsHeadersAndBody(t *testing.T) {
	var got *http.Request
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"accepted":true}`))
	}))
	defer srv.Close()

	tr := dispatch.NewHTTPTransport(dispatch.DefaultHTTPConfig(), srv.Client())
	out, err := tr.Invoke(context.Background(), request(srv.URL, action.Auth{Scheme: action.AuthBearer, Token: "secret-token"}))
	require.NoError(t, err)
	require.JSONEq(t, `{"accepted":true}`, string(out))

	require.Equal(t, "tr-1:notify-underwriter:1", got.Header.Get("Idempotency-Key"))
	require.Equal(t, "Bearer secret-token", got.Header.Get("Authorization"))
	require.Equal(t, "application/json", got.Header.Get("Content-Type"))
	require.Equal(t, "acme", got.Header.Get("X-Tenant"))
	require.Equal(t, `{"contract_id":"contract-1"}`, body)
}

func bearerClaims(t *testing.T, header string, key []byte) jwt.MapClaims {
	t.Helper()
	raw := strings.TrimPrefix(header, "Bearer ")
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return key, nil
	})
	require.NoError(t, err)
	require.True(t, token.Valid)
	return claims
}

func TestHTTPTransportSignsJWTWithEntrySecret(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	tr := dispatch.NewHTTPTransport(dispatch.DefaultHTTPConfig(), srv.Client())
	_, err := tr.Invoke(context.Background(), request(srv.URL, action.Auth{Scheme: action.AuthJWT, Secret: "entry-secret", Issuer: "contractflow"}))
	require.NoError(t, err)

	claims := bearerClaims(t, auth, []byte("entry-secret"))
	require.Equal(t, "notify-underwriter", claims["sub"])
	require.Equal(t, "contractflow", claims["iss"])
	require.Equal(t, "contract-1", claims["contract_id"])
	require.Equal(t, "ev-1", claims["event_id"])
}

func TestHTTPTransportDerivesJWTKey(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	cfg := dispatch.DefaultHTTPConfig()
	cfg.MasterSecret = "master"
	tr := dispatch.NewHTTPTransport(cfg, srv.Client())
	_, err := tr.Invoke(context.Background(), request(srv.URL, action.Auth{Scheme: action.AuthJWT}))
	require.NoError(t, err)

	key, err := dispatch.DeriveKey("master", action.NotifyUnderwriter)
	require.NoError(t, err)
	require.Len(t, key, 32)
	bearerClaims(t, auth, key)

	other, err := dispatch.DeriveKey("master", action.SendEmail)
	require.NoError(t, err)
	require.NotEqual(t, key, other)
}

func TestHTTPTransportJWTWithoutKeyIsPermanent(t *testing.T) {
	tr := dispatch.NewHTTPTransport(dispatch.DefaultHTTPConfig(), nil)
	_, err := tr.Invoke(context.Background(), request("http://127.0.0.1:1", action.Auth{Scheme: action.AuthJWT}))
	require.True(t, dispatch.IsPermanent(err))
}

func TestHTTPTransportClassifiesStatus(t *testing.T) {
	cases := []struct {
		status    int
		permanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusUnprocessableEntity, true},
		{http.StatusConflict, true},
		{http.StatusRequestTimeout, false},
		{http.StatusTooManyRequests, false},
		{http.StatusBadGateway, false},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte("nope"))
			}))
			defer srv.Close()

			tr := dispatch.NewHTTPTransport(dispatch.DefaultHTTPConfig(), srv.Client())
			_, err := tr.Invoke(context.Background(), request(srv.URL, action.Auth{}))
			require.Error(t, err)
			require.Equal(t, tc.permanent, dispatch.IsPermanent(err))

			var pe *dispatch.PermanentError
			if tc.permanent {
				require.True(t, errors.As(err, &pe))
				require.Equal(t, tc.status, pe.StatusCode)
				require.Equal(t, "nope", pe.Body)
			}
		})
	}
}

func TestHTTPTransportBreakerOpensOnTransientFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := dispatch.DefaultHTTPConfig()
	cfg.CircuitBreakerThreshold = 2
	tr := dispatch.NewHTTPTransport(cfg, srv.Client())
	req := request(srv.URL, action.Auth{})

	for i := 0; i < 4; i++ {
		_, err := tr.Invoke(context.Background(), req)
		require.Error(t, err)
		require.False(t, dispatch.IsPermanent(err))
	}
	require.Equal(t, int32(2), hits.Load())
	require.NotEqual(t, "unknown", tr.BreakerState(srv.URL))
}

func TestHTTPTransportRejectionsDoNotTripBreaker(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	cfg := dispatch.DefaultHTTPConfig()
	cfg.CircuitBreakerThreshold = 2
	tr := dispatch.NewHTTPTransport(cfg, srv.Client())

	for i := 0; i < 5; i++ {
		_, err := tr.Invoke(context.Background(), request(srv.URL, action.Auth{}))
		require.True(t, dispatch.IsPermanent(err))
	}
	require.Equal(t, int32(5), hits.Load())
}
