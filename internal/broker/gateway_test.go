package broker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tradebridge/pkg/retrier"
)

func fastLoginRetry() *retrier.Retrier {
	return retrier.New(
		retrier.WithMaxRetries(loginMaxAttempts-1),
		retrier.WithInitialInterval(time.Millisecond),
		retrier.WithMultiplier(1.0),
		retrier.WithJitter(0),
		retrier.WithRetryIf(isTransientHTTP),
	)
}

func TestGatewayLoginSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"code":"success","ssid":"abc123","user_id":42}`))
	}))
	defer srv.Close()

	g := NewGateway("", srv.URL, "", zap.NewNop())
	resp := g.Login(context.Background(), LoginData{Identifier: "u@e.com", Password: "pw"})

	assert.Equal(t, "success", resp.Code)
	assert.Equal(t, "abc123", resp.SSID)
	assert.Equal(t, int64(42), resp.UserID)
}

func TestGatewayLoginRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"code":"success","ssid":"s"}`))
	}))
	defer srv.Close()

	g := NewGateway("", srv.URL, "", zap.NewNop())
	g.loginRetry = fastLoginRetry()

	resp := g.Login(context.Background(), LoginData{Identifier: "u", Password: "p"})
	assert.Equal(t, "success", resp.Code)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGatewayLoginRejectionNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"code":"invalid_credentials","message":"wrong password"}`))
	}))
	defer srv.Close()

	g := NewGateway("", srv.URL, "", zap.NewNop())
	g.loginRetry = fastLoginRetry()

	resp := g.Login(context.Background(), LoginData{Identifier: "u", Password: "bad"})
	assert.Equal(t, "invalid_credentials", resp.Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGatewayLoginExhaustionReturnsErrorCode(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	g := NewGateway("", srv.URL, "", zap.NewNop())
	g.loginRetry = fastLoginRetry()

	resp := g.Login(context.Background(), LoginData{Identifier: "u", Password: "p"})
	assert.Equal(t, "error", resp.Code)
	assert.Equal(t, int32(loginMaxAttempts), calls.Load())
}

func TestGatewayRegisterSingleAttempt(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	g := NewGateway(srv.URL, "", "", zap.NewNop())
	resp := g.Register(context.Background(), RegisterData{Identifier: "u@e.com"})

	assert.Equal(t, "error", resp.Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGatewayRegisterTransportFailure(t *testing.T) {
	g := NewGateway("http://127.0.0.1:1", "", "", zap.NewNop())
	resp := g.Register(context.Background(), RegisterData{Identifier: "u@e.com"})

	require.Equal(t, "error", resp.Code)
	assert.NotEmpty(t, resp.Message)
}
