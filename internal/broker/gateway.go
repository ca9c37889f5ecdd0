package broker

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"tradebridge/pkg/retrier"
)

const (
	loginMaxAttempts = 5
	loginRetryDelay  = 2 * time.Second
	requestTimeout   = 10 * time.Second
)

// RegisterData is the broker's account-creation payload.
type RegisterData struct {
	Identifier string   `json:"identifier"`
	Password   string   `json:"password"`
	Accepted   []string `json:"accepted"`
	CountryID  int      `json:"country_id"`
	FirstName  string   `json:"first_name"`
	Timezone   string   `json:"timezone"`
}

// LoginData is the broker's credential login payload.
type LoginData struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

// Response is the broker REST response. Transport failures are folded into
// an error-coded Response so callers branch on Code uniformly instead of
// handling two failure channels.
type Response struct {
	Code    string `json:"code"`
	SSID    string `json:"ssid,omitempty"`
	UserID  int64  `json:"user_id,omitempty"`
	Message string `json:"message,omitempty"`
}

// Gateway is a stateless HTTP client for the broker's login/register
// endpoints. It is independent of the session cache: it only runs during
// credential-based login and registration.
type Gateway struct {
	http        *resty.Client
	registerURL string
	loginURL    string
	affiliate   string
	logger      *zap.Logger
	loginRetry  *retrier.Retrier
}

// NewGateway creates a broker REST gateway.
func NewGateway(registerURL, loginURL, affiliate string, logger *zap.Logger) *Gateway {
	return &Gateway{
		http:        resty.New().SetTimeout(requestTimeout),
		registerURL: registerURL,
		loginURL:    loginURL,
		affiliate:   affiliate,
		logger:      logger,
		loginRetry: retrier.New(
			retrier.WithMaxRetries(loginMaxAttempts-1),
			retrier.WithInitialInterval(loginRetryDelay),
			retrier.WithMultiplier(1.0),
			retrier.WithJitter(0),
			retrier.WithRetryIf(isTransientHTTP),
		),
	}
}

type httpFailure struct {
	status int
	body   string
	cause  error
}

func (f *httpFailure) Error() string {
	if f.cause != nil {
		return "broker request failed: " + f.cause.Error()
	}
	return "broker request failed: status " + f.body
}

// isTransientHTTP accepts no-response failures and 5xx statuses; explicit
// rejections and rate limiting are not retried.
func isTransientHTTP(err error) bool {
	f, ok := err.(*httpFailure)
	if !ok {
		return false
	}
	return f.cause != nil || f.status >= 500
}

// Register creates a broker account. Account creation is not safely
// retryable, so this is a single attempt; failures come back error-coded.
func (g *Gateway) Register(ctx context.Context, data RegisterData) Response {
	req := g.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(data).
		SetResult(&Response{}).
		SetError(&Response{})
	if g.affiliate != "" {
		req.SetHeader("Cookie", "aff="+g.affiliate+"; aff_model=revenue; afftrack=")
	}

	resp, err := req.Post(g.registerURL)
	if err != nil {
		g.logger.Error("broker register failed", zap.Error(err))
		return Response{Code: "error", Message: "register failed"}
	}
	if resp.IsError() {
		if body, ok := resp.Error().(*Response); ok && body.Code != "" {
			return *body
		}
		return Response{Code: "error", Message: resp.Status()}
	}
	return *resp.Result().(*Response)
}

// Login authenticates against the broker with up to 5 attempts and a fixed
// 2s inter-attempt delay, retrying only transient failures. Exhaustion
// yields an error-coded Response, never an error.
func (g *Gateway) Login(ctx context.Context, data LoginData) Response {
	result, err := retrier.DoWithData(g.loginRetry, ctx, func(ctx context.Context) (Response, error) {
		resp, err := g.http.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetBody(data).
			SetResult(&Response{}).
			SetError(&Response{}).
			Post(g.loginURL)
		if err != nil {
			return Response{}, &httpFailure{cause: err}
		}
		if resp.IsError() {
			if body, ok := resp.Error().(*Response); ok && body.Code != "" && resp.StatusCode() < 500 {
				// explicit rejection from the broker, surface as-is
				return *body, nil
			}
			return Response{}, &httpFailure{status: resp.StatusCode(), body: resp.Status()}
		}
		return *resp.Result().(*Response), nil
	})
	if err != nil {
		g.logger.Error("broker login failed", zap.Error(err))
		return Response{Code: "error", Message: err.Error()}
	}
	return result
}
