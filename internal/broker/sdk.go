// Package broker abstracts the trading broker: the REST login/register
// gateway and the websocket SDK handle a session wraps. The SDK itself is an
// external dependency; only the contracts consumed by the services live here.
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"tradebridge/internal/domain"
)

// ErrUnsupported is returned by per-kind accessors the current broker
// connection does not offer.
var ErrUnsupported = errors.New("broker: capability not supported")

// TerminationCode is the close code the broker transport uses for the
// transient "session no longer usable" class of failures.
const TerminationCode = 4000

// CloseError is a transport-level termination reported by the SDK.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("broker connection terminated: code=%d reason=%s", e.Code, e.Reason)
}

// IsTerminated reports whether err is the broker's 4000-class termination
// signal, the only error class the candle fallback plan recovers from.
func IsTerminated(err error) bool {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code == TerminationCode
	}
	return false
}

// PlacedOption is the broker's response to a submitted option buy.
type PlacedOption struct {
	ID             int64
	OpenedAt       time.Time
	ExpiredAt      time.Time
	Price          decimal.Decimal
	OpenQuoteValue float64
	Direction      domain.Direction
}

// Position is an open or historical position projection.
type Position struct {
	ID             int64
	ExternalID     int64
	ActiveID       int
	InstrumentType string
	Invested       decimal.Decimal
	PnLNet         decimal.Decimal
	SellProfit     decimal.Decimal
	OpenedAt       time.Time
	Closed         bool
}

// CandleOptions narrows a candle request. The minimal fallback plan sends
// only From/To/Count.
type CandleOptions struct {
	From               int64
	To                 int64
	FromID             int64
	ToID               int64
	Count              int
	Backoff            int
	OnlyClosed         bool
	Kind               string
	SplitNormalization bool
}

// QuoteStream is the SDK push-subscription primitive for one instrument's
// current quote. Subscribe returns the matching unsubscribe function, which
// must be called on every stream teardown path.
type QuoteStream interface {
	Current() domain.QuoteTick
	Subscribe(fn func(domain.QuoteTick)) (unsubscribe func())
}

// Client is one live authenticated SDK connection.
type Client interface {
	// CurrentTime reads the broker's own clock; it doubles as the cheap
	// liveness probe for cached sessions.
	CurrentTime(ctx context.Context) (time.Time, error)

	Balances(ctx context.Context) ([]domain.Balance, error)
	ResetDemoBalance(ctx context.Context) error

	Positions(ctx context.Context) ([]Position, error)
	PositionsHistory(ctx context.Context) ([]Position, error)
	SellPosition(ctx context.Context, externalID int64) error

	// Actives returns the instrument list for one kind, or ErrUnsupported.
	Actives(ctx context.Context, kind domain.Kind) ([]domain.ActiveSummary, error)

	Candles(ctx context.Context, activeID, size int, opts CandleOptions) ([]domain.Candle, error)

	CurrentQuote(ctx context.Context, activeID int) (QuoteStream, error)

	BuyBlitz(ctx context.Context, activeID int, dir domain.Direction, expirationSec int, amount decimal.Decimal, balanceID int) (PlacedOption, error)

	Shutdown(ctx context.Context) error
}

// Dialer opens a new authenticated SDK connection with a stored ssid.
type Dialer interface {
	Dial(ctx context.Context, wsURL string, appID int, ssid string) (Client, error)
}
