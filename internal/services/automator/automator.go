// Package automator runs the analyze-then-trade loop: classify a chart
// image with the vision model, map the verdict to an option direction and
// submit the buy, retrying the whole cycle a bounded number of times.
package automator

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"tradebridge/internal/domain"
	"tradebridge/internal/storage/journal"
)

const (
	maxAttempts   = 5
	attemptPause  = 200 * time.Millisecond
	settlePadding = 3 * time.Second
)

// Statuses of a finished automation run. Exhausting every attempt is a
// terminal outcome, not an error.
const (
	StatusExecuted      = "executed"
	StatusNoFunds       = "insufficient_funds"
	StatusNoValidResult = "no_valid_result"
)

// Vision classifies chart images.
type Vision interface {
	Classify(ctx context.Context, imageRef string) (domain.VisionDecision, error)
}

// Buyer submits option purchases.
type Buyer interface {
	Buy(ctx context.Context, userID string, req domain.BuyRequest) (domain.TradeResult, error)
}

// Journal records run outcomes. Persistence failures never fail the run.
type Journal interface {
	Save(entry journal.Entry) error
}

// Result is the outcome payload of one automation run.
type Result struct {
	Status         string  `json:"status"`
	Direction      string  `json:"direction,omitempty"`
	Probability    float64 `json:"probability,omitempty"`
	Explanation    string  `json:"explanation,omitempty"`
	Price          string  `json:"price,omitempty"`
	OpenQuoteValue float64 `json:"openQuoteValue,omitempty"`
	Spread         float64 `json:"spread,omitempty"`
	DurationMs     int64   `json:"durationMs,omitempty"`
	HourOpen       string  `json:"hourOpen,omitempty"`
	Attempts       int     `json:"attempts"`
}

// Automator drives the vision-to-buy cycle.
type Automator struct {
	vision  Vision
	buyer   Buyer
	journal Journal
	logger  *zap.Logger
	market  *time.Location

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates the automator. journal may be nil.
func New(vision Vision, buyer Buyer, jrnl Journal, logger *zap.Logger) *Automator {
	loc, err := time.LoadLocation("America/Sao_Paulo")
	if err != nil {
		loc = time.UTC
	}
	return &Automator{
		vision:  vision,
		buyer:   buyer,
		journal: jrnl,
		logger:  logger,
		market:  loc,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Run executes one automation cycle for the given chart image. The first
// form row selects the instrument, stake and expiration; its invert flag
// flips the model's recommendation before trading.
func (a *Automator) Run(ctx context.Context, userID, imageRef string, form []domain.FormRow) (Result, error) {
	if len(form) == 0 || form[0].Instrument == "" {
		return Result{}, errors.Wrap(domain.ErrInvalidArgument, "form requires an instrument row")
	}
	if imageRef == "" {
		return Result{}, errors.Wrap(domain.ErrInvalidArgument, "image reference is required")
	}
	row := form[0]

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := a.attempt(ctx, userID, imageRef, row, attempt)
		if err == nil {
			a.record(userID, row, result)
			return result, nil
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}

		lastErr = err
		a.logger.Warn("automation attempt failed",
			zap.String("user_id", userID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt < maxAttempts {
			if err := a.sleep(ctx, attemptPause); err != nil {
				return Result{}, err
			}
		}
	}

	a.logger.Error("automation exhausted all attempts",
		zap.String("user_id", userID),
		zap.Error(lastErr))
	out := Result{Status: StatusNoValidResult, Attempts: maxAttempts}
	a.record(userID, row, out)
	return out, nil
}

func (a *Automator) attempt(ctx context.Context, userID, imageRef string, row domain.FormRow, attempt int) (Result, error) {
	decision, err := a.vision.Classify(ctx, imageRef)
	if err != nil {
		return Result{}, errors.Wrap(err, "classify chart")
	}

	recommendation := decision.Recommendation
	if row.Invert {
		recommendation = recommendation.Invert()
	}

	trade, err := a.buyer.Buy(ctx, userID, domain.BuyRequest{
		Instrument:     row.Instrument,
		Direction:      recommendation.Direction(),
		Amount:         row.Amount,
		ExpirationHint: row.ExpirationHint,
		HasExpiration:  row.HasExpiration,
		Balance:        row.Balance,
	})
	if err != nil {
		return Result{}, errors.Wrap(err, "submit trade")
	}
	if !trade.FundsAvailable {
		// no point retrying a balance that won't grow on its own
		return Result{Status: StatusNoFunds, Attempts: attempt}, nil
	}

	return Result{
		Status:         StatusExecuted,
		Direction:      string(trade.Direction),
		Probability:    decision.Probability,
		Explanation:    decision.Explanation,
		Price:          trade.OpenPrice.String(),
		OpenQuoteValue: trade.OpenQuoteValue,
		Spread:         trade.Instrument.ProfitCommissionPercent,
		DurationMs:     trade.ExpiredAt.Sub(trade.OpenedAt).Milliseconds() + settlePadding.Milliseconds(),
		HourOpen:       trade.OpenedAt.In(a.market).Format("15:04:05"),
		Attempts:       attempt,
	}, nil
}

func (a *Automator) record(userID string, row domain.FormRow, res Result) {
	if a.journal == nil {
		return
	}
	err := a.journal.Save(journal.Entry{
		UserID:      userID,
		Instrument:  row.Instrument,
		Direction:   res.Direction,
		Probability: res.Probability,
		Explanation: res.Explanation,
		Outcome:     res.Status,
		Attempts:    res.Attempts,
		At:          time.Now(),
	})
	if err != nil {
		a.logger.Warn("journal write failed", zap.String("user_id", userID), zap.Error(err))
	}
}
