// Package buy validates a buy request, resolves balance, instrument and
// expiration against the user's broker session, submits the trade and
// normalizes the result.
package buy

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradebridge/internal/broker"
	"tradebridge/internal/domain"
)

const defaultOptionLifetime = 60 * time.Second

// Registry resolves per-user broker sessions.
type Registry interface {
	Resolve(ctx context.Context, userID string) (broker.Client, error)
}

// Executor performs option buys.
type Executor struct {
	sessions Registry
	logger   *zap.Logger
}

// NewExecutor creates the buy executor.
func NewExecutor(sessions Registry, logger *zap.Logger) *Executor {
	return &Executor{sessions: sessions, logger: logger}
}

// Buy executes one option purchase. Insufficient funds is a normal outcome:
// the result carries FundsAvailable=false and no trade is submitted.
func (e *Executor) Buy(ctx context.Context, userID string, req domain.BuyRequest) (domain.TradeResult, error) {
	if !req.Amount.GreaterThan(decimal.Zero) {
		return domain.TradeResult{}, errors.Wrap(domain.ErrInvalidArgument, "amount must be positive")
	}

	client, err := e.sessions.Resolve(ctx, userID)
	if err != nil {
		return domain.TradeResult{}, err
	}

	balance, err := resolveBalance(ctx, client, req.Balance)
	if err != nil {
		return domain.TradeResult{}, err
	}

	if !balance.Amount.GreaterThan(req.Amount) {
		e.logger.Info("insufficient funds, buy not submitted",
			zap.String("user_id", userID),
			zap.String("amount", req.Amount.String()),
			zap.String("balance", balance.Amount.String()))
		return domain.TradeResult{FundsAvailable: false}, nil
	}

	active, now, err := e.resolveInstrument(ctx, client, req.Instrument)
	if err != nil {
		return domain.TradeResult{}, err
	}
	if !active.CanBeBoughtAt(now) {
		return domain.TradeResult{}, errors.Wrapf(domain.ErrInstrumentUnavailable, "%s (id=%d)", active.Ticker, active.ID)
	}

	expiration := normalizeExpiration(req.ExpirationHint, req.HasExpiration, active.ExpirationTimes)
	if expiration <= 0 {
		return domain.TradeResult{}, errors.Wrapf(domain.ErrNoExpirationAvailable, "instrument %s", active.Ticker)
	}

	e.logger.Debug("submitting buy",
		zap.String("user_id", userID),
		zap.Int("active_id", active.ID),
		zap.String("direction", string(req.Direction)),
		zap.Int("expiration_sec", expiration),
		zap.String("amount", req.Amount.String()))

	option, err := client.BuyBlitz(ctx, active.ID, req.Direction, expiration, req.Amount, balance.ID)
	if err != nil {
		return domain.TradeResult{}, errors.Wrap(err, "buy option")
	}

	openedAt := option.OpenedAt
	if openedAt.IsZero() {
		openedAt = time.Now()
	}
	expiredAt := option.ExpiredAt
	if expiredAt.IsZero() {
		expiredAt = openedAt.Add(defaultOptionLifetime)
	}
	openPrice := option.Price
	if openPrice.IsZero() {
		openPrice = req.Amount
	}

	return domain.TradeResult{
		FundsAvailable: true,
		OptionID:       option.ID,
		OpenedAt:       openedAt,
		ExpiredAt:      expiredAt,
		OpenPrice:      openPrice,
		OpenQuoteValue: option.OpenQuoteValue,
		Direction:      req.Direction,
		Instrument:     active,
	}, nil
}

// resolveBalance picks the account to draw from: explicit id, then
// requested type, then first available.
func resolveBalance(ctx context.Context, client broker.Client, sel domain.BalanceSelector) (domain.Balance, error) {
	balances, err := client.Balances(ctx)
	if err != nil {
		return domain.Balance{}, errors.Wrap(err, "list balances")
	}

	if sel.BalanceID != 0 {
		for _, b := range balances {
			if b.ID == sel.BalanceID {
				return b, nil
			}
		}
	}
	if sel.BalanceType != "" {
		for _, b := range balances {
			if b.Type == sel.BalanceType {
				return b, nil
			}
		}
	}
	if len(balances) > 0 {
		return balances[0], nil
	}
	return domain.Balance{}, errors.Wrap(domain.ErrNoBalanceAvailable, "account has no balances")
}

// resolveInstrument selects the target: id match, then case-insensitive
// ticker match, then first available.
func (e *Executor) resolveInstrument(ctx context.Context, client broker.Client, selector string) (domain.ActiveSummary, time.Time, error) {
	actives, err := client.Actives(ctx, domain.KindBlitz)
	if err != nil {
		return domain.ActiveSummary{}, time.Time{}, errors.Wrap(err, "list instruments")
	}
	if len(actives) == 0 {
		return domain.ActiveSummary{}, time.Time{}, errors.Wrap(domain.ErrInstrumentNotFound, "empty instrument list")
	}

	now, err := client.CurrentTime(ctx)
	if err != nil {
		now = time.Now()
	}

	for _, a := range actives {
		if strconv.Itoa(a.ID) == selector {
			return a, now, nil
		}
	}
	for _, a := range actives {
		if strings.EqualFold(a.Ticker, selector) {
			return a, now, nil
		}
	}
	return actives[0], now, nil
}
