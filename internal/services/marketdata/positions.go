package marketdata

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"tradebridge/internal/broker"
	"tradebridge/internal/domain"
)

// Positions returns all open positions.
func (s *Service) Positions(ctx context.Context, userID string) ([]broker.Position, error) {
	client, err := s.sessions.Resolve(ctx, userID)
	if err != nil {
		return nil, err
	}
	return client.Positions(ctx)
}

// PositionsByInstrumentType filters open positions by instrument type.
func (s *Service) PositionsByInstrumentType(ctx context.Context, userID, instrumentType string) ([]broker.Position, error) {
	all, err := s.Positions(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]broker.Position, 0, len(all))
	for _, p := range all {
		if p.InstrumentType == instrumentType {
			out = append(out, p)
		}
	}
	return out, nil
}

// PositionsHistory returns closed positions.
func (s *Service) PositionsHistory(ctx context.Context, userID string) ([]broker.Position, error) {
	client, err := s.sessions.Resolve(ctx, userID)
	if err != nil {
		return nil, err
	}
	return client.PositionsHistory(ctx)
}

// SellPosition closes the open position with the given external id. Returns
// false when no such position exists.
func (s *Service) SellPosition(ctx context.Context, userID string, externalID int64) (bool, error) {
	client, err := s.sessions.Resolve(ctx, userID)
	if err != nil {
		return false, err
	}
	positions, err := client.Positions(ctx)
	if err != nil {
		return false, err
	}
	for _, p := range positions {
		if p.ExternalID == externalID {
			if err := client.SellPosition(ctx, externalID); err != nil {
				return false, errors.Wrap(err, "sell position")
			}
			return true, nil
		}
	}
	return false, nil
}

// PnLInfo reports net profit and sell profit for an open position, or
// ok=false when the position is unknown.
func (s *Service) PnLInfo(ctx context.Context, userID string, externalID int64) (pnlNet, sellProfit decimal.Decimal, ok bool, err error) {
	positions, err := s.Positions(ctx, userID)
	if err != nil {
		return decimal.Zero, decimal.Zero, false, err
	}
	for _, p := range positions {
		if p.ExternalID == externalID {
			return p.PnLNet, p.SellProfit, true, nil
		}
	}
	return decimal.Zero, decimal.Zero, false, nil
}

// CurrentQuote returns a snapshot of the instrument's current quote.
func (s *Service) CurrentQuote(ctx context.Context, userID string, activeID int) (domain.QuoteTick, error) {
	if activeID == 0 {
		return domain.QuoteTick{}, errors.Wrap(domain.ErrInvalidArgument, "activeId is required")
	}
	client, err := s.sessions.Resolve(ctx, userID)
	if err != nil {
		return domain.QuoteTick{}, err
	}
	stream, err := client.CurrentQuote(ctx, activeID)
	if err != nil {
		return domain.QuoteTick{}, errors.Wrap(err, "current quote")
	}
	return stream.Current(), nil
}
