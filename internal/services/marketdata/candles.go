package marketdata

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"tradebridge/internal/broker"
	"tradebridge/internal/domain"
)

const defaultCandleCount = 200

// GetCandles fetches historical candles with a three-tier fallback: the
// broker occasionally rejects a fully-specified query while accepting an
// equivalent minimal one, and a stale session is a separate recoverable
// cause. Only the 4000-class termination signal advances the plan chain;
// any other failure surfaces immediately.
func (s *Service) GetCandles(ctx context.Context, userID string, q domain.CandleQuery) ([]domain.Candle, error) {
	full, minimal, err := buildCandlePlans(q)
	if err != nil {
		return nil, err
	}

	client, err := s.sessions.Resolve(ctx, userID)
	if err != nil {
		return nil, err
	}

	candles, err := client.Candles(ctx, q.ActiveID, q.Size, full)
	if err == nil {
		return candles, nil
	}
	if !broker.IsTerminated(err) {
		return nil, errors.Wrap(err, "get candles")
	}
	s.logger.Warn("full candle query terminated, retrying with minimal options",
		zap.Int("active_id", q.ActiveID), zap.Error(err))

	candles, err = client.Candles(ctx, q.ActiveID, q.Size, minimal)
	if err == nil {
		return candles, nil
	}
	if !broker.IsTerminated(err) {
		return nil, errors.Wrap(err, "get candles (minimal)")
	}
	s.logger.Warn("minimal candle query terminated, recreating session",
		zap.Int("active_id", q.ActiveID), zap.Error(err))

	s.sessions.Invalidate(ctx, userID)
	client, err = s.sessions.Resolve(ctx, userID)
	if err != nil {
		return nil, err
	}

	candles, err = client.Candles(ctx, q.ActiveID, q.Size, minimal)
	if err != nil {
		return nil, errors.Wrap(err, "get candles (fresh session)")
	}
	return candles, nil
}

// buildCandlePlans coerces the query and produces the full and minimal
// option sets of the fallback chain.
func buildCandlePlans(q domain.CandleQuery) (full, minimal broker.CandleOptions, err error) {
	from, _, err := domain.ParseTimestampMs(q.From)
	if err != nil {
		return full, minimal, err
	}
	to, _, err := domain.ParseTimestampMs(q.To)
	if err != nil {
		return full, minimal, err
	}

	count := q.Count
	if count <= 0 {
		count = defaultCandleCount
	}
	onlyClosed := true
	if q.OnlyClosed != nil {
		onlyClosed = *q.OnlyClosed
	}

	full = broker.CandleOptions{
		From:               from,
		To:                 to,
		FromID:             q.FromID,
		ToID:               q.ToID,
		Count:              count,
		Backoff:            q.Backoff,
		OnlyClosed:         onlyClosed,
		Kind:               q.Kind,
		SplitNormalization: q.SplitNormalization,
	}
	minimal = broker.CandleOptions{
		From:       from,
		To:         to,
		Count:      count,
		OnlyClosed: true,
	}
	return full, minimal, nil
}
