// Package marketdata exposes read-only projections over a user's broker
// session: instrument listings, candles, balances, positions and quote
// snapshots.
package marketdata

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tradebridge/internal/broker"
	"tradebridge/internal/domain"
)

// Registry resolves and invalidates per-user broker sessions.
type Registry interface {
	Resolve(ctx context.Context, userID string) (broker.Client, error)
	Invalidate(ctx context.Context, userID string)
}

// Service reads market data through the session registry.
type Service struct {
	sessions Registry
	logger   *zap.Logger
}

// NewService creates the market data service.
func NewService(sessions Registry, logger *zap.Logger) *Service {
	return &Service{sessions: sessions, logger: logger}
}

// ListActives returns instruments of one kind tradable at the given moment.
// "Now" comes from the broker's own clock unless at is supplied (RFC3339).
func (s *Service) ListActives(ctx context.Context, userID string, kind domain.Kind, at string) ([]domain.ActiveSummary, error) {
	if !domain.ValidKind(kind) {
		return nil, errors.Wrapf(domain.ErrInvalidArgument, "unknown instrument kind %q", kind)
	}

	client, err := s.sessions.Resolve(ctx, userID)
	if err != nil {
		return nil, err
	}

	when, err := s.resolveMoment(ctx, client, at)
	if err != nil {
		return nil, err
	}

	list, err := client.Actives(ctx, kind)
	if err != nil {
		if errors.Is(err, broker.ErrUnsupported) {
			return nil, errors.Wrapf(domain.ErrUnsupportedCapability, "kind %q", kind)
		}
		return nil, errors.Wrapf(err, "list %s actives", kind)
	}

	out := make([]domain.ActiveSummary, 0, len(list))
	for _, a := range list {
		if !s.tradableAt(kind, a, when) {
			continue
		}
		a.Kind = kind
		out = append(out, a)
	}
	return out, nil
}

// tradableAt applies the per-kind availability filter: blitz and the
// underlying kinds respect the trading schedule, turbo/binary only exclude
// suspended instruments.
func (s *Service) tradableAt(kind domain.Kind, a domain.ActiveSummary, when time.Time) bool {
	switch kind {
	case domain.KindTurbo, domain.KindBinary:
		return !a.IsSuspended
	default:
		return a.CanBeBoughtAt(when)
	}
}

func (s *Service) resolveMoment(ctx context.Context, client broker.Client, at string) (time.Time, error) {
	if at != "" {
		when, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return time.Time{}, errors.Wrapf(domain.ErrInvalidArgument, "unparseable at %q", at)
		}
		return when, nil
	}
	now, err := client.CurrentTime(ctx)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "broker clock")
	}
	return now, nil
}

// ListActivesAll fans out over every kind concurrently. A failing kind
// degrades to an empty list for that kind only.
func (s *Service) ListActivesAll(ctx context.Context, userID string) ([]domain.ActiveSummary, error) {
	var (
		mu  sync.Mutex
		out []domain.ActiveSummary
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, kind := range domain.AllKinds() {
		kind := kind
		g.Go(func() error {
			list, err := s.ListActives(gctx, userID, kind, "")
			if err != nil {
				s.logger.Warn("listing kind failed, degrading to empty",
					zap.String("kind", string(kind)), zap.Error(err))
				return nil
			}
			mu.Lock()
			out = append(out, list...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return out, nil
}
