package marketdata

import (
	"context"

	"github.com/pkg/errors"

	"tradebridge/internal/domain"
)

// ListBalances returns every account balance of the user's session.
func (s *Service) ListBalances(ctx context.Context, userID string) ([]domain.Balance, error) {
	client, err := s.sessions.Resolve(ctx, userID)
	if err != nil {
		return nil, err
	}
	return client.Balances(ctx)
}

// FindBalanceByType returns the first balance of the given type, or
// ErrNoBalanceAvailable.
func (s *Service) FindBalanceByType(ctx context.Context, userID string, typ domain.BalanceType) (domain.Balance, error) {
	balances, err := s.ListBalances(ctx, userID)
	if err != nil {
		return domain.Balance{}, err
	}
	for _, b := range balances {
		if b.Type == typ {
			return b, nil
		}
	}
	return domain.Balance{}, errors.Wrapf(domain.ErrNoBalanceAvailable, "no %s balance", typ)
}

// FindBalanceByID returns the balance with the given id, or
// ErrNoBalanceAvailable.
func (s *Service) FindBalanceByID(ctx context.Context, userID string, id int) (domain.Balance, error) {
	balances, err := s.ListBalances(ctx, userID)
	if err != nil {
		return domain.Balance{}, err
	}
	for _, b := range balances {
		if b.ID == id {
			return b, nil
		}
	}
	return domain.Balance{}, errors.Wrapf(domain.ErrNoBalanceAvailable, "no balance with id %d", id)
}

// ResetDemoBalance restores the demo account to its initial amount.
func (s *Service) ResetDemoBalance(ctx context.Context, userID string) error {
	client, err := s.sessions.Resolve(ctx, userID)
	if err != nil {
		return err
	}
	return client.ResetDemoBalance(ctx)
}
