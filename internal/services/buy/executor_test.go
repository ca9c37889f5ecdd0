package buy

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tradebridge/internal/broker"
	"tradebridge/internal/broker/brokertest"
	"tradebridge/internal/domain"
)

type registryStub struct {
	client broker.Client
}

func (r *registryStub) Resolve(_ context.Context, _ string) (broker.Client, error) {
	return r.client, nil
}

func tradableClient(balanceAmount string) *brokertest.Client {
	return &brokertest.Client{
		BalanceSet: []domain.Balance{
			{ID: 10, Type: domain.BalanceDemo, Amount: decimal.RequireFromString(balanceAmount)},
		},
		ActivesByKind: map[domain.Kind][]domain.ActiveSummary{
			domain.KindBlitz: {
				{ID: 1, Ticker: "EURUSD", ExpirationTimes: []int{5, 10, 15}},
				{ID: 2, Ticker: "GBPUSD", ExpirationTimes: []int{30}},
			},
		},
	}
}

func buyReq(amount string) domain.BuyRequest {
	return domain.BuyRequest{
		Instrument: "EURUSD",
		Direction:  domain.DirectionCall,
		Amount:     decimal.RequireFromString(amount),
	}
}

func TestBuyRejectsNonPositiveAmount(t *testing.T) {
	exec := NewExecutor(&registryStub{client: tradableClient("100")}, zap.NewNop())

	_, err := exec.Buy(context.Background(), "u1", buyReq("0"))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestBuyEqualFundsIsNotSubmitted(t *testing.T) {
	client := tradableClient("100")
	exec := NewExecutor(&registryStub{client: client}, zap.NewNop())

	res, err := exec.Buy(context.Background(), "u1", buyReq("100"))
	require.NoError(t, err, "insufficient funds is an outcome, not an error")
	assert.False(t, res.FundsAvailable)
	assert.Zero(t, client.BuyCalls)
}

func TestBuyJustBelowBalanceIsSubmitted(t *testing.T) {
	client := tradableClient("100")
	exec := NewExecutor(&registryStub{client: client}, zap.NewNop())

	res, err := exec.Buy(context.Background(), "u1", buyReq("99.99"))
	require.NoError(t, err)
	assert.True(t, res.FundsAvailable)
	assert.Equal(t, 1, client.BuyCalls)
}

func TestBuyNoBalances(t *testing.T) {
	client := &brokertest.Client{}
	exec := NewExecutor(&registryStub{client: client}, zap.NewNop())

	_, err := exec.Buy(context.Background(), "u1", buyReq("10"))
	assert.ErrorIs(t, err, domain.ErrNoBalanceAvailable)
}

func TestBuyEmptyInstrumentList(t *testing.T) {
	client := tradableClient("100")
	client.ActivesByKind[domain.KindBlitz] = nil
	exec := NewExecutor(&registryStub{client: client}, zap.NewNop())

	_, err := exec.Buy(context.Background(), "u1", buyReq("10"))
	assert.ErrorIs(t, err, domain.ErrInstrumentNotFound)
}

func TestBuySuspendedInstrument(t *testing.T) {
	client := tradableClient("100")
	client.ActivesByKind[domain.KindBlitz] = []domain.ActiveSummary{
		{ID: 1, Ticker: "EURUSD", IsSuspended: true},
	}
	exec := NewExecutor(&registryStub{client: client}, zap.NewNop())

	_, err := exec.Buy(context.Background(), "u1", buyReq("10"))
	assert.ErrorIs(t, err, domain.ErrInstrumentUnavailable)
}

func TestBuySelectsInstrumentByIDThenTickerThenFirst(t *testing.T) {
	client := tradableClient("100")
	var bought []int
	client.BuyFn = func(activeID int, dir domain.Direction, exp int, amount decimal.Decimal, balanceID int) (broker.PlacedOption, error) {
		bought = append(bought, activeID)
		return broker.PlacedOption{ID: 1}, nil
	}
	exec := NewExecutor(&registryStub{client: client}, zap.NewNop())

	req := buyReq("10")
	req.Instrument = "2"
	_, err := exec.Buy(context.Background(), "u1", req)
	require.NoError(t, err)

	req.Instrument = "gbpusd"
	_, err = exec.Buy(context.Background(), "u1", req)
	require.NoError(t, err)

	req.Instrument = "unknown"
	_, err = exec.Buy(context.Background(), "u1", req)
	require.NoError(t, err)

	assert.Equal(t, []int{2, 2, 1}, bought)
}

func TestBuyDefaultsExpiredAt(t *testing.T) {
	client := tradableClient("100")
	opened := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	client.BuyFn = func(activeID int, dir domain.Direction, exp int, amount decimal.Decimal, balanceID int) (broker.PlacedOption, error) {
		return broker.PlacedOption{ID: 7, OpenedAt: opened}, nil
	}
	exec := NewExecutor(&registryStub{client: client}, zap.NewNop())

	res, err := exec.Buy(context.Background(), "u1", buyReq("10"))
	require.NoError(t, err)
	assert.Equal(t, opened.Add(60*time.Second), res.ExpiredAt)
	assert.Equal(t, "10", res.OpenPrice.String(), "price defaults to the entry amount")
}

func TestBuyUsesExplicitBalanceID(t *testing.T) {
	client := tradableClient("100")
	client.BalanceSet = append(client.BalanceSet, domain.Balance{
		ID: 20, Type: domain.BalanceReal, Amount: decimal.RequireFromString("5000"),
	})
	var usedBalance int
	client.BuyFn = func(activeID int, dir domain.Direction, exp int, amount decimal.Decimal, balanceID int) (broker.PlacedOption, error) {
		usedBalance = balanceID
		return broker.PlacedOption{ID: 1}, nil
	}
	exec := NewExecutor(&registryStub{client: client}, zap.NewNop())

	req := buyReq("10")
	req.Balance = domain.BalanceSelector{BalanceID: 20}
	_, err := exec.Buy(context.Background(), "u1", req)
	require.NoError(t, err)
	assert.Equal(t, 20, usedBalance)
}

func TestNormalizeExpiration(t *testing.T) {
	tests := []struct {
		name    string
		hint    float64
		hasHint bool
		allowed []int
		want    int
	}{
		{"millis hint converts to seconds", 10000, true, []int{5, 10, 15}, 10},
		{"nearest with tie favoring lower", 7, true, []int{5, 10, 15}, 5},
		{"no hint empty list defaults to 5", 0, false, nil, 5},
		{"no hint takes first supported", 0, false, []int{15, 30}, 15},
		{"exact match wins", 15, true, []int{5, 10, 15}, 15},
		{"no list uses hint as-is", 8, true, nil, 8},
		{"millis hint no list", 30000, true, nil, 30},
		{"rounded millis", 7400, true, []int{5, 10, 15}, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizeExpiration(tt.hint, tt.hasHint, tt.allowed))
		})
	}
}

func TestBuyZeroExpirationHintFails(t *testing.T) {
	client := tradableClient("100")
	client.ActivesByKind[domain.KindBlitz] = []domain.ActiveSummary{{ID: 1, Ticker: "EURUSD"}}
	exec := NewExecutor(&registryStub{client: client}, zap.NewNop())

	req := buyReq("10")
	req.ExpirationHint = 0
	req.HasExpiration = true
	_, err := exec.Buy(context.Background(), "u1", req)
	assert.ErrorIs(t, err, domain.ErrNoExpirationAvailable)
}
