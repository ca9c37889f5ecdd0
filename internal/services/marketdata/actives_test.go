package marketdata

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tradebridge/internal/broker/brokertest"
	"tradebridge/internal/domain"
)

func TestListActivesInvalidKind(t *testing.T) {
	svc := NewService(&registryStub{client: &brokertest.Client{}}, zap.NewNop())

	_, err := svc.ListActives(context.Background(), "u1", "exotic", "")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestListActivesUnsupportedKind(t *testing.T) {
	client := &brokertest.Client{
		ActivesByKind: map[domain.Kind][]domain.ActiveSummary{
			domain.KindBlitz: {{ID: 1, Ticker: "EURUSD"}},
		},
	}
	svc := NewService(&registryStub{client: client}, zap.NewNop())

	_, err := svc.ListActives(context.Background(), "u1", domain.KindDigital, "")
	assert.ErrorIs(t, err, domain.ErrUnsupportedCapability)
}

func TestListActivesInvalidAt(t *testing.T) {
	svc := NewService(&registryStub{client: &brokertest.Client{}}, zap.NewNop())

	_, err := svc.ListActives(context.Background(), "u1", domain.KindBlitz, "yesterday")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestListActivesFiltersByKind(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	open := []domain.ScheduleRange{{From: now.Add(-time.Hour), To: now.Add(time.Hour)}}
	closed := []domain.ScheduleRange{{From: now.Add(time.Hour), To: now.Add(2 * time.Hour)}}

	client := &brokertest.Client{
		Now: now,
		ActivesByKind: map[domain.Kind][]domain.ActiveSummary{
			domain.KindBlitz: {
				{ID: 1, Ticker: "EURUSD", Schedule: open},
				{ID: 2, Ticker: "GBPUSD", Schedule: closed},
				{ID: 3, Ticker: "USDJPY", IsSuspended: true, Schedule: open},
			},
			domain.KindTurbo: {
				{ID: 4, Ticker: "BTCUSD"},
				{ID: 5, Ticker: "ETHUSD", IsSuspended: true},
			},
		},
	}
	svc := NewService(&registryStub{client: client}, zap.NewNop())

	blitz, err := svc.ListActives(context.Background(), "u1", domain.KindBlitz, "")
	require.NoError(t, err)
	require.Len(t, blitz, 1)
	assert.Equal(t, 1, blitz[0].ID)
	assert.Equal(t, domain.KindBlitz, blitz[0].Kind)

	// turbo ignores the schedule, only suspension matters
	turbo, err := svc.ListActives(context.Background(), "u1", domain.KindTurbo, "")
	require.NoError(t, err)
	require.Len(t, turbo, 1)
	assert.Equal(t, 4, turbo[0].ID)
}

func TestListActivesExplicitAtOverridesBrokerClock(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	client := &brokertest.Client{
		Now: now,
		ActivesByKind: map[domain.Kind][]domain.ActiveSummary{
			domain.KindBlitz: {{
				ID:       1,
				Ticker:   "EURUSD",
				Schedule: []domain.ScheduleRange{{From: now.Add(2 * time.Hour), To: now.Add(3 * time.Hour)}},
			}},
		},
	}
	svc := NewService(&registryStub{client: client}, zap.NewNop())

	list, err := svc.ListActives(context.Background(), "u1", domain.KindBlitz,
		now.Add(150*time.Minute).Format(time.RFC3339))
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestListActivesAllDegradesFailingKinds(t *testing.T) {
	client := &brokertest.Client{
		ActivesByKind: map[domain.Kind][]domain.ActiveSummary{
			domain.KindBlitz: {{ID: 1, Ticker: "EURUSD"}},
			domain.KindTurbo: {{ID: 2, Ticker: "BTCUSD"}},
		},
	}
	svc := NewService(&registryStub{client: client}, zap.NewNop())

	all, err := svc.ListActivesAll(context.Background(), "u1")
	require.NoError(t, err, "aggregate listing never fails on a single kind")
	assert.Len(t, all, 2, "unsupported kinds degrade to empty lists")
}
