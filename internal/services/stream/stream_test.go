package stream

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tradebridge/internal/broker"
	"tradebridge/internal/broker/brokertest"
	"tradebridge/internal/domain"
)

type registryStub struct {
	client broker.Client
	err    error
}

func (r *registryStub) Resolve(_ context.Context, _ string) (broker.Client, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.client, nil
}

func tick(activeID int, at time.Time, value float64) domain.QuoteTick {
	return domain.QuoteTick{ActiveID: activeID, Time: at, Value: value}
}

func TestRollingCandleTwoAndAHalfWindows(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) // aligned to the minute
	agg := newAggregator(60_000)

	// strictly increasing ticks spanning 2.5 windows of 60s
	inputs := []struct {
		offset time.Duration
		value  float64
	}{
		{0, 100},
		{20 * time.Second, 105},
		{40 * time.Second, 95},
		{59 * time.Second, 101}, // last tick of window 1
		{61 * time.Second, 110},
		{90 * time.Second, 90},
		{119 * time.Second, 104}, // last tick of window 2
		{121 * time.Second, 99},
		{150 * time.Second, 102},
	}

	var closed []domain.CandleEvent
	var partials []domain.CandleEvent
	for _, in := range inputs {
		for _, e := range agg.apply(tick(1, base.Add(in.offset), in.value)) {
			if e.Partial {
				partials = append(partials, e)
			} else {
				closed = append(closed, e)
			}
		}
	}

	require.Len(t, closed, 2, "2.5 windows close exactly twice")
	assert.Len(t, partials, len(inputs), "every tick yields a partial event")

	first, second := closed[0], closed[1]
	assert.Equal(t, base.Unix(), first.From)
	assert.Equal(t, base.Add(time.Minute).Unix(), first.To)
	assert.Equal(t, 100.0, first.Open)
	assert.Equal(t, 101.0, first.Close, "close is the last tick strictly before the window end")
	assert.Equal(t, 95.0, first.Min)
	assert.Equal(t, 105.0, first.Max)
	assert.Equal(t, 4, first.Volume)

	assert.Equal(t, first.To, second.From, "windows are contiguous")
	assert.Equal(t, 101.0, second.Open, "next window opens at the previous close")
	assert.Equal(t, 104.0, second.Close)
	assert.Equal(t, 90.0, second.Min)
	assert.Equal(t, 110.0, second.Max)
}

func TestRollingCandleUnalignedFirstTick(t *testing.T) {
	agg := newAggregator(60_000)
	at := time.Date(2024, 3, 1, 12, 0, 42, 0, time.UTC)

	events := agg.apply(tick(1, at, 50))
	require.Len(t, events, 1)
	partial := events[0]
	assert.True(t, partial.Partial)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC).Unix(), partial.From,
		"window start is truncated to the boundary")
}

func TestStreamQuoteEmitsCurrentThenUpdates(t *testing.T) {
	qs := brokertest.NewQuoteStream(tick(5, time.Now(), 1.5))
	client := &brokertest.Client{QuoteStreams: map[int]*brokertest.QuoteStream{5: qs}}
	svc := NewService(&registryStub{client: client}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := svc.StreamQuote(ctx, "u1", 5)
	require.NoError(t, err)

	first := <-events
	assert.Equal(t, 1.5, first.Value)

	qs.Push(tick(5, time.Now(), 1.6))
	second := <-events
	assert.Equal(t, 1.6, second.Value)
}

func TestStreamQuoteCancellationUnsubscribes(t *testing.T) {
	qs := brokertest.NewQuoteStream(tick(5, time.Now(), 1.5))
	client := &brokertest.Client{QuoteStreams: map[int]*brokertest.QuoteStream{5: qs}}
	svc := NewService(&registryStub{client: client}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	events, err := svc.StreamQuote(ctx, "u1", 5)
	require.NoError(t, err)

	<-events
	cancel()

	assert.Eventually(t, func() bool {
		return qs.SubscriberCount() == 0
	}, time.Second, 5*time.Millisecond, "cancellation must release the upstream listener")
}

func TestStreamQuoteRejectsZeroActiveID(t *testing.T) {
	svc := NewService(&registryStub{client: &brokertest.Client{}}, zap.NewNop())

	_, err := svc.StreamQuote(context.Background(), "u1", 0)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestStreamConnectionFailureSubscribesNothing(t *testing.T) {
	svc := NewService(&registryStub{err: errors.New("broker down")}, zap.NewNop())

	_, err := svc.StreamRollingCandle(context.Background(), "u1", 5, 60)
	assert.Error(t, err)
}

func TestStreamRollingCandleEndToEnd(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	qs := brokertest.NewQuoteStream(tick(5, base, 100))
	client := &brokertest.Client{QuoteStreams: map[int]*brokertest.QuoteStream{5: qs}}
	svc := NewService(&registryStub{client: client}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := svc.StreamRollingCandle(ctx, "u1", 5, 60)
	require.NoError(t, err)

	first := <-events
	assert.True(t, first.Partial)
	assert.Equal(t, 100.0, first.Close)

	qs.Push(tick(5, base.Add(61*time.Second), 110))
	closedEvt := <-events
	assert.False(t, closedEvt.Partial)
	assert.Equal(t, 100.0, closedEvt.Close)

	partial := <-events
	assert.True(t, partial.Partial)
	assert.Equal(t, 110.0, partial.Close)
}
