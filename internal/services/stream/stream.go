// Package stream converts the broker SDK's push-subscription primitive into
// cancellable event channels: a raw quote stream and a rolling OHLC candle
// stream aggregated incrementally from ticks.
package stream

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"tradebridge/internal/broker"
	"tradebridge/internal/domain"
)

// eventBuffer absorbs bursts between upstream pushes and channel reads.
const eventBuffer = 64

// Registry resolves per-user broker sessions.
type Registry interface {
	Resolve(ctx context.Context, userID string) (broker.Client, error)
}

// Service owns live streaming subscriptions. Each call holds exactly one
// upstream subscription and tears it down on every exit path.
type Service struct {
	sessions Registry
	logger   *zap.Logger
}

// NewService creates the streaming service.
func NewService(sessions Registry, logger *zap.Logger) *Service {
	return &Service{sessions: sessions, logger: logger}
}

// StreamQuote emits the current quote immediately, then one event per
// upstream update, until ctx is cancelled. Cancelling other subscriptions
// on the same session is unaffected.
func (s *Service) StreamQuote(ctx context.Context, userID string, activeID int) (<-chan domain.QuoteEvent, error) {
	stream, err := s.subscribeQuote(ctx, userID, activeID)
	if err != nil {
		return nil, err
	}

	out := make(chan domain.QuoteEvent, eventBuffer)
	ticks := make(chan domain.QuoteTick, eventBuffer)
	unsubscribe := stream.Subscribe(func(t domain.QuoteTick) {
		select {
		case ticks <- t:
		default:
			// slow consumer: drop the tick, the next update supersedes it
		}
	})

	go func() {
		defer close(out)
		defer unsubscribe()

		emit := func(t domain.QuoteTick) bool {
			select {
			case out <- quoteEvent(t):
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !emit(stream.Current()) {
			return
		}
		for {
			select {
			case t := <-ticks:
				if !emit(t) {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// StreamRollingCandle aggregates ticks into fixed windows of windowSeconds,
// emitting a closed event at each rollover and a partial event after every
// tick. Consecutive windows are contiguous: a new window opens at the old
// window's end, seeded from the last known price.
func (s *Service) StreamRollingCandle(ctx context.Context, userID string, activeID, windowSeconds int) (<-chan domain.CandleEvent, error) {
	if windowSeconds <= 0 {
		return nil, errors.Wrap(domain.ErrInvalidArgument, "window size must be positive")
	}
	stream, err := s.subscribeQuote(ctx, userID, activeID)
	if err != nil {
		return nil, err
	}

	out := make(chan domain.CandleEvent, eventBuffer)
	ticks := make(chan domain.QuoteTick, eventBuffer)
	unsubscribe := stream.Subscribe(func(t domain.QuoteTick) {
		select {
		case ticks <- t:
		default:
		}
	})

	go func() {
		defer close(out)
		defer unsubscribe()

		agg := newAggregator(int64(windowSeconds) * 1000)
		emit := func(e domain.CandleEvent) bool {
			select {
			case out <- e:
				return true
			case <-ctx.Done():
				return false
			}
		}

		handle := func(t domain.QuoteTick) bool {
			for _, e := range agg.apply(t) {
				if !emit(e) {
					return false
				}
			}
			return true
		}

		if !handle(stream.Current()) {
			return
		}
		for {
			select {
			case t := <-ticks:
				if !handle(t) {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// subscribeQuote validates input, resolves the session and obtains the
// upstream quote stream. Nothing is subscribed if any step fails.
func (s *Service) subscribeQuote(ctx context.Context, userID string, activeID int) (broker.QuoteStream, error) {
	if activeID == 0 {
		return nil, errors.Wrap(domain.ErrInvalidArgument, "activeId is required")
	}
	client, err := s.sessions.Resolve(ctx, userID)
	if err != nil {
		return nil, err
	}
	stream, err := client.CurrentQuote(ctx, activeID)
	if err != nil {
		return nil, errors.Wrap(err, "subscribe quote")
	}
	return stream, nil
}

func quoteEvent(t domain.QuoteTick) domain.QuoteEvent {
	ts := t.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return domain.QuoteEvent{
		ActiveID: t.ActiveID,
		Time:     ts.UTC().Format(time.RFC3339Nano),
		Bid:      t.Bid,
		Ask:      t.Ask,
		Value:    t.Value,
		Phase:    t.Phase,
	}
}

// aggregator is the rolling candle bucket for one subscription. All fields
// are in epoch milliseconds; exactly one goroutine touches it.
type aggregator struct {
	windowMs  int64
	start     int64
	open      float64
	high      float64
	low       float64
	tickCount int
	lastClose float64
	started   bool
}

func newAggregator(windowMs int64) *aggregator {
	return &aggregator{windowMs: windowMs}
}

// apply folds one tick into the bucket and returns the events to emit: an
// optional closed candle (on rollover) followed by the partial state.
func (a *aggregator) apply(t domain.QuoteTick) []domain.CandleEvent {
	ts := t.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	now := ts.UnixMilli()
	v := t.Value

	var events []domain.CandleEvent

	if !a.started {
		a.started = true
		a.start = now - now%a.windowMs
		a.open, a.high, a.low = v, v, v
		a.lastClose = v
		a.tickCount = 0
	}

	end := a.start + a.windowMs
	if now >= end {
		events = append(events, domain.CandleEvent{
			From:   a.start / 1000,
			To:     end / 1000,
			Open:   a.open,
			Close:  a.lastClose,
			Min:    a.low,
			Max:    a.high,
			Volume: a.tickCount,
		})
		// the next window starts where the old one ended, seeded from the
		// last known price so consecutive windows stay gapless
		a.start = end
		a.open, a.high, a.low = a.lastClose, a.lastClose, a.lastClose
		a.tickCount = 0
	}

	a.lastClose = v
	if v > a.high {
		a.high = v
	}
	if v < a.low {
		a.low = v
	}
	a.tickCount++

	events = append(events, domain.CandleEvent{
		Partial: true,
		From:    a.start / 1000,
		To:      (a.start + a.windowMs) / 1000,
		Open:    a.open,
		Close:   v,
		Min:     a.low,
		Max:     a.high,
		Volume:  a.tickCount,
	})
	return events
}
