// Package brokertest provides configurable in-memory fakes for the broker
// SDK contracts, shared by service tests.
package brokertest

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradebridge/internal/broker"
	"tradebridge/internal/domain"
)

// Client is a scriptable broker.Client. Zero value is usable; set the
// fields a test cares about.
type Client struct {
	mu sync.Mutex

	Now        time.Time
	TimeErr    error
	TimeCalls  int
	BalanceSet []domain.Balance
	BalanceErr error

	ActivesByKind map[domain.Kind][]domain.ActiveSummary
	ActivesErr    map[domain.Kind]error

	CandleFn    func(opts broker.CandleOptions) ([]domain.Candle, error)
	CandleCalls []broker.CandleOptions

	QuoteStreams map[int]*QuoteStream
	QuoteErr     error

	BuyFn       func(activeID int, dir domain.Direction, expirationSec int, amount decimal.Decimal, balanceID int) (broker.PlacedOption, error)
	BuyCalls    int
	PositionSet []broker.Position

	ShutdownCalls int
	Closed        bool
}

var _ broker.Client = (*Client)(nil)

func (c *Client) CurrentTime(ctx context.Context) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.TimeCalls++
	if c.TimeErr != nil {
		return time.Time{}, c.TimeErr
	}
	if c.Now.IsZero() {
		return time.Now(), nil
	}
	return c.Now, nil
}

func (c *Client) Balances(ctx context.Context) ([]domain.Balance, error) {
	if c.BalanceErr != nil {
		return nil, c.BalanceErr
	}
	return c.BalanceSet, nil
}

func (c *Client) ResetDemoBalance(ctx context.Context) error { return nil }

func (c *Client) Positions(ctx context.Context) ([]broker.Position, error) {
	return c.PositionSet, nil
}

func (c *Client) PositionsHistory(ctx context.Context) ([]broker.Position, error) {
	return c.PositionSet, nil
}

func (c *Client) SellPosition(ctx context.Context, externalID int64) error { return nil }

func (c *Client) Actives(ctx context.Context, kind domain.Kind) ([]domain.ActiveSummary, error) {
	if err, ok := c.ActivesErr[kind]; ok {
		return nil, err
	}
	if c.ActivesByKind == nil {
		return nil, broker.ErrUnsupported
	}
	list, ok := c.ActivesByKind[kind]
	if !ok {
		return nil, broker.ErrUnsupported
	}
	return list, nil
}

func (c *Client) Candles(ctx context.Context, activeID, size int, opts broker.CandleOptions) ([]domain.Candle, error) {
	c.mu.Lock()
	c.CandleCalls = append(c.CandleCalls, opts)
	c.mu.Unlock()
	if c.CandleFn == nil {
		return nil, nil
	}
	return c.CandleFn(opts)
}

func (c *Client) CurrentQuote(ctx context.Context, activeID int) (broker.QuoteStream, error) {
	if c.QuoteErr != nil {
		return nil, c.QuoteErr
	}
	if s, ok := c.QuoteStreams[activeID]; ok {
		return s, nil
	}
	return NewQuoteStream(domain.QuoteTick{ActiveID: activeID}), nil
}

func (c *Client) BuyBlitz(ctx context.Context, activeID int, dir domain.Direction, expirationSec int, amount decimal.Decimal, balanceID int) (broker.PlacedOption, error) {
	c.mu.Lock()
	c.BuyCalls++
	c.mu.Unlock()
	if c.BuyFn == nil {
		return broker.PlacedOption{ID: 1, Direction: dir, Price: amount}, nil
	}
	return c.BuyFn(activeID, dir, expirationSec, amount, balanceID)
}

func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ShutdownCalls++
	c.Closed = true
	return nil
}

// Dialer hands out scripted clients per ssid, counting dials.
type Dialer struct {
	mu      sync.Mutex
	Clients map[string]*Client
	Err     error
	Dials   int
}

var _ broker.Dialer = (*Dialer)(nil)

func (d *Dialer) Dial(ctx context.Context, wsURL string, appID int, ssid string) (broker.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Dials++
	if d.Err != nil {
		return nil, d.Err
	}
	if c, ok := d.Clients[ssid]; ok {
		return c, nil
	}
	return &Client{}, nil
}

// DialCount returns how many times Dial ran.
func (d *Dialer) DialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Dials
}

// QuoteStream is a scriptable broker.QuoteStream. Push delivers a tick to
// every subscriber.
type QuoteStream struct {
	mu       sync.Mutex
	current  domain.QuoteTick
	handlers map[int]func(domain.QuoteTick)
	nextID   int
	Unsubs   int
}

// NewQuoteStream creates a fake stream with the given current tick.
func NewQuoteStream(current domain.QuoteTick) *QuoteStream {
	return &QuoteStream{current: current, handlers: make(map[int]func(domain.QuoteTick))}
}

func (s *QuoteStream) Current() domain.QuoteTick {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *QuoteStream) Subscribe(fn func(domain.QuoteTick)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.handlers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.handlers, id)
		s.Unsubs++
	}
}

// Push delivers a tick to all subscribers and updates the current state.
func (s *QuoteStream) Push(tick domain.QuoteTick) {
	s.mu.Lock()
	s.current = tick
	handlers := make([]func(domain.QuoteTick), 0, len(s.handlers))
	for _, fn := range s.handlers {
		handlers = append(handlers, fn)
	}
	s.mu.Unlock()
	for _, fn := range handlers {
		fn(tick)
	}
}

// SubscriberCount reports live subscriptions.
func (s *QuoteStream) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers)
}
