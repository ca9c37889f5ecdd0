package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradebridge/internal/domain"
)

const (
	dialTimeout  = 10 * time.Second
	callTimeout  = 15 * time.Second
	writeTimeout = 5 * time.Second
)

// WSDialer opens authenticated websocket SDK connections.
type WSDialer struct {
	logger *zap.Logger
}

// NewWSDialer creates the production dialer.
func NewWSDialer(logger *zap.Logger) *WSDialer {
	return &WSDialer{logger: logger}
}

// envelope is the wire frame in both directions.
type envelope struct {
	Name      string          `json:"name"`
	RequestID string          `json:"request_id,omitempty"`
	Msg       json.RawMessage `json:"msg,omitempty"`
}

type outEnvelope struct {
	Name      string `json:"name"`
	RequestID string `json:"request_id,omitempty"`
	Msg       any    `json:"msg,omitempty"`
}

// wireError is the broker's error reply payload.
type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Dial connects, authenticates with the ssid and starts the read loop.
func (d *WSDialer) Dial(ctx context.Context, wsURL string, appID int, ssid string) (Client, error) {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, wsURL, http.Header{})
	if err != nil {
		return nil, errors.Wrap(err, "dial broker")
	}

	c := &wsClient{
		conn:    conn,
		logger:  d.logger,
		pending: make(map[string]chan envelope),
		quotes:  make(map[int]*wsQuoteStream),
		done:    make(chan struct{}),
	}
	go c.readLoop()

	auth := struct {
		SSID  string `json:"ssid"`
		AppID int    `json:"app_id"`
	}{SSID: ssid, AppID: appID}

	var result struct {
		Success bool `json:"success"`
	}
	if err := c.call(ctx, "authenticate", auth, &result); err != nil {
		_ = c.Shutdown(ctx)
		return nil, err
	}
	if !result.Success {
		_ = c.Shutdown(ctx)
		return nil, &CloseError{Code: TerminationCode, Reason: "authentication rejected"}
	}

	return c, nil
}

// wsClient is one live SDK connection. All request/response calls are
// correlated by request id; quote pushes fan out to per-instrument streams.
type wsClient struct {
	conn   *websocket.Conn
	logger *zap.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan envelope
	quotes  map[int]*wsQuoteStream
	closed  bool
	readErr error

	done chan struct{}
}

func (c *wsClient) readLoop() {
	defer close(c.done)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(translateCloseError(err))
			return
		}

		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.logger.Warn("unparseable broker frame", zap.Error(err))
			continue
		}

		if env.RequestID != "" {
			c.mu.Lock()
			ch, ok := c.pending[env.RequestID]
			delete(c.pending, env.RequestID)
			c.mu.Unlock()
			if ok {
				ch <- env
			}
			continue
		}

		if env.Name == "quote-generated" {
			c.dispatchQuote(env.Msg)
		}
	}
}

// translateCloseError maps a websocket close into the broker's termination
// taxonomy.
func translateCloseError(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return &CloseError{Code: ce.Code, Reason: ce.Text}
	}
	return errors.Wrap(err, "broker connection lost")
}

// fail poisons the connection: every pending and future call gets the
// terminal error.
func (c *wsClient) fail(err error) {
	c.mu.Lock()
	if c.readErr == nil {
		c.readErr = err
	}
	pending := c.pending
	c.pending = make(map[string]chan envelope)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
}

func (c *wsClient) dispatchQuote(raw json.RawMessage) {
	var tick wireQuote
	if err := json.Unmarshal(raw, &tick); err != nil {
		return
	}
	c.mu.Lock()
	stream := c.quotes[tick.ActiveID]
	c.mu.Unlock()
	if stream != nil {
		stream.push(tick.toDomain())
	}
}

// call sends one request and decodes the correlated reply into out.
func (c *wsClient) call(ctx context.Context, name string, payload, out any) error {
	c.mu.Lock()
	if c.readErr != nil {
		err := c.readErr
		c.mu.Unlock()
		return err
	}
	if c.closed {
		c.mu.Unlock()
		return errors.New("broker connection is shut down")
	}
	requestID := uuid.NewString()
	ch := make(chan envelope, 1)
	c.pending[requestID] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := c.conn.WriteJSON(outEnvelope{Name: name, RequestID: requestID, Msg: payload})
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
		return errors.Wrapf(err, "send %s", name)
	}

	timer := time.NewTimer(callTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
		return ctx.Err()
	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
		return errors.Errorf("%s timed out", name)
	case env, ok := <-ch:
		if !ok {
			c.mu.Lock()
			err := c.readErr
			c.mu.Unlock()
			if err == nil {
				err = errors.New("broker connection lost")
			}
			return err
		}
		if env.Name == "error" {
			var we wireError
			_ = json.Unmarshal(env.Msg, &we)
			return wireErrorToDomain(we)
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(env.Msg, out); err != nil {
			return errors.Wrapf(err, "decode %s reply", name)
		}
		return nil
	}
}

func wireErrorToDomain(we wireError) error {
	switch we.Code {
	case "unsupported_instrument_type":
		return ErrUnsupported
	case "session_terminated":
		return &CloseError{Code: TerminationCode, Reason: we.Message}
	default:
		return errors.Errorf("broker error %s: %s", we.Code, we.Message)
	}
}

func (c *wsClient) CurrentTime(ctx context.Context) (time.Time, error) {
	var reply struct {
		TimeMs int64 `json:"time"`
	}
	if err := c.call(ctx, "get-server-time", nil, &reply); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(reply.TimeMs), nil
}

type wireBalance struct {
	ID       int     `json:"id"`
	Type     int     `json:"type"`
	Currency string  `json:"currency"`
	Amount   float64 `json:"amount"`
}

// balance type codes on the wire: 1 real, 4 demo.
func (b wireBalance) toDomain() domain.Balance {
	typ := domain.BalanceDemo
	if b.Type == 1 {
		typ = domain.BalanceReal
	}
	return domain.Balance{
		ID:       b.ID,
		Type:     typ,
		Currency: b.Currency,
		Amount:   decimal.NewFromFloat(b.Amount),
	}
}

func (c *wsClient) Balances(ctx context.Context) ([]domain.Balance, error) {
	var reply struct {
		Balances []wireBalance `json:"balances"`
	}
	if err := c.call(ctx, "get-balances", nil, &reply); err != nil {
		return nil, err
	}
	out := make([]domain.Balance, 0, len(reply.Balances))
	for _, b := range reply.Balances {
		out = append(out, b.toDomain())
	}
	return out, nil
}

func (c *wsClient) ResetDemoBalance(ctx context.Context) error {
	return c.call(ctx, "reset-demo-balance", nil, nil)
}

type wirePosition struct {
	ID             int64   `json:"id"`
	ExternalID     int64   `json:"external_id"`
	ActiveID       int     `json:"active_id"`
	InstrumentType string  `json:"instrument_type"`
	Invested       float64 `json:"invested"`
	PnLNet         float64 `json:"pnl_net"`
	SellProfit     float64 `json:"sell_profit"`
	OpenedAtMs     int64   `json:"opened_at"`
	Closed         bool    `json:"closed"`
}

func (p wirePosition) toDomain() Position {
	return Position{
		ID:             p.ID,
		ExternalID:     p.ExternalID,
		ActiveID:       p.ActiveID,
		InstrumentType: p.InstrumentType,
		Invested:       decimal.NewFromFloat(p.Invested),
		PnLNet:         decimal.NewFromFloat(p.PnLNet),
		SellProfit:     decimal.NewFromFloat(p.SellProfit),
		OpenedAt:       time.UnixMilli(p.OpenedAtMs),
		Closed:         p.Closed,
	}
}

func (c *wsClient) positionsCall(ctx context.Context, name string) ([]Position, error) {
	var reply struct {
		Positions []wirePosition `json:"positions"`
	}
	if err := c.call(ctx, name, nil, &reply); err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(reply.Positions))
	for _, p := range reply.Positions {
		out = append(out, p.toDomain())
	}
	return out, nil
}

func (c *wsClient) Positions(ctx context.Context) ([]Position, error) {
	return c.positionsCall(ctx, "get-positions")
}

func (c *wsClient) PositionsHistory(ctx context.Context) ([]Position, error) {
	return c.positionsCall(ctx, "get-positions-history")
}

func (c *wsClient) SellPosition(ctx context.Context, externalID int64) error {
	payload := struct {
		ExternalID int64 `json:"external_id"`
	}{ExternalID: externalID}
	return c.call(ctx, "sell-position", payload, nil)
}

type wireActive struct {
	ID                      int        `json:"id"`
	Ticker                  string     `json:"ticker"`
	IsSuspended             bool       `json:"is_suspended"`
	ExpirationTimes         []int      `json:"expiration_times"`
	ProfitCommissionPercent float64    `json:"profit_commission_percent"`
	Schedule                [][2]int64 `json:"schedule"`
}

func (a wireActive) toDomain() domain.ActiveSummary {
	out := domain.ActiveSummary{
		ID:                      a.ID,
		Ticker:                  a.Ticker,
		IsSuspended:             a.IsSuspended,
		ExpirationTimes:         a.ExpirationTimes,
		ProfitCommissionPercent: a.ProfitCommissionPercent,
	}
	for _, rng := range a.Schedule {
		out.Schedule = append(out.Schedule, domain.ScheduleRange{
			From: time.Unix(rng[0], 0),
			To:   time.Unix(rng[1], 0),
		})
	}
	return out
}

func (c *wsClient) Actives(ctx context.Context, kind domain.Kind) ([]domain.ActiveSummary, error) {
	payload := struct {
		InstrumentType string `json:"instrument_type"`
	}{InstrumentType: string(kind)}

	var reply struct {
		Actives []wireActive `json:"actives"`
	}
	if err := c.call(ctx, "get-actives", payload, &reply); err != nil {
		return nil, err
	}
	out := make([]domain.ActiveSummary, 0, len(reply.Actives))
	for _, a := range reply.Actives {
		out = append(out, a.toDomain())
	}
	return out, nil
}

func (c *wsClient) Candles(ctx context.Context, activeID, size int, opts CandleOptions) ([]domain.Candle, error) {
	payload := struct {
		ActiveID           int    `json:"active_id"`
		Size               int    `json:"size"`
		From               int64  `json:"from,omitempty"`
		To                 int64  `json:"to,omitempty"`
		FromID             int64  `json:"from_id,omitempty"`
		ToID               int64  `json:"to_id,omitempty"`
		Count              int    `json:"count,omitempty"`
		Backoff            int    `json:"backoff,omitempty"`
		OnlyClosed         bool   `json:"only_closed"`
		Kind               string `json:"kind,omitempty"`
		SplitNormalization bool   `json:"split_normalization,omitempty"`
	}{
		ActiveID:           activeID,
		Size:               size,
		From:               opts.From,
		To:                 opts.To,
		FromID:             opts.FromID,
		ToID:               opts.ToID,
		Count:              opts.Count,
		Backoff:            opts.Backoff,
		OnlyClosed:         opts.OnlyClosed,
		Kind:               opts.Kind,
		SplitNormalization: opts.SplitNormalization,
	}

	var reply struct {
		Candles []domain.Candle `json:"candles"`
	}
	if err := c.call(ctx, "get-candles", payload, &reply); err != nil {
		return nil, err
	}
	return reply.Candles, nil
}

type wireQuote struct {
	ActiveID int     `json:"active_id"`
	TimeMs   int64   `json:"time"`
	Bid      float64 `json:"bid"`
	Ask      float64 `json:"ask"`
	Value    float64 `json:"value"`
	Phase    string  `json:"phase"`
}

func (q wireQuote) toDomain() domain.QuoteTick {
	return domain.QuoteTick{
		ActiveID: q.ActiveID,
		Time:     time.UnixMilli(q.TimeMs),
		Bid:      q.Bid,
		Ask:      q.Ask,
		Value:    q.Value,
		Phase:    q.Phase,
	}
}

func (c *wsClient) CurrentQuote(ctx context.Context, activeID int) (QuoteStream, error) {
	c.mu.Lock()
	stream, ok := c.quotes[activeID]
	c.mu.Unlock()
	if ok {
		return stream, nil
	}

	payload := struct {
		ActiveID int `json:"active_id"`
	}{ActiveID: activeID}

	var reply struct {
		Quote wireQuote `json:"quote"`
	}
	if err := c.call(ctx, "subscribe-quote", payload, &reply); err != nil {
		return nil, err
	}

	stream = newWSQuoteStream(reply.Quote.toDomain())
	c.mu.Lock()
	c.quotes[activeID] = stream
	c.mu.Unlock()
	return stream, nil
}

func (c *wsClient) BuyBlitz(ctx context.Context, activeID int, dir domain.Direction, expirationSec int, amount decimal.Decimal, balanceID int) (PlacedOption, error) {
	payload := struct {
		ActiveID      int    `json:"active_id"`
		Direction     string `json:"direction"`
		ExpirationSec int    `json:"expiration_size"`
		Amount        string `json:"price"`
		BalanceID     int    `json:"user_balance_id"`
	}{
		ActiveID:      activeID,
		Direction:     string(dir),
		ExpirationSec: expirationSec,
		Amount:        amount.String(),
		BalanceID:     balanceID,
	}

	var reply struct {
		ID             int64   `json:"id"`
		OpenedAtMs     int64   `json:"opened_at"`
		ExpiredAtMs    int64   `json:"expired_at"`
		Price          string  `json:"price"`
		OpenQuoteValue float64 `json:"open_quote_value"`
	}
	if err := c.call(ctx, "buy-blitz", payload, &reply); err != nil {
		return PlacedOption{}, err
	}

	price, err := decimal.NewFromString(reply.Price)
	if err != nil {
		price = decimal.Zero
	}

	placed := PlacedOption{
		ID:             reply.ID,
		Price:          price,
		OpenQuoteValue: reply.OpenQuoteValue,
		Direction:      dir,
	}
	if reply.OpenedAtMs > 0 {
		placed.OpenedAt = time.UnixMilli(reply.OpenedAtMs)
	}
	if reply.ExpiredAtMs > 0 {
		placed.ExpiredAt = time.UnixMilli(reply.ExpiredAtMs)
	}
	return placed, nil
}

func (c *wsClient) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
	c.writeMu.Unlock()

	err := c.conn.Close()

	select {
	case <-c.done:
	case <-time.After(writeTimeout):
	case <-ctx.Done():
	}
	return err
}

// wsQuoteStream fans one instrument's quote pushes out to subscribers.
type wsQuoteStream struct {
	mu      sync.Mutex
	current domain.QuoteTick
	subs    map[int]func(domain.QuoteTick)
	nextID  int
}

func newWSQuoteStream(initial domain.QuoteTick) *wsQuoteStream {
	return &wsQuoteStream{
		current: initial,
		subs:    make(map[int]func(domain.QuoteTick)),
	}
}

func (s *wsQuoteStream) Current() domain.QuoteTick {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *wsQuoteStream) Subscribe(fn func(domain.QuoteTick)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *wsQuoteStream) push(tick domain.QuoteTick) {
	s.mu.Lock()
	s.current = tick
	fns := make([]func(domain.QuoteTick), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(tick)
	}
}
