package automator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tradebridge/internal/domain"
	"tradebridge/internal/storage/journal"
)

type visionStub struct {
	decisions []domain.VisionDecision
	errs      []error
	calls     int
}

func (v *visionStub) Classify(context.Context, string) (domain.VisionDecision, error) {
	i := v.calls
	v.calls++
	if i < len(v.errs) && v.errs[i] != nil {
		return domain.VisionDecision{}, v.errs[i]
	}
	if i < len(v.decisions) {
		return v.decisions[i], nil
	}
	return domain.VisionDecision{Recommendation: domain.RecommendationBuy, Probability: 70}, nil
}

type buyerStub struct {
	results []domain.TradeResult
	errs    []error
	reqs    []domain.BuyRequest
}

func (b *buyerStub) Buy(_ context.Context, _ string, req domain.BuyRequest) (domain.TradeResult, error) {
	i := len(b.reqs)
	b.reqs = append(b.reqs, req)
	if i < len(b.errs) && b.errs[i] != nil {
		return domain.TradeResult{}, b.errs[i]
	}
	if i < len(b.results) {
		return b.results[i], nil
	}
	return domain.TradeResult{FundsAvailable: true}, nil
}

type journalStub struct {
	entries []journal.Entry
	err     error
}

func (j *journalStub) Save(e journal.Entry) error {
	j.entries = append(j.entries, e)
	return j.err
}

func fastAutomator(v Vision, b Buyer, j Journal) *Automator {
	a := New(v, b, j, zap.NewNop())
	a.sleep = func(context.Context, time.Duration) error { return nil }
	return a
}

func form(instrument string) []domain.FormRow {
	return []domain.FormRow{{
		Instrument: instrument,
		Amount:     decimal.RequireFromString("10"),
	}}
}

func executedTrade() domain.TradeResult {
	opened := time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC)
	return domain.TradeResult{
		FundsAvailable: true,
		OptionID:       42,
		OpenedAt:       opened,
		ExpiredAt:      opened.Add(60 * time.Second),
		OpenPrice:      decimal.RequireFromString("10"),
		OpenQuoteValue: 1.2345,
		Direction:      domain.DirectionCall,
		Instrument:     domain.ActiveSummary{ID: 1, Ticker: "EURUSD", ProfitCommissionPercent: 85},
	}
}

func TestRunRejectsEmptyForm(t *testing.T) {
	a := fastAutomator(&visionStub{}, &buyerStub{}, nil)

	_, err := a.Run(context.Background(), "u1", "img", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = a.Run(context.Background(), "u1", "img", []domain.FormRow{{}})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = a.Run(context.Background(), "u1", "", form("EURUSD"))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestRunExecutesTrade(t *testing.T) {
	vision := &visionStub{decisions: []domain.VisionDecision{
		{Recommendation: domain.RecommendationBuy, Probability: 78, Explanation: "uptrend"},
	}}
	buyer := &buyerStub{results: []domain.TradeResult{executedTrade()}}
	jrnl := &journalStub{}
	a := fastAutomator(vision, buyer, jrnl)

	res, err := a.Run(context.Background(), "u1", "img", form("EURUSD"))
	require.NoError(t, err)

	assert.Equal(t, StatusExecuted, res.Status)
	assert.Equal(t, "call", res.Direction)
	assert.Equal(t, 78.0, res.Probability)
	assert.Equal(t, 85.0, res.Spread)
	assert.Equal(t, int64(63_000), res.DurationMs, "duration is option lifetime plus settle padding")
	assert.Equal(t, 1, res.Attempts)

	require.Len(t, buyer.reqs, 1)
	assert.Equal(t, domain.DirectionCall, buyer.reqs[0].Direction)

	require.Len(t, jrnl.entries, 1)
	assert.Equal(t, StatusExecuted, jrnl.entries[0].Outcome)
}

func TestRunHourOpenUsesMarketTimezone(t *testing.T) {
	buyer := &buyerStub{results: []domain.TradeResult{executedTrade()}}
	a := fastAutomator(&visionStub{}, buyer, nil)

	res, err := a.Run(context.Background(), "u1", "img", form("EURUSD"))
	require.NoError(t, err)

	opened := time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC)
	assert.Equal(t, opened.In(a.market).Format("15:04:05"), res.HourOpen)
}

func TestRunCarriesExpirationHintIntoBuy(t *testing.T) {
	buyer := &buyerStub{results: []domain.TradeResult{executedTrade()}}
	a := fastAutomator(&visionStub{}, buyer, nil)

	var f []domain.FormRow
	require.NoError(t, json.Unmarshal(
		[]byte(`[{"instrument":"EURUSD","amount":10,"expiration":10000}]`), &f))

	_, err := a.Run(context.Background(), "u1", "img", f)
	require.NoError(t, err)

	require.Len(t, buyer.reqs, 1)
	assert.True(t, buyer.reqs[0].HasExpiration, "decoded expiration reaches the executor")
	assert.Equal(t, 10000.0, buyer.reqs[0].ExpirationHint)
}

func TestRunInvertFlipsRecommendation(t *testing.T) {
	vision := &visionStub{decisions: []domain.VisionDecision{
		{Recommendation: domain.RecommendationBuy, Probability: 70},
	}}
	buyer := &buyerStub{results: []domain.TradeResult{executedTrade()}}
	a := fastAutomator(vision, buyer, nil)

	f := form("EURUSD")
	f[0].Invert = true
	_, err := a.Run(context.Background(), "u1", "img", f)
	require.NoError(t, err)

	require.Len(t, buyer.reqs, 1)
	assert.Equal(t, domain.DirectionPut, buyer.reqs[0].Direction, "inverted buy trades as put")
}

func TestRunRetriesVisionFailures(t *testing.T) {
	vision := &visionStub{
		errs: []error{errors.New("throttled"), errors.New("throttled"), nil},
		decisions: []domain.VisionDecision{
			{}, {},
			{Recommendation: domain.RecommendationSell, Probability: 66},
		},
	}
	buyer := &buyerStub{results: []domain.TradeResult{executedTrade()}}
	a := fastAutomator(vision, buyer, nil)

	res, err := a.Run(context.Background(), "u1", "img", form("EURUSD"))
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, res.Status)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, vision.calls)
}

func TestRunInsufficientFundsStopsImmediately(t *testing.T) {
	buyer := &buyerStub{results: []domain.TradeResult{{FundsAvailable: false}}}
	jrnl := &journalStub{}
	a := fastAutomator(&visionStub{}, buyer, jrnl)

	res, err := a.Run(context.Background(), "u1", "img", form("EURUSD"))
	require.NoError(t, err)
	assert.Equal(t, StatusNoFunds, res.Status)
	assert.Len(t, buyer.reqs, 1, "no retry on empty balance")
	require.Len(t, jrnl.entries, 1)
	assert.Equal(t, StatusNoFunds, jrnl.entries[0].Outcome)
}

func TestRunExhaustionIsTerminalNotError(t *testing.T) {
	failing := make([]error, maxAttempts)
	for i := range failing {
		failing[i] = errors.New("model unavailable")
	}
	vision := &visionStub{errs: failing}
	jrnl := &journalStub{}
	a := fastAutomator(vision, &buyerStub{}, jrnl)

	res, err := a.Run(context.Background(), "u1", "img", form("EURUSD"))
	require.NoError(t, err, "exhaustion is an outcome, not an error")
	assert.Equal(t, StatusNoValidResult, res.Status)
	assert.Equal(t, maxAttempts, res.Attempts)
	assert.Equal(t, maxAttempts, vision.calls)
	require.Len(t, jrnl.entries, 1)
	assert.Equal(t, StatusNoValidResult, jrnl.entries[0].Outcome)
}

func TestRunJournalFailureDoesNotFailRun(t *testing.T) {
	buyer := &buyerStub{results: []domain.TradeResult{executedTrade()}}
	jrnl := &journalStub{err: errors.New("disk full")}
	a := fastAutomator(&visionStub{}, buyer, jrnl)

	res, err := a.Run(context.Background(), "u1", "img", form("EURUSD"))
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, res.Status)
}

func TestRunCancelledContextAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	vision := &visionStub{errs: []error{context.Canceled}}
	a := fastAutomator(vision, &buyerStub{}, nil)

	_, err := a.Run(ctx, "u1", "img", form("EURUSD"))
	assert.ErrorIs(t, err, context.Canceled)
}
