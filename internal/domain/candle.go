package domain

import (
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Candle is a closed OHLC bar returned by the broker candle API.
type Candle struct {
	ID     int64   `json:"id,omitempty"`
	From   int64   `json:"from"`
	To     int64   `json:"to"`
	Open   float64 `json:"open"`
	Close  float64 `json:"close"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Volume float64 `json:"volume,omitempty"`
}

// CandleQuery carries the caller's candle request. From/To accept epoch
// milliseconds or ISO timestamps and are normalized to milliseconds.
type CandleQuery struct {
	ActiveID           int
	Size               int
	From               string
	To                 string
	Count              int
	Backoff            int
	OnlyClosed         *bool
	Kind               string
	FromID             int64
	ToID               int64
	SplitNormalization bool
}

// ParseTimestampMs normalizes an epoch-millis or ISO timestamp string to
// epoch milliseconds. Empty input yields (0, false, nil).
func ParseTimestampMs(v string) (int64, bool, error) {
	if v == "" {
		return 0, false, nil
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n, true, nil
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return int64(f), true, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UnixMilli(), true, nil
	}
	return 0, false, errors.Wrapf(ErrInvalidArgument, "unparseable timestamp %q", v)
}

// QuoteTick is a single push update for an instrument's current quote.
type QuoteTick struct {
	ActiveID int       `json:"activeId"`
	Time     time.Time `json:"time"`
	Bid      float64   `json:"bid"`
	Ask      float64   `json:"ask"`
	Value    float64   `json:"value"`
	Phase    string    `json:"phase,omitempty"`
}

// QuoteEvent is one element of a quote stream.
type QuoteEvent struct {
	ActiveID int     `json:"activeId"`
	Time     string  `json:"time"`
	Bid      float64 `json:"bid"`
	Ask      float64 `json:"ask"`
	Value    float64 `json:"value"`
	Phase    string  `json:"phase,omitempty"`
}

// CandleEvent is one element of a rolling candle stream. Closed and partial
// windows share this envelope; Partial distinguishes them.
type CandleEvent struct {
	Partial bool    `json:"partial,omitempty"`
	From    int64   `json:"from"`
	To      int64   `json:"to"`
	Open    float64 `json:"open"`
	Close   float64 `json:"close"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Volume  int     `json:"volume"`
}
