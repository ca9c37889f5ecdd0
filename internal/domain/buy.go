package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Direction of an option trade.
type Direction string

const (
	DirectionCall Direction = "call"
	DirectionPut  Direction = "put"
)

// FormRow is one validated row of the automator form. Only the first row is
// consumed; Instrument selects by id or ticker.
type FormRow struct {
	Instrument     string          `json:"instrument"`
	Amount         decimal.Decimal `json:"amount"`
	ExpirationHint float64         `json:"expiration,omitempty"`
	HasExpiration  bool            `json:"-"`
	Invert         bool            `json:"invert,omitempty"`
	Balance        BalanceSelector `json:"-"`
}

// UnmarshalJSON records whether the expiration key was present at all, so
// an explicit zero stays distinguishable from an omitted field downstream.
func (r *FormRow) UnmarshalJSON(data []byte) error {
	var row struct {
		Instrument string          `json:"instrument"`
		Amount     decimal.Decimal `json:"amount"`
		Expiration *float64        `json:"expiration"`
		Invert     bool            `json:"invert"`
	}
	if err := json.Unmarshal(data, &row); err != nil {
		return err
	}

	*r = FormRow{
		Instrument: row.Instrument,
		Amount:     row.Amount,
		Invert:     row.Invert,
	}
	if row.Expiration != nil {
		r.ExpirationHint = *row.Expiration
		r.HasExpiration = true
	}
	return nil
}

// BalanceSelector narrows which account a buy draws from. Zero value means
// "first available balance".
type BalanceSelector struct {
	BalanceID   int
	BalanceType BalanceType
}

// BuyRequest is the fully resolved input to the buy executor.
type BuyRequest struct {
	Instrument     string
	Direction      Direction
	Amount         decimal.Decimal
	ExpirationHint float64
	HasExpiration  bool
	Balance        BalanceSelector
}

// TradeResult normalizes the broker's placed-option response.
// FundsAvailable=false is a normal outcome, not an error: the buy was never
// submitted because the balance did not strictly exceed the requested amount.
type TradeResult struct {
	FundsAvailable bool            `json:"funds"`
	OptionID       int64           `json:"optionId,omitempty"`
	OpenedAt       time.Time       `json:"openedAt,omitempty"`
	ExpiredAt      time.Time       `json:"expiredAt,omitempty"`
	OpenPrice      decimal.Decimal `json:"openPrice,omitempty"`
	OpenQuoteValue float64         `json:"openQuoteValue,omitempty"`
	Direction      Direction       `json:"direction,omitempty"`
	Instrument     ActiveSummary   `json:"instrument,omitempty"`
}
