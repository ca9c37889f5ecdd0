package domain

import "github.com/shopspring/decimal"

// BalanceType distinguishes real money from demo accounts.
type BalanceType string

const (
	BalanceReal BalanceType = "real"
	BalanceDemo BalanceType = "demo"
)

// Balance is a read-only projection of a broker account balance.
type Balance struct {
	ID       int
	Type     BalanceType
	Currency string
	Amount   decimal.Decimal
}
