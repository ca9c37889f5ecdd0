package domain

import "time"

// User is the persisted account. BrokerSSID is the broker-issued credential
// that authorizes session creation; absence of it means the user never linked
// their broker account.
type User struct {
	ID         string
	Email      string
	FirstName  string
	LastName   string
	Phone      string
	BrokerSSID string
	SDKLinked  bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
