package domain

import "time"

// Kind is one of the instrument families offered by the broker.
type Kind string

const (
	KindBlitz        Kind = "blitz"
	KindTurbo        Kind = "turbo"
	KindBinary       Kind = "binary"
	KindDigital      Kind = "digital"
	KindMarginForex  Kind = "margin-forex"
	KindMarginCfd    Kind = "margin-cfd"
	KindMarginCrypto Kind = "margin-crypto"
)

// AllKinds lists every instrument family, in the order the aggregate
// listing fans out over them.
func AllKinds() []Kind {
	return []Kind{
		KindBlitz, KindTurbo, KindBinary, KindDigital,
		KindMarginForex, KindMarginCfd, KindMarginCrypto,
	}
}

// ValidKind reports whether k names a known instrument family.
func ValidKind(k Kind) bool {
	switch k {
	case KindBlitz, KindTurbo, KindBinary, KindDigital,
		KindMarginForex, KindMarginCfd, KindMarginCrypto:
		return true
	}
	return false
}

// ScheduleRange is an open/close trading window.
type ScheduleRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// ActiveSummary is the uniform instrument shape every kind maps into.
// Option kinds carry expiration times and commission; underlying kinds do not.
type ActiveSummary struct {
	ID                      int             `json:"id"`
	Ticker                  string          `json:"ticker"`
	Kind                    Kind            `json:"kind,omitempty"`
	IsSuspended             bool            `json:"isSuspended"`
	ExpirationTimes         []int           `json:"expirationTimes,omitempty"`
	ProfitCommissionPercent float64         `json:"profitCommissionPercent,omitempty"`
	Schedule                []ScheduleRange `json:"schedule,omitempty"`
}

// CanBeBoughtAt reports whether the instrument trades at the given moment:
// not suspended and, when a schedule is published, inside an open window.
func (a ActiveSummary) CanBeBoughtAt(at time.Time) bool {
	if a.IsSuspended {
		return false
	}
	if len(a.Schedule) == 0 {
		return true
	}
	for _, r := range a.Schedule {
		if !at.Before(r.From) && at.Before(r.To) {
			return true
		}
	}
	return false
}
