package ledger

import (
	"errors"
	"time"
)

var (
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrSymbolCapExceeded   = errors.New("per-symbol allocation exceeded")
	ErrUnknownAccount      = errors.New("unknown allocation account")
	ErrUnknownReservation  = errors.New("unknown reservation")
	ErrReservationReleased = errors.New("reservation already released")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrPercentageOverflow  = errors.New("sibling percentage allocations exceed 100%")
	ErrDuplicateAccount    = errors.New("allocation account already exists")
)

// AccountType selects how an account's allocation is resolved.
type AccountType string

const (
	Percentage AccountType = "PERCENTAGE"
	Fixed      AccountType = "FIXED"
)

// Account is a capital allocation bucket shared by one or more strategies.
type Account struct {
	ID   string `json:"id" db:"id"`
	Name string `json:"name" db:"name"`

	// ParentID only groups percentage accounts whose shares must sum to at
	// most 1.0. Every account sizes against total capital on its own; a
	// child's reservations never draw on the parent's balance.
	ParentID string      `json:"parent_id,omitempty" db:"parent_id"`
	Type     AccountType `json:"type" db:"type"`

	// Value is a fraction of total capital for PERCENTAGE, dollars for FIXED.
	Value                float64   `json:"value" db:"value"`
	CurrentUsage         float64   `json:"current_usage" db:"current_usage"`
	TotalCapitalSnapshot float64   `json:"total_capital_snapshot" db:"total_capital_snapshot"`
	HoldingsValue        float64   `json:"holdings_value" db:"holdings_value"`
	SymbolCount          int       `json:"symbol_count" db:"symbol_count"`
	Version              int64     `json:"version" db:"version"`
	UpdatedAt            time.Time `json:"updated_at" db:"updated_at"`
}

// Allocated resolves the account's allocation in dollars.
func (a Account) Allocated() float64 {
	if a.Type == Percentage {
		return a.TotalCapitalSnapshot * a.Value
	}
	return a.Value
}

// SymbolCap is the per-symbol ceiling, or 0 when uncapped.
func (a Account) SymbolCap() float64 {
	if a.SymbolCount <= 0 {
		return 0
	}
	return a.Allocated() / float64(a.SymbolCount)
}

// ReservationStatus tracks a reservation's lifecycle.
type ReservationStatus string

const (
	StatusOpen      ReservationStatus = "OPEN"
	StatusCommitted ReservationStatus = "COMMITTED"
	StatusReleased  ReservationStatus = "RELEASED"
)

// Reservation is a provisional, time-bounded hold on capital.
type Reservation struct {
	ID         string            `json:"id" db:"id"`
	AccountID  string            `json:"account_id" db:"account_id"`
	InstanceID string            `json:"instance_id" db:"instance_id"`
	Symbol     string            `json:"symbol,omitempty" db:"symbol"`
	Amount     float64           `json:"amount" db:"amount"`
	Status     ReservationStatus `json:"status" db:"status"`
	CreatedAt  time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at" db:"updated_at"`
}

// Persister receives every committed account and reservation change.
type Persister interface {
	SaveAccount(acct Account) error
	SaveReservation(res Reservation) error
}

// Event is emitted after each ledger mutation.
type Event struct {
	Type        string      `json:"type"` // reserved, rejected, committed, released, swept, returned
	AccountID   string      `json:"account_id"`
	Reservation Reservation `json:"reservation"`
	Available   float64     `json:"available"`
	Reason      string      `json:"reason,omitempty"`
}
