// Package strategy defines strategies, their tunable parameters and presets,
// and the per-symbol instance state machine.
package strategy

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound      = errors.New("strategy not found")
	ErrStillRunning  = errors.New("strategy is running")
	ErrInvalidSymbol = errors.New("invalid symbol")
	ErrInvalid       = errors.New("invalid strategy")
	ErrInvalidParams = errors.New("invalid params")
)

// Status of a strategy definition.
type Status string

const (
	StatusStopped Status = "STOPPED"
	StatusRunning Status = "RUNNING"
)

// Strategy is a user-defined parameter set applied to a symbol pool.
type Strategy struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name" validate:"required,max=64"`
	AccountID string    `json:"account_id" db:"account_id" validate:"required"`
	Symbols   []string  `json:"symbols" db:"-" validate:"required,min=1,dive,required"`
	Params    Params    `json:"params" db:"-"`
	Status    Status    `json:"status" db:"status"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Preset reports the preset the parameters match.
func (s Strategy) Preset() string { return DetectPreset(s.Params) }

// Running reports whether the scheduler should evaluate the strategy.
func (s Strategy) Running() bool { return s.Status == StatusRunning }

// Validate checks the definition and its parameters.
func (s Strategy) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	seen := make(map[string]bool, len(s.Symbols))
	for _, sym := range s.Symbols {
		if strings.ContainsAny(sym, " |/") {
			return fmt.Errorf("%w: %q", ErrInvalidSymbol, sym)
		}
		if seen[sym] {
			return fmt.Errorf("%w: duplicate %q", ErrInvalidSymbol, sym)
		}
		seen[sym] = true
	}
	return s.Params.Validate()
}
