package strategy

import (
	"errors"
	"fmt"
	"time"

	"github.com/Rajchodisetti/options-engine/internal/scoring"
)

var (
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrStaleState        = errors.New("instance stuck in in-flight state")
	ErrHoldingPosition   = errors.New("instance holds an open position")
)

// State of a strategy instance.
type State string

const (
	StateIdle     State = "IDLE"
	StateOpening  State = "OPENING"
	StateShorting State = "SHORTING"
	StateHolding  State = "HOLDING"
	StateClosing  State = "CLOSING"
	StateError    State = "ERROR"
)

var transitions = map[State][]State{
	StateIdle:     {StateOpening, StateShorting},
	StateOpening:  {StateHolding, StateIdle, StateError},
	StateShorting: {StateHolding, StateIdle, StateError},
	StateHolding:  {StateClosing, StateError},
	// an exit rejected by the broker returns to HOLDING
	StateClosing: {StateIdle, StateHolding, StateError},
	StateError:   {StateIdle},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// EntryInFlight is true for states with an unconfirmed entry order.
func (s State) EntryInFlight() bool { return s == StateOpening || s == StateShorting }

// HasPosition is true while the instance may own broker exposure.
func (s State) HasPosition() bool { return s == StateHolding || s == StateClosing }

// Context is the per-instance trading state carried across ticks.
type Context struct {
	Direction         scoring.Direction  `json:"direction,omitempty"`
	EntryPrice        float64            `json:"entry_price,omitempty"`
	Quantity          float64            `json:"quantity,omitempty"`
	Multiplier        float64            `json:"multiplier,omitempty"`
	StopLoss          float64            `json:"stop_loss,omitempty"`
	TakeProfit        float64            `json:"take_profit,omitempty"`
	EmergencyStopLoss float64            `json:"emergency_stop_loss,omitempty"`
	PeakPrice         float64            `json:"peak_price,omitempty"`
	EntryFees         float64            `json:"entry_fees,omitempty"`
	EntryTime         time.Time          `json:"entry_time,omitempty"`
	ReservationID     string             `json:"reservation_id,omitempty"`
	TSLPFailureCount  int                `json:"tslp_failure_count"`
	TrailingOrderID   string             `json:"trailing_order_id,omitempty"`
	OrderID           string             `json:"order_id,omitempty"`
	ContractSymbol    string             `json:"contract_symbol,omitempty"`
	ZeroDTE           bool               `json:"zero_dte,omitempty"`
	Expiration        time.Time          `json:"expiration,omitempty"`
	ExitReason        scoring.ExitReason `json:"exit_reason,omitempty"`
	LastError         string             `json:"last_error,omitempty"`
}

// Instance is one strategy running on one symbol.
type Instance struct {
	StrategyID     string    `json:"strategy_id" db:"strategy_id"`
	Symbol         string    `json:"symbol" db:"symbol"`
	State          State     `json:"state" db:"state"`
	StateEnteredAt time.Time `json:"state_entered_at" db:"state_entered_at"`
	Context        Context   `json:"context" db:"-"`
	Version        int64     `json:"version" db:"version"`
}

// NewInstance returns an IDLE instance.
func NewInstance(strategyID, symbol string, now time.Time) *Instance {
	return &Instance{StrategyID: strategyID, Symbol: symbol, State: StateIdle, StateEnteredAt: now}
}

// Key identifies the instance.
func (i *Instance) Key() string { return InstanceKey(i.StrategyID, i.Symbol) }

func InstanceKey(strategyID, symbol string) string { return strategyID + "/" + symbol }

// Transition moves the instance to a new state and stamps the time.
func (i *Instance) Transition(to State, now time.Time) error {
	if !CanTransition(i.State, to) {
		return fmt.Errorf("%w: %s -> %s (%s)", ErrIllegalTransition, i.State, to, i.Key())
	}
	i.State = to
	i.StateEnteredAt = now
	i.Version++
	if to == StateIdle {
		i.Context = Context{}
	}
	return nil
}

// ForceIdle resets the instance regardless of its state. Used for stale
// recovery and operator resets; the caller owns reservation cleanup.
func (i *Instance) ForceIdle(now time.Time) {
	i.State = StateIdle
	i.StateEnteredAt = now
	i.Version++
	i.Context = Context{}
}

// IsStale reports an entry order unconfirmed for longer than window.
func (i *Instance) IsStale(window time.Duration, now time.Time) bool {
	return i.State.EntryInFlight() && window > 0 && now.Sub(i.StateEnteredAt) > window
}

// Position converts the context for exit evaluation at price.
func (i *Instance) Position(price float64) scoring.Position {
	peak := i.Context.PeakPrice
	if peak == 0 {
		peak = i.Context.EntryPrice
	}
	return scoring.Position{
		Direction:         i.Context.Direction,
		EntryPrice:        i.Context.EntryPrice,
		CurrentPrice:      price,
		PeakPrice:         peak,
		Quantity:          i.Context.Quantity,
		Multiplier:        i.Context.Multiplier,
		EntryFees:         i.Context.EntryFees,
		StopLoss:          i.Context.StopLoss,
		TakeProfit:        i.Context.TakeProfit,
		EmergencyStopLoss: i.Context.EmergencyStopLoss,
	}
}

// Clone returns a copy safe to hand to other goroutines.
func (i *Instance) Clone() Instance { return *i }
