package scoring

import (
	"fmt"

	"github.com/Rajchodisetti/options-engine/internal/regime"
)

// ExitReason names why a position is being closed.
type ExitReason string

const (
	ExitNone          ExitReason = ""
	ExitTakeProfit    ExitReason = "TAKE_PROFIT"
	ExitStopLoss      ExitReason = "STOP_LOSS"
	ExitTrailingStop  ExitReason = "TRAILING_STOP"
	ExitEmergencyStop ExitReason = "EMERGENCY_STOP"
	ExitForced        ExitReason = "FORCED_LIQUIDATION"
	ExitCircuitBreak  ExitReason = "CIRCUIT_BREAKER"
	ExitManual        ExitReason = "MANUAL"
)

// ExitParams is one row of the dynamic exit table, in percent of cost basis.
type ExitParams struct {
	TakeProfitPct      float64 `json:"take_profit_pct"`
	StopLossPct        float64 `json:"stop_loss_pct"`
	TrailingTriggerPct float64 `json:"trailing_trigger_pct"`
	TrailingPct        float64 `json:"trailing_pct"`
}

var buyerExit = map[Phase]ExitParams{
	PhaseEarly: {TakeProfitPct: 50, StopLossPct: 35, TrailingTriggerPct: 30, TrailingPct: 15},
	PhaseMid:   {TakeProfitPct: 40, StopLossPct: 30, TrailingTriggerPct: 25, TrailingPct: 12},
	PhaseLate:  {TakeProfitPct: 30, StopLossPct: 25, TrailingTriggerPct: 20, TrailingPct: 10},
	PhaseFinal: {TakeProfitPct: 20, StopLossPct: 20, TrailingTriggerPct: 15, TrailingPct: 8},
}

var sellerExit = map[Phase]ExitParams{
	PhaseEarly: {TakeProfitPct: 30, StopLossPct: 50, TrailingTriggerPct: 20, TrailingPct: 10},
	PhaseMid:   {TakeProfitPct: 25, StopLossPct: 40, TrailingTriggerPct: 15, TrailingPct: 8},
	PhaseLate:  {TakeProfitPct: 20, StopLossPct: 30, TrailingTriggerPct: 12, TrailingPct: 6},
	PhaseFinal: {TakeProfitPct: 15, StopLossPct: 20, TrailingTriggerPct: 10, TrailingPct: 5},
}

// DynamicExitParams returns the exit table row for the phase.
func DynamicExitParams(phase Phase, seller bool) ExitParams {
	if seller {
		return sellerExit[phase]
	}
	return buyerExit[phase]
}

// Position is the subset of instance context needed to evaluate exits.
type Position struct {
	Direction         Direction
	EntryPrice        float64
	CurrentPrice      float64
	PeakPrice         float64 // best price seen since entry
	Quantity          float64
	Multiplier        float64
	EntryFees         float64
	ExitFees          float64
	StopLoss          float64
	TakeProfit        float64
	EmergencyStopLoss float64
	Seller            bool
}

// PnL is profit and loss including fees.
type PnL struct {
	Gross     float64 `json:"gross"`
	Net       float64 `json:"net"`
	NetPct    float64 `json:"net_pct"`
	CostBasis float64 `json:"cost_basis"`
	TotalFees float64 `json:"total_fees"`
	BreakEven float64 `json:"break_even"`
}

func (p Position) multiplier() float64 {
	if p.Multiplier > 0 {
		return p.Multiplier
	}
	return 1
}

func (p Position) short() bool {
	return p.Direction == Short || p.Seller
}

// ComputePnL values the position at price.
func (p Position) ComputePnL(price float64) PnL {
	mult := p.multiplier()
	diff := price - p.EntryPrice
	if p.short() {
		diff = -diff
	}
	gross := diff * p.Quantity * mult
	fees := p.EntryFees + p.ExitFees
	basis := p.EntryPrice*p.Quantity*mult + p.EntryFees
	res := PnL{Gross: gross, Net: gross - fees, CostBasis: basis, TotalFees: fees}
	if basis > 0 {
		res.NetPct = res.Net / basis * 100
	}
	if p.Quantity > 0 {
		perUnit := fees / p.Quantity / mult
		if p.short() {
			res.BreakEven = p.EntryPrice - perUnit
		} else {
			res.BreakEven = p.EntryPrice + perUnit
		}
	}
	return res
}

// EmergencyStopLoss is the last-resort fallback level once trailing stops
// can no longer be placed.
func EmergencyStopLoss(entryPrice float64) float64 {
	return entryPrice * 0.5
}

// EmergencyTriggered reports whether price is at or below the emergency level.
func EmergencyTriggered(price, emergencyStop float64) bool {
	return emergencyStop > 0 && price > 0 && price <= emergencyStop
}

// ATRLevels derives stop and target from ATR, applying the high-volatility
// tightening.
func ATRLevels(entry, atr, vix float64, dir Direction, baseStop, baseTarget float64) (stop, target float64) {
	stopMult, targetMult := regime.StopTargetMultipliers(vix, baseStop, baseTarget)
	if dir == Short {
		return entry + atr*stopMult, entry - atr*targetMult
	}
	return entry - atr*stopMult, entry + atr*targetMult
}

// PercentLevels derives stop and target from the exit table row.
func PercentLevels(entry float64, params ExitParams, dir Direction) (stop, target float64) {
	if dir == Short {
		return entry * (1 + params.StopLossPct/100), entry * (1 - params.TakeProfitPct/100)
	}
	return entry * (1 - params.StopLossPct/100), entry * (1 + params.TakeProfitPct/100)
}

// EvaluateExit checks emergency, price-level and dynamic table exits in that order.
func EvaluateExit(p Position, phase Phase) (ExitReason, string) {
	price := p.CurrentPrice
	if price <= 0 || p.EntryPrice <= 0 {
		return ExitNone, ""
	}

	if !p.short() && EmergencyTriggered(price, p.EmergencyStopLoss) {
		return ExitEmergencyStop, fmt.Sprintf("price %.4f <= emergency stop %.4f", price, p.EmergencyStopLoss)
	}

	if p.short() {
		if p.StopLoss > 0 && price >= p.StopLoss {
			return ExitStopLoss, fmt.Sprintf("price %.4f >= stop %.4f", price, p.StopLoss)
		}
		if p.TakeProfit > 0 && price <= p.TakeProfit {
			return ExitTakeProfit, fmt.Sprintf("price %.4f <= target %.4f", price, p.TakeProfit)
		}
	} else {
		if p.StopLoss > 0 && price <= p.StopLoss {
			return ExitStopLoss, fmt.Sprintf("price %.4f <= stop %.4f", price, p.StopLoss)
		}
		if p.TakeProfit > 0 && price >= p.TakeProfit {
			return ExitTakeProfit, fmt.Sprintf("price %.4f >= target %.4f", price, p.TakeProfit)
		}
	}

	params := DynamicExitParams(phase, p.Seller)
	pnl := p.ComputePnL(price)
	if pnl.NetPct >= params.TakeProfitPct {
		return ExitTakeProfit, fmt.Sprintf("net %.1f%% >= %.0f%% (%s)", pnl.NetPct, params.TakeProfitPct, phase)
	}
	if pnl.NetPct <= -params.StopLossPct {
		return ExitStopLoss, fmt.Sprintf("net %.1f%% <= -%.0f%% (%s)", pnl.NetPct, params.StopLossPct, phase)
	}

	if p.PeakPrice > 0 {
		peak := p.ComputePnL(p.PeakPrice)
		if peak.NetPct >= params.TrailingTriggerPct {
			var retrace float64
			if p.short() {
				retrace = (price - p.PeakPrice) / p.PeakPrice * 100
			} else {
				retrace = (p.PeakPrice - price) / p.PeakPrice * 100
			}
			if retrace >= params.TrailingPct {
				return ExitTrailingStop, fmt.Sprintf("retraced %.1f%% from peak %.4f", retrace, p.PeakPrice)
			}
		}
	}
	return ExitNone, ""
}
