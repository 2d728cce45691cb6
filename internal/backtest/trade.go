// Package backtest replays the live decision logic over historical bars,
// compares the simulated trades with what the broker actually executed, and
// runs replays as polled background tasks.
package backtest

import (
	"time"

	"github.com/Rajchodisetti/options-engine/internal/market"
	"github.com/Rajchodisetti/options-engine/internal/scoring"
)

// Trade is one simulated round trip.
type Trade struct {
	Date           string             `json:"date"`
	Symbol         string             `json:"symbol"`
	ContractSymbol string             `json:"contract_symbol,omitempty"`
	Signal         scoring.Direction  `json:"signal"`
	Right          market.Right       `json:"right,omitempty"`
	EntryTime      time.Time          `json:"entry_time"`
	ExitTime       time.Time          `json:"exit_time"`
	EntryPrice     float64            `json:"entry_price"`
	ExitPrice      float64            `json:"exit_price"`
	PeakPrice      float64            `json:"peak_price"`
	Quantity       int                `json:"quantity"`
	Multiplier     float64            `json:"multiplier"`
	Fees           float64            `json:"fees"`
	GrossPnL       float64            `json:"gross_pnl"`
	NetPnL         float64            `json:"net_pnl"`
	NetPnLPct      float64            `json:"net_pnl_pct"`
	EntryScore     float64            `json:"entry_score"`
	EntryReason    string             `json:"entry_reason"`
	ExitReason     scoring.ExitReason `json:"exit_reason"`
	ExitDetail     string             `json:"exit_detail,omitempty"`
}

// Instrument is the symbol the trade actually bought or sold.
func (t Trade) Instrument() string {
	if t.ContractSymbol != "" {
		return t.ContractSymbol
	}
	return t.Symbol
}

// HoldingMinutes is the time in the position.
func (t Trade) HoldingMinutes() int {
	return int(t.ExitTime.Sub(t.EntryTime) / time.Minute)
}

// Summary aggregates a set of trades.
type Summary struct {
	TotalTrades       int     `json:"total_trades"`
	WinningTrades     int     `json:"winning_trades"`
	LosingTrades      int     `json:"losing_trades"`
	WinRate           float64 `json:"win_rate"` // percent
	GrossPnL          float64 `json:"gross_pnl"`
	NetPnL            float64 `json:"net_pnl"`
	TotalFees         float64 `json:"total_fees"`
	AvgHoldingMinutes float64 `json:"avg_holding_minutes"`
	ProfitFactor      float64 `json:"profit_factor"`
}

// Summarize computes the summary; a trade wins when its net P&L is positive.
func Summarize(trades []Trade) Summary {
	s := Summary{TotalTrades: len(trades)}
	if len(trades) == 0 {
		return s
	}
	var won, lost float64
	var holding int
	for _, t := range trades {
		s.GrossPnL += t.GrossPnL
		s.NetPnL += t.NetPnL
		s.TotalFees += t.Fees
		holding += t.HoldingMinutes()
		if t.NetPnL > 0 {
			s.WinningTrades++
			won += t.NetPnL
		} else {
			s.LosingTrades++
			lost -= t.NetPnL
		}
	}
	s.WinRate = float64(s.WinningTrades) / float64(len(trades)) * 100
	s.AvgHoldingMinutes = float64(holding) / float64(len(trades))
	if lost > 0 {
		s.ProfitFactor = won / lost
	}
	return s
}
