// Package scoring turns market and per-symbol data into entry and exit
// decisions. Functions here are pure; the only stateful piece is Confirmer.
package scoring

import (
	"fmt"
	"math"

	"github.com/Rajchodisetti/options-engine/internal/regime"
)

// Direction of a signal or a position.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
	Hold  Direction = "HOLD"
)

// Thresholds are the per-strategy entry parameters.
type Thresholds struct {
	DirectionalScoreMin float64 `json:"directional_score_min" yaml:"directional_score_min"`
	SpreadScoreMin      float64 `json:"spread_score_min" yaml:"spread_score_min"`
	ZDTEEntryThreshold  float64 `json:"zdte_entry_threshold" yaml:"zdte_entry_threshold"`
	RSIOversold         float64 `json:"rsi_oversold" yaml:"rsi_oversold"`
	RSIOverbought       float64 `json:"rsi_overbought" yaml:"rsi_overbought"`
	VIXAdjustThreshold  bool    `json:"vix_adjust_threshold" yaml:"vix_adjust_threshold"`
}

// Candidate carries the scores computed for one symbol in one cycle.
type Candidate struct {
	Symbol      string
	Directional float64 // signed; positive favours long
	Spread      float64 // 0..100, higher is more liquid
	RSI         float64
	HasRSI      bool
	ZeroDTE     bool
}

// Signal is the outcome of an entry evaluation.
type Signal struct {
	Symbol         string    `json:"symbol"`
	Direction      Direction `json:"direction"`
	Qualifies      bool      `json:"qualifies"`
	Reason         string    `json:"reason"`
	DirectionalMin float64   `json:"directional_min"`
	SpreadMin      float64   `json:"spread_min"`
	Phase          Phase     `json:"phase"`
}

// EffectiveThresholds returns the phase-scaled directional and spread minimums.
// Same-day contracts use the 0DTE threshold in place of the directional minimum.
func EffectiveThresholds(th Thresholds, phase Phase, zeroDTE bool, vix float64) (directional, spread float64) {
	directional = th.DirectionalScoreMin
	if zeroDTE && th.ZDTEEntryThreshold > 0 {
		directional = th.ZDTEEntryThreshold
	}
	if th.VIXAdjustThreshold {
		directional *= regime.VIXThresholdFactor(vix)
	}
	scale := phase.Scale()
	return directional * scale, th.SpreadScoreMin * scale
}

// Evaluate applies thresholds and the RSI filter to a candidate.
func Evaluate(c Candidate, th Thresholds, phase Phase, vix float64) Signal {
	dirMin, spreadMin := EffectiveThresholds(th, phase, c.ZeroDTE, vix)
	sig := Signal{
		Symbol:         c.Symbol,
		Direction:      Hold,
		DirectionalMin: dirMin,
		SpreadMin:      spreadMin,
		Phase:          phase,
	}

	if c.Directional == 0 || math.Abs(c.Directional) < dirMin {
		sig.Reason = fmt.Sprintf("directional %.1f below %.1f", c.Directional, dirMin)
		return sig
	}
	if c.Spread < spreadMin {
		sig.Reason = fmt.Sprintf("spread score %.1f below %.1f", c.Spread, spreadMin)
		return sig
	}

	dir := Long
	if c.Directional < 0 {
		dir = Short
	}

	if c.HasRSI {
		if dir == Short && th.RSIOversold > 0 && c.RSI < th.RSIOversold {
			sig.Reason = fmt.Sprintf("rsi %.1f oversold, short vetoed", c.RSI)
			return sig
		}
		if dir == Long && th.RSIOverbought > 0 && c.RSI > th.RSIOverbought {
			sig.Reason = fmt.Sprintf("rsi %.1f overbought, long vetoed", c.RSI)
			return sig
		}
	}

	sig.Direction = dir
	sig.Qualifies = true
	sig.Reason = fmt.Sprintf("%s score %.1f >= %.1f", dir, math.Abs(c.Directional), dirMin)
	return sig
}
