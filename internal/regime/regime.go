// Package regime classifies the market environment from the market
// temperature, the VIX and a basic market strength score. A veto from this
// package blocks every new entry for the tick.
package regime

import (
	"errors"
	"fmt"

	"github.com/Rajchodisetti/options-engine/internal/indicators"
)

// Label is the temperature/VIX quadrant.
type Label string

const (
	Goldilocks   Label = "Goldilocks"
	VolatileBull Label = "VolatileBull"
	Fear         Label = "Fear"
	Stagnant     Label = "Stagnant"
)

// Environment is the bucketed environment score.
type Environment string

const (
	Good           Environment = "Good"
	NeutralBullish Environment = "NeutralBullish"
	Neutral        Environment = "Neutral"
	NeutralBearish Environment = "NeutralBearish"
	Poor           Environment = "Poor"
)

const (
	vixPanicLevel       = 35.0
	freezingTemperature = 10.0
	highVolLevel        = 25.0
	highVolMultiplier   = 0.8

	// DefaultStopATR and DefaultTargetATR are the base ATR multiples for stops and targets.
	DefaultStopATR   = 2.0
	DefaultTargetATR = 3.0

	ReasonVIXPanic = "VIX panic index too high, forced risk control"
	ReasonFreezing = "Market temperature at freezing point, lacking breadth support"
)

// ErrMissingMarketStrength is returned when no basic market strength was supplied.
var ErrMissingMarketStrength = errors.New("basic market strength unavailable")

// Veto forces the environment to Poor and blocks new entries.
type Veto struct {
	Reason            string      `json:"reason"`
	ForcedEnvironment Environment `json:"forced_environment"`
}

// Result is the per-tick classification. It is never persisted.
type Result struct {
	Label       Label       `json:"label"`
	EnvScore    float64     `json:"env_score"`
	Environment Environment `json:"environment"`
	Veto        *Veto       `json:"veto,omitempty"`
	Temperature float64     `json:"temperature"`
	VIX         float64     `json:"vix"`
}

// BlocksEntries reports whether new positions must not be opened.
func (r Result) BlocksEntries() bool { return r.Veto != nil }

// Inputs to Classify.
type Inputs struct {
	Temperature float64
	VIX         float64

	// BasicMarketStrength is required; nil fails classification.
	BasicMarketStrength *float64
}

// ClassifyLabel maps temperature and VIX onto a quadrant.
func ClassifyLabel(temp, vix float64) Label {
	if temp > 50 {
		if vix < 20 {
			return Goldilocks
		}
		return VolatileBull
	}
	if vix > 20 {
		return Fear
	}
	return Stagnant
}

// EnvScore combines basic strength, temperature and VIX:
// 0.4*basic + 0.4*(T-50)*2 + 0.2*clamp(vixScore, -100, 50).
func EnvScore(basic, temp, vix float64) float64 {
	tempNorm := (temp - 50) * 2
	var vixScore float64
	if vix > 15 {
		vixScore = (15 - vix) * 5
	} else {
		vixScore = (15 - vix) * 2
	}
	vixNorm := indicators.Clamp(vixScore, -100, 50)
	return 0.4*basic + 0.4*tempNorm + 0.2*vixNorm
}

// Bucket maps an environment score onto an Environment.
func Bucket(score float64) Environment {
	switch {
	case score > 50:
		return Good
	case score > 20:
		return NeutralBullish
	case score < -50:
		return Poor
	case score < -20:
		return NeutralBearish
	default:
		return Neutral
	}
}

// CheckVeto evaluates the hard vetoes. VIX takes precedence over temperature.
func CheckVeto(temp, vix float64) *Veto {
	switch {
	case vix > vixPanicLevel:
		return &Veto{Reason: ReasonVIXPanic, ForcedEnvironment: Poor}
	case temp < freezingTemperature:
		return &Veto{Reason: ReasonFreezing, ForcedEnvironment: Poor}
	}
	return nil
}

// Classify produces the full regime result.
func Classify(in Inputs) (Result, error) {
	if in.BasicMarketStrength == nil {
		return Result{}, ErrMissingMarketStrength
	}
	score := EnvScore(*in.BasicMarketStrength, in.Temperature, in.VIX)
	res := Result{
		Label:       ClassifyLabel(in.Temperature, in.VIX),
		EnvScore:    score,
		Environment: Bucket(score),
		Temperature: in.Temperature,
		VIX:         in.VIX,
	}
	if v := CheckVeto(in.Temperature, in.VIX); v != nil {
		res.Veto = v
		res.Environment = v.ForcedEnvironment
	}
	return res, nil
}

// StopTargetMultipliers tightens both ATR multiples by 20%
// when the VIX is above 25.
func StopTargetMultipliers(vix, baseStop, baseTarget float64) (stop, target float64) {
	if vix > highVolLevel {
		return baseStop * highVolMultiplier, baseTarget * highVolMultiplier
	}
	return baseStop, baseTarget
}

// VIXThresholdFactor scales entry thresholds with volatility: clamp(V/20, 0.5, 2.5).
func VIXThresholdFactor(vix float64) float64 {
	if vix <= 0 {
		return 1.0
	}
	return indicators.Clamp(vix/20, 0.5, 2.5)
}

func (r Result) String() string {
	if r.Veto != nil {
		return fmt.Sprintf("%s env=%.1f %s (veto: %s)", r.Label, r.EnvScore, r.Environment, r.Veto.Reason)
	}
	return fmt.Sprintf("%s env=%.1f %s", r.Label, r.EnvScore, r.Environment)
}
