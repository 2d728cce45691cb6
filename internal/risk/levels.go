package risk

import (
	"github.com/Rajchodisetti/options-engine/internal/options"
	"github.com/Rajchodisetti/options-engine/internal/scoring"
	"github.com/Rajchodisetti/options-engine/internal/strategy"
)

// ExitLevels returns the stop and target for a new position. Stock legs use
// ATR multiples around the fill; option premiums use the exit table row of
// the entry phase. dir is the direction of the traded instrument, so a
// bought put is Long.
func ExitLevels(p strategy.Params, entry, atr, vix float64, dir scoring.Direction, phase scoring.Phase) (stop, target float64) {
	if p.AssetClass == options.AssetStock && atr > 0 {
		return scoring.ATRLevels(entry, atr, vix, dir, p.StopATRMultiplier, p.TargetATRMultiplier)
	}
	return scoring.PercentLevels(entry, scoring.DynamicExitParams(phase, false), dir)
}
