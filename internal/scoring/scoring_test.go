package scoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/options-engine/internal/market"
)

func TestPhaseAt(t *testing.T) {
	tests := []struct {
		ttc  time.Duration
		want Phase
	}{
		{6 * time.Hour, PhaseEarly},
		{5 * time.Hour, PhaseMid},
		{3 * time.Hour, PhaseMid},
		{2 * time.Hour, PhaseLate},
		{31 * time.Minute, PhaseLate},
		{30 * time.Minute, PhaseFinal},
		{-time.Minute, PhaseFinal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PhaseAt(tt.ttc), "ttc=%s", tt.ttc)
	}
}

func TestEffectiveThresholdsScaleByPhase(t *testing.T) {
	th := Thresholds{DirectionalScoreMin: 50, SpreadScoreMin: 20, ZDTEEntryThreshold: 70}

	d, s := EffectiveThresholds(th, PhaseEarly, false, 20)
	assert.Equal(t, 50.0, d)
	assert.Equal(t, 20.0, s)

	d, s = EffectiveThresholds(th, PhaseMid, false, 20)
	assert.InDelta(t, 40.0, d, 1e-9)
	assert.InDelta(t, 16.0, s, 1e-9)

	d, _ = EffectiveThresholds(th, PhaseLate, true, 20)
	assert.InDelta(t, 42.0, d, 1e-9)

	d, _ = EffectiveThresholds(th, PhaseFinal, false, 20)
	assert.InDelta(t, 20.0, d, 1e-9)

	th.VIXAdjustThreshold = true
	d, _ = EffectiveThresholds(th, PhaseEarly, false, 40)
	assert.InDelta(t, 100.0, d, 1e-9)
}

func TestEvaluate(t *testing.T) {
	th := Thresholds{DirectionalScoreMin: 30, SpreadScoreMin: 50, ZDTEEntryThreshold: 45, RSIOversold: 30, RSIOverbought: 70}

	tests := []struct {
		name      string
		cand      Candidate
		qualifies bool
		dir       Direction
	}{
		{"long", Candidate{Directional: 35, Spread: 60}, true, Long},
		{"short", Candidate{Directional: -35, Spread: 60}, true, Short},
		{"at_threshold", Candidate{Directional: 30, Spread: 50}, true, Long},
		{"weak", Candidate{Directional: 29.9, Spread: 60}, false, Hold},
		{"illiquid", Candidate{Directional: 80, Spread: 49}, false, Hold},
		{"zdte_stricter", Candidate{Directional: 40, Spread: 60, ZeroDTE: true}, false, Hold},
		{"zdte_ok", Candidate{Directional: 46, Spread: 60, ZeroDTE: true}, true, Long},
		{"short_oversold", Candidate{Directional: -60, Spread: 60, RSI: 25, HasRSI: true}, false, Hold},
		{"long_overbought", Candidate{Directional: 60, Spread: 60, RSI: 75, HasRSI: true}, false, Hold},
		{"long_oversold_ok", Candidate{Directional: 60, Spread: 60, RSI: 25, HasRSI: true}, true, Long},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := Evaluate(tt.cand, th, PhaseEarly, 20)
			assert.Equal(t, tt.qualifies, sig.Qualifies, sig.Reason)
			assert.Equal(t, tt.dir, sig.Direction)
		})
	}
}

func TestConfirmerHysteresis(t *testing.T) {
	c := NewConfirmer()
	long := Signal{Direction: Long, Qualifies: true}
	short := Signal{Direction: Short, Qualifies: true}
	miss := Signal{Direction: Hold}

	assert.True(t, c.Observe("a", long, 1), "N=1 acts immediately")

	assert.False(t, c.Observe("b", long, 3))
	assert.False(t, c.Observe("b", long, 3))
	assert.True(t, c.Observe("b", long, 3))

	assert.False(t, c.Observe("c", long, 2))
	assert.False(t, c.Observe("c", miss, 2))
	assert.Equal(t, 0, c.Count("c"))
	assert.False(t, c.Observe("c", long, 2))
	assert.False(t, c.Observe("c", short, 2), "flip restarts the streak")
	assert.True(t, c.Observe("c", short, 2))

	c.Reset("c")
	assert.Equal(t, 0, c.Count("c"))
}

func TestTimeWindowAdjustment(t *testing.T) {
	assert.Equal(t, 20.0, TimeWindowAdjustment(600, 570, 960))
	assert.Equal(t, 0.0, TimeWindowAdjustment(680, 570, 960))
	assert.Equal(t, -10.0, TimeWindowAdjustment(700, 570, 960))
	assert.Equal(t, -30.0, TimeWindowAdjustment(900, 570, 960))
	assert.Equal(t, -50.0, TimeWindowAdjustment(935, 570, 960))
}

func bars(vals ...float64) []market.Candle {
	out := make([]market.Candle, len(vals))
	for i, v := range vals {
		out[i] = market.Candle{High: v, Low: v, Close: v, Volume: 1}
	}
	return out
}

func TestComposeStructureAlignment(t *testing.T) {
	// Price below VWAP with a mildly positive total: the long disagrees with
	// structure and is too weak to override it.
	down := bars(110, 108, 106, 104, 102, 100)
	c := Compose(100, IntradayInputs{Underlying: down}, 700, 570, 960)
	assert.False(t, c.Aligned)
	assert.Equal(t, Hold, c.Direction)
	assert.Equal(t, 0.0, c.Final)

	// A short below VWAP agrees with structure.
	c = Compose(40, IntradayInputs{Underlying: down}, 680, 570, 960)
	assert.True(t, c.Aligned)
	assert.Equal(t, Short, c.Direction)

	up := bars(100, 101, 102, 103, 104, 105)
	c = Compose(50, IntradayInputs{Underlying: up}, 680, 570, 960)
	assert.True(t, c.Aligned)
	assert.Equal(t, Long, c.Direction)
	assert.Greater(t, c.Final, 0.0)
}

func TestSpreadScore(t *testing.T) {
	assert.Equal(t, 0.0, SpreadScore(nil))
	assert.InDelta(t, 90.0, SpreadScore(&market.Quote{Bid: 0.995, Ask: 1.005}), 1e-6)
	assert.Equal(t, 0.0, SpreadScore(&market.Quote{Bid: 0.5, Ask: 1.5}))
}

func TestEmergencyStopLoss(t *testing.T) {
	esl := EmergencyStopLoss(4.0)
	assert.Equal(t, 2.0, esl)
	assert.False(t, EmergencyTriggered(2.01, esl))
	assert.True(t, EmergencyTriggered(2.0, esl))
	assert.True(t, EmergencyTriggered(1.5, esl))
	assert.False(t, EmergencyTriggered(1.5, 0))
}

func TestEvaluateExit(t *testing.T) {
	base := Position{Direction: Long, EntryPrice: 2.0, Quantity: 1, Multiplier: 100}

	p := base
	p.CurrentPrice = 1.0
	p.EmergencyStopLoss = 1.0
	reason, _ := EvaluateExit(p, PhaseEarly)
	assert.Equal(t, ExitEmergencyStop, reason)

	p = base
	p.CurrentPrice = 3.1
	reason, _ = EvaluateExit(p, PhaseEarly)
	assert.Equal(t, ExitTakeProfit, reason)

	p = base
	p.CurrentPrice = 2.5 // +25%: below EARLY take-profit, above FINAL
	reason, _ = EvaluateExit(p, PhaseEarly)
	assert.Equal(t, ExitNone, reason)
	reason, _ = EvaluateExit(p, PhaseFinal)
	assert.Equal(t, ExitTakeProfit, reason)

	p = base
	p.CurrentPrice = 1.2
	reason, _ = EvaluateExit(p, PhaseEarly)
	assert.Equal(t, ExitStopLoss, reason)

	p = base
	p.PeakPrice = 2.8    // +40% peak arms the trailing stop
	p.CurrentPrice = 2.3 // ~17.9% off the peak
	reason, _ = EvaluateExit(p, PhaseEarly)
	assert.Equal(t, ExitTrailingStop, reason)

	p = Position{Direction: Short, EntryPrice: 100, Quantity: 10, StopLoss: 104, TakeProfit: 94, CurrentPrice: 104.5}
	reason, _ = EvaluateExit(p, PhaseEarly)
	assert.Equal(t, ExitStopLoss, reason)
}

func TestATRLevels(t *testing.T) {
	stop, target := ATRLevels(100, 2, 15, Long, 2.0, 3.0)
	assert.Equal(t, 96.0, stop)
	assert.Equal(t, 106.0, target)

	stop, target = ATRLevels(100, 2, 30, Short, 2.0, 3.0)
	assert.InDelta(t, 103.2, stop, 1e-9)
	assert.InDelta(t, 95.2, target, 1e-9)
}

func TestPnLIncludesFees(t *testing.T) {
	p := Position{Direction: Long, EntryPrice: 1.0, Quantity: 2, Multiplier: 100, EntryFees: 1.59, ExitFees: 1.59}
	pnl := p.ComputePnL(1.5)
	require.InDelta(t, 100.0, pnl.Gross, 1e-9)
	assert.InDelta(t, 96.82, pnl.Net, 1e-9)
	assert.InDelta(t, 1.0159, pnl.BreakEven, 1e-9)
}
