package regime

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/options-engine/internal/market"
)

func f(v float64) *float64 { return &v }

func TestClassifyLabel(t *testing.T) {
	tests := []struct {
		name string
		temp float64
		vix  float64
		want Label
	}{
		{"goldilocks", 70, 15, Goldilocks},
		{"volatile_bull_at_20", 70, 20, VolatileBull},
		{"volatile_bull", 51, 25, VolatileBull},
		{"fear", 40, 30, Fear},
		{"stagnant_at_20", 40, 20, Stagnant},
		{"temp_50_is_not_bullish", 50, 15, Stagnant},
		{"temp_50_fear", 50, 20.1, Fear},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyLabel(tt.temp, tt.vix))
		})
	}
}

func TestEnvScoreVectors(t *testing.T) {
	assert.InDelta(t, 36.0, EnvScore(50, 70, 15), 1e-9)
	assert.InDelta(t, 13.0, EnvScore(50, 60, 30), 1e-9)
	assert.InDelta(t, 4.0, EnvScore(50, 30, 15), 1e-9)
}

func TestEnvScoreVIXClamp(t *testing.T) {
	// vixScore = (15-0)*2 = 30, under the +50 cap
	assert.InDelta(t, 0.2*30, EnvScore(0, 50, 0), 1e-9)
	// vixScore = (15-60)*5 = -225 -> -100
	assert.InDelta(t, 0.2*-100, EnvScore(0, 50, 60), 1e-9)
}

func TestBucket(t *testing.T) {
	tests := []struct {
		score float64
		want  Environment
	}{
		{50.01, Good},
		{50, NeutralBullish},
		{20.01, NeutralBullish},
		{20, Neutral},
		{-20, Neutral},
		{-20.01, NeutralBearish},
		{-50, NeutralBearish},
		{-50.01, Poor},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Bucket(tt.score), "score %v", tt.score)
	}
}

func TestVetoBoundaries(t *testing.T) {
	assert.Nil(t, CheckVeto(50, 35))
	v := CheckVeto(50, 35.01)
	require.NotNil(t, v)
	assert.Equal(t, ReasonVIXPanic, v.Reason)

	assert.Nil(t, CheckVeto(10, 15))
	v = CheckVeto(9.99, 15)
	require.NotNil(t, v)
	assert.Equal(t, ReasonFreezing, v.Reason)

	// VIX veto wins when both fire
	v = CheckVeto(5, 40)
	require.NotNil(t, v)
	assert.Equal(t, ReasonVIXPanic, v.Reason)
}

func TestClassifyVetoForcesPoor(t *testing.T) {
	res, err := Classify(Inputs{Temperature: 80, VIX: 40, BasicMarketStrength: f(90)})
	require.NoError(t, err)
	assert.Equal(t, Poor, res.Environment)
	assert.True(t, res.BlocksEntries())
	assert.Equal(t, VolatileBull, res.Label)

	res, err = Classify(Inputs{Temperature: 70, VIX: 15, BasicMarketStrength: f(50)})
	require.NoError(t, err)
	assert.Equal(t, NeutralBullish, res.Environment)
	assert.False(t, res.BlocksEntries())
}

func TestClassifyMissingStrength(t *testing.T) {
	_, err := Classify(Inputs{Temperature: 70, VIX: 15})
	assert.True(t, errors.Is(err, ErrMissingMarketStrength))
}

func TestStopTargetMultipliers(t *testing.T) {
	stop, target := StopTargetMultipliers(30, DefaultStopATR, DefaultTargetATR)
	assert.InDelta(t, 1.6, stop, 1e-9)
	assert.InDelta(t, 2.4, target, 1e-9)

	stop, target = StopTargetMultipliers(25, DefaultStopATR, DefaultTargetATR)
	assert.Equal(t, 2.0, stop)
	assert.Equal(t, 3.0, target)
}

func TestVIXThresholdFactor(t *testing.T) {
	assert.Equal(t, 0.5, VIXThresholdFactor(5))
	assert.Equal(t, 1.0, VIXThresholdFactor(20))
	assert.Equal(t, 2.5, VIXThresholdFactor(80))
	assert.Equal(t, 1.0, VIXThresholdFactor(0))
}

func series(n int, start, step float64) []market.Candle {
	out := make([]market.Candle, n)
	for i := range out {
		v := start + float64(i)*step
		out[i] = market.Candle{Close: v, High: v, Low: v}
	}
	return out
}

func TestClassifySnapshot(t *testing.T) {
	spx := series(30, 4000, 10)
	usd := series(30, 100, -0.1)
	btc := series(30, 40000, 100)
	vix := series(5, 15, 0)

	snap := NewSnapshot(1, time.Now(), spx, usd, btc, vix, 70)
	spx[0].Close = -1
	assert.Equal(t, 4000.0, snap.SPX[0].Close, "snapshot must own its series")

	basic, err := BasicMarketStrength(snap)
	require.NoError(t, err)
	assert.Greater(t, basic, 0.0)

	res, err := ClassifySnapshot(snap)
	require.NoError(t, err)
	assert.Equal(t, Goldilocks, res.Label)
	assert.Equal(t, 15.0, res.VIX)

	short := NewSnapshot(2, time.Now(), spx[:5], usd, btc, vix, 70)
	_, err = ClassifySnapshot(short)
	assert.ErrorIs(t, err, ErrMissingMarketStrength)
}

func TestEstimateTemperature(t *testing.T) {
	vix := []market.Candle{{Close: 20}}
	up := make([]market.Candle, 5)
	down := make([]market.Candle, 5)
	for i := range up {
		up[i] = market.Candle{Open: 1, Close: 2}
		down[i] = market.Candle{Open: 2, Close: 1}
	}

	assert.InDelta(t, 50, EstimateTemperature(vix, nil), 1e-9)
	assert.InDelta(t, 65, EstimateTemperature(vix, up), 1e-9)
	assert.InDelta(t, 35, EstimateTemperature(vix, down), 1e-9)
	assert.InDelta(t, 0, EstimateTemperature([]market.Candle{{Close: 45}}, down), 1e-9)
	assert.InDelta(t, 50, EstimateTemperature(nil, nil), 1e-9)
}
