package correlation

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/options-engine/internal/market"
)

type fakeSource map[string][]float64

func (f fakeSource) GetCandles(ctx context.Context, symbol string, period market.Period, count int) ([]market.Candle, error) {
	closes, ok := f[symbol]
	if !ok {
		return nil, errors.New("no data")
	}
	out := make([]market.Candle, len(closes))
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, c := range closes {
		out[i] = market.Candle{Time: base.AddDate(0, 0, i), Close: c}
	}
	return out, nil
}

func wave(n int, phase, scale, drift float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 100 + scale*math.Sin(float64(i)/3+phase) + drift*float64(i)
	}
	return out
}

func TestGroupUnionsCorrelatedPairs(t *testing.T) {
	closes := map[string][]float64{
		"SPY.US":  wave(30, 0, 5, 0.1),
		"QQQ.US":  wave(30, 0, 7, 0.12),
		"TSLA.US": wave(30, 2, 5, -0.3),
	}
	groups, matrix := Group([]string{"SPY.US", "QQQ.US", "TSLA.US"}, closes, 0.75)

	assert.Equal(t, []string{"QQQ.US", "SPY.US"}, groups["GROUP_0"])
	assert.Equal(t, []string{"TSLA.US"}, groups["TSLA.US"])
	assert.Len(t, groups, 2)

	assert.Greater(t, matrix["SPY.US|QQQ.US"], 0.95)
	_, reversed := matrix["QQQ.US|SPY.US"]
	assert.False(t, reversed)

	// rounded to four decimals
	v := matrix["SPY.US|TSLA.US"]
	assert.InDelta(t, v, math.Round(v*10000)/10000, 1e-12)
}

func TestGroupNegativeCorrelationJoins(t *testing.T) {
	up := wave(20, 0, 4, 0)
	down := make([]float64, len(up))
	for i, v := range up {
		down[i] = 200 - v
	}
	groups, matrix := Group([]string{"A", "B"}, map[string][]float64{"A": up, "B": down}, 0.75)
	assert.InDelta(t, -1.0, matrix["A|B"], 1e-4)
	assert.Equal(t, []string{"A", "B"}, groups["GROUP_0"])
}

func TestGroupShortHistoryIsUncorrelated(t *testing.T) {
	groups, matrix := Group([]string{"A", "B"}, map[string][]float64{
		"A": {1, 2, 3, 4, 5},
		"B": {1, 2, 3, 4, 5},
	}, 0.75)
	assert.Equal(t, 0.0, matrix["A|B"])
	assert.Len(t, groups, 2)
}

func TestGrouperComputeCachesResult(t *testing.T) {
	ctx := context.Background()
	src := fakeSource{
		"SPY": wave(60, 0, 5, 0.1),
		"QQQ": wave(60, 0, 6, 0.1),
		"IWM": wave(60, 1.5, 5, -0.2),
		"NEW": {1, 2, 3},
	}
	g := NewGrouper(src, nil)
	_, err := g.Current(ctx)
	assert.ErrorIs(t, err, ErrNotComputed)

	res, err := g.Compute(ctx, []string{"SPY", "QQQ", "IWM", "NEW", "GONE", "SPY"}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultThreshold, res.Threshold)
	assert.Equal(t, DefaultLookbackDays, res.LookbackDays)
	assert.ElementsMatch(t, []string{"NEW", "GONE"}, res.Skipped)
	assert.Equal(t, res.GroupOf("SPY"), res.GroupOf("QQQ"))
	assert.NotEqual(t, res.GroupOf("SPY"), res.GroupOf("IWM"))
	assert.Equal(t, "AAPL", res.GroupOf("AAPL"))

	cached, err := g.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, res.Groups, cached.Groups)

	corr, ok := cached.Correlation("QQQ", "SPY")
	assert.True(t, ok)
	assert.Greater(t, corr, 0.9)
}

func TestGrouperRejectsTooFewSymbols(t *testing.T) {
	g := NewGrouper(fakeSource{"SPY": wave(30, 0, 1, 0)}, nil)
	_, err := g.Compute(context.Background(), []string{"SPY", "QQQ"}, 30, 0.8)
	assert.ErrorIs(t, err, ErrTooFewSymbols)

	_, err = g.Compute(context.Background(), []string{"SPY"}, 30, 1.5)
	assert.ErrorIs(t, err, ErrInvalidThreshold)
}
