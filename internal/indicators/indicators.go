// Package indicators implements the technical helpers used by the scoring
// engine and the replay engine. All functions take candles oldest first.
package indicators

import (
	"math"

	"github.com/Rajchodisetti/options-engine/internal/market"
)

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// SMA returns the mean of the last n closes, or NaN with fewer than n bars.
func SMA(c []market.Candle, n int) float64 {
	if n <= 0 || len(c) < n {
		return math.NaN()
	}
	var sum float64
	for _, bar := range c[len(c)-n:] {
		sum += bar.Close
	}
	return sum / float64(n)
}

// RSI returns the n-period Relative Strength Index using Wilder's smoothing.
// ok is false when fewer than n+1 bars are available.
func RSI(c []market.Candle, n int) (float64, bool) {
	if n <= 0 || len(c) < n+1 {
		return 0, false
	}
	var avgGain, avgLoss float64
	for i := 1; i <= n; i++ {
		d := c[i].Close - c[i-1].Close
		if d > 0 {
			avgGain += d
		} else {
			avgLoss -= d
		}
	}
	avgGain /= float64(n)
	avgLoss /= float64(n)

	for i := n + 1; i < len(c); i++ {
		d := c[i].Close - c[i-1].Close
		gain, loss := 0.0, 0.0
		if d > 0 {
			gain = d
		} else {
			loss = -d
		}
		avgGain = (avgGain*float64(n-1) + gain) / float64(n)
		avgLoss = (avgLoss*float64(n-1) + loss) / float64(n)
	}

	if avgLoss == 0 {
		if avgGain == 0 {
			return 50, true
		}
		return 100, true
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), true
}

// ATR returns the n-period Average True Range with Wilder's smoothing.
func ATR(c []market.Candle, n int) (float64, bool) {
	if n <= 0 || len(c) < n+1 {
		return 0, false
	}
	tr := func(i int) float64 {
		hl := c[i].High - c[i].Low
		hc := math.Abs(c[i].High - c[i-1].Close)
		lc := math.Abs(c[i].Low - c[i-1].Close)
		return math.Max(hl, math.Max(hc, lc))
	}
	var atr float64
	for i := 1; i <= n; i++ {
		atr += tr(i)
	}
	atr /= float64(n)
	for i := n + 1; i < len(c); i++ {
		atr = (atr*float64(n-1) + tr(i)) / float64(n)
	}
	return atr, true
}

// Momentum averages the bar-to-bar percentage change over the first ten bars
// of the window, scaled by 1000 and clamped to [-100, 100]. Fewer than five
// bars yields 0.
func Momentum(c []market.Candle) float64 {
	if len(c) < 5 {
		return 0
	}
	limit := len(c)
	if limit > 10 {
		limit = 10
	}
	var sum float64
	var n int
	for i := 1; i < limit; i++ {
		if c[i-1].Close == 0 {
			continue
		}
		sum += (c[i].Close - c[i-1].Close) / c[i-1].Close
		n++
	}
	if n == 0 {
		return 0
	}
	return Clamp(sum/float64(n)*1000, -100, 100)
}

// VWAP returns the volume-weighted typical price. Bars without volume count
// with unit weight so thin feeds still produce a level.
func VWAP(c []market.Candle) float64 {
	var pv, vol float64
	for _, bar := range c {
		w := bar.Volume
		if w <= 0 {
			w = 1
		}
		typical := (bar.High + bar.Low + bar.Close) / 3
		if bar.High == 0 && bar.Low == 0 {
			typical = bar.Close
		}
		pv += typical * w
		vol += w
	}
	if vol == 0 {
		return 0
	}
	return pv / vol
}

// TrendStrength scores the last close against its 20- and 10-bar means in
// [-100, 100]. A stacked short-term trend adds or removes 20 points.
// ok is false with fewer than 20 bars.
func TrendStrength(c []market.Candle) (float64, bool) {
	if len(c) < 20 {
		return 0, false
	}
	last := c[len(c)-1].Close
	avg20 := SMA(c, 20)
	avg10 := SMA(c, 10)
	if avg20 == 0 {
		return 0, false
	}

	strength := (last - avg20) / avg20 * 100 * 5
	switch {
	case last > avg10 && avg10 > avg20:
		strength += 20
	case last < avg10 && avg10 < avg20:
		strength -= 20
	}
	return Clamp(strength, -100, 100), true
}

// Pearson returns the correlation coefficient of two equally sized series.
// Series shorter than 10 points, or with zero variance, yield 0.
func Pearson(x, y []float64) float64 {
	n := len(x)
	if len(y) < n {
		n = len(y)
	}
	if n < 10 {
		return 0
	}
	x, y = x[len(x)-n:], y[len(y)-n:]

	var sumX, sumY, sumXY, sumX2, sumY2 float64
	for i := 0; i < n; i++ {
		sumX += x[i]
		sumY += y[i]
		sumXY += x[i] * y[i]
		sumX2 += x[i] * x[i]
		sumY2 += y[i] * y[i]
	}
	fn := float64(n)
	num := fn*sumXY - sumX*sumY
	den := math.Sqrt((fn*sumX2 - sumX*sumX) * (fn*sumY2 - sumY*sumY))
	if den == 0 || math.IsNaN(den) {
		return 0
	}
	return num / den
}
