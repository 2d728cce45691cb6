package scoring

import (
	"math"

	"github.com/Rajchodisetti/options-engine/internal/indicators"
	"github.com/Rajchodisetti/options-engine/internal/market"
)

// Weights of the final directional score.
const (
	marketWeight   = 0.2
	intradayWeight = 0.6
	timeWeight     = 0.2

	// Below this magnitude a signal that disagrees with the VWAP side is dropped.
	structureOverride = 30.0
)

// IntradayInputs are the intraday series feeding the intraday component.
type IntradayInputs struct {
	Underlying  []market.Candle // 1m bars of the underlying for the session so far
	SPXIntraday []market.Candle // hourly SPX bars
	BTCHourly   []market.Candle
	USDHourly   []market.Candle
}

// Composite is the breakdown of a directional score.
type Composite struct {
	Market    float64   `json:"market"`
	Intraday  float64   `json:"intraday"`
	TimeAdj   float64   `json:"time_adj"`
	Final     float64   `json:"final"`
	VWAP      float64   `json:"vwap"`
	Direction Direction `json:"direction"`
	Aligned   bool      `json:"aligned"`
}

// IntradayScore weighs underlying 1m momentum 0.3, VWAP distance 0.15, SPX
// intraday momentum 0.25, BTC hourly 0.15 and inverse USD hourly 0.15.
// Components whose series are too short contribute nothing.
func IntradayScore(in IntradayInputs) float64 {
	var score float64
	if len(in.Underlying) >= 5 {
		recent := in.Underlying
		if len(recent) > 20 {
			recent = recent[len(recent)-20:]
		}
		score += indicators.Momentum(recent) * 0.3
	}
	score += VWAPPositionScore(in.Underlying)
	if len(in.SPXIntraday) >= 5 {
		score += indicators.Momentum(in.SPXIntraday) * 0.25
	}
	if len(in.BTCHourly) >= 10 {
		score += indicators.Momentum(in.BTCHourly) * 0.15
	}
	if len(in.USDHourly) >= 10 {
		score -= indicators.Momentum(in.USDHourly) * 0.15
	}
	return indicators.Clamp(score, -100, 100)
}

// VWAPPositionScore converts the percentage distance of the last close from
// VWAP into clamp(dist*200, -100, 100) weighted by 0.15.
func VWAPPositionScore(bars []market.Candle) float64 {
	if len(bars) == 0 {
		return 0
	}
	vwap := indicators.VWAP(bars)
	if vwap <= 0 {
		return 0
	}
	dist := (market.LastClose(bars) - vwap) / vwap * 100
	return indicators.Clamp(dist*200, -100, 100) * 0.15
}

// TimeWindowAdjustment favours the first trading hour and penalises the
// approach to the close. Minutes are measured from exchange midnight.
func TimeWindowAdjustment(minuteOfDay, openMinute, closeMinute int) float64 {
	forceClose := closeMinute - 30
	switch {
	case minuteOfDay < openMinute+60:
		return 20
	case minuteOfDay > forceClose:
		return -50
	case minuteOfDay > forceClose-60:
		return -30
	case minuteOfDay > openMinute+120:
		return -10
	default:
		return 0
	}
}

// Compose builds the final directional score from the regime environment
// score, the intraday inputs and the time of day. The direction is only a
// hint; entry qualification is decided by Evaluate.
func Compose(envScore float64, in IntradayInputs, minuteOfDay, openMinute, closeMinute int) Composite {
	c := Composite{
		Market:   envScore,
		Intraday: IntradayScore(in),
		TimeAdj:  TimeWindowAdjustment(minuteOfDay, openMinute, closeMinute),
		Aligned:  true,
	}
	c.Final = c.Market*marketWeight + c.Intraday*intradayWeight + c.TimeAdj*timeWeight
	c.VWAP = indicators.VWAP(in.Underlying)

	switch {
	case c.Final > 0:
		c.Direction = Long
	case c.Final < 0:
		c.Direction = Short
	default:
		c.Direction = Hold
	}

	if len(in.Underlying) >= 2 && c.VWAP > 0 && c.Direction != Hold {
		above := market.LastClose(in.Underlying) > c.VWAP
		mismatch := (c.Direction == Long && !above) || (c.Direction == Short && above)
		if mismatch {
			c.Aligned = false
			if math.Abs(c.Final) < structureOverride {
				c.Direction = Hold
				c.Final = 0
			}
		}
	}
	return c
}

// SpreadScore rates quote liquidity in [0, 100]: a 1% spread scores 90 and a
// 10% spread scores 0. A missing quote scores 0.
func SpreadScore(q *market.Quote) float64 {
	if q == nil || q.Bid <= 0 || q.Ask <= 0 {
		return 0
	}
	return indicators.Clamp(100-q.SpreadPct()*1000, 0, 100)
}

// CandidateFrom assembles the evaluation candidate for one symbol from its
// composite score, its 1m bars (for RSI) and the quote used for liquidity.
func CandidateFrom(symbol string, comp Composite, bars []market.Candle, q *market.Quote, zeroDTE bool) Candidate {
	rsi, ok := indicators.RSI(bars, 14)
	return Candidate{
		Symbol:      symbol,
		Directional: comp.Final,
		Spread:      SpreadScore(q),
		RSI:         rsi,
		HasRSI:      ok,
		ZeroDTE:     zeroDTE,
	}
}
