package regime

import (
	"fmt"
	"time"

	"github.com/Rajchodisetti/options-engine/internal/indicators"
	"github.com/Rajchodisetti/options-engine/internal/market"
)

// Snapshot is the market state captured once per scheduler tick. It owns
// copies of its series so it can be handed to concurrent evaluators by value.
type Snapshot struct {
	Version     int64           `json:"version"`
	TakenAt     time.Time       `json:"taken_at"`
	SPX         []market.Candle `json:"spx"`
	USDIndex    []market.Candle `json:"usd_index"`
	BTC         []market.Candle `json:"btc"`
	VIX         []market.Candle `json:"vix"`
	Temperature float64         `json:"temperature"`
}

// NewSnapshot copies the given series into a fresh snapshot.
func NewSnapshot(version int64, takenAt time.Time, spx, usd, btc, vix []market.Candle, temperature float64) Snapshot {
	cp := func(c []market.Candle) []market.Candle {
		out := make([]market.Candle, len(c))
		copy(out, c)
		return out
	}
	return Snapshot{
		Version:     version,
		TakenAt:     takenAt,
		SPX:         cp(spx),
		USDIndex:    cp(usd),
		BTC:         cp(btc),
		VIX:         cp(vix),
		Temperature: temperature,
	}
}

// LatestVIX returns the last VIX close.
func (s Snapshot) LatestVIX() float64 { return market.LastClose(s.VIX) }

// BasicMarketStrength weighs SPX trend 0.4, inverse USD trend 0.2 and BTC
// trend 0.2 (0.1 when BTC and SPX are not moving together).
func BasicMarketStrength(s Snapshot) (float64, error) {
	spx, ok := indicators.TrendStrength(s.SPX)
	if !ok {
		return 0, fmt.Errorf("spx series too short: %d bars", len(s.SPX))
	}
	usd, ok := indicators.TrendStrength(s.USDIndex)
	if !ok {
		return 0, fmt.Errorf("usd index series too short: %d bars", len(s.USDIndex))
	}
	btc, ok := indicators.TrendStrength(s.BTC)
	if !ok {
		return 0, fmt.Errorf("btc series too short: %d bars", len(s.BTC))
	}

	btcWeight := 0.1
	if indicators.Pearson(market.Closes(s.SPX), market.Closes(s.BTC)) > 0.5 {
		btcWeight = 0.2
	}
	return spx*0.4 - usd*0.2 + btc*btcWeight, nil
}

// ClassifySnapshot derives the regime for a snapshot. A strength error is
// returned wrapped with ErrMissingMarketStrength.
func ClassifySnapshot(s Snapshot) (Result, error) {
	basic, err := BasicMarketStrength(s)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMissingMarketStrength, err)
	}
	return Classify(Inputs{Temperature: s.Temperature, VIX: s.LatestVIX(), BasicMarketStrength: &basic})
}
