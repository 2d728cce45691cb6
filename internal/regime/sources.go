package regime

import (
	"github.com/Rajchodisetti/options-engine/internal/indicators"
	"github.com/Rajchodisetti/options-engine/internal/market"
)

// Sources names the symbols a snapshot is built from.
type Sources struct {
	SPX      string `yaml:"spx" json:"spx" default:".SPX.US"`
	USDIndex string `yaml:"usd_index" json:"usd_index" default:"USDINDEX"`
	BTC      string `yaml:"btc" json:"btc" default:"BTC.US"`
	VIX      string `yaml:"vix" json:"vix" default:".VIX.US"`
}

func DefaultSources() Sources {
	return Sources{SPX: ".SPX.US", USDIndex: "USDINDEX", BTC: "BTC.US", VIX: ".VIX.US"}
}

// EstimateTemperature stands in for the sentiment feed in replays and when
// the feed is down: 100 - 2.5*VIX, then +6 per up day above 2.5 among the
// last five SPX dailies.
func EstimateTemperature(vix, spxDaily []market.Candle) float64 {
	temp := 50.0
	if len(vix) > 0 {
		temp = indicators.Clamp(100-market.LastClose(vix)*2.5, 0, 100)
	}
	if len(spxDaily) >= 5 {
		up := 0
		for _, bar := range spxDaily[len(spxDaily)-5:] {
			if bar.Close > bar.Open {
				up++
			}
		}
		temp += (float64(up) - 2.5) * 6
	}
	return indicators.Clamp(temp, 0, 100)
}
