package outbox

import (
	"math/rand"
	"time"
)

// FillSimulator prices paper fills with a bounded random slippage.
type FillSimulator struct {
	slippageBpsMin int
	slippageBpsMax int
	rng            *rand.Rand
}

func NewFillSimulator(slippageBpsMin, slippageBpsMax int, seed int64) *FillSimulator {
	if slippageBpsMax < slippageBpsMin {
		slippageBpsMax = slippageBpsMin
	}
	return &FillSimulator{
		slippageBpsMin: slippageBpsMin,
		slippageBpsMax: slippageBpsMax,
		rng:            rand.New(rand.NewSource(seed)),
	}
}

// SimulateFill fills the whole order at marketPrice adjusted against the
// trader: buys pay up, sells receive less.
func (fs *FillSimulator) SimulateFill(order Order, marketPrice float64, at time.Time) Fill {
	slippageBps := fs.slippageBpsMin
	if span := fs.slippageBpsMax - fs.slippageBpsMin; span > 0 {
		slippageBps += fs.rng.Intn(span + 1)
	}

	slippageMultiplier := 1.0 + float64(slippageBps)/10000.0
	switch order.Side {
	case "BUY":
		marketPrice *= slippageMultiplier
	case "SELL":
		marketPrice /= slippageMultiplier
	}

	return Fill{
		OrderID:     order.ID,
		Symbol:      order.Symbol,
		Quantity:    order.Quantity,
		Price:       marketPrice,
		Side:        order.Side,
		Timestamp:   at.UTC(),
		SlippageBps: slippageBps,
	}
}
