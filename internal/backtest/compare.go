package backtest

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/Rajchodisetti/options-engine/internal/broker"
)

// DefaultMatchWindow is the widest entry-time gap that still pairs a
// simulated trade with a live order.
const DefaultMatchWindow = 5 * time.Minute

// MatchKind classifies a comparison record.
type MatchKind string

const (
	Matched       MatchKind = "MATCH"
	SimulatedOnly MatchKind = "SIMULATED_ONLY"
	ActualOnly    MatchKind = "ACTUAL_ONLY"
)

// TradeMatch is one comparison record.
type TradeMatch struct {
	Kind      MatchKind     `json:"kind"`
	Trade     *Trade        `json:"trade,omitempty"`
	Order     *broker.Order `json:"order,omitempty"`
	TimeDiff  time.Duration `json:"time_diff,omitempty"`
	PriceDiff float64       `json:"price_diff,omitempty"`
}

// Comparison is the outcome of diffing simulated trades against live orders.
type Comparison struct {
	Matches           []TradeMatch  `json:"matches"`
	Matched           int           `json:"matched"`
	SimulatedOnly     int           `json:"simulated_only"`
	ActualOnly        int           `json:"actual_only"`
	AvgTimeDeviation  time.Duration `json:"avg_time_deviation"`
	AvgPriceDeviation float64       `json:"avg_price_deviation"`
}

// ActualEntries keeps the filled buy orders, the live counterpart of a
// simulated entry.
func ActualEntries(orders []broker.Order) []broker.Order {
	var out []broker.Order
	for _, o := range orders {
		if o.Filled() && o.Side == broker.Buy && o.Type != broker.TrailingStop {
			out = append(out, o)
		}
	}
	return out
}

func normalizeSymbol(s string) string {
	return strings.TrimSuffix(strings.ToUpper(strings.TrimSpace(s)), ".US")
}

// symbolsMatch compares case-insensitively after dropping the .US suffix;
// either side may contain the other.
func symbolsMatch(a, b string) bool {
	a, b = normalizeSymbol(a), normalizeSymbol(b)
	if a == "" || b == "" {
		return false
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}

func orderTime(o broker.Order) time.Time {
	if !o.FilledAt.IsZero() {
		return o.FilledAt
	}
	return o.SubmittedAt
}

func orderPrice(o broker.Order) float64 {
	if o.FilledPrice > 0 {
		return o.FilledPrice
	}
	return o.LimitPrice
}

// Compare walks the trades in entry-time order and pairs each with the
// nearest unmatched order within window whose symbol matches. Everything
// left over is reported as simulated-only or actual-only.
func Compare(trades []Trade, orders []broker.Order, window time.Duration) Comparison {
	if window <= 0 {
		window = DefaultMatchWindow
	}
	sorted := append([]Trade(nil), trades...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].EntryTime.Before(sorted[j].EntryTime) })

	used := make([]bool, len(orders))
	var cmp Comparison
	var totalTime time.Duration
	var totalPrice float64

	for i := range sorted {
		t := &sorted[i]
		best := -1
		var bestDiff time.Duration
		for j, o := range orders {
			if used[j] || !symbolsMatch(t.Instrument(), o.Symbol) {
				continue
			}
			diff := orderTime(o).Sub(t.EntryTime)
			if diff < 0 {
				diff = -diff
			}
			if diff > window {
				continue
			}
			if best < 0 || diff < bestDiff {
				best, bestDiff = j, diff
			}
		}
		if best < 0 {
			cmp.Matches = append(cmp.Matches, TradeMatch{Kind: SimulatedOnly, Trade: t})
			cmp.SimulatedOnly++
			continue
		}
		used[best] = true
		o := orders[best]
		priceDiff := math.Abs(orderPrice(o) - t.EntryPrice)
		cmp.Matches = append(cmp.Matches, TradeMatch{
			Kind:      Matched,
			Trade:     t,
			Order:     &o,
			TimeDiff:  bestDiff,
			PriceDiff: priceDiff,
		})
		cmp.Matched++
		totalTime += bestDiff
		totalPrice += priceDiff
	}

	for j := range orders {
		if used[j] {
			continue
		}
		o := orders[j]
		cmp.Matches = append(cmp.Matches, TradeMatch{Kind: ActualOnly, Order: &o})
		cmp.ActualOnly++
	}

	if cmp.Matched > 0 {
		cmp.AvgTimeDeviation = totalTime / time.Duration(cmp.Matched)
		cmp.AvgPriceDeviation = totalPrice / float64(cmp.Matched)
	}
	return cmp
}
