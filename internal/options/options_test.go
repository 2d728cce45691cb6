package options

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/options-engine/internal/market"
)

func TestFees(t *testing.T) {
	m := DefaultFeeModel()

	tests := []struct {
		contracts int
		want      float64
	}{
		{0, 0},
		{1, 1.29},  // 0.99 minimum + 0.30
		{5, 2.49},  // 0.99 minimum + 1.50
		{10, 4.00}, // 1.00 + 3.00
		{20, 8.00}, // 2.00 + 6.00
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, m.Fees(tt.contracts).Total, 1e-9, "contracts=%d", tt.contracts)
	}
	assert.InDelta(t, 251.29, m.OrderCost(2.5, 100, 1), 1e-9)
}

func TestQuantity(t *testing.T) {
	n, err := Quantity(Sizing{Mode: SizingFixedContracts, FixedContracts: 3}, 1.2, 100)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = Quantity(Sizing{Mode: SizingMaxPremium, MaxPremiumUSD: 500}, 1.2, 100)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	n, err = Quantity(Sizing{Mode: SizingMaxPremium, MaxPremiumUSD: 120}, 1.2, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = Quantity(Sizing{Mode: SizingMaxPremium, MaxPremiumUSD: 100}, 1.2, 100)
	assert.ErrorIs(t, err, ErrUnaffordable)
}

func TestValidateOrderQuote(t *testing.T) {
	zero := &market.Quote{Symbol: "X"}

	// option legs: nil or zero price rejected
	assert.ErrorIs(t, ValidateOrderQuote(AssetOption, nil, 1.0, 5), ErrNoQuote)
	assert.ErrorIs(t, ValidateOrderQuote(AssetOption, zero, 1.0, 5), ErrNoQuote)
	assert.NoError(t, ValidateOrderQuote(AssetOption, &market.Quote{Bid: 1, Ask: 1.1}, 1.1, 5))

	// stock legs with the same quotes are not rejected on that basis
	assert.NoError(t, ValidateOrderQuote(AssetStock, nil, 100, 5))
	assert.NoError(t, ValidateOrderQuote(AssetStock, zero, 100, 5))

	err := ValidateOrderQuote(AssetStock, &market.Quote{Last: 100}, 106, 5)
	assert.True(t, errors.Is(err, ErrPriceDeviation))
	assert.NoError(t, ValidateOrderQuote(AssetStock, &market.Quote{Last: 100}, 104, 5))
}

func TestEntryPremium(t *testing.T) {
	q := &market.Quote{Bid: 1.0, Ask: 1.2}
	p, err := EntryPremium(q, PriceAsk)
	require.NoError(t, err)
	assert.Equal(t, 1.2, p)

	p, err = EntryPremium(q, PriceMid)
	require.NoError(t, err)
	assert.InDelta(t, 1.1, p, 1e-9)

	_, err = EntryPremium(nil, PriceAsk)
	assert.ErrorIs(t, err, ErrNoQuote)
}

func chain(now time.Time, cal market.Calendar) []market.OptionContract {
	today := cal.OpenAt(now)
	friday := today.AddDate(0, 0, 3)
	mk := func(exp time.Time, right market.Right, strike float64, bid, ask float64, oi int64) market.OptionContract {
		return market.OptionContract{
			Symbol:       OCCSymbol("SPY", exp, right, strike),
			Underlying:   "SPY",
			Right:        right,
			Strike:       strike,
			Expiration:   exp,
			OpenInterest: oi,
			Quote:        &market.Quote{Bid: bid, Ask: ask},
		}
	}
	return []market.OptionContract{
		mk(today, market.Call, 500, 2.00, 2.10, 900),
		mk(today, market.Call, 501, 1.50, 1.52, 1500),
		mk(today, market.Call, 502, 1.00, 1.40, 3000),
		mk(today, market.Put, 500, 1.80, 1.82, 5000),
		mk(friday, market.Call, 500, 4.00, 4.02, 8000),
		{Symbol: "NOQUOTE", Right: market.Call, Strike: 499, Expiration: today, OpenInterest: 10000},
	}
}

func TestSelectPrefersTightestSpread(t *testing.T) {
	cal := market.NewCalendar()
	now := time.Date(2024, 3, 12, 10, 0, 0, 0, cal.Location)

	sel, err := NewSelector(DefaultFeeModel()).Select(chain(now, cal), Request{
		Underlying:      "SPY",
		UnderlyingPrice: 500.4,
		Right:           market.Call,
		Expiration:      ExpirationZeroDTE,
		PriceMode:       PriceAsk,
		Sizing:          Sizing{Mode: SizingMaxPremium, MaxPremiumUSD: 400},
		Liquidity:       LiquidityFilters{MinOpenInterest: 1000},
		Now:             now,
		Calendar:        cal,
	})
	require.NoError(t, err)
	assert.True(t, sel.ZeroDTE)
	assert.Equal(t, 501.0, sel.Contract.Strike)
	assert.Equal(t, 1.52, sel.Premium)
	assert.Equal(t, 2, sel.Contracts)
	assert.InDelta(t, 304+1.59, sel.TotalCost, 1e-9)
}

func TestSelectNearestExpiry(t *testing.T) {
	cal := market.NewCalendar()
	now := time.Date(2024, 3, 12, 10, 0, 0, 0, cal.Location)

	sel, err := NewSelector(DefaultFeeModel()).Select(chain(now, cal)[4:5], Request{
		Underlying: "SPY", UnderlyingPrice: 500, Right: market.Call,
		Expiration: ExpirationZeroDTE, PriceMode: PriceMid,
		Sizing: Sizing{Mode: SizingFixedContracts, FixedContracts: 1},
		Now:    now, Calendar: cal,
	})
	require.NoError(t, err)
	assert.False(t, sel.ZeroDTE)
	assert.InDelta(t, 4.01, sel.Premium, 1e-9)
}

func TestSelectNoEligibleContract(t *testing.T) {
	cal := market.NewCalendar()
	now := time.Date(2024, 3, 12, 10, 0, 0, 0, cal.Location)
	_, err := NewSelector(DefaultFeeModel()).Select(chain(now, cal), Request{
		Underlying: "SPY", UnderlyingPrice: 500, Right: market.Call,
		Expiration: ExpirationZeroDTE, Liquidity: LiquidityFilters{MinOpenInterest: 100000},
		Now: now, Calendar: cal,
	})
	assert.ErrorIs(t, err, ErrNoContract)
}

func TestOCCSymbolRoundTrip(t *testing.T) {
	exp := time.Date(2024, 3, 12, 0, 0, 0, 0, time.UTC)
	sym := OCCSymbol("spy", exp, market.Put, 450.5)
	assert.Equal(t, "SPY240312P00450500", sym)

	u, e, r, k, err := ParseOCCSymbol(sym + ".US")
	require.NoError(t, err)
	assert.Equal(t, "SPY", u)
	assert.True(t, e.Equal(exp))
	assert.Equal(t, market.Put, r)
	assert.Equal(t, 450.5, k)

	_, _, _, _, err = ParseOCCSymbol("SPY")
	assert.Error(t, err)
}
