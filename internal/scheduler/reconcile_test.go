package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/options-engine/internal/broker"
	"github.com/Rajchodisetti/options-engine/internal/ledger"
	"github.com/Rajchodisetti/options-engine/internal/strategy"
)

func TestPercentageAccountSizesFromNetAssets(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)
	require.NoError(t, h.ledger.CreateAccount(ledger.Account{ID: "pct", Name: "growth", Type: ledger.Percentage, Value: 0.3}))

	p := stockParams()
	p.Sizing.FixedContracts = 500
	st, err := h.s.CreateStrategy(ctx, strategy.Strategy{Name: "growth", AccountID: "pct", Symbols: []string{"SPY.US"}, Params: p})
	require.NoError(t, err)
	_, err = h.s.StartStrategy(ctx, st.ID)
	require.NoError(t, err)

	h.tick(t)
	require.Equal(t, strategy.StateHolding, h.instance(t, st.ID, "SPY.US").State)
	acct, err := h.ledger.Account("pct")
	require.NoError(t, err)
	assert.InDelta(t, 1_000_000, acct.TotalCapitalSnapshot, 1e-6)
	assert.InDelta(t, 250050, acct.CurrentUsage, 1e-6)

	// cash dropped by the purchase; the shares still count toward capital
	h.clk.Advance(time.Minute)
	h.tick(t)
	acct, err = h.ledger.Account("pct")
	require.NoError(t, err)
	assert.InDelta(t, 999950, acct.TotalCapitalSnapshot, 1e-6)
	assert.InDelta(t, 299985, acct.Allocated(), 1e-6)
	assert.Zero(t, acct.HoldingsValue)

	avail, err := h.ledger.Available("pct")
	require.NoError(t, err)
	assert.InDelta(t, 49935, avail, 1e-6)
	assert.NoError(t, h.ledger.CheckInvariant("pct"))
}

func TestUntrackedHoldingsChargeOwningAccount(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)
	st := h.start(t, stockParams(), "SPY.US")
	h.qualify.Store(false)

	_, err := h.paper.SubmitOrder(ctx, broker.OrderRequest{ClientOrderID: "manual-1", Symbol: "SPY.US", Side: broker.Buy, Quantity: 20})
	require.NoError(t, err)

	h.tick(t)
	assert.Equal(t, strategy.StateIdle, h.instance(t, st.ID, "SPY.US").State)
	acct, err := h.ledger.Account("a1")
	require.NoError(t, err)
	assert.InDelta(t, 10000, acct.HoldingsValue, 1e-6)
	assert.InDelta(t, 90000, h.available(t), 1e-6)

	// the instance's own shares are not charged twice
	h.qualify.Store(true)
	h.clk.Advance(time.Minute)
	h.tick(t)
	require.Equal(t, strategy.StateHolding, h.instance(t, st.ID, "SPY.US").State)
	acct, err = h.ledger.Account("a1")
	require.NoError(t, err)
	assert.InDelta(t, 10000, acct.HoldingsValue, 1e-6)
	assert.InDelta(t, 84999, h.available(t), 1e-6)

	_, err = h.paper.SubmitOrder(ctx, broker.OrderRequest{ClientOrderID: "manual-2", Symbol: "SPY.US", Side: broker.Sell, Quantity: 20})
	require.NoError(t, err)
	h.clk.Advance(time.Minute)
	h.tick(t)
	acct, err = h.ledger.Account("a1")
	require.NoError(t, err)
	assert.Zero(t, acct.HoldingsValue)
	assert.InDelta(t, 94999, h.available(t), 1e-6)
	assert.NoError(t, h.ledger.CheckInvariant("a1"))
}

func TestRootOf(t *testing.T) {
	assert.Equal(t, "SPY", rootOf("SPY.US"))
	assert.Equal(t, "AAPL", rootOf("AAPL"))
	assert.Equal(t, "SPY", rootOf("SPY260320C00500000"))
}

func TestSymbolOwnersPreferOldestStrategy(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)
	require.NoError(t, h.ledger.CreateAccount(ledger.Account{ID: "a2", Name: "second", Type: ledger.Fixed, Value: 50000}))

	_, err := h.s.CreateStrategy(ctx, strategy.Strategy{Name: "first", AccountID: "a1", Symbols: []string{"SPY.US"}, Params: stockParams()})
	require.NoError(t, err)
	h.clk.Advance(time.Second)
	_, err = h.s.CreateStrategy(ctx, strategy.Strategy{Name: "second", AccountID: "a2", Symbols: []string{"SPY.US", "QQQ.US"}, Params: stockParams()})
	require.NoError(t, err)

	o := h.s.symbolOwners()
	acct, ok := o.accountFor("SPY.US")
	require.True(t, ok)
	assert.Equal(t, "a1", acct)
	acct, ok = o.accountFor("QQQ260320C00400000")
	require.True(t, ok)
	assert.Equal(t, "a2", acct)
	_, ok = o.accountFor("IWM.US")
	assert.False(t, ok)
}
