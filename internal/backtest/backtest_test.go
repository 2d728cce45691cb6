package backtest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/options-engine/internal/broker"
	"github.com/Rajchodisetti/options-engine/internal/market"
	"github.com/Rajchodisetti/options-engine/internal/options"
	"github.com/Rajchodisetti/options-engine/internal/regime"
	"github.com/Rajchodisetti/options-engine/internal/strategy"
)

var t0 = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func filled(symbol string, at time.Time, price float64) broker.Order {
	return broker.Order{
		ID:          symbol + at.Format("150405"),
		Symbol:      symbol,
		Side:        broker.Buy,
		Type:        broker.Market,
		Status:      broker.StatusFilled,
		FilledPrice: price,
		SubmittedAt: at,
		FilledAt:    at,
	}
}

func TestCompareWindowBoundary(t *testing.T) {
	trades := []Trade{{Symbol: "SPY", EntryTime: t0, EntryPrice: 2.0}}

	cmp := Compare(trades, []broker.Order{filled("SPY.US", t0.Add(5*time.Minute), 2.1)}, DefaultMatchWindow)
	assert.Equal(t, 1, cmp.Matched)
	assert.Zero(t, cmp.SimulatedOnly)
	assert.Zero(t, cmp.ActualOnly)
	assert.Equal(t, 5*time.Minute, cmp.AvgTimeDeviation)
	assert.InDelta(t, 0.1, cmp.AvgPriceDeviation, 1e-9)

	cmp = Compare(trades, []broker.Order{filled("SPY.US", t0.Add(5*time.Minute+time.Second), 2.1)}, DefaultMatchWindow)
	assert.Zero(t, cmp.Matched)
	assert.Equal(t, 1, cmp.SimulatedOnly)
	assert.Equal(t, 1, cmp.ActualOnly)
}

func TestCompareNearestUnmatched(t *testing.T) {
	trades := []Trade{
		{Symbol: "SPY.US", ContractSymbol: "SPY260302C00600000", EntryTime: t0},
		{Symbol: "SPY.US", ContractSymbol: "SPY260302C00600000", EntryTime: t0},
	}
	orders := []broker.Order{
		filled("spy260302c00600000.us", t0.Add(2*time.Minute), 2),
		filled("SPY260302C00600000", t0.Add(-time.Minute), 2),
		filled("QQQ.US", t0, 2),
	}

	cmp := Compare(trades, orders, 0)
	assert.Equal(t, 2, cmp.Matched)
	assert.Equal(t, 1, cmp.ActualOnly)
	assert.Equal(t, Matched, cmp.Matches[0].Kind)
	assert.Equal(t, time.Minute, cmp.Matches[0].TimeDiff)
	assert.Equal(t, 2*time.Minute, cmp.Matches[1].TimeDiff)
	assert.Equal(t, ActualOnly, cmp.Matches[2].Kind)
	assert.Equal(t, "QQQ.US", cmp.Matches[2].Order.Symbol)

	// one order can back only one simulated trade
	cmp = Compare(trades, orders[:1], 0)
	assert.Equal(t, 1, cmp.Matched)
	assert.Equal(t, 1, cmp.SimulatedOnly)
}

func TestActualEntries(t *testing.T) {
	sell := filled("SPY.US", t0, 1)
	sell.Side = broker.Sell
	trailing := filled("SPY.US", t0, 1)
	trailing.Type = broker.TrailingStop
	pending := filled("SPY.US", t0, 1)
	pending.Status = broker.StatusNew

	got := ActualEntries([]broker.Order{filled("SPY.US", t0, 1), sell, trailing, pending})
	assert.Len(t, got, 1)
}

func TestSummarize(t *testing.T) {
	trades := []Trade{
		{EntryTime: t0, ExitTime: t0.Add(10 * time.Minute), GrossPnL: 102, NetPnL: 100, Fees: 2},
		{EntryTime: t0, ExitTime: t0.Add(20 * time.Minute), GrossPnL: -48, NetPnL: -50, Fees: 2},
		{EntryTime: t0, ExitTime: t0.Add(30 * time.Minute), GrossPnL: 32, NetPnL: 30, Fees: 2},
	}
	s := Summarize(trades)
	assert.Equal(t, 3, s.TotalTrades)
	assert.Equal(t, 2, s.WinningTrades)
	assert.Equal(t, 1, s.LosingTrades)
	assert.InDelta(t, 66.6667, s.WinRate, 1e-3)
	assert.InDelta(t, 80, s.NetPnL, 1e-9)
	assert.InDelta(t, 86, s.GrossPnL, 1e-9)
	assert.InDelta(t, 6, s.TotalFees, 1e-9)
	assert.InDelta(t, 20, s.AvgHoldingMinutes, 1e-9)
	assert.InDelta(t, 2.6, s.ProfitFactor, 1e-9)

	assert.Equal(t, Summary{}, Summarize(nil))
}

func TestRoundToStrike(t *testing.T) {
	assert.Equal(t, 600.0, roundToStrike(601.2, "SPY"))
	assert.Equal(t, 252.5, roundToStrike(251.3, "QQQ"))
	assert.Equal(t, 180.0, roundToStrike(180.4, "AAPL"))
	assert.Equal(t, 180.0, roundToStrike(179.4, "TSLA"))
	assert.Equal(t, time.Friday, nextWeeklyExpiry(t0).Weekday())
	assert.Equal(t, 13, nextWeeklyExpiry(time.Date(2026, 3, 6, 12, 0, 0, 0, time.UTC)).Day())
}

// sessionBars builds a trending regime and one session of zig-zag minute
// bars for SPY drifting upward.
func sessionBars(cal market.Calendar, day time.Time) *MemoryBars {
	mb := NewMemoryBars()
	src := regime.DefaultSources()
	for k := 30; k >= 1; k-- {
		at := cal.CloseAt(day.AddDate(0, 0, -k))
		i := float64(30 - k)
		mb.Add(src.SPX, market.PeriodDay, market.Candle{Time: at, Open: 4000 + 20*i - 1, Close: 4000 + 20*i})
		mb.Add(src.USDIndex, market.PeriodDay, market.Candle{Time: at, Open: 100, Close: 100})
		mb.Add(src.BTC, market.PeriodDay, market.Candle{Time: at, Open: 40000 + 500*i, Close: 40000 + 500*i})
		mb.Add(src.VIX, market.PeriodDay, market.Candle{Time: at, Open: 10, Close: 10})
	}

	open := cal.OpenAt(day)
	for k := 0; k < 390; k++ {
		p := 500 + 0.05*float64(k-k%2)
		if k%2 == 1 {
			p += 0.3
		}
		mb.Add("SPY.US", market.PeriodMinute, market.Candle{
			Time: open.Add(time.Duration(k) * time.Minute), Open: p, High: p, Low: p, Close: p, Volume: 1000,
		})
	}
	return mb
}

func stockParams() strategy.Params {
	p, _ := strategy.Preset(strategy.PresetAggressive)
	p.AssetClass = options.AssetStock
	return p
}

func TestReplayProducesTradesInsideWindow(t *testing.T) {
	cal := market.NewCalendar()
	day := time.Date(2026, 3, 2, 12, 0, 0, 0, cal.Location)
	r := NewReplayer(sessionBars(cal, day), cal, regime.DefaultSources())
	p := stockParams()

	trades, err := r.Run(context.Background(), Request{
		StrategyID: "s1",
		Symbols:    []string{"SPY.US"},
		Params:     p,
		From:       day,
		To:         day,
	})
	require.NoError(t, err)
	require.NotEmpty(t, trades)
	assert.LessOrEqual(t, len(trades), p.MaxTradesPerDay)

	for _, tr := range trades {
		assert.Equal(t, "SPY.US", tr.Symbol)
		assert.Equal(t, "2026-03-02", tr.Date)
		assert.True(t, tr.ExitTime.After(tr.EntryTime))
		assert.NotEmpty(t, tr.ExitReason)
		m := cal.MinuteOfDay(tr.EntryTime)
		assert.GreaterOrEqual(t, m, cal.OpenMinute+p.Window.AvoidFirstMinutes)
		assert.Less(t, m, cal.CloseMinute-p.Window.NoNewEntryBeforeCloseMinutes)
	}
	assert.Equal(t, len(trades), Summarize(trades).TotalTrades)

	// weekends and days without bars produce nothing
	trades, err = r.Run(context.Background(), Request{
		StrategyID: "s1", Symbols: []string{"SPY.US"}, Params: p,
		From: day.AddDate(0, 0, 5), To: day.AddDate(0, 0, 6),
	})
	require.NoError(t, err)
	assert.Empty(t, trades)
}

type blockingBars struct{ release chan struct{} }

func (b blockingBars) Bars(ctx context.Context, symbol string, period market.Period, from, to time.Time) ([]market.Candle, error) {
	select {
	case <-b.release:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type history struct {
	orders []broker.Order
	err    error
}

func (h history) GetOrderHistory(ctx context.Context, from, to time.Time) ([]broker.Order, error) {
	return h.orders, h.err
}

func TestRunnerLifecycle(t *testing.T) {
	cal := market.NewCalendar()
	day := time.Date(2026, 3, 2, 12, 0, 0, 0, cal.Location)
	src := blockingBars{release: make(chan struct{})}
	h := history{orders: []broker.Order{filled("SPY.US", day, 1)}}
	runner := NewRunner(NewReplayer(src, cal, regime.DefaultSources()), h, nil)
	ctx := context.Background()

	task, err := runner.Submit(ctx, Request{StrategyID: "s1", Symbols: []string{"SPY.US"}, Params: stockParams(), From: day, To: day})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, task.Status)

	_, err = runner.Await(ctx, task.ID, 5*time.Millisecond, 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrInconclusive)

	close(src.release)
	done, err := runner.Await(ctx, task.ID, 5*time.Millisecond, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	require.NotNil(t, done.Result)
	assert.Empty(t, done.Result.Trades)
	require.NotNil(t, done.Result.Comparison)
	assert.Equal(t, 1, done.Result.Comparison.ActualOnly)
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.FinishedAt)

	_, err = runner.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
	runner.Wait()
}

func TestRunnerFailures(t *testing.T) {
	cal := market.NewCalendar()
	day := time.Date(2026, 3, 2, 12, 0, 0, 0, cal.Location)
	ctx := context.Background()

	runner := NewRunner(NewReplayer(NewMemoryBars(), cal, regime.DefaultSources()), nil, nil)
	task, err := runner.Submit(ctx, Request{StrategyID: "s1", Symbols: []string{"SPY.US"}, From: day, To: day})
	require.NoError(t, err)
	done, err := runner.Await(ctx, task.ID, 5*time.Millisecond, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, done.Status)
	assert.Contains(t, done.Error, "invalid params")

	runner = NewRunner(NewReplayer(NewMemoryBars(), cal, regime.DefaultSources()), history{err: errors.New("broker down")}, nil)
	task, _ = runner.Submit(ctx, Request{StrategyID: "s1", Symbols: []string{"SPY.US"}, Params: stockParams(), From: day, To: day})
	done, err = runner.Await(ctx, task.ID, 5*time.Millisecond, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, done.Status)
	assert.Contains(t, done.Error, "broker down")
	runner.Wait()
}

func TestRunnerCloseInterruptsTasks(t *testing.T) {
	cal := market.NewCalendar()
	day := time.Date(2026, 3, 2, 12, 0, 0, 0, cal.Location)
	src := blockingBars{release: make(chan struct{})}
	runner := NewRunner(NewReplayer(src, cal, regime.DefaultSources()), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	task, err := runner.Submit(ctx, Request{StrategyID: "s1", Symbols: []string{"SPY.US"}, Params: stockParams(), From: day, To: day})
	require.NoError(t, err)
	// the submitting request ending does not stop the task
	cancel()
	_, err = runner.Await(context.Background(), task.ID, 5*time.Millisecond, 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrInconclusive)

	runner.Close()
	done, err := runner.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, done.Status)
	assert.Contains(t, done.Error, ErrInterrupted.Error())
	assert.NotNil(t, done.FinishedAt)

	_, err = runner.Submit(context.Background(), Request{StrategyID: "s1", Symbols: []string{"SPY.US"}, Params: stockParams(), From: day, To: day})
	assert.ErrorIs(t, err, ErrRunnerClosed)
}

type taskMap struct {
	mu    sync.Mutex
	tasks map[string]Task
}

func (m *taskMap) SaveTask(_ context.Context, t Task) error {
	m.mu.Lock()
	m.tasks[t.ID] = t
	m.mu.Unlock()
	return nil
}

func (m *taskMap) Task(_ context.Context, id string) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	return t, nil
}

func TestRunnerFailsTasksLostInRestart(t *testing.T) {
	cal := market.NewCalendar()
	ctx := context.Background()
	started := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	st := &taskMap{tasks: map[string]Task{
		"t-running": {ID: "t-running", StrategyID: "s1", Status: StatusRunning, StartedAt: &started},
		"t-done":    {ID: "t-done", StrategyID: "s1", Status: StatusCompleted},
	}}
	runner := NewRunner(NewReplayer(NewMemoryBars(), cal, regime.DefaultSources()), nil, st)
	defer runner.Close()

	got, err := runner.Get(ctx, "t-running")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Contains(t, got.Error, "RUNNING")
	saved, err := st.Task(ctx, "t-running")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, saved.Status)

	done, err := runner.Await(ctx, "t-running", 5*time.Millisecond, time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, done.Status)

	got, err = runner.Get(ctx, "t-done")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
}

type countingCandles struct {
	bars  []market.Candle
	count int
}

func (c *countingCandles) GetCandles(ctx context.Context, symbol string, period market.Period, count int) ([]market.Candle, error) {
	c.count = count
	return c.bars, nil
}

func TestProviderBarsWindow(t *testing.T) {
	src := &countingCandles{}
	for i := 0; i < 10; i++ {
		src.bars = append(src.bars, market.Candle{Time: t0.Add(time.Duration(i) * time.Minute), Close: float64(i)})
	}
	pb := NewProviderBars(src)
	pb.now = func() time.Time { return t0.Add(10 * time.Minute) }

	bars, err := pb.Bars(context.Background(), "SPY.US", market.PeriodMinute, t0.Add(2*time.Minute), t0.Add(5*time.Minute))
	require.NoError(t, err)
	require.Len(t, bars, 3)
	assert.InDelta(t, 2, bars[0].Close, 1e-9)
	assert.InDelta(t, 4, bars[2].Close, 1e-9)
	assert.Equal(t, 9, src.count)

	_, err = pb.Bars(context.Background(), "SPY.US", market.Period("1w"), t0, t0.Add(time.Hour))
	assert.Error(t, err)
}
