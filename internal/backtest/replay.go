package backtest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/Rajchodisetti/options-engine/internal/indicators"
	"github.com/Rajchodisetti/options-engine/internal/market"
	"github.com/Rajchodisetti/options-engine/internal/observ"
	"github.com/Rajchodisetti/options-engine/internal/options"
	"github.com/Rajchodisetti/options-engine/internal/regime"
	"github.com/Rajchodisetti/options-engine/internal/risk"
	"github.com/Rajchodisetti/options-engine/internal/scoring"
	"github.com/Rajchodisetti/options-engine/internal/strategy"
)

const (
	dailyLookbackDays = 60
	hourlyLookback    = 24 * time.Hour
	atrPeriod         = 14
)

// Request describes one replay.
type Request struct {
	StrategyID string          `json:"strategy_id" validate:"required"`
	Symbols    []string        `json:"symbols" validate:"required,min=1,dive,required"`
	Params     strategy.Params `json:"params"`
	From       time.Time       `json:"from" validate:"required"`
	To         time.Time       `json:"to" validate:"required,gtefield=From"`
}

// Replayer drives the live scoring and exit rules over historical minute bars.
type Replayer struct {
	bars    BarSource
	cal     market.Calendar
	sources regime.Sources
	fees    options.FeeModel
}

func NewReplayer(bars BarSource, cal market.Calendar, sources regime.Sources) *Replayer {
	return &Replayer{bars: bars, cal: cal, sources: sources, fees: options.DefaultFeeModel()}
}

// Run replays every trading day in [From, To] for each symbol.
func (r *Replayer) Run(ctx context.Context, req Request) ([]Trade, error) {
	if err := req.Params.Validate(); err != nil {
		return nil, err
	}
	loc := r.cal.Location
	if loc == nil {
		loc = time.UTC
	}
	from := req.From.In(loc)
	day := time.Date(from.Year(), from.Month(), from.Day(), 12, 0, 0, 0, loc)
	last := req.To.In(loc)

	var trades []Trade
	for ; !day.After(last) || r.cal.SameDay(day, last); day = day.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return trades, err
		}
		if !r.cal.IsTradingDay(day) {
			continue
		}
		for _, sym := range req.Symbols {
			dayTrades, err := r.runDay(ctx, day, sym, req.Params)
			if err != nil {
				return trades, fmt.Errorf("replay %s %s: %w", sym, day.Format("2006-01-02"), err)
			}
			trades = append(trades, dayTrades...)
		}
	}
	observ.IncCounter("backtest_replays_total", map[string]string{"strategy": req.StrategyID})
	return trades, nil
}

// session holds the series one replayed day is evaluated against.
type session struct {
	spxDaily, usdDaily, btcDaily, vixDaily []market.Candle
	vixMinute, spxMinute                   []market.Candle
	btcHourly, usdHourly                   []market.Candle
	underlying                             []market.Candle
	temperature                            float64
}

func (r *Replayer) load(ctx context.Context, day time.Time, symbol string) (*session, error) {
	open, closeAt := r.cal.OpenAt(day), r.cal.CloseAt(day)
	lookback := open.AddDate(0, 0, -dailyLookbackDays)

	s := &session{}
	fetches := []struct {
		dst    *[]market.Candle
		symbol string
		period market.Period
		from   time.Time
	}{
		{&s.spxDaily, r.sources.SPX, market.PeriodDay, lookback},
		{&s.usdDaily, r.sources.USDIndex, market.PeriodDay, lookback},
		{&s.btcDaily, r.sources.BTC, market.PeriodDay, lookback},
		{&s.vixDaily, r.sources.VIX, market.PeriodDay, lookback},
		{&s.vixMinute, r.sources.VIX, market.PeriodMinute, open},
		{&s.spxMinute, r.sources.SPX, market.PeriodMinute, open},
		{&s.btcHourly, r.sources.BTC, market.PeriodHour, open.Add(-hourlyLookback)},
		{&s.usdHourly, r.sources.USDIndex, market.PeriodHour, open.Add(-hourlyLookback)},
		{&s.underlying, symbol, market.PeriodMinute, open},
	}
	for _, f := range fetches {
		to := closeAt
		if f.period == market.PeriodDay {
			to = open
		}
		bars, err := r.bars.Bars(ctx, f.symbol, f.period, f.from, to)
		if err != nil {
			return nil, fmt.Errorf("load %s %s: %w", f.symbol, f.period, err)
		}
		*f.dst = bars
	}
	s.temperature = regime.EstimateTemperature(s.vixDaily, s.spxDaily)
	return s, nil
}

// upTo returns the prefix of bars stamped at or before t.
func upTo(bars []market.Candle, t time.Time) []market.Candle {
	n := 0
	for n < len(bars) && !bars[n].Time.After(t) {
		n++
	}
	return bars[:n]
}

// position is the replay's view of an open trade.
type position struct {
	trade   Trade
	pos     scoring.Position
	zeroDTE bool
	expiry  time.Time
	bars    map[int64]market.Candle // option minute bars by unix minute
}

func minuteKey(t time.Time) int64 { return t.Truncate(time.Minute).Unix() }

func (r *Replayer) runDay(ctx context.Context, day time.Time, symbol string, p strategy.Params) ([]Trade, error) {
	s, err := r.load(ctx, day, symbol)
	if err != nil {
		return nil, err
	}
	if len(s.underlying) == 0 {
		observ.Log("backtest_no_bars", map[string]any{"level": "debug", "symbol": symbol, "date": day.Format("2006-01-02")})
		return nil, nil
	}

	var (
		trades        []Trade
		open          *position
		tradesToday   int
		cooldownUntil time.Time
		confirm       = scoring.NewConfirmer()
		key           = strings.ToUpper(symbol)
		zeroDTE       = p.AssetClass == options.AssetOption && p.Expiration == options.ExpirationZeroDTE
	)

	for i, bar := range s.underlying {
		now := bar.Time
		phase := scoring.PhaseAt(r.cal.TimeToClose(now))
		lastBar := i == len(s.underlying)-1

		if open != nil {
			price, ok := r.markPrice(open, bar)
			if !ok && !lastBar {
				continue
			}
			if !ok {
				price = open.pos.CurrentPrice
			}
			open.pos.CurrentPrice = price
			if open.pos.Direction == scoring.Short {
				if price < open.pos.PeakPrice {
					open.pos.PeakPrice = price
				}
			} else if price > open.pos.PeakPrice {
				open.pos.PeakPrice = price
			}

			reason, detail := scoring.ExitNone, ""
			switch {
			case risk.MustLiquidate(r.cal, p.Window, open.zeroDTE, open.expiry, now):
				reason, detail = scoring.ExitForced, "force close before session end"
			case lastBar:
				reason, detail = scoring.ExitForced, "end of replay session"
			default:
				reason, detail = scoring.EvaluateExit(open.pos, phase)
			}
			if reason == scoring.ExitNone {
				continue
			}

			trades = append(trades, r.close(open, price, now, reason, detail))
			base := time.Duration(p.CooldownMinutes) * time.Minute
			if open.zeroDTE {
				base = time.Duration(p.ZeroDTECooldownMinutes) * time.Minute
			}
			cooldownUntil = now.Add(risk.CooldownPeriod(base, open.zeroDTE, tradesToday))
			open = nil
			continue
		}

		if lastBar {
			break
		}

		vixSeries := upTo(s.vixMinute, now)
		if len(vixSeries) == 0 {
			vixSeries = s.vixDaily
		}
		snap := regime.NewSnapshot(int64(i), now, s.spxDaily, s.usdDaily, s.btcDaily, vixSeries, s.temperature)
		res, err := regime.ClassifySnapshot(snap)
		if err != nil {
			if errors.Is(err, regime.ErrMissingMarketStrength) {
				observ.Log("backtest_regime_unavailable", map[string]any{"level": "debug", "symbol": symbol, "error": err.Error()})
				return trades, nil
			}
			return trades, err
		}
		if res.BlocksEntries() {
			confirm.Reset(key)
			continue
		}
		if ok, _ := risk.EntryWindowOpen(r.cal, p.Window, now); !ok {
			continue
		}
		if p.MaxTradesPerDay > 0 && tradesToday >= p.MaxTradesPerDay {
			continue
		}
		if now.Before(cooldownUntil) {
			continue
		}

		history := s.underlying[:i+1]
		comp := scoring.Compose(res.EnvScore, scoring.IntradayInputs{
			Underlying:  history,
			SPXIntraday: upTo(s.spxMinute, now),
			BTCHourly:   upTo(s.btcHourly, now),
			USDHourly:   upTo(s.usdHourly, now),
		}, r.cal.MinuteOfDay(now), r.cal.OpenMinute, r.cal.CloseMinute)

		// bar prices carry no spread; liquidity is checked against the contract bars instead
		quote := &market.Quote{Symbol: symbol, Bid: bar.Close, Ask: bar.Close, Last: bar.Close, Timestamp: now}
		cand := scoring.CandidateFrom(symbol, comp, history, quote, zeroDTE)
		sig := scoring.Evaluate(cand, p.Thresholds, phase, res.VIX)
		if !confirm.Observe(key, sig, p.ConsecutiveConfirmCycles) {
			continue
		}
		confirm.Reset(key)

		pos, err := r.open(ctx, day, symbol, p, bar, history, sig, comp, res, phase, zeroDTE)
		if err != nil {
			if errors.Is(err, options.ErrNoContract) || errors.Is(err, options.ErrUnaffordable) || errors.Is(err, options.ErrNoQuote) {
				observ.Log("backtest_entry_skipped", map[string]any{"level": "debug", "symbol": symbol, "time": now, "reason": err.Error()})
				continue
			}
			return trades, err
		}
		open = pos
		tradesToday++
	}
	return trades, nil
}

// markPrice is the option bar close for the minute, or the underlying close
// for stock trades.
func (r *Replayer) markPrice(p *position, bar market.Candle) (float64, bool) {
	if p.bars == nil {
		return bar.Close, bar.Close > 0
	}
	ob, ok := p.bars[minuteKey(bar.Time)]
	if !ok || ob.Close <= 0 {
		return 0, false
	}
	return ob.Close, true
}

func (r *Replayer) open(ctx context.Context, day time.Time, symbol string, p strategy.Params, bar market.Candle,
	history []market.Candle, sig scoring.Signal, comp scoring.Composite, res regime.Result, phase scoring.Phase, zeroDTE bool) (*position, error) {

	now := bar.Time
	t := Trade{
		Date:        day.Format("2006-01-02"),
		Symbol:      symbol,
		Signal:      sig.Direction,
		EntryTime:   now,
		EntryScore:  comp.Final,
		EntryReason: fmt.Sprintf("%s score=%.1f (mkt=%.1f, intra=%.1f, time=%.0f) regime=%s", sig.Direction, comp.Final, comp.Market, comp.Intraday, comp.TimeAdj, res.Label),
	}
	pp := &position{}

	dir := sig.Direction
	var entry, mult, fees float64
	var qty int

	if p.AssetClass == options.AssetStock {
		entry, mult = bar.Close, 1
		n, err := options.Quantity(p.Sizing, entry, mult)
		if err != nil {
			return nil, err
		}
		qty = n
	} else {
		right := market.Call
		if sig.Direction == scoring.Short {
			right = market.Put
		}
		expiry := day
		if !zeroDTE {
			expiry = nextWeeklyExpiry(day)
		}
		root := strings.TrimSuffix(strings.ToUpper(symbol), ".US")
		strike := roundToStrike(bar.Close, root)
		occ := options.OCCSymbol(root, expiry, right, strike)

		optBars, err := r.bars.Bars(ctx, occ, market.PeriodMinute, r.cal.OpenAt(day), r.cal.CloseAt(day))
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", occ, err)
		}
		pp.bars = make(map[int64]market.Candle, len(optBars))
		for _, b := range optBars {
			pp.bars[minuteKey(b.Time)] = b
		}
		ob, ok := pp.bars[minuteKey(now)]
		if !ok {
			return nil, fmt.Errorf("%w: no %s bar at %s", options.ErrNoContract, occ, now.Format("15:04"))
		}
		entry = ob.Close
		if p.PriceMode == options.PriceAsk {
			entry = ob.High
		}
		if entry <= 0 {
			return nil, fmt.Errorf("%w: %s", options.ErrNoQuote, occ)
		}
		mult = 100
		n, err := options.Quantity(p.Sizing, entry, mult)
		if err != nil {
			return nil, err
		}
		qty = n
		fees = r.fees.Fees(qty).Total

		// a bought put gains as its premium rises
		dir = scoring.Long
		t.ContractSymbol, t.Right = occ, right
		pp.zeroDTE, pp.expiry = r.cal.SameDay(expiry, day), expiry
	}

	atr, _ := indicators.ATR(history, atrPeriod)
	stop, target := risk.ExitLevels(p, entry, atr, res.VIX, dir, phase)

	t.EntryPrice, t.Quantity, t.Multiplier = entry, qty, mult
	pp.trade = t
	pp.pos = scoring.Position{
		Direction:    dir,
		EntryPrice:   entry,
		CurrentPrice: entry,
		PeakPrice:    entry,
		Quantity:     float64(qty),
		Multiplier:   mult,
		EntryFees:    fees,
		StopLoss:     stop,
		TakeProfit:   target,
	}
	return pp, nil
}

func (r *Replayer) close(p *position, price float64, now time.Time, reason scoring.ExitReason, detail string) Trade {
	t := p.trade
	pos := p.pos
	if p.bars != nil {
		pos.ExitFees = r.fees.Fees(t.Quantity).Total
	}
	pnl := pos.ComputePnL(price)

	t.ExitTime = now
	t.ExitPrice = price
	t.PeakPrice = pos.PeakPrice
	t.Fees = pnl.TotalFees
	t.GrossPnL = pnl.Gross
	t.NetPnL = pnl.Net
	t.NetPnLPct = pnl.NetPct
	t.ExitReason = reason
	t.ExitDetail = detail
	observ.IncCounter("backtest_trades_total", map[string]string{"exit_reason": string(reason)})
	return t
}

// roundToStrike snaps a price onto the listed strike grid: $5 above 500,
// $2.50 above 200 and for a few high-priced names, $1 otherwise.
func roundToStrike(price float64, root string) float64 {
	interval := 1.0
	switch {
	case price > 500:
		interval = 5
	case price > 200:
		interval = 2.5
	}
	switch root {
	case "TSLA", "AMZN", "GOOGL":
		if interval < 2.5 {
			interval = 2.5
		}
	}
	return math.Round(price/interval) * interval
}

// nextWeeklyExpiry is the first Friday strictly after day.
func nextWeeklyExpiry(day time.Time) time.Time {
	d := day.AddDate(0, 0, 1)
	for d.Weekday() != time.Friday {
		d = d.AddDate(0, 0, 1)
	}
	return d
}
