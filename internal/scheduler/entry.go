package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Rajchodisetti/options-engine/internal/broker"
	"github.com/Rajchodisetti/options-engine/internal/indicators"
	"github.com/Rajchodisetti/options-engine/internal/ledger"
	"github.com/Rajchodisetti/options-engine/internal/market"
	"github.com/Rajchodisetti/options-engine/internal/observ"
	"github.com/Rajchodisetti/options-engine/internal/options"
	"github.com/Rajchodisetti/options-engine/internal/outbox"
	"github.com/Rajchodisetti/options-engine/internal/risk"
	"github.com/Rajchodisetti/options-engine/internal/scoring"
	"github.com/Rajchodisetti/options-engine/internal/strategy"
)

const (
	sessionMinutes = 390
	hourlyBars     = 24
	atrPeriod      = 14
)

// scored is one cycle's entry evaluation for a symbol.
type scored struct {
	signal scoring.Signal
	comp   scoring.Composite
	quote  *market.Quote
	last   float64 // last underlying close
	atr    float64
}

// liveScore pulls the session's bars and quote and runs the entry scorer.
func (s *Scheduler) liveScore(ctx context.Context, symbol string, p strategy.Params, ts tickState) (scored, error) {
	open := s.cal.OpenAt(ts.now)
	bars, err := s.quotes.GetCandles(ctx, symbol, market.PeriodMinute, sessionMinutes)
	if err != nil {
		return scored{}, fmt.Errorf("candles %s: %w", symbol, err)
	}
	session := since(bars, open)
	if len(session) == 0 {
		return scored{}, fmt.Errorf("%w: no session bars for %s", ErrEntryBlocked, symbol)
	}
	q, err := s.quotes.GetLatestQuote(ctx, symbol)
	if err != nil {
		return scored{}, fmt.Errorf("%w: %s: %v", options.ErrNoQuote, symbol, err)
	}

	in := scoring.IntradayInputs{Underlying: session}
	if spx, err := s.quotes.GetCandles(ctx, s.sources.SPX, market.PeriodHour, hourlyBars); err == nil {
		in.SPXIntraday = spx
	}
	if btc, err := s.quotes.GetCandles(ctx, s.sources.BTC, market.PeriodHour, hourlyBars); err == nil {
		in.BTCHourly = btc
	}
	if usd, err := s.quotes.GetCandles(ctx, s.sources.USDIndex, market.PeriodHour, hourlyBars); err == nil {
		in.USDHourly = usd
	}

	zeroDTE := p.AssetClass == options.AssetOption && p.Expiration == options.ExpirationZeroDTE
	comp := scoring.Compose(ts.regime.EnvScore, in, s.cal.MinuteOfDay(ts.now), s.cal.OpenMinute, s.cal.CloseMinute)
	cand := scoring.CandidateFrom(symbol, comp, session, q, zeroDTE)
	phase := scoring.PhaseAt(s.cal.TimeToClose(ts.now))
	atr, _ := indicators.ATR(session, atrPeriod)
	return scored{
		signal: scoring.Evaluate(cand, p.Thresholds, phase, ts.regime.VIX),
		comp:   comp,
		quote:  q,
		last:   market.LastClose(session),
		atr:    atr,
	}, nil
}

func since(bars []market.Candle, from time.Time) []market.Candle {
	for i, b := range bars {
		if !b.Time.Before(from) {
			return bars[i:]
		}
	}
	return nil
}

// tryEntry runs the entry checks in order. Nothing touches the ledger until
// the regime, breaker, window, cooldown, score, correlation and quote checks
// have all passed.
func (s *Scheduler) tryEntry(ctx context.Context, sl *slot, strat strategy.Strategy, ts tickState) (outcome, error) {
	inst := &sl.inst
	key := inst.Key()
	p := strat.Params
	now := ts.now

	if ts.regimeErr != nil {
		s.confirm.Reset(key)
		return outcomeNone, fmt.Errorf("%w: regime unavailable: %v", ErrVetoActive, ts.regimeErr)
	}
	if ts.regime.BlocksEntries() {
		s.confirm.Reset(key)
		return outcomeNone, fmt.Errorf("%w: %s", ErrVetoActive, ts.regime.Veto.Reason)
	}
	// a blocked cycle breaks the run of confirming signals
	if ok, reason := s.breaker.CanEnter(); !ok {
		s.confirm.Reset(key)
		return outcomeNone, fmt.Errorf("%w: %s", ErrCircuitBreakerActive, reason)
	}
	if ok, reason := risk.EntryWindowOpen(s.cal, p.Window, now); !ok {
		s.confirm.Reset(key)
		return outcomeNone, fmt.Errorf("%w: %s", ErrEntryBlocked, reason)
	}
	if p.MaxTradesPerDay > 0 && s.cooldown.TradesToday(strat.ID, now) >= p.MaxTradesPerDay {
		s.confirm.Reset(key)
		return outcomeNone, fmt.Errorf("%w: %d trades today", ErrEntryBlocked, p.MaxTradesPerDay)
	}
	if ok, info := s.cooldown.CanEnter(key, now); !ok {
		s.confirm.Reset(key)
		return outcomeNone, fmt.Errorf("%w: cooldown %s remaining", ErrEntryBlocked, info.RemainingCooldown.Round(time.Second))
	}

	sc, err := s.score(ctx, inst.Symbol, p, ts)
	if err != nil {
		s.confirm.Reset(key)
		return outcomeNone, err
	}
	if !s.confirm.Observe(key, sc.signal, p.ConsecutiveConfirmCycles) {
		return outcomeNone, nil
	}

	if holder, ok := s.occupy(ts.groups, key, inst.Symbol); !ok {
		observ.IncCounter("scheduler_entries_total", map[string]string{"result": "correlated"})
		return outcomeNone, fmt.Errorf("%w: %s correlated with open %s", ErrEntryBlocked, inst.Symbol, holder)
	}
	handed := false
	defer func() {
		if !handed {
			s.vacate(key)
		}
	}()

	pl, err := s.plan(ctx, inst.Symbol, p, sc, now)
	if err != nil {
		observ.IncCounter("scheduler_entries_total", map[string]string{"result": "no_quote"})
		return outcomeNone, err
	}

	resID, err := s.ledger.Reserve(ctx, strat.AccountID, pl.amount, key, ledger.ForSymbol(inst.Symbol))
	if err != nil {
		observ.IncCounter("scheduler_entries_total", map[string]string{"result": "insufficient_capital"})
		return outcomeNone, err
	}
	s.confirm.Reset(key)

	if err := inst.Transition(pl.state, now); err != nil {
		_ = s.ledger.Release(ctx, resID)
		return outcomeNone, err
	}
	handed = true
	c := &inst.Context
	c.ReservationID = resID
	c.Direction = pl.posDir
	c.ContractSymbol = pl.contract
	c.Quantity = float64(pl.quantity)
	c.Multiplier = pl.multiplier
	c.EntryFees = pl.fees
	c.ZeroDTE = pl.zeroDTE
	c.Expiration = pl.expiration
	s.commit(ctx, sl, strategy.StateIdle, fmt.Sprintf("%s signal score=%.1f", sc.signal.Direction, sc.comp.Final), map[string]any{
		"reservation_id": resID,
		"amount":         pl.amount,
		"instrument":     pl.instrument,
		"regime":         string(ts.regime.Label),
	})

	bctx, cancel := context.WithTimeout(ctx, s.cfg.BrokerTimeout)
	order, err := s.broker.SubmitOrder(bctx, broker.OrderRequest{
		ClientOrderID: entryOrderKey(inst),
		StrategyID:    strat.ID,
		Symbol:        pl.instrument,
		Side:          pl.side,
		Type:          pl.orderType,
		Quantity:      pl.quantity,
		LimitPrice:    pl.limit,
	})
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, broker.ErrTimeout) {
			// the order may still reach the broker under its client id
			s.cancelEntry(ctx, sl, now)
		}
		s.abortEntry(ctx, sl, "entry rejected: "+err.Error())
		return outcomeNone, fmt.Errorf("submit entry %s: %w", key, err)
	}
	c.OrderID = order.ID

	switch order.Status {
	case broker.StatusFilled:
		s.onEntryFilled(ctx, sl, strat, order, sc.atr, ts)
	case broker.StatusRejected, broker.StatusCancelled:
		s.abortEntry(ctx, sl, "entry "+strings.ToLower(string(order.Status)))
		return outcomeNone, nil
	default:
		s.persist(ctx, inst.Clone())
	}
	observ.IncCounter("scheduler_entries_total", map[string]string{"result": "submitted"})
	return outcomeEntered, nil
}

// entryPlan is the order an entry signal turns into.
type entryPlan struct {
	instrument string
	contract   string
	state      strategy.State
	side       broker.Side
	posDir     scoring.Direction
	orderType  broker.OrderType
	quantity   int
	limit      float64
	multiplier float64
	amount     float64
	fees       float64
	zeroDTE    bool
	expiration time.Time
}

// plan sizes the order and validates the leg's quote. It fails before any
// reservation when an option leg has no usable quote.
func (s *Scheduler) plan(ctx context.Context, symbol string, p strategy.Params, sc scored, now time.Time) (entryPlan, error) {
	dir := sc.signal.Direction
	if p.AssetClass == options.AssetStock {
		pl := entryPlan{
			instrument: symbol,
			state:      strategy.StateOpening,
			side:       broker.Buy,
			posDir:     scoring.Long,
			orderType:  broker.Market,
			multiplier: 1,
		}
		if dir == scoring.Short {
			pl.state, pl.side, pl.posDir = strategy.StateShorting, broker.Sell, scoring.Short
		}
		ref := sc.last
		if q := sc.quote; q != nil {
			px := q.Ask
			if pl.side == broker.Sell {
				px = q.Bid
			}
			if px <= 0 {
				px, _ = q.Price()
			}
			if px > 0 {
				ref = px
				pl.orderType, pl.limit = broker.Limit, px
			}
		}
		if ref <= 0 {
			return entryPlan{}, fmt.Errorf("%w: no reference price for %s", options.ErrNoQuote, symbol)
		}
		if err := options.ValidateOrderQuote(options.AssetStock, sc.quote, pl.limit, p.MaxPriceDeviationPct); err != nil {
			return entryPlan{}, err
		}
		n, err := options.Quantity(p.Sizing, ref, 1)
		if err != nil {
			return entryPlan{}, err
		}
		pl.quantity = n
		pl.amount = ref * float64(n)
		return pl, nil
	}

	chain, err := s.quotes.GetOptionChain(ctx, symbol)
	if err != nil {
		return entryPlan{}, fmt.Errorf("%w: chain %s: %v", options.ErrNoContract, symbol, err)
	}
	right := market.Call
	if dir == scoring.Short {
		right = market.Put
	}
	underlying := sc.last
	if px, ok := sc.quote.Price(); ok {
		underlying = px
	}
	sel, err := s.selector.Select(chain, options.Request{
		Underlying:      symbol,
		UnderlyingPrice: underlying,
		Right:           right,
		Expiration:      p.Expiration,
		PriceMode:       p.PriceMode,
		Sizing:          p.Sizing,
		Liquidity:       p.Liquidity,
		Now:             now,
		Calendar:        s.cal,
	})
	if err != nil {
		return entryPlan{}, err
	}

	// re-quote the leg; the chain snapshot may be stale
	q, err := s.quotes.GetLatestQuote(ctx, sel.Contract.Symbol)
	if err != nil {
		return entryPlan{}, fmt.Errorf("%w: %s: %v", options.ErrNoQuote, sel.Contract.Symbol, err)
	}
	if err := options.ValidateOrderQuote(options.AssetOption, q, sel.Premium, p.MaxPriceDeviationPct); err != nil {
		return entryPlan{}, fmt.Errorf("%s: %w", sel.Contract.Symbol, err)
	}

	return entryPlan{
		instrument: sel.Contract.Symbol,
		contract:   sel.Contract.Symbol,
		state:      strategy.StateOpening,
		side:       broker.Buy,
		// a bought put gains as its premium rises
		posDir:     scoring.Long,
		orderType:  broker.Limit,
		quantity:   sel.Contracts,
		limit:      sel.Premium,
		multiplier: sel.Contract.ContractMultiplier(),
		amount:     sel.TotalCost,
		fees:       sel.Fees.Total,
		zeroDTE:    sel.ZeroDTE,
		expiration: sel.Contract.Expiration,
	}, nil
}

// onEntryFilled commits the reservation, sets exit levels and protects the
// position with a trailing stop. Must hold sl.mu.
func (s *Scheduler) onEntryFilled(ctx context.Context, sl *slot, strat strategy.Strategy, order broker.Order, atr float64, ts tickState) {
	inst := &sl.inst
	c := &inst.Context
	now := ts.now
	from := inst.State

	if err := s.ledger.Commit(ctx, c.ReservationID); err != nil {
		// the sweep released the hold while the order was working
		observ.IncCounter("scheduler_commit_errors_total", nil)
		s.log.Warn().Err(err).Str("strategy_id", inst.StrategyID).Str("symbol", inst.Symbol).
			Str("reservation_id", c.ReservationID).Msg("commit after fill")
	}
	if order.FilledPrice <= 0 {
		s.fail(ctx, sl, fmt.Sprintf("fill %s without price", order.ID))
		return
	}
	if err := inst.Transition(strategy.StateHolding, now); err != nil {
		s.fail(ctx, sl, err.Error())
		return
	}

	price := order.FilledPrice
	c.EntryPrice, c.PeakPrice, c.EntryTime = price, price, now
	if order.FilledQuantity > 0 {
		c.Quantity = float64(order.FilledQuantity)
	}
	phase := scoring.PhaseAt(s.cal.TimeToClose(now))
	c.StopLoss, c.TakeProfit = risk.ExitLevels(strat.Params, price, atr, ts.regime.VIX, c.Direction, phase)
	s.cooldown.RecordEntry(inst.StrategyID, now)
	sl.lastPrice = price

	s.commit(ctx, sl, from, "entry filled", map[string]any{
		"order_id":    order.ID,
		"fill_price":  price,
		"quantity":    c.Quantity,
		"stop_loss":   c.StopLoss,
		"take_profit": c.TakeProfit,
	})
	s.protect(ctx, sl, now)
}

// protect places the trailing stop. After MaxTSLPFailures consecutive
// failures trailing stops are abandoned and the emergency stop is armed.
func (s *Scheduler) protect(ctx context.Context, sl *slot, now time.Time) {
	inst := &sl.inst
	c := &inst.Context
	key := inst.Key()
	if c.TrailingOrderID != "" {
		return
	}
	if s.stops.TSLPBlocked(key) {
		s.armEmergencyStop(ctx, sl)
		return
	}

	side := broker.Sell
	if c.Direction == scoring.Short {
		side = broker.Buy
	}
	pct := scoring.DynamicExitParams(scoring.PhaseAt(s.cal.TimeToClose(now)), false).TrailingPct
	bctx, cancel := context.WithTimeout(ctx, s.cfg.BrokerTimeout)
	o, err := s.broker.SubmitTrailingStop(bctx, broker.OrderRequest{
		ClientOrderID:   orderKey(inst, fmt.Sprintf("tslp:%d:%d", inst.Version, c.TSLPFailureCount), c.EntryTime),
		StrategyID:      inst.StrategyID,
		Symbol:          instrumentOf(inst),
		Side:            side,
		Type:            broker.TrailingStop,
		Quantity:        int(c.Quantity),
		TrailingPercent: pct,
	})
	cancel()
	if err != nil {
		c.TSLPFailureCount = s.stops.RecordTSLPFailure(key)
		c.LastError = err.Error()
		s.log.Warn().Err(err).Str("strategy_id", inst.StrategyID).Str("symbol", inst.Symbol).
			Int("failures", c.TSLPFailureCount).Msg("trailing stop rejected")
		if c.TSLPFailureCount >= risk.MaxTSLPFailures {
			s.armEmergencyStop(ctx, sl)
			return
		}
		s.persist(ctx, inst.Clone())
		return
	}
	s.stops.RecordTSLPSuccess(key)
	c.TSLPFailureCount = 0
	c.TrailingOrderID = o.ID
	s.persist(ctx, inst.Clone())
}

func (s *Scheduler) armEmergencyStop(ctx context.Context, sl *slot) {
	c := &sl.inst.Context
	if c.EmergencyStopLoss > 0 || c.Direction == scoring.Short {
		return
	}
	c.EmergencyStopLoss = scoring.EmergencyStopLoss(c.EntryPrice)
	s.persist(ctx, sl.inst.Clone())
	s.log.Warn().Str("strategy_id", sl.inst.StrategyID).Str("symbol", sl.inst.Symbol).
		Float64("emergency_stop", c.EmergencyStopLoss).Msg("emergency stop armed")
}

// abortEntry releases the hold and returns the instance to IDLE.
func (s *Scheduler) abortEntry(ctx context.Context, sl *slot, reason string) {
	inst := &sl.inst
	from := inst.State
	if id := inst.Context.ReservationID; id != "" {
		if err := s.ledger.Release(ctx, id); err != nil {
			s.log.Warn().Err(err).Str("reservation_id", id).Msg("release after rejected entry")
		}
	}
	if err := inst.Transition(strategy.StateIdle, s.now()); err != nil {
		inst.ForceIdle(s.now())
	}
	s.vacate(inst.Key())
	observ.IncCounter("scheduler_entries_total", map[string]string{"result": "rejected"})
	s.commit(ctx, sl, from, reason, nil)
}

// fail parks the instance in ERROR for an operator.
func (s *Scheduler) fail(ctx context.Context, sl *slot, reason string) {
	from := sl.inst.State
	sl.inst.Context.LastError = reason
	if err := sl.inst.Transition(strategy.StateError, s.now()); err != nil {
		s.log.Error().Err(err).Str("strategy_id", sl.inst.StrategyID).Str("symbol", sl.inst.Symbol).Msg("transition to error")
		return
	}
	s.commit(ctx, sl, from, reason, nil)
}

// checkPending follows up a working entry or exit order.
func (s *Scheduler) checkPending(ctx context.Context, sl *slot, strat strategy.Strategy, ts tickState) (outcome, error) {
	inst := &sl.inst
	c := &inst.Context
	if c.OrderID == "" {
		return outcomeNone, nil
	}
	order, ok, err := s.findOrder(ctx, c.OrderID, inst.StateEnteredAt, ts.now)
	if err != nil || !ok {
		return outcomeNone, err
	}

	closing := inst.State == strategy.StateClosing
	switch order.Status {
	case broker.StatusFilled:
		if closing {
			s.finalize(ctx, sl, strat, order, ts)
			return outcomeExited, nil
		}
		s.onEntryFilled(ctx, sl, strat, order, s.sessionATR(ctx, inst.Symbol, ts.now), ts)
		return outcomeNone, nil
	case broker.StatusRejected, broker.StatusCancelled:
		reason := "order " + strings.ToLower(string(order.Status))
		if closing {
			s.reopen(ctx, sl, "exit "+reason)
			return outcomeNone, nil
		}
		s.abortEntry(ctx, sl, "entry "+reason)
	}
	return outcomeNone, nil
}

func (s *Scheduler) findOrder(ctx context.Context, id string, since, now time.Time) (broker.Order, bool, error) {
	bctx, cancel := context.WithTimeout(ctx, s.cfg.BrokerTimeout)
	defer cancel()
	orders, err := s.broker.GetOrderHistory(bctx, since.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		return broker.Order{}, false, fmt.Errorf("order history: %w", err)
	}
	for _, o := range orders {
		if o.ID == id {
			return o, true, nil
		}
	}
	return broker.Order{}, false, nil
}

func (s *Scheduler) sessionATR(ctx context.Context, symbol string, now time.Time) float64 {
	bars, err := s.quotes.GetCandles(ctx, symbol, market.PeriodMinute, sessionMinutes)
	if err != nil {
		return 0
	}
	atr, _ := indicators.ATR(since(bars, s.cal.OpenAt(now)), atrPeriod)
	return atr
}

// orderKey derives a client order id from persisted instance state, so an
// order resubmitted after a restart carries the id the broker already saw.
func orderKey(inst *strategy.Instance, intent string, at time.Time) string {
	return outbox.GenerateIdempotencyKey(inst.Key(), inst.Context.ReservationID+":"+intent, at)
}

// entryOrderKey is the client order id of the entry that moved the instance
// into OPENING or SHORTING.
func entryOrderKey(inst *strategy.Instance) string {
	return orderKey(inst, "entry", inst.StateEnteredAt)
}

func instrumentOf(inst *strategy.Instance) string {
	if inst.Context.ContractSymbol != "" {
		return inst.Context.ContractSymbol
	}
	return inst.Symbol
}
