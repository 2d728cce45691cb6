package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Rajchodisetti/options-engine/internal/broker"
	"github.com/Rajchodisetti/options-engine/internal/observ"
	"github.com/Rajchodisetti/options-engine/internal/options"
	"github.com/Rajchodisetti/options-engine/internal/risk"
	"github.com/Rajchodisetti/options-engine/internal/scoring"
	"github.com/Rajchodisetti/options-engine/internal/strategy"
)

// manage marks a HOLDING position and closes it when an exit rule fires.
// Exits run regardless of regime, breaker or window state.
func (s *Scheduler) manage(ctx context.Context, sl *slot, strat strategy.Strategy, ts tickState) (outcome, error) {
	inst := &sl.inst
	c := &inst.Context
	key := inst.Key()
	now := ts.now

	price := sl.lastPrice
	q, err := s.quotes.GetLatestQuote(ctx, instrumentOf(inst))
	if px, ok := q.Price(); err == nil && ok {
		price = px
	}
	if price > 0 {
		sl.lastPrice = price
		if better(c.Direction, price, c.PeakPrice) {
			c.PeakPrice = price
		}
	}

	if c.TrailingOrderID == "" {
		s.protect(ctx, sl, now)
	}

	reason, detail := scoring.ExitNone, ""
	switch {
	case sl.unwind:
		reason, detail = scoring.ExitCircuitBreak, "circuit breaker unwind"
	case c.Direction != scoring.Short && c.EmergencyStopLoss > 0 && price > 0 &&
		s.stops.CheckEmergency(key, c.EntryTime, c.EntryPrice, c.EmergencyStopLoss, price, now):
		reason, detail = scoring.ExitEmergencyStop, fmt.Sprintf("price %.4f <= emergency stop %.4f", price, c.EmergencyStopLoss)
	case risk.MustLiquidate(s.cal, strat.Params.Window, c.ZeroDTE, c.Expiration, now):
		reason, detail = scoring.ExitForced, "force close deadline"
	case price > 0:
		pos := inst.Position(price)
		// emergency stops are handled above with single-fire semantics
		pos.EmergencyStopLoss = 0
		reason, detail = scoring.EvaluateExit(pos, scoring.PhaseAt(s.cal.TimeToClose(now)))
	}
	if reason == scoring.ExitNone {
		if price <= 0 && err != nil {
			return outcomeNone, fmt.Errorf("mark %s: %w", instrumentOf(inst), err)
		}
		return outcomeNone, nil
	}
	return s.exit(ctx, sl, strat, reason, detail, ts)
}

func better(dir scoring.Direction, price, peak float64) bool {
	if peak <= 0 {
		return true
	}
	if dir == scoring.Short {
		return price < peak
	}
	return price > peak
}

// exit moves to CLOSING and submits a market order for the whole position.
// A rejected exit returns the instance to HOLDING; it is retried next tick.
func (s *Scheduler) exit(ctx context.Context, sl *slot, strat strategy.Strategy, reason scoring.ExitReason, detail string, ts tickState) (outcome, error) {
	inst := &sl.inst
	c := &inst.Context
	if err := inst.Transition(strategy.StateClosing, ts.now); err != nil {
		return outcomeNone, err
	}
	c.ExitReason = reason
	s.commit(ctx, sl, strategy.StateHolding, string(reason), map[string]any{"detail": detail, "price": sl.lastPrice})

	if c.TrailingOrderID != "" {
		bctx, cancel := context.WithTimeout(ctx, s.cfg.BrokerTimeout)
		err := s.broker.CancelOrder(bctx, c.TrailingOrderID)
		cancel()
		if err != nil && !errors.Is(err, broker.ErrOrderNotFound) {
			s.log.Warn().Err(err).Str("order_id", c.TrailingOrderID).Msg("cancel trailing stop")
		}
		c.TrailingOrderID = ""
	}

	side := broker.Sell
	if c.Direction == scoring.Short {
		side = broker.Buy
	}
	bctx, cancel := context.WithTimeout(ctx, s.cfg.BrokerTimeout)
	order, err := s.broker.SubmitOrder(bctx, broker.OrderRequest{
		ClientOrderID: orderKey(inst, fmt.Sprintf("exit:%d", inst.Version), inst.StateEnteredAt),
		StrategyID:    inst.StrategyID,
		Symbol:        instrumentOf(inst),
		Side:          side,
		Type:          broker.Market,
		Quantity:      int(c.Quantity),
	})
	cancel()
	if err != nil {
		observ.IncCounter("scheduler_exits_total", map[string]string{"reason": string(reason), "result": "rejected"})
		s.reopen(ctx, sl, "exit rejected: "+err.Error())
		return outcomeNone, fmt.Errorf("submit exit %s: %w", inst.Key(), err)
	}
	c.OrderID = order.ID

	switch order.Status {
	case broker.StatusFilled:
		s.finalize(ctx, sl, strat, order, ts)
		return outcomeExited, nil
	case broker.StatusRejected, broker.StatusCancelled:
		observ.IncCounter("scheduler_exits_total", map[string]string{"reason": string(reason), "result": "rejected"})
		s.reopen(ctx, sl, "exit "+string(order.Status))
		return outcomeNone, nil
	}
	s.persist(ctx, inst.Clone())
	return outcomeNone, nil
}

// reopen returns a CLOSING instance to HOLDING after a failed exit.
func (s *Scheduler) reopen(ctx context.Context, sl *slot, reason string) {
	inst := &sl.inst
	if err := inst.Transition(strategy.StateHolding, s.now()); err != nil {
		s.log.Error().Err(err).Str("strategy_id", inst.StrategyID).Str("symbol", inst.Symbol).Msg("reopen position")
		return
	}
	inst.Context.OrderID = ""
	inst.Context.LastError = reason
	// the position is still open, so its emergency stop must be able to fire again
	s.stops.Rearm(inst.Key(), inst.Context.EntryTime)
	s.commit(ctx, sl, strategy.StateClosing, reason, nil)
}

// finalize books the closed trade: capital back to the account, realized
// P&L to the breaker, cooldown started and the instance returned to IDLE.
func (s *Scheduler) finalize(ctx context.Context, sl *slot, strat strategy.Strategy, order broker.Order, ts tickState) {
	inst := &sl.inst
	c := &inst.Context
	key := inst.Key()
	now := ts.now
	reason := c.ExitReason

	pos := inst.Position(order.FilledPrice)
	if c.ContractSymbol != "" {
		pos.ExitFees = s.fees.Fees(int(c.Quantity)).Total
	}
	pnl := pos.ComputePnL(order.FilledPrice)

	if err := s.ledger.ReturnCommitted(ctx, c.ReservationID); err != nil {
		s.log.Error().Err(err).Str("reservation_id", c.ReservationID).Msg("return committed capital")
	}

	wasActive := s.breaker.Active()
	if err := s.breaker.RecordRealizedPnL(pnl.Net, now); err != nil {
		s.log.Error().Err(err).Msg("record realized pnl")
	}
	if !wasActive && s.breaker.Active() {
		s.publishBreaker(ctx, "tripped", "daily_loss_limit", now)
	}

	p := strat.Params
	base := time.Duration(p.CooldownMinutes) * time.Minute
	if c.ZeroDTE && p.ZeroDTECooldownMinutes > 0 {
		base = time.Duration(p.ZeroDTECooldownMinutes) * time.Minute
	}
	cooldown := risk.CooldownPeriod(base, c.ZeroDTE, s.cooldown.TradesToday(inst.StrategyID, now))
	s.cooldown.RecordExit(key, c.ZeroDTE, cooldown, now)
	s.stops.Clear(key, c.EntryTime)

	data := map[string]any{
		"order_id":   order.ID,
		"exit_price": order.FilledPrice,
		"entry":      c.EntryPrice,
		"net_pnl":    pnl.Net,
		"net_pct":    pnl.NetPct,
		"cooldown":   cooldown.String(),
	}
	sl.unwind = false
	if err := inst.Transition(strategy.StateIdle, now); err != nil {
		s.log.Error().Err(err).Str("strategy_id", inst.StrategyID).Str("symbol", inst.Symbol).Msg("close position")
		return
	}
	s.vacate(key)

	result := "win"
	if pnl.Net < 0 {
		result = "loss"
	}
	observ.IncCounter("scheduler_exits_total", map[string]string{"reason": string(reason), "result": result})
	observ.Observe("trade_net_pnl", pnl.Net, map[string]string{"asset_class": string(assetClass(strat.Params))})
	s.commit(ctx, sl, strategy.StateClosing, string(reason), data)
}

func assetClass(p strategy.Params) options.AssetClass {
	if p.AssetClass == "" {
		return options.AssetOption
	}
	return p.AssetClass
}
