package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/Rajchodisetti/options-engine/internal/broker"
	"github.com/Rajchodisetti/options-engine/internal/events"
	"github.com/Rajchodisetti/options-engine/internal/observ"
	"github.com/Rajchodisetti/options-engine/internal/strategy"
)

// resetWatch remembers an entry order abandoned by a stale reset or a stop.
// If the broker later reports it filled, the fill is an orphan that no
// instance tracks and an operator has to flatten it.
type resetWatch struct {
	Key           string
	OrderID       string
	ClientOrderID string
	ResetAt       time.Time
}

// sweep resets instances stuck in OPENING or SHORTING past StaleAfter and
// releases reservations nobody owns any more.
func (s *Scheduler) sweep(ctx context.Context, now time.Time) (reset, swept int) {
	if s.cfg.StaleAfter > 0 {
		for _, sl := range s.allSlots() {
			if s.resetStale(ctx, sl, now) {
				reset++
			}
		}
	}

	released := s.ledger.Sweep(ctx, func(instanceID string) bool {
		sl := s.slot(instanceID)
		if sl == nil {
			return true
		}
		sl.mu.Lock()
		defer sl.mu.Unlock()
		return !sl.inst.State.EntryInFlight()
	})
	return reset, len(released)
}

func (s *Scheduler) resetStale(ctx context.Context, sl *slot, now time.Time) bool {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	inst := &sl.inst
	if !inst.IsStale(s.cfg.StaleAfter, now) {
		return false
	}
	c := inst.Context
	from, entered := inst.State, inst.StateEnteredAt

	s.cancelEntry(ctx, sl, now)
	if err := s.ledger.Release(ctx, c.ReservationID); err != nil {
		s.log.Warn().Err(err).Str("reservation_id", c.ReservationID).Msg("release stale reservation")
	}

	inst.ForceIdle(now)
	s.confirm.Reset(inst.Key())
	s.vacate(inst.Key())
	observ.IncCounter("scheduler_stale_resets_total", nil)
	s.commit(ctx, sl, from, strategy.ErrStaleState.Error(), map[string]any{
		"order_id":       c.OrderID,
		"reservation_id": c.ReservationID,
		"stuck_for":      now.Sub(entered).String(),
	})
	return true
}

// cancelEntry cancels the working entry order of an abandoned entry and
// watches it, so a fill that still arrives is reported as an orphan. Must
// hold sl.mu and run before the instance leaves its entry state.
func (s *Scheduler) cancelEntry(ctx context.Context, sl *slot, now time.Time) {
	inst := &sl.inst
	c := inst.Context
	if c.OrderID != "" {
		bctx, cancel := context.WithTimeout(ctx, s.cfg.BrokerTimeout)
		err := s.broker.CancelOrder(bctx, c.OrderID)
		cancel()
		if err != nil && !errors.Is(err, broker.ErrOrderNotFound) {
			observ.IncCounter("scheduler_cancel_errors_total", nil)
			s.log.Warn().Err(err).Str("instance", inst.Key()).Str("order_id", c.OrderID).Msg("cancel abandoned entry order")
		}
	}

	s.watchMu.Lock()
	s.watches[inst.Key()] = resetWatch{
		Key:           inst.Key(),
		OrderID:       c.OrderID,
		ClientOrderID: entryOrderKey(inst),
		ResetAt:       now,
	}
	s.watchMu.Unlock()
}

// syncOrders reconciles abandoned entry orders against broker history and
// reports fills that arrived after their instance was reset.
func (s *Scheduler) syncOrders(ctx context.Context, now time.Time) int {
	s.watchMu.Lock()
	if len(s.watches) == 0 {
		s.watchMu.Unlock()
		return 0
	}
	since := now
	pending := make([]resetWatch, 0, len(s.watches))
	for _, w := range s.watches {
		pending = append(pending, w)
		if w.ResetAt.Before(since) {
			since = w.ResetAt
		}
	}
	s.watchMu.Unlock()

	bctx, cancel := context.WithTimeout(ctx, s.cfg.BrokerTimeout)
	orders, err := s.broker.GetOrderHistory(bctx, since.Add(-s.cfg.StaleAfter), now.Add(time.Minute))
	cancel()
	if err != nil {
		s.log.Warn().Err(err).Msg("order sync failed")
		return 0
	}

	orphans := 0
	for _, w := range pending {
		matched := false
		for _, o := range orders {
			if !o.Filled() || (o.ID != w.OrderID && o.ClientOrderID != w.ClientOrderID) {
				continue
			}
			matched = true
			orphans++
			observ.IncCounter("scheduler_orphan_fills_total", nil)
			s.log.Warn().
				Str("instance", w.Key).
				Str("order_id", o.ID).
				Str("symbol", o.Symbol).
				Int("quantity", o.FilledQuantity).
				Float64("price", o.FilledPrice).
				Msg("entry filled after stale reset, position untracked")
			e := events.New(events.KindOrder, now)
			e.StrategyID = o.StrategyID
			e.Symbol = o.Symbol
			e.To = string(o.Status)
			e.Reason = "orphan fill after stale reset"
			e.Data = map[string]any{"order_id": o.ID, "instance": w.Key, "quantity": o.FilledQuantity, "price": o.FilledPrice}
			s.publish(ctx, e)
			break
		}
		if matched || now.Sub(w.ResetAt) > s.cfg.SyncLookback {
			s.watchMu.Lock()
			delete(s.watches, w.Key)
			s.watchMu.Unlock()
		}
	}
	return orphans
}
