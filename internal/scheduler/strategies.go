package scheduler

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/Rajchodisetti/options-engine/internal/scoring"
	"github.com/Rajchodisetti/options-engine/internal/strategy"
)

// Restore reloads strategies and instances from the store after a restart.
// Positions held before the restart re-occupy their correlation groups and
// their trailing-stop failure counts are carried over.
func (s *Scheduler) Restore(ctx context.Context) error {
	strats, err := s.store.LoadStrategies(ctx)
	if err != nil {
		return fmt.Errorf("load strategies: %w", err)
	}
	insts, err := s.store.LoadInstances(ctx)
	if err != nil {
		return fmt.Errorf("load instances: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range strats {
		s.strategies[st.ID] = st
	}
	for _, inst := range insts {
		st, ok := s.strategies[inst.StrategyID]
		if !ok {
			s.log.Warn().Str("strategy_id", inst.StrategyID).Str("symbol", inst.Symbol).Msg("instance without strategy ignored")
			continue
		}
		key := inst.Key()
		s.slots[key] = &slot{inst: inst, accountID: st.AccountID, lastPrice: inst.Context.EntryPrice}
		s.stops.Restore(key, inst.Context.TSLPFailureCount)
		if inst.State != strategy.StateIdle {
			s.groupMu.Lock()
			s.positions[key] = inst.Symbol
			s.groupMu.Unlock()
		}
	}
	for _, st := range s.strategies {
		if !st.Running() {
			continue
		}
		for _, sym := range st.Symbols {
			key := strategy.InstanceKey(st.ID, sym)
			if _, ok := s.slots[key]; !ok {
				s.slots[key] = &slot{inst: *strategy.NewInstance(st.ID, sym, s.now()), accountID: st.AccountID}
			}
		}
	}
	s.log.Info().Int("strategies", len(s.strategies)).Int("instances", len(s.slots)).Msg("scheduler state restored")
	return nil
}

// CreateStrategy validates and stores a new strategy in the STOPPED state.
func (s *Scheduler) CreateStrategy(ctx context.Context, st strategy.Strategy) (strategy.Strategy, error) {
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	st.Status = strategy.StatusStopped
	now := s.now()
	st.CreatedAt, st.UpdatedAt = now, now
	if err := st.Validate(); err != nil {
		return strategy.Strategy{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.strategies[st.ID]; ok {
		return strategy.Strategy{}, fmt.Errorf("%w: %s", ErrStrategyExists, st.ID)
	}
	if err := s.store.SaveStrategy(ctx, st); err != nil {
		return strategy.Strategy{}, err
	}
	s.strategies[st.ID] = st
	return st, nil
}

// UpdateStrategy replaces the definition of a stopped strategy.
func (s *Scheduler) UpdateStrategy(ctx context.Context, st strategy.Strategy) (strategy.Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.strategies[st.ID]
	if !ok {
		return strategy.Strategy{}, fmt.Errorf("%w: %s", strategy.ErrNotFound, st.ID)
	}
	if cur.Running() {
		return strategy.Strategy{}, fmt.Errorf("%w: stop %s before editing", strategy.ErrStillRunning, st.ID)
	}
	st.Status = cur.Status
	st.CreatedAt = cur.CreatedAt
	st.UpdatedAt = s.now()
	if err := st.Validate(); err != nil {
		return strategy.Strategy{}, err
	}
	if err := s.store.SaveStrategy(ctx, st); err != nil {
		return strategy.Strategy{}, err
	}
	s.strategies[st.ID] = st
	return st, nil
}

// StartStrategy marks the strategy running and creates an IDLE instance for
// every symbol that has none.
func (s *Scheduler) StartStrategy(ctx context.Context, id string) (strategy.Strategy, error) {
	s.mu.Lock()
	st, ok := s.strategies[id]
	if !ok {
		s.mu.Unlock()
		return strategy.Strategy{}, fmt.Errorf("%w: %s", strategy.ErrNotFound, id)
	}
	if st.Running() {
		s.mu.Unlock()
		return st, nil
	}
	now := s.now()
	st.Status = strategy.StatusRunning
	st.UpdatedAt = now
	if err := s.store.SaveStrategy(ctx, st); err != nil {
		s.mu.Unlock()
		return strategy.Strategy{}, err
	}
	s.strategies[id] = st

	var existing []*slot
	for _, sym := range st.Symbols {
		key := strategy.InstanceKey(id, sym)
		if sl, ok := s.slots[key]; ok {
			existing = append(existing, sl)
			continue
		}
		inst := strategy.NewInstance(id, sym, now)
		s.slots[key] = &slot{inst: *inst, accountID: st.AccountID}
		s.persist(ctx, *inst)
	}
	s.mu.Unlock()

	// slot locks are never taken under s.mu
	for _, sl := range existing {
		sl.mu.Lock()
		sl.accountID = st.AccountID
		sl.mu.Unlock()
	}
	s.log.Info().Str("strategy_id", id).Strs("symbols", st.Symbols).Msg("strategy started")
	return st, nil
}

// StopStrategy halts new entries. Entries still in flight are abandoned and
// their reservations released; open positions keep being managed until they
// exit.
func (s *Scheduler) StopStrategy(ctx context.Context, id string) (strategy.Strategy, error) {
	s.mu.Lock()
	st, ok := s.strategies[id]
	if !ok {
		s.mu.Unlock()
		return strategy.Strategy{}, fmt.Errorf("%w: %s", strategy.ErrNotFound, id)
	}
	st.Status = strategy.StatusStopped
	st.UpdatedAt = s.now()
	if err := s.store.SaveStrategy(ctx, st); err != nil {
		s.mu.Unlock()
		return strategy.Strategy{}, err
	}
	s.strategies[id] = st
	s.mu.Unlock()

	for _, sl := range s.strategySlots(id) {
		sl.mu.Lock()
		if sl.inst.State.EntryInFlight() {
			from := sl.inst.State
			s.cancelEntry(ctx, sl, s.now())
			if err := s.ledger.Release(ctx, sl.inst.Context.ReservationID); err != nil {
				s.log.Warn().Err(err).Str("reservation_id", sl.inst.Context.ReservationID).Msg("release on stop")
			}
			sl.inst.ForceIdle(s.now())
			s.vacate(sl.inst.Key())
			s.commit(ctx, sl, from, "strategy stopped", nil)
		}
		s.confirm.Reset(sl.inst.Key())
		sl.mu.Unlock()
	}
	s.log.Info().Str("strategy_id", id).Msg("strategy stopped")
	return st, nil
}

// DeleteStrategy stops the strategy and removes it with its instances. It
// refuses while any instance still holds or is closing a position.
func (s *Scheduler) DeleteStrategy(ctx context.Context, id string) error {
	if _, err := s.StopStrategy(ctx, id); err != nil {
		return err
	}

	var symbols []string
	for _, sl := range s.strategySlots(id) {
		sl.mu.Lock()
		state, key, sym := sl.inst.State, sl.inst.Key(), sl.inst.Symbol
		sl.mu.Unlock()
		if state != strategy.StateIdle {
			return fmt.Errorf("%w: %s is %s", strategy.ErrHoldingPosition, key, state)
		}
		symbols = append(symbols, sym)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sym := range symbols {
		if err := s.store.DeleteInstance(ctx, id, sym); err != nil {
			return err
		}
		delete(s.slots, strategy.InstanceKey(id, sym))
	}
	if err := s.store.DeleteStrategy(ctx, id); err != nil {
		return err
	}
	delete(s.strategies, id)
	s.log.Info().Str("strategy_id", id).Msg("strategy deleted")
	return nil
}

func (s *Scheduler) strategySlots(id string) []*slot {
	var out []*slot
	for _, sl := range s.allSlots() {
		sl.mu.Lock()
		mine := sl.inst.StrategyID == id
		sl.mu.Unlock()
		if mine {
			out = append(out, sl)
		}
	}
	return out
}

// Strategies lists every strategy ordered by creation time.
func (s *Scheduler) Strategies() []strategy.Strategy {
	s.mu.RLock()
	out := make([]strategy.Strategy, 0, len(s.strategies))
	for _, st := range s.strategies {
		out = append(out, st)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *Scheduler) Strategy(id string) (strategy.Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.strategies[id]
	if !ok {
		return strategy.Strategy{}, fmt.Errorf("%w: %s", strategy.ErrNotFound, id)
	}
	return st, nil
}

// InstanceView is an instance with its live mark.
type InstanceView struct {
	strategy.Instance
	LastPrice float64      `json:"last_price,omitempty"`
	PnL       *scoring.PnL `json:"holding_pnl,omitempty"`
}

func view(sl *slot) InstanceView {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	v := InstanceView{Instance: sl.inst.Clone(), LastPrice: sl.lastPrice}
	if sl.inst.State.HasPosition() && sl.lastPrice > 0 {
		pnl := sl.inst.Position(sl.lastPrice).ComputePnL(sl.lastPrice)
		v.PnL = &pnl
	}
	return v
}

// Instances lists a strategy's instances ordered by symbol.
func (s *Scheduler) Instances(strategyID string) ([]InstanceView, error) {
	if _, err := s.Strategy(strategyID); err != nil {
		return nil, err
	}
	slots := s.strategySlots(strategyID)
	out := make([]InstanceView, 0, len(slots))
	for _, sl := range slots {
		out = append(out, view(sl))
	}
	return out, nil
}

func (s *Scheduler) Instance(strategyID, symbol string) (InstanceView, error) {
	sl := s.slot(strategy.InstanceKey(strategyID, symbol))
	if sl == nil {
		return InstanceView{}, fmt.Errorf("%w: %s", ErrInstanceNotFound, strategy.InstanceKey(strategyID, symbol))
	}
	return view(sl), nil
}

// ResetInstance returns an instance parked in ERROR to IDLE after an
// operator has dealt with any broker exposure.
func (s *Scheduler) ResetInstance(ctx context.Context, strategyID, symbol string) (InstanceView, error) {
	key := strategy.InstanceKey(strategyID, symbol)
	sl := s.slot(key)
	if sl == nil {
		return InstanceView{}, fmt.Errorf("%w: %s", ErrInstanceNotFound, key)
	}
	sl.mu.Lock()
	from := sl.inst.State
	if from != strategy.StateError {
		sl.mu.Unlock()
		return InstanceView{}, fmt.Errorf("%w: %s is %s, only ERROR can be reset", strategy.ErrIllegalTransition, key, from)
	}
	resID := sl.inst.Context.ReservationID
	if err := sl.inst.Transition(strategy.StateIdle, s.now()); err != nil {
		sl.mu.Unlock()
		return InstanceView{}, err
	}
	if err := s.ledger.ReturnCommitted(ctx, resID); err != nil {
		s.log.Warn().Err(err).Str("reservation_id", resID).Msg("return capital on reset")
	}
	_ = s.ledger.Release(ctx, resID)
	sl.lastPrice = 0
	sl.unwind = false
	s.vacate(key)
	s.commit(ctx, sl, from, "operator reset", nil)
	sl.mu.Unlock()
	return view(sl), nil
}
