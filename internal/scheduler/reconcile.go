package scheduler

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/Rajchodisetti/options-engine/internal/observ"
	"github.com/Rajchodisetti/options-engine/internal/options"
	"github.com/Rajchodisetti/options-engine/internal/scoring"
	"github.com/Rajchodisetti/options-engine/internal/strategy"
)

// reconcile compares broker positions with what the instances track. The
// value of holdings no instance accounts for is charged to the account of
// the strategy trading that symbol, then every account's allocation is
// checked.
func (s *Scheduler) reconcile(ctx context.Context) {
	bctx, cancel := context.WithTimeout(ctx, s.cfg.BrokerTimeout)
	bal, err := s.broker.GetAccountBalance(bctx)
	cancel()
	if err != nil {
		s.log.Warn().Err(err).Msg("reconcile skipped, balance unavailable")
		return
	}

	tracked := s.trackedQuantities()
	owners := s.symbolOwners()
	holdings := make(map[string]float64)
	total := 0.0
	for _, pos := range bal.Positions {
		if pos.Quantity == 0 {
			continue
		}
		sym := strings.ToUpper(pos.Symbol)
		extra := float64(pos.Quantity) - tracked[sym]
		if pos.Quantity < 0 {
			extra = -extra
		}
		if extra <= 0 {
			continue
		}
		acct, ok := owners.accountFor(sym)
		if !ok {
			s.log.Warn().Str("symbol", sym).Float64("quantity", extra).Msg("untracked holding matches no strategy")
			continue
		}
		value := math.Abs(pos.MarketValue) * extra / math.Abs(float64(pos.Quantity))
		holdings[acct] += value
		total += value
	}
	observ.SetGauge("ledger_untracked_holdings_value", total, nil)

	for _, a := range s.ledger.Accounts() {
		v := holdings[a.ID]
		if math.Abs(v-a.HoldingsValue) > 0.005 {
			if err := s.ledger.SetHoldingsValue(a.ID, v); err != nil {
				s.log.Warn().Err(err).Str("account_id", a.ID).Msg("set holdings value")
				continue
			}
			s.log.Info().Str("account_id", a.ID).Float64("holdings", v).Msg("untracked holdings updated")
		}
		if err := s.ledger.CheckInvariant(a.ID); err != nil {
			observ.IncCounter("ledger_invariant_violations_total", map[string]string{"account_id": a.ID})
			s.log.Error().Err(err).Str("account_id", a.ID).Msg("ledger invariant violated")
		}
	}
}

// trackedQuantities is the signed broker exposure every non-idle instance
// expects, by instrument.
func (s *Scheduler) trackedQuantities() map[string]float64 {
	out := make(map[string]float64)
	for _, sl := range s.allSlots() {
		sl.mu.Lock()
		if sl.inst.State != strategy.StateIdle {
			qty := sl.inst.Context.Quantity
			if sl.inst.Context.Direction == scoring.Short {
				qty = -qty
			}
			out[strings.ToUpper(instrumentOf(&sl.inst))] += qty
		}
		sl.mu.Unlock()
	}
	return out
}

type owners struct {
	exact map[string]string
	roots map[string]string
}

// symbolOwners maps symbols and their roots to accounts. The oldest
// strategy wins when several trade the same symbol.
func (s *Scheduler) symbolOwners() owners {
	s.mu.RLock()
	strats := make([]strategy.Strategy, 0, len(s.strategies))
	for _, st := range s.strategies {
		strats = append(strats, st)
	}
	s.mu.RUnlock()
	sort.Slice(strats, func(i, j int) bool {
		if !strats[i].CreatedAt.Equal(strats[j].CreatedAt) {
			return strats[i].CreatedAt.Before(strats[j].CreatedAt)
		}
		return strats[i].ID < strats[j].ID
	})

	o := owners{exact: make(map[string]string), roots: make(map[string]string)}
	for _, st := range strats {
		for _, sym := range st.Symbols {
			sym = strings.ToUpper(sym)
			if _, ok := o.exact[sym]; !ok {
				o.exact[sym] = st.AccountID
			}
			if r := rootOf(sym); r != "" {
				if _, ok := o.roots[r]; !ok {
					o.roots[r] = st.AccountID
				}
			}
		}
	}
	return o
}

func (o owners) accountFor(sym string) (string, bool) {
	if a, ok := o.exact[sym]; ok {
		return a, true
	}
	a, ok := o.roots[rootOf(sym)]
	return a, ok
}

// rootOf is the underlying of an option contract or the ticker of a stock
// symbol without its market suffix.
func rootOf(sym string) string {
	if u, _, _, _, err := options.ParseOCCSymbol(sym); err == nil {
		return u
	}
	if i := strings.IndexByte(sym, '.'); i > 0 {
		return sym[:i]
	}
	return sym
}
