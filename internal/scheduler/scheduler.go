// Package scheduler runs the control loop. Each tick it refreshes the market
// snapshot, classifies the regime once and evaluates every strategy instance
// on a bounded worker pool. The global safety nets (regime veto, circuit
// breaker, trading windows, cooldowns, correlation groups) are applied before
// any capital is reserved; exits are never blocked by them.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Rajchodisetti/options-engine/internal/broker"
	"github.com/Rajchodisetti/options-engine/internal/correlation"
	"github.com/Rajchodisetti/options-engine/internal/events"
	"github.com/Rajchodisetti/options-engine/internal/ledger"
	"github.com/Rajchodisetti/options-engine/internal/market"
	"github.com/Rajchodisetti/options-engine/internal/observ"
	"github.com/Rajchodisetti/options-engine/internal/options"
	"github.com/Rajchodisetti/options-engine/internal/regime"
	"github.com/Rajchodisetti/options-engine/internal/risk"
	"github.com/Rajchodisetti/options-engine/internal/scoring"
	"github.com/Rajchodisetti/options-engine/internal/strategy"
)

var (
	ErrVetoActive           = errors.New("regime veto active")
	ErrCircuitBreakerActive = errors.New("circuit breaker active")
	ErrEntryBlocked         = errors.New("entry blocked")
	ErrStrategyExists       = errors.New("strategy already exists")
	ErrInstanceNotFound     = errors.New("instance not found")

	errNoTemperatureFeed = errors.New("no market temperature feed")
)

// Config tunes the loop.
type Config struct {
	TickInterval  time.Duration `yaml:"tick_interval" default:"1m" validate:"gt=0"`
	Workers       int           `yaml:"workers" default:"8" validate:"gte=1"`
	StaleAfter    time.Duration `yaml:"stale_after" default:"5m"`
	BrokerTimeout time.Duration `yaml:"broker_timeout" default:"10s" validate:"gt=0"`
	SyncLookback  time.Duration `yaml:"sync_lookback" default:"24h"`
	DailyBars     int           `yaml:"daily_bars" default:"60" validate:"gte=20"`
}

// Persistence is the part of the store the scheduler writes through.
type Persistence interface {
	SaveStrategy(ctx context.Context, s strategy.Strategy) error
	LoadStrategies(ctx context.Context) ([]strategy.Strategy, error)
	DeleteStrategy(ctx context.Context, id string) error
	SaveInstance(ctx context.Context, inst strategy.Instance) error
	LoadInstances(ctx context.Context) ([]strategy.Instance, error)
	DeleteInstance(ctx context.Context, strategyID, symbol string) error
}

// Deps are the collaborators. Quotes, Broker, Ledger and Store are required;
// the rest default to in-memory instances. Temperature defaults to Quotes
// when the provider also serves the sentiment reading.
type Deps struct {
	Quotes      broker.QuoteProvider
	Temperature broker.TemperatureSource
	Broker      broker.Broker
	Ledger      *ledger.Ledger
	Store       Persistence
	Grouper     *correlation.Grouper
	Breaker     *risk.CircuitBreaker
	Cooldown    *risk.CooldownManager
	Stops       *risk.StopLossManager
	Events      events.Publisher
	Calendar    market.Calendar
	Sources     regime.Sources
	Now         func() time.Time
}

// slot owns one instance. Its mutex serialises evaluation with API calls.
type slot struct {
	mu        sync.Mutex
	inst      strategy.Instance
	accountID string
	lastPrice float64
	unwind    bool
}

// Scheduler drives every strategy instance.
type Scheduler struct {
	cfg      Config
	quotes   broker.QuoteProvider
	temps    broker.TemperatureSource
	broker   broker.Broker
	ledger   *ledger.Ledger
	store    Persistence
	grouper  *correlation.Grouper
	breaker  *risk.CircuitBreaker
	cooldown *risk.CooldownManager
	stops    *risk.StopLossManager
	events   events.Publisher
	cal      market.Calendar
	sources  regime.Sources
	now      func() time.Time
	selector *options.Selector
	fees     options.FeeModel
	confirm  *scoring.Confirmer
	log      zerolog.Logger

	// score is swapped in tests to pin the entry signal.
	score func(ctx context.Context, symbol string, p strategy.Params, ts tickState) (scored, error)

	tickMu sync.Mutex

	mu         sync.RWMutex
	strategies map[string]strategy.Strategy
	slots      map[string]*slot

	// positions maps instance key to symbol for every instance holding or
	// acquiring exposure; the correlation rule is checked against it.
	groupMu   sync.Mutex
	positions map[string]string

	watchMu sync.Mutex
	watches map[string]resetWatch

	version    atomic.Int64
	regimeMu   sync.RWMutex
	lastRegime *regime.Result
}

func New(cfg Config, d Deps) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.BrokerTimeout <= 0 {
		cfg.BrokerTimeout = 10 * time.Second
	}
	if cfg.DailyBars < 20 {
		cfg.DailyBars = 60
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Sources == (regime.Sources{}) {
		d.Sources = regime.DefaultSources()
	}
	dayOf := sessionDay(d.Calendar)
	if d.Breaker == nil {
		d.Breaker = risk.NewCircuitBreaker(risk.CircuitBreakerConfig{}, dayOf)
	}
	if d.Cooldown == nil {
		d.Cooldown = risk.NewCooldownManager("", dayOf)
	}
	if d.Stops == nil {
		d.Stops = risk.NewStopLossManager()
	}
	if d.Events == nil {
		d.Events = events.Noop{}
	}
	if d.Temperature == nil {
		if ts, ok := d.Quotes.(broker.TemperatureSource); ok {
			d.Temperature = ts
		}
	}
	fees := options.DefaultFeeModel()
	s := &Scheduler{
		cfg:        cfg,
		quotes:     d.Quotes,
		temps:      d.Temperature,
		broker:     d.Broker,
		ledger:     d.Ledger,
		store:      d.Store,
		grouper:    d.Grouper,
		breaker:    d.Breaker,
		cooldown:   d.Cooldown,
		stops:      d.Stops,
		events:     d.Events,
		cal:        d.Calendar,
		sources:    d.Sources,
		now:        d.Now,
		selector:   options.NewSelector(fees),
		fees:       fees,
		confirm:    scoring.NewConfirmer(),
		log:        observ.With("scheduler"),
		strategies: make(map[string]strategy.Strategy),
		slots:      make(map[string]*slot),
		positions:  make(map[string]string),
		watches:    make(map[string]resetWatch),
	}
	s.score = s.liveScore
	return s
}

// sessionDay buckets times by exchange-local date.
func sessionDay(cal market.Calendar) func(time.Time) string {
	loc := cal.Location
	if loc == nil {
		loc = time.UTC
	}
	return func(t time.Time) string { return t.In(loc).Format("2006-01-02") }
}

// Report summarises one tick.
type Report struct {
	Version   int64          `json:"version"`
	Regime    *regime.Result `json:"regime,omitempty"`
	Evaluated int            `json:"evaluated"`
	Entries   int            `json:"entries"`
	Exits     int            `json:"exits"`
	Reset     int            `json:"reset"`
	Swept     int            `json:"swept"`
	Orphans   int            `json:"orphans"`
}

// tickState is built once per tick and shared read-only by the workers.
type tickState struct {
	now       time.Time
	snap      regime.Snapshot
	regime    regime.Result
	regimeErr error
	groups    *correlation.Result
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	s.log.Info().Dur("interval", s.cfg.TickInterval).Int("workers", s.cfg.Workers).Msg("scheduler started")
	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.log.Error().Err(err).Msg("tick failed")
		}
		select {
		case <-ctx.Done():
			s.log.Info().Msg("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

type outcome int

const (
	outcomeNone outcome = iota
	outcomeEntered
	outcomeExited
)

// Tick runs one full control cycle. Ticks never overlap.
func (s *Scheduler) Tick(ctx context.Context) (Report, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	start := time.Now()
	now := s.now()
	var rep Report

	if err := s.breaker.RollDay(now); err != nil {
		s.log.Warn().Err(err).Msg("circuit breaker day roll failed")
	}
	s.refreshCapital(ctx)
	rep.Reset, rep.Swept = s.sweep(ctx, now)

	ts := s.snapshot(ctx, now)
	rep.Version = ts.snap.Version
	if ts.regimeErr == nil {
		r := ts.regime
		rep.Regime = &r
	}

	slots := s.allSlots()
	var entries, exits atomic.Int32
	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)
	for _, sl := range slots {
		sl := sl
		g.Go(func() error {
			switch s.evaluate(ctx, sl, ts) {
			case outcomeEntered:
				entries.Add(1)
			case outcomeExited:
				exits.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	rep.Evaluated = len(slots)
	rep.Entries, rep.Exits = int(entries.Load()), int(exits.Load())

	rep.Orphans = s.syncOrders(ctx, now)
	s.reconcile(ctx)

	observ.IncCounter("scheduler_ticks_total", nil)
	observ.RecordDuration("scheduler_tick", time.Since(start), nil)
	observ.SetGauge("scheduler_instances", float64(len(slots)), nil)
	s.log.Debug().
		Int64("version", rep.Version).
		Int("evaluated", rep.Evaluated).
		Int("entries", rep.Entries).
		Int("exits", rep.Exits).
		Int("reset", rep.Reset).
		Int("swept", rep.Swept).
		Msg("tick complete")
	return rep, ctx.Err()
}

// refreshCapital resolves percentage accounts against the broker's net
// assets, or its cash when the broker cannot mark positions.
func (s *Scheduler) refreshCapital(ctx context.Context) {
	bctx, cancel := context.WithTimeout(ctx, s.cfg.BrokerTimeout)
	defer cancel()
	bal, err := s.broker.GetAccountBalance(bctx)
	if err != nil {
		observ.SetComponentHealth("broker", "degraded")
		s.log.Warn().Err(err).Msg("account balance unavailable")
		return
	}
	observ.SetComponentHealth("broker", "healthy")
	s.ledger.SetTotalCapital(bal.TotalCapital())
}

// snapshot fetches the regime series once and classifies them. A failure
// leaves regimeErr set, which blocks entries but not exits.
func (s *Scheduler) snapshot(ctx context.Context, now time.Time) tickState {
	ts := tickState{now: now}
	series := make(map[string][]market.Candle, 4)
	for _, sym := range []string{s.sources.SPX, s.sources.USDIndex, s.sources.BTC, s.sources.VIX} {
		c, err := s.quotes.GetCandles(ctx, sym, market.PeriodDay, s.cfg.DailyBars)
		if err != nil {
			ts.regimeErr = fmt.Errorf("candles %s: %w", sym, err)
			continue
		}
		series[sym] = c
	}
	vix := series[s.sources.VIX]
	if intraday, err := s.quotes.GetCandles(ctx, s.sources.VIX, market.PeriodMinute, 1); err == nil && len(intraday) > 0 {
		vix = append(append([]market.Candle(nil), vix...), intraday...)
	}
	spx := series[s.sources.SPX]
	temp, err := s.temperature(ctx)
	if err != nil {
		temp = regime.EstimateTemperature(vix, spx)
		observ.IncCounter("regime_temperature_fallback_total", nil)
		s.log.Warn().Err(err).Float64("estimate", temp).Msg("market temperature unavailable, using VIX estimate")
	}
	ts.snap = regime.NewSnapshot(s.version.Add(1), now, spx, series[s.sources.USDIndex], series[s.sources.BTC], vix, temp)

	if ts.regimeErr == nil {
		res, err := regime.ClassifySnapshot(ts.snap)
		if err != nil {
			ts.regimeErr = err
		} else {
			ts.regime = res
			s.regimeMu.Lock()
			s.lastRegime = &res
			s.regimeMu.Unlock()
			observ.SetGauge("regime_env_score", res.EnvScore, nil)
			observ.SetGauge("regime_vix", res.VIX, nil)
			if res.Veto != nil {
				observ.IncCounter("regime_vetoes_total", nil)
			}
		}
	}
	if ts.regimeErr != nil {
		observ.SetComponentHealth("regime", "degraded")
		s.log.Warn().Err(ts.regimeErr).Int64("version", ts.snap.Version).Msg("regime unavailable, entries blocked")
	} else {
		observ.SetComponentHealth("regime", "healthy")
	}

	if s.grouper != nil {
		if g, err := s.grouper.Current(ctx); err == nil {
			ts.groups = &g
		} else if !errors.Is(err, correlation.ErrNotComputed) {
			s.log.Warn().Err(err).Msg("correlation groups unavailable")
		}
	}
	return ts
}

// temperature reads the sentiment feed and rejects readings outside 0-100.
func (s *Scheduler) temperature(ctx context.Context) (float64, error) {
	if s.temps == nil {
		return 0, errNoTemperatureFeed
	}
	tctx, cancel := context.WithTimeout(ctx, s.cfg.BrokerTimeout)
	defer cancel()
	t, err := s.temps.GetMarketTemperature(tctx)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(t) || t < 0 || t > 100 {
		return 0, fmt.Errorf("market temperature %.2f out of range", t)
	}
	return t, nil
}

func (s *Scheduler) allSlots() []*slot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.slots))
	for k := range s.slots {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*slot, len(keys))
	for i, k := range keys {
		out[i] = s.slots[k]
	}
	return out
}

func (s *Scheduler) slot(key string) *slot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.slots[key]
}

// evaluate advances one instance by at most one step.
func (s *Scheduler) evaluate(ctx context.Context, sl *slot, ts tickState) outcome {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	s.mu.RLock()
	strat, ok := s.strategies[sl.inst.StrategyID]
	s.mu.RUnlock()
	if !ok {
		return outcomeNone
	}

	start := time.Now()
	var (
		out outcome
		err error
	)
	switch sl.inst.State {
	case strategy.StateIdle:
		if !strat.Running() {
			return outcomeNone
		}
		out, err = s.tryEntry(ctx, sl, strat, ts)
	case strategy.StateOpening, strategy.StateShorting, strategy.StateClosing:
		out, err = s.checkPending(ctx, sl, strat, ts)
	case strategy.StateHolding:
		out, err = s.manage(ctx, sl, strat, ts)
	}
	observ.RecordDuration("scheduler_instance_evaluation", time.Since(start), nil)

	if err != nil {
		ev := s.log.Warn()
		switch {
		case errors.Is(err, ErrVetoActive), errors.Is(err, ErrCircuitBreakerActive), errors.Is(err, ErrEntryBlocked):
			ev = s.log.Debug()
		case errors.Is(err, options.ErrNoQuote), errors.Is(err, options.ErrNoContract),
			errors.Is(err, options.ErrUnaffordable), errors.Is(err, ledger.ErrInsufficientFunds),
			errors.Is(err, ledger.ErrSymbolCapExceeded):
			ev = s.log.Info()
		default:
			observ.IncCounter("scheduler_evaluation_errors_total", nil)
		}
		ev.Err(err).
			Str("strategy_id", sl.inst.StrategyID).
			Str("symbol", sl.inst.Symbol).
			Str("state", string(sl.inst.State)).
			Msg("instance evaluation")
	}
	return out
}

// persist writes the instance through the store. Failures are logged; the
// in-memory state stays authoritative until the next successful write.
func (s *Scheduler) persist(ctx context.Context, inst strategy.Instance) {
	if err := s.store.SaveInstance(ctx, inst); err != nil {
		observ.IncCounter("scheduler_persist_errors_total", nil)
		s.log.Error().Err(err).Str("strategy_id", inst.StrategyID).Str("symbol", inst.Symbol).Msg("save instance")
	}
}

// commit persists a transition and publishes it. Must hold sl.mu.
func (s *Scheduler) commit(ctx context.Context, sl *slot, from strategy.State, reason string, data map[string]any) {
	inst := sl.inst.Clone()
	s.persist(ctx, inst)

	e := events.New(events.KindTransition, s.now())
	e.StrategyID = inst.StrategyID
	e.Symbol = inst.Symbol
	e.AccountID = sl.accountID
	e.From = string(from)
	e.To = string(inst.State)
	e.Reason = reason
	e.Data = data
	s.publish(ctx, e)

	observ.IncCounter("instance_transitions_total", map[string]string{"to": string(inst.State)})
	s.log.Info().
		Str("strategy_id", inst.StrategyID).
		Str("symbol", inst.Symbol).
		Str("from", string(from)).
		Str("state", string(inst.State)).
		Str("reason", reason).
		Msg("instance transition")
}

func (s *Scheduler) publish(ctx context.Context, e events.TransitionEvent) {
	if err := s.events.Publish(ctx, e); err != nil {
		observ.IncCounter("events_publish_errors_total", map[string]string{"kind": string(e.Kind)})
		s.log.Warn().Err(err).Str("kind", string(e.Kind)).Msg("publish event")
	}
}

// occupy claims exposure for key unless another instance already holds a
// symbol in the same correlation group.
func (s *Scheduler) occupy(groups *correlation.Result, key, symbol string) (string, bool) {
	group := groupOf(groups, symbol)
	s.groupMu.Lock()
	defer s.groupMu.Unlock()
	for k, sym := range s.positions {
		if k != key && groupOf(groups, sym) == group {
			return k, false
		}
	}
	s.positions[key] = symbol
	observ.SetGauge("scheduler_open_positions", float64(len(s.positions)), nil)
	return "", true
}

func (s *Scheduler) vacate(key string) {
	s.groupMu.Lock()
	delete(s.positions, key)
	observ.SetGauge("scheduler_open_positions", float64(len(s.positions)), nil)
	s.groupMu.Unlock()
}

func groupOf(groups *correlation.Result, symbol string) string {
	if groups == nil {
		return symbol
	}
	return groups.GroupOf(symbol)
}

// Regime returns the last classification, if any tick has produced one.
func (s *Scheduler) Regime() (regime.Result, bool) {
	s.regimeMu.RLock()
	defer s.regimeMu.RUnlock()
	if s.lastRegime == nil {
		return regime.Result{}, false
	}
	return *s.lastRegime, true
}

// Breaker exposes the circuit breaker status.
func (s *Scheduler) Breaker() risk.CircuitBreakerStatus { return s.breaker.Status() }

// TripBreaker halts new entries. With unwind, every open position is closed
// on the next tick.
func (s *Scheduler) TripBreaker(ctx context.Context, user, reason string, unwind bool) error {
	now := s.now()
	if err := s.breaker.Trip(user, reason, now); err != nil {
		return err
	}
	s.publishBreaker(ctx, "tripped", reason, now)
	if !unwind {
		return nil
	}
	for _, sl := range s.allSlots() {
		sl.mu.Lock()
		if sl.inst.State == strategy.StateHolding {
			sl.unwind = true
		}
		sl.mu.Unlock()
	}
	return nil
}

func (s *Scheduler) ResetBreaker(ctx context.Context, user, reason string) error {
	now := s.now()
	if err := s.breaker.Reset(user, reason, now); err != nil {
		return err
	}
	s.publishBreaker(ctx, "reset", reason, now)
	return nil
}

func (s *Scheduler) publishBreaker(ctx context.Context, to, reason string, now time.Time) {
	e := events.New(events.KindCircuitBreaker, now)
	e.To = to
	e.Reason = reason
	st := s.breaker.Status()
	e.Data = map[string]any{"daily_pnl": st.DailyPnL, "trip_count": st.TripCount}
	s.publish(ctx, e)
}
