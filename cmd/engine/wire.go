package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Rajchodisetti/options-engine/internal/adapters"
	"github.com/Rajchodisetti/options-engine/internal/backtest"
	"github.com/Rajchodisetti/options-engine/internal/broker"
	"github.com/Rajchodisetti/options-engine/internal/cache"
	"github.com/Rajchodisetti/options-engine/internal/config"
	"github.com/Rajchodisetti/options-engine/internal/correlation"
	"github.com/Rajchodisetti/options-engine/internal/events"
	"github.com/Rajchodisetti/options-engine/internal/ledger"
	"github.com/Rajchodisetti/options-engine/internal/market"
	"github.com/Rajchodisetti/options-engine/internal/observ"
	"github.com/Rajchodisetti/options-engine/internal/risk"
	"github.com/Rajchodisetti/options-engine/internal/scheduler"
	"github.com/Rajchodisetti/options-engine/internal/store"
)

// app holds every long-lived component built from the config.
type app struct {
	cfg       config.Config
	cal       market.Calendar
	store     store.Store
	redis     *cache.Redis
	quotes    broker.QuoteProvider
	paper     *broker.PaperBroker
	broker    *broker.Guarded
	publisher events.Publisher
	ledger    *ledger.Ledger
	grouper   *correlation.Grouper
	scheduler *scheduler.Scheduler
	runner    *backtest.Runner

	closers []func() error
}

func openStore(ctx context.Context, cfg config.Store) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemory(), nil
	case "postgres":
		pg, err := store.OpenPostgres(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		if cfg.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				pg.Close()
				return nil, err
			}
		}
		return pg, nil
	default:
		return store.OpenFile(cfg.Path)
	}
}

func openQuotes(cfg config.MarketData) (broker.QuoteProvider, error) {
	if cfg.Provider == "memory" {
		return broker.NewMemoryQuotes(), nil
	}
	return adapters.NewGateway(cfg.Gateway)
}

func openPublisher(cfg config.Config) (events.Publisher, error) {
	pubs := events.Multi{events.Log{}}
	if cfg.Kafka.Enabled {
		k, err := events.NewKafka(cfg.Kafka.KafkaConfig)
		if err != nil {
			return nil, err
		}
		pubs = append(pubs, k)
	}
	if cfg.Slack.Enabled {
		pubs = append(pubs, events.NewSlack(cfg.Slack))
	}
	return pubs, nil
}

// restoreLedger reloads persisted accounts and creates configured ones that
// do not exist yet.
func restoreLedger(ctx context.Context, l *ledger.Ledger, st store.Store, cfg config.Ledger) error {
	accts, err := st.LoadAccounts(ctx)
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}
	res, err := st.LoadReservations(ctx)
	if err != nil {
		return fmt.Errorf("load reservations: %w", err)
	}
	l.Restore(accts, res)
	for _, a := range cfg.Accounts {
		if err := l.CreateAccount(a.Ledger()); err != nil && !errors.Is(err, ledger.ErrDuplicateAccount) {
			return fmt.Errorf("create account %s: %w", a.ID, err)
		}
	}
	if cfg.TotalCapital > 0 {
		l.SetTotalCapital(cfg.TotalCapital)
	}
	return nil
}

func dayOf(cal market.Calendar) func(time.Time) string {
	loc := cal.Location
	if loc == nil {
		loc = time.UTC
	}
	return func(t time.Time) string { return t.In(loc).Format("2006-01-02") }
}

func build(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{cfg: cfg, cal: market.NewCalendar()}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		observ.SetComponentHealth("store", "failed")
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = st
	a.closers = append(a.closers, st.Close)
	observ.SetComponentHealth("store", "healthy")

	if a.quotes, err = openQuotes(cfg.MarketData); err != nil {
		return nil, fmt.Errorf("market data: %w", err)
	}

	if a.publisher, err = openPublisher(cfg); err != nil {
		return nil, fmt.Errorf("events: %w", err)
	}
	a.closers = append(a.closers, a.publisher.Close)

	a.ledger = ledger.New(cfg.Ledger.ReservationTimeout,
		ledger.WithPersister(st),
		ledger.WithEventHandler(events.LedgerHandler(a.publisher, time.Now)),
	)
	if err := restoreLedger(ctx, a.ledger, st, cfg.Ledger); err != nil {
		return nil, err
	}

	if a.paper, err = broker.NewPaperBroker(cfg.Broker.Paper, a.quotes); err != nil {
		return nil, fmt.Errorf("paper broker: %w", err)
	}
	a.broker = broker.NewGuarded(a.paper, cfg.Broker.Guard)

	var corrCache correlation.Cache = store.NewCorrelationCache(st)
	if cfg.Redis.Enabled {
		r, err := cache.Dial(ctx, cfg.Redis.RedisConfig)
		if err != nil {
			observ.SetComponentHealth("redis", "failed")
			return nil, err
		}
		a.redis = r
		a.closers = append(a.closers, r.Close)
		observ.SetComponentHealth("redis", "healthy")
		corrCache = cache.NewCorrelationCache(r, cfg.Redis.CorrelationTTL)
	}
	a.grouper = correlation.NewGrouper(a.quotes, corrCache)

	days := dayOf(a.cal)
	a.scheduler = scheduler.New(cfg.Scheduler, scheduler.Deps{
		Quotes:   a.quotes,
		Broker:   a.broker,
		Ledger:   a.ledger,
		Store:    st,
		Grouper:  a.grouper,
		Breaker:  risk.NewCircuitBreaker(cfg.Risk.Breaker, days),
		Cooldown: risk.NewCooldownManager(cfg.Risk.CooldownPath, days),
		Events:   a.publisher,
		Calendar: a.cal,
		Sources:  cfg.Regime,
	})

	var bars backtest.BarSource = backtest.NewProviderBars(a.quotes)
	if cfg.Backtest.BarsFile != "" {
		if bars, err = backtest.LoadBarsFile(cfg.Backtest.BarsFile); err != nil {
			return nil, err
		}
	}
	a.runner = backtest.NewRunner(backtest.NewReplayer(bars, a.cal, cfg.Regime), a.broker, st)

	ok = true
	return a, nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	if a.runner != nil {
		a.runner.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			observ.Log("close_failed", map[string]any{"level": "warn", "error": err.Error()})
		}
	}
	a.closers = nil
}
