// Package store persists the engine's durable state: allocation accounts and
// reservations, strategies, instances, the correlation result and backtest
// tasks.
package store

import (
	"context"

	"github.com/Rajchodisetti/options-engine/internal/backtest"
	"github.com/Rajchodisetti/options-engine/internal/correlation"
	"github.com/Rajchodisetti/options-engine/internal/ledger"
	"github.com/Rajchodisetti/options-engine/internal/strategy"
)

// Store is implemented by Memory, File and Postgres.
type Store interface {
	ledger.Persister
	backtest.TaskStore

	LoadAccounts(ctx context.Context) ([]ledger.Account, error)
	LoadReservations(ctx context.Context) ([]ledger.Reservation, error)

	SaveStrategy(ctx context.Context, s strategy.Strategy) error
	LoadStrategies(ctx context.Context) ([]strategy.Strategy, error)
	DeleteStrategy(ctx context.Context, id string) error

	SaveInstance(ctx context.Context, inst strategy.Instance) error
	LoadInstances(ctx context.Context) ([]strategy.Instance, error)
	DeleteInstance(ctx context.Context, strategyID, symbol string) error

	SaveCorrelation(ctx context.Context, r correlation.Result) error
	// LoadCorrelation returns nil, nil when nothing was saved yet.
	LoadCorrelation(ctx context.Context) (*correlation.Result, error)

	Close() error
}

// CorrelationCache adapts a Store to correlation.Cache.
type CorrelationCache struct{ s Store }

func NewCorrelationCache(s Store) *CorrelationCache { return &CorrelationCache{s: s} }

func (c *CorrelationCache) Load(ctx context.Context) (*correlation.Result, error) {
	return c.s.LoadCorrelation(ctx)
}

func (c *CorrelationCache) Store(ctx context.Context, r correlation.Result) error {
	return c.s.SaveCorrelation(ctx, r)
}
