package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/Rajchodisetti/options-engine/internal/backtest"
	"github.com/Rajchodisetti/options-engine/internal/correlation"
	"github.com/Rajchodisetti/options-engine/internal/ledger"
	"github.com/Rajchodisetti/options-engine/internal/strategy"
)

//go:embed schema.sql
var schema string

// PostgresConfig holds connection settings.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns" default:"10"`
	MaxIdleConns    int           `yaml:"max_idle_conns" default:"5"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" default:"30m"`
	QueryTimeout    time.Duration `yaml:"query_timeout" default:"5s"`
}

// Postgres stores state in PostgreSQL through sqlx.
type Postgres struct {
	db      *sqlx.DB
	timeout time.Duration
}

// OpenPostgres connects, pings and applies the schema.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	p := NewPostgres(db, cfg.QueryTimeout)
	if err := p.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

// NewPostgres wraps an open handle.
func NewPostgres(db *sqlx.DB, timeout time.Duration) *Postgres {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Postgres{db: db, timeout: timeout}
}

// Migrate creates missing tables.
func (p *Postgres) Migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (p *Postgres) Close() error { return p.db.Close() }

// Ping reports database health.
func (p *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.db.PingContext(ctx)
}

func (p *Postgres) exec(ctx context.Context, op, query string, args ...any) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	return nil
}

// SaveAccount upserts the account. Persister calls carry no context.
func (p *Postgres) SaveAccount(a ledger.Account) error {
	return p.exec(context.Background(), "save account", `
		INSERT INTO allocation_accounts
		(id, name, parent_id, type, value, current_usage, total_capital_snapshot,
		 holdings_value, symbol_count, version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			parent_id = EXCLUDED.parent_id,
			type = EXCLUDED.type,
			value = EXCLUDED.value,
			current_usage = EXCLUDED.current_usage,
			total_capital_snapshot = EXCLUDED.total_capital_snapshot,
			holdings_value = EXCLUDED.holdings_value,
			symbol_count = EXCLUDED.symbol_count,
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at`,
		a.ID, a.Name, a.ParentID, a.Type, a.Value, a.CurrentUsage, a.TotalCapitalSnapshot,
		a.HoldingsValue, a.SymbolCount, a.Version, a.UpdatedAt)
}

func (p *Postgres) SaveReservation(r ledger.Reservation) error {
	return p.exec(context.Background(), "save reservation", `
		INSERT INTO capital_reservations
		(id, account_id, instance_id, symbol, amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			amount = EXCLUDED.amount,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`,
		r.ID, r.AccountID, r.InstanceID, r.Symbol, r.Amount, r.Status, r.CreatedAt, r.UpdatedAt)
}

func (p *Postgres) LoadAccounts(ctx context.Context) ([]ledger.Account, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	var out []ledger.Account
	err := p.db.SelectContext(ctx, &out, `
		SELECT id, name, parent_id, type, value, current_usage, total_capital_snapshot,
		       holdings_value, symbol_count, version, updated_at
		FROM allocation_accounts
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}
	return out, nil
}

// LoadReservations returns only reservations that still hold capital.
func (p *Postgres) LoadReservations(ctx context.Context) ([]ledger.Reservation, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	var out []ledger.Reservation
	err := p.db.SelectContext(ctx, &out, `
		SELECT id, account_id, instance_id, symbol, amount, status, created_at, updated_at
		FROM capital_reservations
		WHERE status <> $1
		ORDER BY created_at`, ledger.StatusReleased)
	if err != nil {
		return nil, fmt.Errorf("failed to load reservations: %w", err)
	}
	return out, nil
}

type strategyRow struct {
	strategy.Strategy
	SymbolsJSON []byte `db:"symbols"`
	ParamsJSON  []byte `db:"params"`
}

func (p *Postgres) SaveStrategy(ctx context.Context, s strategy.Strategy) error {
	symbols, err := json.Marshal(s.Symbols)
	if err != nil {
		return fmt.Errorf("failed to marshal symbols: %w", err)
	}
	params, err := json.Marshal(s.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	return p.exec(ctx, "save strategy", `
		INSERT INTO strategies (id, name, account_id, symbols, params, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			account_id = EXCLUDED.account_id,
			symbols = EXCLUDED.symbols,
			params = EXCLUDED.params,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`,
		s.ID, s.Name, s.AccountID, symbols, params, s.Status, s.CreatedAt, s.UpdatedAt)
}

func (p *Postgres) LoadStrategies(ctx context.Context) ([]strategy.Strategy, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	var rows []strategyRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT id, name, account_id, symbols, params, status, created_at, updated_at
		FROM strategies
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to load strategies: %w", err)
	}
	out := make([]strategy.Strategy, 0, len(rows))
	for _, r := range rows {
		s := r.Strategy
		if err := json.Unmarshal(r.SymbolsJSON, &s.Symbols); err != nil {
			return nil, fmt.Errorf("strategy %s symbols: %w", s.ID, err)
		}
		if err := json.Unmarshal(r.ParamsJSON, &s.Params); err != nil {
			return nil, fmt.Errorf("strategy %s params: %w", s.ID, err)
		}
		out = append(out, s)
	}
	return out, nil
}

func (p *Postgres) DeleteStrategy(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	res, err := p.db.ExecContext(ctx, `DELETE FROM strategies WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete strategy: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", strategy.ErrNotFound, id)
	}
	return nil
}

type instanceRow struct {
	strategy.Instance
	ContextJSON []byte `db:"context"`
}

func (p *Postgres) SaveInstance(ctx context.Context, inst strategy.Instance) error {
	c, err := json.Marshal(inst.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal instance context: %w", err)
	}
	return p.exec(ctx, "save instance", `
		INSERT INTO strategy_instances (strategy_id, symbol, state, state_entered_at, context, version)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (strategy_id, symbol) DO UPDATE SET
			state = EXCLUDED.state,
			state_entered_at = EXCLUDED.state_entered_at,
			context = EXCLUDED.context,
			version = EXCLUDED.version`,
		inst.StrategyID, inst.Symbol, inst.State, inst.StateEnteredAt, c, inst.Version)
}

func (p *Postgres) LoadInstances(ctx context.Context) ([]strategy.Instance, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	var rows []instanceRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT strategy_id, symbol, state, state_entered_at, context, version
		FROM strategy_instances
		ORDER BY strategy_id, symbol`)
	if err != nil {
		return nil, fmt.Errorf("failed to load instances: %w", err)
	}
	out := make([]strategy.Instance, 0, len(rows))
	for _, r := range rows {
		inst := r.Instance
		if len(r.ContextJSON) > 0 {
			if err := json.Unmarshal(r.ContextJSON, &inst.Context); err != nil {
				return nil, fmt.Errorf("instance %s context: %w", inst.Key(), err)
			}
		}
		out = append(out, inst)
	}
	return out, nil
}

func (p *Postgres) DeleteInstance(ctx context.Context, strategyID, symbol string) error {
	return p.exec(ctx, "delete instance",
		`DELETE FROM strategy_instances WHERE strategy_id = $1 AND symbol = $2`, strategyID, symbol)
}

func (p *Postgres) SaveCorrelation(ctx context.Context, r correlation.Result) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal correlation: %w", err)
	}
	return p.exec(ctx, "save correlation", `
		INSERT INTO correlation_results (id, result, calculated_at)
		VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET
			result = EXCLUDED.result,
			calculated_at = EXCLUDED.calculated_at`,
		data, r.CalculatedAt)
}

func (p *Postgres) LoadCorrelation(ctx context.Context) (*correlation.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	var data []byte
	err := p.db.GetContext(ctx, &data, `SELECT result FROM correlation_results WHERE id = 1`)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load correlation: %w", err)
	}
	var r correlation.Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal correlation: %w", err)
	}
	return &r, nil
}

type taskRow struct {
	backtest.Task
	RequestJSON []byte `db:"request"`
	ResultJSON  []byte `db:"result"`
}

func (p *Postgres) SaveTask(ctx context.Context, t backtest.Task) error {
	req, err := json.Marshal(t.Request)
	if err != nil {
		return fmt.Errorf("failed to marshal backtest request: %w", err)
	}
	var result []byte
	if t.Result != nil {
		if result, err = json.Marshal(t.Result); err != nil {
			return fmt.Errorf("failed to marshal backtest result: %w", err)
		}
	}
	return p.exec(ctx, "save backtest task", `
		INSERT INTO backtest_tasks
		(id, strategy_id, status, error, request, result, created_at, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			error = EXCLUDED.error,
			result = EXCLUDED.result,
			started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at`,
		t.ID, t.StrategyID, t.Status, t.Error, req, result, t.CreatedAt, t.StartedAt, t.FinishedAt)
}

func (p *Postgres) Task(ctx context.Context, id string) (backtest.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	var row taskRow
	err := p.db.GetContext(ctx, &row, `
		SELECT id, strategy_id, status, error, request, result, created_at, started_at, finished_at
		FROM backtest_tasks
		WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return backtest.Task{}, fmt.Errorf("%w: %s", backtest.ErrTaskNotFound, id)
		}
		return backtest.Task{}, fmt.Errorf("failed to load backtest task: %w", err)
	}
	t := row.Task
	if err := json.Unmarshal(row.RequestJSON, &t.Request); err != nil {
		return backtest.Task{}, fmt.Errorf("backtest task %s request: %w", id, err)
	}
	if len(row.ResultJSON) > 0 {
		t.Result = &backtest.Result{}
		if err := json.Unmarshal(row.ResultJSON, t.Result); err != nil {
			return backtest.Task{}, fmt.Errorf("backtest task %s result: %w", id, err)
		}
	}
	return t, nil
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*File)(nil)
	_ Store = (*Postgres)(nil)
)
