// Package api exposes strategy management, instance inspection, backtests,
// correlation groups and the circuit breaker over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/Rajchodisetti/options-engine/internal/backtest"
	"github.com/Rajchodisetti/options-engine/internal/correlation"
	"github.com/Rajchodisetti/options-engine/internal/ledger"
	"github.com/Rajchodisetti/options-engine/internal/observ"
	"github.com/Rajchodisetti/options-engine/internal/regime"
	"github.com/Rajchodisetti/options-engine/internal/risk"
	"github.com/Rajchodisetti/options-engine/internal/scheduler"
	"github.com/Rajchodisetti/options-engine/internal/strategy"
)

// Engine is the scheduler surface the API drives.
type Engine interface {
	CreateStrategy(ctx context.Context, st strategy.Strategy) (strategy.Strategy, error)
	UpdateStrategy(ctx context.Context, st strategy.Strategy) (strategy.Strategy, error)
	StartStrategy(ctx context.Context, id string) (strategy.Strategy, error)
	StopStrategy(ctx context.Context, id string) (strategy.Strategy, error)
	DeleteStrategy(ctx context.Context, id string) error
	Strategies() []strategy.Strategy
	Strategy(id string) (strategy.Strategy, error)
	Instances(strategyID string) ([]scheduler.InstanceView, error)
	Instance(strategyID, symbol string) (scheduler.InstanceView, error)
	ResetInstance(ctx context.Context, strategyID, symbol string) (scheduler.InstanceView, error)
	Regime() (regime.Result, bool)
	Breaker() risk.CircuitBreakerStatus
	TripBreaker(ctx context.Context, user, reason string, unwind bool) error
	ResetBreaker(ctx context.Context, user, reason string) error
}

type Backtests interface {
	Submit(ctx context.Context, req backtest.Request) (backtest.Task, error)
	Get(ctx context.Context, id string) (backtest.Task, error)
}

type Correlations interface {
	Compute(ctx context.Context, symbols []string, lookbackDays int, threshold float64) (correlation.Result, error)
	Current(ctx context.Context) (correlation.Result, error)
}

type Capital interface {
	Accounts() []ledger.Account
	Available(accountID string) (float64, error)
}

// Handler serves the REST routes.
type Handler struct {
	engine       Engine
	backtests    Backtests
	correlations Correlations
	capital      Capital
}

func NewHandler(engine Engine, backtests Backtests, correlations Correlations, capital Capital) *Handler {
	return &Handler{engine: engine, backtests: backtests, correlations: correlations, capital: capital}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", echo.WrapHandler(observ.HealthHandler()))
	e.GET("/metrics", echo.WrapHandler(observ.Handler()))

	g := e.Group("/api")
	g.GET("/presets", h.Presets)

	g.POST("/strategies", h.CreateStrategy)
	g.GET("/strategies", h.ListStrategies)
	g.GET("/strategies/:id", h.GetStrategy)
	g.PUT("/strategies/:id", h.UpdateStrategy)
	g.DELETE("/strategies/:id", h.DeleteStrategy)
	g.POST("/strategies/:id/start", h.StartStrategy)
	g.POST("/strategies/:id/stop", h.StopStrategy)
	g.GET("/strategies/:id/instances", h.ListInstances)

	g.GET("/instances/:strategyId/:symbol", h.GetInstance)
	g.POST("/instances/:strategyId/:symbol/reset", h.ResetInstance)

	g.POST("/backtests", h.SubmitBacktest)
	g.GET("/backtests/:id", h.GetBacktest)
	g.GET("/backtests/:id/result", h.GetBacktestResult)

	g.POST("/correlation/compute", h.ComputeCorrelation)
	g.GET("/correlation", h.GetCorrelation)

	g.GET("/regime", h.GetRegime)
	g.GET("/circuit-breaker", h.GetBreaker)
	g.POST("/circuit-breaker/trip", h.TripBreaker)
	g.POST("/circuit-breaker/reset", h.ResetBreaker)

	g.GET("/accounts", h.ListAccounts)
}

type presetView struct {
	Name   string          `json:"name"`
	Params strategy.Params `json:"params"`
}

func (h *Handler) Presets(c echo.Context) error {
	names := strategy.PresetNames()
	out := make([]presetView, 0, len(names))
	for _, n := range names {
		p, _ := strategy.Preset(n)
		out = append(out, presetView{Name: n, Params: p})
	}
	return ok(c, out)
}

// strategyRequest carries either explicit params or a preset name.
type strategyRequest struct {
	Name      string           `json:"name" validate:"required,max=64"`
	AccountID string           `json:"account_id" validate:"required"`
	Symbols   []string         `json:"symbols" validate:"required,min=1,dive,required"`
	Preset    string           `json:"preset" default:"STANDARD" validate:"oneof=CONSERVATIVE STANDARD AGGRESSIVE"`
	Params    *strategy.Params `json:"params"`
}

func (r strategyRequest) strategy(id string) strategy.Strategy {
	params, _ := strategy.Preset(r.Preset)
	if r.Params != nil {
		params = *r.Params
	}
	return strategy.Strategy{
		ID:        id,
		Name:      r.Name,
		AccountID: r.AccountID,
		Symbols:   r.Symbols,
		Params:    params,
	}
}

// strategyView adds the detected preset name.
type strategyView struct {
	strategy.Strategy
	Preset string `json:"preset"`
}

func viewOf(st strategy.Strategy) strategyView {
	return strategyView{Strategy: st, Preset: st.Preset()}
}

func (h *Handler) CreateStrategy(c echo.Context) error {
	req := &strategyRequest{}
	if errs := bindRequest(c, req); errs != nil {
		return badRequest(c, errs)
	}
	st, err := h.engine.CreateStrategy(c.Request().Context(), req.strategy(""))
	if err != nil {
		return fail(c, err)
	}
	return created(c, viewOf(st))
}

func (h *Handler) ListStrategies(c echo.Context) error {
	list := h.engine.Strategies()
	out := make([]strategyView, 0, len(list))
	for _, st := range list {
		out = append(out, viewOf(st))
	}
	return ok(c, out)
}

func (h *Handler) GetStrategy(c echo.Context) error {
	st, err := h.engine.Strategy(c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return ok(c, viewOf(st))
}

// UpdateStrategy replaces the whole definition; omitted params fall back to the preset.
func (h *Handler) UpdateStrategy(c echo.Context) error {
	req := &strategyRequest{}
	if errs := bindRequest(c, req); errs != nil {
		return badRequest(c, errs)
	}
	st, err := h.engine.UpdateStrategy(c.Request().Context(), req.strategy(c.Param("id")))
	if err != nil {
		return fail(c, err)
	}
	return ok(c, viewOf(st))
}

func (h *Handler) DeleteStrategy(c echo.Context) error {
	if err := h.engine.DeleteStrategy(c.Request().Context(), c.Param("id")); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) StartStrategy(c echo.Context) error {
	st, err := h.engine.StartStrategy(c.Request().Context(), c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return ok(c, viewOf(st))
}

func (h *Handler) StopStrategy(c echo.Context) error {
	st, err := h.engine.StopStrategy(c.Request().Context(), c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return ok(c, viewOf(st))
}

func (h *Handler) ListInstances(c echo.Context) error {
	list, err := h.engine.Instances(c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return ok(c, list)
}

func (h *Handler) GetInstance(c echo.Context) error {
	v, err := h.engine.Instance(c.Param("strategyId"), c.Param("symbol"))
	if err != nil {
		return fail(c, err)
	}
	return ok(c, v)
}

func (h *Handler) ResetInstance(c echo.Context) error {
	v, err := h.engine.ResetInstance(c.Request().Context(), c.Param("strategyId"), c.Param("symbol"))
	if err != nil {
		return fail(c, err)
	}
	return ok(c, v)
}

// backtestRequest defaults symbols and params to the strategy's own.
type backtestRequest struct {
	StrategyID string           `json:"strategy_id" validate:"required"`
	Symbols    []string         `json:"symbols" validate:"omitempty,dive,required"`
	From       time.Time        `json:"from" validate:"required"`
	To         time.Time        `json:"to" validate:"required,gtefield=From"`
	Params     *strategy.Params `json:"params"`
}

func (h *Handler) SubmitBacktest(c echo.Context) error {
	req := &backtestRequest{}
	if errs := bindRequest(c, req); errs != nil {
		return badRequest(c, errs)
	}
	st, err := h.engine.Strategy(req.StrategyID)
	if err != nil {
		return fail(c, err)
	}
	br := backtest.Request{
		StrategyID: st.ID,
		Symbols:    req.Symbols,
		Params:     st.Params,
		From:       req.From,
		To:         req.To,
	}
	if len(br.Symbols) == 0 {
		br.Symbols = st.Symbols
	}
	if req.Params != nil {
		br.Params = *req.Params
	}
	if err := br.Params.Validate(); err != nil {
		return fail(c, err)
	}
	task, err := h.backtests.Submit(c.Request().Context(), br)
	if err != nil {
		return fail(c, err)
	}
	return respond(c, http.StatusAccepted, task)
}

func (h *Handler) GetBacktest(c echo.Context) error {
	task, err := h.backtests.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	task.Result = nil
	return ok(c, task)
}

func (h *Handler) GetBacktestResult(c echo.Context) error {
	task, err := h.backtests.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	switch task.Status {
	case backtest.StatusCompleted:
		return ok(c, task.Result)
	case backtest.StatusFailed:
		return respond(c, http.StatusUnprocessableEntity, []FieldError{{Code: "ERR_FAILED", Message: task.Error}})
	}
	return fail(c, fmt.Errorf("%w: task %s is %s", backtest.ErrInconclusive, task.ID, task.Status))
}

type correlationRequest struct {
	Symbols      []string `json:"symbols" validate:"required,min=2,dive,required"`
	LookbackDays int      `json:"lookback_days" default:"60" validate:"gte=10,lte=365"`
	Threshold    float64  `json:"threshold" default:"0.75" validate:"gt=0,lte=1"`
}

func (h *Handler) ComputeCorrelation(c echo.Context) error {
	req := &correlationRequest{}
	if errs := bindRequest(c, req); errs != nil {
		return badRequest(c, errs)
	}
	res, err := h.correlations.Compute(c.Request().Context(), req.Symbols, req.LookbackDays, req.Threshold)
	if err != nil {
		return fail(c, err)
	}
	return ok(c, res)
}

func (h *Handler) GetCorrelation(c echo.Context) error {
	res, err := h.correlations.Current(c.Request().Context())
	if err != nil {
		return fail(c, err)
	}
	return ok(c, res)
}

type regimeView struct {
	Classified bool           `json:"classified"`
	Result     *regime.Result `json:"result,omitempty"`
}

func (h *Handler) GetRegime(c echo.Context) error {
	r, classified := h.engine.Regime()
	v := regimeView{Classified: classified}
	if classified {
		v.Result = &r
	}
	return ok(c, v)
}

func (h *Handler) GetBreaker(c echo.Context) error {
	return ok(c, h.engine.Breaker())
}

type breakerRequest struct {
	User   string `json:"user" default:"api" validate:"max=64"`
	Reason string `json:"reason" default:"manual" validate:"max=256"`
	Unwind bool   `json:"unwind"`
}

func (h *Handler) TripBreaker(c echo.Context) error {
	req := &breakerRequest{}
	if errs := bindRequest(c, req); errs != nil {
		return badRequest(c, errs)
	}
	if err := h.engine.TripBreaker(c.Request().Context(), req.User, req.Reason, req.Unwind); err != nil {
		return fail(c, err)
	}
	return ok(c, h.engine.Breaker())
}

func (h *Handler) ResetBreaker(c echo.Context) error {
	req := &breakerRequest{}
	if errs := bindRequest(c, req); errs != nil {
		return badRequest(c, errs)
	}
	if err := h.engine.ResetBreaker(c.Request().Context(), req.User, req.Reason); err != nil {
		return fail(c, err)
	}
	return ok(c, h.engine.Breaker())
}

type accountView struct {
	ledger.Account
	Available float64 `json:"available"`
}

func (h *Handler) ListAccounts(c echo.Context) error {
	accts := h.capital.Accounts()
	out := make([]accountView, 0, len(accts))
	for _, a := range accts {
		avail, err := h.capital.Available(a.ID)
		if err != nil {
			return fail(c, err)
		}
		out = append(out, accountView{Account: a, Available: avail})
	}
	return ok(c, out)
}
