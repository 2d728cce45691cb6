package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/options-engine/internal/backtest"
	"github.com/Rajchodisetti/options-engine/internal/broker"
	"github.com/Rajchodisetti/options-engine/internal/correlation"
	"github.com/Rajchodisetti/options-engine/internal/ledger"
	"github.com/Rajchodisetti/options-engine/internal/market"
	"github.com/Rajchodisetti/options-engine/internal/scheduler"
	"github.com/Rajchodisetti/options-engine/internal/store"
	"github.com/Rajchodisetti/options-engine/internal/strategy"
)

type fakeBacktests struct {
	mu     sync.Mutex
	last   backtest.Request
	tasks  map[string]backtest.Task
	closed bool
}

func (f *fakeBacktests) Submit(_ context.Context, req backtest.Request) (backtest.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return backtest.Task{}, backtest.ErrRunnerClosed
	}
	f.last = req
	t := backtest.Task{ID: "bt-1", StrategyID: req.StrategyID, Request: req, Status: backtest.StatusPending}
	f.tasks[t.ID] = t
	return t, nil
}

func (f *fakeBacktests) Get(_ context.Context, id string) (backtest.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return backtest.Task{}, backtest.ErrTaskNotFound
	}
	return t, nil
}

func (f *fakeBacktests) set(t backtest.Task) {
	f.mu.Lock()
	f.tasks[t.ID] = t
	f.mu.Unlock()
}

type env struct {
	srv       *Server
	quotes    *broker.MemoryQuotes
	backtests *fakeBacktests
}

func newEnv(t *testing.T) *env {
	t.Helper()
	quotes := broker.NewMemoryQuotes()
	paper, err := broker.NewPaperBroker(broker.PaperConfig{
		JournalPath:      filepath.Join(t.TempDir(), "paper.jsonl"),
		StartingCash:     100000,
		DedupeWindowSecs: 60,
	}, quotes)
	require.NoError(t, err)

	l := ledger.New(5 * time.Minute)
	require.NoError(t, l.CreateAccount(ledger.Account{ID: "a1", Name: "main", Type: ledger.Fixed, Value: 100000}))

	sched := scheduler.New(scheduler.Config{}, scheduler.Deps{
		Quotes:   quotes,
		Broker:   paper,
		Ledger:   l,
		Store:    store.NewMemory(),
		Calendar: market.NewCalendar(),
	})
	bt := &fakeBacktests{tasks: map[string]backtest.Task{}}
	grouper := correlation.NewGrouper(quotes, &correlation.MemoryCache{})

	srv := NewServer(ServerConfig{Addr: ":0"}, NewHandler(sched, bt, grouper, l))
	return &env{srv: srv, quotes: quotes, backtests: bt}
}

type envelope struct {
	Status  int             `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e *env) do(t *testing.T, method, path, body string) (int, envelope) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.srv.Echo().ServeHTTP(rec, req)

	var out envelope
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec.Code, out
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

const createBody = `{"name":"momentum","account_id":"a1","symbols":["SPY","QQQ"],"preset":"AGGRESSIVE"}`

func createStrategy(t *testing.T, e *env) strategyView {
	t.Helper()
	code, resp := e.do(t, http.MethodPost, "/api/strategies", createBody)
	require.Equal(t, http.StatusCreated, code)
	return decode[strategyView](t, resp.Data)
}

func TestStrategyLifecycle(t *testing.T) {
	e := newEnv(t)
	st := createStrategy(t, e)
	assert.NotEmpty(t, st.ID)
	assert.Equal(t, strategy.PresetAggressive, st.Preset)
	assert.Equal(t, strategy.StatusStopped, st.Status)

	code, resp := e.do(t, http.MethodGet, "/api/strategies", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decode[[]strategyView](t, resp.Data), 1)

	code, resp = e.do(t, http.MethodPut, "/api/strategies/"+st.ID,
		`{"name":"momentum","account_id":"a1","symbols":["SPY","QQQ","IWM"],"preset":"CONSERVATIVE"}`)
	require.Equal(t, http.StatusOK, code)
	updated := decode[strategyView](t, resp.Data)
	assert.Equal(t, strategy.PresetConservative, updated.Preset)
	assert.Len(t, updated.Symbols, 3)

	code, resp = e.do(t, http.MethodPost, "/api/strategies/"+st.ID+"/start", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, strategy.StatusRunning, decode[strategyView](t, resp.Data).Status)

	code, _ = e.do(t, http.MethodPut, "/api/strategies/"+st.ID, createBody)
	assert.Equal(t, http.StatusConflict, code)

	code, resp = e.do(t, http.MethodGet, "/api/strategies/"+st.ID+"/instances", "")
	require.Equal(t, http.StatusOK, code)
	insts := decode[[]scheduler.InstanceView](t, resp.Data)
	assert.Len(t, insts, 3)

	code, resp = e.do(t, http.MethodGet, "/api/instances/"+st.ID+"/SPY", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, strategy.StateIdle, decode[scheduler.InstanceView](t, resp.Data).State)

	code, _ = e.do(t, http.MethodGet, "/api/instances/"+st.ID+"/TSLA", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = e.do(t, http.MethodPost, "/api/instances/"+st.ID+"/SPY/reset", "")
	assert.Equal(t, http.StatusConflict, code, "only ERROR instances can be reset")

	code, _ = e.do(t, http.MethodDelete, "/api/strategies/"+st.ID, "")
	assert.Equal(t, http.StatusNoContent, code)

	code, _ = e.do(t, http.MethodGet, "/api/strategies/"+st.ID, "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestCreateStrategyValidation(t *testing.T) {
	e := newEnv(t)

	code, resp := e.do(t, http.MethodPost, "/api/strategies", `{"account_id":"a1","symbols":["SPY"]}`)
	require.Equal(t, http.StatusBadRequest, code)
	errs := decode[[]FieldError](t, resp.Data)
	require.NotEmpty(t, errs)
	assert.Equal(t, "ERR_REQUIRED", errs[0].Code)
	assert.Equal(t, "Name", errs[0].Field)

	code, resp = e.do(t, http.MethodPost, "/api/strategies", `{"name":"x","account_id":"a1","symbols":["SPY"],"preset":"YOLO"}`)
	require.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "ERR_ONEOF", decode[[]FieldError](t, resp.Data)[0].Code)

	code, _ = e.do(t, http.MethodPost, "/api/strategies", `{"name":"x","account_id":"a1","symbols":["SPY","SPY"]}`)
	assert.Equal(t, http.StatusBadRequest, code, "duplicate symbols")

	code, _ = e.do(t, http.MethodPost, "/api/strategies", `{"name":`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestPresetsAndAccounts(t *testing.T) {
	e := newEnv(t)

	code, resp := e.do(t, http.MethodGet, "/api/presets", "")
	require.Equal(t, http.StatusOK, code)
	presets := decode[[]presetView](t, resp.Data)
	require.Len(t, presets, 3)
	assert.Equal(t, strategy.PresetAggressive, presets[0].Name)

	code, resp = e.do(t, http.MethodGet, "/api/accounts", "")
	require.Equal(t, http.StatusOK, code)
	accts := decode[[]accountView](t, resp.Data)
	require.Len(t, accts, 1)
	assert.Equal(t, "a1", accts[0].ID)
	assert.InDelta(t, 100000, accts[0].Available, 1e-9)
}

func TestCircuitBreakerRoutes(t *testing.T) {
	e := newEnv(t)

	code, resp := e.do(t, http.MethodPost, "/api/circuit-breaker/trip", `{"user":"ops","reason":"fomc"}`)
	require.Equal(t, http.StatusOK, code)
	data := decode[map[string]any](t, resp.Data)
	assert.Equal(t, "tripped", data["state"])
	assert.Equal(t, "fomc", data["reason"])

	code, resp = e.do(t, http.MethodGet, "/api/circuit-breaker", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "tripped", decode[map[string]any](t, resp.Data)["state"])

	code, resp = e.do(t, http.MethodPost, "/api/circuit-breaker/reset", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "normal", decode[map[string]any](t, resp.Data)["state"])

	code, resp = e.do(t, http.MethodGet, "/api/regime", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, decode[map[string]any](t, resp.Data)["classified"])
}

func dailyCloses(n int, start, step float64) []market.Candle {
	out := make([]market.Candle, n)
	t0 := time.Date(2026, 1, 1, 21, 0, 0, 0, time.UTC)
	for i := range out {
		c := start + float64(i)*step
		out[i] = market.Candle{Time: t0.AddDate(0, 0, i), Open: c, High: c + 1, Low: c - 1, Close: c, Volume: 1000}
	}
	return out
}

func TestCorrelationRoutes(t *testing.T) {
	e := newEnv(t)

	code, _ := e.do(t, http.MethodGet, "/api/correlation", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, resp := e.do(t, http.MethodPost, "/api/correlation/compute", `{"symbols":["SPY"]}`)
	require.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "ERR_MIN", decode[[]FieldError](t, resp.Data)[0].Code)

	e.quotes.SetCandles("SPY", market.PeriodDay, dailyCloses(30, 500, 1))
	e.quotes.SetCandles("QQQ", market.PeriodDay, dailyCloses(30, 400, 2))

	code, resp = e.do(t, http.MethodPost, "/api/correlation/compute", `{"symbols":["SPY","QQQ"]}`)
	require.Equal(t, http.StatusOK, code)
	res := decode[correlation.Result](t, resp.Data)
	assert.Equal(t, 60, res.LookbackDays)
	assert.InDelta(t, 0.75, res.Threshold, 1e-9)

	code, resp = e.do(t, http.MethodGet, "/api/correlation", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, res.Groups, decode[correlation.Result](t, resp.Data).Groups)
}

func TestBacktestRoutes(t *testing.T) {
	e := newEnv(t)
	st := createStrategy(t, e)

	code, _ := e.do(t, http.MethodPost, "/api/backtests",
		`{"strategy_id":"missing","from":"2026-03-02T00:00:00Z","to":"2026-03-03T00:00:00Z"}`)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = e.do(t, http.MethodPost, "/api/backtests",
		`{"strategy_id":"`+st.ID+`","from":"2026-03-03T00:00:00Z","to":"2026-03-02T00:00:00Z"}`)
	assert.Equal(t, http.StatusBadRequest, code, "to before from")

	code, resp := e.do(t, http.MethodPost, "/api/backtests",
		`{"strategy_id":"`+st.ID+`","from":"2026-03-02T00:00:00Z","to":"2026-03-03T00:00:00Z"}`)
	require.Equal(t, http.StatusAccepted, code)
	task := decode[backtest.Task](t, resp.Data)
	assert.Equal(t, backtest.StatusPending, task.Status)
	assert.Equal(t, []string{"SPY", "QQQ"}, e.backtests.last.Symbols)
	assert.Equal(t, strategy.PresetAggressive, strategy.DetectPreset(e.backtests.last.Params))

	code, _ = e.do(t, http.MethodGet, "/api/backtests/"+task.ID+"/result", "")
	assert.Equal(t, http.StatusConflict, code)

	task.Status = backtest.StatusFailed
	task.Error = "no bars"
	e.backtests.set(task)
	code, resp = e.do(t, http.MethodGet, "/api/backtests/"+task.ID+"/result", "")
	require.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "no bars", decode[[]FieldError](t, resp.Data)[0].Message)

	task.Status = backtest.StatusCompleted
	task.Error = ""
	task.Result = &backtest.Result{Summary: backtest.Summary{TotalTrades: 2}}
	e.backtests.set(task)

	code, resp = e.do(t, http.MethodGet, "/api/backtests/"+task.ID, "")
	require.Equal(t, http.StatusOK, code)
	assert.Nil(t, decode[backtest.Task](t, resp.Data).Result, "status view omits the result")

	code, resp = e.do(t, http.MethodGet, "/api/backtests/"+task.ID+"/result", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2, decode[backtest.Result](t, resp.Data).Summary.TotalTrades)

	code, _ = e.do(t, http.MethodGet, "/api/backtests/nope", "")
	assert.Equal(t, http.StatusNotFound, code)

	e.backtests.mu.Lock()
	e.backtests.closed = true
	e.backtests.mu.Unlock()
	code, _ = e.do(t, http.MethodPost, "/api/backtests",
		`{"strategy_id":"`+st.ID+`","from":"2026-03-02T00:00:00Z","to":"2026-03-03T00:00:00Z"}`)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestHealthAndMetrics(t *testing.T) {
	e := newEnv(t)
	rec := httptest.NewRecorder()
	e.srv.Echo().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status"`)

	rec = httptest.NewRecorder()
	e.srv.Echo().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
