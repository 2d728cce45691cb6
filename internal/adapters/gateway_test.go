package adapters

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/options-engine/internal/market"
)

func newTestGateway(t *testing.T, h http.HandlerFunc) *Gateway {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	g, err := NewGateway(GatewayConfig{
		BaseURL:            srv.URL,
		Token:              "secret",
		RateLimitPerMinute: 60000,
		CacheTTL:           10 * time.Second,
		StaleCeiling:       time.Minute,
		MaxRetries:         3,
		BackoffBase:        time.Millisecond,
		Aliases:            map[string]string{".vix.us": "VIX"},
	})
	require.NoError(t, err)
	return g
}

func TestNewGatewayRequiresURL(t *testing.T) {
	_, err := NewGateway(GatewayConfig{})
	assert.Error(t, err)
	_, err = NewGateway(GatewayConfig{BaseURL: "not a url"})
	assert.Error(t, err)
}

func TestLatestQuoteIsCached(t *testing.T) {
	var calls atomic.Int32
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/v1/quotes/SPY.US", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"symbol":"SPY.US","bid":499.9,"ask":500.1,"last":500.0,"volume":7}`)
	})
	now := time.Date(2026, 3, 2, 15, 30, 0, 0, time.UTC)
	g.now = func() time.Time { return now }

	q, err := g.GetLatestQuote(context.Background(), "spy.us")
	require.NoError(t, err)
	require.NotNil(t, q)
	assert.Equal(t, "spy.us", q.Symbol)
	assert.InDelta(t, 499.9, q.Bid, 1e-9)
	assert.InDelta(t, 500.1, q.Ask, 1e-9)
	assert.Equal(t, int64(7), q.Volume)

	_, err = g.GetLatestQuote(context.Background(), "SPY.US")
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	now = now.Add(11 * time.Second)
	_, err = g.GetLatestQuote(context.Background(), "SPY.US")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestNoContentMeansNoQuote(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	q, err := g.GetLatestQuote(context.Background(), "SPY260302C00500000")
	require.NoError(t, err)
	assert.Nil(t, q)
}

func TestAliasesApplied(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/quotes/VIX", r.URL.Path)
		fmt.Fprint(w, `{"last":18.5}`)
	})
	q, err := g.GetLatestQuote(context.Background(), ".VIX.US")
	require.NoError(t, err)
	assert.Equal(t, ".VIX.US", q.Symbol)
	assert.InDelta(t, 18.5, q.Last, 1e-9)
}

func TestStaleQuoteServedWhileGatewayFails(t *testing.T) {
	var fail atomic.Bool
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, `{"bid":10,"ask":10.2,"last":10.1}`)
	})
	now := time.Date(2026, 3, 2, 15, 30, 0, 0, time.UTC)
	g.now = func() time.Time { return now }

	_, err := g.GetLatestQuote(context.Background(), "QQQ")
	require.NoError(t, err)

	fail.Store(true)
	now = now.Add(30 * time.Second)
	q, err := g.GetLatestQuote(context.Background(), "QQQ")
	require.NoError(t, err)
	assert.InDelta(t, 10.1, q.Last, 1e-9)

	now = now.Add(2 * time.Minute)
	_, err = g.GetLatestQuote(context.Background(), "QQQ")
	var qe *market.QuoteError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, "stale", qe.Type)
}

func TestMarketTemperature(t *testing.T) {
	var empty atomic.Bool
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/market/temperature", r.URL.Path)
		if empty.Load() {
			fmt.Fprint(w, `{}`)
			return
		}
		fmt.Fprint(w, `{"temperature":37.5}`)
	})
	temp, err := g.GetMarketTemperature(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 37.5, temp, 1e-9)

	empty.Store(true)
	_, err = g.GetMarketTemperature(context.Background())
	assert.Error(t, err)
}

func TestCandlesTrimmedToCount(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/candles/SPY", r.URL.Path)
		assert.Equal(t, "1d", r.URL.Query().Get("period"))
		assert.Equal(t, "2", r.URL.Query().Get("count"))
		fmt.Fprint(w, `{"candles":[
			{"time":"2026-03-02T00:00:00Z","close":1.5},
			{"time":"2026-03-03T00:00:00Z","close":2.5},
			{"time":"2026-03-04T00:00:00Z","close":3.5}]}`)
	})
	bars, err := g.GetCandles(context.Background(), "SPY", market.PeriodDay, 2)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.InDelta(t, 2.5, bars[0].Close, 1e-9)
	assert.InDelta(t, 3.5, bars[1].Close, 1e-9)
	assert.True(t, bars[1].Time.Equal(time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)))

	_, err = g.GetCandles(context.Background(), "SPY", market.Period("1w"), 2)
	assert.Error(t, err)
}

func TestOptionChainFollowsCursor(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chains/SPY", r.URL.Path)
		if r.URL.Query().Get("cursor") == "" {
			fmt.Fprint(w, `{"next_cursor":"abc","contracts":[
				{"symbol":"SPY260302C00500000","underlying":"SPY","right":"CALL","strike":500,
				 "expiration":"2026-03-02T00:00:00Z","open_interest":1200,"quote":{"bid":2.0,"ask":2.1,"last":2.05}}]}`)
			return
		}
		assert.Equal(t, "abc", r.URL.Query().Get("cursor"))
		fmt.Fprint(w, `{"contracts":[
			{"symbol":"SPY260302P00495000","right":"PUT","strike":495,"expiration":"2026-03-02T00:00:00Z","open_interest":800}]}`)
	})

	chain, err := g.GetOptionChain(context.Background(), "spy")
	require.NoError(t, err)
	require.Len(t, chain, 2)

	call := chain[0]
	assert.Equal(t, "SPY260302C00500000", call.Symbol)
	assert.InDelta(t, 500, call.Strike, 1e-9)
	assert.Equal(t, int64(1200), call.OpenInterest)
	require.NotNil(t, call.Quote)
	assert.InDelta(t, 2.05, call.Quote.Last, 1e-9)

	put := chain[1]
	assert.Equal(t, "SPY", put.Underlying)
	assert.Nil(t, put.Quote)
	assert.InDelta(t, 100, put.ContractMultiplier(), 1e-9)
}

func TestRetriesOnRateLimit(t *testing.T) {
	var calls atomic.Int32
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"bid":1,"ask":1.2,"last":1.1}`)
	})
	q, err := g.GetLatestQuote(context.Background(), "IWM")
	require.NoError(t, err)
	assert.InDelta(t, 1.1, q.Last, 1e-9)
	assert.Equal(t, int32(2), calls.Load())

	used, total, _ := g.BudgetStatus()
	assert.Equal(t, 2, used)
	assert.Equal(t, 50000, total)
}

func TestBudgetExhausted(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"last":1.1}`)
	})
	g.cfg.DailyRequestCap = 1
	_, err := g.GetLatestQuote(context.Background(), "IWM")
	require.NoError(t, err)
	_, err = g.GetLatestQuote(context.Background(), "DIA")
	assert.ErrorIs(t, err, ErrBudgetExhausted)
}
