// Package adapters holds live market data providers.
package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Rajchodisetti/options-engine/internal/market"
	"github.com/Rajchodisetti/options-engine/internal/observ"
)

var (
	ErrBudgetExhausted = errors.New("quote gateway daily request budget exhausted")
	ErrRateLimited     = errors.New("quote gateway rate limit exceeded")
)

// maxChainPages bounds one option chain walk.
const maxChainPages = 40

// GatewayConfig holds configuration for the quote gateway client.
type GatewayConfig struct {
	BaseURL            string        `yaml:"base_url"`
	Token              string        `yaml:"token"`
	RateLimitPerMinute int           `yaml:"rate_limit_per_minute" default:"300" validate:"gte=1"`
	DailyRequestCap    int           `yaml:"daily_request_cap" default:"50000" validate:"gte=1"`
	CacheTTL           time.Duration `yaml:"cache_ttl" default:"10s"`
	StaleCeiling       time.Duration `yaml:"stale_ceiling" default:"60s"`
	Timeout            time.Duration `yaml:"timeout" default:"5s"`
	MaxRetries         int           `yaml:"max_retries" default:"3" validate:"gte=1"`
	BackoffBase        time.Duration `yaml:"backoff_base" default:"500ms"`

	// Aliases maps engine symbols to the names the gateway knows, e.g. ".VIX.US" to "VIX".
	Aliases map[string]string `yaml:"aliases"`
}

type cacheEntry struct {
	quote     market.Quote
	fetchedAt time.Time
}

// Gateway implements broker.QuoteProvider against an HTTP quote gateway:
//
//	GET /v1/quotes/{symbol}                      market.Quote, or 204 when none
//	GET /v1/candles/{symbol}?period=&count=      {"candles": [...]}, oldest first
//	GET /v1/chains/{underlying}?cursor=          {"contracts": [...], "next_cursor": ""}
//	GET /v1/market/temperature                   {"temperature": 0-100}
//
// It also implements broker.TemperatureSource.
type Gateway struct {
	cfg         GatewayConfig
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	aliases     map[string]string
	now         func() time.Time

	cacheMu sync.RWMutex
	cache   map[string]cacheEntry

	// budget tracking
	mu                sync.Mutex
	requestsToday     int
	budgetResetTime   time.Time
	consecutiveErrors int
}

func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("quote gateway base url is required")
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("quote gateway base url: %w", err)
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = 300
	}
	if cfg.DailyRequestCap <= 0 {
		cfg.DailyRequestCap = 50000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	aliases := make(map[string]string, len(cfg.Aliases))
	for k, v := range cfg.Aliases {
		aliases[strings.ToUpper(k)] = v
	}

	return &Gateway{
		cfg:             cfg,
		httpClient:      &http.Client{Timeout: cfg.Timeout},
		rateLimiter:     rate.NewLimiter(rate.Limit(float64(cfg.RateLimitPerMinute)/60), 2),
		aliases:         aliases,
		now:             time.Now,
		cache:           make(map[string]cacheEntry),
		budgetResetTime: time.Now().Add(24 * time.Hour),
	}, nil
}

// remote translates an engine symbol to the gateway's name for it.
func (g *Gateway) remote(symbol string) string {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	if a, ok := g.aliases[sym]; ok {
		return a
	}
	return sym
}

// GetLatestQuote returns the latest quote for a stock or option contract. A
// cached quote younger than CacheTTL is served as is; an older one within
// StaleCeiling is served when the fetch fails.
func (g *Gateway) GetLatestQuote(ctx context.Context, symbol string) (*market.Quote, error) {
	if symbol == "" {
		return nil, market.NewProviderError(symbol, "empty symbol", nil)
	}
	key := strings.ToUpper(symbol)
	now := g.now()

	g.cacheMu.RLock()
	entry, cached := g.cache[key]
	g.cacheMu.RUnlock()
	if cached && now.Sub(entry.fetchedAt) <= g.cfg.CacheTTL {
		q := entry.quote
		return &q, nil
	}

	var q market.Quote
	found, err := g.get(ctx, "quote", symbol, "/v1/quotes/"+url.PathEscape(g.remote(symbol)), nil, &q)
	if err != nil {
		if cached {
			age := now.Sub(entry.fetchedAt)
			if age <= g.cfg.StaleCeiling {
				stale := entry.quote
				return &stale, nil
			}
			return nil, market.NewStaleError(symbol, age)
		}
		return nil, err
	}
	if !found {
		return nil, nil
	}
	q.Symbol = symbol
	g.cacheMu.Lock()
	g.cache[key] = cacheEntry{quote: q, fetchedAt: now}
	g.cacheMu.Unlock()
	return &q, nil
}

// GetCandles returns up to count bars ending now, oldest first.
func (g *Gateway) GetCandles(ctx context.Context, symbol string, period market.Period, count int) ([]market.Candle, error) {
	if period.Duration() == 0 {
		return nil, market.NewProviderError(symbol, fmt.Sprintf("unsupported period %q", period), nil)
	}
	if count <= 0 {
		count = 1
	}
	var resp struct {
		Candles []market.Candle `json:"candles"`
	}
	q := url.Values{"period": {string(period)}, "count": {strconv.Itoa(count)}}
	if _, err := g.get(ctx, "candles", symbol, "/v1/candles/"+url.PathEscape(g.remote(symbol)), q, &resp); err != nil {
		return nil, err
	}
	out := resp.Candles
	if len(out) > count {
		out = out[len(out)-count:]
	}
	return out, nil
}

// GetOptionChain follows the gateway's cursor through the whole chain.
func (g *Gateway) GetOptionChain(ctx context.Context, underlying string) ([]market.OptionContract, error) {
	u := g.remote(underlying)
	path := "/v1/chains/" + url.PathEscape(u)

	var chain []market.OptionContract
	cursor := ""
	for page := 0; page < maxChainPages; page++ {
		var q url.Values
		if cursor != "" {
			q = url.Values{"cursor": {cursor}}
		}
		var resp struct {
			Contracts  []market.OptionContract `json:"contracts"`
			NextCursor string                  `json:"next_cursor"`
		}
		if _, err := g.get(ctx, "option_chain", underlying, path, q, &resp); err != nil {
			return nil, err
		}
		for _, c := range resp.Contracts {
			if c.Underlying == "" {
				c.Underlying = strings.ToUpper(underlying)
			}
			chain = append(chain, c)
		}
		if resp.NextCursor == "" {
			return chain, nil
		}
		cursor = resp.NextCursor
	}
	return nil, market.NewProviderError(underlying, fmt.Sprintf("option chain exceeds %d pages", maxChainPages), nil)
}

// GetMarketTemperature returns the gateway's sentiment reading.
func (g *Gateway) GetMarketTemperature(ctx context.Context) (float64, error) {
	var resp struct {
		Temperature *float64 `json:"temperature"`
	}
	found, err := g.get(ctx, "temperature", "market", "/v1/market/temperature", nil, &resp)
	if err != nil {
		return 0, err
	}
	if !found || resp.Temperature == nil {
		return 0, market.NewProviderError("market", "no temperature reading", nil)
	}
	return *resp.Temperature, nil
}

// get performs a rate-limited GET with retries on network errors, 429 and
// 5xx. found is false when the gateway answers 204.
func (g *Gateway) get(ctx context.Context, endpoint, symbol, path string, query url.Values, dest any) (bool, error) {
	if !g.canMakeRequest() {
		observ.IncCounter("quote_gateway_requests_total", map[string]string{"endpoint": endpoint, "result": "budget"})
		return false, market.NewProviderError(symbol, "daily budget", ErrBudgetExhausted)
	}
	requestURL := strings.TrimSuffix(g.cfg.BaseURL, "/") + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	start := g.now()
	var lastErr error
	for attempt := 0; attempt < g.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := g.cfg.BackoffBase * time.Duration(1<<attempt)
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(backoff):
			}
		}
		if err := g.rateLimiter.Wait(ctx); err != nil {
			return false, market.NewProviderError(symbol, "rate limit wait cancelled", err)
		}
		g.incrementRequestCount()

		found, retry, err := g.do(ctx, symbol, requestURL, dest)
		if err == nil {
			g.recordSuccess()
			observ.IncCounter("quote_gateway_requests_total", map[string]string{"endpoint": endpoint, "result": "ok"})
			observ.RecordDuration("quote_gateway_request", g.now().Sub(start), map[string]string{"endpoint": endpoint})
			return found, nil
		}
		lastErr = err
		if !retry {
			break
		}
	}
	g.recordError()
	observ.IncCounter("quote_gateway_requests_total", map[string]string{"endpoint": endpoint, "result": "error"})
	observ.Log("quote_gateway_request_failed", map[string]any{
		"level":    "warn",
		"endpoint": endpoint,
		"symbol":   symbol,
		"error":    lastErr.Error(),
	})
	return false, lastErr
}

func (g *Gateway) do(ctx context.Context, symbol, requestURL string, dest any) (found, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return false, false, market.NewProviderError(symbol, "create request", err)
	}
	req.Header.Set("Accept", "application/json")
	if g.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.Token)
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return false, ctx.Err() == nil, market.NewProviderError(symbol, "request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return false, false, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return false, true, market.NewProviderError(symbol, "http 429", ErrRateLimited)
	case resp.StatusCode >= 500:
		return false, true, market.NewProviderError(symbol, fmt.Sprintf("http %d", resp.StatusCode), nil)
	case resp.StatusCode == http.StatusNotFound:
		return false, false, market.NewProviderError(symbol, "not found", nil)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, false, market.NewProviderError(symbol, fmt.Sprintf("http %d: %s", resp.StatusCode, body), nil)
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return false, false, market.NewProviderError(symbol, "failed to parse response", err)
	}
	return true, false, nil
}

func (g *Gateway) canMakeRequest() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if now := g.now(); now.After(g.budgetResetTime) {
		g.requestsToday = 0
		g.budgetResetTime = now.Add(24 * time.Hour)
	}
	return g.requestsToday < g.cfg.DailyRequestCap
}

func (g *Gateway) incrementRequestCount() {
	g.mu.Lock()
	g.requestsToday++
	g.mu.Unlock()
}

func (g *Gateway) recordError() {
	g.mu.Lock()
	g.consecutiveErrors++
	failed := g.consecutiveErrors >= 3
	g.mu.Unlock()
	if failed {
		observ.SetComponentHealth("quote_gateway", "degraded")
	}
}

func (g *Gateway) recordSuccess() {
	g.mu.Lock()
	g.consecutiveErrors = 0
	g.mu.Unlock()
	observ.SetComponentHealth("quote_gateway", "healthy")
}

// BudgetStatus reports request usage for the current day.
func (g *Gateway) BudgetStatus() (used, total int, resetTime time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requestsToday, g.cfg.DailyRequestCap, g.budgetResetTime
}
