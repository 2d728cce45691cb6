package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/Rajchodisetti/options-engine/internal/market"
)

// MemoryQuotes is a QuoteProvider backed by maps. Paper trading and replays
// feed it; tests seed it directly.
type MemoryQuotes struct {
	mu      sync.RWMutex
	quotes  map[string]*market.Quote
	candles map[string]map[market.Period][]market.Candle
	chains  map[string][]market.OptionContract
	errs    map[string]error
	temp    *float64
}

func NewMemoryQuotes() *MemoryQuotes {
	return &MemoryQuotes{
		quotes:  make(map[string]*market.Quote),
		candles: make(map[string]map[market.Period][]market.Candle),
		chains:  make(map[string][]market.OptionContract),
		errs:    make(map[string]error),
	}
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// SetQuote stores a quote; nil removes it.
func (m *MemoryQuotes) SetQuote(symbol string, q *market.Quote) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q == nil {
		delete(m.quotes, normalize(symbol))
		return
	}
	cp := *q
	m.quotes[normalize(symbol)] = &cp
}

func (m *MemoryQuotes) SetCandles(symbol string, period market.Period, candles []market.Candle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sym := normalize(symbol)
	if m.candles[sym] == nil {
		m.candles[sym] = make(map[market.Period][]market.Candle)
	}
	m.candles[sym][period] = append([]market.Candle(nil), candles...)
}

// SetChain stores an option chain and indexes each contract's quote.
func (m *MemoryQuotes) SetChain(underlying string, chain []market.OptionContract) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chains[normalize(underlying)] = append([]market.OptionContract(nil), chain...)
	for _, c := range chain {
		if c.Quote != nil {
			cp := *c.Quote
			m.quotes[normalize(c.Symbol)] = &cp
		}
	}
}

// SetError makes every call for symbol fail with err; nil clears it.
func (m *MemoryQuotes) SetError(symbol string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errs, normalize(symbol))
		return
	}
	m.errs[normalize(symbol)] = err
}

// SetTemperature seeds the market temperature reading.
func (m *MemoryQuotes) SetTemperature(temp float64) {
	m.mu.Lock()
	m.temp = &temp
	m.mu.Unlock()
}

func (m *MemoryQuotes) GetMarketTemperature(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.temp == nil {
		return 0, errors.New("no market temperature")
	}
	return *m.temp, nil
}

func (m *MemoryQuotes) GetLatestQuote(ctx context.Context, symbol string) (*market.Quote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	sym := normalize(symbol)
	if err := m.errs[sym]; err != nil {
		return nil, market.NewProviderError(sym, "quote unavailable", err)
	}
	q, ok := m.quotes[sym]
	if !ok {
		return nil, nil
	}
	cp := *q
	return &cp, nil
}

func (m *MemoryQuotes) GetCandles(ctx context.Context, symbol string, period market.Period, count int) ([]market.Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	sym := normalize(symbol)
	if err := m.errs[sym]; err != nil {
		return nil, market.NewProviderError(sym, "candles unavailable", err)
	}
	series := m.candles[sym][period]
	if count > 0 && len(series) > count {
		series = series[len(series)-count:]
	}
	return append([]market.Candle(nil), series...), nil
}

func (m *MemoryQuotes) GetOptionChain(ctx context.Context, underlying string) ([]market.OptionContract, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	sym := normalize(underlying)
	if err := m.errs[sym]; err != nil {
		return nil, market.NewProviderError(sym, "chain unavailable", err)
	}
	chain, ok := m.chains[sym]
	if !ok {
		return nil, fmt.Errorf("no option chain for %s", sym)
	}
	out := make([]market.OptionContract, len(chain))
	for i, c := range chain {
		out[i] = c
		// the latest contract quote wins over the one the chain was seeded with
		if q, ok := m.quotes[normalize(c.Symbol)]; ok {
			cp := *q
			out[i].Quote = &cp
		}
	}
	return out, nil
}
