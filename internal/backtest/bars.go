package backtest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Rajchodisetti/options-engine/internal/market"
)

// BarSource serves historical bars with from <= Time < to.
type BarSource interface {
	Bars(ctx context.Context, symbol string, period market.Period, from, to time.Time) ([]market.Candle, error)
}

// MemoryBars is an in-memory BarSource.
type MemoryBars struct {
	mu     sync.RWMutex
	series map[string][]market.Candle
}

func NewMemoryBars() *MemoryBars {
	return &MemoryBars{series: make(map[string][]market.Candle)}
}

func barKey(symbol string, period market.Period) string {
	return strings.ToUpper(symbol) + "|" + string(period)
}

// Add merges bars into the series, keeping it time-ordered.
func (m *MemoryBars) Add(symbol string, period market.Period, bars ...market.Candle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := barKey(symbol, period)
	s := append(m.series[k], bars...)
	sort.SliceStable(s, func(i, j int) bool { return s[i].Time.Before(s[j].Time) })
	m.series[k] = s
}

func (m *MemoryBars) Bars(ctx context.Context, symbol string, period market.Period, from, to time.Time) ([]market.Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.series[barKey(symbol, period)]
	lo := sort.Search(len(s), func(i int) bool { return !s[i].Time.Before(from) })
	hi := sort.Search(len(s), func(i int) bool { return !s[i].Time.Before(to) })
	if lo >= hi {
		return nil, nil
	}
	out := make([]market.Candle, hi-lo)
	copy(out, s[lo:hi])
	return out, nil
}

// LoadBarsFile reads a JSON document of the form
// {"SPY.US": {"1m": [...], "1d": [...]}}.
func LoadBarsFile(path string) (*MemoryBars, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bars: %w", err)
	}
	var doc map[string]map[market.Period][]market.Candle
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode bars %s: %w", path, err)
	}
	mb := NewMemoryBars()
	for sym, periods := range doc {
		for period, bars := range periods {
			mb.Add(sym, period, bars...)
		}
	}
	return mb, nil
}

// CandleSource is the slice of a quote provider ProviderBars reads.
type CandleSource interface {
	GetCandles(ctx context.Context, symbol string, period market.Period, count int) ([]market.Candle, error)
}

// maxProviderBars caps one history request.
const maxProviderBars = 50000

// ProviderBars serves replay bars from a live provider's recent history.
// Windows older than the provider's reach come back short.
type ProviderBars struct {
	src CandleSource
	now func() time.Time
}

func NewProviderBars(src CandleSource) *ProviderBars {
	return &ProviderBars{src: src, now: time.Now}
}

func (p *ProviderBars) Bars(ctx context.Context, symbol string, period market.Period, from, to time.Time) ([]market.Candle, error) {
	step := period.Duration()
	if step == 0 {
		return nil, fmt.Errorf("unsupported period %q", period)
	}
	count := int(p.now().Sub(from)/step) + 1
	if count < 1 {
		return nil, nil
	}
	if count > maxProviderBars {
		count = maxProviderBars
	}
	bars, err := p.src.GetCandles(ctx, symbol, period, count)
	if err != nil {
		return nil, err
	}
	out := bars[:0:0]
	for _, b := range bars {
		if !b.Time.Before(from) && b.Time.Before(to) {
			out = append(out, b)
		}
	}
	return out, nil
}
