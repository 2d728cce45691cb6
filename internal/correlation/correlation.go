// Package correlation groups symbols whose daily closes move together so the
// scheduler can cap exposure to near-identical names.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Rajchodisetti/options-engine/internal/indicators"
	"github.com/Rajchodisetti/options-engine/internal/market"
	"github.com/Rajchodisetti/options-engine/internal/observ"
)

const (
	DefaultThreshold    = 0.75
	DefaultLookbackDays = 60
	minPoints           = 10
)

var (
	ErrNotComputed      = errors.New("correlation groups not computed")
	ErrTooFewSymbols    = errors.New("need at least two symbols with history")
	ErrInvalidThreshold = errors.New("threshold must be in (0, 1]")
)

// Result is a computed grouping. Matrix keys are "A|B" in pool order.
type Result struct {
	Threshold    float64             `json:"threshold"`
	LookbackDays int                 `json:"lookback_days"`
	Groups       map[string][]string `json:"groups"`
	Matrix       map[string]float64  `json:"matrix"`
	Skipped      []string            `json:"skipped,omitempty"`
	CalculatedAt time.Time           `json:"calculated_at"`
}

// Membership maps each symbol to its group id.
func (r Result) Membership() map[string]string {
	m := make(map[string]string)
	for id, members := range r.Groups {
		for _, s := range members {
			m[s] = id
		}
	}
	return m
}

// GroupOf returns the symbol's group id. Unknown symbols form their own group.
func (r Result) GroupOf(symbol string) string {
	for id, members := range r.Groups {
		for _, s := range members {
			if s == symbol {
				return id
			}
		}
	}
	return symbol
}

// Correlation looks up a pair in either order.
func (r Result) Correlation(a, b string) (float64, bool) {
	if v, ok := r.Matrix[a+"|"+b]; ok {
		return v, true
	}
	v, ok := r.Matrix[b+"|"+a]
	return v, ok
}

// Group computes pairwise correlations and unions every pair whose absolute
// correlation is at least threshold. Singletons are keyed by their symbol,
// larger groups are named GROUP_0, GROUP_1, ... ordered by first member.
func Group(symbols []string, closes map[string][]float64, threshold float64) (map[string][]string, map[string]float64) {
	uf := newUnionFind(symbols)
	matrix := make(map[string]float64)

	for i := 0; i < len(symbols); i++ {
		for j := i + 1; j < len(symbols); j++ {
			corr := indicators.Pearson(closes[symbols[i]], closes[symbols[j]])
			matrix[symbols[i]+"|"+symbols[j]] = math.Round(corr*10000) / 10000
			if math.Abs(corr) >= threshold {
				uf.union(symbols[i], symbols[j])
			}
		}
	}

	raw := uf.groups()
	sets := make([][]string, 0, len(raw))
	for _, members := range raw {
		sort.Strings(members)
		sets = append(sets, members)
	}
	sort.Slice(sets, func(i, j int) bool { return sets[i][0] < sets[j][0] })

	groups := make(map[string][]string, len(sets))
	n := 0
	for _, members := range sets {
		if len(members) == 1 {
			groups[members[0]] = members
			continue
		}
		groups[fmt.Sprintf("GROUP_%d", n)] = members
		n++
	}
	return groups, matrix
}

type unionFind struct {
	parent map[string]string
	rank   map[string]int
}

func newUnionFind(items []string) *unionFind {
	uf := &unionFind{parent: make(map[string]string, len(items)), rank: make(map[string]int, len(items))}
	for _, s := range items {
		uf.parent[s] = s
	}
	return uf
}

func (u *unionFind) find(x string) string {
	root := x
	for u.parent[root] != root {
		root = u.parent[root]
	}
	for x != root {
		next := u.parent[x]
		u.parent[x] = root
		x = next
	}
	return root
}

func (u *unionFind) union(a, b string) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	switch {
	case u.rank[ra] < u.rank[rb]:
		u.parent[ra] = rb
	case u.rank[ra] > u.rank[rb]:
		u.parent[rb] = ra
	default:
		u.parent[rb] = ra
		u.rank[ra]++
	}
}

func (u *unionFind) groups() map[string][]string {
	out := make(map[string][]string)
	for s := range u.parent {
		root := u.find(s)
		out[root] = append(out[root], s)
	}
	return out
}

// CandleSource supplies daily history.
type CandleSource interface {
	GetCandles(ctx context.Context, symbol string, period market.Period, count int) ([]market.Candle, error)
}

// Cache stores the latest computed result.
type Cache interface {
	Load(ctx context.Context) (*Result, error)
	Store(ctx context.Context, r Result) error
}

// MemoryCache keeps the result in process.
type MemoryCache struct {
	mu     sync.RWMutex
	result *Result
}

func (c *MemoryCache) Load(ctx context.Context) (*Result, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.result == nil {
		return nil, nil
	}
	r := *c.result
	return &r, nil
}

func (c *MemoryCache) Store(ctx context.Context, r Result) error {
	c.mu.Lock()
	c.result = &r
	c.mu.Unlock()
	return nil
}

// Grouper fetches history and maintains the cached grouping.
type Grouper struct {
	src   CandleSource
	cache Cache
	now   func() time.Time
}

func NewGrouper(src CandleSource, cache Cache) *Grouper {
	if cache == nil {
		cache = &MemoryCache{}
	}
	return &Grouper{src: src, cache: cache, now: time.Now}
}

// Compute fetches lookbackDays of closes for each symbol, groups them and
// replaces the cached result. Symbols without enough history are skipped.
func (g *Grouper) Compute(ctx context.Context, symbols []string, lookbackDays int, threshold float64) (Result, error) {
	if lookbackDays <= 0 {
		lookbackDays = DefaultLookbackDays
	}
	if threshold == 0 {
		threshold = DefaultThreshold
	}
	if threshold < 0 || threshold > 1 {
		return Result{}, ErrInvalidThreshold
	}
	start := time.Now()

	pool := dedupe(symbols)
	closes := make(map[string][]float64, len(pool))
	var usable, skipped []string
	for _, sym := range pool {
		candles, err := g.src.GetCandles(ctx, sym, market.PeriodDay, lookbackDays)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			observ.Log("correlation_fetch_failed", map[string]any{"level": "warn", "symbol": sym, "error": err.Error()})
			skipped = append(skipped, sym)
			continue
		}
		if len(candles) < minPoints {
			skipped = append(skipped, sym)
			continue
		}
		closes[sym] = market.Closes(candles)
		usable = append(usable, sym)
	}
	if len(usable) < 2 {
		return Result{}, fmt.Errorf("%w: %d usable of %d", ErrTooFewSymbols, len(usable), len(pool))
	}

	groups, matrix := Group(usable, closes, threshold)
	res := Result{
		Threshold:    threshold,
		LookbackDays: lookbackDays,
		Groups:       groups,
		Matrix:       matrix,
		Skipped:      skipped,
		CalculatedAt: g.now(),
	}
	if err := g.cache.Store(ctx, res); err != nil {
		return res, fmt.Errorf("cache correlation result: %w", err)
	}

	observ.RecordDuration("correlation_compute", time.Since(start), nil)
	observ.SetGauge("correlation_groups", float64(len(groups)), nil)
	observ.Log("correlation_computed", map[string]any{
		"symbols":   len(usable),
		"skipped":   len(skipped),
		"groups":    len(groups),
		"threshold": threshold,
	})
	return res, nil
}

// Current returns the cached result or ErrNotComputed.
func (g *Grouper) Current(ctx context.Context) (Result, error) {
	r, err := g.cache.Load(ctx)
	if err != nil {
		return Result{}, err
	}
	if r == nil {
		return Result{}, ErrNotComputed
	}
	return *r, nil
}

func dedupe(symbols []string) []string {
	seen := make(map[string]bool, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
