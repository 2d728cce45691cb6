// Package options picks the contract, price and size for an entry and
// guards every option order behind a valid quote.
package options

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/Rajchodisetti/options-engine/internal/market"
)

var (
	// ErrNoQuote rejects an option order whose quote is missing or non-positive.
	ErrNoQuote = errors.New("no quote")
	// ErrNoContract means the chain had nothing usable for the request.
	ErrNoContract = errors.New("no eligible contract")
	// ErrUnaffordable means not even one contract fits the premium budget.
	ErrUnaffordable = errors.New("premium budget below one contract")
	// ErrPriceDeviation rejects a limit price too far from the quote.
	ErrPriceDeviation = errors.New("limit price deviates from quote")
)

// ExpirationMode selects which expiry to trade.
type ExpirationMode string

const (
	ExpirationZeroDTE ExpirationMode = "0DTE"
	ExpirationNearest ExpirationMode = "NEAREST"
)

// EntryPriceMode selects the premium used for limit price and sizing.
type EntryPriceMode string

const (
	PriceAsk EntryPriceMode = "ASK"
	PriceMid EntryPriceMode = "MID"
)

// SizingMode selects how many contracts to buy.
type SizingMode string

const (
	SizingFixedContracts SizingMode = "FIXED_CONTRACTS"
	SizingMaxPremium     SizingMode = "MAX_PREMIUM"
)

// AssetClass of an order leg.
type AssetClass string

const (
	AssetStock  AssetClass = "STOCK"
	AssetOption AssetClass = "OPTION"
)

// LiquidityFilters drop illiquid strikes. Zero values disable a filter.
type LiquidityFilters struct {
	MinOpenInterest    int64   `json:"min_open_interest" yaml:"min_open_interest"`
	MaxBidAskSpreadAbs float64 `json:"max_bid_ask_spread_abs" yaml:"max_bid_ask_spread_abs"`
	MaxBidAskSpreadPct float64 `json:"max_bid_ask_spread_pct" yaml:"max_bid_ask_spread_pct"` // percent of mid
}

// Sizing configures contract count.
type Sizing struct {
	Mode           SizingMode `json:"mode" yaml:"mode"`
	FixedContracts int        `json:"fixed_contracts" yaml:"fixed_contracts"`
	MaxPremiumUSD  float64    `json:"max_premium_usd" yaml:"max_premium_usd"`
}

// Request describes the contract wanted for a directional signal.
type Request struct {
	Underlying      string
	UnderlyingPrice float64
	Right           market.Right
	Expiration      ExpirationMode
	PriceMode       EntryPriceMode
	Sizing          Sizing
	Liquidity       LiquidityFilters
	CandidateCount  int // strikes nearest the money to consider, default 8
	Now             time.Time
	Calendar        market.Calendar
}

// Selection is the chosen contract with its entry price and size.
type Selection struct {
	Contract  market.OptionContract `json:"contract"`
	Premium   float64               `json:"premium"`
	Contracts int                   `json:"contracts"`
	ZeroDTE   bool                  `json:"zero_dte"`
	SpreadPct float64               `json:"spread_pct"`
	Fees      FeeBreakdown          `json:"fees"`
	TotalCost float64               `json:"total_cost"`
}

// Selector chooses option contracts.
type Selector struct {
	Fees FeeModel
}

func NewSelector(fees FeeModel) *Selector {
	return &Selector{Fees: fees}
}

// PickExpiration returns the expiry to trade and whether it is same-day.
// In 0DTE mode the nearest expiry is used when nothing expires today.
func PickExpiration(chain []market.OptionContract, mode ExpirationMode, now time.Time, cal market.Calendar) (time.Time, bool, error) {
	var expiries []time.Time
	seen := map[string]bool{}
	for _, c := range chain {
		if cal.CloseAt(c.Expiration).Before(cal.OpenAt(now)) {
			continue
		}
		key := c.Expiration.Format("2006-01-02")
		if !seen[key] {
			seen[key] = true
			expiries = append(expiries, c.Expiration)
		}
	}
	if len(expiries) == 0 {
		return time.Time{}, false, ErrNoContract
	}
	sort.Slice(expiries, func(i, j int) bool { return expiries[i].Before(expiries[j]) })

	if mode == ExpirationZeroDTE {
		for _, e := range expiries {
			if cal.SameDay(e, now) {
				return e, true, nil
			}
		}
	}
	return expiries[0], cal.SameDay(expiries[0], now), nil
}

// EntryPremium is the premium used for the limit price.
func EntryPremium(q *market.Quote, mode EntryPriceMode) (float64, error) {
	if q == nil {
		return 0, ErrNoQuote
	}
	var p float64
	if mode == PriceMid {
		p = q.Mid()
	} else {
		p = q.Ask
	}
	if p <= 0 {
		return 0, ErrNoQuote
	}
	return p, nil
}

// Quantity sizes the order. MAX_PREMIUM buys floor(budget / (premium*multiplier)).
func Quantity(s Sizing, premium, multiplier float64) (int, error) {
	switch s.Mode {
	case SizingMaxPremium:
		unit := premium * multiplier
		if unit <= 0 {
			return 0, ErrNoQuote
		}
		n := int(math.Floor(s.MaxPremiumUSD/unit + 1e-9))
		if n < 1 {
			return 0, fmt.Errorf("%w: budget %.2f, contract %.2f", ErrUnaffordable, s.MaxPremiumUSD, unit)
		}
		return n, nil
	default:
		if s.FixedContracts < 1 {
			return 1, nil
		}
		return s.FixedContracts, nil
	}
}

type candidate struct {
	contract  market.OptionContract
	spreadAbs float64
	spreadPct float64
	dist      float64
}

// Select chooses expiry, strike, premium and size from an option chain.
func (s *Selector) Select(chain []market.OptionContract, req Request) (Selection, error) {
	exp, zeroDTE, err := PickExpiration(chain, req.Expiration, req.Now, req.Calendar)
	if err != nil {
		return Selection{}, err
	}

	var pool []candidate
	for _, c := range chain {
		if c.Right != req.Right || !req.Calendar.SameDay(c.Expiration, exp) {
			continue
		}
		pool = append(pool, candidate{contract: c, dist: math.Abs(c.Strike - req.UnderlyingPrice)})
	}
	sort.Slice(pool, func(i, j int) bool { return pool[i].dist < pool[j].dist })
	n := req.CandidateCount
	if n <= 0 {
		n = 8
	}
	if len(pool) > n {
		pool = pool[:n]
	}

	var eligible []candidate
	for _, c := range pool {
		q := c.contract.Quote
		if _, ok := q.Price(); !ok || q.Bid <= 0 || q.Ask <= 0 {
			continue
		}
		c.spreadAbs = q.Spread()
		c.spreadPct = q.SpreadPct() * 100
		lf := req.Liquidity
		if lf.MinOpenInterest > 0 && c.contract.OpenInterest < lf.MinOpenInterest {
			continue
		}
		if lf.MaxBidAskSpreadAbs > 0 && c.spreadAbs > lf.MaxBidAskSpreadAbs {
			continue
		}
		if lf.MaxBidAskSpreadPct > 0 && c.spreadPct > lf.MaxBidAskSpreadPct {
			continue
		}
		eligible = append(eligible, c)
	}
	if len(eligible) == 0 {
		return Selection{}, fmt.Errorf("%w: %s %s %s", ErrNoContract, req.Underlying, req.Right, exp.Format("2006-01-02"))
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].spreadPct != eligible[j].spreadPct {
			return eligible[i].spreadPct < eligible[j].spreadPct
		}
		if eligible[i].contract.OpenInterest != eligible[j].contract.OpenInterest {
			return eligible[i].contract.OpenInterest > eligible[j].contract.OpenInterest
		}
		return eligible[i].dist < eligible[j].dist
	})
	best := eligible[0]

	premium, err := EntryPremium(best.contract.Quote, req.PriceMode)
	if err != nil {
		return Selection{}, err
	}
	mult := best.contract.ContractMultiplier()
	qty, err := Quantity(req.Sizing, premium, mult)
	if err != nil {
		return Selection{}, err
	}

	return Selection{
		Contract:  best.contract,
		Premium:   premium,
		Contracts: qty,
		ZeroDTE:   zeroDTE,
		SpreadPct: best.spreadPct,
		Fees:      s.Fees.Fees(qty),
		TotalCost: s.Fees.OrderCost(premium, mult, qty),
	}, nil
}

// ValidateOrderQuote guards an order leg. Option legs require a positive
// quote and are rejected with ErrNoQuote otherwise. Stock legs with no
// usable quote skip only the deviation check; with a quote, the limit
// price must be within maxDeviationPct percent of it.
func ValidateOrderQuote(class AssetClass, q *market.Quote, limitPrice, maxDeviationPct float64) error {
	price, ok := q.Price()
	if class == AssetOption {
		if !ok {
			return ErrNoQuote
		}
		return nil
	}
	if !ok || limitPrice <= 0 || maxDeviationPct <= 0 {
		return nil
	}
	dev := math.Abs(limitPrice-price) / price * 100
	if dev > maxDeviationPct {
		return fmt.Errorf("%w: %.2f%% > %.2f%%", ErrPriceDeviation, dev, maxDeviationPct)
	}
	return nil
}
