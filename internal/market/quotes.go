package market

import (
	"fmt"
	"strings"
	"time"
)

// Quote is the latest top-of-book for an equity or option contract.
// Providers may return a nil *Quote when nothing is available.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Last      float64   `json:"last"`
	Volume    int64     `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
	Session   string    `json:"session"` // "PRE"|"RTH"|"POST"|"CLOSED"|"UNKNOWN"
}

// Price returns the usable price of a quote: last trade if present, else mid.
// ok is false when the quote is nil or carries no positive price.
func (q *Quote) Price() (float64, bool) {
	if q == nil {
		return 0, false
	}
	if q.Last > 0 {
		return q.Last, true
	}
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2, true
	}
	return 0, false
}

// Mid returns the bid/ask midpoint, or 0 when either side is missing.
func (q *Quote) Mid() float64 {
	if q == nil || q.Bid <= 0 || q.Ask <= 0 {
		return 0
	}
	return (q.Bid + q.Ask) / 2
}

// Spread returns ask minus bid.
func (q *Quote) Spread() float64 {
	if q == nil || q.Bid <= 0 || q.Ask <= 0 {
		return 0
	}
	return q.Ask - q.Bid
}

// SpreadPct returns the spread as a fraction of mid.
func (q *Quote) SpreadPct() float64 {
	mid := q.Mid()
	if mid <= 0 {
		return 0
	}
	return q.Spread() / mid
}

// ValidateQuote performs quote validation with fail-closed behavior
func ValidateQuote(quote *Quote) error {
	if quote == nil {
		return fmt.Errorf("quote is nil")
	}

	quote.Symbol = strings.ToUpper(strings.TrimSpace(quote.Symbol))
	if quote.Symbol == "" {
		return fmt.Errorf("empty symbol")
	}

	if _, ok := quote.Price(); !ok {
		return fmt.Errorf("invalid quote prices: bid=%.4f ask=%.4f last=%.4f",
			quote.Bid, quote.Ask, quote.Last)
	}

	if quote.Ask > 0 && quote.Bid > 0 && quote.Ask < quote.Bid {
		return fmt.Errorf("invalid spread: ask(%.4f) < bid(%.4f)", quote.Ask, quote.Bid)
	}

	if quote.Volume < 0 {
		return fmt.Errorf("negative volume: %d", quote.Volume)
	}

	if !quote.Timestamp.IsZero() && quote.Timestamp.After(time.Now().Add(5*time.Minute)) {
		return fmt.Errorf("quote timestamp too far in future: %v", quote.Timestamp)
	}

	return nil
}

// QuoteError represents different types of quote fetch errors
type QuoteError struct {
	Type    string // "network", "rate_limit", "provider_error", "bad_symbol", "stale"
	Symbol  string
	Message string
	Cause   error
}

func (e *QuoteError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s error for %s: %s (%v)", e.Type, e.Symbol, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s error for %s: %s", e.Type, e.Symbol, e.Message)
}

func (e *QuoteError) Unwrap() error { return e.Cause }

func NewProviderError(symbol, message string, cause error) *QuoteError {
	return &QuoteError{Type: "provider_error", Symbol: symbol, Message: message, Cause: cause}
}

func NewStaleError(symbol string, staleness time.Duration) *QuoteError {
	return &QuoteError{
		Type:    "stale",
		Symbol:  symbol,
		Message: fmt.Sprintf("quote too stale: %v", staleness),
	}
}
