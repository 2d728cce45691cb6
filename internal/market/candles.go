package market

import "time"

// Candle is one OHLCV bar.
type Candle struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Period is a candle granularity understood by quote providers.
type Period string

const (
	PeriodMinute Period = "1m"
	PeriodFive   Period = "5m"
	PeriodHour   Period = "1h"
	PeriodDay    Period = "1d"
)

// Duration is the span one bar covers, or 0 for an unknown period.
func (p Period) Duration() time.Duration {
	switch p {
	case PeriodMinute:
		return time.Minute
	case PeriodFive:
		return 5 * time.Minute
	case PeriodHour:
		return time.Hour
	case PeriodDay:
		return 24 * time.Hour
	}
	return 0
}

// Closes extracts close prices.
func Closes(c []Candle) []float64 {
	out := make([]float64, len(c))
	for i := range c {
		out[i] = c[i].Close
	}
	return out
}

// LastClose returns the final close, or 0 for an empty series.
func LastClose(c []Candle) float64 {
	if len(c) == 0 {
		return 0
	}
	return c[len(c)-1].Close
}

// Side of an option contract.
type Right string

const (
	Call Right = "CALL"
	Put  Right = "PUT"
)

// OptionContract is one entry of an option chain.
type OptionContract struct {
	Symbol       string    `json:"symbol"`
	Underlying   string    `json:"underlying"`
	Right        Right     `json:"right"`
	Strike       float64   `json:"strike"`
	Expiration   time.Time `json:"expiration"`
	OpenInterest int64     `json:"open_interest"`
	Multiplier   float64   `json:"multiplier"`
	Quote        *Quote    `json:"quote,omitempty"`
}

// ContractMultiplier returns the multiplier, defaulting to 100 shares.
func (c OptionContract) ContractMultiplier() float64 {
	if c.Multiplier > 0 {
		return c.Multiplier
	}
	return 100
}
