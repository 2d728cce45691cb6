package options

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Rajchodisetti/options-engine/internal/market"
)

// OCCSymbol formats an OSI option symbol, e.g. SPY240312C00450000.
func OCCSymbol(underlying string, expiration time.Time, right market.Right, strike float64) string {
	r := "C"
	if right == market.Put {
		r = "P"
	}
	return fmt.Sprintf("%s%s%s%08d",
		strings.ToUpper(underlying), expiration.Format("060102"), r, int64(strike*1000+0.5))
}

// ParseOCCSymbol is the inverse of OCCSymbol.
func ParseOCCSymbol(sym string) (underlying string, expiration time.Time, right market.Right, strike float64, err error) {
	sym = strings.ToUpper(strings.TrimSuffix(strings.TrimSpace(sym), ".US"))
	if len(sym) < 16 {
		return "", time.Time{}, "", 0, fmt.Errorf("option symbol too short: %q", sym)
	}
	tail := sym[len(sym)-15:]
	underlying = sym[:len(sym)-15]

	expiration, err = time.Parse("060102", tail[:6])
	if err != nil {
		return "", time.Time{}, "", 0, fmt.Errorf("bad expiration in %q: %w", sym, err)
	}
	switch tail[6] {
	case 'C':
		right = market.Call
	case 'P':
		right = market.Put
	default:
		return "", time.Time{}, "", 0, fmt.Errorf("bad right in %q", sym)
	}
	milli, err := strconv.ParseInt(tail[7:], 10, 64)
	if err != nil {
		return "", time.Time{}, "", 0, fmt.Errorf("bad strike in %q: %w", sym, err)
	}
	return underlying, expiration, right, float64(milli) / 1000, nil
}
