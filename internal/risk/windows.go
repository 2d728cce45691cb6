package risk

import (
	"fmt"
	"time"

	"github.com/Rajchodisetti/options-engine/internal/market"
	"github.com/Rajchodisetti/options-engine/internal/strategy"
)

// EntryWindowOpen reports whether a new entry is permitted at now: inside
// [open+avoidFirst, open+entryWindow] and outside the no-new-entry margin
// before close.
func EntryWindowOpen(cal market.Calendar, w strategy.TradeWindow, now time.Time) (bool, string) {
	if !cal.IsTradingDay(now) {
		return false, "market closed"
	}
	minute := cal.MinuteOfDay(now)
	open, close := cal.OpenMinute, cal.CloseMinute

	if minute < open+w.AvoidFirstMinutes {
		return false, fmt.Sprintf("within first %d minutes of open", w.AvoidFirstMinutes)
	}
	if w.EntryWindowMinutes > 0 && minute > open+w.EntryWindowMinutes {
		return false, fmt.Sprintf("past entry window of %d minutes", w.EntryWindowMinutes)
	}
	if minute >= close-w.NoNewEntryBeforeCloseMinutes {
		return false, fmt.Sprintf("within %d minutes of close", w.NoNewEntryBeforeCloseMinutes)
	}
	if minute >= close {
		return false, "market closed"
	}
	return true, ""
}

// ForceCloseAt returns the forced-liquidation deadline for a position on
// now's session. Same-day contracts close earlier than multi-day ones.
func ForceCloseAt(cal market.Calendar, w strategy.TradeWindow, zeroDTE bool, now time.Time) time.Time {
	margin := w.MultiDayForceCloseMinutes
	if zeroDTE {
		margin = w.ZeroDTEForceCloseMinutes
	}
	return cal.CloseAt(now).Add(-time.Duration(margin) * time.Minute)
}

// MustLiquidate reports whether the forced-liquidation deadline has passed.
// Positions whose expiry is already behind them are always liquidated.
func MustLiquidate(cal market.Calendar, w strategy.TradeWindow, zeroDTE bool, expiration, now time.Time) bool {
	if !cal.IsTradingDay(now) {
		return false
	}
	if !expiration.IsZero() && !zeroDTE && cal.SameDay(expiration, now) {
		zeroDTE = true
	}
	return !now.Before(ForceCloseAt(cal, w, zeroDTE, now))
}
