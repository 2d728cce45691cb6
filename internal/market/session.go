package market

import "time"

// SessionType represents different market session states
type SessionType string

const (
	SessionPremarket  SessionType = "PRE"
	SessionRegular    SessionType = "RTH"
	SessionPostmarket SessionType = "POST"
	SessionClosed     SessionType = "CLOSED"
)

// Calendar describes US equity session hours in exchange time.
type Calendar struct {
	Location    *time.Location
	OpenMinute  int // minutes from midnight, 570 = 09:30
	CloseMinute int // 960 = 16:00
}

// NewCalendar returns the NYSE regular session calendar.
func NewCalendar() Calendar {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.FixedZone("EST", -5*60*60)
	}
	return Calendar{Location: loc, OpenMinute: 9*60 + 30, CloseMinute: 16 * 60}
}

func (c Calendar) loc() *time.Location {
	if c.Location == nil {
		return time.UTC
	}
	return c.Location
}

// IsTradingDay reports whether t falls on a weekday. Exchange holidays are not modelled.
func (c Calendar) IsTradingDay(t time.Time) bool {
	wd := t.In(c.loc()).Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

func (c Calendar) at(t time.Time, minute int) time.Time {
	et := t.In(c.loc())
	y, m, d := et.Date()
	return time.Date(y, m, d, minute/60, minute%60, 0, 0, c.loc())
}

// OpenAt returns the regular open on the exchange day containing t.
func (c Calendar) OpenAt(t time.Time) time.Time { return c.at(t, c.OpenMinute) }

// CloseAt returns the regular close on the exchange day containing t.
func (c Calendar) CloseAt(t time.Time) time.Time { return c.at(t, c.CloseMinute) }

// MinuteOfDay returns minutes from exchange midnight.
func (c Calendar) MinuteOfDay(t time.Time) int {
	et := t.In(c.loc())
	return et.Hour()*60 + et.Minute()
}

// TimeToClose is negative once the session has closed.
func (c Calendar) TimeToClose(t time.Time) time.Duration {
	return c.CloseAt(t).Sub(t)
}

// SessionAt classifies t into a market session.
func (c Calendar) SessionAt(t time.Time) SessionType {
	if !c.IsTradingDay(t) {
		return SessionClosed
	}
	m := c.MinuteOfDay(t)
	switch {
	case m >= 4*60 && m < c.OpenMinute:
		return SessionPremarket
	case m >= c.OpenMinute && m < c.CloseMinute:
		return SessionRegular
	case m >= c.CloseMinute && m < 20*60:
		return SessionPostmarket
	default:
		return SessionClosed
	}
}

// SameDay reports whether a and b fall on the same exchange date.
func (c Calendar) SameDay(a, b time.Time) bool {
	ay, am, ad := a.In(c.loc()).Date()
	by, bm, bd := b.In(c.loc()).Date()
	return ay == by && am == bm && ad == bd
}
