package scoring

import "time"

// Phase is the intraday session phase, derived from time remaining to the close.
type Phase string

const (
	PhaseEarly Phase = "EARLY"
	PhaseMid   Phase = "MID"
	PhaseLate  Phase = "LATE"
	PhaseFinal Phase = "FINAL"
)

// PhaseAt maps time-to-close onto a phase: >5h EARLY, >2h MID, >30m LATE, else FINAL.
func PhaseAt(timeToClose time.Duration) Phase {
	switch {
	case timeToClose > 5*time.Hour:
		return PhaseEarly
	case timeToClose > 2*time.Hour:
		return PhaseMid
	case timeToClose > 30*time.Minute:
		return PhaseLate
	default:
		return PhaseFinal
	}
}

// Scale is the multiplier applied to entry thresholds during the phase.
func (p Phase) Scale() float64 {
	switch p {
	case PhaseMid:
		return 0.8
	case PhaseLate:
		return 0.6
	case PhaseFinal:
		return 0.4
	default:
		return 1.0
	}
}
