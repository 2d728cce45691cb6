package risk

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Rajchodisetti/options-engine/internal/observ"
)

// CircuitBreakerState represents the current circuit breaker state
type CircuitBreakerState string

const (
	StateNormal  CircuitBreakerState = "normal"  // entries allowed
	StateTripped CircuitBreakerState = "tripped" // no new entries, exits unaffected
)

// Circuit breaker event types
const (
	EventTripped     = "tripped"
	EventReset       = "reset"
	EventPnLRecorded = "pnl_recorded"
	EventDayRolled   = "day_rolled"
)

// CircuitBreakerEvent is one line of the append-only event log.
type CircuitBreakerEvent struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	UserID    string    `json:"user_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Amount    float64   `json:"amount,omitempty"`
	Day       string    `json:"day,omitempty"`
}

// CircuitBreakerConfig holds the automatic trip rule.
type CircuitBreakerConfig struct {
	// DailyLossLimit trips the breaker once realized losses for the day reach it. 0 disables.
	DailyLossLimit float64 `yaml:"daily_loss_limit" json:"daily_loss_limit" validate:"gte=0"`
	EventLogPath   string  `yaml:"event_log_path" json:"event_log_path"`
}

// CircuitBreakerStatus is a point-in-time view for callers and the API.
type CircuitBreakerStatus struct {
	State          CircuitBreakerState `json:"state"`
	Reason         string              `json:"reason,omitempty"`
	TrippedBy      string              `json:"tripped_by,omitempty"`
	StateEnteredAt time.Time           `json:"state_entered_at"`
	DailyPnL       float64             `json:"daily_pnl"`
	Day            string              `json:"day"`
	TripCount      int                 `json:"trip_count"`
}

// CircuitBreaker blocks new entries market-wide. It never blocks exits.
type CircuitBreaker struct {
	mu sync.RWMutex

	state          CircuitBreakerState
	stateEnteredAt time.Time
	reason         string
	trippedBy      string
	tripCount      int

	day      string
	dailyPnL float64

	config      CircuitBreakerConfig
	lastEventID int64
	dayOf       func(time.Time) string
}

// NewCircuitBreaker restores state from the event log when one is configured.
func NewCircuitBreaker(config CircuitBreakerConfig, dayOf func(time.Time) string) *CircuitBreaker {
	if dayOf == nil {
		dayOf = func(t time.Time) string { return t.UTC().Format("2006-01-02") }
	}
	cb := &CircuitBreaker{
		state:  StateNormal,
		config: config,
		dayOf:  dayOf,
	}

	if err := cb.replay(); err != nil {
		observ.IncCounter("circuit_breaker_replay_errors_total", nil)
		observ.Log("circuit_breaker_replay_failed", map[string]any{"level": "error", "error": err.Error()})
	}
	observ.SetGauge("circuit_breaker_tripped", cb.stateToFloat(), nil)
	return cb
}

// CanEnter reports whether new positions may be opened.
func (cb *CircuitBreaker) CanEnter() (bool, string) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	if cb.state == StateTripped {
		return false, "circuit_breaker_" + cb.reason
	}
	return true, ""
}

// Active reports whether the breaker is tripped.
func (cb *CircuitBreaker) Active() bool {
	ok, _ := cb.CanEnter()
	return !ok
}

// Trip manually halts new entries.
func (cb *CircuitBreaker) Trip(userID, reason string, now time.Time) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if reason == "" {
		reason = "manual"
	}
	return cb.record(CircuitBreakerEvent{Type: EventTripped, UserID: userID, Reason: reason, Timestamp: now})
}

// Reset re-enables entries.
func (cb *CircuitBreaker) Reset(userID, reason string, now time.Time) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateNormal {
		return nil
	}
	return cb.record(CircuitBreakerEvent{Type: EventReset, UserID: userID, Reason: reason, Timestamp: now})
}

// RecordRealizedPnL accumulates closed-trade P&L for the day and trips the
// breaker when the daily loss limit is reached.
func (cb *CircuitBreaker) RecordRealizedPnL(pnl float64, now time.Time) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err := cb.rollDay(now); err != nil {
		return err
	}
	if err := cb.record(CircuitBreakerEvent{Type: EventPnLRecorded, Amount: pnl, Day: cb.day, Timestamp: now}); err != nil {
		return err
	}
	observ.SetGauge("daily_realized_pnl", cb.dailyPnL, nil)

	limit := cb.config.DailyLossLimit
	if limit > 0 && cb.state == StateNormal && cb.dailyPnL <= -limit {
		return cb.record(CircuitBreakerEvent{
			Type:      EventTripped,
			Reason:    "daily_loss_limit",
			Amount:    cb.dailyPnL,
			Timestamp: now,
		})
	}
	return nil
}

// RollDay starts a new trading day when now falls on a later day. The
// scheduler calls it every tick; an automatic daily-loss trip clears with it.
func (cb *CircuitBreaker) RollDay(now time.Time) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.rollDay(now)
}

func (cb *CircuitBreaker) rollDay(now time.Time) error {
	day := cb.dayOf(now)
	if day == cb.day {
		return nil
	}
	return cb.record(CircuitBreakerEvent{Type: EventDayRolled, Day: day, Timestamp: now})
}

// Status returns the current view.
func (cb *CircuitBreaker) Status() CircuitBreakerStatus {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return CircuitBreakerStatus{
		State:          cb.state,
		Reason:         cb.reason,
		TrippedBy:      cb.trippedBy,
		StateEnteredAt: cb.stateEnteredAt,
		DailyPnL:       cb.dailyPnL,
		Day:            cb.day,
		TripCount:      cb.tripCount,
	}
}

// record applies and persists an event. Must be called with cb.mu held.
func (cb *CircuitBreaker) record(event CircuitBreakerEvent) error {
	cb.lastEventID++
	event.ID = fmt.Sprintf("cb_%d", cb.lastEventID)
	previous := cb.state
	cb.apply(event)

	if previous != cb.state {
		observ.IncCounter("circuit_breaker_transitions_total", map[string]string{
			"from":   string(previous),
			"to":     string(cb.state),
			"reason": cb.reasonOr(event.Reason),
		})
		observ.Log("circuit_breaker_state_changed", map[string]any{
			"level":  "warn",
			"from":   string(previous),
			"to":     string(cb.state),
			"reason": event.Reason,
			"user":   event.UserID,
		})
	}
	observ.SetGauge("circuit_breaker_tripped", cb.stateToFloat(), nil)
	return cb.persist(event)
}

func (cb *CircuitBreaker) reasonOr(r string) string {
	if r == "" {
		return "none"
	}
	return r
}

func (cb *CircuitBreaker) apply(event CircuitBreakerEvent) {
	switch event.Type {
	case EventTripped:
		if cb.state != StateTripped {
			cb.tripCount++
		}
		cb.state = StateTripped
		cb.stateEnteredAt = event.Timestamp
		cb.reason = event.Reason
		cb.trippedBy = event.UserID
	case EventReset:
		cb.state = StateNormal
		cb.stateEnteredAt = event.Timestamp
		cb.reason = ""
		cb.trippedBy = ""
	case EventPnLRecorded:
		cb.dailyPnL += event.Amount
	case EventDayRolled:
		cb.day = event.Day
		cb.dailyPnL = 0
		cb.tripCount = 0
		// automatic trips last one day; manual ones need a reset
		if cb.state == StateTripped && cb.reason == "daily_loss_limit" {
			cb.state = StateNormal
			cb.stateEnteredAt = event.Timestamp
			cb.reason = ""
		}
	}
}

// persist appends an event to the log file.
func (cb *CircuitBreaker) persist(event CircuitBreakerEvent) error {
	if cb.config.EventLogPath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(cb.config.EventLogPath), 0755); err != nil {
		return fmt.Errorf("failed to create event log directory: %w", err)
	}
	file, err := os.OpenFile(cb.config.EventLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	defer file.Close()

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(file, "%s\n", line); err != nil {
		observ.IncCounter("circuit_breaker_persist_errors_total", map[string]string{"event_type": event.Type})
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

// replay rebuilds state from the event log.
func (cb *CircuitBreaker) replay() error {
	if cb.config.EventLogPath == "" {
		return nil
	}
	file, err := os.Open(cb.config.EventLogPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open event log: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var event CircuitBreakerEvent
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			observ.IncCounter("circuit_breaker_parse_errors_total", nil)
			continue
		}
		cb.apply(event)
		cb.lastEventID++
	}
	return scanner.Err()
}

func (cb *CircuitBreaker) stateToFloat() float64 {
	if cb.state == StateTripped {
		return 1
	}
	return 0
}
