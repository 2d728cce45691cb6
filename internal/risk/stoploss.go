package risk

import (
	"sync"
	"time"

	"github.com/Rajchodisetti/options-engine/internal/observ"
	"github.com/Rajchodisetti/options-engine/internal/scoring"
)

// MaxTSLPFailures is the number of consecutive trailing-stop submission
// failures after which trailing stops are abandoned for the emergency stop.
const MaxTSLPFailures = 2

// StopLossTrigger records an emergency stop firing.
type StopLossTrigger struct {
	Key           string    `json:"key"`
	PositionID    string    `json:"position_id"`
	TriggerPrice  float64   `json:"trigger_price"`
	EntryPrice    float64   `json:"entry_price"`
	EmergencyStop float64   `json:"emergency_stop"`
	LossPct       float64   `json:"loss_pct"`
	TimestampUTC  time.Time `json:"timestamp_utc"`
}

// StopLossManager tracks trailing-stop failures and fires the emergency stop
// at most once per position.
type StopLossManager struct {
	mu       sync.Mutex
	failures map[string]int             // instance key -> consecutive TSLP failures
	triggers map[string]StopLossTrigger // position id -> trigger
}

func NewStopLossManager() *StopLossManager {
	return &StopLossManager{
		failures: make(map[string]int),
		triggers: make(map[string]StopLossTrigger),
	}
}

// Restore seeds the failure count from persisted instance context.
func (slm *StopLossManager) Restore(key string, failures int) {
	slm.mu.Lock()
	defer slm.mu.Unlock()
	if failures > 0 {
		slm.failures[key] = failures
	}
}

// RecordTSLPFailure counts a failed trailing-stop submission and returns the
// new consecutive count.
func (slm *StopLossManager) RecordTSLPFailure(key string) int {
	slm.mu.Lock()
	defer slm.mu.Unlock()
	slm.failures[key]++
	n := slm.failures[key]
	observ.IncCounter("tslp_failures_total", nil)
	if n == MaxTSLPFailures {
		observ.IncCounter("tslp_fallback_total", nil)
		observ.Log("tslp_fallback_to_emergency_stop", map[string]any{"level": "warn", "key": key, "failures": n})
	}
	return n
}

// RecordTSLPSuccess resets the failure run.
func (slm *StopLossManager) RecordTSLPSuccess(key string) {
	slm.mu.Lock()
	delete(slm.failures, key)
	slm.mu.Unlock()
}

// TSLPBlocked reports whether further trailing-stop submissions are blocked.
func (slm *StopLossManager) TSLPBlocked(key string) bool {
	slm.mu.Lock()
	defer slm.mu.Unlock()
	return slm.failures[key] >= MaxTSLPFailures
}

// Failures returns the consecutive failure count.
func (slm *StopLossManager) Failures(key string) int {
	slm.mu.Lock()
	defer slm.mu.Unlock()
	return slm.failures[key]
}

// CheckEmergency fires when price is at or below the emergency stop. A
// position triggers once; later calls for the same position return false.
func (slm *StopLossManager) CheckEmergency(key string, entryTime time.Time, entryPrice, emergencyStop, price float64, now time.Time) bool {
	if !scoring.EmergencyTriggered(price, emergencyStop) {
		return false
	}

	slm.mu.Lock()
	defer slm.mu.Unlock()
	positionID := generatePositionID(key, entryTime)
	if _, exists := slm.triggers[positionID]; exists {
		observ.IncCounter("stop_triggers_duplicate_total", nil)
		return false
	}

	var lossPct float64
	if entryPrice > 0 {
		lossPct = (entryPrice - price) / entryPrice * 100
	}
	slm.triggers[positionID] = StopLossTrigger{
		Key:           key,
		PositionID:    positionID,
		TriggerPrice:  price,
		EntryPrice:    entryPrice,
		EmergencyStop: emergencyStop,
		LossPct:       lossPct,
		TimestampUTC:  now.UTC(),
	}
	observ.IncCounter("stop_triggers_total", map[string]string{"type": "emergency"})
	observ.Log("emergency_stop_triggered", map[string]any{
		"level":          "warn",
		"key":            key,
		"price":          price,
		"emergency_stop": emergencyStop,
		"loss_pct":       lossPct,
	})
	return true
}

// Clear forgets an instance once its position is closed.
func (slm *StopLossManager) Clear(key string, entryTime time.Time) {
	slm.mu.Lock()
	defer slm.mu.Unlock()
	delete(slm.failures, key)
	delete(slm.triggers, generatePositionID(key, entryTime))
}

// Rearm lets the emergency stop of a still-open position fire again, after
// the exit it triggered was rejected. TSLP failures are kept.
func (slm *StopLossManager) Rearm(key string, entryTime time.Time) {
	slm.mu.Lock()
	defer slm.mu.Unlock()
	delete(slm.triggers, generatePositionID(key, entryTime))
}

// generatePositionID identifies a position by instance and entry time.
func generatePositionID(key string, entryTime time.Time) string {
	return key + "@" + entryTime.UTC().Format(time.RFC3339Nano)
}
