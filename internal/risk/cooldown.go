package risk

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/Rajchodisetti/options-engine/internal/observ"
)

// CooldownManager enforces the post-exit re-entry delay per instance and
// counts entries per strategy per day.
type CooldownManager struct {
	mu          sync.RWMutex
	lastExits   map[string]ExitInfo       // instance key -> last exit
	tradeCounts map[string]map[string]int // day -> strategy id -> entries
	persistPath string
	dayOf       func(time.Time) string
}

// ExitInfo stores the last exit used for cooldown calculations.
type ExitInfo struct {
	Timestamp time.Time     `json:"timestamp"`
	ZeroDTE   bool          `json:"zero_dte"`
	Cooldown  time.Duration `json:"cooldown"`
}

// CooldownInfo explains a cooldown decision.
type CooldownInfo struct {
	Key               string        `json:"key"`
	LastExitTime      time.Time     `json:"last_exit_time"`
	CooldownPeriod    time.Duration `json:"cooldown_period"`
	RemainingCooldown time.Duration `json:"remaining_cooldown"`
	ZeroDTE           bool          `json:"zero_dte"`
}

// NewCooldownManager creates a manager. A non-empty persistPath restores and
// saves state across restarts.
func NewCooldownManager(persistPath string, dayOf func(time.Time) string) *CooldownManager {
	if dayOf == nil {
		dayOf = func(t time.Time) string { return t.UTC().Format("2006-01-02") }
	}
	cm := &CooldownManager{
		lastExits:   make(map[string]ExitInfo),
		tradeCounts: make(map[string]map[string]int),
		persistPath: persistPath,
		dayOf:       dayOf,
	}
	if err := cm.load(); err != nil {
		observ.IncCounter("cooldown_load_errors_total", nil)
	}
	return cm
}

// CooldownPeriod returns the re-entry delay. Multi-day positions use the
// fixed base; same-day contracts scale with the number of entries already
// taken today: base * (1 + tradesToday/2).
func CooldownPeriod(base time.Duration, zeroDTE bool, tradesToday int) time.Duration {
	if !zeroDTE || tradesToday <= 0 {
		return base
	}
	return time.Duration(float64(base) * (1 + float64(tradesToday)/2))
}

// RecordEntry counts an entry for the strategy's daily total.
func (cm *CooldownManager) RecordEntry(strategyID string, now time.Time) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	day := cm.dayOf(now)
	counts := cm.tradeCounts[day]
	if counts == nil {
		// only today's counts matter
		cm.tradeCounts = map[string]map[string]int{day: {}}
		counts = cm.tradeCounts[day]
	}
	counts[strategyID]++
	observ.SetGauge("trades_today", float64(counts[strategyID]), map[string]string{"strategy": strategyID})
	cm.persist()
}

// TradesToday returns the strategy's entry count for now's day.
func (cm *CooldownManager) TradesToday(strategyID string, now time.Time) int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.tradeCounts[cm.dayOf(now)][strategyID]
}

// RecordExit starts the cooldown for an instance.
func (cm *CooldownManager) RecordExit(key string, zeroDTE bool, cooldown time.Duration, now time.Time) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.lastExits[key] = ExitInfo{Timestamp: now, ZeroDTE: zeroDTE, Cooldown: cooldown}
	cm.persist()
}

// CanEnter checks whether the instance's cooldown has elapsed.
func (cm *CooldownManager) CanEnter(key string, now time.Time) (bool, *CooldownInfo) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	last, ok := cm.lastExits[key]
	if !ok {
		return true, &CooldownInfo{Key: key}
	}
	info := &CooldownInfo{
		Key:            key,
		LastExitTime:   last.Timestamp,
		CooldownPeriod: last.Cooldown,
		ZeroDTE:        last.ZeroDTE,
	}
	elapsed := now.Sub(last.Timestamp)
	if elapsed >= last.Cooldown {
		return true, info
	}
	info.RemainingCooldown = last.Cooldown - elapsed
	observ.IncCounter("cooldown_blocks_total", map[string]string{"zero_dte": fmt.Sprint(last.ZeroDTE)})
	return false, info
}

type cooldownState struct {
	UpdatedAt   time.Time                 `json:"updated_at"`
	LastExits   map[string]ExitInfo       `json:"last_exits"`
	TradeCounts map[string]map[string]int `json:"trade_counts"`
}

// persist writes state atomically. Must be called with cm.mu held.
func (cm *CooldownManager) persist() {
	if cm.persistPath == "" {
		return
	}
	data, err := json.MarshalIndent(cooldownState{
		UpdatedAt:   time.Now(),
		LastExits:   cm.lastExits,
		TradeCounts: cm.tradeCounts,
	}, "", "  ")
	if err != nil {
		observ.IncCounter("cooldown_persist_errors_total", nil)
		return
	}
	tempPath := cm.persistPath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		observ.IncCounter("cooldown_persist_errors_total", nil)
		return
	}
	if err := os.Rename(tempPath, cm.persistPath); err != nil {
		observ.IncCounter("cooldown_persist_errors_total", nil)
	}
}

func (cm *CooldownManager) load() error {
	if cm.persistPath == "" {
		return nil
	}
	data, err := os.ReadFile(cm.persistPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var st cooldownState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("parse cooldown state: %w", err)
	}
	if st.LastExits != nil {
		cm.lastExits = st.LastExits
	}
	if st.TradeCounts != nil {
		cm.tradeCounts = st.TradeCounts
	}
	return nil
}
