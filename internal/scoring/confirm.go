package scoring

import "sync"

type streak struct {
	direction Direction
	count     int
}

// Confirmer requires a qualifying direction to repeat for N consecutive
// cycles before it may be acted on. A miss or a direction flip resets the run.
type Confirmer struct {
	mu      sync.Mutex
	streaks map[string]streak
}

func NewConfirmer() *Confirmer {
	return &Confirmer{streaks: make(map[string]streak)}
}

// Observe records this cycle's signal for key and reports whether the
// instance may act. required <= 1 acts immediately.
func (c *Confirmer) Observe(key string, sig Signal, required int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !sig.Qualifies {
		delete(c.streaks, key)
		return false
	}

	s := c.streaks[key]
	if s.direction != sig.Direction {
		s = streak{direction: sig.Direction}
	}
	s.count++
	c.streaks[key] = s

	if required <= 1 || s.count >= required {
		return true
	}
	return false
}

// Count returns the current streak length for key.
func (c *Confirmer) Count(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streaks[key].count
}

// Reset clears the streak, typically after the instance acted.
func (c *Confirmer) Reset(key string) {
	c.mu.Lock()
	delete(c.streaks, key)
	c.mu.Unlock()
}
