package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Rajchodisetti/options-engine/internal/backtest"
	"github.com/Rajchodisetti/options-engine/internal/correlation"
	"github.com/Rajchodisetti/options-engine/internal/ledger"
	"github.com/Rajchodisetti/options-engine/internal/strategy"
)

// state is the full persisted data set. File serializes it as one document.
type state struct {
	Accounts     map[string]ledger.Account     `json:"accounts"`
	Reservations map[string]ledger.Reservation `json:"reservations"`
	Strategies   map[string]strategy.Strategy  `json:"strategies"`
	Instances    map[string]strategy.Instance  `json:"instances"`
	Correlation  *correlation.Result           `json:"correlation,omitempty"`
	Tasks        map[string]backtest.Task      `json:"tasks"`
}

func newState() state {
	return state{
		Accounts:     map[string]ledger.Account{},
		Reservations: map[string]ledger.Reservation{},
		Strategies:   map[string]strategy.Strategy{},
		Instances:    map[string]strategy.Instance{},
		Tasks:        map[string]backtest.Task{},
	}
}

// fill replaces nil maps left by a decoded document.
func (s *state) fill() {
	fresh := newState()
	if s.Accounts == nil {
		s.Accounts = fresh.Accounts
	}
	if s.Reservations == nil {
		s.Reservations = fresh.Reservations
	}
	if s.Strategies == nil {
		s.Strategies = fresh.Strategies
	}
	if s.Instances == nil {
		s.Instances = fresh.Instances
	}
	if s.Tasks == nil {
		s.Tasks = fresh.Tasks
	}
}

// Memory keeps everything in process. It is the default for tests and for
// paper sessions that do not need to survive a restart.
type Memory struct {
	mu sync.RWMutex
	st state
}

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

func (m *Memory) SaveAccount(a ledger.Account) error {
	m.mu.Lock()
	m.st.Accounts[a.ID] = a
	m.mu.Unlock()
	return nil
}

func (m *Memory) SaveReservation(r ledger.Reservation) error {
	m.mu.Lock()
	m.st.Reservations[r.ID] = r
	m.mu.Unlock()
	return nil
}

func (m *Memory) LoadAccounts(ctx context.Context) ([]ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ledger.Account, 0, len(m.st.Accounts))
	for _, a := range m.st.Accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) LoadReservations(ctx context.Context) ([]ledger.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ledger.Reservation, 0, len(m.st.Reservations))
	for _, r := range m.st.Reservations {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) SaveStrategy(ctx context.Context, s strategy.Strategy) error {
	m.mu.Lock()
	s.Symbols = append([]string(nil), s.Symbols...)
	m.st.Strategies[s.ID] = s
	m.mu.Unlock()
	return nil
}

func (m *Memory) LoadStrategies(ctx context.Context) ([]strategy.Strategy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]strategy.Strategy, 0, len(m.st.Strategies))
	for _, s := range m.st.Strategies {
		s.Symbols = append([]string(nil), s.Symbols...)
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) DeleteStrategy(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.st.Strategies[id]; !ok {
		return fmt.Errorf("%w: %s", strategy.ErrNotFound, id)
	}
	delete(m.st.Strategies, id)
	return nil
}

func (m *Memory) SaveInstance(ctx context.Context, inst strategy.Instance) error {
	m.mu.Lock()
	m.st.Instances[inst.Key()] = inst
	m.mu.Unlock()
	return nil
}

func (m *Memory) LoadInstances(ctx context.Context) ([]strategy.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]strategy.Instance, 0, len(m.st.Instances))
	for _, inst := range m.st.Instances {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

func (m *Memory) DeleteInstance(ctx context.Context, strategyID, symbol string) error {
	m.mu.Lock()
	delete(m.st.Instances, strategy.InstanceKey(strategyID, symbol))
	m.mu.Unlock()
	return nil
}

func (m *Memory) SaveCorrelation(ctx context.Context, r correlation.Result) error {
	m.mu.Lock()
	m.st.Correlation = &r
	m.mu.Unlock()
	return nil
}

func (m *Memory) LoadCorrelation(ctx context.Context) (*correlation.Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.st.Correlation == nil {
		return nil, nil
	}
	r := *m.st.Correlation
	return &r, nil
}

func (m *Memory) SaveTask(ctx context.Context, t backtest.Task) error {
	m.mu.Lock()
	m.st.Tasks[t.ID] = t
	m.mu.Unlock()
	return nil
}

func (m *Memory) Task(ctx context.Context, id string) (backtest.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.st.Tasks[id]
	if !ok {
		return backtest.Task{}, fmt.Errorf("%w: %s", backtest.ErrTaskNotFound, id)
	}
	return t, nil
}

func (m *Memory) Close() error { return nil }
