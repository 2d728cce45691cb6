package backtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Rajchodisetti/options-engine/internal/broker"
	"github.com/Rajchodisetti/options-engine/internal/observ"
)

var (
	ErrTaskNotFound = errors.New("backtest task not found")
	// ErrInconclusive means the task did not finish within the polling horizon.
	ErrInconclusive = errors.New("backtest still running")
	// ErrInterrupted marks a task cut short by shutdown or a restart.
	ErrInterrupted  = errors.New("backtest interrupted")
	ErrRunnerClosed = errors.New("backtest runner closed")
)

// Status of a backtest task.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

func (s Status) Done() bool { return s == StatusCompleted || s == StatusFailed }

// Result is what a completed task produced.
type Result struct {
	Trades     []Trade     `json:"trades"`
	Summary    Summary     `json:"summary"`
	Comparison *Comparison `json:"comparison,omitempty"`
}

// Task is one asynchronous replay.
type Task struct {
	ID         string     `json:"id" db:"id"`
	StrategyID string     `json:"strategy_id" db:"strategy_id"`
	Request    Request    `json:"request" db:"-"`
	Status     Status     `json:"status" db:"status"`
	Error      string     `json:"error,omitempty" db:"error"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty" db:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty" db:"finished_at"`
	Result     *Result    `json:"result,omitempty" db:"-"`
}

// TaskStore persists tasks so results survive a restart.
type TaskStore interface {
	SaveTask(ctx context.Context, t Task) error
	Task(ctx context.Context, id string) (Task, error)
}

// OrderHistory is the slice of the broker the comparator needs.
type OrderHistory interface {
	GetOrderHistory(ctx context.Context, from, to time.Time) ([]broker.Order, error)
}

// Runner executes replays in the background and answers status polls.
type Runner struct {
	replayer *Replayer
	history  OrderHistory
	store    TaskStore
	window   time.Duration
	now      func() time.Time

	// tasks run under base, not the submitting request; Close cancels it
	base   context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	tasks  map[string]*Task
	closed bool
	wg     sync.WaitGroup
}

// NewRunner wires a runner. history and store may be nil: without history no
// comparison is made, without a store tasks live only in memory.
func NewRunner(replayer *Replayer, history OrderHistory, store TaskStore) *Runner {
	base, cancel := context.WithCancel(context.Background())
	return &Runner{
		replayer: replayer,
		history:  history,
		store:    store,
		window:   DefaultMatchWindow,
		now:      time.Now,
		base:     base,
		cancel:   cancel,
		tasks:    make(map[string]*Task),
	}
}

// Submit queues a replay and returns its PENDING task immediately.
func (r *Runner) Submit(ctx context.Context, req Request) (Task, error) {
	t := &Task{
		ID:         uuid.NewString(),
		StrategyID: req.StrategyID,
		Request:    req,
		Status:     StatusPending,
		CreatedAt:  r.now(),
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return Task{}, ErrRunnerClosed
	}
	r.tasks[t.ID] = t
	snapshot := *t
	r.wg.Add(1)
	r.mu.Unlock()
	r.persist(ctx, snapshot)

	go func() {
		defer r.wg.Done()
		r.run(r.base, t.ID)
	}()
	observ.IncCounter("backtest_tasks_total", map[string]string{"status": string(StatusPending)})
	return snapshot, nil
}

func (r *Runner) update(ctx context.Context, id string, fn func(t *Task)) Task {
	r.mu.Lock()
	t := r.tasks[id]
	fn(t)
	snapshot := *t
	r.mu.Unlock()
	r.persist(ctx, snapshot)
	return snapshot
}

func (r *Runner) persist(ctx context.Context, t Task) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveTask(ctx, t); err != nil {
		observ.Log("backtest_task_persist_failed", map[string]any{"level": "error", "task_id": t.ID, "error": err.Error()})
	}
}

func (r *Runner) run(ctx context.Context, id string) {
	// status writes must land even after shutdown cancelled the replay
	wctx := context.WithoutCancel(ctx)
	start := r.now()
	task := r.update(wctx, id, func(t *Task) {
		t.Status = StatusRunning
		t.StartedAt = &start
	})

	res, err := r.execute(ctx, task.Request)
	if err != nil && ctx.Err() != nil {
		err = fmt.Errorf("%w: %v", ErrInterrupted, err)
	}
	finished := r.now()
	final := r.update(wctx, id, func(t *Task) {
		t.FinishedAt = &finished
		if err != nil {
			t.Status = StatusFailed
			t.Error = err.Error()
			return
		}
		t.Status = StatusCompleted
		t.Result = res
	})

	observ.IncCounter("backtest_tasks_total", map[string]string{"status": string(final.Status)})
	observ.RecordDuration("backtest_task_duration", finished.Sub(start), map[string]string{"status": string(final.Status)})
	observ.Log("backtest_task_finished", map[string]any{
		"task_id":     id,
		"strategy_id": final.StrategyID,
		"status":      final.Status,
		"error":       final.Error,
	})
}

func (r *Runner) execute(ctx context.Context, req Request) (*Result, error) {
	trades, err := r.replayer.Run(ctx, req)
	if err != nil {
		return nil, err
	}
	res := &Result{Trades: trades, Summary: Summarize(trades)}
	if r.history == nil {
		return res, nil
	}
	orders, err := r.history.GetOrderHistory(ctx, req.From, req.To.Add(24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("order history: %w", err)
	}
	var own []broker.Order
	for _, o := range ActualEntries(orders) {
		if o.StrategyID == "" || o.StrategyID == req.StrategyID {
			own = append(own, o)
		}
	}
	cmp := Compare(trades, own, r.window)
	res.Comparison = &cmp
	return res, nil
}

// Get returns the task, falling back to the store for tasks from an earlier
// run. A stored task that never finished died with that run; it is marked
// FAILED so pollers stop waiting on it.
func (r *Runner) Get(ctx context.Context, id string) (Task, error) {
	r.mu.RLock()
	t, ok := r.tasks[id]
	var snapshot Task
	if ok {
		snapshot = *t
	}
	r.mu.RUnlock()
	if ok {
		return snapshot, nil
	}
	if r.store != nil {
		st, err := r.store.Task(ctx, id)
		if err == nil {
			if !st.Status.Done() {
				st = r.interrupted(ctx, st)
			}
			return st, nil
		}
		if !errors.Is(err, ErrTaskNotFound) {
			return Task{}, err
		}
	}
	return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
}

// Await polls until the task finishes, the horizon passes (ErrInconclusive)
// or ctx is cancelled.
func (r *Runner) Await(ctx context.Context, id string, poll, horizon time.Duration) (Task, error) {
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	deadline := time.NewTimer(horizon)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		t, err := r.Get(ctx, id)
		if err != nil {
			return Task{}, err
		}
		if t.Status.Done() {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return t, ctx.Err()
		case <-deadline.C:
			return t, fmt.Errorf("%w: task %s is %s", ErrInconclusive, id, t.Status)
		case <-ticker.C:
		}
	}
}

func (r *Runner) interrupted(ctx context.Context, t Task) Task {
	finished := r.now()
	t.Error = fmt.Sprintf("%v: engine restarted while the task was %s", ErrInterrupted, t.Status)
	t.Status = StatusFailed
	t.FinishedAt = &finished
	r.persist(ctx, t)
	observ.IncCounter("backtest_tasks_total", map[string]string{"status": string(StatusFailed)})
	return t
}

// Wait blocks until every submitted task has finished.
func (r *Runner) Wait() { r.wg.Wait() }

// Close refuses new tasks, cancels the running ones and waits for them to
// record their outcome.
func (r *Runner) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()
	r.wg.Wait()
}
