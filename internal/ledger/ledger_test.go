package ledger

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPersister struct {
	mu           sync.Mutex
	accounts     []Account
	reservations []Reservation
}

func (p *recordingPersister) SaveAccount(a Account) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accounts = append(p.accounts, a)
	return nil
}

func (p *recordingPersister) SaveReservation(r Reservation) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reservations = append(p.reservations, r)
	return nil
}

func newFixedLedger(t *testing.T, value float64, opts ...Option) *Ledger {
	t.Helper()
	l := New(5*time.Minute, opts...)
	require.NoError(t, l.CreateAccount(Account{ID: "main", Type: Fixed, Value: value}))
	return l
}

func TestReserveCommitRelease(t *testing.T) {
	ctx := context.Background()
	l := newFixedLedger(t, 1000)

	id, err := l.Reserve(ctx, "main", 400, "inst-1")
	require.NoError(t, err)
	avail, _ := l.Available("main")
	assert.InDelta(t, 600, avail, 1e-9)

	require.NoError(t, l.Commit(ctx, id))
	acct, _ := l.Account("main")
	assert.InDelta(t, 400, acct.CurrentUsage, 1e-9)
	avail, _ = l.Available("main")
	assert.InDelta(t, 600, avail, 1e-9)

	// committing twice is harmless
	require.NoError(t, l.Commit(ctx, id))
	acct, _ = l.Account("main")
	assert.InDelta(t, 400, acct.CurrentUsage, 1e-9)

	// release of a committed reservation is a no-op
	require.NoError(t, l.Release(ctx, id))
	acct, _ = l.Account("main")
	assert.InDelta(t, 400, acct.CurrentUsage, 1e-9)

	require.NoError(t, l.ReturnCommitted(ctx, id))
	require.NoError(t, l.ReturnCommitted(ctx, id))
	acct, _ = l.Account("main")
	assert.InDelta(t, 0, acct.CurrentUsage, 1e-9)
}

func TestReserveRejectsOverdraw(t *testing.T) {
	ctx := context.Background()
	var events []Event
	l := newFixedLedger(t, 500, WithEventHandler(func(e Event) { events = append(events, e) }))

	_, err := l.Reserve(ctx, "main", 300, "a")
	require.NoError(t, err)
	_, err = l.Reserve(ctx, "main", 300, "b")
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	assert.Len(t, l.OpenReservations("main"), 1)
	require.Len(t, events, 2)
	assert.Equal(t, "rejected", events[1].Type)

	_, err = l.Reserve(ctx, "main", 0, "c")
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = l.Reserve(ctx, "missing", 10, "c")
	assert.ErrorIs(t, err, ErrUnknownAccount)
}

func TestHoldingsReduceAvailable(t *testing.T) {
	l := newFixedLedger(t, 1000)
	require.NoError(t, l.SetHoldingsValue("main", 250))
	avail, err := l.Available("main")
	require.NoError(t, err)
	assert.InDelta(t, 750, avail, 1e-9)
}

func TestPercentageAccounts(t *testing.T) {
	l := New(time.Minute)
	require.NoError(t, l.CreateAccount(Account{ID: "a", Type: Percentage, Value: 0.6}))
	require.NoError(t, l.CreateAccount(Account{ID: "b", Type: Percentage, Value: 0.4}))
	err := l.CreateAccount(Account{ID: "c", Type: Percentage, Value: 0.05})
	assert.ErrorIs(t, err, ErrPercentageOverflow)

	// a different parent has its own budget
	require.NoError(t, l.CreateAccount(Account{ID: "c", ParentID: "p2", Type: Percentage, Value: 0.5}))

	l.SetTotalCapital(10000)
	avail, _ := l.Available("a")
	assert.InDelta(t, 6000, avail, 1e-9)

	assert.ErrorIs(t, l.CreateAccount(Account{ID: "a", Type: Fixed, Value: 1}), ErrDuplicateAccount)
}

func TestParentOnlyGroupsPercentages(t *testing.T) {
	ctx := context.Background()
	l := New(time.Minute)
	require.NoError(t, l.CreateAccount(Account{ID: "parent", Type: Percentage, Value: 0.5}))
	require.NoError(t, l.CreateAccount(Account{ID: "child", ParentID: "parent", Type: Percentage, Value: 0.8}))
	l.SetTotalCapital(10000)

	id, err := l.Reserve(ctx, "child", 3000, "i1")
	require.NoError(t, err)
	require.NoError(t, l.Commit(ctx, id))

	avail, _ := l.Available("child")
	assert.InDelta(t, 5000, avail, 1e-9)
	avail, _ = l.Available("parent")
	assert.InDelta(t, 5000, avail, 1e-9)
	parent, _ := l.Account("parent")
	assert.Zero(t, parent.CurrentUsage)
	assert.NoError(t, l.CheckInvariant("parent"))
	assert.NoError(t, l.CheckInvariant("child"))

	err = l.CreateAccount(Account{ID: "child2", ParentID: "parent", Type: Percentage, Value: 0.3})
	assert.ErrorIs(t, err, ErrPercentageOverflow)
}

func TestCheckInvariant(t *testing.T) {
	ctx := context.Background()
	l := New(time.Minute)
	require.NoError(t, l.CreateAccount(Account{ID: "pct", Type: Percentage, Value: 0.5}))
	l.SetTotalCapital(10000)

	id, err := l.Reserve(ctx, "pct", 4000, "i1")
	require.NoError(t, err)
	require.NoError(t, l.Commit(ctx, id))
	assert.NoError(t, l.CheckInvariant("pct"))

	// capital shrank below what is already committed
	l.SetTotalCapital(6000)
	assert.ErrorContains(t, l.CheckInvariant("pct"), "over-allocated")
	assert.ErrorIs(t, l.CheckInvariant("missing"), ErrUnknownAccount)
}

func TestSymbolCap(t *testing.T) {
	ctx := context.Background()
	l := New(time.Minute)
	require.NoError(t, l.CreateAccount(Account{ID: "main", Type: Fixed, Value: 1000, SymbolCount: 4}))

	_, err := l.Reserve(ctx, "main", 200, "i1", ForSymbol("SPY"))
	require.NoError(t, err)
	_, err = l.Reserve(ctx, "main", 100, "i2", ForSymbol("SPY"))
	assert.ErrorIs(t, err, ErrSymbolCapExceeded)
	_, err = l.Reserve(ctx, "main", 250, "i3", ForSymbol("QQQ"))
	assert.NoError(t, err)
}

func TestFailureBetweenReserveAndCommitReleasesOnce(t *testing.T) {
	ctx := context.Background()
	var released []Event
	l := newFixedLedger(t, 1000, WithEventHandler(func(e Event) {
		if e.Type == "released" {
			released = append(released, e)
		}
	}))

	submit := func() error { return errors.New("broker unavailable") }

	id, err := l.Reserve(ctx, "main", 700, "inst-1")
	require.NoError(t, err)
	func() {
		defer func() { _ = l.Release(ctx, id) }()
		if err := submit(); err != nil {
			_ = l.Release(ctx, id)
			return
		}
		_ = l.Commit(ctx, id)
	}()

	require.Len(t, released, 1)
	assert.InDelta(t, 700, released[0].Reservation.Amount, 1e-9)
	avail, _ := l.Available("main")
	assert.InDelta(t, 1000, avail, 1e-9)

	assert.ErrorIs(t, l.Commit(ctx, id), ErrReservationReleased)
	assert.NoError(t, l.Release(ctx, "never-existed"))
}

func TestSweepReleasesExpiredAndStale(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	l := newFixedLedger(t, 1000, WithClock(func() time.Time { return now }))

	old, err := l.Reserve(ctx, "main", 100, "old")
	require.NoError(t, err)
	now = now.Add(6 * time.Minute)
	stuck, err := l.Reserve(ctx, "main", 100, "stuck")
	require.NoError(t, err)
	fresh, err := l.Reserve(ctx, "main", 100, "fresh")
	require.NoError(t, err)

	released := l.Sweep(ctx, func(instanceID string) bool { return instanceID == "stuck" })
	assert.ElementsMatch(t, []string{old, stuck}, released)

	open := l.OpenReservations("main")
	require.Len(t, open, 1)
	assert.Equal(t, fresh, open[0].ID)

	assert.Equal(t, []string{fresh}, l.Sweep(ctx, func(string) bool { return true }))
}

func TestConcurrentReservationsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	l := newFixedLedger(t, 10000)

	var wg sync.WaitGroup
	var violations int
	var mu sync.Mutex
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 200; i++ {
				id, err := l.Reserve(ctx, "main", float64(100+rng.Intn(900)), "inst")
				if err == nil {
					switch rng.Intn(3) {
					case 0:
						_ = l.Commit(ctx, id)
						_ = l.ReturnCommitted(ctx, id)
					case 1:
						_ = l.Commit(ctx, id)
					default:
						_ = l.Release(ctx, id)
					}
				}
				if l.CheckInvariant("main") != nil {
					mu.Lock()
					violations++
					mu.Unlock()
				}
			}
		}(int64(w))
	}
	wg.Wait()

	assert.Zero(t, violations)
	acct, _ := l.Account("main")
	avail, _ := l.Available("main")
	assert.GreaterOrEqual(t, avail, -1e-6)
	assert.LessOrEqual(t, acct.CurrentUsage, 10000+1e-6)
}

func TestPersisterSeesEveryChange(t *testing.T) {
	ctx := context.Background()
	p := &recordingPersister{}
	l := newFixedLedger(t, 1000, WithPersister(p))

	id, err := l.Reserve(ctx, "main", 100, "x")
	require.NoError(t, err)
	require.NoError(t, l.Commit(ctx, id))

	require.Len(t, p.reservations, 2)
	assert.Equal(t, StatusOpen, p.reservations[0].Status)
	assert.Equal(t, StatusCommitted, p.reservations[1].Status)
	last := p.accounts[len(p.accounts)-1]
	assert.InDelta(t, 100, last.CurrentUsage, 1e-9)
}

func TestRestoreReattachesOpenReservations(t *testing.T) {
	ctx := context.Background()
	l := New(time.Minute)
	l.Restore(
		[]Account{{ID: "main", Type: Fixed, Value: 1000, CurrentUsage: 200}},
		[]Reservation{
			{ID: "r1", AccountID: "main", Amount: 300, Status: StatusOpen, CreatedAt: time.Now()},
			{ID: "r2", AccountID: "main", Amount: 200, Status: StatusCommitted},
		},
	)

	avail, err := l.Available("main")
	require.NoError(t, err)
	assert.InDelta(t, 500, avail, 1e-9)

	require.NoError(t, l.Release(ctx, "r1"))
	require.NoError(t, l.ReturnCommitted(ctx, "r2"))
	avail, _ = l.Available("main")
	assert.InDelta(t, 1000, avail, 1e-9)
}
