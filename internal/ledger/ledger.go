// Package ledger owns capital allocation accounts and the reservations
// strategy instances take against them. Every mutation of an account's usage
// or open reservations happens under that account's lock.
package ledger

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Rajchodisetti/options-engine/internal/observ"
)

const epsilon = 1e-9

type accountState struct {
	mu   sync.Mutex
	acct Account
	open map[string]*Reservation

	// committed usage per symbol, for the per-symbol cap
	symbolUsage map[string]float64
}

func (s *accountState) openTotal() float64 {
	var sum float64
	for _, r := range s.open {
		sum += r.Amount
	}
	return sum
}

func (s *accountState) openForSymbol(symbol string) float64 {
	var sum float64
	for _, r := range s.open {
		if r.Symbol == symbol {
			sum += r.Amount
		}
	}
	return sum
}

func (s *accountState) available() float64 {
	return s.acct.Allocated() - s.acct.CurrentUsage - s.openTotal() - s.acct.HoldingsValue
}

// Ledger is the capital ledger.
type Ledger struct {
	mu           sync.RWMutex
	accounts     map[string]*accountState
	reservations map[string]*Reservation

	timeout  time.Duration
	now      func() time.Time
	persist  Persister
	onChange func(Event)
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithPersister writes every change through p.
func WithPersister(p Persister) Option { return func(l *Ledger) { l.persist = p } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

// WithEventHandler registers a callback invoked after each mutation.
func WithEventHandler(fn func(Event)) Option { return func(l *Ledger) { l.onChange = fn } }

// New creates a ledger whose open reservations expire after timeout.
func New(timeout time.Duration, opts ...Option) *Ledger {
	l := &Ledger{
		accounts:     make(map[string]*accountState),
		reservations: make(map[string]*Reservation),
		timeout:      timeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CreateAccount registers a new account. Percentage accounts under the same
// parent may not sum above 1.0.
func (l *Ledger) CreateAccount(acct Account) error {
	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}
	if acct.Type != Percentage && acct.Type != Fixed {
		return fmt.Errorf("invalid account type %q", acct.Type)
	}
	if acct.Value < 0 {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.accounts[acct.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateAccount, acct.ID)
	}
	if acct.Type == Percentage {
		total := acct.Value
		for _, st := range l.accounts {
			st.mu.Lock()
			if st.acct.Type == Percentage && st.acct.ParentID == acct.ParentID {
				total += st.acct.Value
			}
			st.mu.Unlock()
		}
		if total > 1.0+epsilon {
			return fmt.Errorf("%w: %.1f%%", ErrPercentageOverflow, total*100)
		}
	}

	acct.UpdatedAt = l.now()
	st := &accountState{acct: acct, open: map[string]*Reservation{}, symbolUsage: map[string]float64{}}
	l.accounts[acct.ID] = st
	l.save(st, nil)
	return nil
}

// Restore loads persisted state on boot. Open reservations are re-attached
// to their accounts so the sweep can expire them.
func (l *Ledger) Restore(accounts []Account, reservations []Reservation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, a := range accounts {
		l.accounts[a.ID] = &accountState{acct: a, open: map[string]*Reservation{}, symbolUsage: map[string]float64{}}
	}
	for i := range reservations {
		r := reservations[i]
		st, ok := l.accounts[r.AccountID]
		if !ok {
			continue
		}
		l.reservations[r.ID] = &r
		switch r.Status {
		case StatusOpen:
			st.open[r.ID] = &r
		case StatusCommitted:
			if r.Symbol != "" {
				st.symbolUsage[r.Symbol] += r.Amount
			}
		}
	}
}

func (l *Ledger) state(accountID string) (*accountState, error) {
	l.mu.RLock()
	st, ok := l.accounts[accountID]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
	}
	return st, nil
}

// Account returns a copy of the account.
func (l *Ledger) Account(accountID string) (Account, error) {
	st, err := l.state(accountID)
	if err != nil {
		return Account{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.acct, nil
}

// Accounts lists all accounts ordered by id.
func (l *Ledger) Accounts() []Account {
	l.mu.RLock()
	states := make([]*accountState, 0, len(l.accounts))
	for _, st := range l.accounts {
		states = append(states, st)
	}
	l.mu.RUnlock()

	out := make([]Account, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		out = append(out, st.acct)
		st.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Available is allocated minus usage, open reservations and holdings.
func (l *Ledger) Available(accountID string) (float64, error) {
	st, err := l.state(accountID)
	if err != nil {
		return 0, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.available(), nil
}

// SetTotalCapital refreshes the total capital snapshot of every percentage account.
func (l *Ledger) SetTotalCapital(total float64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, st := range l.accounts {
		st.mu.Lock()
		if st.acct.Type == Percentage && st.acct.TotalCapitalSnapshot != total {
			st.acct.TotalCapitalSnapshot = total
			l.save(st, nil)
		}
		st.mu.Unlock()
	}
}

// SetHoldingsValue records the value of positions held outside the ledger.
func (l *Ledger) SetHoldingsValue(accountID string, v float64) error {
	st, err := l.state(accountID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.acct.HoldingsValue = v
	l.save(st, nil)
	return nil
}

type reserveOptions struct {
	symbol string
}

// ReserveOption customises a reservation.
type ReserveOption func(*reserveOptions)

// ForSymbol tags the reservation with a symbol so the per-symbol cap applies.
func ForSymbol(symbol string) ReserveOption {
	return func(o *reserveOptions) { o.symbol = symbol }
}

// Reserve atomically holds amount against the account for instanceID.
func (l *Ledger) Reserve(ctx context.Context, accountID string, amount float64, instanceID string, opts ...ReserveOption) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if amount <= 0 || math.IsNaN(amount) {
		return "", ErrInvalidAmount
	}
	var o reserveOptions
	for _, opt := range opts {
		opt(&o)
	}

	st, err := l.state(accountID)
	if err != nil {
		return "", err
	}

	st.mu.Lock()
	avail := st.available()
	if amount > avail+epsilon {
		st.mu.Unlock()
		l.reject(accountID, instanceID, amount, avail, "insufficient")
		return "", fmt.Errorf("%w: requested %.2f, available %.2f", ErrInsufficientFunds, amount, avail)
	}
	if limit := st.acct.SymbolCap(); limit > 0 && o.symbol != "" {
		used := st.symbolUsage[o.symbol] + st.openForSymbol(o.symbol)
		if used+amount > limit+epsilon {
			st.mu.Unlock()
			l.reject(accountID, instanceID, amount, avail, "symbol_cap")
			return "", fmt.Errorf("%w: %s %.2f + %.2f > %.2f", ErrSymbolCapExceeded, o.symbol, used, amount, limit)
		}
	}

	now := l.now()
	res := &Reservation{
		ID:         uuid.NewString(),
		AccountID:  accountID,
		InstanceID: instanceID,
		Symbol:     o.symbol,
		Amount:     amount,
		Status:     StatusOpen,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	st.open[res.ID] = res
	l.save(st, res)
	avail = st.available()
	snapshot := *res
	st.mu.Unlock()

	l.mu.Lock()
	l.reservations[res.ID] = res
	l.mu.Unlock()

	observ.IncCounter("ledger_reservations_total", map[string]string{"result": "approved"})
	l.emit(Event{Type: "reserved", AccountID: accountID, Reservation: snapshot, Available: avail})
	return res.ID, nil
}

func (l *Ledger) reject(accountID, instanceID string, amount, avail float64, reason string) {
	observ.IncCounter("ledger_reservations_total", map[string]string{"result": reason})
	l.emit(Event{
		Type:        "rejected",
		AccountID:   accountID,
		Reservation: Reservation{AccountID: accountID, InstanceID: instanceID, Amount: amount},
		Available:   avail,
		Reason:      reason,
	})
}

func (l *Ledger) lookup(reservationID string) (*Reservation, *accountState, error) {
	l.mu.RLock()
	res, ok := l.reservations[reservationID]
	var st *accountState
	if ok {
		st = l.accounts[res.AccountID]
	}
	l.mu.RUnlock()
	if !ok || st == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownReservation, reservationID)
	}
	return res, st, nil
}

// Commit promotes an open reservation into committed usage after a fill.
// Committing twice is a no-op; committing a released reservation fails.
func (l *Ledger) Commit(ctx context.Context, reservationID string) error {
	res, st, err := l.lookup(reservationID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	switch res.Status {
	case StatusCommitted:
		st.mu.Unlock()
		return nil
	case StatusReleased:
		st.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrReservationReleased, reservationID)
	}
	delete(st.open, res.ID)
	res.Status = StatusCommitted
	res.UpdatedAt = l.now()
	st.acct.CurrentUsage += res.Amount
	if res.Symbol != "" {
		st.symbolUsage[res.Symbol] += res.Amount
	}
	l.save(st, res)
	snapshot, avail := *res, st.available()
	st.mu.Unlock()

	observ.IncCounter("ledger_commits_total", nil)
	l.emit(Event{Type: "committed", AccountID: res.AccountID, Reservation: snapshot, Available: avail})
	return nil
}

// Release drops an open reservation. Releasing an unknown, released or
// committed reservation is a no-op so duplicate cleanup passes are safe.
func (l *Ledger) Release(ctx context.Context, reservationID string) error {
	_, err := l.release(reservationID, "released")
	return err
}

func (l *Ledger) release(reservationID, eventType string) (bool, error) {
	if reservationID == "" {
		return false, nil
	}
	res, st, err := l.lookup(reservationID)
	if err != nil {
		return false, nil
	}

	st.mu.Lock()
	if res.Status != StatusOpen {
		st.mu.Unlock()
		return false, nil
	}
	delete(st.open, res.ID)
	res.Status = StatusReleased
	res.UpdatedAt = l.now()
	l.save(st, res)
	snapshot, avail := *res, st.available()
	st.mu.Unlock()

	observ.IncCounter("ledger_releases_total", map[string]string{"type": eventType})
	l.emit(Event{Type: eventType, AccountID: res.AccountID, Reservation: snapshot, Available: avail})
	return true, nil
}

// ReturnCommitted gives committed capital back to the account after an exit
// fill. Only the first call for a reservation has an effect.
func (l *Ledger) ReturnCommitted(ctx context.Context, reservationID string) error {
	if reservationID == "" {
		return nil
	}
	res, st, err := l.lookup(reservationID)
	if err != nil {
		return nil
	}

	st.mu.Lock()
	if res.Status != StatusCommitted {
		st.mu.Unlock()
		return nil
	}
	res.Status = StatusReleased
	res.UpdatedAt = l.now()
	st.acct.CurrentUsage = math.Max(0, st.acct.CurrentUsage-res.Amount)
	if res.Symbol != "" {
		st.symbolUsage[res.Symbol] = math.Max(0, st.symbolUsage[res.Symbol]-res.Amount)
	}
	l.save(st, res)
	snapshot, avail := *res, st.available()
	st.mu.Unlock()

	observ.IncCounter("ledger_releases_total", map[string]string{"type": "returned"})
	l.emit(Event{Type: "returned", AccountID: res.AccountID, Reservation: snapshot, Available: avail})
	return nil
}

// Reservation returns a copy of the reservation.
func (l *Ledger) Reservation(reservationID string) (Reservation, error) {
	res, st, err := l.lookup(reservationID)
	if err != nil {
		return Reservation{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return *res, nil
}

// OpenReservations lists the account's open reservations, oldest first.
func (l *Ledger) OpenReservations(accountID string) []Reservation {
	st, err := l.state(accountID)
	if err != nil {
		return nil
	}
	st.mu.Lock()
	out := make([]Reservation, 0, len(st.open))
	for _, r := range st.open {
		out = append(out, *r)
	}
	st.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Sweep releases open reservations older than the timeout, and any whose
// owning instance isStale reports as stuck. It returns the released ids.
func (l *Ledger) Sweep(ctx context.Context, isStale func(instanceID string) bool) []string {
	cutoff := l.now().Add(-l.timeout)

	l.mu.RLock()
	var candidates []Reservation
	for _, st := range l.accounts {
		st.mu.Lock()
		for _, r := range st.open {
			candidates = append(candidates, *r)
		}
		st.mu.Unlock()
	}
	l.mu.RUnlock()

	var released []string
	for _, r := range candidates {
		if ctx.Err() != nil {
			break
		}
		expired := l.timeout > 0 && r.CreatedAt.Before(cutoff)
		stale := isStale != nil && isStale(r.InstanceID)
		if !expired && !stale {
			continue
		}
		if ok, _ := l.release(r.ID, "swept"); ok {
			released = append(released, r.ID)
			observ.Log("reservation_swept", map[string]any{
				"level":          "warn",
				"reservation_id": r.ID,
				"instance_id":    r.InstanceID,
				"amount":         r.Amount,
				"expired":        expired,
				"stale":          stale,
			})
		}
	}
	return released
}

// CheckInvariant verifies usage plus open reservations does not exceed the
// allocation. The scheduler runs it for every account after each tick.
func (l *Ledger) CheckInvariant(accountID string) error {
	st, err := l.state(accountID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	used := st.acct.CurrentUsage + st.openTotal()
	if used > st.acct.Allocated()+epsilon && st.acct.Allocated() > 0 {
		return fmt.Errorf("account %s over-allocated: %.2f > %.2f", accountID, used, st.acct.Allocated())
	}
	return nil
}

// save must be called with st.mu held.
func (l *Ledger) save(st *accountState, res *Reservation) {
	st.acct.Version++
	st.acct.UpdatedAt = l.now()
	observ.SetGauge("ledger_available", st.available(), map[string]string{"account": st.acct.ID})
	observ.SetGauge("ledger_open_reservations", float64(len(st.open)), map[string]string{"account": st.acct.ID})
	if l.persist == nil {
		return
	}
	if err := l.persist.SaveAccount(st.acct); err != nil {
		observ.IncCounter("ledger_persist_errors_total", map[string]string{"kind": "account"})
	}
	if res != nil {
		if err := l.persist.SaveReservation(*res); err != nil {
			observ.IncCounter("ledger_persist_errors_total", map[string]string{"kind": "reservation"})
		}
	}
}

func (l *Ledger) emit(e Event) {
	if l.onChange != nil {
		l.onChange(e)
	}
}
