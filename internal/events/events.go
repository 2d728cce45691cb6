// Package events fans out state transitions and ledger changes to
// downstream consumers: Kafka, Slack and the structured log.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/Rajchodisetti/options-engine/internal/ledger"
	"github.com/Rajchodisetti/options-engine/internal/observ"
)

// Kind groups events by origin.
type Kind string

const (
	KindTransition     Kind = "transition"
	KindLedger         Kind = "ledger"
	KindCircuitBreaker Kind = "circuit_breaker"
	KindOrder          Kind = "order"
)

// TransitionEvent is published after every committed instance transition and
// every ledger reserve, commit or release.
type TransitionEvent struct {
	ID         string         `json:"id"`
	Kind       Kind           `json:"kind"`
	StrategyID string         `json:"strategy_id,omitempty"`
	Symbol     string         `json:"symbol,omitempty"`
	AccountID  string         `json:"account_id,omitempty"`
	From       string         `json:"from,omitempty"`
	To         string         `json:"to,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Timestamp  time.Time      `json:"ts_utc"`
}

// New stamps an event with an id and time.
func New(kind Kind, now time.Time) TransitionEvent {
	return TransitionEvent{ID: uuid.NewString(), Kind: kind, Timestamp: now.UTC()}
}

// FromLedger converts a ledger mutation into an event.
func FromLedger(le ledger.Event, now time.Time) TransitionEvent {
	e := New(KindLedger, now)
	e.AccountID = le.AccountID
	e.Reason = le.Type
	e.To = string(le.Reservation.Status)
	e.Data = map[string]any{
		"reservation_id": le.Reservation.ID,
		"instance_id":    le.Reservation.InstanceID,
		"amount":         le.Reservation.Amount,
		"available":      le.Available,
	}
	if le.Reason != "" {
		e.Data["detail"] = le.Reason
	}
	return e
}

// LedgerHandler adapts a publisher for ledger.WithEventHandler.
func LedgerHandler(p Publisher, now func() time.Time) func(ledger.Event) {
	return func(le ledger.Event) {
		if err := p.Publish(context.Background(), FromLedger(le, now())); err != nil {
			observ.IncCounter("events_publish_errors_total", map[string]string{"kind": string(KindLedger)})
		}
	}
}

// Key partitions events so one instance's history stays ordered.
func (e TransitionEvent) Key() string {
	switch {
	case e.StrategyID != "":
		return e.StrategyID + "/" + e.Symbol
	case e.AccountID != "":
		return e.AccountID
	default:
		return string(e.Kind)
	}
}

// Notable marks events worth paging a human about.
func (e TransitionEvent) Notable() bool {
	switch {
	case e.Kind == KindCircuitBreaker:
		return true
	case e.To == "ERROR":
		return true
	case e.Reason == "EMERGENCY_STOP" || e.Reason == "FORCED_LIQUIDATION":
		return true
	}
	return false
}

// Publisher receives events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, e TransitionEvent) error
	Close() error
}

// Noop discards events.
type Noop struct{}

func (Noop) Publish(context.Context, TransitionEvent) error { return nil }
func (Noop) Close() error                                   { return nil }

// Log writes events to the structured log.
type Log struct{}

func (Log) Publish(_ context.Context, e TransitionEvent) error {
	observ.Log("engine_event", map[string]any{
		"event_id":    e.ID,
		"kind":        e.Kind,
		"strategy_id": e.StrategyID,
		"symbol":      e.Symbol,
		"account_id":  e.AccountID,
		"from":        e.From,
		"to":          e.To,
		"reason":      e.Reason,
		"data":        e.Data,
	})
	return nil
}

func (Log) Close() error { return nil }

// Multi publishes to every sink; one failing sink does not stop the others.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e TransitionEvent) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	observ.IncCounter("events_published_total", map[string]string{"kind": string(e.Kind)})
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		errs = append(errs, p.Close())
	}
	return errors.Join(errs...)
}
