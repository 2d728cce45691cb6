package outbox

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Order is one journaled order record. Status changes append a new record
// with the same ID; the latest record wins on read.
type Order struct {
	ID              string    `json:"id"`
	ClientOrderID   string    `json:"client_order_id"`
	StrategyID      string    `json:"strategy_id,omitempty"`
	Symbol          string    `json:"symbol"`
	Side            string    `json:"side"`
	Type            string    `json:"type"`
	Quantity        int       `json:"quantity"`
	LimitPrice      float64   `json:"limit_price,omitempty"`
	TrailingPercent float64   `json:"trailing_percent,omitempty"`
	Status          string    `json:"status"`
	FilledPrice     float64   `json:"filled_price,omitempty"`
	FilledQuantity  int       `json:"filled_quantity,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	FilledAt        time.Time `json:"filled_at,omitempty"`
}

type Fill struct {
	OrderID     string    `json:"order_id"`
	Symbol      string    `json:"symbol"`
	Quantity    int       `json:"quantity"`
	Price       float64   `json:"price"`
	Side        string    `json:"side"`
	Timestamp   time.Time `json:"timestamp"`
	SlippageBps int       `json:"slippage_bps"`
}

type OutboxEntry struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
	Event time.Time       `json:"event"`
}

// Outbox is an append-only JSONL journal of orders and fills.
type Outbox struct {
	mu           sync.Mutex
	path         string
	dedupeWindow time.Duration
	now          func() time.Time
}

func New(path string, dedupeWindowSecs int) (*Outbox, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	return &Outbox{
		path:         path,
		dedupeWindow: time.Duration(dedupeWindowSecs) * time.Second,
		now:          func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetClock replaces the journal clock; replays run on historical time.
func (o *Outbox) SetClock(now func() time.Time) {
	o.mu.Lock()
	o.now = now
	o.mu.Unlock()
}

func (o *Outbox) WriteOrder(order Order) error {
	return o.appendEntry("order", order)
}

func (o *Outbox) WriteFill(fill Fill) error {
	return o.appendEntry("fill", fill)
}

func (o *Outbox) appendEntry(kind string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	data, err := json.Marshal(OutboxEntry{Type: kind, Data: raw, Event: o.now()})
	if err != nil {
		return err
	}

	f, err := os.OpenFile(o.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(append(data, '\n'))
	return err
}

// HasRecentOrder reports whether an order with the client order id was
// journaled within the dedupe window.
func (o *Outbox) HasRecentOrder(clientOrderID string) (bool, error) {
	o.mu.Lock()
	cutoff := o.now().Add(-o.dedupeWindow)
	o.mu.Unlock()
	found := false
	err := o.scan(func(entry OutboxEntry) {
		if found || entry.Type != "order" || entry.Event.Before(cutoff) {
			return
		}
		var order Order
		if err := json.Unmarshal(entry.Data, &order); err != nil {
			return
		}
		if order.ClientOrderID == clientOrderID {
			found = true
		}
	})
	return found, err
}

// Orders returns the latest record of every order submitted in [from, to],
// oldest first.
func (o *Outbox) Orders(from, to time.Time) ([]Order, error) {
	latest := make(map[string]Order)
	err := o.scan(func(entry OutboxEntry) {
		if entry.Type != "order" {
			return
		}
		var order Order
		if err := json.Unmarshal(entry.Data, &order); err != nil {
			return
		}
		latest[order.ID] = order
	})
	if err != nil {
		return nil, err
	}

	out := make([]Order, 0, len(latest))
	for _, order := range latest {
		if order.Timestamp.Before(from) || order.Timestamp.After(to) {
			continue
		}
		out = append(out, order)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// Order returns the latest record for id.
func (o *Outbox) Order(id string) (Order, bool, error) {
	var (
		order Order
		found bool
	)
	err := o.scan(func(entry OutboxEntry) {
		if entry.Type != "order" {
			return
		}
		var rec Order
		if err := json.Unmarshal(entry.Data, &rec); err != nil || rec.ID != id {
			return
		}
		order, found = rec, true
	})
	return order, found, err
}

// Fills returns every journaled fill for an order.
func (o *Outbox) Fills(orderID string) ([]Fill, error) {
	var fills []Fill
	err := o.scan(func(entry OutboxEntry) {
		if entry.Type != "fill" {
			return
		}
		var f Fill
		if err := json.Unmarshal(entry.Data, &f); err == nil && f.OrderID == orderID {
			fills = append(fills, f)
		}
	})
	return fills, err
}

func (o *Outbox) scan(fn func(OutboxEntry)) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	f, err := os.Open(o.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry OutboxEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		fn(entry)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read outbox: %w", err)
	}
	return nil
}
