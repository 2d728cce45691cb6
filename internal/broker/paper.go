package broker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Rajchodisetti/options-engine/internal/observ"
	"github.com/Rajchodisetti/options-engine/internal/options"
	"github.com/Rajchodisetti/options-engine/internal/outbox"
)

// PaperConfig configures the simulated broker.
type PaperConfig struct {
	JournalPath      string  `yaml:"journal_path" default:"data/paper_outbox.jsonl"`
	StartingCash     float64 `yaml:"starting_cash" default:"100000" validate:"gte=0"`
	SlippageBpsMin   int     `yaml:"slippage_bps_min" validate:"gte=0"`
	SlippageBpsMax   int     `yaml:"slippage_bps_max" validate:"gte=0"`
	Seed             int64   `yaml:"seed" default:"1"`
	DedupeWindowSecs int     `yaml:"dedupe_window_secs" default:"60"`
}

// PaperBroker fills marketable orders immediately against the quote provider
// and journals every order and fill through the outbox.
type PaperBroker struct {
	mu        sync.Mutex
	quotes    QuoteProvider
	journal   *outbox.Outbox
	filler    *outbox.FillSimulator
	fees      options.FeeModel
	cash      float64
	positions map[string]int
	now       func() time.Time
	fault     func(op string, req OrderRequest) error
}

func NewPaperBroker(cfg PaperConfig, quotes QuoteProvider) (*PaperBroker, error) {
	journal, err := outbox.New(cfg.JournalPath, cfg.DedupeWindowSecs)
	if err != nil {
		return nil, fmt.Errorf("open paper journal: %w", err)
	}
	return &PaperBroker{
		quotes:  quotes,
		journal: journal,
		filler:  outbox.NewFillSimulator(cfg.SlippageBpsMin, cfg.SlippageBpsMax, cfg.Seed),
		fees:      options.DefaultFeeModel(),
		cash:      cfg.StartingCash,
		positions: make(map[string]int),
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetClock drives the broker from replayed time.
func (p *PaperBroker) SetClock(now func() time.Time) {
	p.mu.Lock()
	p.now = now
	p.mu.Unlock()
	p.journal.SetClock(now)
}

// SetFault installs a hook consulted before every submit, cancel and
// replace; a non-nil error is returned as-is.
func (p *PaperBroker) SetFault(fn func(op string, req OrderRequest) error) {
	p.mu.Lock()
	p.fault = fn
	p.mu.Unlock()
}

func (p *PaperBroker) checkFault(op string, req OrderRequest) error {
	p.mu.Lock()
	fn := p.fault
	p.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(op, req)
}

func multiplierFor(symbol string) float64 {
	if _, _, _, _, err := options.ParseOCCSymbol(symbol); err == nil {
		return 100
	}
	return 1
}

func isOption(symbol string) bool { return multiplierFor(symbol) > 1 }

func (p *PaperBroker) SubmitOrder(ctx context.Context, req OrderRequest) (Order, error) {
	if err := p.checkFault("submit", req); err != nil {
		return Order{}, err
	}
	if req.Symbol == "" || req.Quantity <= 0 {
		return Order{}, fmt.Errorf("%w: symbol and positive quantity required", ErrRejected)
	}
	if req.Type == "" {
		req.Type = Market
	}
	if req.Type == TrailingStop {
		return p.SubmitTrailingStop(ctx, req)
	}
	if req.Type == Limit && req.LimitPrice <= 0 {
		return Order{}, fmt.Errorf("%w: limit order without price", ErrRejected)
	}
	if req.ClientOrderID != "" {
		dup, err := p.journal.HasRecentOrder(req.ClientOrderID)
		if err != nil {
			return Order{}, err
		}
		if dup {
			return Order{}, fmt.Errorf("%w: duplicate client order id %s", ErrRejected, req.ClientOrderID)
		}
	}

	q, err := p.quotes.GetLatestQuote(ctx, req.Symbol)
	if err != nil {
		return Order{}, fmt.Errorf("%w: quote for %s: %v", ErrRejected, req.Symbol, err)
	}
	marketPrice := 0.0
	if q != nil {
		if req.Side == Buy {
			marketPrice = q.Ask
		} else {
			marketPrice = q.Bid
		}
		if marketPrice <= 0 {
			marketPrice, _ = q.Price()
		}
	}
	if marketPrice <= 0 {
		return Order{}, fmt.Errorf("%w: no market for %s", ErrRejected, req.Symbol)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	order := Order{
		ID:            uuid.NewString(),
		ClientOrderID: req.ClientOrderID,
		StrategyID:    req.StrategyID,
		Symbol:        strings.ToUpper(req.Symbol),
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      req.Quantity,
		LimitPrice:    req.LimitPrice,
		Status:        StatusNew,
		SubmittedAt:   now,
	}

	marketable := req.Type == Market ||
		(req.Side == Buy && marketPrice <= req.LimitPrice) ||
		(req.Side == Sell && marketPrice >= req.LimitPrice)
	if !marketable {
		if err := p.journal.WriteOrder(toJournal(order)); err != nil {
			return Order{}, err
		}
		observ.IncCounter("paper_orders_total", map[string]string{"status": string(order.Status)})
		return order, nil
	}

	fill := p.filler.SimulateFill(toJournal(order), marketPrice, now)
	if req.Type == Limit {
		// never fill worse than the limit
		if req.Side == Buy && fill.Price > req.LimitPrice {
			fill.Price = req.LimitPrice
		}
		if req.Side == Sell && fill.Price < req.LimitPrice {
			fill.Price = req.LimitPrice
		}
	}
	notional := fill.Price * float64(fill.Quantity) * multiplierFor(order.Symbol)
	fee := 0.0
	if isOption(order.Symbol) {
		fee = p.fees.Fees(fill.Quantity).Total
	}
	if req.Side == Buy {
		if notional+fee > p.cash {
			order.Status = StatusRejected
			_ = p.journal.WriteOrder(toJournal(order))
			observ.IncCounter("paper_orders_total", map[string]string{"status": string(order.Status)})
			return order, fmt.Errorf("%w: insufficient buying power", ErrRejected)
		}
		p.cash -= notional + fee
		p.positions[order.Symbol] += fill.Quantity
	} else {
		p.cash += notional - fee
		p.positions[order.Symbol] -= fill.Quantity
	}
	if p.positions[order.Symbol] == 0 {
		delete(p.positions, order.Symbol)
	}

	order.Status = StatusFilled
	order.FilledPrice = fill.Price
	order.FilledQuantity = fill.Quantity
	order.FilledAt = now
	if err := p.journal.WriteOrder(toJournal(order)); err != nil {
		return Order{}, err
	}
	if err := p.journal.WriteFill(fill); err != nil {
		return Order{}, err
	}
	observ.IncCounter("paper_orders_total", map[string]string{"status": string(order.Status)})
	return order, nil
}

// SubmitTrailingStop rests a protective sell; paper trailing stops never
// trigger on their own.
func (p *PaperBroker) SubmitTrailingStop(ctx context.Context, req OrderRequest) (Order, error) {
	if err := p.checkFault("trailing_stop", req); err != nil {
		return Order{}, err
	}
	if req.Symbol == "" || req.Quantity <= 0 || req.TrailingPercent <= 0 {
		return Order{}, fmt.Errorf("%w: trailing stop needs symbol, quantity and percent", ErrRejected)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	side := req.Side
	if side == "" {
		side = Sell
	}
	order := Order{
		ID:              uuid.NewString(),
		ClientOrderID:   req.ClientOrderID,
		StrategyID:      req.StrategyID,
		Symbol:          strings.ToUpper(req.Symbol),
		Side:            side,
		Type:            TrailingStop,
		Quantity:        req.Quantity,
		TrailingPercent: req.TrailingPercent,
		Status:          StatusNew,
		SubmittedAt:     p.now(),
	}
	if err := p.journal.WriteOrder(toJournal(order)); err != nil {
		return Order{}, err
	}
	return order, nil
}

func (p *PaperBroker) CancelOrder(ctx context.Context, orderID string) error {
	if err := p.checkFault("cancel", OrderRequest{ClientOrderID: orderID}); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok, err := p.journal.Order(orderID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if OrderStatus(rec.Status) != StatusNew {
		return fmt.Errorf("%w: order %s is %s", ErrRejected, orderID, rec.Status)
	}
	rec.Status = string(StatusCancelled)
	return p.journal.WriteOrder(rec)
}

func (p *PaperBroker) ReplaceOrder(ctx context.Context, orderID string, req ReplaceRequest) (Order, error) {
	if err := p.checkFault("replace", OrderRequest{ClientOrderID: orderID}); err != nil {
		return Order{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok, err := p.journal.Order(orderID)
	if err != nil {
		return Order{}, err
	}
	if !ok {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if OrderStatus(rec.Status) != StatusNew {
		return Order{}, fmt.Errorf("%w: order %s is %s", ErrRejected, orderID, rec.Status)
	}
	if req.Quantity > 0 {
		rec.Quantity = req.Quantity
	}
	if req.LimitPrice > 0 {
		rec.LimitPrice = req.LimitPrice
	}
	if req.TrailingPercent > 0 {
		rec.TrailingPercent = req.TrailingPercent
	}
	if err := p.journal.WriteOrder(rec); err != nil {
		return Order{}, err
	}
	return fromJournal(rec), nil
}

func (p *PaperBroker) GetOrderHistory(ctx context.Context, from, to time.Time) ([]Order, error) {
	recs, err := p.journal.Orders(from, to)
	if err != nil {
		return nil, err
	}
	out := make([]Order, len(recs))
	for i, r := range recs {
		out[i] = fromJournal(r)
	}
	return out, nil
}

// GetAccountBalance marks every open position at the latest quote. A
// position that cannot be priced counts at zero.
func (p *PaperBroker) GetAccountBalance(ctx context.Context) (Balance, error) {
	p.mu.Lock()
	bal := Balance{Currency: "USD", Cash: p.cash, BuyingPower: p.cash}
	held := make(map[string]int, len(p.positions))
	for sym, qty := range p.positions {
		held[sym] = qty
	}
	p.mu.Unlock()

	syms := make([]string, 0, len(held))
	for sym := range held {
		syms = append(syms, sym)
	}
	sort.Strings(syms)

	bal.NetAssets = bal.Cash
	for _, sym := range syms {
		pos := Position{Symbol: sym, Quantity: held[sym], Multiplier: multiplierFor(sym)}
		q, err := p.quotes.GetLatestQuote(ctx, sym)
		if err != nil {
			observ.Log("paper_position_unmarked", map[string]any{"level": "warn", "symbol": sym, "error": err.Error()})
		} else if q != nil {
			pos.MarketPrice, _ = q.Price()
		}
		pos.MarketValue = pos.MarketPrice * float64(pos.Quantity) * pos.Multiplier
		bal.NetAssets += pos.MarketValue
		bal.Positions = append(bal.Positions, pos)
	}
	return bal, nil
}

func toJournal(o Order) outbox.Order {
	return outbox.Order{
		ID:              o.ID,
		ClientOrderID:   o.ClientOrderID,
		StrategyID:      o.StrategyID,
		Symbol:          o.Symbol,
		Side:            string(o.Side),
		Type:            string(o.Type),
		Quantity:        o.Quantity,
		LimitPrice:      o.LimitPrice,
		TrailingPercent: o.TrailingPercent,
		Status:          string(o.Status),
		FilledPrice:     o.FilledPrice,
		FilledQuantity:  o.FilledQuantity,
		Timestamp:       o.SubmittedAt,
		FilledAt:        o.FilledAt,
	}
}

func fromJournal(r outbox.Order) Order {
	return Order{
		ID:              r.ID,
		ClientOrderID:   r.ClientOrderID,
		StrategyID:      r.StrategyID,
		Symbol:          r.Symbol,
		Side:            Side(r.Side),
		Type:            OrderType(r.Type),
		Quantity:        r.Quantity,
		LimitPrice:      r.LimitPrice,
		TrailingPercent: r.TrailingPercent,
		Status:          OrderStatus(r.Status),
		FilledPrice:     r.FilledPrice,
		FilledQuantity:  r.FilledQuantity,
		SubmittedAt:     r.Timestamp,
		FilledAt:        r.FilledAt,
	}
}
