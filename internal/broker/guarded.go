package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/Rajchodisetti/options-engine/internal/observ"
)

// GuardConfig bounds every broker call.
type GuardConfig struct {
	Name                   string        `yaml:"name" default:"broker"`
	RatePerSecond          float64       `yaml:"rate_per_second" default:"5" validate:"gt=0"`
	Burst                  int           `yaml:"burst" default:"5" validate:"gte=1"`
	CallTimeout            time.Duration `yaml:"call_timeout" default:"10s"`
	ReadRetries            int           `yaml:"read_retries" default:"3" validate:"gte=0"`
	RetryBackoff           time.Duration `yaml:"retry_backoff" default:"200ms"`
	MaxConsecutiveFailures uint32        `yaml:"max_consecutive_failures" default:"5" validate:"gte=1"`
	OpenTimeout            time.Duration `yaml:"open_timeout" default:"60s"`
}

// Guarded wraps a Broker with a rate limiter, a circuit breaker and a
// per-call timeout. Reads are retried with backoff; order submissions never are.
type Guarded struct {
	next    Broker
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	cfg     GuardConfig
}

func NewGuarded(next Broker, cfg GuardConfig) *Guarded {
	if cfg.Name == "" {
		cfg.Name = "broker"
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.MaxConsecutiveFailures == 0 {
		cfg.MaxConsecutiveFailures = 5
	}

	st := gobreaker.Settings{Name: cfg.Name}
	st.Interval = 60 * time.Second
	st.Timeout = cfg.OpenTimeout
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= cfg.MaxConsecutiveFailures
	}
	// business rejections are answers, not outages
	st.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, ErrRejected) || errors.Is(err, ErrOrderNotFound)
	}
	st.OnStateChange = func(name string, from, to gobreaker.State) {
		observ.IncCounter("broker_breaker_transitions_total", map[string]string{"to": to.String()})
		observ.Log("broker_breaker_state_changed", map[string]any{
			"level": "warn",
			"name":  name,
			"from":  from.String(),
			"to":    to.String(),
		})
		health := "healthy"
		if to != gobreaker.StateClosed {
			health = "degraded"
		}
		observ.SetComponentHealth(name, health)
	}

	return &Guarded{
		next:    next,
		cb:      gobreaker.NewCircuitBreaker(st),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		cfg:     cfg,
	}
}

// State reports the breaker state: closed, half-open or open.
func (g *Guarded) State() string { return g.cb.State().String() }

func call[T any](ctx context.Context, g *Guarded, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	start := time.Now()
	defer func() {
		observ.RecordDuration("broker_call_duration", time.Since(start), map[string]string{"op": op})
	}()

	if err := g.limiter.Wait(ctx); err != nil {
		observ.IncCounter("broker_errors_total", map[string]string{"op": op, "kind": "rate_limited"})
		return zero, fmt.Errorf("%s: %w: %v", op, ErrTimeout, err)
	}

	res, err := g.cb.Execute(func() (any, error) {
		cctx := ctx
		if g.cfg.CallTimeout > 0 {
			var cancel context.CancelFunc
			cctx, cancel = context.WithTimeout(ctx, g.cfg.CallTimeout)
			defer cancel()
		}
		v, err := fn(cctx)
		if err != nil && errors.Is(err, context.DeadlineExceeded) {
			return v, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return v, err
	})
	if err != nil {
		kind := "error"
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			kind = "unavailable"
			err = fmt.Errorf("%w: %v", ErrUnavailable, err)
		case errors.Is(err, ErrRejected):
			kind = "rejected"
		case errors.Is(err, ErrTimeout):
			kind = "timeout"
		}
		observ.IncCounter("broker_errors_total", map[string]string{"op": op, "kind": kind})
		return zero, fmt.Errorf("%s: %w", op, err)
	}
	v, _ := res.(T)
	return v, nil
}

// retryable reports whether a failed read is worth another attempt.
func retryable(err error) bool {
	return !errors.Is(err, ErrRejected) &&
		!errors.Is(err, ErrOrderNotFound) &&
		!errors.Is(err, ErrUnavailable) &&
		!errors.Is(err, context.Canceled)
}

func read[T any](ctx context.Context, g *Guarded, op string, fn func(context.Context) (T, error)) (T, error) {
	var (
		v   T
		err error
	)
	for attempt := 0; attempt <= g.cfg.ReadRetries; attempt++ {
		if attempt > 0 {
			backoff := g.cfg.RetryBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return v, fmt.Errorf("%s: %w: %v", op, ErrTimeout, ctx.Err())
			case <-time.After(backoff):
			}
			observ.IncCounter("broker_retries_total", map[string]string{"op": op})
		}
		v, err = call(ctx, g, op, fn)
		if err == nil || !retryable(err) {
			return v, err
		}
	}
	return v, err
}

func (g *Guarded) SubmitOrder(ctx context.Context, req OrderRequest) (Order, error) {
	return call(ctx, g, "submit_order", func(ctx context.Context) (Order, error) {
		return g.next.SubmitOrder(ctx, req)
	})
}

func (g *Guarded) SubmitTrailingStop(ctx context.Context, req OrderRequest) (Order, error) {
	return call(ctx, g, "submit_trailing_stop", func(ctx context.Context) (Order, error) {
		return g.next.SubmitTrailingStop(ctx, req)
	})
}

func (g *Guarded) CancelOrder(ctx context.Context, orderID string) error {
	_, err := call(ctx, g, "cancel_order", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.next.CancelOrder(ctx, orderID)
	})
	return err
}

func (g *Guarded) ReplaceOrder(ctx context.Context, orderID string, req ReplaceRequest) (Order, error) {
	return call(ctx, g, "replace_order", func(ctx context.Context) (Order, error) {
		return g.next.ReplaceOrder(ctx, orderID, req)
	})
}

func (g *Guarded) GetOrderHistory(ctx context.Context, from, to time.Time) ([]Order, error) {
	return read(ctx, g, "get_order_history", func(ctx context.Context) ([]Order, error) {
		return g.next.GetOrderHistory(ctx, from, to)
	})
}

func (g *Guarded) GetAccountBalance(ctx context.Context) (Balance, error) {
	return read(ctx, g, "get_account_balance", func(ctx context.Context) (Balance, error) {
		return g.next.GetAccountBalance(ctx)
	})
}
