package proof

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ReliabilityOptions — лимиты обертки. Нулевые поля заменяются значениями по умолчанию.
type ReliabilityOptions struct {
	RatePerSecond float64
	Burst         int
	Attempts      uint
	CallTimeout   time.Duration
	// MaxFailures подряд открывают предохранитель
	MaxFailures   uint32
	OpenTimeout   time.Duration
	OnStateChange func(name string, from, to gobreaker.State)
}

func (o *ReliabilityOptions) withDefaults() {
	if o.RatePerSecond <= 0 {
		o.RatePerSecond = 100
	}
	if o.Burst <= 0 {
		o.Burst = 20
	}
	if o.Attempts == 0 {
		o.Attempts = 3
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 10 * time.Second
	}
	if o.MaxFailures == 0 {
		o.MaxFailures = 5
	}
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = 30 * time.Second
	}
}

// ReliabilityWrapper — повторы, предохранитель и лимитер на стороне вызывающего.
type ReliabilityWrapper struct {
	next    Provider
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	opts    ReliabilityOptions
}

func NewReliabilityWrapper(next Provider, opts ReliabilityOptions) *ReliabilityWrapper {
	opts.withDefaults()

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "proof-service",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     opts.OpenTimeout, // Через это время CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.MaxFailures
		},
		OnStateChange: opts.OnStateChange,
	})

	return &ReliabilityWrapper{
		next:    next,
		cb:      cb,
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.Burst),
		opts:    opts,
	}
}

func (w *ReliabilityWrapper) Attest(ctx context.Context, record map[string]any) (string, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit exceeded: %w", err)
	}

	result, err := w.cb.Execute(func() (interface{}, error) {
		var proof string
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(w.opts.Attempts),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				// Сервис сам сказал, сколько ждать
				var tErr *ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}
				return retry.BackOffDelay(n, err, config)
			}),
		)

		retryErr := r.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, w.opts.CallTimeout)
			defer cancel()

			var callErr error
			proof, callErr = w.next.Attest(tCtx, record)
			return callErr
		})
		return proof, retryErr
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// State — текущее состояние предохранителя (для метрик).
func (w *ReliabilityWrapper) State() gobreaker.State {
	return w.cb.State()
}
