// Package circuitbreaker guards calls to persistence backends and exporters.
package circuitbreaker

import (
	"context"
	"errors"

	"github.com/sony/gobreaker"

	"a2a/internal/config"
	apperrors "a2a/pkg/errors"
	"a2a/pkg/metrics"
)

type Wrapper struct {
	cb *gobreaker.CircuitBreaker
}

func NewWrapper(name string, cfg config.CircuitBreakerConfig) *Wrapper {
	minRequests := cfg.MinRequests
	if minRequests == 0 {
		minRequests = 3
	}
	ratio := cfg.FailureRatio
	if ratio <= 0 {
		ratio = 0.5
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < minRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= ratio
		},
		OnStateChange: func(name string, _, to gobreaker.State) {
			setState(name, to)
		},
		// Fatal errors describe the request, not the backend.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var appErr *apperrors.Error
			if errors.As(err, &appErr) {
				return appErr.IsFatal()
			}
			return false
		},
	}

	cb := gobreaker.NewCircuitBreaker(settings)
	setState(name, cb.State())
	return &Wrapper{cb: cb}
}

// Execute runs fn unless the breaker is open, in which case it fails fast with
// SERVICE_UNAVAILABLE.
func (w *Wrapper) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return apperrors.ErrTimeout.WithCause(err)
	}

	_, err := w.cb.Execute(func() (interface{}, error) {
		if err := ctx.Err(); err != nil {
			return nil, apperrors.ErrTimeout.WithCause(err)
		}
		return nil, fn()
	})
	w.record(err)

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return apperrors.ErrServiceUnavailable.WithCause(err).WithDetail("breaker", w.cb.Name())
	}
	return err
}

func (w *Wrapper) State() gobreaker.State {
	return w.cb.State()
}

func (w *Wrapper) Name() string {
	return w.cb.Name()
}

func (w *Wrapper) IsOpen() bool {
	return w.cb.State() == gobreaker.StateOpen
}

func (w *Wrapper) record(err error) {
	metrics.CircuitBreakerRequests.WithLabelValues(w.cb.Name(), w.cb.State().String()).Inc()
	if err != nil {
		metrics.CircuitBreakerFailures.WithLabelValues(w.cb.Name()).Inc()
	}
}

func setState(name string, state gobreaker.State) {
	var v float64
	switch state {
	case gobreaker.StateClosed:
		v = 0
	case gobreaker.StateHalfOpen:
		v = 1
	case gobreaker.StateOpen:
		v = 2
	}
	metrics.CircuitBreakerState.WithLabelValues(name).Set(v)
}
