package backend

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"

	"parking-ledger/internal/logging"
)

var ErrBackendUnavailable = errors.New("backend unavailable")

var (
	// CircuitBreakerState tracks breaker state (0=closed, 1=open, 2=half-open)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "backend_circuit_breaker_state",
			Help: "Backend circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"circuit_name"},
	)

	CircuitBreakerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_circuit_breaker_failures_total",
			Help: "Total number of calls that failed through the backend circuit breaker",
		},
		[]string{"circuit_name"},
	)
)

type breaker struct {
	cb   *gobreaker.CircuitBreaker
	name string
}

func newBreaker(name string, openFor time.Duration) *breaker {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    15 * time.Second,
		Timeout:     openFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		// Client errors are the backend answering, not the backend failing.
		IsSuccessful: func(err error) bool {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return apiErr.StatusCode < 500
			}
			return err == nil
		},
		OnStateChange: func(cbName string, from gobreaker.State, to gobreaker.State) {
			CircuitBreakerState.WithLabelValues(cbName).Set(stateValue(to))
			logging.Logger().Info().
				Str("circuit", cbName).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	})

	CircuitBreakerState.WithLabelValues(name).Set(0)

	return &breaker{cb: cb, name: name}
}

func (b *breaker) execute(fn func() (any, error)) (any, error) {
	result, err := b.cb.Execute(fn)
	if err == nil {
		return result, nil
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode >= 500 {
		CircuitBreakerFailures.WithLabelValues(b.name).Inc()
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: circuit %s: %v", ErrBackendUnavailable, b.name, err)
	}
	return nil, err
}

func (b *breaker) state() string {
	return b.cb.State().String()
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	}
	return 0
}
