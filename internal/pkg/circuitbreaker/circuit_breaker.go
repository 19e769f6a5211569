package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"karmaguard/internal/pkg/logger"
	"karmaguard/internal/pkg/metrics"
)

var (
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

type State string

const (
	Closed   State = "closed"
	HalfOpen State = "half-open"
	Open     State = "open"
)

var stateGauge = map[State]float64{Closed: 0, HalfOpen: 1, Open: 2}

// Guards calls to an external collaborator. After failureThreshold consecutive
// failures the breaker opens and rejects calls until resetTimeout has passed,
// then lets a single probe through.
type CircuitBreaker struct {
	mutex            sync.Mutex
	failureCount     int
	lastFailure      time.Time
	resetTimeout     time.Duration
	failureThreshold int
	serviceName      string
	state            State
	probing          bool
	now              func() time.Time
}

func NewCircuitBreaker(serviceName string, failureThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 1
	}
	cb := &CircuitBreaker{
		serviceName:      serviceName,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		state:            Closed,
		now:              time.Now,
	}
	metrics.CircuitBreakerState.WithLabelValues(serviceName).Set(0)
	return cb
}

// Runs fn unless the circuit is open. Errors for which ignore returns true
// (e.g. a 4xx from the platform) are passed through without counting as failures.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	return cb.ExecuteIgnoring(fn, nil)
}

func (cb *CircuitBreaker) ExecuteIgnoring(fn func() error, ignore func(error) bool) error {
	cb.mutex.Lock()
	switch cb.state {
	case Open:
		if cb.now().Sub(cb.lastFailure) <= cb.resetTimeout {
			cb.mutex.Unlock()
			return ErrCircuitOpen
		}
		cb.setState(HalfOpen)
		cb.probing = true
		logger.Log.Info("Circuit half-open, allowing test request",
			zap.String("service", cb.serviceName))
	case HalfOpen:
		// only one probe in flight
		if cb.probing {
			cb.mutex.Unlock()
			return ErrCircuitOpen
		}
		cb.probing = true
	}
	cb.mutex.Unlock()

	err := fn()

	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	cb.probing = false

	if err != nil && (ignore == nil || !ignore(err)) {
		cb.failureCount++
		cb.lastFailure = cb.now()

		if cb.state == HalfOpen || cb.failureCount >= cb.failureThreshold {
			cb.setState(Open)
			logger.Log.Warn("Circuit opened due to failures",
				zap.String("service", cb.serviceName),
				zap.Int("failures", cb.failureCount),
				zap.Time("until", cb.lastFailure.Add(cb.resetTimeout)))
		}
		return err
	}

	if cb.state == HalfOpen {
		logger.Log.Info("Circuit closed after successful test",
			zap.String("service", cb.serviceName))
	}
	cb.setState(Closed)
	cb.failureCount = 0
	return err
}

func (cb *CircuitBreaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

// caller holds cb.mutex
func (cb *CircuitBreaker) setState(state State) {
	cb.state = state
	metrics.CircuitBreakerState.WithLabelValues(cb.serviceName).Set(stateGauge[state])
}
