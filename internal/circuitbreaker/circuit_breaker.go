package circuitbreaker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/amtsauskunft/orchestrator/internal/metrics"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

var (
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrTooManyRequests    = errors.New("too many requests in half-open state")
)

// Config defines circuit breaker parameters.
type Config struct {
	FailureThreshold int           // consecutive failures to trip open
	SuccessThreshold int           // successes in half-open to close
	MaxRequests      int           // concurrent probes allowed in half-open
	Timeout          time.Duration // open -> half-open delay
}

// DefaultConfig returns conservative defaults for outbound store/LLM calls.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		MaxRequests:      1,
		Timeout:          30 * time.Second,
	}
}

// CircuitBreaker guards an outbound dependency. All methods are
// goroutine-safe.
type CircuitBreaker struct {
	name   string
	config Config
	logger *zap.Logger

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	inFlight    int
	openedAt    time.Time
}

// New creates a circuit breaker with the given name for metric labels.
func New(name string, config Config, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := &CircuitBreaker{name: name, config: config, logger: logger}
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)
	return cb
}

// Execute runs fn under the breaker.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}
	err := fn()
	cb.afterRequest(err == nil && ctx.Err() == nil)
	return err
}

// State returns the current state, applying the open->half-open timeout.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpenLocked()
	return cb.state
}

// IsOpen reports whether new requests are currently rejected.
func (cb *CircuitBreaker) IsOpen() bool {
	return cb.State() == StateOpen
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpenLocked()

	switch cb.state {
	case StateOpen:
		return ErrCircuitBreakerOpen
	case StateHalfOpen:
		if cb.inFlight >= cb.config.MaxRequests {
			return ErrTooManyRequests
		}
	}
	cb.inFlight++
	return nil
}

func (cb *CircuitBreaker) afterRequest(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.inFlight--

	if success {
		cb.failures = 0
		if cb.state == StateHalfOpen {
			cb.successes++
			if cb.successes >= cb.config.SuccessThreshold {
				cb.transitionLocked(StateClosed)
			}
		}
		return
	}

	cb.failures++
	if cb.state == StateHalfOpen || cb.failures >= cb.config.FailureThreshold {
		cb.transitionLocked(StateOpen)
		cb.openedAt = time.Now()
	}
}

func (cb *CircuitBreaker) maybeHalfOpenLocked() {
	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.config.Timeout {
		cb.transitionLocked(StateHalfOpen)
	}
}

func (cb *CircuitBreaker) transitionLocked(to State) {
	if cb.state == to {
		return
	}
	cb.logger.Info("Circuit breaker state change",
		zap.String("name", cb.name),
		zap.String("from", cb.state.String()),
		zap.String("to", to.String()),
	)
	cb.state = to
	cb.successes = 0
	if to == StateClosed {
		cb.failures = 0
	}
	metrics.CircuitBreakerState.WithLabelValues(cb.name).Set(stateGauge(to))
}

func stateGauge(s State) float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}

// HTTPWrapper wraps an *http.Client with a circuit breaker. Transport-level
// errors and 5xx responses count as failures; 4xx responses do not (they
// are decoded application errors and must not trip the breaker).
type HTTPWrapper struct {
	client  *http.Client
	breaker *CircuitBreaker
}

// NewHTTPWrapper builds a wrapper around client.
func NewHTTPWrapper(client *http.Client, name string, logger *zap.Logger) *HTTPWrapper {
	return &HTTPWrapper{
		client:  client,
		breaker: New(name, DefaultConfig(), logger),
	}
}

// Do executes the request under the breaker.
func (w *HTTPWrapper) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := w.breaker.Execute(req.Context(), func() error {
		var err error
		resp, err = w.client.Do(req)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			return errors.New(resp.Status)
		}
		return nil
	})
	if err != nil && resp != nil && resp.StatusCode >= 500 {
		// Hand the 5xx response back to the caller for error decoding.
		return resp, nil
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// IsOpen exposes the breaker state for health reporting.
func (w *HTTPWrapper) IsOpen() bool { return w.breaker.IsOpen() }
