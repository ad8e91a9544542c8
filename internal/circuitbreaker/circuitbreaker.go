package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kjstillabower/forecast-service/internal/apperror"
)

// State represents the circuit breaker state.
const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// State is the circuit breaker state (Closed, Open, HalfOpen).
type State int

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker parameters. Zero values take the defaults noted per field.
type Config struct {
	WindowSize           int           // outcomes kept in the sliding window (10)
	MinimumCalls         int           // outcomes required before the ratio is evaluated (5)
	FailureRateThreshold float64       // percent of failures that opens the circuit (50)
	OpenTimeout          time.Duration // time spent open before trial calls are allowed (60s)
	HalfOpenMaxCalls     int           // trial calls admitted while half-open (3)
	Component            string

	// IsFailure decides whether an error counts against the dependency. Errors it
	// rejects are recorded as successes. Default: every non-nil error is a failure.
	IsFailure func(error) bool
	// IsIgnored marks outcomes that say nothing about the dependency (caller gave up).
	// They are not recorded. Default: errors.Is(err, context.Canceled).
	IsIgnored func(error) bool

	OnStateChange func(from, to State) // optional, for metrics
	Now           func() time.Time     // optional, for tests
}

// CircuitBreaker protects an upstream dependency with a count-based sliding window.
// It opens once the failure ratio over the last WindowSize calls reaches the threshold,
// waits OpenTimeout, then admits a bounded number of trial calls.
type CircuitBreaker struct {
	mu    sync.Mutex
	cfg   Config
	state State

	// generation changes on every transition; outcomes from calls admitted under an
	// older generation are dropped.
	generation uint64

	outcomes []bool // ring buffer, true = failure
	next     int
	recorded int
	failures int

	openedAt time.Time

	trialsAdmitted  int
	trialsSucceeded int
}

type transition struct{ from, to State }

// New creates a new CircuitBreaker with the given config.
func New(cfg Config) *CircuitBreaker {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 10
	}
	if cfg.MinimumCalls <= 0 {
		cfg.MinimumCalls = 5
	}
	if cfg.MinimumCalls > cfg.WindowSize {
		cfg.MinimumCalls = cfg.WindowSize
	}
	if cfg.FailureRateThreshold <= 0 || cfg.FailureRateThreshold > 100 {
		cfg.FailureRateThreshold = 50
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 60 * time.Second
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 3
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return err != nil }
	}
	if cfg.IsIgnored == nil {
		cfg.IsIgnored = func(err error) bool { return errors.Is(err, context.Canceled) }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{
		cfg:      cfg,
		state:    StateClosed,
		outcomes: make([]bool, cfg.WindowSize),
	}
}

// Component returns the dependency name this breaker guards.
func (cb *CircuitBreaker) Component() string {
	return cb.cfg.Component
}

// Call runs fn when the circuit allows it. While open, or half-open with every trial
// slot taken, it returns *apperror.CircuitOpenError without invoking fn. Otherwise fn's
// error is returned unchanged after its outcome is recorded.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func() error) error {
	gen, halfOpen, err := cb.acquire()
	if err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		cb.release(gen, halfOpen)
		return err
	}
	callErr := fn()
	cb.record(gen, halfOpen, callErr)
	return callErr
}

// State returns the current state, applying a due Open -> HalfOpen transition first.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	var ts []transition
	cb.advanceLocked(&ts)
	s := cb.state
	cb.mu.Unlock()
	cb.notify(ts)
	return s
}

func (cb *CircuitBreaker) acquire() (gen uint64, halfOpen bool, err error) {
	cb.mu.Lock()
	var ts []transition
	cb.advanceLocked(&ts)
	switch cb.state {
	case StateOpen:
		err = &apperror.CircuitOpenError{Component: cb.cfg.Component}
	case StateHalfOpen:
		if cb.trialsAdmitted >= cb.cfg.HalfOpenMaxCalls {
			err = &apperror.CircuitOpenError{Component: cb.cfg.Component}
		} else {
			cb.trialsAdmitted++
			halfOpen = true
		}
	}
	gen = cb.generation
	cb.mu.Unlock()
	cb.notify(ts)
	return gen, halfOpen, err
}

// release frees a half-open trial slot without recording an outcome.
func (cb *CircuitBreaker) release(gen uint64, halfOpen bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if halfOpen && gen == cb.generation && cb.trialsAdmitted > 0 {
		cb.trialsAdmitted--
	}
}

func (cb *CircuitBreaker) record(gen uint64, halfOpen bool, callErr error) {
	if callErr != nil && cb.cfg.IsIgnored(callErr) {
		cb.release(gen, halfOpen)
		return
	}
	failed := callErr != nil && cb.cfg.IsFailure(callErr)

	cb.mu.Lock()
	var ts []transition
	if gen != cb.generation {
		cb.mu.Unlock()
		return
	}
	switch cb.state {
	case StateHalfOpen:
		if failed {
			cb.toLocked(StateOpen, &ts)
			break
		}
		cb.trialsSucceeded++
		if cb.trialsSucceeded >= cb.cfg.HalfOpenMaxCalls {
			cb.toLocked(StateClosed, &ts)
		}
	case StateClosed:
		cb.pushLocked(failed)
		if cb.recorded >= cb.cfg.MinimumCalls &&
			float64(cb.failures)*100 >= cb.cfg.FailureRateThreshold*float64(cb.recorded) {
			cb.toLocked(StateOpen, &ts)
		}
	}
	cb.mu.Unlock()
	cb.notify(ts)
}

func (cb *CircuitBreaker) pushLocked(failed bool) {
	if cb.recorded == len(cb.outcomes) {
		if cb.outcomes[cb.next] {
			cb.failures--
		}
	} else {
		cb.recorded++
	}
	cb.outcomes[cb.next] = failed
	if failed {
		cb.failures++
	}
	cb.next = (cb.next + 1) % len(cb.outcomes)
}

func (cb *CircuitBreaker) advanceLocked(ts *[]transition) {
	if cb.state == StateOpen && !cb.cfg.Now().Before(cb.openedAt.Add(cb.cfg.OpenTimeout)) {
		cb.toLocked(StateHalfOpen, ts)
	}
}

func (cb *CircuitBreaker) toLocked(to State, ts *[]transition) {
	from := cb.state
	cb.state = to
	cb.generation++
	cb.trialsAdmitted = 0
	cb.trialsSucceeded = 0
	switch to {
	case StateOpen:
		cb.openedAt = cb.cfg.Now()
	case StateClosed:
		for i := range cb.outcomes {
			cb.outcomes[i] = false
		}
		cb.next, cb.recorded, cb.failures = 0, 0, 0
	}
	*ts = append(*ts, transition{from: from, to: to})
}

func (cb *CircuitBreaker) notify(ts []transition) {
	if cb.cfg.OnStateChange == nil {
		return
	}
	for _, t := range ts {
		cb.cfg.OnStateChange(t.from, t.to)
	}
}
