// Package resilience provides circuit breaker and retry patterns for calls to
// external sources, and the error taxonomy that decides how a failed delivery
// is retried.
package resilience

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/reconciler/internal/model"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed is the normal operating state. Requests flow through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means too many failures. Requests are rejected immediately.
	CircuitOpen
	// CircuitHalfOpen allows a single probe request to test recovery.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ParseCircuitState is the inverse of String. Unknown values map to closed.
func ParseCircuitState(s string) CircuitState {
	switch s {
	case "open":
		return CircuitOpen
	case "half_open":
		return CircuitHalfOpen
	default:
		return CircuitClosed
	}
}

// ErrCircuitOpen is returned when a call is rejected because the circuit is open.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// CircuitBreakerConfig controls circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures within
	// FailureWindow before opening the circuit. Default: 4.
	FailureThreshold int

	// FailureWindow bounds how far apart the first and last failure of a
	// streak may be. A failure arriving after the window restarts the count.
	// Zero disables the window. Default: 1m.
	FailureWindow time.Duration

	// ResetTimeout is how long the circuit stays open before a probe is
	// allowed. Default: 30s.
	ResetTimeout time.Duration

	// ShouldTrip optionally overrides the default check. If nil, only errors
	// that pass IsTransient count toward the failure threshold.
	ShouldTrip func(err error) bool

	// OnStateChange is called, with the breaker lock held, when the circuit
	// transitions between states.
	OnStateChange func(from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 4,
		FailureWindow:    time.Minute,
		ResetTimeout:     30 * time.Second,
	}
}

// CircuitBreaker implements the circuit breaker pattern for a single source.
type CircuitBreaker struct {
	name  string
	cfg   CircuitBreakerConfig
	mu    sync.Mutex
	state CircuitState

	consecutiveFailures int
	streakStart         time.Time
	openedAt            time.Time
	probeInFlight       bool
	updatedAt           time.Time

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewCircuitBreaker creates a circuit breaker with the given config.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	return newNamedBreaker("", cfg)
}

func newNamedBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 4
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.ShouldTrip == nil {
		cfg.ShouldTrip = IsTransient
	}
	return &CircuitBreaker{
		name:    name,
		cfg:     cfg,
		state:   CircuitClosed,
		nowFunc: time.Now,
	}
}

// Name returns the breaker's registry name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs fn through the circuit breaker. Returns ErrCircuitOpen without
// calling fn if the circuit is open, or if it is half-open and the probe is
// already in flight.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	probe, err := cb.allowRequest()
	if err != nil {
		return err
	}

	err = fn(ctx)
	cb.recordResult(probe, err)
	return err
}

// ExecuteVal is like Execute but preserves a return value.
func ExecuteVal[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	probe, err := cb.allowRequest()
	if err != nil {
		return zero, err
	}

	val, err := fn(ctx)
	cb.recordResult(probe, err)
	return val, err
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && cb.cooledDown() {
		return CircuitHalfOpen
	}
	return cb.state
}

// Reset forces the circuit back to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures = 0
	cb.probeInFlight = false
	if cb.state != CircuitClosed {
		cb.transition(CircuitClosed)
	}
}

// Counters returns the current failure count and state for observability.
func (cb *CircuitBreaker) Counters() (consecutiveFailures int, state CircuitState) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutiveFailures, cb.state
}

// Snapshot returns the persistable form of the breaker.
func (cb *CircuitBreaker) Snapshot() model.CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.snapshotLocked()
}

func (cb *CircuitBreaker) snapshotLocked() model.CircuitBreakerState {
	s := model.CircuitBreakerState{
		Name:                cb.name,
		State:               cb.state.String(),
		ConsecutiveFailures: cb.consecutiveFailures,
		UpdatedAt:           cb.updatedAt,
	}
	if cb.state != CircuitClosed {
		opened := cb.openedAt
		probe := opened.Add(cb.cfg.ResetTimeout)
		s.OpenedAt = &opened
		s.NextProbeAt = &probe
	}
	return s
}

// Restore loads a persisted snapshot, typically at process start, so a
// restart does not forget that a source is unhealthy. A half-open snapshot is
// restored as open: the probe that was in flight died with the process.
func (cb *CircuitBreaker) Restore(s model.CircuitBreakerState) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = ParseCircuitState(s.State)
	if cb.state == CircuitHalfOpen {
		cb.state = CircuitOpen
	}
	cb.consecutiveFailures = s.ConsecutiveFailures
	cb.probeInFlight = false
	cb.updatedAt = s.UpdatedAt
	if s.OpenedAt != nil {
		cb.openedAt = *s.OpenedAt
	}
}

func (cb *CircuitBreaker) cooledDown() bool {
	return cb.nowFunc().Sub(cb.openedAt) >= cb.cfg.ResetTimeout
}

// allowRequest reports whether the call may proceed and whether it is the
// half-open probe.
func (cb *CircuitBreaker) allowRequest() (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if !cb.cooledDown() {
			return false, ErrCircuitOpen
		}
		cb.transition(CircuitHalfOpen)
		cb.probeInFlight = true
		return true, nil
	case CircuitHalfOpen:
		if cb.probeInFlight {
			return false, ErrCircuitOpen
		}
		cb.probeInFlight = true
		return true, nil
	default:
		return false, nil
	}
}

func (cb *CircuitBreaker) recordResult(probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if probe {
		cb.probeInFlight = false
	}

	now := cb.nowFunc()
	if err == nil || !cb.cfg.ShouldTrip(err) {
		if cb.state == CircuitHalfOpen && probe {
			cb.consecutiveFailures = 0
			cb.transition(CircuitClosed)
			return
		}
		if cb.state == CircuitClosed {
			cb.consecutiveFailures = 0
		}
		return
	}

	if cb.cfg.FailureWindow > 0 && cb.consecutiveFailures > 0 && now.Sub(cb.streakStart) > cb.cfg.FailureWindow {
		cb.consecutiveFailures = 0
	}
	if cb.consecutiveFailures == 0 {
		cb.streakStart = now
	}
	cb.consecutiveFailures++

	switch cb.state {
	case CircuitClosed:
		if cb.consecutiveFailures >= cb.cfg.FailureThreshold {
			cb.openedAt = now
			cb.transition(CircuitOpen)
		}
	case CircuitHalfOpen:
		if probe {
			cb.openedAt = now
			cb.transition(CircuitOpen)
		}
	}
}

func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	cb.state = to
	cb.updatedAt = cb.nowFunc()
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(from, to)
	}
}

// ServiceBreakers manages circuit breakers for multiple sources or
// source endpoints.
type ServiceBreakers struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	cfg      CircuitBreakerConfig

	// OnChange receives a snapshot whenever any breaker changes state. It is
	// called with that breaker's lock held and must not call back into it.
	OnChange func(model.CircuitBreakerState)
}

// NewServiceBreakers creates a registry of per-source circuit breakers.
func NewServiceBreakers(cfg CircuitBreakerConfig) *ServiceBreakers {
	return &ServiceBreakers{
		breakers: make(map[string]*CircuitBreaker),
		cfg:      cfg,
	}
}

// Get returns the circuit breaker for the named source, creating one if needed.
func (sb *ServiceBreakers) Get(name string) *CircuitBreaker {
	sb.mu.RLock()
	cb, ok := sb.breakers[name]
	sb.mu.RUnlock()
	if ok {
		return cb
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()
	// Double-check after acquiring write lock.
	if cb, ok = sb.breakers[name]; ok {
		return cb
	}
	cfg := sb.cfg
	userHook := cfg.OnStateChange
	cfg.OnStateChange = func(from, to CircuitState) {
		if userHook != nil {
			userHook(from, to)
		}
		if sb.OnChange != nil {
			sb.OnChange(cb.snapshotLocked())
		}
	}
	cb = newNamedBreaker(name, cfg)
	sb.breakers[name] = cb
	return cb
}

// Restore seeds breakers from persisted snapshots.
func (sb *ServiceBreakers) Restore(states []model.CircuitBreakerState) {
	for _, s := range states {
		sb.Get(s.Name).Restore(s)
	}
}

// States returns a snapshot of all circuit breaker states.
func (sb *ServiceBreakers) States() map[string]CircuitState {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	states := make(map[string]CircuitState, len(sb.breakers))
	for name, cb := range sb.breakers {
		states[name] = cb.State()
	}
	return states
}

// Snapshots returns persistable snapshots of every breaker, sorted by name.
func (sb *ServiceBreakers) Snapshots() []model.CircuitBreakerState {
	sb.mu.RLock()
	list := make([]*CircuitBreaker, 0, len(sb.breakers))
	for _, cb := range sb.breakers {
		list = append(list, cb)
	}
	sb.mu.RUnlock()

	out := make([]model.CircuitBreakerState, 0, len(list))
	for _, cb := range list {
		out = append(out, cb.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
