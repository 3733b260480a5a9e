package gateway

import (
	"sync"
	"time"
)

// Circuit breaker defaults.
const (
	cbErrorThreshold  = 5
	cbTimeWindow      = 60 * time.Second
	cbHalfOpenTimeout = 30 * time.Second
)

// cbState represents the operational state of a per-provider circuit breaker.
//
//	cbClosed   — normal operation; all requests pass through.
//	cbOpen     — provider is failing; requests are rejected immediately.
//	cbHalfOpen — recovery probe; one request is allowed through.
type cbState int

const (
	cbClosed   cbState = 0
	cbOpen     cbState = 1
	cbHalfOpen cbState = 2
)

// CBConfig holds circuit breaker tuning parameters. Zero values fall back to
// the package defaults.
type CBConfig struct {
	// ErrorThreshold is the number of failures within TimeWindow that trips
	// the breaker.
	ErrorThreshold int

	// TimeWindow is the rolling window for counting errors.
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single probe request.
	HalfOpenTimeout time.Duration
}

func (c *CBConfig) errorThreshold() int {
	if c.ErrorThreshold > 0 {
		return c.ErrorThreshold
	}
	return cbErrorThreshold
}

func (c *CBConfig) timeWindow() time.Duration {
	if c.TimeWindow > 0 {
		return c.TimeWindow
	}
	return cbTimeWindow
}

func (c *CBConfig) halfOpenTimeout() time.Duration {
	if c.HalfOpenTimeout > 0 {
		return c.HalfOpenTimeout
	}
	return cbHalfOpenTimeout
}

// providerCB holds per-provider circuit breaker state.
type providerCB struct {
	mu sync.Mutex

	state         cbState
	errorCount    int
	windowStart   time.Time // start of the current error-counting window
	openedAt      time.Time // when the breaker was tripped (for half-open timer)
	probeInflight bool      // true while a half-open probe is in flight
}

// CircuitBreaker manages independent circuit breakers per provider. The
// provider set comes from the catalog at runtime, so breakers are created
// lazily on first use. Safe for concurrent use.
type CircuitBreaker struct {
	mu       sync.RWMutex
	breakers map[string]*providerCB
	cfg      CBConfig
}

// NewCircuitBreaker creates a CircuitBreaker. Zero-valued cfg fields use the
// package defaults.
func NewCircuitBreaker(cfg CBConfig) *CircuitBreaker {
	return &CircuitBreaker{
		breakers: make(map[string]*providerCB),
		cfg:      cfg,
	}
}

// Allow reports whether the named provider should receive the next request.
//
//   - Closed  → always true.
//   - Open    → false, unless the half-open timeout has elapsed, in which case
//     the breaker transitions to HalfOpen and allows one probe.
//   - HalfOpen → true only if no probe is currently in flight.
func (cb *CircuitBreaker) Allow(provider string) bool {
	pcb := cb.get(provider)

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	switch pcb.state {
	case cbClosed:
		return true

	case cbOpen:
		if time.Since(pcb.openedAt) >= cb.cfg.halfOpenTimeout() {
			// Transition to half-open: allow exactly one probe request.
			pcb.state = cbHalfOpen
			pcb.probeInflight = true
			return true
		}
		return false

	case cbHalfOpen:
		if pcb.probeInflight {
			return false
		}
		pcb.probeInflight = true
		return true
	}

	return true
}

// RecordSuccess marks a successful response for provider and resets the
// breaker to Closed regardless of its previous state.
func (cb *CircuitBreaker) RecordSuccess(provider string) {
	pcb := cb.get(provider)

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	pcb.state = cbClosed
	pcb.errorCount = 0
	pcb.probeInflight = false
	pcb.windowStart = time.Now()
}

// RecordFailure increments the error counter for provider. When the counter
// reaches ErrorThreshold within TimeWindow the breaker opens.
func (cb *CircuitBreaker) RecordFailure(provider string) {
	pcb := cb.get(provider)

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	now := time.Now()

	// Reset counter when the rolling window has expired.
	if now.Sub(pcb.windowStart) > cb.cfg.timeWindow() {
		pcb.errorCount = 0
		pcb.windowStart = now
	}

	pcb.errorCount++
	pcb.probeInflight = false

	if pcb.errorCount >= cb.cfg.errorThreshold() {
		pcb.state = cbOpen
		pcb.openedAt = now
	}
}

// State returns the current cbState for provider (useful for metrics export).
func (cb *CircuitBreaker) State(provider string) cbState {
	pcb := cb.get(provider)
	pcb.mu.Lock()
	defer pcb.mu.Unlock()
	return pcb.state
}

// StateLabel returns a human-readable state name: "closed", "open", or "half_open".
func (cb *CircuitBreaker) StateLabel(provider string) string {
	switch cb.State(provider) {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func (cb *CircuitBreaker) get(provider string) *providerCB {
	cb.mu.RLock()
	pcb, ok := cb.breakers[provider]
	cb.mu.RUnlock()
	if ok {
		return pcb
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if pcb, ok = cb.breakers[provider]; ok {
		return pcb
	}
	pcb = &providerCB{state: cbClosed, windowStart: time.Now()}
	cb.breakers[provider] = pcb
	return pcb
}
