// Package circuit implements a per-provider circuit breaker for outbound
// HTTP calls: consecutive-failure tripping, timed half-open recovery probes,
// and a single-flight gate so a recovering provider is only probed by one
// caller at a time instead of every goroutine racing into it at once.
package circuit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	// ErrCircuitOpen is returned when the breaker is open and rejecting calls.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrRequestTimeout is returned when a call exceeds its request timeout.
	ErrRequestTimeout = errors.New("request timeout")
	// ErrProbeInFlight is returned when a half-open recovery probe is already
	// running and a second caller tries to slip through alongside it.
	ErrProbeInFlight = errors.New("half-open recovery probe already in flight")
)

// State is one of the three breaker states.
type State int

const (
	StateClosed   State = iota // requests flow normally
	StateOpen                  // requests are rejected outright
	StateHalfOpen               // a single recovery probe is allowed through
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config configures one Breaker's trip/recovery thresholds.
type Config struct {
	FailureThreshold int           // consecutive failures to trip open
	SuccessThreshold int           // consecutive probe successes to close from half-open
	Timeout          time.Duration // open duration before a probe is allowed
	RequestTimeout   time.Duration // per-call deadline
}

// Breaker guards calls to a single named upstream provider.
type Breaker struct {
	name string

	mu              sync.RWMutex
	config          Config
	state           State
	failures        int
	successes       int
	probeInFlight   bool
	lastFailureTime time.Time
	lastStateChange time.Time
	totalRequests   int64
	totalSuccesses  int64
	totalFailures   int64
	totalTimeouts   int64
	totalRejected   int64
}

// NewBreaker creates a Breaker for the named provider. name is attached to
// every state-transition log line so operators can tell providers apart in
// a shared log stream.
func NewBreaker(name string, config Config) *Breaker {
	return &Breaker{
		name:            name,
		config:          config,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Name returns the provider name this breaker was constructed for.
func (b *Breaker) Name() string {
	return b.name
}

// Call runs fn if the breaker currently allows it, enforcing config.RequestTimeout
// and feeding the outcome back into the state machine.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	probing, err := b.reserve()
	if err != nil {
		b.mu.Lock()
		b.totalRejected++
		b.mu.Unlock()
		return err
	}
	if probing {
		defer b.releaseProbe()
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, b.config.RequestTimeout)
	defer cancel()

	b.mu.Lock()
	b.totalRequests++
	b.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- fn(timeoutCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			b.onFailure()
			return err
		}
		b.onSuccess()
		return nil
	case <-timeoutCtx.Done():
		b.onTimeout()
		return ErrRequestTimeout
	}
}

// reserve checks whether state permits the call and, if the breaker is
// half-open, claims the single recovery-probe slot. The returned bool
// reports whether this call is the probe and must release it when done.
func (b *Breaker) reserve() (probing bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		if time.Since(b.lastFailureTime) <= b.config.Timeout {
			return false, ErrCircuitOpen
		}
		b.setState(StateHalfOpen)
		b.probeInFlight = true
		return true, nil
	case StateHalfOpen:
		if b.probeInFlight {
			return false, ErrProbeInFlight
		}
		b.probeInFlight = true
		return true, nil
	default:
		return false, ErrCircuitOpen
	}
}

func (b *Breaker) releaseProbe() {
	b.mu.Lock()
	b.probeInFlight = false
	b.mu.Unlock()
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalSuccesses++

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.setState(StateClosed)
			b.failures = 0
			b.successes = 0
		}
	}
}

func (b *Breaker) onFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFailures++
	b.lastFailureTime = time.Now()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.setState(StateOpen)
		b.successes = 0
	}
}

func (b *Breaker) onTimeout() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalTimeouts++
	b.totalFailures++
	b.lastFailureTime = time.Now()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.setState(StateOpen)
		b.successes = 0
	}
}

// setState transitions the breaker and logs the change. Callers must hold mu.
func (b *Breaker) setState(state State) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.lastStateChange = time.Now()

	if state == StateHalfOpen {
		b.failures = 0
	}
	if state != StateHalfOpen {
		b.probeInFlight = false
	}

	log.Info().Str("provider", b.name).Str("from", prev.String()).Str("to", state.String()).Msg("circuit breaker state change")
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Stats returns a snapshot of the breaker's counters.
func (b *Breaker) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	successRate := float64(0)
	if b.totalRequests > 0 {
		successRate = float64(b.totalSuccesses) / float64(b.totalRequests)
	}

	timeoutRate := float64(0)
	if b.totalRequests > 0 {
		timeoutRate = float64(b.totalTimeouts) / float64(b.totalRequests)
	}

	return Stats{
		Provider:             b.name,
		State:                b.state,
		TotalRequests:        b.totalRequests,
		TotalSuccesses:       b.totalSuccesses,
		TotalFailures:        b.totalFailures,
		TotalTimeouts:        b.totalTimeouts,
		TotalRejected:        b.totalRejected,
		ConsecutiveFailures:  b.failures,
		ConsecutiveSuccesses: b.successes,
		LastStateChange:      b.lastStateChange,
		LastFailureTime:      b.lastFailureTime,
		SuccessRate:          successRate,
		TimeoutRate:          timeoutRate,
	}
}

// Reset returns the breaker to StateClosed with every counter zeroed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.probeInFlight = false
	b.totalRequests = 0
	b.totalSuccesses = 0
	b.totalFailures = 0
	b.totalTimeouts = 0
	b.totalRejected = 0
	b.lastStateChange = time.Now()
	b.lastFailureTime = time.Time{}
}

// ForceOpen forces StateOpen, e.g. for an operator-initiated provider freeze.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateOpen)
}

// ForceHalfOpen forces StateHalfOpen.
func (b *Breaker) ForceHalfOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateHalfOpen)
}

// ForceClosed forces StateClosed and clears consecutive counters.
func (b *Breaker) ForceClosed() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateClosed)
	b.failures = 0
	b.successes = 0
}

// Stats is a point-in-time snapshot of one Breaker's counters.
type Stats struct {
	Provider             string    `json:"provider"`
	State                State     `json:"state"`
	TotalRequests        int64     `json:"total_requests"`
	TotalSuccesses       int64     `json:"total_successes"`
	TotalFailures        int64     `json:"total_failures"`
	TotalTimeouts        int64     `json:"total_timeouts"`
	TotalRejected        int64     `json:"total_rejected"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	LastStateChange      time.Time `json:"last_state_change"`
	LastFailureTime      time.Time `json:"last_failure_time,omitempty"`
	SuccessRate          float64   `json:"success_rate"`
	TimeoutRate          float64   `json:"timeout_rate"`
}

// IsHealthy reports whether the breaker's snapshot looks like a provider in
// good standing: closed, and either untested or succeeding at least 90% of
// the time.
func (s *Stats) IsHealthy() bool {
	return s.State == StateClosed && (s.TotalRequests == 0 || s.SuccessRate >= 0.9)
}

// Manager owns one Breaker per upstream provider name.
type Manager struct {
	breakers map[string]*Breaker
	mu       sync.RWMutex
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{
		breakers: make(map[string]*Breaker),
	}
}

// AddProvider registers a Breaker for name, constructed from config.
func (m *Manager) AddProvider(name string, config Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.breakers[name] = NewBreaker(name, config)
}

// GetBreaker returns the Breaker registered for provider, if any.
func (m *Manager) GetBreaker(provider string) (*Breaker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	breaker, exists := m.breakers[provider]
	return breaker, exists
}

// Call runs fn through provider's Breaker, or directly if provider has none
// registered.
func (m *Manager) Call(ctx context.Context, provider string, fn func(ctx context.Context) error) error {
	breaker, exists := m.GetBreaker(provider)
	if !exists {
		return fn(ctx)
	}
	return breaker.Call(ctx, fn)
}

// Stats returns every registered provider's Stats.
func (m *Manager) Stats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]Stats)
	for provider, breaker := range m.breakers {
		stats[provider] = breaker.Stats()
	}
	return stats
}

// IsHealthy reports whether every registered breaker is healthy.
func (m *Manager) IsHealthy() bool {
	for _, stat := range m.Stats() {
		if !stat.IsHealthy() {
			return false
		}
	}
	return true
}

// Reset resets every registered breaker.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, breaker := range m.breakers {
		breaker.Reset()
	}
}

// GetUnhealthyProviders returns a human-readable line per unhealthy provider.
func (m *Manager) GetUnhealthyProviders() []string {
	var unhealthy []string
	for provider, stat := range m.Stats() {
		if !stat.IsHealthy() {
			unhealthy = append(unhealthy, fmt.Sprintf("%s (state: %s, success: %.1f%%)",
				provider, stat.State, stat.SuccessRate*100))
		}
	}
	return unhealthy
}
