// Package circuitbreaker wraps sony/gobreaker with the named breakers
// this agent needs (one per external dependency) and the fail-fast
// error this module's callers check for.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned when a breaker rejects a call
// because it is open or the allowed half-open probe is already in
// flight.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Config controls every breaker's trip/reset behavior.
type Config struct {
	ConsecutiveFailureThreshold uint32
	OpenTimeout                 time.Duration
	HalfOpenMaxRequests         uint32
}

// DefaultConfig trips after 5 consecutive failures, stays open 60s,
// and allows a single half-open probe before deciding to close or
// re-open.
func DefaultConfig() Config {
	return Config{
		ConsecutiveFailureThreshold: 5,
		OpenTimeout:                 60 * time.Second,
		HalfOpenMaxRequests:         1,
	}
}

// Manager owns one named breaker per external dependency ("idp",
// "broker") so a flaky IdP doesn't trip the breaker guarding the
// broker client and vice versa.
type Manager struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewManager builds a Manager with the given breaker names pre-created.
func NewManager(cfg Config, names ...string) *Manager {
	m := &Manager{cfg: cfg, breakers: make(map[string]*gobreaker.CircuitBreaker, len(names))}
	for _, name := range names {
		m.breakers[name] = m.newBreaker(name)
	}
	return m
}

func (m *Manager) newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: m.cfg.HalfOpenMaxRequests,
		Timeout:     m.cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= m.cfg.ConsecutiveFailureThreshold
		},
	})
}

// Execute runs fn through the named breaker, translating gobreaker's
// own open-circuit error into ErrCircuitOpen so callers can check with
// errors.Is regardless of which breaker rejected the call.
func (m *Manager) Execute(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	b := m.breakerFor(name)
	_, err := b.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

// State reports the current state of the named breaker.
func (m *Manager) State(name string) gobreaker.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[name]
	if !ok {
		return gobreaker.StateClosed
	}
	return b.State()
}

// Reset replaces the named breaker with a fresh one, closed, zero
// counts. Used by maintenance tooling and tests, never by production
// call paths.
func (m *Manager) Reset(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breakers[name] = m.newBreaker(name)
}

// breakerFor returns the named breaker, lazily creating it under lock
// if Execute is called with a name NewManager wasn't given.
func (m *Manager) breakerFor(name string) *gobreaker.CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[name]
	if !ok {
		b = m.newBreaker(name)
		m.breakers[name] = b
	}
	return b
}
