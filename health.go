package chatmeter

import (
	"sync"
	"time"
)

const (
	healthFailureThreshold = 3
	healthFailureWindow    = 5 * time.Minute
	healthUnhealthyPeriod  = 30 * time.Second
)

// HealthTracker is a per-provider circuit breaker. Providers with an open
// circuit are demoted by the Router, never removed, so a model with a single
// provider still resolves.
type HealthTracker struct {
	mu        sync.Mutex
	providers map[string]*providerHealth
	now       func() time.Time
}

type providerHealth struct {
	state       HealthState
	failures    []time.Time // sliding window
	unhealthyAt time.Time
}

// NewHealthTracker creates a new HealthTracker.
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{
		providers: make(map[string]*providerHealth),
		now:       time.Now,
	}
}

// State returns the current health of a provider. An open circuit moves to
// half-open once the unhealthy period has elapsed.
func (h *HealthTracker) State(provider string) HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()

	ph, ok := h.providers[provider]
	if !ok {
		return HealthHealthy
	}
	if ph.state == HealthUnhealthy && h.now().Sub(ph.unhealthyAt) >= healthUnhealthyPeriod {
		ph.state = HealthHalfOpen
	}
	return ph.state
}

// RecordSuccess closes the circuit for a provider.
func (h *HealthTracker) RecordSuccess(provider string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ph := h.getOrCreate(provider)
	ph.state = HealthHealthy
	ph.failures = ph.failures[:0]
}

// RecordFailure records a runtime failure. The circuit opens after
// healthFailureThreshold failures within healthFailureWindow, or on any
// failure while half-open.
func (h *HealthTracker) RecordFailure(provider string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ph := h.getOrCreate(provider)
	now := h.now()
	if ph.state == HealthUnhealthy {
		if now.Sub(ph.unhealthyAt) < healthUnhealthyPeriod {
			return
		}
		ph.state = HealthHalfOpen
	}

	if ph.state == HealthHalfOpen {
		ph.state = HealthUnhealthy
		ph.unhealthyAt = now
		return
	}

	cutoff := now.Add(-healthFailureWindow)
	valid := ph.failures[:0]
	for _, t := range ph.failures {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	ph.failures = append(valid, now)

	if len(ph.failures) >= healthFailureThreshold {
		ph.state = HealthUnhealthy
		ph.unhealthyAt = now
	}
}

func (h *HealthTracker) getOrCreate(provider string) *providerHealth {
	ph, ok := h.providers[provider]
	if !ok {
		ph = &providerHealth{state: HealthHealthy}
		h.providers[provider] = ph
	}
	return ph
}
