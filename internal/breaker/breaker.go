// Copyright 2025 James Ross
package breaker

import (
	"sync"
	"time"

	"github.com/inferd/inferd/internal/obs"
)

// State is a circuit breaker's position relative to its guarded backend call.
type State int

const (
	Closed State = iota
	HalfOpen
	Open
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case HalfOpen:
		return "half_open"
	case Open:
		return "open"
	default:
		return "unknown"
	}
}

type result struct {
	t  time.Time
	ok bool
}

// CircuitBreaker guards one model's backend calls (ForwardPrefill,
// ForwardDecode) behind a sliding-window failure rate. Name identifies the
// guarded model so a sustained outage on one model's backend never shares
// trip state with another model's breaker, and so its state and trip count
// are observable per model on the inferd_breaker_* metrics.
type CircuitBreaker struct {
	mu               sync.Mutex
	name             string
	state            State
	window           time.Duration
	cooldown         time.Duration
	failureThresh    float64
	minSamples       int
	lastTransition   time.Time
	lastTripAt       time.Time
	trips            int
	results          []result
	halfOpenInFlight bool
}

// New builds a breaker scoped to name (the model_id it guards).
func New(name string, window, cooldown time.Duration, failureThresh float64, minSamples int) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:           name,
		state:          Closed,
		window:         window,
		cooldown:       cooldown,
		failureThresh:  failureThresh,
		minSamples:     minSamples,
		lastTransition: time.Now(),
	}
	obs.BreakerState.WithLabelValues(name).Set(float64(Closed))
	return cb
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Trips reports how many times this breaker has tripped Open since creation.
func (cb *CircuitBreaker) Trips() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.trips
}

// LastTripAt reports when this breaker last tripped Open, the zero time if
// it never has.
func (cb *CircuitBreaker) LastTripAt() time.Time {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.lastTripAt
}

// setState records a transition and publishes it to the per-model breaker
// metrics. Must be called with cb.mu held.
func (cb *CircuitBreaker) setState(s State, now time.Time) {
	cb.state = s
	cb.lastTransition = now
	obs.BreakerState.WithLabelValues(cb.name).Set(float64(s))
	if s == Open {
		cb.trips++
		cb.lastTripAt = now
		obs.BreakerTrips.WithLabelValues(cb.name).Inc()
	}
}

func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case Open:
		if time.Since(cb.lastTransition) >= cb.cooldown {
			now := time.Now()
			cb.setState(HalfOpen, now)
			// allow exactly one probe once we enter HalfOpen
			cb.halfOpenInFlight = true
			return true
		}
		return false
	case HalfOpen:
		if cb.halfOpenInFlight {
			return false
		}
		cb.halfOpenInFlight = true
		return true
	default:
		return true
	}
}

func (cb *CircuitBreaker) Record(ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	now := time.Now()
	// purge old
	cutoff := now.Add(-cb.window)
	filtered := cb.results[:0]
	for _, r := range cb.results {
		if r.t.After(cutoff) {
			filtered = append(filtered, r)
		}
	}
	cb.results = append(filtered, result{t: now, ok: ok})

	// compute failure rate
	total := len(cb.results)
	if total < cb.minSamples {
		if cb.state == HalfOpen {
			if ok {
				cb.setState(Closed, now)
			} else {
				cb.setState(Open, now)
			}
		}
		return
	}
	fails := 0
	for _, r := range cb.results {
		if !r.ok {
			fails++
		}
	}
	rate := float64(fails) / float64(total)
	switch cb.state {
	case Closed:
		if rate >= cb.failureThresh {
			cb.setState(Open, now)
		}
	case HalfOpen:
		if ok {
			cb.setState(Closed, now)
		} else {
			cb.setState(Open, now)
		}
		// the single probe completed; allow a future probe after cooldown or next Allow
		cb.halfOpenInFlight = false
	case Open:
		// handled in Allow()
	}
}
