// Package breaker implements the client runtime's circuit breaker (spec C1)
// on top of sony/gobreaker's two-step protocol, which already separates
// "may I attempt" from "record the outcome" the way the spec's
// should_attempt/record_success/record_failure triple does.
package breaker

import (
	"time"

	"github.com/sony/gobreaker"
)

// Breaker guards a resource against repeated consecutive failures, tripping
// open after threshold consecutive failures and allowing a single half-open
// probe after cooldown.
type Breaker struct {
	tcb *gobreaker.TwoStepCircuitBreaker
}

// New builds a breaker with the given consecutive-failure threshold and
// open-state cooldown.
func New(name string, threshold uint32, cooldown time.Duration) *Breaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	}
	return &Breaker{tcb: gobreaker.NewTwoStepCircuitBreaker(settings)}
}

// Permit is returned by ShouldAttempt; exactly one of Success/Failure must
// be called to record the outcome of the attempt it guards.
type Permit struct {
	b    *Breaker
	done func(bool)
}

// ShouldAttempt reports whether an attempt may proceed: true if closed, or
// if open and the cooldown has elapsed (half-open probe, §4.1). When false,
// the returned Permit is nil.
func (b *Breaker) ShouldAttempt() (*Permit, bool) {
	done, err := b.tcb.Allow()
	if err != nil {
		return nil, false
	}
	return &Permit{b: b, done: done}, true
}

// Success resets the consecutive-failure count and closes the breaker.
func (p *Permit) Success() { p.done(true) }

// Failure records a failure and reports whether this call was the one that
// tripped the breaker open (the transition only, not every failure while
// already open).
func (p *Permit) Failure() bool {
	before := p.b.tcb.State()
	p.done(false)
	return before != gobreaker.StateOpen && p.b.tcb.State() == gobreaker.StateOpen
}

// State mirrors the breaker's current state for metrics/logging.
func (b *Breaker) State() string {
	switch b.tcb.State() {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}
