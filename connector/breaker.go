package connector

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "closed"
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// breaker is a per-(type, target) circuit breaker. It opens after threshold
// consecutive failures, short-circuits calls during the cooldown, then lets
// a single probe through half-open before fully closing or reopening.
type breaker struct {
	threshold int
	cooldown  time.Duration

	mu            sync.Mutex
	state         breakerState
	failures      int
	openedAt      time.Time
	probeInFlight bool
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	return &breaker{threshold: threshold, cooldown: cooldown}
}

func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState() {
	case breakerClosed:
		return true
	case breakerOpen:
		return false
	case breakerHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	}
	return false
}

func (b *breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.currentState()
	if err == nil {
		b.failures = 0
		if state == breakerHalfOpen {
			b.toState(breakerClosed)
		}
		return
	}

	switch state {
	case breakerClosed:
		if b.failures++; b.failures >= b.threshold {
			b.toState(breakerOpen)
		}
	case breakerHalfOpen:
		// probe failed, back to cooldown
		b.toState(breakerOpen)
	}
}

func (b *breaker) currentState() breakerState {
	if b.state == breakerOpen && time.Since(b.openedAt) >= b.cooldown {
		b.toState(breakerHalfOpen)
	}
	return b.state
}

func (b *breaker) toState(to breakerState) {
	if b.state == to {
		return
	}
	log.Debugf("circuit breaker %v -> %v", b.state, to)
	b.state = to
	b.probeInFlight = false
	if to == breakerOpen {
		b.openedAt = time.Now()
	}
	if to == breakerClosed {
		b.failures = 0
	}
}
