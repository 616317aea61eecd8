// Package resilience provides a circuit breaker for the uplink send path.
//
// Sending audio packets over a websocket that has silently died fails once
// per packet, ~31 times a second. The [Breaker] converts that failure stream
// into a single open/closed signal: after a few consecutive failures it
// rejects sends immediately and fires OnOpen so the session layer can
// reconnect, then probes its way back closed once the timeout passes.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Execute] while the breaker is open.
var ErrOpen = errors.New("resilience: breaker is open")

// State is the breaker's operating mode.
type State int

const (
	// Closed forwards all calls.
	Closed State = iota

	// Open rejects calls with [ErrOpen] until the reset timeout elapses.
	Open

	// HalfOpen lets a limited number of probe calls through. Success closes
	// the breaker, any failure re-opens it.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds tuning knobs for a [Breaker].
type BreakerConfig struct {
	// Name labels this breaker in log messages.
	Name string

	// MaxFailures is the consecutive-failure count that opens the breaker.
	// Default: 3.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	// Default: 5s.
	ResetTimeout time.Duration

	// ProbeBudget is how many successful half-open probes close the breaker.
	// Default: 2.
	ProbeBudget int

	// OnOpen runs (outside the lock) each time the breaker trips open from
	// closed or half-open. Optional.
	OnOpen func()

	// Now overrides the clock for tests.
	Now func() time.Time
}

// Breaker is a three-state circuit breaker. Safe for concurrent use.
type Breaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	probeBudget  int
	onOpen       func()
	now          func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	probes      int
}

// NewBreaker creates a [Breaker]. Zero-value config fields get defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 5 * time.Second
	}
	if cfg.ProbeBudget <= 0 {
		cfg.ProbeBudget = 2
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		probeBudget:  cfg.ProbeBudget,
		onOpen:       cfg.OnOpen,
		now:          cfg.Now,
		state:        Closed,
	}
}

// Execute runs fn unless the breaker is open, in which case it returns
// [ErrOpen] without calling fn. fn's error is returned as-is.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case Open:
		if b.now().Sub(b.lastFailure) < b.resetTimeout {
			b.mu.Unlock()
			return ErrOpen
		}
		b.state = HalfOpen
		b.probes = 0
		slog.Info("breaker half-open, probing", "name", b.name)
	case HalfOpen:
		if b.probes >= b.probeBudget {
			// Probe budget spoken for; wait for their verdict.
			b.mu.Unlock()
			return ErrOpen
		}
	}
	probing := b.state == HalfOpen
	if probing {
		b.probes++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	var tripped bool
	if err != nil {
		tripped = b.recordFailure(probing)
	} else {
		b.recordSuccess(probing)
	}
	b.mu.Unlock()

	if tripped && b.onOpen != nil {
		b.onOpen()
	}
	return err
}

// recordFailure updates state after a failed call and reports whether the
// breaker just tripped open. Caller holds b.mu.
func (b *Breaker) recordFailure(probing bool) bool {
	b.lastFailure = b.now()

	if probing {
		b.state = Open
		b.failures = b.maxFailures
		slog.Warn("breaker re-opened, probe failed", "name", b.name)
		return true
	}

	b.failures++
	if b.failures >= b.maxFailures {
		b.state = Open
		slog.Warn("breaker opened", "name", b.name, "consecutive_failures", b.failures)
		return true
	}
	return false
}

// recordSuccess updates state after a successful call. Caller holds b.mu.
func (b *Breaker) recordSuccess(probing bool) {
	if probing {
		if b.probes >= b.probeBudget {
			b.state = Closed
			b.failures = 0
			b.probes = 0
			slog.Info("breaker closed, probes succeeded", "name", b.name)
		}
		return
	}
	b.failures = 0
}

// State returns the breaker's current state. An open breaker whose reset
// timeout has elapsed reports [HalfOpen]; the transition itself happens on
// the next [Breaker.Execute].
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open && b.now().Sub(b.lastFailure) >= b.resetTimeout {
		return HalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears all counters. Called when a
// fresh session replaces the one whose failures tripped it.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = Closed
	b.failures = 0
	b.probes = 0
}
