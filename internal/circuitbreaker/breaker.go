// Package circuitbreaker guards calls to external collaborators. Repeated
// failures open the circuit so callers fail fast instead of piling
// timeouts onto a service that is already struggling.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/kaustubh76/synapse/internal/core"
)

// State is the circuit position.
type State int

const (
	// StateClosed: requests flow normally, failures are counted.
	StateClosed State = iota
	// StateOpen: requests are rejected immediately.
	StateOpen
	// StateHalfOpen: a limited number of probes are let through.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Counts accumulates request outcomes within the current generation.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c *Counts) onRequest() { c.Requests++ }

func (c *Counts) onSuccess() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

func (c *Counts) clear() { *c = Counts{} }

// Config tunes a Breaker. Zero values pick sensible defaults.
type Config struct {
	// Name identifies the breaker in logs and state-change callbacks.
	Name string
	// MaxRequests is how many probes the half-open state admits.
	MaxRequests uint32
	// Interval resets the closed-state counts periodically; zero keeps
	// counts for the life of the closed state.
	Interval time.Duration
	// Timeout is how long the open state lasts before probing.
	Timeout time.Duration
	// ReadyToTrip decides, after each closed-state failure, whether the
	// circuit opens. Defaults to five consecutive failures.
	ReadyToTrip func(Counts) bool
	// OnStateChange is invoked outside the breaker lock on transitions.
	OnStateChange func(name string, from, to State)
	// Clock defaults to the system clock.
	Clock core.Clock
}

// Breaker is a three-state circuit breaker. The generation counter
// invalidates outcomes reported against a state that has since changed.
type Breaker struct {
	name          string
	maxRequests   uint32
	interval      time.Duration
	timeout       time.Duration
	readyToTrip   func(Counts) bool
	onStateChange func(string, State, State)
	clock         core.Clock

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
}

// New builds a breaker from cfg.
func New(cfg Config) *Breaker {
	b := &Breaker{
		name:          cfg.Name,
		maxRequests:   cfg.MaxRequests,
		interval:      cfg.Interval,
		timeout:       cfg.Timeout,
		readyToTrip:   cfg.ReadyToTrip,
		onStateChange: cfg.OnStateChange,
		clock:         cfg.Clock,
	}
	if b.maxRequests == 0 {
		b.maxRequests = 1
	}
	if b.timeout <= 0 {
		b.timeout = 30 * time.Second
	}
	if b.readyToTrip == nil {
		b.readyToTrip = func(c Counts) bool { return c.ConsecutiveFailures >= 5 }
	}
	if b.clock == nil {
		b.clock = core.SystemClock{}
	}
	b.toNewGeneration(b.clock.Now())
	return b
}

// Name returns the breaker's identifier.
func (b *Breaker) Name() string { return b.name }

// State reports the current position, advancing OPEN to HALF_OPEN if the
// timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, _ := b.currentState(b.clock.Now())
	return s
}

// Counts returns a copy of the current generation's counters.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Execute runs fn through the breaker. While the circuit is open the call
// is rejected with KindInfra before fn runs. A panic in fn is recorded as
// a failure and re-raised.
func (b *Breaker) Execute(fn func() error) error {
	generation, err := b.beforeRequest()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			b.afterRequest(generation, false)
			panic(r)
		}
	}()

	callErr := fn()
	b.afterRequest(generation, callErr == nil)
	return callErr
}

func (b *Breaker) beforeRequest() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	state, generation := b.currentState(now)

	switch {
	case state == StateOpen:
		return generation, core.Errorf(core.KindInfra, "circuit breaker %q is open", b.name)
	case state == StateHalfOpen && b.counts.Requests >= b.maxRequests:
		return generation, core.Errorf(core.KindInfra, "circuit breaker %q: too many probe requests", b.name)
	}

	b.counts.onRequest()
	return generation, nil
}

func (b *Breaker) afterRequest(before uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	state, generation := b.currentState(now)
	if generation != before {
		// Outcome belongs to a previous generation; ignore it.
		return
	}

	if success {
		b.onSuccess(state, now)
	} else {
		b.onFailure(state, now)
	}
}

func (b *Breaker) onSuccess(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.onSuccess()
	case StateHalfOpen:
		b.counts.onSuccess()
		if b.counts.ConsecutiveSuccesses >= b.maxRequests {
			b.setState(StateClosed, now)
		}
	}
}

func (b *Breaker) onFailure(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.onFailure()
		if b.readyToTrip(b.counts) {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) currentState(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.toNewGeneration(now)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.toNewGeneration(now)

	if b.onStateChange != nil {
		go b.onStateChange(b.name, prev, state)
	}
}

func (b *Breaker) toNewGeneration(now time.Time) {
	b.generation++
	b.counts.clear()

	switch b.state {
	case StateClosed:
		if b.interval > 0 {
			b.expiry = now.Add(b.interval)
		} else {
			b.expiry = time.Time{}
		}
	case StateOpen:
		b.expiry = now.Add(b.timeout)
	default: // HalfOpen probes have no deadline.
		b.expiry = time.Time{}
	}
}
