package resilience

import (
	"sync"
	"time"
)

// State is the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures one breaker.
type BreakerConfig struct {
	// Threshold is the number of consecutive failures that opens the breaker.
	Threshold int
	// Cooldown is how long the breaker stays open before admitting a trial.
	Cooldown time.Duration
}

// DefaultBreakerConfig returns the defaults used when none are configured.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Threshold: 5,
		Cooldown:  30 * time.Second,
	}
}

// BreakerSnapshot is a point-in-time view of a breaker.
type BreakerSnapshot struct {
	Dependency  string        `json:"dependency"`
	State       string        `json:"state"`
	Failures    int           `json:"consecutive_failures"`
	Threshold   int           `json:"threshold"`
	Cooldown    time.Duration `json:"cooldown"`
	LastFailure *time.Time    `json:"last_failure,omitempty"`
	OpenedAt    *time.Time    `json:"opened_at,omitempty"`
}

// ticket is handed out by admit and must be returned to record or release.
// generation ties the outcome to the breaker epoch that admitted the call;
// outcomes from an earlier epoch are dropped.
type ticket struct {
	generation uint64
	trial      bool
}

// Breaker is a consecutive-failure circuit breaker. Admission and outcome
// recording are each a single critical section, so no caller can observe
// the breaker between checking its state and claiming a slot.
type Breaker struct {
	name     string
	cfg      BreakerConfig
	now      func() time.Time
	onChange func(name string, to State)

	mu            sync.Mutex
	state         State
	failures      int
	lastFailure   time.Time
	openedAt      time.Time
	generation    uint64
	trialInFlight bool
}

func newBreaker(name string, cfg BreakerConfig, now func() time.Time, onChange func(string, State)) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultBreakerConfig().Threshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultBreakerConfig().Cooldown
	}
	return &Breaker{
		name:     name,
		cfg:      cfg,
		now:      now,
		onChange: onChange,
		state:    StateClosed,
	}
}

// admit decides whether a call may contact the dependency.
func (b *Breaker) admit() (ticket, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return ticket{generation: b.generation}, true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return ticket{}, false
		}
		b.transition(StateHalfOpen)
		b.trialInFlight = true
		return ticket{generation: b.generation, trial: true}, true
	case StateHalfOpen:
		if b.trialInFlight {
			return ticket{}, false
		}
		b.trialInFlight = true
		return ticket{generation: b.generation, trial: true}, true
	}
	return ticket{}, false
}

// record applies the outcome of an admitted call.
func (b *Breaker) record(t ticket, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t.generation != b.generation {
		return
	}

	if ok {
		switch b.state {
		case StateClosed:
			b.failures = 0
		case StateHalfOpen:
			b.trialInFlight = false
			b.failures = 0
			b.transition(StateClosed)
		}
		return
	}

	b.lastFailure = b.now()
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.Threshold {
			b.open()
		}
	case StateHalfOpen:
		b.trialInFlight = false
		b.open()
	}
}

// release returns a ticket without counting it either way.
func (b *Breaker) release(t ticket) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t.trial && t.generation == b.generation {
		b.trialInFlight = false
	}
}

// open must be called with mu held.
func (b *Breaker) open() {
	b.openedAt = b.now()
	b.transition(StateOpen)
}

// transition must be called with mu held.
func (b *Breaker) transition(to State) {
	b.state = to
	b.generation++
	if to == StateClosed {
		b.failures = 0
	}
	if b.onChange != nil {
		b.onChange(b.name, to)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the breaker's current counters.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := BreakerSnapshot{
		Dependency: b.name,
		State:      b.state.String(),
		Failures:   b.failures,
		Threshold:  b.cfg.Threshold,
		Cooldown:   b.cfg.Cooldown,
	}
	if !b.lastFailure.IsZero() {
		lf := b.lastFailure
		s.LastFailure = &lf
	}
	if b.state != StateClosed {
		oa := b.openedAt
		s.OpenedAt = &oa
	}
	return s
}
