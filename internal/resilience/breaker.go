package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

type BreakerState int

const (
	StateClosed BreakerState = iota
	StateHalfOpen
	StateOpen
)

func (s BreakerState) String() string {
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

type BreakerConfig struct {
	Name                 string
	WindowSize           int
	MinimumCalls         int
	FailureRateThreshold float64
	OpenDuration         time.Duration
	HalfOpenTrials       int
	// IsFailure decides which errors count against the window. Nil counts every
	// error except context cancellation.
	IsFailure func(error) bool
	// OnStateChange is invoked with the breaker lock held; it must not call back
	// into the breaker.
	OnStateChange func(name string, from, to BreakerState)
	Now           func() time.Time
}

// CircuitBreaker tracks the outcomes of the last WindowSize calls. Once at least
// MinimumCalls outcomes are recorded and the failure ratio reaches the threshold it
// opens, refuses calls for OpenDuration, then admits HalfOpenTrials trial calls.
type CircuitBreaker struct {
	config BreakerConfig

	mu         sync.Mutex
	state      BreakerState
	generation uint64
	outcomes   []bool
	next       int
	recorded   int
	failures   int
	openedAt   time.Time

	trialsIssued    int
	trialsSucceeded int
}

func NewCircuitBreaker(config BreakerConfig) *CircuitBreaker {
	if config.WindowSize <= 0 {
		config.WindowSize = 10
	}
	if config.MinimumCalls <= 0 {
		config.MinimumCalls = 5
	}
	if config.MinimumCalls > config.WindowSize {
		config.MinimumCalls = config.WindowSize
	}
	if config.FailureRateThreshold <= 0 || config.FailureRateThreshold > 1 {
		config.FailureRateThreshold = 0.5
	}
	if config.OpenDuration <= 0 {
		config.OpenDuration = 30 * time.Second
	}
	if config.HalfOpenTrials <= 0 {
		config.HalfOpenTrials = 2
	}
	if config.IsFailure == nil {
		config.IsFailure = func(err error) bool {
			return err != nil && !errors.Is(err, context.Canceled)
		}
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &CircuitBreaker{
		config:   config,
		outcomes: make([]bool, config.WindowSize),
	}
}

func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()
	return b.state
}

// Execute runs call if the breaker admits it and records the outcome.
func (b *CircuitBreaker) Execute(ctx context.Context, call func(context.Context) error) error {
	generation, err := b.admit()
	if err != nil {
		return err
	}
	callErr := call(ctx)
	b.record(generation, callErr)
	return callErr
}

func (b *CircuitBreaker) admit() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refreshLocked()
	switch b.state {
	case StateOpen:
		return 0, ErrUnavailable
	case StateHalfOpen:
		if b.trialsIssued >= b.config.HalfOpenTrials {
			return 0, ErrUnavailable
		}
		b.trialsIssued++
	}
	return b.generation, nil
}

func (b *CircuitBreaker) record(generation uint64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Outcome of a call admitted under a previous state.
	if generation != b.generation {
		return
	}
	if err != nil && !b.config.IsFailure(err) {
		if b.state == StateHalfOpen {
			b.trialsIssued--
		}
		return
	}
	failed := err != nil

	switch b.state {
	case StateHalfOpen:
		if failed {
			b.transitionLocked(StateOpen)
			return
		}
		b.trialsSucceeded++
		if b.trialsSucceeded >= b.config.HalfOpenTrials {
			b.transitionLocked(StateClosed)
		}
	case StateClosed:
		b.pushLocked(failed)
		if b.recorded >= b.config.MinimumCalls &&
			float64(b.failures)/float64(b.recorded) >= b.config.FailureRateThreshold {
			b.transitionLocked(StateOpen)
		}
	}
}

func (b *CircuitBreaker) pushLocked(failed bool) {
	if b.recorded == len(b.outcomes) {
		if b.outcomes[b.next] {
			b.failures--
		}
	} else {
		b.recorded++
	}
	b.outcomes[b.next] = failed
	if failed {
		b.failures++
	}
	b.next = (b.next + 1) % len(b.outcomes)
}

func (b *CircuitBreaker) refreshLocked() {
	if b.state == StateOpen && !b.config.Now().Before(b.openedAt.Add(b.config.OpenDuration)) {
		b.transitionLocked(StateHalfOpen)
	}
}

func (b *CircuitBreaker) transitionLocked(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.generation++
	b.trialsIssued = 0
	b.trialsSucceeded = 0

	switch to {
	case StateOpen:
		b.openedAt = b.config.Now()
	case StateClosed:
		for i := range b.outcomes {
			b.outcomes[i] = false
		}
		b.next, b.recorded, b.failures = 0, 0, 0
	}
	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.config.Name, from, to)
	}
}
