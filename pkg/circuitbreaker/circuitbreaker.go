// Package circuitbreaker fails calls fast while a dependency keeps failing.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned without calling through while the breaker is open or
// its half-open probe budget is spent.
var ErrOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
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

type Settings struct {
	Name string
	// FailureThreshold consecutive failures open a closed breaker.
	FailureThreshold int
	// SuccessThreshold consecutive successes close a half-open breaker.
	SuccessThreshold int
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
	// HalfOpenMax bounds concurrent probes.
	HalfOpenMax int
	// IsFailure classifies errors; nil counts every error. Errors that are
	// not failures pass through without touching the counters.
	IsFailure func(error) bool
	// OnStateChange runs synchronously, outside the breaker lock.
	OnStateChange func(name string, from, to State)
}

func DefaultSettings(name string) Settings {
	return Settings{
		Name:             name,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
		HalfOpenMax:      1,
	}
}

type Counts struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	InFlightProbes       int
}

type Breaker struct {
	s   Settings
	now func() time.Time

	mu       sync.Mutex
	state    State
	counts   Counts
	openedAt time.Time
}

func New(s Settings) *Breaker {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 1
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = 1
	}
	if s.HalfOpenMax <= 0 {
		s.HalfOpenMax = 1
	}
	return &Breaker{s: s, now: time.Now}
}

func (b *Breaker) Name() string { return b.s.Name }

func (b *Breaker) State() State {
	b.mu.Lock()
	from, to, changed := b.refresh()
	state := b.state
	b.mu.Unlock()
	if changed {
		b.notify(from, to)
	}
	return state
}

func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Do runs fn unless the breaker rejects the call. fn's error is returned
// unchanged.
func (b *Breaker) Do(fn func() error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}
	err = fn()
	b.record(probe, err)
	return err
}

// DoValue is Do for calls that produce a value.
func DoValue[T any](b *Breaker, fn func() (T, error)) (T, error) {
	var v T
	err := b.Do(func() error {
		var err error
		v, err = fn()
		return err
	})
	return v, err
}

// refresh moves an expired open breaker to half-open. Callers hold mu.
func (b *Breaker) refresh() (from, to State, changed bool) {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.s.OpenTimeout {
		return b.setState(StateHalfOpen)
	}
	return b.state, b.state, false
}

func (b *Breaker) admit() (bool, error) {
	b.mu.Lock()
	from, to, changed := b.refresh()
	var (
		probe bool
		err   error
	)
	switch b.state {
	case StateOpen:
		err = ErrOpen
	case StateHalfOpen:
		if b.counts.InFlightProbes >= b.s.HalfOpenMax {
			err = ErrOpen
		} else {
			b.counts.InFlightProbes++
			probe = true
		}
	}
	b.mu.Unlock()

	if changed {
		b.notify(from, to)
	}
	return probe, err
}

func (b *Breaker) record(probe bool, err error) {
	failed := err != nil && (b.s.IsFailure == nil || b.s.IsFailure(err))

	b.mu.Lock()
	if probe {
		b.counts.InFlightProbes--
	}
	var (
		from, to State
		changed  bool
	)
	switch {
	case failed:
		b.counts.ConsecutiveSuccesses = 0
		b.counts.ConsecutiveFailures++
		if b.state == StateHalfOpen || b.counts.ConsecutiveFailures >= b.s.FailureThreshold {
			from, to, changed = b.setState(StateOpen)
		}
	default:
		b.counts.ConsecutiveFailures = 0
		b.counts.ConsecutiveSuccesses++
		if b.state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= b.s.SuccessThreshold {
			from, to, changed = b.setState(StateClosed)
		}
	}
	b.mu.Unlock()

	if changed {
		b.notify(from, to)
	}
}

func (b *Breaker) setState(to State) (State, State, bool) {
	from := b.state
	if from == to {
		return from, to, false
	}
	b.state = to
	inFlight := b.counts.InFlightProbes
	b.counts = Counts{InFlightProbes: inFlight}
	if to == StateOpen {
		b.openedAt = b.now()
	}
	return from, to, true
}

func (b *Breaker) notify(from, to State) {
	if b.s.OnStateChange != nil {
		b.s.OnStateChange(b.s.Name, from, to)
	}
}

// Reset closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from, to, changed := b.setState(StateClosed)
	b.counts = Counts{}
	b.mu.Unlock()
	if changed {
		b.notify(from, to)
	}
}
