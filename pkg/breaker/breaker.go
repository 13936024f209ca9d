// Package breaker provides a three-state circuit breaker guarding calls to the bridge.
package breaker

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/qmuntal/stateless"
	"github.com/rs/zerolog"
)

// State is the breaker position.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

type trigger string

const (
	triggerTrip  trigger = "trip"
	triggerProbe trigger = "probe"
	triggerReset trigger = "reset"
)

// Config holds breaker thresholds.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	OpenDuration     time.Duration
	// MonitoredStatusCodes filters RecordFailure calls that carry a status code.
	MonitoredStatusCodes []int
}

// DefaultConfig returns the thresholds used when none are configured.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:     5,
		SuccessThreshold:     1,
		OpenDuration:         30 * time.Second,
		MonitoredStatusCodes: []int{500, 502, 503, 504},
	}
}

// Snapshot is a point-in-time copy of the breaker.
type Snapshot struct {
	Name         string     `json:"name"`
	State        State      `json:"state"`
	FailureCount int        `json:"failureCount"`
	SuccessCount int        `json:"successCount"`
	OpenUntil    *time.Time `json:"openUntil,omitempty"`
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithLogger sets the logger used for state changes.
func WithLogger(log zerolog.Logger) Option {
	return func(b *Breaker) { b.log = log }
}

// Breaker is safe for concurrent use.
type Breaker struct {
	name string
	cfg  Config
	now  func() time.Time
	log  zerolog.Logger

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openUntil time.Time
	sm        *stateless.StateMachine
}

// New creates a breaker in the CLOSED state.
func New(name string, cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		name:  name,
		cfg:   cfg,
		now:   time.Now,
		log:   zerolog.Nop(),
		state: StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}

	sm := stateless.NewStateMachineWithExternalStorage(
		func(_ context.Context) (stateless.State, error) { return b.state, nil },
		func(_ context.Context, s stateless.State) error {
			b.state = s.(State)
			return nil
		},
		stateless.FiringImmediate,
	)
	sm.Configure(StateClosed).Permit(triggerTrip, StateOpen)
	sm.Configure(StateOpen).Permit(triggerProbe, StateHalfOpen)
	sm.Configure(StateHalfOpen).
		Permit(triggerReset, StateClosed).
		Permit(triggerTrip, StateOpen)

	sm.OnTransitioned(func(_ context.Context, t stateless.Transition) {
		ev := b.log.Info()
		if t.Destination == StateOpen {
			ev = b.log.Warn()
		}
		ev.Str("breaker", b.name).
			Str("from", string(t.Source.(State))).
			Str("to", string(t.Destination.(State))).
			Int("failures", b.failures).
			Msg("circuit breaker transition")
	})

	b.sm = sm
	return b
}

// RecordFailure counts a failed call. A non-zero statusCode outside the
// monitored set is ignored.
func (b *Breaker) RecordFailure(statusCode int) {
	if statusCode != 0 && !slices.Contains(b.cfg.MonitoredStatusCodes, statusCode) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked()

	switch b.state {
	case StateHalfOpen:
		b.openLocked()
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.openLocked()
		}
	}
}

// RecordSuccess counts a successful call. Only HALF_OPEN cares.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked()

	if b.state != StateHalfOpen {
		return
	}
	b.successes++
	if b.successes >= b.cfg.SuccessThreshold {
		b.fireLocked(triggerReset)
		b.failures = 0
		b.successes = 0
		b.openUntil = time.Time{}
	}
}

// IsOpen reports whether calls must be shed right now.
func (b *Breaker) IsOpen() bool {
	return b.State() == StateOpen
}

// State returns the current state, moving OPEN to HALF_OPEN when due.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked()
	return b.state
}

// Snapshot returns a copy of the breaker counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked()

	s := Snapshot{
		Name:         b.name,
		State:        b.state,
		FailureCount: b.failures,
		SuccessCount: b.successes,
	}
	if b.state == StateOpen {
		until := b.openUntil
		s.OpenUntil = &until
	}
	return s
}

func (b *Breaker) advanceLocked() {
	if b.state == StateOpen && !b.now().Before(b.openUntil) {
		b.fireLocked(triggerProbe)
		b.successes = 0
	}
}

func (b *Breaker) openLocked() {
	b.fireLocked(triggerTrip)
	b.openUntil = b.now().Add(b.cfg.OpenDuration)
	b.successes = 0
}

func (b *Breaker) fireLocked(t trigger) {
	if err := b.sm.Fire(t); err != nil {
		// Unreachable with the table configured in New.
		panic(fmt.Sprintf("breaker %s: %v", b.name, err))
	}
}
