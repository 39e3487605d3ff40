package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State enumerates the lifecycle of a per-dependency circuit.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrOpen is returned without invoking the operation while the circuit is
// open or a half-open trial is already in flight.
var ErrOpen = errors.New("circuit open")

// TransientError marks an operation failure as a transport/timeout problem
// that should count toward tripping the circuit. Application-level
// rejections must not be wrapped in it.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err so the breaker counts it as a dependency failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err carries a transient marker.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Health is a point-in-time snapshot of a circuit, exposed on health probes.
type Health struct {
	Dependency          string     `json:"dependency"`
	State               State      `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	OpenedAt            *time.Time `json:"opened_at,omitempty"`
}

// Breaker gates calls to one dependency. Dependencies never share a breaker,
// so a wallet outage cannot open the compliance circuit.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	trial    bool
}

// New constructs a closed breaker tripping after threshold consecutive
// transient failures and probing again after cooldown.
func New(name string, threshold int, cooldown time.Duration) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	return &Breaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		state:     StateClosed,
	}
}

// Do runs op under the circuit policy. While open it fails fast with ErrOpen
// wrapped as transient, without invoking op. In half-open exactly one trial
// call is admitted; concurrent callers fail fast until it resolves.
func (b *Breaker) Do(ctx context.Context, op func(context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := op(ctx)
	b.record(err)
	return err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return Transient(ErrOpen)
		}
		b.state = StateHalfOpen
		b.trial = true
		return nil
	case StateHalfOpen:
		if b.trial {
			return Transient(ErrOpen)
		}
		b.trial = true
		return nil
	default:
		return nil
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.trial = false
	}

	if err != nil && IsTransient(err) {
		b.failures++
		if b.state == StateHalfOpen || b.failures >= b.threshold {
			b.state = StateOpen
			b.openedAt = b.now()
		}
		return
	}

	// A well-formed response, success or application rejection, proves the
	// dependency is reachable.
	b.failures = 0
	b.state = StateClosed
}

// Health returns the breaker's current snapshot.
func (b *Breaker) Health() Health {
	b.mu.Lock()
	defer b.mu.Unlock()

	h := Health{
		Dependency:          b.name,
		State:               b.state,
		ConsecutiveFailures: b.failures,
	}
	if b.state != StateClosed && !b.openedAt.IsZero() {
		opened := b.openedAt
		h.OpenedAt = &opened
	}
	return h
}
