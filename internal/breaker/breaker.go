// Package breaker wraps github.com/sony/gobreaker into the three-state
// closed/open/half_open circuit breaker spec.md §4.9 describes: a
// failure_threshold of consecutive qualifying failures trips it open; a
// timeout window later allows one probing generation of calls
// (half_open) up to success_threshold consecutive successes to close it
// again.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mcpbridge/internal/events"
	"mcpbridge/internal/mcperr"

	"github.com/sony/gobreaker"
)

// State mirrors spec.md's three-state breaker vocabulary.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Transition records a single state change for the bounded event ring.
type Transition struct {
	From State
	To   State
	At   time.Time
}

const ringSize = 100

// Config configures a single named breaker.
type Config struct {
	Name             string
	FailureThreshold uint32
	SuccessThreshold uint32
	Timeout          time.Duration
	// Matches reports whether an error counts toward the failure
	// threshold. Nil matches every error ("all").
	Matches func(error) bool
}

// Breaker is a per-named-upstream circuit breaker singleton that
// persists for the Manager's lifetime.
type Breaker struct {
	name    string
	cb      *gobreaker.CircuitBreaker
	matches func(error) bool
	bus     *events.Bus

	mu   sync.Mutex
	ring []Transition
}

// New constructs a Breaker. bus may be nil if no observability event
// stream is wired up.
func New(cfg Config, bus *events.Bus) *Breaker {
	matches := cfg.Matches
	if matches == nil {
		matches = func(error) bool { return true }
	}

	b := &Breaker{name: cfg.Name, matches: matches, bus: bus}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: maxUint32(cfg.SuccessThreshold, 1),
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !matches(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			b.recordTransition(translateState(from), translateState(to))
		},
	}

	b.cb = gobreaker.NewCircuitBreaker(settings)
	return b
}

func maxUint32(v, min uint32) uint32 {
	if v < min {
		return min
	}
	return v
}

func translateState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

func (b *Breaker) recordTransition(from, to State) {
	b.mu.Lock()
	t := Transition{From: from, To: to, At: time.Now()}
	b.ring = append(b.ring, t)
	if len(b.ring) > ringSize {
		b.ring = b.ring[len(b.ring)-ringSize:]
	}
	b.mu.Unlock()

	if b.bus != nil {
		b.bus.Publish(events.Event{
			Name:      "breaker." + string(to),
			Timestamp: t.At,
			Payload:   map[string]interface{}{"name": b.name, "from": string(from), "to": string(to)},
		})
	}
}

// State reports the breaker's current state.
func (b *Breaker) State() State { return translateState(b.cb.State()) }

// Transitions returns a snapshot of the bounded transition ring.
func (b *Breaker) Transitions() []Transition {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Transition, len(b.ring))
	copy(out, b.ring)
	return out
}

// Call executes fn through the breaker. While open, it returns a
// CircuitOpenError without invoking fn. ctx cancellation does not abort
// fn once it has started; callers should give fn its own deadline.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	result, err := b.cb.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, &mcperr.CircuitOpenError{Name: b.name}
		}
		return nil, err
	}
	return result, nil
}

func (s State) String() string { return string(s) }

var _ fmt.Stringer = StateClosed
