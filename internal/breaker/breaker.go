// Package breaker implements per-upstream circuit breakers. State is owned by
// the process; replicas do not share it.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ErrOpen is returned by Allow while the breaker refuses traffic.
var ErrOpen = errors.New("circuit breaker is open")

// State is one of the three breaker states.
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
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Settings configure a breaker.
type Settings struct {
	// FailureThreshold failures within MonitoringPeriod open the breaker.
	FailureThreshold int
	RecoveryTimeout  time.Duration
	MonitoringPeriod time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.RecoveryTimeout <= 0 {
		s.RecoveryTimeout = 30 * time.Second
	}
	if s.MonitoringPeriod <= 0 {
		s.MonitoringPeriod = time.Minute
	}
	return s
}

// OpenError carries how long the caller should wait.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %s is open, retry in %s", e.Name, e.RetryAfter.Round(time.Second))
}

func (e *OpenError) Is(target error) bool { return target == ErrOpen }

// Snapshot is a read-only view of a breaker.
type Snapshot struct {
	Name          string     `json:"name"`
	State         string     `json:"state"`
	FailureCount  int        `json:"failure_count"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`
	NextProbeAt   *time.Time `json:"next_probe_at,omitempty"`
}

// TransitionFunc observes state changes. It runs outside the breaker lock.
type TransitionFunc func(name string, from, to State)

// Breaker guards one upstream.
type Breaker struct {
	name     string
	settings Settings
	now      func() time.Time
	onChange TransitionFunc

	mu            sync.Mutex
	state         State
	failures      int
	windowStart   time.Time
	lastFailureAt time.Time
	nextProbeAt   time.Time

	// probing admits exactly one request while half open. Guarded by mu.
	probing bool
}

// New creates a closed breaker.
func New(name string, s Settings, onChange TransitionFunc) *Breaker {
	return &Breaker{name: name, settings: s.withDefaults(), now: time.Now, onChange: onChange}
}

func (b *Breaker) Name() string { return b.name }

// Permit is the right to make one upstream call. Exactly one of its Record
// methods must be called.
type Permit struct {
	b     *Breaker
	probe bool
	used  atomic.Bool
}

// Probe reports whether this call is the half-open probe.
func (p *Permit) Probe() bool { return p.probe }

// Allow asks to make a call. It performs no I/O.
func (b *Breaker) Allow() (*Permit, error) {
	b.mu.Lock()
	now := b.now()
	var trans []State
	if b.state == StateOpen {
		if now.Before(b.nextProbeAt) {
			retry := b.nextProbeAt.Sub(now)
			b.mu.Unlock()
			return nil, &OpenError{Name: b.name, RetryAfter: retry}
		}
		trans = b.setState(StateHalfOpen)
	}
	if b.state == StateClosed {
		b.mu.Unlock()
		b.notify(trans)
		return &Permit{b: b}, nil
	}
	// Half open: the probe slot is claimed under mu, together with the state check.
	claimed := !b.probing
	b.probing = true
	b.mu.Unlock()
	b.notify(trans)
	if !claimed {
		return nil, &OpenError{Name: b.name, RetryAfter: b.settings.RecoveryTimeout}
	}
	return &Permit{b: b, probe: true}, nil
}

// RecordSuccess reports a healthy upstream response.
func (p *Permit) RecordSuccess() {
	if p == nil || !p.used.CompareAndSwap(false, true) {
		return
	}
	b := p.b
	b.mu.Lock()
	var trans []State
	switch {
	case p.probe && b.state == StateHalfOpen:
		b.failures = 0
		trans = b.setState(StateClosed)
	case b.state == StateClosed:
		b.failures = 0
	}
	if p.probe {
		b.probing = false
	}
	b.mu.Unlock()
	b.notify(trans)
}

// RecordFailure reports an upstream error, timeout or error status.
func (p *Permit) RecordFailure() {
	if p == nil || !p.used.CompareAndSwap(false, true) {
		return
	}
	b := p.b
	b.mu.Lock()
	now := b.now()
	b.lastFailureAt = now
	var trans []State
	switch {
	case p.probe && b.state == StateHalfOpen:
		b.nextProbeAt = now.Add(b.settings.RecoveryTimeout)
		trans = b.setState(StateOpen)
	case b.state == StateClosed:
		if b.failures == 0 || now.Sub(b.windowStart) > b.settings.MonitoringPeriod {
			b.windowStart = now
			b.failures = 0
		}
		b.failures++
		if b.failures >= b.settings.FailureThreshold {
			b.nextProbeAt = now.Add(b.settings.RecoveryTimeout)
			trans = b.setState(StateOpen)
		}
	}
	if p.probe {
		b.probing = false
	}
	b.mu.Unlock()
	b.notify(trans)
}

// RecordCanceled releases the permit without an outcome, e.g. when the
// client went away before the upstream answered.
func (p *Permit) RecordCanceled() {
	if p == nil || !p.used.CompareAndSwap(false, true) {
		return
	}
	if p.probe {
		p.b.mu.Lock()
		p.b.probing = false
		p.b.mu.Unlock()
	}
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.failures = 0
	b.nextProbeAt = time.Time{}
	b.probing = false
	trans := b.setState(StateClosed)
	b.mu.Unlock()
	b.notify(trans)
}

// State returns the current state without triggering the open to half-open move.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a copy of the breaker's state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Snapshot{Name: b.name, State: b.state.String(), FailureCount: b.failures}
	if !b.lastFailureAt.IsZero() {
		t := b.lastFailureAt
		s.LastFailureAt = &t
	}
	if b.state == StateOpen {
		t := b.nextProbeAt
		s.NextProbeAt = &t
	}
	return s
}

// setState returns the (from, to) pair for notify, or nil. Caller holds mu.
func (b *Breaker) setState(to State) []State {
	from := b.state
	if from == to {
		return nil
	}
	b.state = to
	return []State{from, to}
}

func (b *Breaker) notify(trans []State) {
	if trans != nil && b.onChange != nil {
		b.onChange(b.name, trans[0], trans[1])
	}
}
