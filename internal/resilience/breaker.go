package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Rajchodisetti/cycle-coordinator/internal/config"
	"github.com/Rajchodisetti/cycle-coordinator/internal/observ"
)

// State of a circuit breaker
type State string

const (
	StateClosed   State = "closed"    // normal operation
	StateOpen     State = "open"      // failing, reject calls
	StateHalfOpen State = "half_open" // one probe in flight
)

func (s State) gauge() float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}

// Outcome is what a guarded call reports back to its breaker
type Outcome int

const (
	OutcomeSuccess Outcome = iota // includes explicit rejections
	OutcomeFailure                // transient or malformed
	OutcomeIgnored                // abandoned by the caller
)

// ErrCircuitOpen matches any *CircuitOpenError via errors.Is
var ErrCircuitOpen = errors.New("circuit open")

type CircuitOpenError struct {
	Service string
	RetryAt time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s until %s", e.Service, e.RetryAt.Format(time.RFC3339))
}

func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

type Settings struct {
	FailureThreshold int
	Window           time.Duration
	Cooldown         time.Duration
}

func SettingsFromConfig(c config.Breaker) Settings {
	return Settings{
		FailureThreshold: c.FailureThreshold,
		Window:           time.Duration(c.WindowSeconds) * time.Second,
		Cooldown:         time.Duration(c.CooldownSeconds) * time.Second,
	}
}

// Breaker counts failures in a sliding window and trips at the threshold.
// After the cooldown it admits exactly one probe.
type Breaker struct {
	mu       sync.Mutex
	service  string
	settings Settings
	now      func() time.Time

	state    State
	failures []time.Time
	openedAt time.Time
	probing  bool
}

func NewBreaker(service string, s Settings, now func() time.Time) *Breaker {
	if now == nil {
		now = time.Now
	}
	b := &Breaker{service: service, settings: s, now: now, state: StateClosed}
	observ.SetBreakerState(service, StateClosed.gauge())
	return b
}

// Allow returns nil when a call may proceed. Every admitted call must be
// followed by exactly one Record.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		retryAt := b.openedAt.Add(b.settings.Cooldown)
		if b.now().Before(retryAt) {
			return &CircuitOpenError{Service: b.service, RetryAt: retryAt}
		}
		b.setState(StateHalfOpen, "cooldown_elapsed")
		b.probing = true
		return nil
	default: // half open
		if b.probing {
			return &CircuitOpenError{Service: b.service, RetryAt: b.now()}
		}
		b.probing = true
		return nil
	}
}

func (b *Breaker) Record(o Outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateHalfOpen:
		switch o {
		case OutcomeSuccess:
			b.failures = b.failures[:0]
			b.probing = false
			b.setState(StateClosed, "probe_succeeded")
		case OutcomeFailure:
			b.probing = false
			b.openedAt = now
			b.setState(StateOpen, "probe_failed")
		default:
			b.probing = false
		}
	case StateClosed:
		if o != OutcomeFailure {
			return
		}
		b.failures = append(b.prune(now), now)
		if len(b.failures) >= b.settings.FailureThreshold {
			b.openedAt = now
			b.setState(StateOpen, "failure_threshold")
		}
	case StateOpen:
		// late results of calls admitted before the trip
		if o == OutcomeFailure {
			b.failures = append(b.prune(now), now)
		}
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures is the number of failures inside the current window
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = b.prune(b.now())
	return len(b.failures)
}

func (b *Breaker) prune(now time.Time) []time.Time {
	cutoff := now.Add(-b.settings.Window)
	i := 0
	for i < len(b.failures) && !b.failures[i].After(cutoff) {
		i++
	}
	return append(b.failures[:0], b.failures[i:]...)
}

func (b *Breaker) setState(s State, reason string) {
	from := b.state
	b.state = s
	observ.SetBreakerState(b.service, s.gauge())

	fields := map[string]any{
		"service":  b.service,
		"from":     string(from),
		"to":       string(s),
		"reason":   reason,
		"failures": len(b.failures),
	}
	if s == StateOpen {
		fields["retry_at"] = b.openedAt.Add(b.settings.Cooldown).Format(time.RFC3339)
		observ.Warn("circuit_breaker_opened", fields)
		return
	}
	observ.Log("circuit_breaker_state_changed", fields)
}
