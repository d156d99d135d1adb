package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Rajchodisetti/cycle-coordinator/internal/config"
	"github.com/Rajchodisetti/cycle-coordinator/internal/observ"
	"github.com/Rajchodisetti/cycle-coordinator/internal/services"
)

// Guard wraps every call to one collaborator: breaker admission, a
// per-attempt timeout, and retries of transient failures.
type Guard struct {
	service string
	timeout time.Duration
	breaker *Breaker
	policy  Policy
	sleep   func(context.Context, time.Duration) error
}

func NewGuard(service string, timeout time.Duration, b *Breaker, p Policy) *Guard {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	return &Guard{service: service, timeout: timeout, breaker: b, policy: p, sleep: Sleep}
}

func (g *Guard) Service() string   { return g.service }
func (g *Guard) Breaker() *Breaker { return g.breaker }

// Do runs fn until it succeeds, fails permanently, or attempts run out.
// Errors from a cancelled parent context wrap ctx.Err().
func (g *Guard) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= g.policy.MaxAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s call abandoned: %w", g.service, ctxErr)
		}
		if openErr := g.breaker.Allow(); openErr != nil {
			observ.RecordServiceCall(g.service, "circuit_open", 0)
			return openErr
		}

		err = g.attempt(ctx, fn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s call abandoned: %w", g.service, errors.Join(ctx.Err(), err))
		}
		if !services.IsTransient(err) || attempt == g.policy.MaxAttempts {
			return err
		}

		observ.RecordRetry(g.service)
		observ.Log("service_retry", map[string]any{
			"service": g.service,
			"attempt": attempt,
			"error":   err.Error(),
		})
		if sleepErr := g.sleep(ctx, g.policy.Backoff(attempt)); sleepErr != nil {
			return fmt.Errorf("%s call abandoned: %w", g.service, errors.Join(sleepErr, err))
		}
	}
	return err
}

func (g *Guard) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	actx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	err := fn(actx)
	latency := time.Since(start)

	// unclassified errors count as transient; an expired attempt context is a timeout
	if _, classified := services.KindOf(err); err != nil && !classified && ctx.Err() == nil {
		msg := "unclassified failure"
		if errors.Is(actx.Err(), context.DeadlineExceeded) {
			msg = "attempt timed out"
		}
		err = services.NewTransientError(g.service, "", msg, err)
	}

	result := "ok"
	outcome := OutcomeSuccess
	switch {
	case err == nil:
	case ctx.Err() != nil:
		result, outcome = "cancelled", OutcomeIgnored
	case services.IsRejected(err):
		result = "rejected"
	case services.IsValidation(err):
		result, outcome = "validation", OutcomeFailure
	default:
		result, outcome = "transient", OutcomeFailure
	}
	g.breaker.Record(outcome)
	observ.RecordServiceCall(g.service, result, latency)
	return err
}

// Call is Do for functions that return a value
func Call[T any](ctx context.Context, g *Guard, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := g.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Guards holds one guard per collaborator
type Guards struct {
	byName map[string]*Guard
}

func NewGuards(cfg config.Root, now func() time.Time) *Guards {
	timeouts := map[string]time.Duration{
		services.NameScan:      cfg.Services.Scan.Timeout(),
		services.NameNews:      cfg.Services.News.Timeout(),
		services.NamePattern:   cfg.Services.Pattern.Timeout(),
		services.NameTechnical: cfg.Services.Technical.Timeout(),
		services.NameRisk:      cfg.Services.Risk.Timeout(),
		services.NameExecution: cfg.Services.Execution.Timeout(),
	}
	settings := SettingsFromConfig(cfg.Breaker)
	policy := PolicyFromConfig(cfg.Retry)

	gs := &Guards{byName: make(map[string]*Guard, len(timeouts))}
	for _, name := range services.Names() {
		gs.byName[name] = NewGuard(name, timeouts[name], NewBreaker(name, settings, now), policy)
	}
	return gs
}

// Get returns the guard for a collaborator; unknown names panic
func (gs *Guards) Get(name string) *Guard {
	g, ok := gs.byName[name]
	if !ok {
		panic("resilience: no guard for " + name)
	}
	return g
}

// States snapshots every breaker
func (gs *Guards) States() map[string]State {
	out := make(map[string]State, len(gs.byName))
	for name, g := range gs.byName {
		out[name] = g.breaker.State()
	}
	return out
}
