package cycle

import (
	"context"
	"errors"
	"time"

	"github.com/Rajchodisetti/cycle-coordinator/internal/mode"
	"github.com/Rajchodisetti/cycle-coordinator/internal/observ"
)

// Scheduler starts a new cycle every scan interval of the current mode
// whenever no cycle is active
type Scheduler struct {
	m        *Manager
	interval time.Duration // fixed interval; 0 = mode scan interval
}

func NewScheduler(m *Manager, interval time.Duration) *Scheduler {
	return &Scheduler{m: m, interval: interval}
}

func (s *Scheduler) Run(ctx context.Context) error {
	observ.Log("scheduler_started", map[string]any{"mode": string(s.m.Mode())})
	for {
		if !s.m.Active() {
			id, err := s.m.StartCycle(ctx, "")
			switch {
			case err == nil:
				observ.Log("scheduled_cycle_started", map[string]any{"cycle_id": id})
			case errors.Is(err, ErrCycleAlreadyActive):
			default:
				observ.Warn("scheduled_cycle_failed", map[string]any{"error": err})
			}
		}

		select {
		case <-ctx.Done():
			observ.Log("scheduler_stopped", nil)
			return ctx.Err()
		case <-time.After(s.next()):
		}
	}
}

func (s *Scheduler) next() time.Duration {
	if s.interval > 0 {
		return s.interval
	}
	p, err := mode.Resolve(s.m.Mode())
	if err != nil {
		return time.Minute
	}
	return p.ScanInterval
}
