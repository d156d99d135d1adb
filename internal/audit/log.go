package audit

import (
	"context"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/Rajchodisetti/cycle-coordinator/internal/model"
	"github.com/Rajchodisetti/cycle-coordinator/internal/observ"
)

// Sink receives every recorded event
type Sink interface {
	Name() string
	Write(ctx context.Context, e model.Event) error
}

// Log fans events out to its sinks. Sink failures are logged and counted
// but never returned: auditing must not steer cycle control flow.
type Log struct {
	sinks []Sink
	now   func() time.Time
}

func New(sinks ...Sink) *Log {
	return &Log{sinks: sinks, now: time.Now}
}

// Record stamps the event with an id and time when missing, then writes it
// to every sink in order
func (l *Log) Record(ctx context.Context, e model.Event) model.Event {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.At.IsZero() {
		e.At = l.now().UTC()
	}

	fields := maps.Clone(e.Fields)
	if fields == nil {
		fields = map[string]any{}
	}
	fields["event_id"] = e.ID
	if e.CycleID != "" {
		fields["cycle_id"] = e.CycleID
	}
	if e.From != "" || e.To != "" {
		fields["from"], fields["to"] = string(e.From), string(e.To)
	}
	if e.Stage != "" {
		fields["stage"] = string(e.Stage)
	}
	if e.Message != "" {
		fields["message"] = e.Message
	}
	switch e.Type {
	case model.EventRiskInvariantViolation, model.EventStageFailed, model.EventOrderFailed, model.EventLiquidationTimeout:
		observ.Warn(e.Type, fields)
	case model.EventEmergencyStop:
		observ.Error(e.Type, fields)
	default:
		observ.Log(e.Type, fields)
	}
	observ.RecordAuditEvent(e.Type)

	// sinks must not inherit a cancelled cycle context
	sinkCtx := context.WithoutCancel(ctx)
	for _, s := range l.sinks {
		if err := s.Write(sinkCtx, e); err != nil {
			observ.RecordAuditSinkError(s.Name())
			observ.Warn("audit_sink_failed", map[string]any{
				"sink":     s.Name(),
				"event_id": e.ID,
				"type":     e.Type,
				"error":    err,
			})
		}
	}
	return e
}

// EventAppender is the subset of the store the audit log needs
type EventAppender interface {
	AppendEvent(ctx context.Context, e model.Event) error
}

// StoreSink persists events through the store
type StoreSink struct {
	Store EventAppender
}

func (StoreSink) Name() string { return "store" }

func (s StoreSink) Write(ctx context.Context, e model.Event) error {
	return s.Store.AppendEvent(ctx, e)
}
