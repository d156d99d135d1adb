package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Rajchodisetti/cycle-coordinator/internal/model"
	"github.com/Rajchodisetti/cycle-coordinator/internal/observ"
	"github.com/Rajchodisetti/cycle-coordinator/internal/resilience"
	"github.com/Rajchodisetti/cycle-coordinator/internal/services"
)

const (
	DefaultConcurrency = 10
	DefaultFatalRatio  = 0.5
)

// Verdict is a stage's answer for one candidate
type Verdict struct {
	Candidate model.Candidate
	Score     float64
	Keep      bool
	Reason    string // defaults to passed / below_threshold
}

// Stage describes one filtering step. Evaluate is called once per
// candidate and must be safe for concurrent use.
type Stage struct {
	Name         model.Stage
	Concurrency  int
	FatalRatio   float64
	MaxSurvivors int // 0 = unlimited
	Evaluate     func(ctx context.Context, c model.Candidate) (Verdict, error)
}

// Result is everything one stage run produced; Records cover the whole
// input, Survivors only the kept candidates in rank order
type Result struct {
	Stage     model.Stage
	Survivors []model.Candidate
	Records   []model.StageResult // input order
	Attempted int                 // dispatched and not cancelled
	Failed    int
	Cancelled int
	Rate      float64
	Stopped   bool
	Duration  time.Duration
}

// StageFatalError reports a stage whose failure rate exceeded its ratio
type StageFatalError struct {
	Stage     model.Stage
	Failed    int
	Attempted int
	Rate      float64
}

func (e *StageFatalError) Error() string {
	return fmt.Sprintf("stage %s failed: %d of %d calls failed (%.0f%%)", e.Stage, e.Failed, e.Attempted, e.Rate*100)
}

// Executor runs stages. It holds no per-stage state and may be shared.
type Executor struct {
	now func() time.Time
}

// New returns an executor on the wall clock
func New() *Executor {
	return &Executor{now: time.Now}
}

type outcome struct {
	candidate model.Candidate
	record    model.StageResult
	failed    bool
	cancelled bool
}

// Run evaluates every candidate with bounded concurrency. Once stop is
// closed or ctx is done no further candidates are dispatched; the ones
// already running finish and their results count. Per-candidate errors
// never escape; the only error returned is *StageFatalError.
func (e *Executor) Run(ctx context.Context, stop <-chan struct{}, st Stage, cycleID string, in []model.Candidate) (Result, error) {
	start := e.now()
	concurrency := st.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	fatalRatio := st.FatalRatio
	if fatalRatio <= 0 {
		fatalRatio = DefaultFatalRatio
	}

	outcomes := make([]outcome, len(in))
	var g errgroup.Group
	g.SetLimit(concurrency)

	stopped := false
	for i, c := range in {
		if !stopped && halted(ctx, stop) {
			stopped = true
		}
		if stopped {
			outcomes[i] = e.cancelled(cycleID, st.Name, c)
			continue
		}
		g.Go(func() error {
			outcomes[i] = e.evaluate(ctx, st, cycleID, c)
			return nil
		})
	}
	_ = g.Wait()

	res := Result{Stage: st.Name, Stopped: stopped || halted(ctx, stop)}
	var kept []int
	for i := range outcomes {
		o := &outcomes[i]
		switch {
		case o.cancelled:
			res.Cancelled++
			continue
		case o.failed:
			res.Failed++
		case o.record.Kept():
			kept = append(kept, i)
		}
		res.Attempted++
	}

	sort.SliceStable(kept, func(a, b int) bool {
		ra, rb := outcomes[kept[a]].record, outcomes[kept[b]].record
		if ra.Score != rb.Score {
			return ra.Score > rb.Score
		}
		return ra.Symbol < rb.Symbol
	})
	for rank, idx := range kept {
		o := &outcomes[idx]
		if st.MaxSurvivors > 0 && rank >= st.MaxSurvivors {
			o.record.Decision = model.DecisionDropped
			o.record.Reason = model.ReasonRankCutoff
			o.candidate.Survived = false
			continue
		}
		res.Survivors = append(res.Survivors, o.candidate)
	}

	res.Records = make([]model.StageResult, len(outcomes))
	for i, o := range outcomes {
		res.Records[i] = o.record
		observ.RecordCandidate(string(st.Name), string(o.record.Decision), o.record.Reason)
	}

	if res.Attempted > 0 {
		res.Rate = float64(res.Failed) / float64(res.Attempted)
	}
	res.Duration = e.now().Sub(start)
	observ.ObserveStage(string(st.Name), res.Duration)
	observ.Log("stage_completed", map[string]any{
		"cycle_id":    cycleID,
		"stage":       string(st.Name),
		"input":       len(in),
		"survivors":   len(res.Survivors),
		"failed":      res.Failed,
		"cancelled":   res.Cancelled,
		"failure_pct": res.Rate * 100,
		"duration_ms": res.Duration.Milliseconds(),
		"stopped":     res.Stopped,
	})

	if res.Rate > fatalRatio {
		observ.RecordStageFatal(string(st.Name))
		return res, &StageFatalError{Stage: st.Name, Failed: res.Failed, Attempted: res.Attempted, Rate: res.Rate}
	}
	return res, nil
}

func (e *Executor) evaluate(ctx context.Context, st Stage, cycleID string, c model.Candidate) outcome {
	start := e.now()
	v, err := st.Evaluate(ctx, c)
	at := e.now()

	rec := model.StageResult{
		CycleID: cycleID,
		Stage:   st.Name,
		Symbol:  c.Symbol,
		Latency: at.Sub(start),
		At:      at,
	}

	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			out := e.cancelled(cycleID, st.Name, c)
			out.record.Latency = rec.Latency
			return out
		}
		rec.Decision = model.DecisionDropped
		rec.Reason = FailureReason(err)
		c.Stage, c.Survived = st.Name, false
		return outcome{candidate: c, record: rec, failed: true}
	}

	cand := v.Candidate
	if cand.Symbol == "" {
		cand = c
	}
	cand.Stage = st.Name
	cand.Survived = v.Keep
	rec.Score = v.Score
	if v.Keep {
		rec.Decision = model.DecisionKept
		rec.Reason = v.Reason
		if rec.Reason == "" {
			rec.Reason = model.ReasonPassed
		}
	} else {
		rec.Decision = model.DecisionDropped
		rec.Reason = v.Reason
		if rec.Reason == "" {
			rec.Reason = model.ReasonBelowThreshold
		}
	}
	return outcome{candidate: cand, record: rec}
}

func (e *Executor) cancelled(cycleID string, stage model.Stage, c model.Candidate) outcome {
	c.Stage, c.Survived = stage, false
	return outcome{
		candidate: c,
		cancelled: true,
		record: model.StageResult{
			CycleID:  cycleID,
			Stage:    stage,
			Symbol:   c.Symbol,
			Decision: model.DecisionDropped,
			Reason:   model.ReasonCancelled,
			At:       e.now(),
		},
	}
}

// FailureReason maps a collaborator error onto a stage-result reason code
func FailureReason(err error) string {
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		return model.ReasonCircuitOpen
	case services.IsValidation(err):
		return model.ReasonInvalidResponse
	case services.IsRejected(err):
		return model.ReasonRejected
	default:
		return model.ReasonServiceFailure
	}
}

func halted(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}
