package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/cycle-coordinator/internal/model"
	"github.com/Rajchodisetti/cycle-coordinator/internal/resilience"
	"github.com/Rajchodisetti/cycle-coordinator/internal/services"
)

func candidates(n int) []model.Candidate {
	out := make([]model.Candidate, n)
	for i := range out {
		out[i] = model.Candidate{Symbol: fmt.Sprintf("S%03d", i)}
	}
	return out
}

// sentimentOf spreads values over [-1,1] deterministically
func sentimentOf(symbol string) float64 {
	var n int
	_, _ = fmt.Sscanf(symbol, "S%03d", &n)
	return float64((n*37)%201-100) / 100
}

func newsStage(threshold float64, maxSurvivors int) Stage {
	return Stage{
		Name:         model.StageNews,
		MaxSurvivors: maxSurvivors,
		Evaluate: func(ctx context.Context, c model.Candidate) (Verdict, error) {
			s := sentimentOf(c.Symbol)
			c.Sentiment = s
			return Verdict{Candidate: c, Score: math.Abs(s), Keep: math.Abs(s) >= threshold}, nil
		},
	}
}

func TestRun_NewsFilterHundredCandidates(t *testing.T) {
	in := candidates(100)
	res, err := New().Run(context.Background(), nil, newsStage(0.3, 35), "c1", in)
	require.NoError(t, err)

	eligible := 0
	for _, c := range in {
		if math.Abs(sentimentOf(c.Symbol)) >= 0.3 {
			eligible++
		}
	}
	require.Greater(t, eligible, 35)

	assert.Len(t, res.Survivors, 35)
	assert.LessOrEqual(t, len(res.Survivors), len(in))
	assert.Len(t, res.Records, 100)
	assert.Equal(t, 100, res.Attempted)
	assert.Zero(t, res.Failed)

	for i, s := range res.Survivors {
		assert.GreaterOrEqual(t, math.Abs(s.Sentiment), 0.3)
		assert.True(t, s.Survived)
		assert.Equal(t, model.StageNews, s.Stage)
		if i > 0 {
			prev := math.Abs(res.Survivors[i-1].Sentiment)
			cur := math.Abs(s.Sentiment)
			assert.True(t, prev > cur || (prev == cur && res.Survivors[i-1].Symbol < s.Symbol))
		}
	}

	reasons := map[string]int{}
	for i, r := range res.Records {
		assert.Equal(t, in[i].Symbol, r.Symbol, "records keep input order")
		assert.Equal(t, "c1", r.CycleID)
		reasons[r.Reason]++
	}
	assert.Equal(t, 35, reasons[model.ReasonPassed])
	assert.Equal(t, eligible-35, reasons[model.ReasonRankCutoff])
	assert.Equal(t, 100-eligible, reasons[model.ReasonBelowThreshold])
}

func TestRun_FatalRatio(t *testing.T) {
	failFirst := func(n int) Stage {
		return Stage{
			Name: model.StagePattern,
			Evaluate: func(ctx context.Context, c model.Candidate) (Verdict, error) {
				var i int
				_, _ = fmt.Sscanf(c.Symbol, "S%03d", &i)
				if i < n {
					return Verdict{}, services.NewTransientError(services.NamePattern, c.Symbol, "timeout", nil)
				}
				return Verdict{Candidate: c, Score: 1, Keep: true}, nil
			},
		}
	}

	res, err := New().Run(context.Background(), nil, failFirst(5), "c1", candidates(10))
	require.NoError(t, err, "exactly half is not above the ratio")
	assert.Len(t, res.Survivors, 5)

	res, err = New().Run(context.Background(), nil, failFirst(6), "c1", candidates(10))
	var fatal *StageFatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, model.StagePattern, fatal.Stage)
	assert.Equal(t, 6, fatal.Failed)
	assert.Equal(t, 10, fatal.Attempted)
	assert.InDelta(t, 0.6, fatal.Rate, 1e-9)
	assert.Len(t, res.Records, 10, "records are returned with the fatal error")

	st := failFirst(10)
	st.FatalRatio = 1.0
	_, err = New().Run(context.Background(), nil, st, "c1", candidates(10))
	assert.NoError(t, err)
}

func TestRun_ConcurrencyBound(t *testing.T) {
	var inFlight, peak atomic.Int32
	st := Stage{
		Name:        model.StageTechnical,
		Concurrency: 3,
		Evaluate: func(ctx context.Context, c model.Candidate) (Verdict, error) {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			return Verdict{Candidate: c, Score: 0.5, Keep: true}, nil
		},
	}
	res, err := New().Run(context.Background(), nil, st, "c1", candidates(20))
	require.NoError(t, err)
	assert.Len(t, res.Survivors, 20)
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestRun_StopBeforeDispatch(t *testing.T) {
	stop := make(chan struct{})
	close(stop)
	var calls atomic.Int32
	st := Stage{
		Name: model.StageNews,
		Evaluate: func(ctx context.Context, c model.Candidate) (Verdict, error) {
			calls.Add(1)
			return Verdict{Candidate: c, Keep: true}, nil
		},
	}
	res, err := New().Run(context.Background(), stop, st, "c1", candidates(8))
	require.NoError(t, err)
	assert.Zero(t, calls.Load())
	assert.True(t, res.Stopped)
	assert.Equal(t, 8, res.Cancelled)
	assert.Empty(t, res.Survivors)
	for _, r := range res.Records {
		assert.Equal(t, model.ReasonCancelled, r.Reason)
	}
}

func TestRun_CancelledCallsExcludedFromRate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var started sync.WaitGroup
	started.Add(2)
	var calls atomic.Int32
	st := Stage{
		Name:        model.StagePattern,
		Concurrency: 2,
		Evaluate: func(ctx context.Context, c model.Candidate) (Verdict, error) {
			if calls.Add(1) <= 2 {
				started.Done()
			}
			<-ctx.Done()
			return Verdict{}, services.NewTransientError(services.NamePattern, c.Symbol, "aborted", ctx.Err())
		},
	}

	go func() {
		started.Wait()
		cancel()
	}()

	res, err := New().Run(ctx, nil, st, "c1", candidates(10))
	require.NoError(t, err)
	assert.True(t, res.Stopped)
	assert.Equal(t, 10, res.Cancelled)
	assert.Zero(t, res.Failed)
	assert.Zero(t, res.Rate)
	assert.LessOrEqual(t, calls.Load(), int32(3))
}

func TestFailureReason(t *testing.T) {
	assert.Equal(t, model.ReasonCircuitOpen, FailureReason(&resilience.CircuitOpenError{Service: "news"}))
	assert.Equal(t, model.ReasonInvalidResponse, FailureReason(services.NewValidationError("news", "A", "bad")))
	assert.Equal(t, model.ReasonRejected, FailureReason(services.NewRejectedError("execution", "A", "no")))
	assert.Equal(t, model.ReasonServiceFailure, FailureReason(errors.New("boom")))
}
