package portfolio

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/cycle-coordinator/internal/model"
)

type stubSource struct {
	positions []model.Position
	err       error
}

func (s stubSource) OpenPositions(context.Context) ([]model.Position, error) {
	return s.positions, s.err
}

func pos(id, cycle, symbol string, status model.PositionStatus) model.Position {
	return model.Position{ID: id, CycleID: cycle, Symbol: symbol, Quantity: 10, EntryPrice: 50, Status: status}
}

func TestView_RefreshAndFallback(t *testing.T) {
	v := NewView()
	ctx := context.Background()

	require.NoError(t, v.Refresh(ctx, stubSource{positions: []model.Position{
		pos("p1", "c1", "AAPL", model.PositionFilled),
		pos("p2", "c2", "MSFT", model.PositionFilled),
	}}))
	assert.Equal(t, 2, v.OpenCount())
	assert.Equal(t, 1000.0, v.ExposureUSD())
	refreshed := v.RefreshedAt()
	assert.False(t, refreshed.IsZero())

	err := v.Refresh(ctx, stubSource{err: errors.New("broker down")})
	require.Error(t, err)
	assert.Equal(t, 2, v.OpenCount(), "last view kept on error")
	assert.Equal(t, refreshed, v.RefreshedAt())

	require.NoError(t, v.Refresh(ctx, stubSource{positions: []model.Position{pos("p2", "c2", "MSFT", model.PositionFilled)}}))
	assert.Equal(t, 1, v.OpenCount())
	assert.Empty(t, v.OpenForCycle("c1"))
}

func TestView_MergeKeepsClosed(t *testing.T) {
	v := NewView()
	v.Merge(pos("p1", "c1", "NVDA", model.PositionFilled), pos("p2", "c1", "AMD", model.PositionFilled))

	closed := pos("p1", "c1", "NVDA", model.PositionClosed)
	closed.RealizedPnL = 12.5
	v.Merge(closed)

	open := v.OpenForCycle("c1")
	require.Len(t, open, 1)
	assert.Equal(t, "AMD", open[0].Symbol)

	all := v.ForCycle("c1")
	require.Len(t, all, 2)
	assert.Equal(t, "AMD", all[0].Symbol)
	assert.Equal(t, 12.5, all[1].RealizedPnL)

	// positions missing from the broker's open list are marked closed
	require.NoError(t, v.Refresh(context.Background(), stubSource{}))
	all = v.ForCycle("c1")
	require.Len(t, all, 2)
	assert.Equal(t, model.PositionClosed, all[0].Status)
	assert.Zero(t, v.OpenCount())
	assert.Len(t, v.Snapshot(), 2)
}
