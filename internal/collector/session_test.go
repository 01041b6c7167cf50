package collector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verte-zerg/keyheat/internal/model"
)

func press(row, col int) model.KeyEvent {
	return model.KeyEvent{MatrixRow: row, MatrixCol: col, Transition: model.Pressed}
}

func release(row, col int) model.KeyEvent {
	return model.KeyEvent{MatrixRow: row, MatrixCol: col, Transition: model.Released}
}

func TestSessionLifecycle(t *testing.T) {
	opened := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := OpenSession("s1", "corne", opened, false)
	assert.Equal(t, PhaseOpen, s.Phase())

	first := opened.Add(2 * time.Second)
	counted, err := s.Apply(press(0, 0), first)
	require.NoError(t, err)
	assert.True(t, counted)
	assert.Equal(t, PhaseActive, s.Phase())

	counted, err = s.Apply(release(0, 0), first.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, counted)

	snap := s.Snapshot()
	assert.Equal(t, first, snap.StartTime)
	require.NotNil(t, snap.EndTime)
	assert.Equal(t, first.Add(time.Second), *snap.EndTime)
	assert.Equal(t, model.StatusActive, snap.Status)

	final := s.Close(model.StatusCancelled, first.Add(5*time.Second))
	assert.Equal(t, PhaseClosed, s.Phase())
	assert.Equal(t, model.StatusCancelled, final.Status)
	assert.Equal(t, first.Add(5*time.Second), *final.EndTime)
	assert.Equal(t, 1, final.TotalKeypresses)
	assert.Equal(t, 1, final.ReleasedEvents)

	_, err = s.Apply(press(0, 1), first.Add(6*time.Second))
	assert.ErrorIs(t, err, ErrSessionClosed)

	again := s.Close(model.StatusClosed, first.Add(time.Minute))
	assert.Equal(t, model.StatusCancelled, again.Status)
	assert.Equal(t, *final.EndTime, *again.EndTime)
}

func TestSessionCountsOnlyPresses(t *testing.T) {
	now := time.Now().UTC()
	s := OpenSession("s1", "", now, false)
	events := []model.KeyEvent{
		press(0, 0), press(0, 0), press(0, 0),
		press(0, 1),
		release(0, 0), release(0, 0), release(0, 0),
		press(4, 9),
	}
	for i, ev := range events {
		_, err := s.Apply(ev, now.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		snap := s.Snapshot()
		assert.Equal(t, snap.SumCounts(), snap.TotalKeypresses, "after event %d", i)
	}
	snap := s.Snapshot()
	assert.Equal(t, 5, snap.TotalKeypresses)
	assert.Equal(t, map[model.Coord]int{{Row: 0, Col: 0}: 3, {Row: 0, Col: 1}: 1, {Row: 4, Col: 9}: 1}, snap.KeypressCounts)
	assert.Equal(t, 3, snap.ReleasedEvents)
	assert.Nil(t, snap.Events)
}

func TestSessionSnapshotIsIndependent(t *testing.T) {
	now := time.Now().UTC()
	s := OpenSession("s1", "", now, true)
	_, err := s.Apply(press(1, 1), now)
	require.NoError(t, err)

	snap := s.Snapshot()
	snap.KeypressCounts[model.Coord{Row: 1, Col: 1}] = 100
	snap.Events[0].MatrixRow = 7

	again := s.Snapshot()
	assert.Equal(t, 1, again.KeypressCounts[model.Coord{Row: 1, Col: 1}])
	assert.Equal(t, 1, again.Events[0].MatrixRow)
}

func TestSessionCloseWithoutEvents(t *testing.T) {
	opened := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := OpenSession("s1", "", opened, false)
	s.Skip()
	final := s.Close(model.StatusExpired, opened.Add(time.Minute))
	assert.Equal(t, opened, final.StartTime)
	require.NotNil(t, final.EndTime)
	assert.Equal(t, time.Minute, final.Duration())
	assert.Equal(t, 0, final.TotalKeypresses)
	assert.Equal(t, 1, final.SkippedLines)
	assert.NotNil(t, final.KeypressCounts)
}
