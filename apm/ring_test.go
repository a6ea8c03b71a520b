package apm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRing_CurrentEntry_SameIntervalReturnsSameHistogram(t *testing.T) {
	r := NewRing(4, 100)

	h1 := r.CurrentEntry(0)
	h1.Update(5)
	h2 := r.CurrentEntry(50)

	assert.Same(t, h1, h2)
	assert.Equal(t, uint64(1), h2.TotCnt())
}

func TestRing_CurrentEntry_NewIntervalResetsRecycledSlot(t *testing.T) {
	r := NewRing(2, 100)

	h0 := r.CurrentEntry(0)
	h0.Update(5)
	require.Equal(t, uint64(1), h0.TotCnt())

	h1 := r.CurrentEntry(100)
	assert.NotSame(t, h0, h1)
	assert.Equal(t, uint64(0), h1.TotCnt())

	// interval index 2 recycles slot 0, which held interval 0's data.
	h2 := r.CurrentEntry(200)
	assert.Same(t, h0, h2)
	assert.Equal(t, uint64(0), h2.TotCnt())
}

func TestRing_Window_SkipsUnreachedSlots(t *testing.T) {
	r := NewRing(4, 100)
	r.CurrentEntry(0).Update(1)
	r.CurrentEntry(300).Update(2)

	win := r.Window(0, 3)
	assert.Len(t, win, 2)
}

func TestRingControl_Update_FirstCallAlwaysRecalcs(t *testing.T) {
	r := NewRing(3, 100)
	rc := NewRingControl()

	needRecalc, start, end := rc.Update(r, 0)
	assert.True(t, needRecalc)
	assert.Equal(t, int64(-2), start)
	assert.Equal(t, int64(0), end)
}

func TestRingControl_Update_NoChangeSkipsRecalc(t *testing.T) {
	r := NewRing(3, 100)
	rc := NewRingControl()

	rc.Update(r, 0)
	needRecalc, _, _ := rc.Update(r, 10)
	assert.False(t, needRecalc)
}

func TestRingControl_Update_NewSampleTriggersRecalc(t *testing.T) {
	r := NewRing(3, 100)
	rc := NewRingControl()

	rc.Update(r, 0)
	r.CurrentEntry(10).Update(7)
	needRecalc, _, _ := rc.Update(r, 20)
	assert.True(t, needRecalc)
}

func TestRingControl_Update_SteadyStateTracksCurrentEntryOnly(t *testing.T) {
	r := NewRing(3, 100)
	rc := NewRingControl()

	r.CurrentEntry(0).Update(1)
	rc.Update(r, 0)

	// No new sample lands in the current entry; total should be carried
	// forward via the O(1) delta path, with no recalc needed.
	needRecalc, _, _ := rc.Update(r, 10)
	assert.False(t, needRecalc)

	r.CurrentEntry(20).Update(2)
	needRecalc, _, _ = rc.Update(r, 20)
	assert.True(t, needRecalc)

	needRecalc, _, _ = rc.Update(r, 30)
	assert.False(t, needRecalc)
}

func TestRingControl_Update_WindowSlideTriggersRecalc(t *testing.T) {
	r := NewRing(3, 100)
	rc := NewRingControl()

	rc.Update(r, 0)
	needRecalc, start, _ := rc.Update(r, 100)
	assert.True(t, needRecalc)
	assert.Equal(t, int64(-1), start)
}
