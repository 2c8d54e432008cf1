package snapshot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func regionIDs(ranges []Range) []uint64 {
	out := make([]uint64, len(ranges))
	for i, r := range ranges {
		out[i] = r.RegionID
	}
	return out
}

func TestPendingDeleteRangesDrainAndTimeout(t *testing.T) {
	p := NewPendingDeleteRanges()
	t0 := time.Now()

	p.Insert(1, []byte("a"), []byte("c"), t0.Add(time.Second))
	p.Insert(1, []byte("m"), []byte("n"), t0.Add(3*time.Second))
	p.Insert(1, []byte("x"), []byte("z"), t0.Add(3*time.Second))
	p.Insert(2, []byte("f"), []byte("i"), t0.Add(3*time.Second))
	p.Insert(2, []byte("p"), []byte("t"), t0.Add(3*time.Second))
	require.Equal(t, 5, p.Len())

	overlap := p.DrainOverlapRanges([]byte("g"), []byte("q"))
	assert.Equal(t, []uint64{2, 1, 2}, regionIDs(overlap))
	assert.Equal(t, 2, p.Len())

	p.Insert(3, []byte("g"), []byte("q"), t0.Add(3*time.Second))
	require.Equal(t, 3, p.Len())

	due1 := p.TimeoutRanges(t0.Add(2 * time.Second))
	assert.Len(t, due1, 1)
	assert.Equal(t, uint64(1), due1[0].RegionID)
	p.Remove(due1[0].StartKey)
	assert.Equal(t, 2, p.Len())

	due2 := p.TimeoutRanges(t0.Add(4 * time.Second))
	assert.Len(t, due2, 2)
	for _, r := range due2 {
		p.Remove(r.StartKey)
	}
	assert.Equal(t, 0, p.Len())
}

func TestInsertOverlapPanics(t *testing.T) {
	p := NewPendingDeleteRanges()
	p.Insert(1, []byte("a"), []byte("c"), time.Now())
	assert.Panics(t, func() {
		p.Insert(2, []byte("b"), []byte("d"), time.Now())
	})
}

func TestFindOverlapRangesNoMatch(t *testing.T) {
	p := NewPendingDeleteRanges()
	p.Insert(1, []byte("a"), []byte("b"), time.Now())
	overlap := p.FindOverlapRanges([]byte("c"), []byte("d"))
	assert.Empty(t, overlap)
}
