package snapshot

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chronodb/regioncdc/raftlog"
	"github.com/chronodb/regioncdc/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWorker(t *testing.T, engine *storage.MemEngine) *Worker {
	t.Helper()
	return NewWorker(Config{
		Engine:                engine,
		UseDeleteRange:        true,
		CleanStalePeerDelay:   time.Hour,
		Level0SlowdownTrigger: 5,
		Generate: func(ctx context.Context, regionID uint64) error {
			return nil
		},
		Apply: func(ctx context.Context, regionID uint64, status *AtomicStatus) error {
			return nil
		},
	})
}

func TestAdmissionGateBlocksWhileStalled(t *testing.T) {
	engine := storage.NewMemEngine()
	engine.SetLevel0FileCount(raftlog.CFDefault, 6)
	w := newTestWorker(t, engine)

	var ranOrder []uint64
	var mu sync.Mutex
	w.cfg.Apply = func(ctx context.Context, regionID uint64, status *AtomicStatus) error {
		mu.Lock()
		ranOrder = append(ranOrder, regionID)
		mu.Unlock()
		return nil
	}

	s1 := NewAtomicStatus(StatusPending)
	w.Submit(ApplyTask{RegionID: 1, Status: s1})
	w.handle(context.Background(), <-w.tasks) // what Run does with a submitted task
	w.handlePendingApplies(context.Background())

	assert.Equal(t, StatusPending, s1.Load(), "apply must not run while level-0 is stalled")

	engine.SetLevel0FileCount(raftlog.CFDefault, 2)
	w.handlePendingApplies(context.Background())
	assert.Equal(t, StatusFinished, s1.Load())
	assert.Equal(t, []uint64{1}, ranOrder)
}

func TestApplyFIFOOrder(t *testing.T) {
	engine := storage.NewMemEngine()
	w := newTestWorker(t, engine)

	var ranOrder []uint64
	w.cfg.Apply = func(ctx context.Context, regionID uint64, status *AtomicStatus) error {
		ranOrder = append(ranOrder, regionID)
		return nil
	}

	statuses := make([]*AtomicStatus, 3)
	for i := range statuses {
		statuses[i] = NewAtomicStatus(StatusPending)
		w.Submit(ApplyTask{RegionID: uint64(i + 1), Status: statuses[i]})
	}
	for range statuses {
		w.handle(context.Background(), <-w.tasks) // what Run does with each submitted task
	}
	w.handlePendingApplies(context.Background())

	assert.Equal(t, []uint64{1, 2, 3}, ranOrder)
	for _, s := range statuses {
		assert.Equal(t, StatusFinished, s.Load())
	}
}

func TestApplyAbort(t *testing.T) {
	engine := storage.NewMemEngine()
	w := newTestWorker(t, engine)
	// Simulates the caller requesting an abort mid-flight (Running ->
	// Cancelling); the apply step then surfaces ErrAbort.
	w.cfg.Apply = func(ctx context.Context, regionID uint64, status *AtomicStatus) error {
		require.True(t, status.CompareAndSwap(StatusRunning, StatusCancelling))
		return ErrAbort
	}
	s := NewAtomicStatus(StatusPending)
	w.Submit(ApplyTask{RegionID: 9, Status: s})
	w.handle(context.Background(), <-w.tasks) // what Run does with a submitted task
	w.handlePendingApplies(context.Background())
	assert.Equal(t, StatusCancelled, s.Load())
}

func TestDestroyQuarantinesThenSkipsImmediateCleanup(t *testing.T) {
	engine := storage.NewMemEngine()
	for _, cf := range storage.SnapshotCFs {
		engine.Put(cf, []byte("k"), []byte("v"))
	}
	w := newTestWorker(t, engine)
	w.handleDestroy(DestroyTask{RegionID: 1, StartKey: []byte("a"), EndKey: []byte("z")})

	assert.Equal(t, 1, w.PendingDeleteRangeCount())
	for _, cf := range storage.SnapshotCFs {
		assert.NotEmpty(t, engine.Keys(cf), "quarantined range must not be deleted immediately")
	}
}

func TestDestroyWithoutDelayCleansImmediately(t *testing.T) {
	engine := storage.NewMemEngine()
	for _, cf := range storage.SnapshotCFs {
		engine.Put(cf, []byte("k"), []byte("v"))
	}
	w := newTestWorker(t, engine)
	w.cfg.CleanStalePeerDelay = 0
	w.handleDestroy(DestroyTask{RegionID: 1, StartKey: []byte("a"), EndKey: []byte("z")})

	assert.Equal(t, 0, w.PendingDeleteRangeCount())
	for _, cf := range storage.SnapshotCFs {
		assert.Empty(t, engine.Keys(cf))
	}
}
