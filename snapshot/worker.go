package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chronodb/regioncdc/storage"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "snapshot")

// GenerateFunc produces the on-disk snapshot payload for a region at a
// point-in-time read view; the storage engine's exact snapshot format is
// out of scope (see SPEC_FULL.md non-goals), so the worker treats it as
// an opaque callback supplied by the storage layer.
type GenerateFunc func(ctx context.Context, regionID uint64) error

// ApplyFunc ingests a previously generated snapshot into the engine for
// regionID, returning ErrAbort if status moved to Cancelling mid-flight.
type ApplyFunc func(ctx context.Context, regionID uint64, status *AtomicStatus) error

// GenTask asks the worker to materialize a snapshot for RegionID.
type GenTask struct {
	RegionID uint64
	Notify   func(error)
}

// ApplyTask asks the worker to ingest a previously generated snapshot.
// Status starts at StatusPending; the caller may move it to
// StatusCancelling to request an abort.
type ApplyTask struct {
	RegionID uint64
	Status   *AtomicStatus
}

// DestroyTask asks the worker to quarantine [StartKey, EndKey) for
// delayed deletion (or delete it immediately, if delay is disabled).
type DestroyTask struct {
	RegionID uint64
	StartKey []byte
	EndKey   []byte
}

const (
	generatePoolSize          = 2
	pendingApplyCheckInterval = time.Second
	staleRangeCheckInterval   = 10 * time.Second
	cleanupMaxDuration        = 5 * time.Second
)

// Config tunes a Worker's admission gate and stale-range cleanup delay.
type Config struct {
	Engine               storage.Engine
	UseDeleteRange        bool
	CleanStalePeerDelay   time.Duration
	Level0SlowdownTrigger int
	Generate              GenerateFunc
	Apply                 ApplyFunc
}

// Worker runs a bounded-concurrency snapshot generator pool and a
// strictly-FIFO apply queue gated by the engine's compaction backlog,
// plus the quarantine-then-delete lifecycle for stale key ranges left
// behind by splits and merges.
//
// Worker's exported methods are safe to call concurrently; the queue and
// PendingDeleteRanges themselves are owned by the single goroutine run by
// Run.
type Worker struct {
	cfg Config
	pdr *PendingDeleteRanges

	genSem chan struct{}

	mu             sync.Mutex
	pendingApplies []ApplyTask

	tasks chan any
	done  chan struct{}
}

func NewWorker(cfg Config) *Worker {
	return &Worker{
		cfg:    cfg,
		pdr:    NewPendingDeleteRanges(),
		genSem: make(chan struct{}, generatePoolSize),
		tasks:  make(chan any, 256),
		done:   make(chan struct{}),
	}
}

// Submit enqueues a task. Gen tasks run concurrently on the bounded
// generator pool; Submit blocks while generatePoolSize of them are
// already running. Apply and Destroy tasks
// are handled by the single worker goroutine in submission order.
func (w *Worker) Submit(task any) {
	switch t := task.(type) {
	case GenTask:
		w.genSem <- struct{}{}
		go func() {
			defer func() { <-w.genSem }()
			err := w.cfg.Generate(context.Background(), t.RegionID)
			if err != nil {
				log.WithError(err).WithField("region_id", t.RegionID).Error("snapshot: generate failed")
			}
			if t.Notify != nil {
				t.Notify(err)
			}
		}()
	default:
		w.tasks <- task
	}
}

// Run drives the apply queue and the periodic admission/cleanup ticks
// until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	applyTicker := time.NewTicker(pendingApplyCheckInterval)
	staleTicker := time.NewTicker(staleRangeCheckInterval)
	defer applyTicker.Stop()
	defer staleTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(w.done)
			return
		case task := <-w.tasks:
			w.handle(ctx, task)
		case <-applyTicker.C:
			w.handlePendingApplies(ctx)
		case <-staleTicker.C:
			w.cleanTimeoutRanges()
		}
	}
}

func (w *Worker) handle(ctx context.Context, task any) {
	switch t := task.(type) {
	case ApplyTask:
		w.mu.Lock()
		w.pendingApplies = append(w.pendingApplies, t)
		w.mu.Unlock()
		w.handlePendingApplies(ctx)
	case DestroyTask:
		w.handleDestroy(t)
	}
}

// handlePendingApplies drains the FIFO apply queue while the admission
// gate is open, stopping at the first region whose apply would stall
// behind a compaction backlog; remaining tasks wait for the next tick.
func (w *Worker) handlePendingApplies(ctx context.Context) {
	for {
		stall, err := storage.IngestMaybeStall(w.cfg.Engine, w.cfg.Level0SlowdownTrigger)
		if err != nil {
			log.WithError(err).Error("snapshot: ingest_maybe_stall probe failed")
			return
		}
		if stall {
			return
		}
		w.mu.Lock()
		if len(w.pendingApplies) == 0 {
			w.mu.Unlock()
			return
		}
		t := w.pendingApplies[0]
		w.pendingApplies = w.pendingApplies[1:]
		w.mu.Unlock()

		w.runApply(ctx, t)
	}
}

func (w *Worker) runApply(ctx context.Context, t ApplyTask) {
	if !t.Status.CompareAndSwap(StatusPending, StatusRunning) {
		return
	}
	err := w.cfg.Apply(ctx, t.RegionID, t.Status)
	switch {
	case err == nil:
		t.Status.Store(StatusFinished)
	case errors.Is(err, ErrAbort):
		if !t.Status.CompareAndSwap(StatusCancelling, StatusCancelled) {
			log.WithField("region_id", t.RegionID).Error("snapshot: abort observed but status was not Cancelling")
		}
	default:
		log.WithError(err).WithField("region_id", t.RegionID).Error("snapshot: apply failed")
		t.Status.Store(StatusFailed)
	}
}

func (w *Worker) handleDestroy(t DestroyTask) {
	if w.insertPendingDeleteRange(t.RegionID, t.StartKey, t.EndKey) {
		return
	}
	if err := w.cleanupRange(t.RegionID, t.StartKey, t.EndKey, false); err != nil {
		log.WithError(err).WithField("region_id", t.RegionID).Error("snapshot: immediate cleanup_range failed")
	}
}

// insertPendingDeleteRange quarantines [start, end) for delayed deletion
// and returns true, unless CleanStalePeerDelay is zero, in which case it
// returns false and leaves deletion to the caller.
func (w *Worker) insertPendingDeleteRange(regionID uint64, start, end []byte) bool {
	if w.cfg.CleanStalePeerDelay == 0 {
		return false
	}
	w.cleanupOverlapRanges(start, end)
	w.pdr.Insert(regionID, start, end, time.Now().Add(w.cfg.CleanStalePeerDelay))
	return true
}

func (w *Worker) cleanupOverlapRanges(start, end []byte) {
	for _, r := range w.pdr.DrainOverlapRanges(start, end) {
		if err := w.cleanupRange(r.RegionID, r.StartKey, r.EndKey, false); err != nil {
			log.WithError(err).WithField("region_id", r.RegionID).Error("snapshot: cleanup_overlap_ranges failed")
		}
	}
}

// cleanupRange deletes a key range from every CDC-relevant CF.
// useDeleteFiles additionally drops whole SST files first, appropriate
// once a range's quarantine timeout has elapsed (not for the immediate,
// still-possibly-referenced overlap cleanup done at insert time).
func (w *Worker) cleanupRange(regionID uint64, start, end []byte, useDeleteFiles bool) error {
	for _, cf := range storage.SnapshotCFs {
		if useDeleteFiles {
			if err := w.cfg.Engine.DeleteFilesInRange(cf, start, end); err != nil {
				return fmt.Errorf("delete_files_in_range cf=%s region=%d: %w", cf, regionID, err)
			}
		}
		if err := w.cfg.Engine.DeleteAllInRange(cf, start, end, w.cfg.UseDeleteRange); err != nil {
			return fmt.Errorf("delete_all_in_range cf=%s region=%d: %w", cf, regionID, err)
		}
	}
	log.WithField("region_id", regionID).Info("snapshot: cleaned up key range")
	return nil
}

// cleanTimeoutRanges cleans every range whose quarantine has elapsed,
// bounding itself to cleanupMaxDuration per tick so a large backlog of
// stale ranges cannot starve the apply queue; stragglers retry next tick.
func (w *Worker) cleanTimeoutRanges() {
	start := time.Now()
	due := w.pdr.TimeoutRanges(start)
	cleaned := make([]Range, 0, len(due))
	for _, r := range due {
		if time.Since(start) >= cleanupMaxDuration {
			log.Warn("snapshot: clean_timeout_ranges exceeded its time budget, deferring remainder")
			break
		}
		if err := w.cleanupRange(r.RegionID, r.StartKey, r.EndKey, true); err != nil {
			log.WithError(err).WithField("region_id", r.RegionID).Error("snapshot: clean_timeout_ranges failed")
			continue
		}
		cleaned = append(cleaned, r)
	}
	for _, r := range cleaned {
		if _, ok := w.pdr.Remove(r.StartKey); !ok {
			log.WithField("region_id", r.RegionID).Error("snapshot: cleaned range vanished from PendingDeleteRanges")
		}
	}
}

// PendingDeleteRangeCount exposes the gauge metric backing value.
func (w *Worker) PendingDeleteRangeCount() int { return w.pdr.Len() }
