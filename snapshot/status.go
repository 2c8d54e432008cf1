package snapshot

import (
	"errors"
	"sync/atomic"
)

// Status is the atomic state word an Apply task's caller polls: it moves
// Pending -> Running (CAS, the worker claims it) -> Finished or Failed,
// or Cancelling -> Cancelled if the caller aborts mid-apply.
type Status int32

const (
	StatusPending Status = iota
	StatusRunning
	StatusFinished
	StatusFailed
	StatusCancelling
	StatusCancelled
)

// ErrAbort is returned by an apply step when its Status has moved to
// Cancelling, the sentinel snapshot.Worker checks with errors.Is to
// distinguish a deliberate abort from a real failure.
var ErrAbort = errors.New("snapshot: apply aborted")

// AtomicStatus wraps a Status in a CAS-friendly atomic cell.
type AtomicStatus struct {
	v atomic.Int32
}

func NewAtomicStatus(s Status) *AtomicStatus {
	a := &AtomicStatus{}
	a.v.Store(int32(s))
	return a
}

func (a *AtomicStatus) Load() Status { return Status(a.v.Load()) }

func (a *AtomicStatus) CompareAndSwap(old, new Status) bool {
	return a.v.CompareAndSwap(int32(old), int32(new))
}

func (a *AtomicStatus) Store(s Status) { a.v.Store(int32(s)) }
