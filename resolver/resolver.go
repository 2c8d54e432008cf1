// Package resolver computes each region's resolved timestamp: the
// largest T such that no tracked lock has a start_ts strictly below T.
package resolver

import (
	"sort"

	"github.com/chronodb/regioncdc/keys"
)

// Resolver tracks the set of in-flight (locked but not yet
// committed-or-rolled-back) transactions for one region, keyed by their
// start_ts, and derives a resolved timestamp bounded by the most recent
// min_ts observed from the PD-equivalent timestamp oracle.
//
// Not safe for concurrent use; callers serialize access through the
// owning region's task lane.
type Resolver struct {
	regionID uint64
	// locks maps start_ts -> set of raw keys still locked at that
	// start_ts. A start_ts entry is removed once its last lock clears.
	locks map[keys.TimeStamp]map[string]struct{}
	// resolvedTs is the most recently computed resolved timestamp; it
	// never decreases.
	resolvedTs keys.TimeStamp
}

func New(regionID uint64) *Resolver {
	return &Resolver{
		regionID: regionID,
		locks:    make(map[keys.TimeStamp]map[string]struct{}),
	}
}

// TrackLock records a newly observed prewrite lock at startTs for key.
func (r *Resolver) TrackLock(startTs keys.TimeStamp, key []byte) {
	set, ok := r.locks[startTs]
	if !ok {
		set = make(map[string]struct{})
		r.locks[startTs] = set
	}
	set[string(key)] = struct{}{}
}

// UntrackLock removes a previously tracked lock, whether it resolved via
// commit (commitTs set) or rollback (commitTs nil); either way the lock
// no longer blocks resolution.
func (r *Resolver) UntrackLock(startTs keys.TimeStamp, commitTs *keys.TimeStamp, key []byte) {
	set, ok := r.locks[startTs]
	if !ok {
		return
	}
	delete(set, string(key))
	if len(set) == 0 {
		delete(r.locks, startTs)
	}
}

// Resolve advances the resolved timestamp as far as minTs allows: the
// largest value not exceeding minTs nor the oldest outstanding lock's
// start_ts. It never returns a value lower than the
// previously resolved timestamp.
func (r *Resolver) Resolve(minTs keys.TimeStamp) keys.TimeStamp {
	candidate := minTs
	if len(r.locks) > 0 {
		oldest := r.oldestLock()
		if oldest < candidate {
			candidate = oldest
		}
	}
	if candidate < r.resolvedTs {
		candidate = r.resolvedTs
	}
	r.resolvedTs = candidate
	return candidate
}

// ResolvedTs returns the last computed resolved timestamp without
// advancing it.
func (r *Resolver) ResolvedTs() keys.TimeStamp { return r.resolvedTs }

// LockCount reports the number of outstanding locks, counting every
// tracked key under every start_ts.
func (r *Resolver) LockCount() int {
	n := 0
	for _, set := range r.locks {
		n += len(set)
	}
	return n
}

func (r *Resolver) oldestLock() keys.TimeStamp {
	startTss := make([]keys.TimeStamp, 0, len(r.locks))
	for ts := range r.locks {
		startTss = append(startTss, ts)
	}
	sort.Slice(startTss, func(i, j int) bool { return startTss[i] < startTss[j] })
	return startTss[0]
}
