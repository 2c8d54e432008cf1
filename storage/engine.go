// Package storage defines the storage-engine collaborator interface the
// snapshot-apply worker and the CDC delegate's old-value lookups depend
// on, plus two implementations: a gorocksdb-backed engine for production
// and an in-memory engine for tests.
package storage

import (
	"bytes"
	"errors"

	"github.com/chronodb/regioncdc/raftlog"
)

// ErrNotFound is returned by Get when a key is absent from the CF.
var ErrNotFound = errors.New("storage: key not found")

// Engine is the narrow surface region delegates and the snapshot worker
// need from the storage engine: point lookups for old-value fetches,
// range deletion for snapshot apply and stale-range cleanup, and level-0
// file-count probes for the snapshot admission gate.
type Engine interface {
	Get(cf raftlog.CF, key []byte) ([]byte, error)
	Put(cf raftlog.CF, key, value []byte) error

	// DeleteAllInRange removes every key in [startKey, endKey) on cf.
	// useDeleteRange requests a single delete_range tombstone instead of
	// point deletes, unavailable on the lock CF (matching
	// engine_rocks::misc's cf != CF_LOCK guard).
	DeleteAllInRange(cf raftlog.CF, startKey, endKey []byte, useDeleteRange bool) error

	// DeleteFilesInRange drops whole SST files fully contained in the
	// range without rewriting them, used by stale-range cleanup once its
	// timeout has elapsed.
	DeleteFilesInRange(cf raftlog.CF, startKey, endKey []byte) error

	// Flush forces a memtable flush on cf; sync blocks until the flush
	// has completed.
	Flush(cf raftlog.CF, sync bool) error

	// Level0FileCount reports the number of level-0 SST files on cf,
	// the signal the snapshot admission gate polls.
	Level0FileCount(cf raftlog.CF) (int, error)

	// Iterator opens a bounded iterator over cf's keys in [startKey,
	// endKey), the collaborator a region's initial incremental scan reads
	// its lock-CF prewrites and write-CF commits through; an empty
	// endKey means unbounded. keysOnly skips loading values, for callers
	// that only need to know a key exists.
	Iterator(cf raftlog.CF, startKey, endKey []byte, keysOnly bool) (Iterator, error)
}

// ScanItem is one key/value pair yielded by an Iterator. Value is nil
// when the iterator was opened key-only.
type ScanItem struct {
	Key   []byte
	Value []byte
}

// Iterator walks one column family's keys in order over a bounded range,
// positioned at the first in-range key (if any) as soon as it is
// returned by Engine.Iterator.
type Iterator interface {
	Valid() bool
	Next()
	Item() ScanItem
	Err() error
	Close()
}

// SnapshotCFs lists the column families the snapshot admission gate
// inspects. The lock CF is excluded: a plain key-value CF with no
// compaction backlog concerns for ingestion stalls, mirroring
// engine_rocks's plain_file_used(CF_LOCK) == true short-circuit.
var SnapshotCFs = []raftlog.CF{raftlog.CFDefault, raftlog.CFWrite, raftlog.CFRaft}

// IngestMaybeStall reports whether any CF in SnapshotCFs has accumulated
// enough level-0 files to justify stalling new snapshot applies, gated by
// threshold (the engine's configured level0_slowdown_writes_trigger).
func IngestMaybeStall(e Engine, threshold int) (bool, error) {
	for _, cf := range SnapshotCFs {
		n, err := e.Level0FileCount(cf)
		if err != nil {
			return false, err
		}
		if n >= threshold {
			return true, nil
		}
	}
	return false, nil
}

// keyInRange reports start <= key < end, with an empty end meaning
// unbounded.
func keyInRange(key, start, end []byte) bool {
	if bytes.Compare(key, start) < 0 {
		return false
	}
	if len(end) == 0 {
		return true
	}
	return bytes.Compare(key, end) < 0
}
