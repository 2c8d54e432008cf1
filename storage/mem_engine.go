package storage

import (
	"sort"
	"sync"

	"github.com/chronodb/regioncdc/raftlog"
)

// MemEngine is an in-memory Engine implementation with no cgo dependency,
// used by the unit tests of the snapshot package and cmd/regioncdc. Its
// Level0FileCount is driven by SetLevel0FileCount rather than real
// compaction stats, so tests can deterministically exercise the
// admission gate.
type MemEngine struct {
	mu       sync.Mutex
	cfs      map[raftlog.CF]map[string][]byte
	level0   map[raftlog.CF]int
}

func NewMemEngine() *MemEngine {
	return &MemEngine{
		cfs:    make(map[raftlog.CF]map[string][]byte),
		level0: make(map[raftlog.CF]int),
	}
}

func (e *MemEngine) cf(cf raftlog.CF) map[string][]byte {
	m, ok := e.cfs[cf]
	if !ok {
		m = make(map[string][]byte)
		e.cfs[cf] = m
	}
	return m
}

func (e *MemEngine) Get(cf raftlog.CF, key []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.cf(cf)[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte{}, v...), nil
}

func (e *MemEngine) Put(cf raftlog.CF, key, value []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cf(cf)[string(key)] = append([]byte{}, value...)
	return nil
}

func (e *MemEngine) DeleteAllInRange(cf raftlog.CF, startKey, endKey []byte, useDeleteRange bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	m := e.cf(cf)
	for k := range m {
		if keyInRange([]byte(k), startKey, endKey) {
			delete(m, k)
		}
	}
	return nil
}

func (e *MemEngine) DeleteFilesInRange(cf raftlog.CF, startKey, endKey []byte) error {
	return e.DeleteAllInRange(cf, startKey, endKey, false)
}

func (e *MemEngine) Flush(cf raftlog.CF, sync bool) error { return nil }

func (e *MemEngine) Level0FileCount(cf raftlog.CF) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.level0[cf], nil
}

// SetLevel0FileCount lets tests simulate compaction backlog on cf.
func (e *MemEngine) SetLevel0FileCount(cf raftlog.CF, n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.level0[cf] = n
}

// Keys returns cf's keys in sorted order, for test assertions.
func (e *MemEngine) Keys(cf raftlog.CF) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.cf(cf)))
	for k := range e.cf(cf) {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Iterator builds a snapshot of cf's matching keys up front (sorted,
// range-filtered), since the backing map offers no ordered cursor.
func (e *MemEngine) Iterator(cf raftlog.CF, startKey, endKey []byte, keysOnly bool) (Iterator, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m := e.cf(cf)
	ks := make([]string, 0, len(m))
	for k := range m {
		if keyInRange([]byte(k), startKey, endKey) {
			ks = append(ks, k)
		}
	}
	sort.Strings(ks)
	items := make([]ScanItem, 0, len(ks))
	for _, k := range ks {
		item := ScanItem{Key: []byte(k)}
		if !keysOnly {
			item.Value = append([]byte{}, m[k]...)
		}
		items = append(items, item)
	}
	return &memIterator{items: items}, nil
}

// memIterator is a static snapshot cursor over pre-filtered items.
type memIterator struct {
	items []ScanItem
	idx   int
}

func (it *memIterator) Valid() bool     { return it.idx < len(it.items) }
func (it *memIterator) Next()           { it.idx++ }
func (it *memIterator) Item() ScanItem  { return it.items[it.idx] }
func (it *memIterator) Err() error      { return nil }
func (it *memIterator) Close()          {}
