package storage

import (
	"fmt"
	"strconv"

	"github.com/chronodb/regioncdc/raftlog"
	"github.com/jgraettinger/gorocksdb"
)

// RocksEngine backs storage.Engine with an embedded RocksDB instance via
// gorocksdb, grounded on the column-family-handle bookkeeping in
// go/bindings/rocksdb_env.go.
type RocksEngine struct {
	db      *gorocksdb.DB
	cfs     map[raftlog.CF]*gorocksdb.ColumnFamilyHandle
	ro      *gorocksdb.ReadOptions
	wo      *gorocksdb.WriteOptions
}

// OpenRocksEngine opens (or creates) a RocksDB instance at path with one
// column family per entry in cfNames, in addition to the default CF.
func OpenRocksEngine(path string, cfNames []raftlog.CF) (*RocksEngine, error) {
	opts := gorocksdb.NewDefaultOptions()
	opts.SetCreateIfMissing(true)
	opts.SetCreateIfMissingColumnFamilies(true)

	names := []string{"default"}
	cfOpts := []*gorocksdb.Options{opts}
	for _, cf := range cfNames {
		if cf == raftlog.CFDefault {
			continue
		}
		names = append(names, string(cf))
		cfOpts = append(cfOpts, opts)
	}

	db, handles, err := gorocksdb.OpenDbColumnFamilies(opts, path, names, cfOpts)
	if err != nil {
		return nil, fmt.Errorf("storage: open rocksdb at %s: %w", path, err)
	}

	e := &RocksEngine{
		db:  db,
		cfs: make(map[raftlog.CF]*gorocksdb.ColumnFamilyHandle),
		ro:  gorocksdb.NewDefaultReadOptions(),
		wo:  gorocksdb.NewDefaultWriteOptions(),
	}
	for i, name := range names {
		if name == "default" {
			e.cfs[raftlog.CFDefault] = handles[i]
			continue
		}
		e.cfs[raftlog.CF(name)] = handles[i]
	}
	return e, nil
}

func (e *RocksEngine) handle(cf raftlog.CF) (*gorocksdb.ColumnFamilyHandle, error) {
	h, ok := e.cfs[cf]
	if !ok {
		return nil, fmt.Errorf("storage: unknown column family %q", cf)
	}
	return h, nil
}

func (e *RocksEngine) Get(cf raftlog.CF, key []byte) ([]byte, error) {
	h, err := e.handle(cf)
	if err != nil {
		return nil, err
	}
	slice, err := e.db.GetCF(e.ro, h, key)
	if err != nil {
		return nil, fmt.Errorf("storage: get cf=%s: %w", cf, err)
	}
	defer slice.Free()
	if !slice.Exists() {
		return nil, ErrNotFound
	}
	return append([]byte{}, slice.Data()...), nil
}

func (e *RocksEngine) Put(cf raftlog.CF, key, value []byte) error {
	h, err := e.handle(cf)
	if err != nil {
		return err
	}
	if err := e.db.PutCF(e.wo, h, key, value); err != nil {
		return fmt.Errorf("storage: put cf=%s: %w", cf, err)
	}
	return nil
}

// DeleteAllInRange mirrors engine_rocks::misc::delete_all_in_range_cf: a
// single delete_range tombstone when allowed, else a batched
// point-delete iteration (the lock CF never uses delete_range, since a
// dangling range tombstone there could mask a lock re-acquired at the
// same key before compaction clears it).
func (e *RocksEngine) DeleteAllInRange(cf raftlog.CF, startKey, endKey []byte, useDeleteRange bool) error {
	h, err := e.handle(cf)
	if err != nil {
		return err
	}
	if useDeleteRange && cf != raftlog.CFLock {
		wb := gorocksdb.NewWriteBatch()
		defer wb.Destroy()
		wb.DeleteRangeCF(h, startKey, endKey)
		if err := e.db.Write(e.wo, wb); err != nil {
			return fmt.Errorf("storage: delete_range cf=%s: %w", cf, err)
		}
		return nil
	}

	const maxBatchCount = 1 << 16
	it := e.db.NewIteratorCF(e.ro, h)
	defer it.Close()
	wb := gorocksdb.NewWriteBatch()
	defer wb.Destroy()
	count := 0
	for it.Seek(startKey); it.Valid(); it.Next() {
		key := it.Key()
		k := append([]byte{}, key.Data()...)
		key.Free()
		if len(endKey) > 0 && string(k) >= string(endKey) {
			break
		}
		wb.DeleteCF(h, k)
		count++
		if count >= maxBatchCount {
			if err := e.db.Write(e.wo, wb); err != nil {
				return fmt.Errorf("storage: delete_all_in_range cf=%s: %w", cf, err)
			}
			wb.Clear()
			count = 0
		}
	}
	if wb.Count() > 0 {
		if err := e.db.Write(e.wo, wb); err != nil {
			return fmt.Errorf("storage: delete_all_in_range cf=%s: %w", cf, err)
		}
	}
	return nil
}

func (e *RocksEngine) DeleteFilesInRange(cf raftlog.CF, startKey, endKey []byte) error {
	h, err := e.handle(cf)
	if err != nil {
		return err
	}
	if err := e.db.DeleteFileInRangeCF(h, startKey, endKey); err != nil {
		return fmt.Errorf("storage: delete_files_in_range cf=%s: %w", cf, err)
	}
	return nil
}

func (e *RocksEngine) Flush(cf raftlog.CF, sync bool) error {
	h, err := e.handle(cf)
	if err != nil {
		return err
	}
	opts := gorocksdb.NewDefaultFlushOptions()
	defer opts.Destroy()
	opts.SetWait(sync)
	if err := e.db.FlushCF(h, opts); err != nil {
		return fmt.Errorf("storage: flush cf=%s: %w", cf, err)
	}
	return nil
}

// Level0FileCount reads the "rocksdb.num-files-at-level0" property,
// the same signal engine_rocks's ingest_maybe_slowdown_writes polls.
func (e *RocksEngine) Level0FileCount(cf raftlog.CF) (int, error) {
	h, err := e.handle(cf)
	if err != nil {
		return 0, err
	}
	v := e.db.GetPropertyCF("rocksdb.num-files-at-level0", h)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("storage: parse num-files-at-level0 for cf=%s: %w", cf, err)
	}
	return n, nil
}

// Iterator opens a gorocksdb iterator on cf, seeked to startKey; Valid
// additionally bounds it against endKey since gorocksdb's own iterator
// has no upper-bound option wired here.
func (e *RocksEngine) Iterator(cf raftlog.CF, startKey, endKey []byte, keysOnly bool) (Iterator, error) {
	h, err := e.handle(cf)
	if err != nil {
		return nil, err
	}
	it := e.db.NewIteratorCF(e.ro, h)
	it.Seek(startKey)
	return &rocksIterator{it: it, endKey: append([]byte{}, endKey...), keysOnly: keysOnly}, nil
}

type rocksIterator struct {
	it       *gorocksdb.Iterator
	endKey   []byte
	keysOnly bool
}

func (r *rocksIterator) Valid() bool {
	if !r.it.Valid() {
		return false
	}
	if len(r.endKey) == 0 {
		return true
	}
	key := r.it.Key()
	defer key.Free()
	return string(key.Data()) < string(r.endKey)
}

func (r *rocksIterator) Next() { r.it.Next() }

func (r *rocksIterator) Item() ScanItem {
	key := r.it.Key()
	item := ScanItem{Key: append([]byte{}, key.Data()...)}
	key.Free()
	if !r.keysOnly {
		val := r.it.Value()
		item.Value = append([]byte{}, val.Data()...)
		val.Free()
	}
	return item
}

func (r *rocksIterator) Err() error { return r.it.Err() }

func (r *rocksIterator) Close() { r.it.Close() }

func (e *RocksEngine) Close() {
	for _, h := range e.cfs {
		h.Destroy()
	}
	e.ro.Destroy()
	e.wo.Destroy()
	e.db.Close()
}
