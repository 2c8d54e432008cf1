package main

import (
	"github.com/chronodb/regioncdc/cdc"
	"github.com/chronodb/regioncdc/keys"
	"github.com/chronodb/regioncdc/raftlog"
	"github.com/chronodb/regioncdc/storage"
)

// buildScanEntries performs the initial incremental scan for a region: its
// lock-CF prewrites and write-CF commits, each carrying its default-CF
// value when one was not inlined as a short value, terminated by an
// Initialized marker row. This is the one place storage.Engine's
// iterator is actually exercised.
func buildScanEntries(engine storage.Engine, region cdc.Region) ([]cdc.ScanEntry, error) {
	start, end := encodedBound(region.StartKey), encodedBound(region.EndKey)
	var entries []cdc.ScanEntry

	lockIt, err := engine.Iterator(raftlog.CFLock, start, end, false)
	if err != nil {
		return nil, err
	}
	defer lockIt.Close()
	for lockIt.Valid() {
		item := lockIt.Item()
		entry := cdc.ScanEntry{Kind: cdc.ScanPrewrite, Key: item.Key, Value: item.Value}
		if dk, ok := cdc.DefaultValueKeyForLock(item.Key, item.Value); ok {
			if dv, err := engine.Get(raftlog.CFDefault, dk.AsEncoded()); err == nil {
				entry.Default = dv
			}
		}
		entries = append(entries, entry)
		lockIt.Next()
	}
	if err := lockIt.Err(); err != nil {
		return nil, err
	}

	writeIt, err := engine.Iterator(raftlog.CFWrite, start, end, false)
	if err != nil {
		return nil, err
	}
	defer writeIt.Close()
	for writeIt.Valid() {
		item := writeIt.Item()
		entry := cdc.ScanEntry{Kind: cdc.ScanCommit, Key: item.Key, Value: item.Value}
		if dk, ok := cdc.DefaultValueKeyForWrite(item.Key, item.Value); ok {
			if dv, err := engine.Get(raftlog.CFDefault, dk.AsEncoded()); err == nil {
				entry.Default = dv
			}
		}
		entries = append(entries, entry)
		writeIt.Next()
	}
	if err := writeIt.Err(); err != nil {
		return nil, err
	}

	entries = append(entries, cdc.ScanEntry{Kind: cdc.ScanInitialized})
	return entries, nil
}

// encodedBound memcomparable-encodes a region boundary key, leaving an
// empty (unbounded) boundary untouched: FromRaw(nil) would otherwise
// encode to a non-empty padded group, breaking storage.Engine's
// empty-means-unbounded convention.
func encodedBound(raw []byte) []byte {
	if len(raw) == 0 {
		return nil
	}
	return keys.FromRaw(raw).AsEncoded()
}
