package cdc

import (
	"github.com/chronodb/regioncdc/wire"
)

// ScanEntryKind discriminates one incremental-scan reply entry.
type ScanEntryKind int

const (
	ScanPrewrite ScanEntryKind = iota
	ScanCommit
	ScanInitialized // sentinel: scan exhausted, emit the Initialized marker row
)

// ScanEntry is one row replayed from the initial incremental scan that
// primes a newly-subscribed downstream with the region's current state
// before live events begin.
type ScanEntry struct {
	Kind     ScanEntryKind
	Key      []byte
	Value    []byte // lock-cf or write-cf record, decodeLock/decodeWrite re-parses it
	Default  []byte // default-cf value, when the record did not inline one
	StartTs  uint64
}

// OnScan replays entries for one downstream found by id (searching
// whichever of pending/live downstream lists is currently authoritative),
// chunking the resulting rows into Entries events bounded by
// wire.EventMaxSize, and sinks each chunk to that downstream alone (scan
// replay is never broadcast). Rows decoded from a Rollback write-CF
// record are dropped: a scan is a point-in-time snapshot and must never
// surface the noise of resolved-but-rolled-back transactions.
func (d *Delegate) OnScan(downstreamID uint64, entries []ScanEntry) {
	down := d.Downstream(downstreamID)
	if down == nil {
		log.WithField("downstream_id", downstreamID).Warn("cdc: on_scan for unknown downstream")
		return
	}

	chunks := [][]wire.Row{{}}
	currentSize := 0

	pushRow := func(row wire.Row, rowSize int) {
		if currentSize+rowSize >= wire.EventMaxSize {
			chunks = append(chunks, nil)
			currentSize = 0
		}
		currentSize += rowSize
		last := len(chunks) - 1
		chunks[last] = append(chunks[last], row)
	}

	for _, e := range entries {
		switch e.Kind {
		case ScanPrewrite:
			row := &wire.Row{}
			if decodeLock(e.Key, e.Value, row) {
				continue
			}
			decodeDefault(e.Default, row)
			pushRow(*row, len(row.Key)+len(row.Value))

		case ScanCommit:
			row := &wire.Row{}
			if decodeWrite(e.Key, e.Value, row) {
				continue
			}
			if row.Type == wire.RowRollback {
				continue
			}
			// decodeWrite defaults to RowCommit (a live commit whose
			// Prewrite was sent separately); a scan reply is
			// self-contained, so its commit rows are Committed instead.
			row.Type = wire.RowCommitted
			decodeDefault(e.Default, row)
			pushRow(*row, len(row.Key)+len(row.Value))

		case ScanInitialized:
			last := len(chunks) - 1
			chunks[last] = append(chunks[last], wire.Row{Type: wire.RowInitialized})
		}
	}

	for _, rows := range chunks {
		if len(rows) == 0 {
			continue
		}
		ev := wire.Event{
			RegionID: d.RegionID,
			Kind:     wire.KindEntries,
			Entries:  &wire.Entries{Rows: rows},
		}
		down.sinkEvent(ev, log)
	}
}
