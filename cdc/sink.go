package cdc

import (
	"fmt"

	"github.com/chronodb/regioncdc/cdcerr"
	"github.com/chronodb/regioncdc/keys"
	"github.com/chronodb/regioncdc/raftlog"
	"github.com/chronodb/regioncdc/wire"
)

// rowAccumulator aggregates the write/lock/default CF requests of one
// command into per-key rows, preserving first-seen key order so output is
// deterministic even though the underlying storage is a map.
type rowAccumulator struct {
	order []string
	rows  map[string]*wire.Row
}

func newRowAccumulator() *rowAccumulator {
	return &rowAccumulator{rows: make(map[string]*wire.Row)}
}

func (a *rowAccumulator) get(key []byte) (*wire.Row, bool) {
	r, ok := a.rows[string(key)]
	return r, ok
}

func (a *rowAccumulator) getOrCreate(key []byte) *wire.Row {
	k := string(key)
	if r, ok := a.rows[k]; ok {
		return r
	}
	r := &wire.Row{Key: append([]byte{}, key...)}
	a.rows[k] = r
	a.order = append(a.order, k)
	return r
}

func (a *rowAccumulator) set(key []byte, r *wire.Row) {
	k := string(key)
	if _, ok := a.rows[k]; !ok {
		a.order = append(a.order, k)
	}
	a.rows[k] = r
}

func (a *rowAccumulator) ordered() []wire.Row {
	out := make([]wire.Row, 0, len(a.order))
	for _, k := range a.order {
		out = append(out, *a.rows[k])
	}
	return out
}

// sinkData converts one normal command's write batch into rows and
// broadcasts them. It replicates the write/lock/default CF dispatch of
// the original delegate exactly, including the HashMap-overwrite
// semantics where the lock-CF row, once its default value has migrated
// in, replaces whatever partial row a default-CF request created.
func (d *Delegate) sinkData(index uint64, requests []raftlog.Request, oldValue OldValueCallback) error {
	acc := newRowAccumulator()

	for _, req := range requests {
		if req.CmdType != raftlog.CmdPut {
			continue
		}
		switch req.CF {
		case raftlog.CFWrite:
			row := &wire.Row{}
			skip := decodeWrite(req.Key, req.Value, row)
			if skip {
				continue
			}
			var commitTs *keys.TimeStamp
			if row.CommitTs != 0 {
				ts := keys.TimeStamp(row.CommitTs)
				commitTs = &ts
			}
			if d.resolver != nil {
				d.resolver.UntrackLock(keys.TimeStamp(row.StartTs), commitTs, row.Key)
			} else {
				d.pending.locks = append(d.pending.locks, pendingLock{
					track: false, key: append([]byte{}, row.Key...),
					startTs: keys.TimeStamp(row.StartTs), commitTs: commitTs,
				})
				d.pending.pendingBytes += len(row.Key)
				if d.pendingBytesGauge != nil {
					d.pendingBytesGauge.Add(float64(len(row.Key)))
				}
			}
			if _, exists := acc.get(row.Key); exists {
				return cdcerr.Wrap(d.RegionID, fmt.Errorf("duplicate write-cf row for key %q in one batch", row.Key))
			}
			acc.set(row.Key, row)

		case raftlog.CFLock:
			row := &wire.Row{}
			skip := decodeLock(req.Key, req.Value, row)
			if skip {
				continue
			}
			if d.TxnExtraOp == TxnExtraReadOldValue && oldValue != nil {
				k := keys.FromRaw(row.Key).AppendTs(keys.TimeStamp(row.StartTs))
				if ov, err := oldValue(k); err == nil {
					row.OldValue = ov
				}
			}
			existing, ok := acc.get(row.Key)
			if ok && len(existing.Value) > 0 {
				row.Value = existing.Value
			}
			if d.resolver != nil {
				d.resolver.TrackLock(keys.TimeStamp(row.StartTs), row.Key)
			} else {
				d.pending.locks = append(d.pending.locks, pendingLock{
					track: true, key: append([]byte{}, row.Key...), startTs: keys.TimeStamp(row.StartTs),
				})
				d.pending.pendingBytes += len(row.Key)
				if d.pendingBytesGauge != nil {
					d.pendingBytesGauge.Add(float64(len(row.Key)))
				}
			}
			acc.set(row.Key, row)

		case raftlog.CFDefault:
			rawKey, err := keys.FromEncoded(req.Key).TruncateTs()
			if err != nil {
				return cdcerr.Wrap(d.RegionID, fmt.Errorf("decode default-cf key: %w", err))
			}
			raw, err := rawKey.IntoRaw()
			if err != nil {
				return cdcerr.Wrap(d.RegionID, fmt.Errorf("decode default-cf key: %w", err))
			}
			row := acc.getOrCreate(raw)
			decodeDefault(req.Value, row)

		default:
			panic(fmt.Sprintf("cdc: invalid column family %q", req.CF))
		}
	}

	rows := acc.ordered()
	if len(rows) == 0 {
		return nil
	}
	ev := wire.Event{
		RegionID: d.RegionID,
		Index:    index,
		Kind:     wire.KindEntries,
		Entries:  &wire.Entries{Rows: rows},
	}
	d.broadcast(ev, true)
	return nil
}

// decodeWrite parses a write-CF record into row, reporting skip=true for
// write types the protocol has no event representation for (lock writes
// that are not rollbacks do not appear on this CF at all; an unrecognized
// write type or an undecodable key is skipped rather than failing the batch).
func decodeWrite(key, value []byte, row *wire.Row) (skip bool) {
	writeType, startTs, shortValue, ok := parseWrite(value)
	if !ok {
		return true
	}
	var rowType wire.RowType
	var opType wire.OpType
	var commitTs uint64
	switch writeType {
	case writeTypePut:
		opType, rowType = wire.OpPut, wire.RowCommit
	case writeTypeDelete:
		opType, rowType = wire.OpDelete, wire.RowCommit
	case writeTypeRollback:
		opType, rowType = wire.OpUnknown, wire.RowRollback
		commitTs = 0
	default:
		return true
	}
	k := keys.FromEncoded(key)
	if writeType != writeTypeRollback {
		ts, err := k.DecodeTs()
		if err != nil {
			return true
		}
		commitTs = uint64(ts)
	}
	truncated, err := k.TruncateTs()
	if err != nil {
		return true
	}
	raw, err := truncated.IntoRaw()
	if err != nil {
		return true
	}
	row.StartTs = uint64(startTs)
	row.CommitTs = commitTs
	row.Key = raw
	row.OpType = opType
	row.Type = rowType
	if len(shortValue) > 0 {
		row.Value = shortValue
	}
	return false
}

// decodeLock parses a lock-CF record into row. Lock keys carry no
// timestamp suffix, unlike write-CF keys.
func decodeLock(key, value []byte, row *wire.Row) (skip bool) {
	lockType, ts, shortValue, ok := parseLock(value)
	if !ok {
		return true
	}
	var opType wire.OpType
	switch lockType {
	case writeTypePut:
		opType = wire.OpPut
	case writeTypeDelete:
		opType = wire.OpDelete
	default:
		return true
	}
	raw, err := keys.FromEncoded(key).IntoRaw()
	if err != nil {
		return true
	}
	row.StartTs = uint64(ts)
	row.Key = raw
	row.OpType = opType
	row.Type = wire.RowPrewrite
	if len(shortValue) > 0 {
		row.Value = shortValue
	}
	return false
}

// decodeDefault merges a default-CF value into row without ever clearing
// a value already present; the default record may arrive before or after
// its corresponding lock/write record within the same batch.
func decodeDefault(value []byte, row *wire.Row) {
	if len(value) > 0 {
		row.Value = append([]byte{}, value...)
	}
}
