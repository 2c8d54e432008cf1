// Package wire defines the change-event shapes sunk to downstream
// subscribers, independent of the gRPC transport that eventually frames
// them. Binary wire format is out of scope (see SPEC_FULL.md non-goals);
// these are the semantic fields a transport encodes.
package wire

import "github.com/chronodb/regioncdc/cdcerr"

// RowType mirrors the phases a row can be observed in. Commit and
// Committed are distinct: Commit is a commit record observed in real
// time, whose paired Prewrite was already sent as its own row; Committed
// is a commit record observed during an initial scan, self-contained
// with its value inlined since no separate Prewrite row precedes it.
type RowType int

const (
	RowPrewrite RowType = iota
	RowCommit
	RowCommitted
	RowInitialized // produced only during incremental scan replay
	RowRollback    // live-path only; incremental scan replay never emits these
)

// OpType is the user-visible mutation kind.
type OpType int

const (
	OpUnknown OpType = iota
	OpPut
	OpDelete
)

// Row is one row-level change, corresponding to a single user key
// mutation observed on the write/lock/default column families.
type Row struct {
	Key       []byte
	StartTs   uint64
	CommitTs  uint64
	Value     []byte
	OldValue  []byte
	OpType    OpType
	Type      RowType
}

// Entries bundles a chunk of Rows produced from one Raft command batch or
// one incremental-scan reply, bounded by EventMaxSize.
type Entries struct {
	Rows []Row
}

// EventMaxSize bounds the aggregate key+value size of a single Entries
// chunk before a new one is started, matching the original delegate's
// 6 MiB ceiling.
const EventMaxSize = 6 * 1024 * 1024

// Kind discriminates an Event's payload.
type Kind int

const (
	KindEntries Kind = iota
	KindAdmin
	KindError
	KindResolvedTs
)

// Event is the unit sunk to a Downstream: exactly one of the payload
// fields is meaningful, selected by Kind.
type Event struct {
	RegionID  uint64
	RequestID uint64
	Index     uint64
	Kind      Kind
	Entries   *Entries
	Error     *ErrorEvent
	ResolvedTs uint64
}

// ErrorEvent is the wire projection of a *cdcerr.Error: enough for a
// subscriber to retry, without leaking Go error internals.
type ErrorEvent struct {
	Kind      string
	RegionID  uint64
	Message   string
	Leader    *uint64
	NewRegion []cdcerr.Region
}

// FromError translates a protocol error into its wire shape.
func FromError(err *cdcerr.Error) *ErrorEvent {
	return &ErrorEvent{
		Kind:      err.Kind.String(),
		RegionID:  err.RegionID,
		Message:   err.Message,
		Leader:    err.Leader,
		NewRegion: err.NewRegion,
	}
}
