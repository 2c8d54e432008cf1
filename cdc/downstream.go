package cdc

import (
	"errors"
	"sync/atomic"

	"github.com/chronodb/regioncdc/wire"
	"github.com/sirupsen/logrus"
)

// Sink is the bounded, per-connection channel a Downstream sinks events
// into. Implementations must never block the calling region's task lane:
// TrySend returns ErrSinkFull or ErrSinkDisconnected rather than blocking.
type Sink interface {
	TrySend(ev wire.Event) error
}

var (
	ErrSinkFull         = errors.New("cdc: downstream sink is full")
	ErrSinkDisconnected = errors.New("cdc: downstream sink is disconnected")
)

// State is a Downstream's lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateNormal
	StateStopped
)

var nextDownstreamID uint64

// allocDownstreamID hands out process-wide unique downstream identifiers.
func allocDownstreamID() uint64 {
	return atomic.AddUint64(&nextDownstreamID, 1)
}

// Epoch is the region epoch a subscriber pins its subscription to; a
// Delegate rejects (or later invalidates) subscriptions whose Version no
// longer matches the delegate's own region.
type Epoch struct {
	Version uint64
	ConfVer uint64
}

// Downstream represents one subscriber of a region's change feed.
//
// Not safe for concurrent mutation of its non-atomic fields; only State is
// accessed concurrently (read from metrics/admin paths while the owning
// task lane mutates it).
type Downstream struct {
	id       uint64
	RequestID uint64
	ConnID    uint64
	Peer      string
	RegionEpoch Epoch

	sink  Sink
	state atomic.Int32
}

// NewDownstream constructs a Downstream in StateUninitialized, not yet
// attached to a sink.
func NewDownstream(peer string, epoch Epoch, requestID, connID uint64) *Downstream {
	d := &Downstream{
		id:          allocDownstreamID(),
		RequestID:   requestID,
		ConnID:      connID,
		Peer:        peer,
		RegionEpoch: epoch,
	}
	d.state.Store(int32(StateUninitialized))
	return d
}

func (d *Downstream) ID() uint64 { return d.id }

func (d *Downstream) State() State { return State(d.state.Load()) }

func (d *Downstream) setState(s State) { d.state.Store(int32(s)) }

// SetSink attaches (or replaces) the downstream's transport sink.
func (d *Downstream) SetSink(s Sink) { d.sink = s }

// sinkEvent stamps the event with this downstream's request ID and
// attempts a non-blocking send. A full or disconnected sink is logged and
// silently dropped: CDC delegates do not retry or buffer on the
// subscriber's behalf once a downstream is live.
func (d *Downstream) sinkEvent(ev wire.Event, log *logrus.Entry) {
	if d.sink == nil {
		return
	}
	ev.RequestID = d.RequestID
	if err := d.sink.TrySend(ev); err != nil {
		switch {
		case errors.Is(err, ErrSinkFull):
			log.WithField("downstream_id", d.id).Warn("cdc: dropping event, downstream sink full")
		case errors.Is(err, ErrSinkDisconnected):
			log.WithField("downstream_id", d.id).Warn("cdc: dropping event, downstream disconnected")
		default:
			log.WithError(err).WithField("downstream_id", d.id).Warn("cdc: dropping event, sink error")
		}
	}
}
