// Package cdc implements the per-region Change-Data-Capture delegate: the
// state machine that converts committed Raft command batches into
// row-level change events and fans them out to subscribed downstreams.
package cdc

import (
	"fmt"
	"sync/atomic"

	"github.com/chronodb/regioncdc/cdcerr"
	"github.com/chronodb/regioncdc/keys"
	"github.com/chronodb/regioncdc/raftlog"
	"github.com/chronodb/regioncdc/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "cdc")

// Region is the subset of region metadata a Delegate needs: its key range
// and epoch, learned once at on_region_ready.
type Region struct {
	ID       uint64
	StartKey []byte
	EndKey   []byte
	Epoch    Epoch
}

// pendingLock replays onto the Resolver once a Delegate's region becomes
// ready, in the exact order observed, since out-of-order replay could
// make the resolved timestamp observe a lock before its prior untrack.
type pendingLock struct {
	track    bool
	key      []byte
	startTs  keys.TimeStamp
	commitTs *keys.TimeStamp // untrack only
}

// pending buffers downstreams and lock events observed before the
// delegate's region metadata is known.
type pending struct {
	downstreams  []*Downstream
	locks        []pendingLock
	pendingBytes int
}

func (p *pending) takeDownstreams() []*Downstream {
	out := p.downstreams
	p.downstreams = nil
	return out
}

func (p *pending) takeLocks() []pendingLock {
	out := p.locks
	p.locks = nil
	return out
}

// Resolver is the narrow interface on_region_ready/on_batch/on_min_ts
// need from a region's resolver.Resolver, so this package does not import
// resolver directly and tests can stub it.
type Resolver interface {
	TrackLock(startTs keys.TimeStamp, key []byte)
	UntrackLock(startTs keys.TimeStamp, commitTs *keys.TimeStamp, key []byte)
	Resolve(minTs keys.TimeStamp) keys.TimeStamp
}

// OldValueCallback fetches the value a key held immediately before the
// mutation currently being observed, used only when TxnExtraOp requests
// old-value capture on the lock CF.
type OldValueCallback func(key keys.Key) ([]byte, error)

// Delegate is the state machine owning one region's change feed:
// Uninitialized (region metadata unknown, events buffered in pending) ->
// Ready (region known, resolver attached, events broadcast immediately)
// -> Failed (terminal, after stop).
//
// Not safe for concurrent use: a Delegate is owned exclusively by its
// region's task lane.
type Delegate struct {
	ObserveID  uint64
	RegionID   uint64
	region      *Region
	downstreams []*Downstream
	resolver    Resolver
	pending     *pending
	enabled     atomic.Bool
	failed      bool
	TxnExtraOp  TxnExtraOp

	pendingBytesGauge prometheus.Gauge
}

// TxnExtraOp controls whether sinkData fetches an old value when it
// observes a lock-CF write.
type TxnExtraOp int

const (
	TxnExtraNoop TxnExtraOp = iota
	TxnExtraReadOldValue
)

func New(observeID, regionID uint64, pendingBytesGauge prometheus.Gauge) *Delegate {
	d := &Delegate{
		ObserveID:         observeID,
		RegionID:          regionID,
		pending:           &pending{},
		pendingBytesGauge: pendingBytesGauge,
	}
	d.enabled.Store(true)
	return d
}

// Enabled reports whether the delegate still accepts events; false once
// stop has been called or the last downstream has unsubscribed.
func (d *Delegate) Enabled() bool { return d.enabled.Load() }

func (d *Delegate) HasFailed() bool { return d.failed }

func (d *Delegate) markFailed() { d.failed = true }

// Subscribe attaches a downstream. If the region is already known, the
// downstream's epoch is checked (version only, matching
// compare_region_epoch(check_conf_ver=false, check_ver=true)); a mismatch
// sinks an EpochNotMatch event to the downstream and returns false without
// adding it. If the region is not yet known, the downstream is buffered
// unconditionally in pending and Subscribe always returns true.
func (d *Delegate) Subscribe(down *Downstream) bool {
	if d.region != nil {
		if err := d.checkRegionEpoch(down.RegionEpoch); err != nil {
			down.sinkEvent(d.errorEvent(err), log)
			return false
		}
		d.downstreams = append(d.downstreams, down)
		return true
	}
	d.pending.downstreams = append(d.pending.downstreams, down)
	return true
}

func (d *Delegate) checkRegionEpoch(epoch Epoch) *cdcerr.Error {
	if epoch.Version != d.region.Epoch.Version {
		return cdcerr.NewEpochNotMatch(d.RegionID, "subscribe", []cdcerr.Region{{
			ID: d.region.ID, StartKey: d.region.StartKey, EndKey: d.region.EndKey,
			Version: d.region.Epoch.Version, ConfVer: d.region.Epoch.ConfVer,
		}})
	}
	return nil
}

// downstreamsSlice returns whichever list is authoritative: pending's, if
// the region is not yet known, else the live list.
func (d *Delegate) downstreamsSlice() []*Downstream {
	if d.pending != nil {
		return d.pending.downstreams
	}
	return d.downstreams
}

// Downstream finds a subscriber by ID, searching whichever list is
// currently authoritative.
func (d *Delegate) Downstream(id uint64) *Downstream {
	for _, down := range d.downstreamsSlice() {
		if down.ID() == id {
			return down
		}
	}
	return nil
}

// MarkNormal promotes a downstream to StateNormal once its initial
// incremental scan has been sunk to it. Only a StateNormal downstream
// receives broadcast's normal_only live events (see broadcast); a caller
// must call this only after OnScan has replayed that downstream's
// pre-subscription state, or it will observe a gap between its scan and
// the first live event it receives.
func (d *Delegate) MarkNormal(downstreamID uint64) {
	if down := d.Downstream(downstreamID); down != nil {
		down.setState(StateNormal)
	}
}

// Unsubscribe removes the downstream with the given ID, sinking err to it
// first if non-nil, and marks it Stopped. Returns true if this was the
// last downstream, in which case the delegate disables itself. It searches
// whichever list is currently authoritative (see downstreamsSlice).
func (d *Delegate) Unsubscribe(id uint64, err *cdcerr.Error) bool {
	list := d.downstreamsSlice()
	kept := list[:0]
	for _, down := range list {
		if down.ID() == id {
			if err != nil {
				down.sinkEvent(d.errorEvent(err), log)
			}
			down.setState(StateStopped)
			continue
		}
		kept = append(kept, down)
	}
	if d.pending != nil {
		d.pending.downstreams = kept
	} else {
		d.downstreams = kept
	}
	if len(kept) == 0 {
		d.enabled.Store(false)
		return true
	}
	return false
}

// errorEvent builds the wire Event for a protocol error.
func (d *Delegate) errorEvent(err *cdcerr.Error) wire.Event {
	return wire.Event{
		RegionID: d.RegionID,
		Kind:     wire.KindError,
		Error:    wire.FromError(err),
	}
}

// Stop marks the delegate permanently failed, stops every downstream, and
// broadcasts err to all of them regardless of state.
func (d *Delegate) Stop(err *cdcerr.Error) {
	d.markFailed()
	d.enabled.Store(false)
	for _, down := range d.downstreamsSlice() {
		down.setState(StateStopped)
	}
	d.broadcast(d.errorEvent(err), false)
}

// broadcast sinks ev to every downstream in whichever list is currently
// authoritative (see downstreamsSlice). When normalOnly is true,
// downstreams not in StateNormal are skipped.
// broadcast panics if there are no downstreams, since callers only invoke
// it from paths that already hold at least one (on_batch/stop).
func (d *Delegate) broadcast(ev wire.Event, normalOnly bool) {
	downstreams := d.downstreamsSlice()
	if len(downstreams) == 0 {
		panic(fmt.Sprintf("cdc: broadcast to region %d with no downstreams: %+v", d.RegionID, ev))
	}
	for _, down := range downstreams {
		if normalOnly && down.State() != StateNormal {
			continue
		}
		down.sinkEvent(ev, log)
	}
}

// OnRegionReady attaches the region metadata and resolver once both are
// known, replays any buffered lock events onto the resolver in order, and
// returns the downstreams that were buffered pending this moment so the
// caller can perform their initial incremental scan.
func (d *Delegate) OnRegionReady(resolver Resolver, region Region) []*Downstream {
	if d.resolver != nil {
		panic("cdc: OnRegionReady called twice for the same delegate")
	}
	d.region = &region
	p := d.pending
	d.pending = nil
	for _, pl := range p.takeLocks() {
		if pl.track {
			resolver.TrackLock(pl.startTs, pl.key)
		} else {
			resolver.UntrackLock(pl.startTs, pl.commitTs, pl.key)
		}
	}
	d.resolver = resolver
	if d.pendingBytesGauge != nil && p.pendingBytes > 0 {
		d.pendingBytesGauge.Sub(float64(p.pendingBytes))
	}
	return p.takeDownstreams()
}

// OnMinTs advances the resolver by minTs and returns the new resolved
// timestamp, or nil if the region is not yet ready.
func (d *Delegate) OnMinTs(minTs keys.TimeStamp) *keys.TimeStamp {
	if d.resolver == nil {
		return nil
	}
	rts := d.resolver.Resolve(minTs)
	return &rts
}

// OnBatch applies one committed command batch. Batches observed under a
// stale ObserveID (a prior incarnation of this region's delegate) are
// silently dropped, matching the original's defense against replay after
// a region transfer.
func (d *Delegate) OnBatch(batch raftlog.CmdBatch, oldValue OldValueCallback) error {
	if batch.ObserveID != d.ObserveID {
		return nil
	}
	for _, cmd := range batch.Cmds {
		if cmd.Response.Header.Err != nil {
			d.markFailed()
			return d.requestError(cmd.Response.Header.Err)
		}
		if cmd.IsAdmin() {
			if err := d.sinkAdmin(*cmd.Admin, cmd.Response.Admin); err != nil {
				return err
			}
			continue
		}
		if err := d.sinkData(cmd.Index, cmd.Requests, oldValue); err != nil {
			return err
		}
	}
	return nil
}

func (d *Delegate) requestError(h *raftlog.HeaderError) error {
	switch {
	case h.NotLeader:
		return cdcerr.NewNotLeader(d.RegionID, h.LeaderStoreID)
	case h.RegionNotFound:
		return cdcerr.NewRegionNotFound(d.RegionID)
	case h.EpochNotMatch:
		regions := make([]cdcerr.Region, len(h.NewRegions))
		for i, r := range h.NewRegions {
			regions[i] = cdcerr.Region{ID: r.ID, Version: r.Version, ConfVer: r.ConfVer}
		}
		return cdcerr.NewEpochNotMatch(d.RegionID, h.Message, regions)
	default:
		return cdcerr.Wrap(d.RegionID, fmt.Errorf("raft command failed: %s", h.Message))
	}
}

// sinkAdmin translates a handled admin command into the EpochNotMatch
// error a CDC subscriber must treat as "resubscribe against the new
// regions": splits and merges all invalidate this delegate's epoch. Any
// other admin command type is a no-op, not an error.
func (d *Delegate) sinkAdmin(req raftlog.AdminRequest, resp *raftlog.AdminResponse) error {
	var err *cdcerr.Error
	switch req.CmdType {
	case raftlog.AdminSplit:
		regions := []cdcerr.Region{}
		if resp != nil {
			if resp.SplitLeft != nil {
				regions = append(regions, cdcerr.Region{ID: resp.SplitLeft.ID, Version: resp.SplitLeft.Version, ConfVer: resp.SplitLeft.ConfVer})
			}
			if resp.SplitRight != nil {
				regions = append(regions, cdcerr.Region{ID: resp.SplitRight.ID, Version: resp.SplitRight.Version, ConfVer: resp.SplitRight.ConfVer})
			}
		}
		err = cdcerr.NewEpochNotMatch(d.RegionID, "split", regions)
	case raftlog.AdminBatchSplit:
		regions := []cdcerr.Region{}
		if resp != nil {
			for _, r := range resp.BatchRegions {
				regions = append(regions, cdcerr.Region{ID: r.ID, Version: r.Version, ConfVer: r.ConfVer})
			}
		}
		err = cdcerr.NewEpochNotMatch(d.RegionID, "batchsplit", regions)
	case raftlog.AdminPrepareMerge, raftlog.AdminCommitMerge, raftlog.AdminRollbackMerge:
		err = cdcerr.NewEpochNotMatch(d.RegionID, "merge", nil)
	default:
		return nil
	}
	d.markFailed()
	return err
}
