package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/chronodb/regioncdc/cdc"
	"github.com/chronodb/regioncdc/ops"
	"github.com/chronodb/regioncdc/regions"
	"github.com/chronodb/regioncdc/resolver"
	"github.com/chronodb/regioncdc/storage"
	"github.com/chronodb/regioncdc/transport"
	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// regionLane owns one region's Delegate and Resolver. All mutation goes
// through mu, standing in for the single task-lane goroutine a
// production deployment would dedicate per region to apply committed
// Raft command batches without internal locking; a subscribe/unsubscribe
// RPC is the one other caller that needs to touch the same Delegate, so
// it synchronizes here instead.
type regionLane struct {
	mu       sync.Mutex
	delegate *cdc.Delegate
	resolver *resolver.Resolver
	region   *cdc.Region
}

var nextObserveID uint64

// regionRouter implements transport.RegionRouter, creating a regionLane
// lazily on first subscribe or first region-directory sighting.
type regionRouter struct {
	log     *logrus.Entry
	metrics *ops.Metrics
	engine  storage.Engine

	mu    sync.RWMutex
	lanes map[uint64]*regionLane
}

func newRegionRouter(log *logrus.Entry, metrics *ops.Metrics, engine storage.Engine) *regionRouter {
	return &regionRouter{log: log, metrics: metrics, engine: engine, lanes: make(map[uint64]*regionLane)}
}

func (r *regionRouter) laneFor(regionID uint64) *regionLane {
	r.mu.RLock()
	lane, ok := r.lanes[regionID]
	r.mu.RUnlock()
	if ok {
		return lane
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if lane, ok = r.lanes[regionID]; ok {
		return lane
	}
	nextObserveID++
	lane = &regionLane{
		delegate: cdc.New(nextObserveID, regionID, r.metrics.PendingBytes),
	}
	r.lanes[regionID] = lane
	return lane
}

// Subscribe implements transport.RegionRouter. A downstream subscribing
// while its region is already ready gets its initial incremental scan
// sunk immediately and is promoted to Normal before Subscribe returns,
// so transport never hands the caller a downstream that is live but
// stuck Uninitialized; one subscribing before the region is ready is
// buffered by Delegate.Subscribe and scanned later, from onRegionReady.
func (r *regionRouter) Subscribe(req transport.SubscribeRequest, sink cdc.Sink) (*cdc.Downstream, error) {
	lane := r.laneFor(req.RegionID)
	down := cdc.NewDownstream(req.Peer, req.RegionEpoch, 0, 0)
	down.SetSink(sink)

	lane.mu.Lock()
	ok := lane.delegate.Subscribe(down)
	region := lane.region
	lane.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("region %d: subscription rejected (stale epoch)", req.RegionID)
	}
	if region != nil {
		if err := r.initialScan(lane, *region, down); err != nil {
			r.log.WithError(err).WithField("region_id", req.RegionID).Error("regioncdc: initial scan failed")
			return nil, fmt.Errorf("region %d: initial scan: %w", req.RegionID, err)
		}
	}
	r.log.WithField("region_id", req.RegionID).WithField("downstream_id", down.ID()).Info("regioncdc: subscribed")
	return down, nil
}

// initialScan reads down's region's current state from storage and
// replays it through the delegate before promoting down to Normal, the
// point at which it starts receiving live broadcasts.
func (r *regionRouter) initialScan(lane *regionLane, region cdc.Region, down *cdc.Downstream) error {
	entries, err := buildScanEntries(r.engine, region)
	if err != nil {
		return err
	}
	lane.mu.Lock()
	defer lane.mu.Unlock()
	lane.delegate.OnScan(down.ID(), entries)
	lane.delegate.MarkNormal(down.ID())
	return nil
}

// Unsubscribe implements transport.RegionRouter.
func (r *regionRouter) Unsubscribe(regionID uint64, downstreamID uint64) {
	r.mu.RLock()
	lane, ok := r.lanes[regionID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	lane.mu.Lock()
	lane.delegate.Unsubscribe(downstreamID, nil)
	lane.mu.Unlock()
	r.log.WithField("region_id", regionID).WithField("downstream_id", downstreamID).Info("regioncdc: unsubscribed")
}

// attachDirectory loads the current region directory, marks every lane
// ready, and continues watching for updates in the background until ctx
// is cancelled.
func (r *regionRouter) attachDirectory(ctx context.Context, client *clientv3.Client, prefix string) error {
	dir := regions.NewDirectory(client, prefix)
	initial, revision, err := dir.Load(ctx)
	if err != nil {
		return err
	}
	for _, region := range initial {
		r.onRegionReady(region)
	}

	go func() {
		err := dir.Watch(ctx, revision, r.onRegionReady, r.onRegionGone)
		if err != nil && ctx.Err() == nil {
			r.log.WithError(err).Error("regioncdc: region directory watch stopped")
		}
	}()
	return nil
}

func (r *regionRouter) onRegionReady(region cdc.Region) {
	lane := r.laneFor(region.ID)
	lane.mu.Lock()
	if lane.resolver != nil {
		lane.mu.Unlock()
		return // already initialized; epoch changes after a split arrive as a fresh region ID
	}
	lane.resolver = resolver.New(region.ID)
	lane.region = &region
	buffered := lane.delegate.OnRegionReady(lane.resolver, region)
	lane.mu.Unlock()

	// OnRegionReady only hands back the downstreams that were buffered
	// pending this moment; re-subscribing them (with epoch validation)
	// and driving them through the same scan-then-promote path a live
	// Subscribe would take is this caller's responsibility.
	for _, down := range buffered {
		lane.mu.Lock()
		ok := lane.delegate.Subscribe(down)
		lane.mu.Unlock()
		if !ok {
			continue
		}
		if err := r.initialScan(lane, region, down); err != nil {
			r.log.WithError(err).WithField("region_id", region.ID).WithField("downstream_id", down.ID()).
				Error("regioncdc: initial scan failed for buffered downstream")
		}
	}
	r.log.WithField("region_id", region.ID).Info("regioncdc: region ready")
}

func (r *regionRouter) onRegionGone(regionID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.lanes, regionID)
	r.log.WithField("region_id", regionID).Info("regioncdc: region removed")
}
