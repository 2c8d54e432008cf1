// Package regions watches an etcd-backed directory of region metadata
// and feeds Region/Epoch updates to the delegate that owns each region's
// task lane.
//
// The teacher (go/runtime/task_term.go's signalOnSpecUpdate) watches its
// own spec directory through go.gazette.dev/core/keyspace, a thick
// decoded-keyspace abstraction over etcd's native watch API. This module
// was not able to ground the exact keyspace.KeySpace surface against any
// retrieved source (see DESIGN.md), so it talks to
// go.etcd.io/etcd/client/v3 directly instead: the same underlying
// dependency, a narrower and independently verifiable API.
package regions

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chronodb/regioncdc/cdc"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Record is the JSON-encoded region descriptor stored at
// prefix+regionID in etcd.
type Record struct {
	ID       uint64 `json:"id"`
	StartKey []byte `json:"start_key"`
	EndKey   []byte `json:"end_key"`
	Version  uint64 `json:"version"`
	ConfVer  uint64 `json:"conf_ver"`
}

func (r Record) toRegion() cdc.Region {
	return cdc.Region{
		ID: r.ID, StartKey: r.StartKey, EndKey: r.EndKey,
		Epoch: cdc.Epoch{Version: r.Version, ConfVer: r.ConfVer},
	}
}

// Directory watches prefix for region metadata changes and dispatches
// them to a caller-supplied handler, keyed by region ID so the caller can
// route each update to the right delegate's task lane.
type Directory struct {
	client *clientv3.Client
	prefix string
}

func NewDirectory(client *clientv3.Client, prefix string) *Directory {
	return &Directory{client: client, prefix: prefix}
}

// Load performs an initial full read of every region currently under
// prefix, for populating delegates at startup before Watch takes over.
// The returned revision is the one Watch must resume from so no update
// landing between Load and Watch's establishment is missed.
func (d *Directory) Load(ctx context.Context) ([]cdc.Region, int64, error) {
	resp, err := d.client.Get(ctx, d.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, 0, fmt.Errorf("regions: load %s: %w", d.prefix, err)
	}
	out := make([]cdc.Region, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var rec Record
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			return nil, 0, fmt.Errorf("regions: decode %s: %w", kv.Key, err)
		}
		out = append(out, rec.toRegion())
	}
	return out, resp.Header.Revision + 1, nil
}

// Watch streams region updates (puts and deletes) until ctx is
// cancelled, starting from the revision Load observed so no update is
// missed between the initial read and the watch's establishment.
func (d *Directory) Watch(ctx context.Context, fromRevision int64, onPut func(cdc.Region), onDelete func(regionID uint64)) error {
	wch := d.client.Watch(ctx, d.prefix, clientv3.WithPrefix(), clientv3.WithRev(fromRevision), clientv3.WithPrevKV())
	for resp := range wch {
		if err := resp.Err(); err != nil {
			return fmt.Errorf("regions: watch %s: %w", d.prefix, err)
		}
		for _, ev := range resp.Events {
			switch ev.Type {
			case clientv3.EventTypePut:
				var rec Record
				if err := json.Unmarshal(ev.Kv.Value, &rec); err != nil {
					continue
				}
				onPut(rec.toRegion())
			case clientv3.EventTypeDelete:
				var rec Record
				if err := json.Unmarshal(ev.PrevKv.GetValue(), &rec); err == nil {
					onDelete(rec.ID)
				}
			}
		}
	}
	return ctx.Err()
}
