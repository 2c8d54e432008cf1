package cdc

import (
	"testing"

	"github.com/chronodb/regioncdc/cdcerr"
	"github.com/chronodb/regioncdc/keys"
	"github.com/chronodb/regioncdc/raftlog"
	"github.com/chronodb/regioncdc/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	events []wire.Event
}

func (s *fakeSink) TrySend(ev wire.Event) error {
	s.events = append(s.events, ev)
	return nil
}

type fakeResolver struct{}

func (fakeResolver) TrackLock(keys.TimeStamp, []byte)                       {}
func (fakeResolver) UntrackLock(keys.TimeStamp, *keys.TimeStamp, []byte)    {}
func (fakeResolver) Resolve(minTs keys.TimeStamp) keys.TimeStamp            { return minTs }

func subscribedDelegate(t *testing.T) (*Delegate, *Downstream, *fakeSink) {
	t.Helper()
	d := New(1, 1, nil)
	sink := &fakeSink{}
	down := NewDownstream("peer-1", Epoch{Version: 2, ConfVer: 2}, 42, 7)
	down.SetSink(sink)
	ok := d.Subscribe(down)
	require.True(t, ok)
	buffered := d.OnRegionReady(fakeResolver{}, Region{ID: 1, Epoch: Epoch{Version: 2, ConfVer: 2}})
	for _, bd := range buffered {
		require.True(t, d.Subscribe(bd))
		d.MarkNormal(bd.ID())
	}
	return d, down, sink
}

func TestStopNotLeader(t *testing.T) {
	d, _, sink := subscribedDelegate(t)
	leader := uint64(9)
	d.Stop(cdcerr.NewNotLeader(1, &leader))

	require.Len(t, sink.events, 1)
	ev := sink.events[0]
	assert.Equal(t, wire.KindError, ev.Kind)
	assert.Equal(t, "not_leader", ev.Error.Kind)
	assert.False(t, d.Enabled())
}

func TestStopRegionNotFound(t *testing.T) {
	d, _, sink := subscribedDelegate(t)
	d.Stop(cdcerr.NewRegionNotFound(1))
	assert.Equal(t, "region_not_found", sink.events[0].Error.Kind)
}

func TestStopEpochNotMatch(t *testing.T) {
	d, _, sink := subscribedDelegate(t)
	d.Stop(cdcerr.NewEpochNotMatch(1, "x", nil))
	assert.Equal(t, "epoch_not_match", sink.events[0].Error.Kind)
}

func TestSinkAdminSplit(t *testing.T) {
	d, _, _ := subscribedDelegate(t)
	req := raftlog.AdminRequest{CmdType: raftlog.AdminSplit}
	resp := &raftlog.AdminResponse{
		CmdType:    raftlog.AdminSplit,
		SplitLeft:  &raftlog.RegionInfo{ID: 1},
		SplitRight: &raftlog.RegionInfo{ID: 100},
	}
	err := d.sinkAdmin(req, resp)
	require.Error(t, err)

	var cerr *cdcerr.Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, cdcerr.EpochNotMatch, cerr.Kind)

	ids := []uint64{}
	for _, r := range cerr.NewRegion {
		ids = append(ids, r.ID)
	}
	assert.Contains(t, ids, uint64(1))
}

func TestSinkAdminBatchSplit(t *testing.T) {
	d, _, _ := subscribedDelegate(t)
	req := raftlog.AdminRequest{CmdType: raftlog.AdminBatchSplit}
	resp := &raftlog.AdminResponse{
		CmdType:      raftlog.AdminBatchSplit,
		BatchRegions: []raftlog.RegionInfo{{ID: 1}},
	}
	err := d.sinkAdmin(req, resp)
	require.Error(t, err)
	var cerr *cdcerr.Error
	require.ErrorAs(t, err, &cerr)
	assert.Len(t, cerr.NewRegion, 1)
	assert.Equal(t, uint64(1), cerr.NewRegion[0].ID)
}

func TestSinkAdminMergeEmptyRegions(t *testing.T) {
	d, _, _ := subscribedDelegate(t)
	for _, cmd := range []raftlog.AdminCmdType{raftlog.AdminPrepareMerge, raftlog.AdminCommitMerge, raftlog.AdminRollbackMerge} {
		err := d.sinkAdmin(raftlog.AdminRequest{CmdType: cmd}, nil)
		require.Error(t, err)
		var cerr *cdcerr.Error
		require.ErrorAs(t, err, &cerr)
		assert.Empty(t, cerr.NewRegion)
	}
}

func TestSinkAdminOtherIsNoop(t *testing.T) {
	d, _, _ := subscribedDelegate(t)
	err := d.sinkAdmin(raftlog.AdminRequest{CmdType: raftlog.AdminNone}, nil)
	assert.NoError(t, err)
}

func TestOnScanThreeRows(t *testing.T) {
	d := New(1, 1, nil)
	sink := &fakeSink{}
	down := NewDownstream("peer-1", Epoch{}, 1, 1)
	down.SetSink(sink)
	d.Subscribe(down) // region not ready, buffered in pending

	entries := []ScanEntry{
		{Kind: ScanPrewrite, Key: keys.FromRaw([]byte("a")).AsEncoded(), Value: MarshalLock(writeTypePut, 1, []byte("b")), StartTs: 1},
		{Kind: ScanCommit, Key: keys.FromRaw([]byte("a")).AppendTs(2).AsEncoded(), Value: MarshalWrite(writeTypePut, 1, []byte("b")), StartTs: 1},
		{Kind: ScanCommit, Key: keys.FromRaw([]byte("x")).AppendTs(3).AsEncoded(), Value: MarshalWrite(writeTypeRollback, 3, nil)},
		{Kind: ScanInitialized},
	}
	d.OnScan(down.ID(), entries)

	require.Len(t, sink.events, 1)
	ev := sink.events[0]
	require.Equal(t, wire.KindEntries, ev.Kind)
	require.Len(t, ev.Entries.Rows, 3)

	row1 := ev.Entries.Rows[0]
	assert.Equal(t, uint64(1), row1.StartTs)
	assert.Equal(t, uint64(0), row1.CommitTs)
	assert.Equal(t, wire.RowPrewrite, row1.Type)
	assert.Equal(t, []byte("b"), row1.Value)

	row2 := ev.Entries.Rows[1]
	assert.Equal(t, wire.RowCommitted, row2.Type)
	assert.Equal(t, uint64(2), row2.CommitTs)

	row3 := ev.Entries.Rows[2]
	assert.Equal(t, wire.RowInitialized, row3.Type)
	assert.Equal(t, uint64(0), ev.Index, "scan events never carry a Raft apply index")
}

func TestSinkDataBroadcastsWriteLockDefault(t *testing.T) {
	d, _, sink := subscribedDelegate(t)

	writeKey := keys.FromRaw([]byte("row-1")).AppendTs(keys.TimeStamp(10)).AsEncoded()
	lockKey := keys.FromRaw([]byte("row-2")).AsEncoded()
	defaultKey := keys.FromRaw([]byte("row-2")).AppendTs(keys.TimeStamp(5)).AsEncoded()

	reqs := []raftlog.Request{
		{CmdType: raftlog.CmdPut, CF: raftlog.CFWrite, Key: writeKey, Value: MarshalWrite(writeTypePut, 5, nil)},
		{CmdType: raftlog.CmdPut, CF: raftlog.CFDefault, Key: defaultKey, Value: []byte("value-2")},
		{CmdType: raftlog.CmdPut, CF: raftlog.CFLock, Key: lockKey, Value: MarshalLock(writeTypePut, 5, nil)},
	}
	err := d.sinkData(7, reqs, nil)
	require.NoError(t, err)
	require.Len(t, sink.events, 1)
	rows := sink.events[0].Entries.Rows
	require.Len(t, rows, 2)

	var row1, row2 *wire.Row
	for i := range rows {
		switch string(rows[i].Key) {
		case "row-1":
			row1 = &rows[i]
		case "row-2":
			row2 = &rows[i]
		}
	}
	require.NotNil(t, row1)
	require.NotNil(t, row2)
	assert.Equal(t, wire.RowCommit, row1.Type, "a live commit keeps the paired Prewrite separate")
	assert.Equal(t, wire.RowPrewrite, row2.Type)
	assert.Equal(t, []byte("value-2"), row2.Value, "default-cf value migrates into the lock row")
}

func TestUnsubscribeLastDisablesDelegate(t *testing.T) {
	d, down, _ := subscribedDelegate(t)
	isLast := d.Unsubscribe(down.ID(), nil)
	assert.True(t, isLast)
	assert.False(t, d.Enabled())
	assert.Equal(t, StateStopped, down.State())
}

func TestSinkDataBroadcastsToAllNormalDownstreams(t *testing.T) {
	d, _, sink1 := subscribedDelegate(t)

	sink2 := &fakeSink{}
	down2 := NewDownstream("peer-2", Epoch{Version: 2, ConfVer: 2}, 1, 2)
	down2.SetSink(sink2)
	require.True(t, d.Subscribe(down2))
	d.MarkNormal(down2.ID())

	writeKey := keys.FromRaw([]byte("row-1")).AppendTs(keys.TimeStamp(10)).AsEncoded()
	reqs := []raftlog.Request{
		{CmdType: raftlog.CmdPut, CF: raftlog.CFWrite, Key: writeKey, Value: MarshalWrite(writeTypePut, 5, []byte("v"))},
	}
	require.NoError(t, d.sinkData(1, reqs, nil))

	require.Len(t, sink1.events, 1, "the first (non-last) downstream must still receive the broadcast once Normal")
	require.Len(t, sink2.events, 1, "the second downstream receives the broadcast once Normal")
}

func TestBroadcastNormalOnlySkipsEveryNonNormal(t *testing.T) {
	d, _, sink1 := subscribedDelegate(t) // down1: Normal, not last

	sink2 := &fakeSink{}
	down2 := NewDownstream("peer-2", Epoch{Version: 2, ConfVer: 2}, 1, 2)
	down2.SetSink(sink2)
	require.True(t, d.Subscribe(down2)) // down2: left Uninitialized, not last

	sink3 := &fakeSink{}
	down3 := NewDownstream("peer-3", Epoch{Version: 2, ConfVer: 2}, 1, 3)
	down3.SetSink(sink3)
	require.True(t, d.Subscribe(down3)) // down3: left Uninitialized, last

	writeKey := keys.FromRaw([]byte("row-1")).AppendTs(keys.TimeStamp(10)).AsEncoded()
	reqs := []raftlog.Request{
		{CmdType: raftlog.CmdPut, CF: raftlog.CFWrite, Key: writeKey, Value: MarshalWrite(writeTypePut, 5, []byte("v"))},
	}
	require.NoError(t, d.sinkData(1, reqs, nil))

	assert.Len(t, sink1.events, 1, "Normal and not last: receives it")
	assert.Empty(t, sink2.events, "not Normal and not last: dropped by normal_only")
	assert.Empty(t, sink3.events, "not Normal and last: dropped by normal_only as well")
}

func TestSubscribeEpochMismatchRejected(t *testing.T) {
	d, _, _ := subscribedDelegate(t)
	sink := &fakeSink{}
	down := NewDownstream("peer-2", Epoch{Version: 99}, 1, 2)
	down.SetSink(sink)
	ok := d.Subscribe(down)
	assert.False(t, ok)
	require.Len(t, sink.events, 1)
	assert.Equal(t, "epoch_not_match", sink.events[0].Error.Kind)
}
