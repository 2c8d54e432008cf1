package main

import (
	"testing"

	"github.com/chronodb/regioncdc/cdc"
	"github.com/chronodb/regioncdc/keys"
	"github.com/chronodb/regioncdc/raftlog"
	"github.com/chronodb/regioncdc/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildScanEntriesReadsLockAndWriteCFsWithinRegionBounds(t *testing.T) {
	engine := storage.NewMemEngine()

	inLockKey := keys.FromRaw([]byte("m-in")).AsEncoded()
	require.NoError(t, engine.Put(raftlog.CFLock, inLockKey, cdc.MarshalLock(1, 5, []byte("v"))))

	outLockKey := keys.FromRaw([]byte("z-out")).AsEncoded()
	require.NoError(t, engine.Put(raftlog.CFLock, outLockKey, cdc.MarshalLock(1, 5, []byte("v"))))

	inWriteKey := keys.FromRaw([]byte("m-in")).AppendTs(keys.TimeStamp(10)).AsEncoded()
	require.NoError(t, engine.Put(raftlog.CFWrite, inWriteKey, cdc.MarshalWrite(1, 9, []byte("v"))))

	region := cdc.Region{ID: 1, StartKey: []byte("a"), EndKey: []byte("n")}
	entries, err := buildScanEntries(engine, region)
	require.NoError(t, err)

	var prewrites, commits, markers int
	for _, e := range entries {
		switch e.Kind {
		case cdc.ScanPrewrite:
			prewrites++
			assert.Equal(t, inLockKey, e.Key)
		case cdc.ScanCommit:
			commits++
			assert.Equal(t, inWriteKey, e.Key)
		case cdc.ScanInitialized:
			markers++
		}
	}
	assert.Equal(t, 1, prewrites, "the out-of-range lock key must not appear")
	assert.Equal(t, 1, commits)
	assert.Equal(t, 1, markers)
	assert.Equal(t, cdc.ScanInitialized, entries[len(entries)-1].Kind, "the Initialized marker is always last")
}

func TestBuildScanEntriesFetchesDefaultCFWhenValueNotInlined(t *testing.T) {
	engine := storage.NewMemEngine()

	lockKey := keys.FromRaw([]byte("row-1")).AsEncoded()
	require.NoError(t, engine.Put(raftlog.CFLock, lockKey, cdc.MarshalLock(1, 3, nil)))
	defaultKey := keys.FromRaw([]byte("row-1")).AppendTs(keys.TimeStamp(3)).AsEncoded()
	require.NoError(t, engine.Put(raftlog.CFDefault, defaultKey, []byte("full-value")))

	region := cdc.Region{ID: 1}
	entries, err := buildScanEntries(engine, region)
	require.NoError(t, err)

	require.Len(t, entries, 2) // one prewrite + the Initialized marker
	assert.Equal(t, cdc.ScanPrewrite, entries[0].Kind)
	assert.Equal(t, []byte("full-value"), entries[0].Default)
}
