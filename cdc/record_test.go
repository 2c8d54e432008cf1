package cdc

import (
	"testing"

	"github.com/chronodb/regioncdc/keys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValueKeyForLockOnlyWhenValueNotInlined(t *testing.T) {
	encodedKey := keys.FromRaw([]byte("row-1")).AsEncoded()

	_, ok := DefaultValueKeyForLock(encodedKey, MarshalLock(writeTypePut, 7, []byte("short")))
	assert.False(t, ok, "a short value is already inlined, no default-cf lookup needed")

	_, ok = DefaultValueKeyForLock(encodedKey, MarshalLock(writeTypeDelete, 7, nil))
	assert.False(t, ok, "deletes carry no value to fetch")

	dk, ok := DefaultValueKeyForLock(encodedKey, MarshalLock(writeTypePut, 7, nil))
	require.True(t, ok)
	assert.Equal(t, keys.FromRaw([]byte("row-1")).AppendTs(7).AsEncoded(), dk.AsEncoded())
}

func TestDefaultValueKeyForWriteOnlyWhenValueNotInlined(t *testing.T) {
	writeKey := keys.FromRaw([]byte("row-1")).AppendTs(keys.TimeStamp(99)).AsEncoded()

	_, ok := DefaultValueKeyForWrite(writeKey, MarshalWrite(writeTypePut, 7, []byte("short")))
	assert.False(t, ok)

	_, ok = DefaultValueKeyForWrite(writeKey, MarshalWrite(writeTypeRollback, 7, nil))
	assert.False(t, ok, "rollbacks carry no value to fetch")

	dk, ok := DefaultValueKeyForWrite(writeKey, MarshalWrite(writeTypePut, 7, nil))
	require.True(t, ok)
	assert.Equal(t, keys.FromRaw([]byte("row-1")).AppendTs(7).AsEncoded(), dk.AsEncoded())
}
