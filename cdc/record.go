package cdc

import (
	"encoding/binary"

	"github.com/chronodb/regioncdc/keys"
)

// writeType and lockType share the same small integer space; the
// storage-level encodings for write-CF and lock-CF records are otherwise
// unrelated formats (a write record additionally carries a commit-time
// short value, a lock record a start-ts short value).
type recordType byte

const (
	writeTypePut recordType = iota + 1
	writeTypeDelete
	writeTypeRollback
	writeTypeLock // non-rollback lock write: never reaches decodeWrite as a real row
)

// ShortValueMaxLen bounds the inlined value chronodb stores directly in a
// write or lock record instead of a separate default-CF entry, mirroring
// txn_types::SHORT_VALUE_MAX_LEN.
const ShortValueMaxLen = 255

// MarshalWrite encodes a write-CF record. Used by tests and by the
// storage layer's write path.
func MarshalWrite(t recordType, startTs keys.TimeStamp, shortValue []byte) []byte {
	out := make([]byte, 0, 9+len(shortValue))
	out = append(out, byte(t))
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(startTs))
	out = append(out, tsBuf[:]...)
	if len(shortValue) > 0 && len(shortValue) <= ShortValueMaxLen {
		out = append(out, shortValue...)
	}
	return out
}

// MarshalLock encodes a lock-CF record.
func MarshalLock(t recordType, ts keys.TimeStamp, shortValue []byte) []byte {
	return MarshalWrite(t, ts, shortValue)
}

func parseWrite(value []byte) (t recordType, ts keys.TimeStamp, shortValue []byte, ok bool) {
	if len(value) < 9 {
		return 0, 0, nil, false
	}
	t = recordType(value[0])
	switch t {
	case writeTypePut, writeTypeDelete, writeTypeRollback:
	default:
		return 0, 0, nil, false
	}
	ts = keys.TimeStamp(binary.BigEndian.Uint64(value[1:9]))
	if len(value) > 9 {
		shortValue = value[9:]
	}
	return t, ts, shortValue, true
}

func parseLock(value []byte) (t recordType, ts keys.TimeStamp, shortValue []byte, ok bool) {
	if len(value) < 9 {
		return 0, 0, nil, false
	}
	t = recordType(value[0])
	switch t {
	case writeTypePut, writeTypeDelete:
	default:
		return 0, 0, nil, false
	}
	ts = keys.TimeStamp(binary.BigEndian.Uint64(value[1:9]))
	if len(value) > 9 {
		shortValue = value[9:]
	}
	return t, ts, shortValue, true
}

// DefaultValueKeyForLock reports the default-CF key holding a lock
// record's full value when it was not inlined as a short value (a Put
// whose value exceeded ShortValueMaxLen). encodedKey is the lock-CF key
// as stored: memcomparable-encoded, with no timestamp suffix. ok is
// false for deletes and already-inlined values, which need no
// default-CF lookup.
func DefaultValueKeyForLock(encodedKey, value []byte) (key keys.Key, ok bool) {
	t, startTs, shortValue, parsed := parseLock(value)
	if !parsed || t != writeTypePut || len(shortValue) > 0 {
		return keys.Key{}, false
	}
	raw, err := keys.FromEncoded(encodedKey).IntoRaw()
	if err != nil {
		return keys.Key{}, false
	}
	return keys.FromRaw(raw).AppendTs(startTs), true
}

// DefaultValueKeyForWrite reports the default-CF key holding a write
// record's full value when it was not inlined as a short value.
// encodedKey is the write-CF key as stored, ts-suffixed. ok is false for
// deletes, rollbacks, and already-inlined values.
func DefaultValueKeyForWrite(encodedKey, value []byte) (key keys.Key, ok bool) {
	t, startTs, shortValue, parsed := parseWrite(value)
	if !parsed || t != writeTypePut || len(shortValue) > 0 {
		return keys.Key{}, false
	}
	truncated, err := keys.FromEncoded(encodedKey).TruncateTs()
	if err != nil {
		return keys.Key{}, false
	}
	raw, err := truncated.IntoRaw()
	if err != nil {
		return keys.Key{}, false
	}
	return keys.FromRaw(raw).AppendTs(startTs), true
}
