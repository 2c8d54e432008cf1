// Package keys implements the memcomparable key encoding and the
// TimeStamp type shared by the cdc, resolver and snapshot packages.
package keys

import (
	"encoding/binary"
	"fmt"
)

const groupSize = 8
const padMarker = 0xFF

// TimeStamp is a chronodb logical timestamp: physical time in the high
// bits, a logical counter in the low bits. Only comparison and the wire
// encoding care about its internal layout.
type TimeStamp uint64

func (t TimeStamp) IsZero() bool { return t == 0 }

// Key is a memcomparable-encoded user key, optionally carrying an 8-byte
// descending-encoded timestamp suffix. The zero value is not a valid Key;
// always construct one via FromRaw or FromEncoded.
type Key struct {
	encoded []byte
}

// FromRaw encodes a raw user key into its memcomparable form, leaving room
// for a subsequent AppendTs.
func FromRaw(raw []byte) Key {
	out := make([]byte, 0, (len(raw)/groupSize+1)*(groupSize+1)+groupSize)
	for i := 0; ; i += groupSize {
		remain := len(raw) - i
		if remain >= groupSize {
			out = append(out, raw[i:i+groupSize]...)
			out = append(out, padMarker)
			if remain > groupSize {
				continue
			}
			// remain == groupSize: a full group was just emitted with no
			// leftover bytes, so a final all-pad group must still follow
			// to mark termination (a 0xFF marker alone means "more
			// groups follow").
			out = append(out, make([]byte, groupSize)...)
			out = append(out, byte(padMarker-groupSize))
			break
		}
		var group [groupSize]byte
		copy(group[:], raw[i:])
		out = append(out, group[:]...)
		pad := groupSize - remain
		out = append(out, byte(padMarker-pad))
		break
	}
	return Key{encoded: out}
}

// FromEncoded wraps an already memcomparable-encoded byte slice (possibly
// with a timestamp suffix already appended).
func FromEncoded(encoded []byte) Key {
	buf := make([]byte, len(encoded))
	copy(buf, encoded)
	return Key{encoded: buf}
}

// AsEncoded returns the encoded byte representation.
func (k Key) AsEncoded() []byte { return k.encoded }

// IntoRaw decodes the memcomparable encoding back to the original raw key.
// It errors if the encoding is malformed.
func (k Key) IntoRaw() ([]byte, error) {
	return decodeBytes(k.encoded)
}

// AppendTs appends an 8-byte descending-encoded timestamp: larger
// timestamps sort first among keys sharing a user-key prefix, matching
// the write-CF iteration order chronodb relies on to find the latest
// commit for a key with a single forward scan.
func (k Key) AppendTs(ts TimeStamp) Key {
	out := make([]byte, len(k.encoded)+groupSize)
	copy(out, k.encoded)
	binary.BigEndian.PutUint64(out[len(k.encoded):], ^uint64(ts))
	return Key{encoded: out}
}

// DecodeTs reads the trailing 8-byte descending-encoded timestamp. It
// errors if the key is shorter than 8 bytes.
func (k Key) DecodeTs() (TimeStamp, error) {
	if len(k.encoded) < groupSize {
		return 0, fmt.Errorf("keys: key too short to decode timestamp: %d bytes", len(k.encoded))
	}
	tail := k.encoded[len(k.encoded)-groupSize:]
	return TimeStamp(^binary.BigEndian.Uint64(tail)), nil
}

// TruncateTs removes the trailing 8-byte timestamp suffix, returning the
// bare encoded user key. It errors if the key is shorter than 8 bytes.
func (k Key) TruncateTs() (Key, error) {
	if len(k.encoded) < groupSize {
		return Key{}, fmt.Errorf("keys: key too short to truncate timestamp: %d bytes", len(k.encoded))
	}
	out := make([]byte, len(k.encoded)-groupSize)
	copy(out, k.encoded[:len(k.encoded)-groupSize])
	return Key{encoded: out}, nil
}

// IsUserKeyEq reports whether tsEncoded is exactly userKey followed by an
// 8-byte timestamp suffix, without allocating. userKey is compared
// byte-for-byte against tsEncoded's prefix; no memcomparable decoding is
// done, so a key built with FromRaw(raw).AppendTs matches only when
// userKey is FromRaw(raw).AsEncoded(), not raw itself.
func IsUserKeyEq(tsEncoded []byte, userKey []byte) bool {
	if len(tsEncoded) != len(userKey)+groupSize {
		return false
	}
	if len(userKey) >= groupSize {
		want := binary.BigEndian.Uint64(userKey[len(userKey)-groupSize:])
		got := binary.BigEndian.Uint64(tsEncoded[len(userKey)-groupSize : len(userKey)])
		if want != got {
			return false
		}
		return bytesEqual(tsEncoded[:len(userKey)-groupSize], userKey[:len(userKey)-groupSize])
	}
	return bytesEqual(tsEncoded[:len(userKey)], userKey)
}

// IsEncodedFrom validates that encoded is exactly FromRaw(raw).AsEncoded(),
// i.e. a full round trip, not merely a prefix match.
func IsEncodedFrom(encoded []byte, raw []byte) bool {
	want := FromRaw(raw)
	return bytesEqual(want.encoded, encoded)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func decodeBytes(encoded []byte) ([]byte, error) {
	out := make([]byte, 0, len(encoded))
	for i := 0; ; i += groupSize + 1 {
		if i+groupSize+1 > len(encoded) {
			return nil, fmt.Errorf("keys: truncated memcomparable encoding at offset %d", i)
		}
		group := encoded[i : i+groupSize]
		marker := encoded[i+groupSize]
		if marker == padMarker {
			out = append(out, group...)
			if i+groupSize+1 == len(encoded) {
				return nil, fmt.Errorf("keys: missing terminal group in memcomparable encoding")
			}
			continue
		}
		pad := padMarker - int(marker)
		if pad < 0 || pad > groupSize {
			return nil, fmt.Errorf("keys: invalid marker byte 0x%02x", marker)
		}
		out = append(out, group[:groupSize-pad]...)
		if i+groupSize+1 != len(encoded) {
			return nil, fmt.Errorf("keys: trailing bytes after terminal group")
		}
		return out, nil
	}
}
