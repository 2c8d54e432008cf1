package keys

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte(""),
		[]byte("a"),
		[]byte("abcdefg"),
		[]byte("abcdefgh"),
		[]byte("abcdefghi"),
		[]byte("abcdefghijklmnop"), // exactly two groups
		[]byte("the quick brown fox jumps over the lazy dog"),
	}
	for _, raw := range cases {
		enc := FromRaw(raw)
		got, err := enc.IntoRaw()
		require.NoError(t, err, "raw=%q encoded=%x", raw, enc.AsEncoded())
		// nil and empty raw keys encode identically, so compare contents.
		assert.Equal(t, string(raw), string(got), "raw=%q", raw)
	}
}

// TestExactGroupMultipleAppendsTerminalPadGroup guards the specific
// off-by-one this package once had: a raw key whose length is a
// positive multiple of 8 must still end in a terminal all-pad group
// with a non-0xFF marker, not a bare 0xFF-marked full group.
func TestExactGroupMultipleAppendsTerminalPadGroup(t *testing.T) {
	raw := []byte("abcdefgh") // exactly one group, no remainder
	enc := FromRaw(raw).AsEncoded()
	require.Len(t, enc, (groupSize+1)*2, "one data group plus one terminal all-pad group")
	assert.Equal(t, raw, enc[:groupSize])
	assert.Equal(t, byte(padMarker), enc[groupSize], "first group's marker still signals continuation")
	assert.Equal(t, make([]byte, groupSize), enc[groupSize+1:2*groupSize+1], "terminal group is all pad bytes")
	assert.Equal(t, byte(padMarker-groupSize), enc[len(enc)-1], "terminal marker must not be 0xFF")

	got, err := FromEncoded(enc).IntoRaw()
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}

func TestOrderPreserving(t *testing.T) {
	lo := FromRaw([]byte("abc"))
	hi := FromRaw([]byte("abd"))
	assert.Less(t, string(lo.AsEncoded()), string(hi.AsEncoded()))

	short := FromRaw([]byte("ab"))
	long := FromRaw([]byte("abc"))
	assert.Less(t, string(short.AsEncoded()), string(long.AsEncoded()))
}

func TestAppendTruncateDecodeTs(t *testing.T) {
	k := FromRaw([]byte("row-1")).AppendTs(TimeStamp(42))
	ts, err := k.DecodeTs()
	require.NoError(t, err)
	assert.Equal(t, TimeStamp(42), ts)

	truncated, err := k.TruncateTs()
	require.NoError(t, err)
	assert.Equal(t, FromRaw([]byte("row-1")).AsEncoded(), truncated.AsEncoded())
}

func TestDescendingTsOrder(t *testing.T) {
	base := FromRaw([]byte("row-1"))
	newer := base.AppendTs(TimeStamp(100))
	older := base.AppendTs(TimeStamp(10))
	assert.Less(t, string(newer.AsEncoded()), string(older.AsEncoded()))
}

func TestIsUserKeyEq(t *testing.T) {
	raw := []byte("hello")
	tsEncoded := append(append([]byte{}, raw...), make([]byte, 8)...)
	assert.True(t, IsUserKeyEq(tsEncoded, raw))
	assert.False(t, IsUserKeyEq(tsEncoded, []byte("hellx")))
	assert.False(t, IsUserKeyEq(tsEncoded, []byte("hell")))
	assert.False(t, IsUserKeyEq(tsEncoded[:len(tsEncoded)-1], raw))

	shortRaw := []byte("ab")
	shortEnc := append(append([]byte{}, shortRaw...), make([]byte, 8)...)
	assert.True(t, IsUserKeyEq(shortEnc, shortRaw))
	assert.False(t, IsUserKeyEq(shortEnc, []byte("ax")))
}

func TestIsEncodedFrom(t *testing.T) {
	raw := []byte("abcdefghij")
	enc := FromRaw(raw).AsEncoded()
	assert.True(t, IsEncodedFrom(enc, raw))

	mutated := append([]byte{}, enc...)
	mutated[0] ^= 0xFF
	assert.False(t, IsEncodedFrom(mutated, raw))

	mutatedRaw := append([]byte{}, raw...)
	mutatedRaw[0] ^= 0xFF
	assert.False(t, IsEncodedFrom(enc, mutatedRaw))

	assert.False(t, IsEncodedFrom(enc[:len(enc)-1], raw))
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Key{encoded: []byte{1, 2, 3}}.IntoRaw()
	assert.Error(t, err)

	bad := append(FromRaw([]byte("abc")).AsEncoded(), 0)
	_, err = Key{encoded: bad}.IntoRaw()
	assert.Error(t, err)
}
