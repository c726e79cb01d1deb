package eventlog

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseStreamID(t *testing.T) {
	ms, seq, ok := parseStreamID("1756500000000-7")
	require.True(t, ok)
	require.EqualValues(t, 1756500000000, ms)
	require.EqualValues(t, 7, seq)

	for _, bad := range []string{"", "123", "a-b", "1-2-3", "-5"} {
		_, _, ok := parseStreamID(bad)
		require.False(t, ok, "id %q must not parse", bad)
	}
}

func TestStreamIDOrdering(t *testing.T) {
	require.True(t, streamIDLess("", "0-0"), "empty sorts first")
	require.False(t, streamIDLess("0-0", ""))
	require.False(t, streamIDLess("", ""))

	require.True(t, streamIDLess("100-0", "100-1"))
	require.True(t, streamIDLess("100-9", "101-0"))
	require.False(t, streamIDLess("101-0", "100-9"))

	// Ids that don't parse fall back to lexical order.
	require.True(t, streamIDLess("abc", "abd"))
}
