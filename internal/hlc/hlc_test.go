package hlc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHLC_StringParseRoundTrip(t *testing.T) {
	h := HLC{Ms: 1717000000123, Counter: 7, NodeID: "node-a"}
	s := h.String()
	require.Equal(t, "0000001717000000123:000000007:node-a", s)

	parsed, err := Parse(s)
	require.NoError(t, err)
	require.Equal(t, h, parsed)
}

func TestParse_RejectsMalformed(t *testing.T) {
	_, err := Parse("not-an-hlc")
	require.Error(t, err)
	_, err = Parse("abc:000000007:node-a")
	require.Error(t, err)
}

// property 5: lexical string comparison matches semantic Compare.
func TestCompare_MatchesLexicalStringOrder(t *testing.T) {
	cases := []struct{ a, b HLC }{
		{HLC{Ms: 1, Counter: 0, NodeID: "a"}, HLC{Ms: 2, Counter: 0, NodeID: "a"}},
		{HLC{Ms: 5, Counter: 1, NodeID: "a"}, HLC{Ms: 5, Counter: 2, NodeID: "a"}},
		{HLC{Ms: 5, Counter: 1, NodeID: "a"}, HLC{Ms: 5, Counter: 1, NodeID: "b"}},
	}
	for _, c := range cases {
		semantic := Compare(c.a, c.b)
		lexical := 0
		switch {
		case c.a.String() < c.b.String():
			lexical = -1
		case c.a.String() > c.b.String():
			lexical = 1
		}
		require.Equal(t, lexical, semantic)
		require.True(t, Before(c.a, c.b))
	}
}

func TestClock_NowIsMonotonicEvenWithoutPhysicalAdvance(t *testing.T) {
	physical := int64(1000)
	c := NewClockWithTimeSource("node-1", func() int64 { return physical })

	h1 := c.Now()
	h2 := c.Now()
	h3 := c.Now()

	require.True(t, Before(h1, h2))
	require.True(t, Before(h2, h3))
	require.Equal(t, int64(1000), h1.Ms)
	require.Equal(t, int64(1), h2.Counter)
	require.Equal(t, int64(2), h3.Counter)
}

func TestClock_NowAdvancesCounterResetsOnNewPhysicalTime(t *testing.T) {
	physical := int64(1000)
	c := NewClockWithTimeSource("node-1", func() int64 { return physical })

	_ = c.Now()
	_ = c.Now()
	physical = 2000
	h3 := c.Now()

	require.Equal(t, int64(2000), h3.Ms)
	require.Equal(t, int64(0), h3.Counter)
}

func TestClock_UpdateMergesRemoteAheadOfLocal(t *testing.T) {
	physical := int64(1000)
	c := NewClockWithTimeSource("local", func() int64 { return physical })

	received := HLC{Ms: 5000, Counter: 3, NodeID: "remote"}
	out := c.Update(received)

	require.Equal(t, int64(5000), out.Ms)
	require.Equal(t, int64(4), out.Counter)
	require.Equal(t, "local", out.NodeID)
}

func TestClock_UpdateAdvancesEvenWhenReceivedLosesComparison(t *testing.T) {
	physical := int64(9000)
	c := NewClockWithTimeSource("local", func() int64 { return physical })
	_ = c.Now()

	received := HLC{Ms: 100, Counter: 0, NodeID: "remote"}
	before := c.Now()
	out := c.Update(received)

	require.True(t, Before(before, out))
}
