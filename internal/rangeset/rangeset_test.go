package rangeset

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func collect(s *RangeSet) [][2]uint64 {
	var out [][2]uint64
	it := s.Ranges()
	for {
		first, last, ok := it.Next()
		if !ok {
			return out
		}
		out = append(out, [2]uint64{first, last})
	}
}

func TestSetCoalescesAdjacentRanges(t *testing.T) {
	s := New()
	s.SetRange(0, 5)
	s.SetRange(5, 10)
	require.Equal(t, [][2]uint64{{0, 9}}, collect(s))
	require.Equal(t, uint64(10), s.Len())
	require.Equal(t, uint64(10), s.Cardinality())
}

func TestSetMergesOverlappingAndBridgedRanges(t *testing.T) {
	s := New()
	s.SetRange(10, 20)
	s.SetRange(30, 40)
	s.SetRange(50, 60)
	require.Equal(t, 3, s.IntervalCount())

	s.SetRange(15, 55)
	require.Equal(t, [][2]uint64{{10, 59}}, collect(s))

	s.Set(9)
	s.Set(60)
	require.Equal(t, [][2]uint64{{9, 60}}, collect(s))
}

func TestSetInsideExistingRangeIsNoop(t *testing.T) {
	s := New()
	s.SetRange(100, 200)
	s.SetRange(120, 130)
	s.Set(150)
	require.Equal(t, [][2]uint64{{100, 199}}, collect(s))
}

func TestClearSplitsRange(t *testing.T) {
	s := New()
	s.SetRange(0, 10)
	s.ClearRange(3, 6)
	require.Equal(t, [][2]uint64{{0, 2}, {6, 9}}, collect(s))
	require.Equal(t, uint64(7), s.Cardinality())
	require.False(t, s.Get(3))
	require.False(t, s.Get(5))
	require.True(t, s.Get(6))
}

func TestClearAcrossSeveralRanges(t *testing.T) {
	s := New()
	s.SetRange(0, 4)
	s.SetRange(6, 8)
	s.SetRange(10, 20)
	s.ClearRange(2, 12)
	require.Equal(t, [][2]uint64{{0, 1}, {12, 19}}, collect(s))

	s.ClearRange(0, 100)
	require.True(t, s.IsEmpty())
	require.Equal(t, uint64(0), s.Len())
}

func TestClearSingleBitsAtEdges(t *testing.T) {
	s := New()
	s.SetRange(5, 8)
	s.Clear(5)
	s.Clear(7)
	require.Equal(t, [][2]uint64{{6, 6}}, collect(s))
	s.Clear(6)
	require.Equal(t, 0, s.IntervalCount())
}

func TestEmptyRangeIsIgnored(t *testing.T) {
	s := New()
	s.SetRange(4, 4)
	s.ClearRange(4, 4)
	require.True(t, s.IsEmpty())
}

func TestInvalidRangePanics(t *testing.T) {
	s := New()
	require.PanicsWithError(t, "rangeset: invalid range [9, 3)", func() { s.SetRange(9, 3) })
	require.Panics(t, func() { s.ClearRange(2, 1) })
	require.Panics(t, func() { s.Set(MaxIndex + 1) })
}

func TestAndIntersects(t *testing.T) {
	a := New()
	a.SetRange(0, 100)
	b := New()
	b.SetRange(10, 20)
	b.SetRange(50, 60)
	b.Set(99)
	b.SetRange(200, 300)

	a.And(b)
	require.Equal(t, [][2]uint64{{10, 19}, {50, 59}, {99, 99}}, collect(a))
}

func TestAndWithEmptyClearsEverything(t *testing.T) {
	a := New()
	a.SetRange(1, 1000)
	a.And(New())
	require.True(t, a.IsEmpty())
}

func TestAndNotSubtracts(t *testing.T) {
	a := New()
	a.SetRange(0, 10)
	b := New()
	b.SetRange(2, 4)
	b.Set(9)
	a.AndNot(b)
	require.Equal(t, [][2]uint64{{0, 1}, {4, 8}}, collect(a))

	a.AndNot(a)
	require.True(t, a.IsEmpty())
}

func TestOrUnions(t *testing.T) {
	a := New()
	a.SetRange(0, 3)
	b := New()
	b.SetRange(3, 6)
	b.Set(10)
	a.Or(b)
	require.Equal(t, [][2]uint64{{0, 5}, {10, 10}}, collect(a))
}

func TestCloneIsIndependent(t *testing.T) {
	a := New()
	a.SetRange(0, 10)
	c := a.Clone()
	c.ClearRange(0, 5)
	require.True(t, a.Get(0))
	require.False(t, c.Get(0))
	require.False(t, a.Equal(c))
}

func TestStringAndParse(t *testing.T) {
	s := New()
	s.Set(1)
	s.SetRange(5, 10)
	s.Set(42)
	require.Equal(t, "1,5-9,42", s.String())

	parsed, err := Parse(" 1, 5-9 ,42")
	require.NoError(t, err)
	require.True(t, parsed.Equal(s))

	empty, err := Parse("")
	require.NoError(t, err)
	require.True(t, empty.IsEmpty())
	require.Equal(t, "", empty.String())
}

func TestParseRejectsMalformedText(t *testing.T) {
	for _, in := range []string{"a", "1-", "9-3", "-5", "1,,2", "18446744073709551615"} {
		_, err := Parse(in)
		require.Error(t, err, "input %q", in)
	}
}

func TestIteratorIsRestartable(t *testing.T) {
	s := New()
	s.SetRange(1, 3)
	s.SetRange(7, 8)
	it := s.Ranges()
	first, last, ok := it.Next()
	require.True(t, ok)
	require.Equal(t, uint64(1), first)
	require.Equal(t, uint64(2), last)
	it.Reset()
	first, _, _ = it.Next()
	require.Equal(t, uint64(1), first)
	_, _, ok = it.Next()
	require.True(t, ok)
	_, _, ok = it.Next()
	require.False(t, ok)
}

func TestMembershipMatchesReferenceSet(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	s := New()
	ref := map[uint64]bool{}
	for i := 0; i < 2000; i++ {
		from := uint64(rng.Intn(500))
		to := from + uint64(rng.Intn(20))
		if rng.Intn(3) == 0 {
			s.ClearRange(from, to)
			for x := from; x < to; x++ {
				delete(ref, x)
			}
			continue
		}
		s.SetRange(from, to)
		for x := from; x < to; x++ {
			ref[x] = true
		}
	}
	var card uint64
	for x := uint64(0); x < 600; x++ {
		require.Equal(t, ref[x], s.Get(x), "index %d", x)
		if s.Get(x) {
			card++
		}
	}
	require.Equal(t, card, s.Cardinality())
	assertCoalesced(t, s)
}

func TestConcurrentMutationAndReads(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := uint64(0); i < 1000; i++ {
				s.Set(i*4 + uint64(w))
			}
		}(w)
	}
	for r := 0; r < 2; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if _, err := Parse(s.String()); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()
	require.Equal(t, [][2]uint64{{0, 3999}}, collect(s))
}

func assertCoalesced(t *testing.T, s *RangeSet) {
	t.Helper()
	spans := s.snapshot()
	for i, sp := range spans {
		require.Less(t, sp.start, sp.end, "empty interval at %d", i)
		if i > 0 {
			require.Greater(t, sp.start, spans[i-1].end, "intervals %d and %d touch or overlap", i-1, i)
		}
	}
}
