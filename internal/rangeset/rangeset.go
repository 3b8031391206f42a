// Package rangeset implements a run-length encoded set of uint64 indices.
//
// A RangeSet stores its members as sorted, disjoint, non-adjacent half-open
// intervals [start, end). Dense runs of identifiers, which is what a record
// journal produces, collapse into a handful of intervals regardless of how
// many identifiers they cover.
//
// All methods are safe for concurrent use. A single mutex guards the whole
// interval slice, so readers never observe a half-merged or half-split state.
package rangeset

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// MaxIndex is the largest index a RangeSet can hold. math.MaxUint64 itself is
// reserved as the exclusive end of the domain.
const MaxIndex = math.MaxUint64 - 1

// InvalidRangeError reports a range argument that violates the RangeSet
// contract. It is raised with panic: callers are expected never to build one.
type InvalidRangeError struct {
	From, To uint64
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("rangeset: invalid range [%d, %d)", e.From, e.To)
}

type span struct {
	start uint64
	end   uint64 // exclusive
}

// RangeSet is an ordered set of uint64 indices. The zero value is an empty set.
type RangeSet struct {
	mu    sync.Mutex
	spans []span
}

// New returns an empty RangeSet.
func New() *RangeSet {
	return &RangeSet{}
}

// Get reports whether i is a member of the set.
func (s *RangeSet) Get(i uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := s.searchEnd(i)
	return k < len(s.spans) && s.spans[k].start <= i
}

// Set adds index i.
func (s *RangeSet) Set(i uint64) {
	if i > MaxIndex {
		panic(&InvalidRangeError{From: i, To: i})
	}
	s.SetRange(i, i+1)
}

// SetRange adds every index in [from, to).
func (s *RangeSet) SetRange(from, to uint64) {
	checkRange(from, to)
	if from == to {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(from, to)
}

// Clear removes index i.
func (s *RangeSet) Clear(i uint64) {
	if i > MaxIndex {
		panic(&InvalidRangeError{From: i, To: i})
	}
	s.ClearRange(i, i+1)
}

// ClearRange removes every index in [from, to).
func (s *RangeSet) ClearRange(from, to uint64) {
	checkRange(from, to)
	if from == to {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked(from, to)
}

// And intersects s with other in place.
func (s *RangeSet) And(other *RangeSet) {
	if other == s {
		return
	}
	mask := other.snapshot()
	s.mu.Lock()
	defer s.mu.Unlock()
	var prev uint64
	for _, sp := range mask {
		if sp.start > prev {
			s.clearLocked(prev, sp.start)
		}
		prev = sp.end
	}
	if prev < math.MaxUint64 {
		s.clearLocked(prev, math.MaxUint64)
	}
}

// AndNot removes from s every index present in other.
func (s *RangeSet) AndNot(other *RangeSet) {
	if other == s {
		s.mu.Lock()
		s.spans = nil
		s.mu.Unlock()
		return
	}
	mask := other.snapshot()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sp := range mask {
		s.clearLocked(sp.start, sp.end)
	}
}

// Or adds to s every index present in other.
func (s *RangeSet) Or(other *RangeSet) {
	if other == s {
		return
	}
	add := other.snapshot()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sp := range add {
		s.setLocked(sp.start, sp.end)
	}
}

// Clone returns a deep, independent copy of s.
func (s *RangeSet) Clone() *RangeSet {
	return &RangeSet{spans: s.snapshot()}
}

// Len returns the logical size of the set: one past the highest member, or
// zero when the set is empty.
func (s *RangeSet) Len() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.spans) == 0 {
		return 0
	}
	return s.spans[len(s.spans)-1].end
}

// Cardinality returns the number of members.
func (s *RangeSet) Cardinality() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n uint64
	for _, sp := range s.spans {
		n += sp.end - sp.start
	}
	return n
}

// IsEmpty reports whether the set has no members.
func (s *RangeSet) IsEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.spans) == 0
}

// IntervalCount returns the number of stored intervals.
func (s *RangeSet) IntervalCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.spans)
}

// Equal reports whether s and other hold exactly the same members.
func (s *RangeSet) Equal(other *RangeSet) bool {
	if other == s {
		return true
	}
	a, b := s.snapshot(), other.snapshot()
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

// String renders the set as a comma separated list of single indices and
// inclusive lo-hi ranges, ascending. Parse reverses it.
func (s *RangeSet) String() string {
	spans := s.snapshot()
	var b strings.Builder
	for i, sp := range spans {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatUint(sp.start, 10))
		if sp.end-sp.start > 1 {
			b.WriteByte('-')
			b.WriteString(strconv.FormatUint(sp.end-1, 10))
		}
	}
	return b.String()
}

// Parse builds a RangeSet from the text form produced by String. Whitespace
// around elements is ignored and an empty string yields an empty set.
func Parse(text string) (*RangeSet, error) {
	s := New()
	text = strings.TrimSpace(text)
	if text == "" {
		return s, nil
	}
	for _, tok := range strings.Split(text, ",") {
		tok = strings.TrimSpace(tok)
		loText, hiText, isRange := strings.Cut(tok, "-")
		lo, err := strconv.ParseUint(strings.TrimSpace(loText), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse rangeset element %q: %w", tok, err)
		}
		hi := lo
		if isRange {
			hi, err = strconv.ParseUint(strings.TrimSpace(hiText), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("parse rangeset element %q: %w", tok, err)
			}
		}
		if lo > hi || hi > MaxIndex {
			return nil, fmt.Errorf("parse rangeset element %q: out of order or out of domain", tok)
		}
		s.setLocked(lo, hi+1)
	}
	return s, nil
}

// Ranges returns an iterator over the stored intervals as inclusive
// (first, last) pairs. The iterator reads s lazily; mutating s while iterating
// gives unspecified results, so iterate over a Clone when writers may be active.
func (s *RangeSet) Ranges() *RangeIterator {
	return &RangeIterator{set: s}
}

// RangeIterator walks the intervals of a RangeSet in ascending order.
type RangeIterator struct {
	set *RangeSet
	pos int
}

// Next returns the next interval. ok is false once the intervals are exhausted.
func (it *RangeIterator) Next() (first, last uint64, ok bool) {
	it.set.mu.Lock()
	defer it.set.mu.Unlock()
	if it.pos >= len(it.set.spans) {
		return 0, 0, false
	}
	sp := it.set.spans[it.pos]
	it.pos++
	return sp.start, sp.end - 1, true
}

// Reset rewinds the iterator to the first interval.
func (it *RangeIterator) Reset() {
	it.pos = 0
}

func checkRange(from, to uint64) {
	if from > to {
		panic(&InvalidRangeError{From: from, To: to})
	}
}

func (s *RangeSet) snapshot() []span {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.spans) == 0 {
		return nil
	}
	return append([]span(nil), s.spans...)
}

// searchEnd returns the index of the first span whose end is greater than i.
func (s *RangeSet) searchEnd(i uint64) int {
	return sort.Search(len(s.spans), func(k int) bool { return s.spans[k].end > i })
}

func (s *RangeSet) setLocked(from, to uint64) {
	// first span that overlaps or touches [from, to) on the left
	lo := sort.Search(len(s.spans), func(k int) bool { return s.spans[k].end >= from })
	// first span strictly after to, not touching
	hi := sort.Search(len(s.spans), func(k int) bool { return s.spans[k].start > to })

	if lo == hi {
		s.spans = append(s.spans, span{})
		copy(s.spans[lo+1:], s.spans[lo:])
		s.spans[lo] = span{start: from, end: to}
		return
	}
	if hi == lo+1 && s.spans[lo].start <= from && s.spans[lo].end >= to {
		return
	}
	merged := span{start: min(from, s.spans[lo].start), end: max(to, s.spans[hi-1].end)}
	s.spans[lo] = merged
	s.spans = append(s.spans[:lo+1], s.spans[hi:]...)
}

func (s *RangeSet) clearLocked(from, to uint64) {
	lo := s.searchEnd(from)
	hi := lo
	for hi < len(s.spans) && s.spans[hi].start < to {
		hi++
	}
	if lo == hi {
		return
	}

	var keep [2]span
	n := 0
	if first := s.spans[lo]; first.start < from {
		keep[n] = span{start: first.start, end: from}
		n++
	}
	if last := s.spans[hi-1]; last.end > to {
		keep[n] = span{start: to, end: last.end}
		n++
	}

	tail := append([]span(nil), s.spans[hi:]...)
	s.spans = append(append(s.spans[:lo], keep[:n]...), tail...)
	if len(s.spans) == 0 {
		s.spans = nil
	}
}
