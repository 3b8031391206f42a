package peersync

import (
	"bufio"
	"bytes"
	"testing"

	"provlog/internal/rangeset"
)

func FuzzReadFrame(f *testing.F) {
	f.Add([]byte{0, 0, 0, 1, 0x2a})
	f.Add([]byte{0, 0, 0, 0})
	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = ReadFrame(bufio.NewReader(bytes.NewReader(data)))
	})
}

func FuzzUnmarshalRequest(f *testing.F) {
	f.Add([]byte{0x18, 0x01})
	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = UnmarshalRequest(data)
	})
}

func FuzzBoundRange(f *testing.F) {
	f.Add("0-9,20-29", uint64(0), uint64(100), uint64(5))
	f.Add("5", uint64(5), uint64(5), uint64(1))
	f.Fuzz(func(t *testing.T, text string, from, to, limit uint64) {
		idx, err := rangeset.Parse(text)
		if err != nil || from > to || to > rangeset.MaxIndex || limit == 0 {
			return
		}
		end, truncated := boundRange(idx, from, to, limit)
		if end < from || end > to {
			t.Fatalf("end %d outside [%d, %d]", end, from, to)
		}
		if truncated != (end < to) {
			t.Fatalf("truncated=%t with end=%d to=%d", truncated, end, to)
		}
		window := rangeset.New()
		window.SetRange(from, end+1)
		window.And(idx)
		if window.Cardinality() > limit {
			t.Fatalf("window holds %d ids, limit %d", window.Cardinality(), limit)
		}
	})
}
