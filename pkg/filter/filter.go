package filter

import (
	"bytes"
	"math"
)

// MaxMemcmpBytes is the largest pattern a Memcmp may carry on the wire.
const MaxMemcmpBytes = 128

// Filter is a single predicate over an account data blob.
// The only implementations are DataSize and Memcmp.
type Filter interface {
	Matches(data []byte) bool
	isFilter()
}

// DataSize matches data whose length equals the value.
type DataSize uint64

func (s DataSize) Matches(data []byte) bool { return uint64(len(data)) == uint64(s) }
func (DataSize) isFilter()                  {}

// Memcmp matches data holding Bytes at Offset.
type Memcmp struct {
	Offset uint64
	Bytes  []byte
}

func (Memcmp) isFilter() {}

// Matches reports whether data[Offset:Offset+len(Bytes)] equals Bytes.
// A window that does not fit in data is a non-match.
func (m Memcmp) Matches(data []byte) bool {
	end := m.Offset + uint64(len(m.Bytes))
	if end < m.Offset || end > uint64(len(data)) {
		return false
	}
	return bytes.Equal(data[m.Offset:end], m.Bytes)
}

// Range returns the byte window the predicate compares.
func (m Memcmp) Range() Range {
	end := m.Offset + uint64(len(m.Bytes))
	if end < m.Offset {
		end = math.MaxUint64
	}
	return Range{Start: m.Offset, End: end}
}

func (m Memcmp) clone() Memcmp {
	return Memcmp{Offset: m.Offset, Bytes: append([]byte(nil), m.Bytes...)}
}

// Range is a half-open byte interval [Start, End).
type Range struct {
	Start uint64
	End   uint64
}

func (r Range) Len() uint64   { return r.End - r.Start }
func (r Range) IsEmpty() bool { return r.End <= r.Start }

const (
	reservedRangeStart = 0
	reservedRangeEnd   = 0
)

// ReservedRange is a statically empty window. Predicates resolving to it are
// dropped during normalization.
var ReservedRange = Range{Start: reservedRangeStart, End: reservedRangeEnd}

// fails to compile unless the reserved range is empty
var _ [reservedRangeEnd - reservedRangeStart]struct{} = [0]struct{}{}

// CompareMemcmp orders by offset, then by pattern bytes.
func CompareMemcmp(a, b Memcmp) int {
	switch {
	case a.Offset < b.Offset:
		return -1
	case a.Offset > b.Offset:
		return 1
	}
	return bytes.Compare(a.Bytes, b.Bytes)
}
