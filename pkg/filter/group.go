package filter

import (
	"encoding/binary"
	"encoding/hex"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
)

// Group is a normalized conjunction of filters. It guarantees that its
// filters do not conflict with each other and fixes the order in which they
// are applied. A Group is immutable once built and safe for concurrent use.
type Group struct {
	dataSize    uint64
	hasDataSize bool
	memcmp      []Memcmp
}

// NewNormalized validates filters and builds their canonical Group.
//
// Equal memcmps over one range collapse into one, empty patterns are
// dropped, and the remaining memcmps are sorted by CompareMemcmp so that any
// permutation of the same input yields an equal Group.
func NewNormalized(filters []Filter) (*Group, error) {
	g := &Group{}

	for _, f := range filters {
		switch v := f.(type) {
		case nil:
			continue
		case *DataSize:
			if v == nil {
				continue
			}
			if err := g.addDataSize(uint64(*v)); err != nil {
				return nil, err
			}
		case DataSize:
			if err := g.addDataSize(uint64(v)); err != nil {
				return nil, err
			}
		case *Memcmp:
			if v == nil {
				continue
			}
			if err := g.addMemcmp(*v); err != nil {
				return nil, err
			}
		case Memcmp:
			if err := g.addMemcmp(v); err != nil {
				return nil, err
			}
		}
	}

	if !g.hasDataSize && len(g.memcmp) == 0 {
		return nil, ErrEmpty
	}

	sort.Slice(g.memcmp, func(i, j int) bool {
		return CompareMemcmp(g.memcmp[i], g.memcmp[j]) < 0
	})
	return g, nil
}

func (g *Group) addDataSize(size uint64) error {
	// there is no point filtering for two different sizes
	if g.hasDataSize && g.dataSize != size {
		return ErrDuplicateDataSize
	}
	g.dataSize, g.hasDataSize = size, true
	return nil
}

// TODO: reject overlapping (not identical) ranges whose shared bytes disagree.
func (g *Group) addMemcmp(m Memcmp) error {
	r := m.Range()
	if len(m.Bytes) == 0 || r == ReservedRange {
		return nil
	}
	for _, old := range g.memcmp {
		// Range saturates at MaxUint64, so equal ranges can still hide
		// windows of different lengths
		if old.Range() != r || len(old.Bytes) != len(m.Bytes) {
			continue
		}
		if string(old.Bytes) != string(m.Bytes) {
			return ErrConflictingMemcmp
		}
		return nil
	}
	g.memcmp = append(g.memcmp, m.clone())
	return nil
}

// Matches reports whether data satisfies every filter in the group.
func (g *Group) Matches(data []byte) bool {
	if g.hasDataSize && uint64(len(data)) != g.dataSize {
		return false
	}
	for i := range g.memcmp {
		if !g.memcmp[i].Matches(data) {
			return false
		}
	}
	return true
}

// DataSize returns the required length, if any.
func (g *Group) DataSize() (uint64, bool) { return g.dataSize, g.hasDataSize }

// Memcmps returns a copy of the memcmp filters in canonical order.
func (g *Group) Memcmps() []Memcmp {
	out := make([]Memcmp, len(g.memcmp))
	for i, m := range g.memcmp {
		out[i] = m.clone()
	}
	return out
}

// Filters returns the group as a filter list: data size first, then memcmps.
func (g *Group) Filters() []Filter {
	out := make([]Filter, 0, g.Len())
	if g.hasDataSize {
		out = append(out, DataSize(g.dataSize))
	}
	for _, m := range g.memcmp {
		out = append(out, m.clone())
	}
	return out
}

// Len is the number of filters left after normalization.
func (g *Group) Len() int {
	n := len(g.memcmp)
	if g.hasDataSize {
		n++
	}
	return n
}

// Compare is a total order over groups: a group without a data size sorts
// first, then by size, then by memcmp lists element-wise.
func (g *Group) Compare(o *Group) int {
	switch {
	case g.hasDataSize != o.hasDataSize:
		if !g.hasDataSize {
			return -1
		}
		return 1
	case g.dataSize < o.dataSize:
		return -1
	case g.dataSize > o.dataSize:
		return 1
	}
	for i := 0; i < len(g.memcmp) && i < len(o.memcmp); i++ {
		if c := CompareMemcmp(g.memcmp[i], o.memcmp[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(g.memcmp) < len(o.memcmp):
		return -1
	case len(g.memcmp) > len(o.memcmp):
		return 1
	}
	return 0
}

func (g *Group) Equal(o *Group) bool { return g.Compare(o) == 0 }

// Key is a canonical binary encoding of the group. Equal groups have equal
// keys, so it can be used as a map key.
func (g *Group) Key() string {
	buf := make([]byte, 0, 16+len(g.memcmp)*(2*binary.MaxVarintLen64+8))
	if g.hasDataSize {
		buf = append(buf, 1)
		buf = binary.BigEndian.AppendUint64(buf, g.dataSize)
	} else {
		buf = append(buf, 0)
	}
	for _, m := range g.memcmp {
		buf = binary.AppendUvarint(buf, m.Offset)
		buf = binary.AppendUvarint(buf, uint64(len(m.Bytes)))
		buf = append(buf, m.Bytes...)
	}
	return string(buf)
}

// Hash is FNV-1a over Key. It is stable across processes.
func (g *Group) Hash() uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(g.Key()))
	return h.Sum64()
}

func (g *Group) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	if g.hasDataSize {
		sb.WriteString("dataSize=")
		sb.WriteString(strconv.FormatUint(g.dataSize, 10))
	}
	for i, m := range g.memcmp {
		if i > 0 || g.hasDataSize {
			sb.WriteByte(' ')
		}
		sb.WriteString("memcmp@")
		sb.WriteString(strconv.FormatUint(m.Offset, 10))
		sb.WriteByte('=')
		sb.WriteString(hex.EncodeToString(m.Bytes))
	}
	sb.WriteByte('}')
	return sb.String()
}
