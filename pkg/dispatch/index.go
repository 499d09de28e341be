package dispatch

import (
	"github.com/PhucNguyen204/acctfilter/pkg/filter"
)

// memo states for a shared predicate while evaluating one buffer
const (
	memoUnknown uint8 = iota
	memoMiss
	memoHit
)

type predKey struct {
	offset uint64
	bytes  string
}

// sharedIndex deduplicates memcmps across every group of a table so that
// each distinct (offset, pattern) is compared at most once per buffer.
type sharedIndex struct {
	preds   []filter.Memcmp
	groups  [][]int32          // table position -> indices into preds, canonical order
	bySize  map[uint64][]int32 // required data size -> table positions, ascending
	unsized []int32            // table positions without a size requirement
}

func buildIndex(entries []Entry) *sharedIndex {
	ix := &sharedIndex{
		groups: make([][]int32, len(entries)),
		bySize: make(map[uint64][]int32),
	}
	seen := make(map[predKey]int32)
	for pos, e := range entries {
		ms := e.Group.Memcmps()
		refs := make([]int32, 0, len(ms))
		for _, m := range ms {
			k := predKey{offset: m.Offset, bytes: string(m.Bytes)}
			id, ok := seen[k]
			if !ok {
				id = int32(len(ix.preds))
				ix.preds = append(ix.preds, m)
				seen[k] = id
			}
			refs = append(refs, id)
		}
		ix.groups[pos] = refs

		if size, ok := e.Group.DataSize(); ok {
			ix.bySize[size] = append(ix.bySize[size], int32(pos))
		} else {
			ix.unsized = append(ix.unsized, int32(pos))
		}
	}
	return ix
}

// candidates returns the table positions whose size requirement admits a
// buffer of length n, ascending. The result must not be modified.
func (ix *sharedIndex) candidates(n int) []int32 {
	sized := ix.bySize[uint64(n)]
	switch {
	case len(sized) == 0:
		return ix.unsized
	case len(ix.unsized) == 0:
		return sized
	}
	out := make([]int32, 0, len(sized)+len(ix.unsized))
	i, j := 0, 0
	for i < len(sized) && j < len(ix.unsized) {
		if sized[i] < ix.unsized[j] {
			out = append(out, sized[i])
			i++
		} else {
			out = append(out, ix.unsized[j])
			j++
		}
	}
	out = append(out, sized[i:]...)
	return append(out, ix.unsized[j:]...)
}

// eval checks the memcmps of the group at pos. The caller has already
// checked the data size.
func (ix *sharedIndex) eval(pos int32, data []byte, memo []uint8, c *localCounters) bool {
	for _, p := range ix.groups[pos] {
		switch memo[p] {
		case memoHit:
			continue
		case memoMiss:
			return false
		}
		c.predicates++
		if ix.preds[p].Matches(data) {
			memo[p] = memoHit
		} else {
			memo[p] = memoMiss
			return false
		}
	}
	return true
}
