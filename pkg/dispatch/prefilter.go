package dispatch

import (
	"fmt"
	"sort"

	ac "github.com/petar-dambovaliev/aho-corasick"

	"github.com/PhucNguyen204/acctfilter/pkg/filter"
)

// PrefilterStats describes the automaton built for a table.
type PrefilterStats struct {
	// Distinct patterns in the automaton
	PatternCount int `json:"pattern_count"`
	// Distinct (offset, pattern) memcmps served by those patterns
	PredicateCount int `json:"predicate_count"`
	// Rough footprint of the automaton
	MemoryUsage int `json:"memory_usage"`
}

func (s PrefilterStats) StrategyName() string {
	return fmt.Sprintf("AhoCorasick (%d patterns)", s.PatternCount)
}

type site struct {
	offset uint64
	pred   int32
}

// Prefilter finds every memcmp of a table in one pass over a buffer. An
// occurrence of a pattern only counts when it starts at the offset one of
// the memcmps using that pattern requires.
type Prefilter struct {
	ac       *ac.AhoCorasick
	patterns []string
	// pattern index -> sites ordered by offset
	sites [][]site
	stats PrefilterStats
}

// newPrefilter returns nil when there is nothing to search for or the
// pattern set is larger than maxPatterns.
func newPrefilter(preds []filter.Memcmp, maxPatterns int) *Prefilter {
	if len(preds) == 0 {
		return nil
	}
	dedupe := make(map[string]int)
	var patterns []string
	var sites [][]site
	for i, m := range preds {
		key := string(m.Bytes)
		idx, ok := dedupe[key]
		if !ok {
			idx = len(patterns)
			patterns = append(patterns, key)
			sites = append(sites, nil)
			dedupe[key] = idx
		}
		sites[idx] = append(sites[idx], site{offset: m.Offset, pred: int32(i)})
	}
	if maxPatterns > 0 && len(patterns) > maxPatterns {
		return nil
	}
	for _, s := range sites {
		sort.Slice(s, func(i, j int) bool { return s[i].offset < s[j].offset })
	}

	builder := ac.NewAhoCorasickBuilder(ac.Opts{
		AsciiCaseInsensitive: false,
		MatchOnlyWholeWords:  false,
		// overlapping iteration needs standard semantics
		MatchKind: ac.StandardMatch,
		DFA:       false,
	})
	automaton := builder.Build(patterns)

	return &Prefilter{
		ac:       &automaton,
		patterns: patterns,
		sites:    sites,
		stats: PrefilterStats{
			PatternCount:   len(patterns),
			PredicateCount: len(preds),
			MemoryUsage:    estimateMemoryUsage(patterns),
		},
	}
}

func (p *Prefilter) Stats() PrefilterStats { return p.stats }

// mark resolves every predicate into memo and returns how many hit.
func (p *Prefilter) mark(data []byte, memo []uint8) int {
	for i := range memo {
		memo[i] = memoMiss
	}
	hits := 0
	it := p.ac.IterOverlapping(string(data))
	for m := it.Next(); m != nil; m = it.Next() {
		start := uint64(m.Start())
		ss := p.sites[m.Pattern()]
		i := sort.Search(len(ss), func(i int) bool { return ss[i].offset >= start })
		for ; i < len(ss) && ss[i].offset == start; i++ {
			if memo[ss[i].pred] != memoHit {
				memo[ss[i].pred] = memoHit
				hits++
			}
		}
	}
	return hits
}

func estimateMemoryUsage(patterns []string) int {
	states := 0
	for _, p := range patterns {
		states += len(p)
	}
	return states*(256+32) + len(patterns)*20
}
