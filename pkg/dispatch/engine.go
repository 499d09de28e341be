package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/PhucNguyen204/acctfilter/pkg/filter"
)

// GroupID identifies a group inside a table.
type GroupID = uint32

// Entry is one row of the table an Engine evaluates.
type Entry struct {
	ID    GroupID
	Group *filter.Group
}

// Stats are cumulative counters since the engine was built.
type Stats struct {
	Buffers              uint64 `json:"buffers"`
	Matches              uint64 `json:"matches"`
	PredicateEvaluations uint64 `json:"predicate_evaluations"`
	SizeSkips            uint64 `json:"size_skips"`
	PrefilterHits        uint64 `json:"prefilter_hits"`
}

type localCounters struct {
	matches    uint64
	predicates uint64
}

// Engine evaluates a fixed table of groups against data buffers. It is
// immutable once built and safe for concurrent use.
type Engine struct {
	cfg       Config
	strategy  Strategy
	entries   []Entry
	all       []int32
	index     *sharedIndex
	prefilter *Prefilter

	buffers    atomic.Uint64
	matches    atomic.Uint64
	predicates atomic.Uint64
	sizeSkips  atomic.Uint64
	pfHits     atomic.Uint64
}

// New builds an engine over entries. IDs must be unique.
func New(entries []Entry, cfg Config) (*Engine, error) {
	seen := make(map[GroupID]struct{}, len(entries))
	e := &Engine{
		cfg:      cfg,
		strategy: cfg.Strategy,
		entries:  make([]Entry, len(entries)),
		all:      make([]int32, len(entries)),
	}
	for i, en := range entries {
		if en.Group == nil {
			return nil, fmt.Errorf("entry %d: nil group", en.ID)
		}
		if _, dup := seen[en.ID]; dup {
			return nil, fmt.Errorf("entry %d: duplicate id", en.ID)
		}
		seen[en.ID] = struct{}{}
		e.entries[i] = en
		e.all[i] = int32(i)
	}

	switch cfg.Strategy {
	case StrategyNaive:
	case StrategyIndexed:
		e.index = buildIndex(e.entries)
	case StrategyPrefilter:
		e.index = buildIndex(e.entries)
		e.prefilter = newPrefilter(e.index.preds, cfg.MaxPatterns)
		if e.prefilter == nil {
			e.strategy = StrategyIndexed
		}
	default:
		return nil, errors.New("unknown strategy " + cfg.Strategy.String())
	}
	return e, nil
}

func (e *Engine) Len() int           { return len(e.entries) }
func (e *Engine) Config() Config     { return e.cfg }
func (e *Engine) Strategy() Strategy { return e.strategy }

// PrefilterStats is zero when the prefilter is not in use.
func (e *Engine) PrefilterStats() PrefilterStats {
	if e.prefilter == nil {
		return PrefilterStats{}
	}
	return e.prefilter.Stats()
}

func (e *Engine) Stats() Stats {
	return Stats{
		Buffers:              e.buffers.Load(),
		Matches:              e.matches.Load(),
		PredicateEvaluations: e.predicates.Load(),
		SizeSkips:            e.sizeSkips.Load(),
		PrefilterHits:        e.pfHits.Load(),
	}
}

// Match returns the IDs of every group matching data, in table order.
func (e *Engine) Match(data []byte) []GroupID {
	cands, memo := e.begin(data)
	var c localCounters
	out := e.evalRange(data, cands, memo, &c)
	e.finish(&c)
	return out
}

// Count is len(Match(data)).
func (e *Engine) Count(data []byte) int { return len(e.Match(data)) }

// MatchContext is Match with the candidate groups split across goroutines
// when the config enables it and there are enough of them.
func (e *Engine) MatchContext(ctx context.Context, data []byte) ([]GroupID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cands, memo := e.begin(data)
	workers := e.cfg.workers()
	if !e.cfg.EnableParallel || workers < 2 || len(cands) < e.cfg.ParallelThreshold || len(cands) < 2 {
		var c localCounters
		out := e.evalRange(data, cands, memo, &c)
		e.finish(&c)
		return out, nil
	}

	if workers > len(cands) {
		workers = len(cands)
	}
	chunk := (len(cands) + workers - 1) / workers
	results := make([][]GroupID, workers)
	counters := make([]localCounters, workers)

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		w := w
		lo := w * chunk
		if lo >= len(cands) {
			break
		}
		hi := min(lo+chunk, len(cands))
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[w] = e.evalRange(data, cands[lo:hi], e.forkMemo(memo), &counters[w])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var total localCounters
	n := 0
	for w := range results {
		n += len(results[w])
		total.matches += counters[w].matches
		total.predicates += counters[w].predicates
	}
	out := make([]GroupID, 0, n)
	for _, r := range results {
		out = append(out, r...)
	}
	e.finish(&total)
	return out, nil
}

// MatchBatch runs Match over every buffer, spreading buffers across the
// configured workers. Results are in input order.
func (e *Engine) MatchBatch(ctx context.Context, bufs [][]byte) ([][]GroupID, error) {
	out := make([][]GroupID, len(bufs))
	g, gctx := errgroup.WithContext(ctx)
	workers := e.cfg.workers()
	if !e.cfg.EnableParallel {
		workers = 1
	}
	g.SetLimit(workers)
	for i := range bufs {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out[i] = e.Match(bufs[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// begin picks the candidate positions for data and prepares the memo.
func (e *Engine) begin(data []byte) ([]int32, []uint8) {
	e.buffers.Add(1)
	if e.index == nil {
		return e.all, nil
	}
	cands := e.index.candidates(len(data))
	e.sizeSkips.Add(uint64(len(e.entries) - len(cands)))

	memo := make([]uint8, len(e.index.preds))
	if e.strategy == StrategyPrefilter && len(cands) > 0 {
		e.pfHits.Add(uint64(e.prefilter.mark(data, memo)))
	}
	return cands, memo
}

// forkMemo gives a goroutine its own memo unless the prefilter has already
// resolved every predicate, in which case the memo is read-only.
func (e *Engine) forkMemo(memo []uint8) []uint8 {
	if memo == nil || e.strategy == StrategyPrefilter {
		return memo
	}
	return make([]uint8, len(memo))
}

func (e *Engine) evalRange(data []byte, cands []int32, memo []uint8, c *localCounters) []GroupID {
	var out []GroupID
	for _, pos := range cands {
		var ok bool
		if e.index == nil {
			c.predicates += uint64(e.entries[pos].Group.Len())
			ok = e.entries[pos].Group.Matches(data)
		} else {
			ok = e.index.eval(pos, data, memo, c)
		}
		if ok {
			out = append(out, e.entries[pos].ID)
		}
	}
	c.matches += uint64(len(out))
	return out
}

func (e *Engine) finish(c *localCounters) {
	e.matches.Add(c.matches)
	e.predicates.Add(c.predicates)
}
