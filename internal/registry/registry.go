package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/google/btree"

	"github.com/PhucNguyen204/acctfilter/pkg/dispatch"
	"github.com/PhucNguyen204/acctfilter/pkg/filter"
	"github.com/PhucNguyen204/acctfilter/pkg/filterspec"
)

// DefaultCacheSize is the number of raw filter requests whose normalization
// result is remembered.
const DefaultCacheSize = 4096

// Subscription is one caller's interest in a filter group.
type Subscription struct {
	ID      uint64           `json:"id"`
	GroupID dispatch.GroupID `json:"group_id"`
	Group   *filter.Group    `json:"-"`
	Created time.Time        `json:"created"`
}

// groupItem is a unique canonical group shared by all subscriptions that
// asked for it.
type groupItem struct {
	group *filter.Group
	id    dispatch.GroupID
	subs  map[uint64]struct{}
}

func (a *groupItem) Less(than btree.Item) bool {
	return a.group.Compare(than.(*groupItem).group) < 0
}

type normalized struct {
	group *filter.Group
	err   error
}

// Registry tracks subscriptions, collapses identical groups into one
// dispatch entry and keeps an engine snapshot over the unique groups.
type Registry struct {
	mu        sync.RWMutex
	cfg       dispatch.Config
	groups    *btree.BTree
	byID      map[dispatch.GroupID]*groupItem
	subs      map[uint64]*Subscription
	nextSub   uint64
	nextGroup dispatch.GroupID
	engine    *dispatch.Engine
	dirty     bool

	cacheMu sync.Mutex
	cache   *lru.Cache
}

func New(cfg dispatch.Config, cacheSize int) *Registry {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	return &Registry{
		cfg:    cfg,
		groups: btree.New(16),
		byID:   make(map[dispatch.GroupID]*groupItem),
		subs:   make(map[uint64]*Subscription),
		cache:  lru.New(cacheSize),
		dirty:  true,
	}
}

// Normalize decodes and normalizes a JSON filter array. Results, including
// failures, are cached by the raw bytes.
func (r *Registry) Normalize(raw []byte) (*filter.Group, error) {
	key := string(raw)
	r.cacheMu.Lock()
	v, ok := r.cache.Get(key)
	r.cacheMu.Unlock()
	if ok {
		n := v.(normalized)
		return n.group, n.err
	}

	g, err := filterspec.NormalizeJSON(raw)
	r.cacheMu.Lock()
	r.cache.Add(key, normalized{group: g, err: err})
	r.cacheMu.Unlock()
	return g, err
}

// Subscribe registers interest in g. The bool reports whether g was new to
// the registry rather than shared with an existing subscription.
func (r *Registry) Subscribe(g *filter.Group) (Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextSub++
	sub, created := r.attach(r.nextSub, g)
	return *sub, created
}

// Restore re-registers a subscription under a known id, e.g. after loading
// it from storage.
func (r *Registry) Restore(id uint64, g *filter.Group, created time.Time) error {
	if g == nil {
		return fmt.Errorf("subscription %d: nil group", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[id]; ok {
		return fmt.Errorf("subscription %d already registered", id)
	}
	sub, _ := r.attach(id, g)
	if !created.IsZero() {
		sub.Created = created
	}
	if id > r.nextSub {
		r.nextSub = id
	}
	return nil
}

// Reserve keeps Subscribe from handing out ids up to and including id.
func (r *Registry) Reserve(id uint64) {
	r.mu.Lock()
	if id > r.nextSub {
		r.nextSub = id
	}
	r.mu.Unlock()
}

func (r *Registry) attach(id uint64, g *filter.Group) (*Subscription, bool) {
	created := false
	var item *groupItem
	if found := r.groups.Get(&groupItem{group: g}); found != nil {
		item = found.(*groupItem)
	} else {
		item = &groupItem{group: g, id: r.nextGroup, subs: make(map[uint64]struct{})}
		r.nextGroup++
		r.groups.ReplaceOrInsert(item)
		r.byID[item.id] = item
		r.dirty = true
		created = true
	}
	item.subs[id] = struct{}{}
	sub := &Subscription{ID: id, GroupID: item.id, Group: item.group, Created: time.Now().UTC()}
	r.subs[id] = sub
	return sub, created
}

// Unsubscribe drops a subscription. The group leaves the engine once no
// subscription references it.
func (r *Registry) Unsubscribe(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok {
		return false
	}
	delete(r.subs, id)
	item := r.byID[sub.GroupID]
	delete(item.subs, id)
	if len(item.subs) == 0 {
		r.groups.Delete(item)
		delete(r.byID, item.id)
		r.dirty = true
	}
	return true
}

func (r *Registry) Get(id uint64) (Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[id]
	if !ok {
		return Subscription{}, false
	}
	return *sub, true
}

// List returns all subscriptions ordered by id.
func (r *Registry) List() []Subscription {
	r.mu.RLock()
	out := make([]Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, *s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Groups returns the unique groups in canonical order.
func (r *Registry) Groups() []*filter.Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*filter.Group, 0, r.groups.Len())
	r.groups.Ascend(func(i btree.Item) bool {
		out = append(out, i.(*groupItem).group)
		return true
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

func (r *Registry) UniqueGroups() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.groups.Len()
}

// Engine returns a dispatch engine over the current unique groups,
// rebuilding it if subscriptions changed since the last call.
func (r *Registry) Engine() (*dispatch.Engine, error) {
	r.mu.RLock()
	if !r.dirty {
		e := r.engine
		r.mu.RUnlock()
		return e, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.dirty {
		return r.engine, nil
	}
	entries := make([]dispatch.Entry, 0, r.groups.Len())
	r.groups.Ascend(func(i btree.Item) bool {
		it := i.(*groupItem)
		entries = append(entries, dispatch.Entry{ID: it.id, Group: it.group})
		return true
	})
	e, err := dispatch.New(entries, r.cfg)
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}
	r.engine = e
	r.dirty = false
	return e, nil
}

// Match returns the ids of subscriptions whose group matches data, ascending.
func (r *Registry) Match(ctx context.Context, data []byte) ([]uint64, error) {
	e, err := r.Engine()
	if err != nil {
		return nil, err
	}
	gids, err := e.MatchContext(ctx, data)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.subscribers(gids), nil
}

// MatchBatch is Match for several buffers at once.
func (r *Registry) MatchBatch(ctx context.Context, bufs [][]byte) ([][]uint64, error) {
	e, err := r.Engine()
	if err != nil {
		return nil, err
	}
	res, err := e.MatchBatch(ctx, bufs)
	if err != nil {
		return nil, err
	}
	out := make([][]uint64, len(res))
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i, gids := range res {
		out[i] = r.subscribers(gids)
	}
	return out, nil
}

// subscribers expands group ids into sorted subscription ids. Callers hold
// at least the read lock.
func (r *Registry) subscribers(gids []dispatch.GroupID) []uint64 {
	var out []uint64
	for _, gid := range gids {
		// the group may have been dropped since the snapshot was taken
		item, ok := r.byID[gid]
		if !ok {
			continue
		}
		for id := range item.subs {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
