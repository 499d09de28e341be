package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/PhucNguyen204/acctfilter/pkg/dispatch"
	"github.com/PhucNguyen204/acctfilter/pkg/filter"
)

func mustGroup(t *testing.T, fs ...filter.Filter) *filter.Group {
	t.Helper()
	g, err := filter.NewNormalized(fs)
	require.NoError(t, err)
	return g
}

func newRegistry() *Registry {
	return New(dispatch.DevelopmentConfig(), 0)
}

func TestSubscribeDeduplicatesGroups(t *testing.T) {
	r := newRegistry()
	a := mustGroup(t, filter.DataSize(5), filter.Memcmp{Offset: 0, Bytes: []byte{1, 2}})
	b := mustGroup(t, filter.Memcmp{Offset: 0, Bytes: []byte{1, 2}}, filter.DataSize(5), filter.DataSize(5))

	s1, created := r.Subscribe(a)
	require.True(t, created)
	s2, created := r.Subscribe(b)
	require.False(t, created)

	require.NotEqual(t, s1.ID, s2.ID)
	require.Equal(t, s1.GroupID, s2.GroupID)
	require.Equal(t, 2, r.Len())
	require.Equal(t, 1, r.UniqueGroups())

	e, err := r.Engine()
	require.NoError(t, err)
	require.Equal(t, 1, e.Len())
}

func TestMatchFansOutToSubscriptions(t *testing.T) {
	r := newRegistry()
	sized := mustGroup(t, filter.DataSize(5), filter.Memcmp{Offset: 0, Bytes: []byte{1, 2}})
	prefix := mustGroup(t, filter.Memcmp{Offset: 0, Bytes: []byte{1}})
	other := mustGroup(t, filter.Memcmp{Offset: 0, Bytes: []byte{9}})

	s1, _ := r.Subscribe(sized)
	s2, _ := r.Subscribe(prefix)
	s3, _ := r.Subscribe(sized)
	_, _ = r.Subscribe(other)

	got, err := r.Match(context.Background(), []byte{1, 2, 0, 0, 0})
	require.NoError(t, err)
	require.Equal(t, []uint64{s1.ID, s2.ID, s3.ID}, got)

	got, err = r.Match(context.Background(), []byte{1, 2, 0, 0})
	require.NoError(t, err)
	require.Equal(t, []uint64{s2.ID}, got)
}

func TestMatchBatch(t *testing.T) {
	r := newRegistry()
	a, _ := r.Subscribe(mustGroup(t, filter.DataSize(2)))
	b, _ := r.Subscribe(mustGroup(t, filter.Memcmp{Offset: 0, Bytes: []byte{5}}))

	got, err := r.MatchBatch(context.Background(), [][]byte{{5, 0}, {5}, {0}})
	require.NoError(t, err)
	require.Equal(t, [][]uint64{{a.ID, b.ID}, {b.ID}, nil}, got)
}

func TestUnsubscribeRebuildsEngine(t *testing.T) {
	r := newRegistry()
	g := mustGroup(t, filter.DataSize(1))
	s1, _ := r.Subscribe(g)
	s2, _ := r.Subscribe(g)

	e1, err := r.Engine()
	require.NoError(t, err)
	require.Equal(t, 1, e1.Len())

	require.True(t, r.Unsubscribe(s1.ID))
	e2, err := r.Engine()
	require.NoError(t, err)
	require.Same(t, e1, e2, "group still referenced, snapshot should be reused")

	require.True(t, r.Unsubscribe(s2.ID))
	require.False(t, r.Unsubscribe(s2.ID))
	e3, err := r.Engine()
	require.NoError(t, err)
	require.Equal(t, 0, e3.Len())
	require.Equal(t, 0, r.UniqueGroups())

	got, err := r.Match(context.Background(), []byte{0})
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestRestoreKeepsIDs(t *testing.T) {
	r := newRegistry()
	g := mustGroup(t, filter.DataSize(3))
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, r.Restore(41, g, at))
	require.Error(t, r.Restore(41, g, at))
	require.Error(t, r.Restore(42, nil, at))

	sub, ok := r.Get(41)
	require.True(t, ok)
	require.Equal(t, at, sub.Created)

	next, _ := r.Subscribe(g)
	require.Equal(t, uint64(42), next.ID)

	_, ok = r.Get(7)
	require.False(t, ok)

	r.Reserve(100)
	r.Reserve(50)
	next, _ = r.Subscribe(g)
	require.Equal(t, uint64(101), next.ID)
}

func TestListAndGroupsOrdering(t *testing.T) {
	r := newRegistry()
	big := mustGroup(t, filter.DataSize(9))
	small := mustGroup(t, filter.DataSize(2))
	none := mustGroup(t, filter.Memcmp{Offset: 4, Bytes: []byte{1}})
	r.Subscribe(big)
	r.Subscribe(small)
	r.Subscribe(none)

	subs := r.List()
	require.Len(t, subs, 3)
	for i := 1; i < len(subs); i++ {
		require.Less(t, subs[i-1].ID, subs[i].ID)
	}

	groups := r.Groups()
	require.Len(t, groups, 3)
	require.True(t, groups[0].Equal(none))
	require.True(t, groups[1].Equal(small))
	require.True(t, groups[2].Equal(big))
}

func TestNormalizeCachesResults(t *testing.T) {
	r := newRegistry()
	raw := []byte(`[{"dataSize": 4}]`)
	g1, err := r.Normalize(raw)
	require.NoError(t, err)
	g2, err := r.Normalize(raw)
	require.NoError(t, err)
	require.Same(t, g1, g2)

	bad := []byte(`[{"dataSize": 4}, {"dataSize": 5}]`)
	_, err = r.Normalize(bad)
	require.ErrorIs(t, err, filter.ErrDuplicateDataSize)
	_, err = r.Normalize(bad)
	require.ErrorIs(t, err, filter.ErrDuplicateDataSize)
}

func TestRegistryWithPrefilterEngine(t *testing.T) {
	r := New(dispatch.ProductionConfig(), 8)
	a, _ := r.Subscribe(mustGroup(t, filter.Memcmp{Offset: 1, Bytes: []byte{7, 7}}))
	r.Subscribe(mustGroup(t, filter.Memcmp{Offset: 0, Bytes: []byte{7, 7}}))

	got, err := r.Match(context.Background(), []byte{0, 7, 7})
	require.NoError(t, err)
	require.Equal(t, []uint64{a.ID}, got)

	e, err := r.Engine()
	require.NoError(t, err)
	require.Equal(t, dispatch.StrategyPrefilter, e.Strategy())
}
