package attachment

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runnerr0/tabnotes/internal/instance"
)

type staticSource struct {
	mu    sync.Mutex
	ids   map[int64]struct{}
	err   error
	calls int
}

func (s *staticSource) ReferencedAttachments(context.Context) (map[int64]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	out := make(map[int64]struct{}, len(s.ids))
	for id := range s.ids {
		out[id] = struct{}{}
	}
	return out, nil
}

func keepSet(ids ...int64) map[int64]struct{} {
	m := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}

func seedBlobs(t *testing.T, s *Store, n int) []int64 {
	t.Helper()
	var ids []int64
	for i := 0; i < n; i++ {
		ref, err := s.Save(context.Background(), Capture{Kind: KindURL, SourceURL: "https://x.com"})
		require.NoError(t, err)
		ids = append(ids, ref.ID)
	}
	return ids
}

func TestCollector_DeletesOnlyUnreferenced(t *testing.T) {
	s, backend := testStore(t, DefaultOptions())
	ids := seedBlobs(t, s, 7)
	source := &staticSource{ids: keepSet(ids[1], ids[4])}

	c := NewCollector(instance.NewWithID("test", nil), source, backend, 2)
	report, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 7, report.Stored)
	assert.Equal(t, 2, report.Referenced)
	assert.Equal(t, int64(5), report.Deleted)
	assert.Equal(t, 3, report.Batches, "5 orphans in batches of 2")

	left, err := backend.ListBlobIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{ids[1], ids[4]}, left)
}

// Every id left in storage is referenced, and no referenced id was removed.
func TestCollector_Soundness(t *testing.T) {
	s, backend := testStore(t, DefaultOptions())
	ids := seedBlobs(t, s, 10)
	referenced := keepSet(ids[0], ids[3], ids[9], 4242) // 4242 was never stored
	c := NewCollector(instance.NewWithID("test", nil), &staticSource{ids: referenced}, backend, 3)

	_, err := c.Run(context.Background())
	require.NoError(t, err)

	left, err := backend.ListBlobIDs(context.Background())
	require.NoError(t, err)
	for _, id := range left {
		assert.Contains(t, referenced, id)
	}
	for id := range referenced {
		if id == 4242 {
			continue
		}
		assert.Contains(t, left, id)
	}
}

func TestCollector_Idempotent(t *testing.T) {
	s, backend := testStore(t, DefaultOptions())
	ids := seedBlobs(t, s, 5)
	c := NewCollector(instance.NewWithID("test", nil), &staticSource{ids: keepSet(ids[2])}, backend, 50)
	ctx := context.Background()

	_, err := c.Run(ctx)
	require.NoError(t, err)
	first, err := backend.ListBlobIDs(ctx)
	require.NoError(t, err)

	report, err := c.Run(ctx)
	require.NoError(t, err)
	second, err := backend.ListBlobIDs(ctx)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Zero(t, report.Deleted)
	assert.Zero(t, report.Batches)
}

func TestCollector_ReadsSourceEveryRun(t *testing.T) {
	s, backend := testStore(t, DefaultOptions())
	ids := seedBlobs(t, s, 3)
	source := &staticSource{ids: keepSet(ids...)}
	c := NewCollector(instance.NewWithID("test", nil), source, backend, 50)
	ctx := context.Background()

	report, err := c.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Deleted)

	source.mu.Lock()
	source.ids = keepSet(ids[0])
	source.mu.Unlock()

	report, err = c.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), report.Deleted)
	assert.Equal(t, 2, source.calls)
}

func TestCollector_SourceErrorDeletesNothing(t *testing.T) {
	s, backend := testStore(t, DefaultOptions())
	seedBlobs(t, s, 3)
	c := NewCollector(instance.NewWithID("test", nil), &staticSource{err: errors.New("locked")}, backend, 50)

	_, err := c.Run(context.Background())
	require.Error(t, err)

	left, err := backend.ListBlobIDs(context.Background())
	require.NoError(t, err)
	assert.Len(t, left, 3)
}
