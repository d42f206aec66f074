package storage

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTestStore creates a migrated file-backed Store for testing.
func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"), "wal")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// --- records ---

func TestGetRecord_Missing(t *testing.T) {
	store := openTestStore(t)

	_, err := store.GetRecord(context.Background(), KeySessionCache)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestPutRecord_GetRecord_Roundtrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutRecord(ctx, "k", []byte(`{"a":1}`)))
	require.NoError(t, store.PutRecord(ctx, "k", []byte(`{"a":2}`)))

	got, err := store.GetRecord(ctx, "k")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":2}`, string(got))

	require.NoError(t, store.DeleteRecord(ctx, "k"))
	_, err = store.GetRecord(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateRecord_ReadModifyWrite(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	incr := func(cur []byte) ([]byte, error) {
		var n int
		if cur != nil {
			if err := json.Unmarshal(cur, &n); err != nil {
				return nil, err
			}
		}
		return json.Marshal(n + 1)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, store.UpdateRecord(ctx, "counter", incr))
		}()
	}
	wg.Wait()

	got, err := store.GetRecord(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, "10", string(got))
}

func TestUpdateRecord_NilResultLeavesRecord(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutRecord(ctx, "k", []byte("1")))
	require.NoError(t, store.UpdateRecord(ctx, "k", func(cur []byte) ([]byte, error) {
		return nil, nil
	}))

	got, err := store.GetRecord(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "1", string(got))
}

func TestUpdateRecord_CallbackErrorAborts(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.UpdateRecord(ctx, "k", func(cur []byte) ([]byte, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, errors.Is(err, ErrPersistence))

	_, err = store.GetRecord(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

// --- blobs ---

func TestInsertBlob_GetBlob_Roundtrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	row := &BlobRow{
		Kind:        "screenshot",
		Payload:     []byte{1, 2, 3},
		Thumbnail:   []byte{4},
		MimeType:    "image/png",
		Size:        3,
		StoredSize:  4,
		SourceURL:   "https://example.com",
		CaptureType: "visible",
	}
	id, err := store.InsertBlob(ctx, row)
	require.NoError(t, err)
	assert.Equal(t, id, row.ID)
	assert.Equal(t, "none", row.Compression)

	got, err := store.GetBlob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "screenshot", got.Kind)
	assert.Equal(t, []byte{1, 2, 3}, got.Payload)
	assert.Equal(t, []byte{4}, got.Thumbnail)
	assert.Equal(t, "image/png", got.MimeType)
	assert.Equal(t, "visible", got.CaptureType)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestGetBlob_Missing(t *testing.T) {
	store := openTestStore(t)

	_, err := store.GetBlob(context.Background(), 42)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "attachment_42")
}

func TestDeleteBlobs_AndList(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 4; i++ {
		id, err := store.InsertBlob(ctx, &BlobRow{Kind: "url", SourceURL: "https://a.com"})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	n, err := store.DeleteBlobs(ctx, []int64{ids[0], ids[2], 9999})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	left, err := store.ListBlobIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{ids[1], ids[3]}, left)

	n, err = store.DeleteBlobs(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestListBlobIDs_EmptyIsNotNil(t *testing.T) {
	store := openTestStore(t)

	ids, err := store.ListBlobIDs(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, ids)
	assert.Empty(t, ids)
}

// --- documents ---

func TestCreateAndGetDocument(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	doc, err := store.CreateDocument(ctx, "Title", "Body", []DocumentAttachment{
		{ID: 7, Kind: "url", SourceURL: "https://x.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), doc.Version)

	got, err := store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "Title", got.Title)
	assert.Equal(t, "Body", got.Content)
	require.Len(t, got.Attachments, 1)
	assert.Equal(t, int64(7), got.Attachments[0].ID)
}

func TestUpdateDocument_VersionChecks(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	doc, err := store.CreateDocument(ctx, "T", "v1", nil)
	require.NoError(t, err)

	updated, err := store.UpdateDocument(ctx, doc.ID, "T", "v2", 1, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, "v2", updated.Content)

	// A writer still holding version 1 collides.
	_, err = store.UpdateDocument(ctx, doc.ID, "T", "stale", 1, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrVersionConflict)

	var vc *VersionConflictError
	require.True(t, errors.As(err, &vc))
	assert.Equal(t, int64(1), vc.Expected)
	assert.Equal(t, int64(2), vc.Current)

	got, err := store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Content)
}

func TestUpdateDocument_Missing(t *testing.T) {
	store := openTestStore(t)

	_, err := store.UpdateDocument(context.Background(), "nope", "T", "c", 1, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteAndListDocuments(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	a, err := store.CreateDocument(ctx, "A", "", nil)
	require.NoError(t, err)
	_, err = store.CreateDocument(ctx, "B", "", nil)
	require.NoError(t, err)

	docs, err := store.GetAllDocuments(ctx)
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	require.NoError(t, store.DeleteDocument(ctx, a.ID))
	assert.ErrorIs(t, store.DeleteDocument(ctx, a.ID), ErrNotFound)

	docs, err = store.GetAllDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "B", docs[0].Title)
}

// --- stats / purge ---

func TestGetStatsAndPurge(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	stats, err := store.GetStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Attachments)
	assert.True(t, stats.OldestBlob.IsZero())
	assert.Equal(t, NewMigrationRunner(store.DB()).LatestVersion(), stats.SchemaVersion)

	_, err = store.InsertBlob(ctx, &BlobRow{Kind: "screenshot", Size: 100, StoredSize: 40})
	require.NoError(t, err)
	_, err = store.InsertBlob(ctx, &BlobRow{Kind: "url", Size: 0})
	require.NoError(t, err)
	_, err = store.InsertBlob(ctx, &BlobRow{Kind: "url", Size: 0})
	require.NoError(t, err)
	require.NoError(t, store.PutRecord(ctx, KeySessionCache, []byte("{}")))
	_, err = store.CreateDocument(ctx, "d", "", nil)
	require.NoError(t, err)

	stats, err = store.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Attachments)
	assert.Equal(t, int64(100), stats.AttachmentSize)
	assert.Equal(t, int64(40), stats.StoredSize)
	assert.Equal(t, int64(1), stats.Records)
	assert.Equal(t, int64(1), stats.Documents)
	require.NotEmpty(t, stats.KindCounts)
	assert.Equal(t, KindCount{Kind: "url", Count: 2}, stats.KindCounts[0])

	require.NoError(t, store.PurgeAll(ctx))
	stats, err = store.GetStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Attachments)
	assert.Zero(t, stats.Records)
	assert.Zero(t, stats.Documents)
	assert.Equal(t, 2, stats.SchemaVersion, "purge keeps the schema")
}

func TestPersistenceErrorWrapping(t *testing.T) {
	err := persistErr("put record", "k", errors.New("disk I/O error"))
	assert.ErrorIs(t, err, ErrPersistence)
	assert.Contains(t, err.Error(), "put record k")

	again := persistErr("outer", "", err)
	assert.Same(t, err, again)
	assert.NoError(t, persistErr("noop", "", nil))
}

func TestDeleteBlobs_FailureIsPersistenceError(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.InsertBlob(ctx, &BlobRow{Kind: "url"})
	require.NoError(t, err)
	require.NoError(t, store.DB().Close())

	n, err := store.DeleteBlobs(ctx, []int64{id})
	assert.ErrorIs(t, err, ErrPersistence)
	assert.Zero(t, n)
}
