package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/runnerr0/tabnotes/internal/attachment"
	"github.com/runnerr0/tabnotes/internal/broadcast"
	"github.com/runnerr0/tabnotes/internal/config"
	"github.com/runnerr0/tabnotes/internal/session"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Storage.Path = t.TempDir()
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := New(cfg, Options{InstanceID: "test", Logger: zap.NewNop(), Channel: broadcast.NewHub()})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestNew_DefaultWiring(t *testing.T) {
	cfg := testConfig(t)
	cfg.Logging.File = filepath.Join(cfg.Storage.Path, "tabnotes.log")

	a, err := New(cfg, Options{})
	require.NoError(t, err)

	assert.NotEmpty(t, a.Instance.ID)
	assert.IsType(t, &broadcast.DirChannel{}, a.Channel)
	assert.DirExists(t, filepath.Join(cfg.Storage.Path, "broadcast"))
	assert.FileExists(t, filepath.Join(cfg.Storage.Path, "tabnotes.db"))

	require.NoError(t, a.Close())
	assert.NoError(t, a.Close(), "second close is a no-op")
}

func TestNew_BadConfigCleansUp(t *testing.T) {
	cfg := testConfig(t)
	cfg.Attachments.CompressionLevel = "ludicrous"

	_, err := New(cfg, Options{Logger: zap.NewNop(), Channel: broadcast.NewHub()})
	assert.Error(t, err)
}

func TestCurrentSessions_Bootstraps(t *testing.T) {
	a := newTestApp(t, testConfig(t))

	sc, err := a.CurrentSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sc.Sessions, 1)
	assert.True(t, sc.Sessions[0].IsNew)
}

func screenshot() attachment.Capture {
	return attachment.Capture{
		Kind:    attachment.KindScreenshot,
		Payload: append([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}, bytes.Repeat([]byte{7}, 512)...),
	}
}

func TestCloseSession_CollectsAndForgets(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	ctx := context.Background()

	doc, err := a.Store.CreateDocument(ctx, "Doc", "body", nil)
	require.NoError(t, err)
	s, err := a.OpenDocument(ctx, doc.ID, "https://www.x.com/a")
	require.NoError(t, err)
	_, ref, err := a.Attach(ctx, s.ID, screenshot())
	require.NoError(t, err)

	other, err := a.Sessions.CreateSession(ctx, nil)
	require.NoError(t, err)
	require.NotEqual(t, s.ID, other.ID)

	require.NoError(t, a.Sessions.CloseSession(ctx, s.ID))

	blob, err := a.Blobs.Load(ctx, ref.ID)
	require.NoError(t, err)
	assert.Nil(t, blob, "closing the only referencing session collects the blob")

	assoc, err := a.Associations.Load(ctx)
	require.NoError(t, err)
	assert.NotContains(t, assoc.PageToSession, "x.com")
	assert.Empty(t, assoc.GlobalActiveSessionID)
}

func TestCloseSession_GCDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.GC.OnClose = false
	a := newTestApp(t, cfg)
	ctx := context.Background()

	sc, err := a.CurrentSessions(ctx)
	require.NoError(t, err)
	_, ref, err := a.Attach(ctx, sc.Sessions[0].ID, screenshot())
	require.NoError(t, err)

	require.NoError(t, a.Sessions.CloseSession(ctx, sc.Sessions[0].ID))

	blob, err := a.Blobs.Load(ctx, ref.ID)
	require.NoError(t, err)
	assert.NotNil(t, blob)

	report, err := a.Collector.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Deleted)
}

func TestReplaceAttachments_Collects(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	ctx := context.Background()

	sc, err := a.CurrentSessions(ctx)
	require.NoError(t, err)
	id := sc.Sessions[0].ID
	_, first, err := a.Attach(ctx, id, screenshot())
	require.NoError(t, err)
	_, second, err := a.Attach(ctx, id, screenshot())
	require.NoError(t, err)

	_, err = a.Sessions.ReplaceAttachments(ctx, id, []attachment.Reference{second})
	require.NoError(t, err)

	ids, err := a.Store.ListBlobIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{second.ID}, ids)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestReloadFromDocument_CollectsDroppedBlobs(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	ctx := context.Background()

	sc, err := a.CurrentSessions(ctx)
	require.NoError(t, err)
	id := sc.Sessions[0].ID
	_, _, err = a.Attach(ctx, id, screenshot())
	require.NoError(t, err)
	s, err := a.Sessions.SaveToDocument(ctx, id)
	require.NoError(t, err)

	// Another writer removes the attachment from the document.
	_, err = a.Store.UpdateDocument(ctx, s.DocumentID, s.Title, s.Content, s.DocumentVersion, nil)
	require.NoError(t, err)

	s, err = a.Sessions.ReloadFromDocument(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, s.AttachmentRefs)

	ids, err := a.Store.ListBlobIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestActivate_UsesAssociation(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	ctx := context.Background()

	doc, err := a.Store.CreateDocument(ctx, "Doc", "body", nil)
	require.NoError(t, err)
	bound, err := a.OpenDocument(ctx, doc.ID, "https://x.com/page")
	require.NoError(t, err)

	_, err = a.Sessions.CreateSession(ctx, nil)
	require.NoError(t, err)

	got, err := a.Activate(ctx, "https://x.com/other")
	require.NoError(t, err)
	assert.Equal(t, bound.ID, got.ID)

	sc, err := a.Sessions.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, bound.ID, sc.ActiveSessionID)
}

func TestActivate_PinWins(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	ctx := context.Background()

	sc, err := a.CurrentSessions(ctx)
	require.NoError(t, err)
	first := sc.Sessions[0].ID
	title := "keep"
	_, err = a.Sessions.UpdateSession(ctx, first, session.Patch{Title: &title})
	require.NoError(t, err)
	second, err := a.Sessions.CreateSession(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, a.Sessions.PinSession(ctx, second.ID))
	got, err := a.Activate(ctx, "https://y.com")
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
}

func TestMaterialize_RecoversFromDocument(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	ctx := context.Background()

	sc, err := a.CurrentSessions(ctx)
	require.NoError(t, err)
	id := sc.Sessions[0].ID
	_, ref, err := a.Attach(ctx, id, screenshot())
	require.NoError(t, err)
	_, err = a.Sessions.SaveToDocument(ctx, id)
	require.NoError(t, err)

	require.NoError(t, a.Blobs.Remove(ctx, ref.ID))

	blobs, err := a.Materialize(ctx, id)
	require.NoError(t, err)
	require.Len(t, blobs, 1)
	assert.Equal(t, screenshot().Payload, blobs[0].Payload)
}

func TestMaterialize_UnboundDegrades(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	ctx := context.Background()

	sc, err := a.CurrentSessions(ctx)
	require.NoError(t, err)
	id := sc.Sessions[0].ID
	_, ref, err := a.Attach(ctx, id, screenshot())
	require.NoError(t, err)
	_, kept, err := a.Attach(ctx, id, attachment.Capture{Kind: attachment.KindURL, SourceURL: "https://go.dev"})
	require.NoError(t, err)
	require.NoError(t, a.Blobs.Remove(ctx, ref.ID))

	blobs, err := a.Materialize(ctx, id)
	assert.ErrorIs(t, err, attachment.ErrPartialLoad)
	require.Len(t, blobs, 1)
	assert.Equal(t, kept.ID, blobs[0].ID)
}

func TestNew_LogFileIsWritten(t *testing.T) {
	cfg := testConfig(t)
	cfg.Logging.Level = "debug"
	cfg.Logging.File = filepath.Join(cfg.Storage.Path, "debug.log")

	a, err := New(cfg, Options{Channel: broadcast.NewHub()})
	require.NoError(t, err)
	_, err = a.CurrentSessions(context.Background())
	require.NoError(t, err)
	require.NoError(t, a.Close())

	data, err := os.ReadFile(cfg.Logging.File)
	require.NoError(t, err)
	assert.Contains(t, string(data), "session opened")
}
