package broadcast

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *recorder) handle(m Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
}

func (r *recorder) all() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}

func TestHub_FanOutAndUnsubscribe(t *testing.T) {
	hub := NewHub()
	var a, b recorder

	cancelA := hub.Subscribe(a.handle)
	hub.Subscribe(b.handle)
	assert.Equal(t, 2, hub.SubscriberCount())

	msg := NewMessage(CacheUpdated, "inst-1", 42)
	require.NoError(t, hub.Publish(context.Background(), msg))

	cancelA()
	cancelA() // idempotent
	require.NoError(t, hub.Publish(context.Background(), NewMessage(RequestSync, "inst-1", 0)))

	require.Len(t, a.all(), 1)
	assert.Equal(t, msg.ID, a.all()[0].ID)
	assert.Len(t, b.all(), 2)
	assert.Equal(t, 1, hub.SubscriberCount())
}

func TestHub_HandlerMayPublish(t *testing.T) {
	hub := NewHub()
	var got recorder

	hub.Subscribe(func(m Message) {
		if m.Type == RequestSync {
			_ = hub.Publish(context.Background(), NewMessage(CacheUpdated, "inst-2", 7))
		}
	})
	hub.Subscribe(got.handle)

	require.NoError(t, hub.Publish(context.Background(), NewMessage(RequestSync, "inst-1", 0)))

	types := []Type{}
	for _, m := range got.all() {
		types = append(types, m.Type)
	}
	assert.ElementsMatch(t, []Type{RequestSync, CacheUpdated}, types)
}

func TestHub_CancelledContext(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, hub.Publish(ctx, NewMessage(RequestSync, "x", 0)), context.Canceled)
}

func TestNop(t *testing.T) {
	var ch Channel = Nop{}
	require.NoError(t, ch.Publish(context.Background(), NewMessage(RequestSync, "x", 0)))
	ch.Subscribe(func(Message) { t.Fatal("nop delivered") })()
}

func TestDirChannel_DeliversAcrossChannels(t *testing.T) {
	dir := t.TempDir()

	a, err := NewDirChannel(dir, time.Minute, nil)
	require.NoError(t, err)
	defer a.Close()
	b, err := NewDirChannel(dir, time.Minute, nil)
	require.NoError(t, err)
	defer b.Close()

	var gotA, gotB recorder
	a.Subscribe(gotA.handle)
	b.Subscribe(gotB.handle)

	msg := NewMessage(StorageChanged, "inst-a", 1234)
	msg.Conflicts = []ConflictRecord{{OriginalSessionID: "s1", ConflictingSessionID: "s2", SourceInstanceID: "inst-a"}}
	require.NoError(t, a.Publish(context.Background(), msg))

	assert.Eventually(t, func() bool { return len(gotB.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return len(gotA.all()) == 1 }, 2*time.Second, 10*time.Millisecond)

	delivered := gotB.all()[0]
	assert.Equal(t, msg.ID, delivered.ID)
	assert.Equal(t, StorageChanged, delivered.Type)
	assert.Equal(t, int64(1234), delivered.Timestamp)
	require.Len(t, delivered.Conflicts, 1)
	assert.Equal(t, "s2", delivered.Conflicts[0].ConflictingSessionID)
}

func TestDirChannel_PrunesExpiredMessages(t *testing.T) {
	dir := t.TempDir()

	old := filepath.Join(dir, "0000000000000000001-old.json")
	require.NoError(t, os.WriteFile(old, []byte(`{}`), 0644))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	c, err := NewDirChannel(dir, time.Minute, nil)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Publish(context.Background(), NewMessage(RequestSync, "inst", 0)))

	_, err = os.Stat(old)
	assert.True(t, os.IsNotExist(err), "expired message should be pruned")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDirChannel_CloseIsIdempotent(t *testing.T) {
	c, err := NewDirChannel(t.TempDir(), time.Minute, nil)
	require.NoError(t, err)
	require.NoError(t, c.Close())
	assert.NoError(t, c.Close())
}
