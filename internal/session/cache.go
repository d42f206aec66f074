package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/runnerr0/tabnotes/internal/attachment"
	"github.com/runnerr0/tabnotes/internal/broadcast"
	"github.com/runnerr0/tabnotes/internal/instance"
	"github.com/runnerr0/tabnotes/internal/storage"
)

// Blobs is the part of the attachment store the cache needs at document
// save points.
type Blobs interface {
	Load(ctx context.Context, id int64) (*attachment.Blob, error)
	LoadMany(ctx context.Context, ids []int64) ([]*attachment.Blob, error)
	Save(ctx context.Context, c attachment.Capture) (attachment.Reference, error)
}

// errNoChange aborts a write without persisting anything.
var errNoChange = errors.New("no change")

// Cache owns the session aggregate for one instance.
type Cache struct {
	inst    *instance.Context
	records storage.RecordStore
	docs    storage.DocumentStore
	blobs   Blobs
	channel broadcast.Channel
	logger  *zap.Logger

	// mu serializes this instance's read-modify-write cycles. Other
	// instances are serialized by the storage transaction.
	mu sync.Mutex

	hooksMu sync.RWMutex
	hooks   []RemovalHook
}

// NewCache builds a Cache. blobs may be nil, in which case documents are
// saved without attachment payloads. A nil channel discards notifications.
func NewCache(inst *instance.Context, records storage.RecordStore, docs storage.DocumentStore, blobs Blobs, channel broadcast.Channel) *Cache {
	if channel == nil {
		channel = broadcast.Nop{}
	}
	return &Cache{
		inst:    inst,
		records: records,
		docs:    docs,
		blobs:   blobs,
		channel: channel,
		logger:  inst.Named("session"),
	}
}

// OnSessionRemoved registers a hook that runs after a session is closed or
// its attachments are replaced.
func (c *Cache) OnSessionRemoved(h RemovalHook) {
	c.hooksMu.Lock()
	c.hooks = append(c.hooks, h)
	c.hooksMu.Unlock()
}

func (c *Cache) fire(ctx context.Context, r Removal) {
	c.hooksMu.RLock()
	hooks := append([]RemovalHook(nil), c.hooks...)
	c.hooksMu.RUnlock()

	for _, h := range hooks {
		h(ctx, r)
	}
}

// Load returns the persisted aggregate, or nil when nothing was saved yet.
func (c *Cache) Load(ctx context.Context) (*SessionCache, error) {
	data, err := c.records.GetRecord(ctx, storage.KeySessionCache)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return decodeCache(data)
}

// Get returns one session from the persisted aggregate.
func (c *Cache) Get(ctx context.Context, id string) (*Session, error) {
	sc, err := c.Load(ctx)
	if err != nil {
		return nil, err
	}
	if sc == nil {
		return nil, notFound(id)
	}
	s, _ := sc.Find(id)
	if s == nil {
		return nil, notFound(id)
	}
	return s, nil
}

// Save replaces the whole aggregate. The pin and non-empty invariants are
// restored before writing, and sc.LastUpdated is advanced to the value
// that was persisted.
func (c *Cache) Save(ctx context.Context, sc *SessionCache) error {
	out, err := c.mutate(ctx, func(cur *SessionCache) error {
		clock := max(cur.LastUpdated, sc.LastUpdated)
		*cur = *cloneCache(sc)
		cur.LastUpdated = clock
		return nil
	})
	if err != nil {
		return err
	}
	sc.LastUpdated = out.LastUpdated
	return nil
}

// CreateSession opens a session, optionally bound to doc. An existing
// blank, unpinned, unbound session is reused instead of appending a new
// one, and a document that is already open is only activated. The
// returned session becomes active.
func (c *Cache) CreateSession(ctx context.Context, doc *storage.Document) (*Session, error) {
	var refs []attachment.Reference
	if doc != nil {
		var err error
		if refs, err = c.materialize(ctx, doc.Attachments); err != nil {
			return nil, err
		}
	}

	var created Session
	_, err := c.mutate(ctx, func(sc *SessionCache) error {
		now := c.inst.Now()

		var s *Session
		if doc != nil {
			for i := range sc.Sessions {
				if sc.Sessions[i].DocumentID == doc.ID {
					sc.ActiveSessionID = sc.Sessions[i].ID
					created = sc.Sessions[i]
					return nil
				}
			}
		}
		for i := range sc.Sessions {
			if isBlank(&sc.Sessions[i]) {
				s = &sc.Sessions[i]
				break
			}
		}
		if s == nil {
			sc.Sessions = append(sc.Sessions, newBlankSession(now))
			s = &sc.Sessions[len(sc.Sessions)-1]
		}

		if doc != nil {
			bindDocument(s, doc, refs)
			s.IsNew = false
		}
		s.LastEdited = now
		sc.ActiveSessionID = s.ID
		created = *s
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Debug("session opened", zap.String("session", created.ID), zap.String("document", created.DocumentID))
	return &created, nil
}

// CloseSession removes a session. If it was active, the next remaining
// session becomes active; closing the last session leaves one fresh blank
// session behind. Removal hooks run afterwards.
func (c *Cache) CloseSession(ctx context.Context, id string) error {
	var removed Session
	_, err := c.mutate(ctx, func(sc *SessionCache) error {
		s, i := sc.Find(id)
		if s == nil {
			return notFound(id)
		}
		removed = *s
		sc.Sessions = append(sc.Sessions[:i], sc.Sessions[i+1:]...)

		if sc.ActiveSessionID == id {
			sc.ActiveSessionID = ""
			if len(sc.Sessions) > 0 {
				sc.ActiveSessionID = sc.Sessions[min(i, len(sc.Sessions)-1)].ID
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.logger.Debug("session closed", zap.String("session", id))
	c.fire(ctx, Removal{Kind: SessionClosed, SessionID: id, AttachmentIDs: removed.AttachmentIDs()})
	return nil
}

// UpdateSession applies patch and records a local edit.
func (c *Cache) UpdateSession(ctx context.Context, id string, patch Patch) (*Session, error) {
	return c.updateOne(ctx, id, func(s *Session) error {
		if patch.Title != nil {
			s.Title = *patch.Title
		}
		if patch.Content != nil {
			s.Content = *patch.Content
		}
		touch(s, c.inst.Now())
		return nil
	})
}

// PinSession pins id and unpins every other session in the same write.
func (c *Cache) PinSession(ctx context.Context, id string) error {
	out, err := c.mutate(ctx, func(sc *SessionCache) error {
		if !pinOnly(sc.Sessions, id) {
			return notFound(id)
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.announcePin(ctx, out.LastUpdated)
	return nil
}

// UnpinSession clears the pin on id.
func (c *Cache) UnpinSession(ctx context.Context, id string) error {
	out, err := c.mutate(ctx, func(sc *SessionCache) error {
		s, _ := sc.Find(id)
		if s == nil {
			return notFound(id)
		}
		s.Pinned = false
		return nil
	})
	if err != nil {
		return err
	}
	c.announcePin(ctx, out.LastUpdated)
	return nil
}

// SetActive makes id the active session.
func (c *Cache) SetActive(ctx context.Context, id string) error {
	_, err := c.mutate(ctx, func(sc *SessionCache) error {
		if s, _ := sc.Find(id); s == nil {
			return notFound(id)
		}
		sc.ActiveSessionID = id
		return nil
	})
	return err
}

// AddAttachments appends references to a session, ignoring ids it
// already holds.
func (c *Cache) AddAttachments(ctx context.Context, id string, refs ...attachment.Reference) (*Session, error) {
	return c.updateOne(ctx, id, func(s *Session) error {
		s.AttachmentRefs, _ = dedupeRefs(append(s.AttachmentRefs, refs...))
		touch(s, c.inst.Now())
		return nil
	})
}

// RemoveAttachment drops one reference. The blob itself is left for the
// garbage collector since another session may still reference it.
func (c *Cache) RemoveAttachment(ctx context.Context, id string, attachmentID int64) (*Session, error) {
	return c.updateOne(ctx, id, func(s *Session) error {
		kept := s.AttachmentRefs[:0]
		for _, r := range s.AttachmentRefs {
			if r.ID != attachmentID {
				kept = append(kept, r)
			}
		}
		if len(kept) == len(s.AttachmentRefs) {
			return fmt.Errorf("attachment_%d on session %s: %w", attachmentID, id, storage.ErrNotFound)
		}
		s.AttachmentRefs = kept
		touch(s, c.inst.Now())
		return nil
	})
}

// ReplaceAttachments swaps the full reference list of a session and runs
// the removal hooks with the ids that were dropped.
func (c *Cache) ReplaceAttachments(ctx context.Context, id string, refs []attachment.Reference) (*Session, error) {
	var dropped []int64
	s, err := c.updateOne(ctx, id, func(s *Session) error {
		next, _ := dedupeRefs(refs)
		dropped = droppedIDs(s.AttachmentRefs, next)
		s.AttachmentRefs = next
		touch(s, c.inst.Now())
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(dropped) > 0 {
		c.fire(ctx, Removal{Kind: AttachmentsReplaced, SessionID: id, AttachmentIDs: dropped})
	}
	return s, nil
}

// HasUnsavedChanges reports whether closing id would lose edits: an
// unbound session with any content, or a bound session not in sync.
func (c *Cache) HasUnsavedChanges(ctx context.Context, id string) (bool, error) {
	s, err := c.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if !s.Bound() {
		return !isBlank(s), nil
	}
	return s.SyncStatus != SyncSynced, nil
}

// ReferencedAttachments re-reads the persisted aggregate and returns every
// attachment id any session references. Duplicate references inside a
// session are removed and persisted on the way.
func (c *Cache) ReferencedAttachments(ctx context.Context) (map[int64]struct{}, error) {
	keep := make(map[int64]struct{})
	_, changed, err := c.write(ctx, func(sc *SessionCache) error {
		clear(keep)
		deduped := false
		for i := range sc.Sessions {
			var removed bool
			sc.Sessions[i].AttachmentRefs, removed = dedupeRefs(sc.Sessions[i].AttachmentRefs)
			deduped = deduped || removed
			for _, r := range sc.Sessions[i].AttachmentRefs {
				keep[r.ID] = struct{}{}
			}
		}
		if !deduped {
			return errNoChange
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		c.logger.Debug("duplicate attachment references removed")
	}
	return keep, nil
}

// updateOne runs fn against a single session and returns its new state.
func (c *Cache) updateOne(ctx context.Context, id string, fn func(s *Session) error) (*Session, error) {
	var updated Session
	_, err := c.mutate(ctx, func(sc *SessionCache) error {
		s, _ := sc.Find(id)
		if s == nil {
			return notFound(id)
		}
		if err := fn(s); err != nil {
			return err
		}
		updated = *s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// mutate writes and announces the change.
func (c *Cache) mutate(ctx context.Context, fn func(sc *SessionCache) error) (*SessionCache, error) {
	out, _, err := c.write(ctx, fn)
	if err != nil {
		return nil, err
	}
	c.publish(ctx, broadcast.StorageChanged, out.LastUpdated, nil)
	return out, nil
}

// write performs one read-modify-write of the aggregate inside a storage
// transaction. fn always sees the freshly read state. Returning
// errNoChange from fn skips the write and reports changed=false.
func (c *Cache) write(ctx context.Context, fn func(sc *SessionCache) error) (*SessionCache, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out *SessionCache
	changed := false
	err := c.records.UpdateRecord(ctx, storage.KeySessionCache, func(current []byte) ([]byte, error) {
		sc := &SessionCache{Sessions: []Session{}}
		if current != nil {
			var err error
			if sc, err = decodeCache(current); err != nil {
				return nil, err
			}
		}

		if err := fn(sc); err != nil {
			if errors.Is(err, errNoChange) {
				out = sc
				return nil, nil
			}
			return nil, err
		}

		now := c.inst.Now()
		normalize(sc, now)
		sc.LastUpdated = nextClock(sc.LastUpdated, now)

		data, err := json.Marshal(sc)
		if err != nil {
			return nil, fmt.Errorf("encode session cache: %w", err)
		}
		out, changed = sc, true
		return data, nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, changed, nil
}

// publish is fire-and-forget: a failed notification never fails the
// write that triggered it.
func (c *Cache) publish(ctx context.Context, t broadcast.Type, clock int64, conflicts []ConflictRecord) {
	msg := broadcast.NewMessage(t, c.inst.ID, clock)
	msg.Conflicts = conflicts
	if err := c.channel.Publish(ctx, msg); err != nil {
		c.logger.Warn("broadcast failed", zap.String("type", string(t)), zap.Error(err))
	}
}

func (c *Cache) announcePin(ctx context.Context, clock int64) {
	c.publish(ctx, broadcast.RequestSync, clock, nil)
	c.publish(ctx, broadcast.CacheUpdated, clock, nil)
}

func decodeCache(data []byte) (*SessionCache, error) {
	var sc SessionCache
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("decode session cache: %w", err)
	}
	if sc.Sessions == nil {
		sc.Sessions = []Session{}
	}
	return &sc, nil
}

func cloneCache(sc *SessionCache) *SessionCache {
	out := *sc
	out.Sessions = make([]Session, len(sc.Sessions))
	for i, s := range sc.Sessions {
		s.AttachmentRefs = append([]attachment.Reference{}, s.AttachmentRefs...)
		out.Sessions[i] = s
	}
	return &out
}

func notFound(id string) error {
	return fmt.Errorf("session %s: %w", id, storage.ErrNotFound)
}
