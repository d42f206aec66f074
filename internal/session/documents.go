package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/runnerr0/tabnotes/internal/attachment"
	"github.com/runnerr0/tabnotes/internal/broadcast"
	"github.com/runnerr0/tabnotes/internal/storage"
)

// ErrUnbound is returned for document operations on a session that has
// never been saved.
var ErrUnbound = errors.New("session is not bound to a document")

// SaveToDocument is the explicit save point. An unbound session creates a
// document; a bound one updates it if the stored version still matches.
// On a mismatch the session is flagged conflicted, the stored document is
// materialized as a sibling session and a *ConflictError is returned
// together with the flagged session.
func (c *Cache) SaveToDocument(ctx context.Context, id string) (*Session, error) {
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
	if conflictOpen(sc, s) {
		return s, c.pendingConflict(sc, s)
	}

	atts, err := c.documentAttachments(ctx, s)
	if err != nil {
		return nil, err
	}

	if !s.Bound() {
		doc, err := c.docs.CreateDocument(ctx, s.Title, s.Content, atts)
		if err != nil {
			return nil, err
		}
		return c.markSaved(ctx, id, s.LocalVersion, doc)
	}

	current, err := c.docs.GetDocument(ctx, s.DocumentID)
	if err != nil {
		return nil, err
	}
	if current.Version != s.DocumentVersion {
		return c.conflict(ctx, s, current)
	}

	doc, err := c.docs.UpdateDocument(ctx, s.DocumentID, s.Title, s.Content, s.DocumentVersion, atts)
	if err != nil {
		if !errors.Is(err, storage.ErrVersionConflict) {
			return nil, err
		}
		if current, err = c.docs.GetDocument(ctx, s.DocumentID); err != nil {
			return nil, err
		}
		return c.conflict(ctx, s, current)
	}
	return c.markSaved(ctx, id, s.LocalVersion, doc)
}

// markSaved records a successful save. Edits made while the document call
// was in flight keep the session pending.
func (c *Cache) markSaved(ctx context.Context, id string, savedLocal int64, doc *storage.Document) (*Session, error) {
	s, err := c.updateOne(ctx, id, func(s *Session) error {
		s.DocumentID = doc.ID
		s.DocumentVersion = doc.Version
		s.IsNew = false
		s.ConflictWith = ""
		if s.LocalVersion != savedLocal {
			s.SyncStatus = SyncPending
			return nil
		}
		s.SyncStatus = SyncSynced
		for i := range s.AttachmentRefs {
			s.AttachmentRefs[i].SyncStatus = attachment.SyncSynced
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Debug("session saved",
		zap.String("session", id),
		zap.String("document", doc.ID),
		zap.Int64("version", doc.Version),
	)
	return s, nil
}

func (c *Cache) conflict(ctx context.Context, s *Session, doc *storage.Document) (*Session, error) {
	refs, err := c.materialize(ctx, doc.Attachments)
	if err != nil {
		return nil, err
	}

	sibling := Session{
		ID:             uuid.NewString(),
		AttachmentRefs: []attachment.Reference{},
		LocalVersion:   doc.Version,
		LastEdited:     doc.UpdatedAt,
	}
	bindDocument(&sibling, doc, refs)

	var flagged Session
	out, changed, err := c.write(ctx, func(sc *SessionCache) error {
		orig, i := sc.Find(s.ID)
		if orig == nil {
			return notFound(s.ID)
		}
		if orig.ConflictWith != "" {
			if existing, _ := sc.Find(orig.ConflictWith); existing != nil {
				sibling = *existing
				flagged = *orig
				return errNoChange
			}
		}

		orig.SyncStatus = SyncConflicted
		orig.ConflictWith = sibling.ID
		flagged = *orig

		sc.Sessions = append(sc.Sessions[:i+1], append([]Session{sibling}, sc.Sessions[i+1:]...)...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	rec := ConflictRecord{
		OriginalSessionID:    s.ID,
		ConflictingSessionID: sibling.ID,
		Timestamp:            out.LastUpdated,
		SourceInstanceID:     c.inst.ID,
	}
	if changed {
		c.publish(ctx, broadcast.StorageChanged, out.LastUpdated, []ConflictRecord{rec})
		c.logger.Warn("document version conflict",
			zap.String("session", s.ID),
			zap.String("sibling", sibling.ID),
			zap.String("document", doc.ID),
			zap.Int64("expected", s.DocumentVersion),
			zap.Int64("current", doc.Version),
		)
	}

	return &flagged, &ConflictError{
		Record:     rec,
		DocumentID: doc.ID,
		Expected:   s.DocumentVersion,
		Current:    doc.Version,
	}
}

// pendingConflict rebuilds the error for a session already flagged.
func (c *Cache) pendingConflict(sc *SessionCache, s *Session) error {
	e := &ConflictError{
		Record: ConflictRecord{
			OriginalSessionID:    s.ID,
			ConflictingSessionID: s.ConflictWith,
			Timestamp:            sc.LastUpdated,
			SourceInstanceID:     c.inst.ID,
		},
		DocumentID: s.DocumentID,
		Expected:   s.DocumentVersion,
	}
	if sibling, _ := sc.Find(s.ConflictWith); sibling != nil {
		e.Current = sibling.DocumentVersion
	}
	return e
}

// ReloadFromDocument re-fetches a bound session from its document. A
// synced session adopts the stored title, content and attachments. A
// session with local edits keeps them and only recovers attachment blobs
// that are missing from the local store.
func (c *Cache) ReloadFromDocument(ctx context.Context, id string) (*Session, error) {
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
	if !s.Bound() {
		return nil, fmt.Errorf("session %s: %w", id, ErrUnbound)
	}
	if conflictOpen(sc, s) {
		return nil, c.pendingConflict(sc, s)
	}

	doc, err := c.docs.GetDocument(ctx, s.DocumentID)
	if err != nil {
		return nil, err
	}

	if s.SyncStatus == SyncSynced {
		refs, err := c.materialize(ctx, doc.Attachments)
		if err != nil {
			return nil, err
		}
		var dropped []int64
		rebound, err := c.updateOne(ctx, id, func(s *Session) error {
			dropped = droppedIDs(s.AttachmentRefs, refs)
			bindDocument(s, doc, refs)
			return nil
		})
		if err != nil {
			return nil, err
		}
		if len(dropped) > 0 {
			c.fire(ctx, Removal{Kind: AttachmentsReplaced, SessionID: id, AttachmentIDs: dropped})
		}
		return rebound, nil
	}

	refs, err := c.restoreMissing(ctx, s.AttachmentRefs, doc.Attachments)
	if err != nil {
		return nil, err
	}
	return c.updateOne(ctx, id, func(s *Session) error {
		s.AttachmentRefs = refs
		return nil
	})
}

// ApplyResolution resolves one conflict against the freshly read
// aggregate and removes the sibling session.
func (c *Cache) ApplyResolution(ctx context.Context, rec ConflictRecord, choice Choice) (*Session, error) {
	var resolved, sibling Session
	_, err := c.mutate(ctx, func(sc *SessionCache) error {
		local, _ := sc.Find(rec.OriginalSessionID)
		remote, ri := sc.Find(rec.ConflictingSessionID)
		if local == nil || remote == nil {
			return fmt.Errorf("conflict %s/%s: %w", rec.OriginalSessionID, rec.ConflictingSessionID, ErrConflictResolved)
		}

		out, err := Resolve(*local, *remote, choice)
		if err != nil {
			return err
		}
		out.LastEdited = c.inst.Now()
		*local = out
		resolved, sibling = out, *remote

		sc.Sessions = append(sc.Sessions[:ri], sc.Sessions[ri+1:]...)
		if sc.ActiveSessionID == rec.ConflictingSessionID {
			sc.ActiveSessionID = rec.OriginalSessionID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("conflict resolved",
		zap.String("session", rec.OriginalSessionID),
		zap.String("choice", string(choice)),
		zap.Int64("local_version", resolved.LocalVersion),
	)
	c.fire(ctx, Removal{Kind: SessionClosed, SessionID: sibling.ID, AttachmentIDs: sibling.AttachmentIDs()})
	return &resolved, nil
}

// documentAttachments builds the attachment list sent to the document
// store. Blobs that cannot be loaded are sent as metadata only.
func (c *Cache) documentAttachments(ctx context.Context, s *Session) ([]storage.DocumentAttachment, error) {
	byID := map[int64]*attachment.Blob{}
	if c.blobs != nil && len(s.AttachmentRefs) > 0 {
		blobs, err := c.blobs.LoadMany(ctx, s.AttachmentIDs())
		if err != nil && !errors.Is(err, attachment.ErrPartialLoad) {
			return nil, err
		}
		for _, b := range blobs {
			byID[b.ID] = b
		}
	}

	out := make([]storage.DocumentAttachment, 0, len(s.AttachmentRefs))
	for _, r := range s.AttachmentRefs {
		da := storage.DocumentAttachment{
			ID:          r.ID,
			Kind:        string(r.Kind),
			SourceURL:   r.SourceURL,
			CaptureType: r.CaptureType,
			CreatedAt:   r.CreatedAt,
		}
		if b, ok := byID[r.ID]; ok {
			da.Payload, da.Thumbnail = b.Payload, b.Thumbnail
		}
		out = append(out, da)
	}
	return out, nil
}

// materialize turns document attachments into local references, saving
// blobs that are not present locally.
func (c *Cache) materialize(ctx context.Context, atts []storage.DocumentAttachment) ([]attachment.Reference, error) {
	refs := make([]attachment.Reference, 0, len(atts))
	for _, a := range atts {
		ref, ok, err := c.materializeOne(ctx, a)
		if err != nil {
			return nil, err
		}
		if ok {
			refs = append(refs, ref)
		}
	}
	refs, _ = dedupeRefs(refs)
	return refs, nil
}

func (c *Cache) materializeOne(ctx context.Context, a storage.DocumentAttachment) (attachment.Reference, bool, error) {
	ref := attachment.Reference{
		ID:          a.ID,
		Kind:        attachment.Kind(a.Kind),
		SourceURL:   a.SourceURL,
		CaptureType: a.CaptureType,
		CreatedAt:   a.CreatedAt,
		SyncStatus:  attachment.SyncSynced,
	}
	if c.blobs == nil {
		return ref, true, nil
	}

	if a.ID != 0 {
		b, err := c.blobs.Load(ctx, a.ID)
		if err != nil {
			return ref, false, err
		}
		if b != nil {
			return ref, true, nil
		}
	}

	if ref.Kind == attachment.KindScreenshot && len(a.Payload) == 0 {
		c.logger.Warn("document attachment has no payload", zap.Int64("attachment", a.ID))
		return ref, false, nil
	}

	saved, err := c.blobs.Save(ctx, attachment.Capture{
		Kind:        ref.Kind,
		Payload:     a.Payload,
		Thumbnail:   a.Thumbnail,
		SourceURL:   a.SourceURL,
		CaptureType: a.CaptureType,
		CreatedAt:   a.CreatedAt,
	})
	if err != nil {
		return ref, false, err
	}
	saved.SyncStatus = attachment.SyncSynced
	return saved, true, nil
}

// restoreMissing re-saves from the document every referenced blob the
// local store lost, swapping in the new ids.
func (c *Cache) restoreMissing(ctx context.Context, refs []attachment.Reference, atts []storage.DocumentAttachment) ([]attachment.Reference, error) {
	if c.blobs == nil || len(refs) == 0 {
		return refs, nil
	}

	ids := make([]int64, len(refs))
	for i, r := range refs {
		ids[i] = r.ID
	}
	_, err := c.blobs.LoadMany(ctx, ids)
	var partial *attachment.PartialLoadError
	if err == nil || !errors.As(err, &partial) {
		return refs, err
	}

	missing := make(map[int64]struct{}, len(partial.Missing))
	for _, id := range partial.Missing {
		missing[id] = struct{}{}
	}
	docByID := make(map[int64]storage.DocumentAttachment, len(atts))
	for _, a := range atts {
		docByID[a.ID] = a
	}

	out := make([]attachment.Reference, 0, len(refs))
	for _, r := range refs {
		a, inDoc := docByID[r.ID]
		if _, lost := missing[r.ID]; !lost || !inDoc {
			out = append(out, r)
			continue
		}
		restored, ok, err := c.materializeOne(ctx, a)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, restored)
		}
	}
	c.logger.Info("attachments restored from document", zap.Int("missing", len(partial.Missing)))
	return out, nil
}

func bindDocument(s *Session, doc *storage.Document, refs []attachment.Reference) {
	s.Title = doc.Title
	s.Content = doc.Content
	s.DocumentID = doc.ID
	s.DocumentVersion = doc.Version
	s.AttachmentRefs = refs
	s.SyncStatus = SyncSynced
	s.ConflictWith = ""
}
