package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/runnerr0/tabnotes/internal/attachment"
	"github.com/runnerr0/tabnotes/internal/broadcast"
	"github.com/runnerr0/tabnotes/internal/storage"
)

// SyncStatus is the binding state of a session relative to its document.
type SyncStatus string

const (
	SyncPending    SyncStatus = "pending"
	SyncSynced     SyncStatus = "synced"
	SyncConflicted SyncStatus = "conflicted"
)

// Session is one open editing tab.
type Session struct {
	ID              string                 `json:"id"`
	Title           string                 `json:"title"`
	Content         string                 `json:"content"`
	AttachmentRefs  []attachment.Reference `json:"attachmentRefs"`
	DocumentID      string                 `json:"documentId,omitempty"`
	DocumentVersion int64                  `json:"documentVersion,omitempty"`
	LocalVersion    int64                  `json:"localVersion"`
	SyncStatus      SyncStatus             `json:"syncStatus"`
	Pinned          bool                   `json:"pinned"`
	LastEdited      time.Time              `json:"lastEdited"`
	IsNew           bool                   `json:"isNew"`
	// ConflictWith names the sibling session holding the document state
	// this session diverged from. Empty unless SyncStatus is conflicted.
	ConflictWith string `json:"conflictWith,omitempty"`
}

// Bound reports whether the session is tied to a document.
func (s *Session) Bound() bool {
	return s.DocumentID != ""
}

// AttachmentIDs lists the referenced blob ids in order.
func (s *Session) AttachmentIDs() []int64 {
	ids := make([]int64, len(s.AttachmentRefs))
	for i, r := range s.AttachmentRefs {
		ids[i] = r.ID
	}
	return ids
}

// SessionCache is the persisted aggregate of all sessions.
type SessionCache struct {
	Sessions        []Session `json:"sessions"`
	ActiveSessionID string    `json:"activeSessionId"`
	// LastUpdated is a logical clock in milliseconds. It strictly
	// increases with every write.
	LastUpdated int64 `json:"lastUpdated"`
}

// Find returns the session with id and its index, or nil and -1.
func (sc *SessionCache) Find(id string) (*Session, int) {
	for i := range sc.Sessions {
		if sc.Sessions[i].ID == id {
			return &sc.Sessions[i], i
		}
	}
	return nil, -1
}

// Pinned returns the pinned session, if any.
func (sc *SessionCache) Pinned() *Session {
	for i := range sc.Sessions {
		if sc.Sessions[i].Pinned {
			return &sc.Sessions[i]
		}
	}
	return nil
}

// Active returns the active session, if it still exists.
func (sc *SessionCache) Active() *Session {
	s, _ := sc.Find(sc.ActiveSessionID)
	return s
}

// Patch changes the editable fields of a session. Nil fields are left alone.
type Patch struct {
	Title   *string
	Content *string
}

// Choice is a conflict resolution strategy.
type Choice string

const (
	KeepLocal  Choice = "keep-local"
	KeepRemote Choice = "keep-remote"
	Merge      Choice = "merge"
)

// ParseChoice validates a user-supplied choice.
func ParseChoice(s string) (Choice, error) {
	switch c := Choice(s); c {
	case KeepLocal, KeepRemote, Merge:
		return c, nil
	}
	return "", fmt.Errorf("unknown resolution %q (want keep-local, keep-remote or merge)", s)
}

// ConflictRecord travels inside STORAGE_CHANGED notifications.
type ConflictRecord = broadcast.ConflictRecord

// ErrConflictResolved is returned by ApplyResolution when either side of
// the conflict no longer exists, typically because another instance
// resolved it first.
var ErrConflictResolved = errors.New("conflict already resolved")

// ConflictError reports a save that found the document changed underneath.
type ConflictError struct {
	Record     ConflictRecord
	DocumentID string
	Expected   int64
	Current    int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("session %s: document %s moved from version %d to %d: %v",
		e.Record.OriginalSessionID, e.DocumentID, e.Expected, e.Current, storage.ErrVersionConflict)
}

func (e *ConflictError) Is(target error) bool {
	return target == storage.ErrVersionConflict
}

// RemovalKind tells hooks what went away.
type RemovalKind int

const (
	// SessionClosed means the session itself is gone.
	SessionClosed RemovalKind = iota
	// AttachmentsReplaced means the session dropped some attachment
	// references in a bulk replacement.
	AttachmentsReplaced
)

// Removal describes one event passed to removal hooks.
type Removal struct {
	Kind          RemovalKind
	SessionID     string
	AttachmentIDs []int64
}

// RemovalHook runs after a removal has been persisted and broadcast.
type RemovalHook func(ctx context.Context, r Removal)
