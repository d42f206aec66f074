package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/runnerr0/tabnotes/internal/attachment"
)

// MergeSeparator joins local and remote content on a merge resolution.
const MergeSeparator = "\n\n--- merged ---\n\n"

// Resolve combines the two sides of a conflict. The result keeps the local
// session's identity and either side's pin; every choice sets LocalVersion to one
// past the larger of the two and adopts the newer document version so the
// next save is accepted.
func Resolve(local, remote Session, choice Choice) (Session, error) {
	var out Session

	switch choice {
	case KeepLocal:
		out = local
		out.SyncStatus = SyncPending
	case KeepRemote:
		out = remote
		out.SyncStatus = SyncSynced
	case Merge:
		out = local
		out.Content = local.Content + MergeSeparator + remote.Content
		refs := append(append([]attachment.Reference{}, local.AttachmentRefs...), remote.AttachmentRefs...)
		out.AttachmentRefs, _ = dedupeRefs(refs)
		out.SyncStatus = SyncPending
	default:
		return Session{}, fmt.Errorf("unknown resolution %q", choice)
	}

	out.ID = local.ID
	out.Pinned = local.Pinned || remote.Pinned
	out.IsNew = false
	out.ConflictWith = ""
	out.LocalVersion = max(local.LocalVersion, remote.LocalVersion) + 1
	if remote.DocumentID != "" {
		out.DocumentID = remote.DocumentID
	}
	out.DocumentVersion = max(local.DocumentVersion, remote.DocumentVersion)
	return out, nil
}

// isBlank reports whether s can be reused instead of opening a new session.
func isBlank(s *Session) bool {
	return s.Title == "" && s.Content == "" && len(s.AttachmentRefs) == 0 &&
		!s.Bound() && !s.Pinned
}

// pinOnly pins id and unpins everything else in one pass.
func pinOnly(sessions []Session, id string) bool {
	found := false
	for i := range sessions {
		sessions[i].Pinned = sessions[i].ID == id
		found = found || sessions[i].Pinned
	}
	return found
}

// dedupeRefs drops repeated attachment ids, keeping the first occurrence.
func dedupeRefs(refs []attachment.Reference) ([]attachment.Reference, bool) {
	seen := make(map[int64]struct{}, len(refs))
	out := make([]attachment.Reference, 0, len(refs))
	for _, r := range refs {
		if _, ok := seen[r.ID]; ok {
			continue
		}
		seen[r.ID] = struct{}{}
		out = append(out, r)
	}
	return out, len(out) != len(refs)
}

// droppedIDs lists the ids in prev that next no longer references.
func droppedIDs(prev, next []attachment.Reference) []int64 {
	keep := make(map[int64]struct{}, len(next))
	for _, r := range next {
		keep[r.ID] = struct{}{}
	}
	var dropped []int64
	for _, r := range prev {
		if _, ok := keep[r.ID]; !ok {
			dropped = append(dropped, r.ID)
		}
	}
	return dropped
}

// nextClock advances the logical clock past prev even when the wall clock
// has not moved.
func nextClock(prev int64, now time.Time) int64 {
	return max(now.UnixMilli(), prev+1)
}

func newBlankSession(now time.Time) Session {
	return Session{
		ID:             uuid.NewString(),
		AttachmentRefs: []attachment.Reference{},
		SyncStatus:     SyncPending,
		LastEdited:     now,
		IsNew:          true,
	}
}

// normalize restores the aggregate invariants: at most one pinned
// session, a non-empty list, a live active id and no conflict pointing at
// a closed sibling.
func normalize(sc *SessionCache, now time.Time) {
	pinned := false
	for i := range sc.Sessions {
		if sc.Sessions[i].Pinned {
			if pinned {
				sc.Sessions[i].Pinned = false
			}
			pinned = true
		}
		if sc.Sessions[i].AttachmentRefs == nil {
			sc.Sessions[i].AttachmentRefs = []attachment.Reference{}
		}
	}
	for i := range sc.Sessions {
		healOrphanedConflict(sc, &sc.Sessions[i])
	}
	if len(sc.Sessions) == 0 {
		sc.Sessions = append(sc.Sessions, newBlankSession(now))
	}
	if sc.Active() == nil {
		sc.ActiveSessionID = sc.Sessions[0].ID
	}
}

// conflictOpen reports whether s is conflicted and its sibling still
// exists. Only then must it be resolved before saving again.
func conflictOpen(sc *SessionCache, s *Session) bool {
	if s.SyncStatus != SyncConflicted || s.ConflictWith == "" {
		return false
	}
	sibling, _ := sc.Find(s.ConflictWith)
	return sibling != nil
}

// healOrphanedConflict returns a session whose sibling was closed to
// pending, so the next save compares against the document again.
func healOrphanedConflict(sc *SessionCache, s *Session) {
	switch {
	case s.SyncStatus == SyncConflicted && !conflictOpen(sc, s):
		s.SyncStatus = SyncPending
		s.ConflictWith = ""
	case s.SyncStatus != SyncConflicted && s.ConflictWith != "":
		s.ConflictWith = ""
	}
}

// touch records a local edit.
func touch(s *Session, now time.Time) {
	s.LocalVersion++
	s.LastEdited = now
	s.IsNew = false
	if s.Bound() && s.SyncStatus != SyncConflicted {
		s.SyncStatus = SyncPending
	}
}
