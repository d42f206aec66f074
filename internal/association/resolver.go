// Package association decides which session becomes active for a browsing
// context. Explicit site bindings and the global "most recently active"
// session are kept in their own persisted record, independent of the
// session cache and of pinning.
package association

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/runnerr0/tabnotes/internal/instance"
	"github.com/runnerr0/tabnotes/internal/session"
	"github.com/runnerr0/tabnotes/internal/storage"
)

// ErrStale marks an association that points at a closed session. It is
// healed during resolution and only ever logged.
var ErrStale = errors.New("association points at a closed session")

// PageAssociation is the persisted record.
type PageAssociation struct {
	PageToSession         map[string]string   `json:"pageToSession"`
	SessionToPages        map[string][]string `json:"sessionToPages"`
	GlobalActiveSessionID string              `json:"globalActiveSessionId"`
	LastUpdated           int64               `json:"lastUpdated"`
}

func newPageAssociation() *PageAssociation {
	return &PageAssociation{
		PageToSession:  map[string]string{},
		SessionToPages: map[string][]string{},
	}
}

// Resolver reads and maintains page associations.
type Resolver struct {
	inst     *instance.Context
	records  storage.RecordStore
	denylist []string
	logger   *zap.Logger
	mu       sync.Mutex
}

// NewResolver creates a resolver. Sites matching denylist are never
// recorded as associations.
func NewResolver(inst *instance.Context, records storage.RecordStore, denylist []string) *Resolver {
	deny := make([]string, 0, len(denylist))
	for _, d := range denylist {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			deny = append(deny, d)
		}
	}
	return &Resolver{
		inst:     inst,
		records:  records,
		denylist: deny,
		logger:   inst.Named("association"),
	}
}

// Load returns the persisted associations, empty when none were saved.
func (r *Resolver) Load(ctx context.Context) (*PageAssociation, error) {
	data, err := r.records.GetRecord(ctx, storage.KeyPageAssociations)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return newPageAssociation(), nil
		}
		return nil, err
	}
	return decode(data)
}

// Resolve picks the session to activate for site among sessions: the
// pinned session, then the site's association, then the global active
// session, then the most recently edited one. Stale associations are
// removed and the last tier updates the global active session; neither
// ever creates a site binding.
func (r *Resolver) Resolve(ctx context.Context, site string, sessions []session.Session) (string, error) {
	site = normalizeSite(site)
	if len(sessions) == 0 {
		return "", fmt.Errorf("resolve %q: no sessions: %w", site, storage.ErrNotFound)
	}
	for _, s := range sessions {
		if s.Pinned {
			return s.ID, nil
		}
	}

	var chosen string
	err := r.update(ctx, func(a *PageAssociation) (bool, error) {
		var changed bool
		chosen, changed = r.choose(a, site, sessions)
		return changed, nil
	})
	return chosen, err
}

// choose applies tiers two to four to a.
func (r *Resolver) choose(a *PageAssociation, site string, sessions []session.Session) (string, bool) {
	live := make(map[string]struct{}, len(sessions))
	for _, s := range sessions {
		live[s.ID] = struct{}{}
	}

	changed := false
	if id, ok := a.PageToSession[site]; ok && site != "" {
		if _, alive := live[id]; alive {
			return id, false
		}
		unlink(a, site, id)
		changed = true
		r.logger.Debug("association healed", zap.String("site", site), zap.String("session", id), zap.Error(ErrStale))
	}

	if _, alive := live[a.GlobalActiveSessionID]; alive && a.GlobalActiveSessionID != "" {
		return a.GlobalActiveSessionID, changed
	}

	recent := sessions[0]
	for _, s := range sessions[1:] {
		if s.LastEdited.After(recent.LastEdited) {
			recent = s
		}
	}
	if a.GlobalActiveSessionID != recent.ID {
		a.GlobalActiveSessionID = recent.ID
		changed = true
	}
	return recent.ID, changed
}

// Associate binds site to sessionID, moving it off any previous session.
// Denylisted sites are skipped silently.
func (r *Resolver) Associate(ctx context.Context, site, sessionID string) error {
	site = normalizeSite(site)
	if site == "" {
		return errors.New("associate: empty site")
	}
	if r.Denied(site) {
		r.logger.Debug("association skipped for denylisted site", zap.String("site", site))
		return nil
	}

	return r.update(ctx, func(a *PageAssociation) (bool, error) {
		prev, ok := a.PageToSession[site]
		if ok && prev == sessionID {
			return false, nil
		}
		if ok {
			unlink(a, site, prev)
		}
		a.PageToSession[site] = sessionID
		a.SessionToPages[sessionID] = append(a.SessionToPages[sessionID], site)
		return true, nil
	})
}

// SetGlobalActive records the most recently active session.
func (r *Resolver) SetGlobalActive(ctx context.Context, sessionID string) error {
	return r.update(ctx, func(a *PageAssociation) (bool, error) {
		if a.GlobalActiveSessionID == sessionID {
			return false, nil
		}
		a.GlobalActiveSessionID = sessionID
		return true, nil
	})
}

// RemoveSession drops every association of a closed session and clears
// the global active id if it pointed there.
func (r *Resolver) RemoveSession(ctx context.Context, sessionID string) error {
	return r.update(ctx, func(a *PageAssociation) (bool, error) {
		changed := false
		for _, site := range a.SessionToPages[sessionID] {
			if a.PageToSession[site] == sessionID {
				delete(a.PageToSession, site)
			}
			changed = true
		}
		for site, id := range a.PageToSession {
			if id == sessionID {
				delete(a.PageToSession, site)
				changed = true
			}
		}
		if _, ok := a.SessionToPages[sessionID]; ok {
			delete(a.SessionToPages, sessionID)
			changed = true
		}
		if a.GlobalActiveSessionID == sessionID {
			a.GlobalActiveSessionID = ""
			changed = true
		}
		return changed, nil
	})
}

// HandleRemoval is a session removal hook.
func (r *Resolver) HandleRemoval(ctx context.Context, rem session.Removal) {
	if rem.Kind != session.SessionClosed {
		return
	}
	if err := r.RemoveSession(ctx, rem.SessionID); err != nil {
		r.logger.Warn("dropping associations failed", zap.String("session", rem.SessionID), zap.Error(err))
	}
}

// Denied reports whether site or one of its parent domains is denylisted.
func (r *Resolver) Denied(site string) bool {
	site = strings.ToLower(site)
	for _, d := range r.denylist {
		if site == d || strings.HasSuffix(site, "."+d) {
			return true
		}
	}
	return false
}

// update runs fn on the freshly read record inside one transaction. fn
// reports whether anything changed; unchanged records are not written.
func (r *Resolver) update(ctx context.Context, fn func(a *PageAssociation) (bool, error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.records.UpdateRecord(ctx, storage.KeyPageAssociations, func(current []byte) ([]byte, error) {
		a := newPageAssociation()
		if current != nil {
			var err error
			if a, err = decode(current); err != nil {
				return nil, err
			}
		}

		changed, err := fn(a)
		if err != nil || !changed {
			return nil, err
		}

		a.LastUpdated = advance(a.LastUpdated, r.inst.Now())
		data, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("encode page associations: %w", err)
		}
		return data, nil
	})
}

func decode(data []byte) (*PageAssociation, error) {
	a := newPageAssociation()
	if err := json.Unmarshal(data, a); err != nil {
		return nil, fmt.Errorf("decode page associations: %w", err)
	}
	if a.PageToSession == nil {
		a.PageToSession = map[string]string{}
	}
	if a.SessionToPages == nil {
		a.SessionToPages = map[string][]string{}
	}
	return a, nil
}

// normalizeSite folds a caller-supplied key to the form SiteOf produces.
func normalizeSite(site string) string {
	return strings.ToLower(strings.TrimSpace(site))
}

// unlink removes the site binding from both maps.
func unlink(a *PageAssociation, site, sessionID string) {
	delete(a.PageToSession, site)
	pages := slices.DeleteFunc(a.SessionToPages[sessionID], func(p string) bool { return p == site })
	if len(pages) == 0 {
		delete(a.SessionToPages, sessionID)
		return
	}
	a.SessionToPages[sessionID] = pages
}

func advance(prev int64, now time.Time) int64 {
	return max(now.UnixMilli(), prev+1)
}

// SiteOf reduces a URL to the site identity used as an association key:
// the lower-cased host without a leading "www.". Bare hosts such as
// "example.com/page" are accepted.
func SiteOf(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ""
	}
	if !strings.Contains(rawURL, "://") {
		rawURL = "https://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}
