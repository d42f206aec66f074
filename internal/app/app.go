// Package app wires every component of one tabnotes instance from a
// Config.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/runnerr0/tabnotes/internal/association"
	"github.com/runnerr0/tabnotes/internal/attachment"
	"github.com/runnerr0/tabnotes/internal/broadcast"
	"github.com/runnerr0/tabnotes/internal/config"
	"github.com/runnerr0/tabnotes/internal/instance"
	"github.com/runnerr0/tabnotes/internal/logging"
	"github.com/runnerr0/tabnotes/internal/session"
	"github.com/runnerr0/tabnotes/internal/storage"
	syncer "github.com/runnerr0/tabnotes/internal/sync"
)

// Options overrides parts of the wiring. Zero values use the config.
type Options struct {
	// InstanceID fixes the instance id instead of generating one.
	InstanceID string
	// Logger replaces the logger built from the config.
	Logger *zap.Logger
	// Channel replaces the directory broadcast channel.
	Channel broadcast.Channel
}

// App is one running instance.
type App struct {
	Config       *config.Config
	Logger       *zap.Logger
	Instance     *instance.Context
	Store        *storage.SQLiteStore
	Channel      broadcast.Channel
	Blobs        *attachment.Store
	Collector    *attachment.Collector
	Sessions     *session.Cache
	Associations *association.Resolver
	Sync         *syncer.Syncer

	closers []func() error
}

// New builds an App. The caller must Close it.
func New(cfg *config.Config, opts Options) (_ *App, err error) {
	a := &App{Config: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.Logger = opts.Logger
	if a.Logger == nil {
		if a.Logger, err = logging.New(cfg.Logging); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error {
			_ = a.Logger.Sync()
			return nil
		})
	}

	if opts.InstanceID != "" {
		a.Instance = instance.NewWithID(opts.InstanceID, a.Logger)
	} else {
		a.Instance = instance.New(a.Logger)
	}

	dbPath, err := cfg.DatabasePath()
	if err != nil {
		return nil, err
	}
	if a.Store, err = storage.Open(dbPath, cfg.Storage.SQLiteJournalMode); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.closers = append(a.closers, a.Store.Close)

	a.Channel = opts.Channel
	if a.Channel == nil {
		dir, err := cfg.BroadcastPath()
		if err != nil {
			return nil, err
		}
		ch, err := broadcast.NewDirChannel(dir, cfg.Sync.MessageTTL, a.Instance.Named("broadcast"))
		if err != nil {
			return nil, fmt.Errorf("open broadcast channel: %w", err)
		}
		a.Channel = ch
		a.closers = append(a.closers, ch.Close)
	}

	a.Blobs, err = attachment.NewStore(a.Instance, a.Store, attachment.Options{
		Compress:         cfg.Attachments.Compress,
		CompressionLevel: cfg.Attachments.CompressionLevel,
		MaxPayloadBytes:  cfg.Attachments.MaxPayloadBytes,
		LoadWorkers:      cfg.GC.LoadWorkers,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error {
		a.Blobs.Close()
		return nil
	})

	a.Sessions = session.NewCache(a.Instance, a.Store, a.Store, a.Blobs, a.Channel)
	a.Collector = attachment.NewCollector(a.Instance, a.Sessions, a.Store, cfg.GC.BatchSize)
	a.Associations = association.NewResolver(a.Instance, a.Store, cfg.AssociationDenylist())
	a.Sync = syncer.New(a.Instance, a.Sessions, a.Channel, a.Collector, syncer.Options{
		PollInterval:     cfg.Sync.PollInterval,
		CoalesceInterval: cfg.Sync.CoalesceInterval,
		GCOnVisible:      cfg.GC.OnVisible,
	})

	a.Sessions.OnSessionRemoved(a.Associations.HandleRemoval)
	a.Sessions.OnSessionRemoved(a.collectAfterRemoval)

	return a, nil
}

func (a *App) collectAfterRemoval(ctx context.Context, r session.Removal) {
	switch {
	case r.Kind == session.SessionClosed && a.Config.GC.OnClose:
	case r.Kind == session.AttachmentsReplaced && a.Config.GC.OnReplace:
	default:
		return
	}
	if _, err := a.Collector.Run(ctx); err != nil {
		a.Logger.Warn("garbage collection failed", zap.String("session", r.SessionID), zap.Error(err))
	}
}

// Close stops the syncer and releases resources in reverse order.
func (a *App) Close() error {
	if a.Sync != nil {
		a.Sync.Stop()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// CurrentSessions returns the persisted cache, creating the first blank session
// when nothing was saved yet.
func (a *App) CurrentSessions(ctx context.Context) (*session.SessionCache, error) {
	sc, err := a.Sessions.Load(ctx)
	if err != nil || sc != nil {
		return sc, err
	}
	if _, err := a.Sessions.CreateSession(ctx, nil); err != nil {
		return nil, err
	}
	return a.Sessions.Load(ctx)
}

// Activate resolves which session belongs to the page at rawURL, makes it
// active and returns it.
func (a *App) Activate(ctx context.Context, rawURL string) (*session.Session, error) {
	sc, err := a.CurrentSessions(ctx)
	if err != nil {
		return nil, err
	}
	id, err := a.Associations.Resolve(ctx, association.SiteOf(rawURL), sc.Sessions)
	if err != nil {
		return nil, err
	}
	if err := a.Sessions.SetActive(ctx, id); err != nil {
		return nil, err
	}
	return a.Sessions.Get(ctx, id)
}

// OpenDocument opens documentID in a session. When rawURL is given the
// page's site is associated with that session.
func (a *App) OpenDocument(ctx context.Context, documentID, rawURL string) (*session.Session, error) {
	doc, err := a.Store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	s, err := a.Sessions.CreateSession(ctx, doc)
	if err != nil {
		return nil, err
	}
	if err := a.Associations.SetGlobalActive(ctx, s.ID); err != nil {
		return nil, err
	}
	if site := association.SiteOf(rawURL); site != "" {
		if err := a.Associations.Associate(ctx, site, s.ID); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Attach stores a capture and references it from a session.
func (a *App) Attach(ctx context.Context, sessionID string, c attachment.Capture) (*session.Session, attachment.Reference, error) {
	if _, err := a.Sessions.Get(ctx, sessionID); err != nil {
		return nil, attachment.Reference{}, err
	}
	ref, err := a.Blobs.Save(ctx, c)
	if err != nil {
		return nil, attachment.Reference{}, err
	}
	s, err := a.Sessions.AddAttachments(ctx, sessionID, ref)
	if err != nil {
		return nil, attachment.Reference{}, err
	}
	return s, ref, nil
}

// Materialize loads a session's attachments. A partial load is logged and
// recovered from the bound document when possible; the blobs that did
// load are always returned.
func (a *App) Materialize(ctx context.Context, sessionID string) ([]*attachment.Blob, error) {
	s, err := a.Sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	blobs, err := a.Blobs.LoadMany(ctx, s.AttachmentIDs())
	if err == nil || !errors.Is(err, attachment.ErrPartialLoad) || !s.Bound() {
		return blobs, err
	}

	reloaded, rerr := a.Sessions.ReloadFromDocument(ctx, sessionID)
	if rerr != nil {
		a.Logger.Warn("attachment recovery failed", zap.String("session", sessionID), zap.Error(rerr))
		return blobs, err
	}
	return a.Blobs.LoadMany(ctx, reloaded.AttachmentIDs())
}
