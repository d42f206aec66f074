// Package syncer keeps one instance's view of the session cache consistent
// with writes made by other instances and queues the conflicts they
// report. A periodic ticker and broadcast notifications are two triggers
// for the same Reconcile routine.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/runnerr0/tabnotes/internal/attachment"
	"github.com/runnerr0/tabnotes/internal/broadcast"
	"github.com/runnerr0/tabnotes/internal/instance"
	"github.com/runnerr0/tabnotes/internal/session"
)

// Options tunes the triggers.
type Options struct {
	PollInterval     time.Duration
	CoalesceInterval time.Duration
	// GCOnVisible runs the collector when the front end regains visibility.
	GCOnVisible bool
}

// Collector is the garbage collector run on visibility regain.
type Collector interface {
	Run(ctx context.Context) (attachment.Report, error)
}

// Syncer reconciles one instance with the shared store.
type Syncer struct {
	inst    *instance.Context
	cache   *session.Cache
	channel broadcast.Channel
	gc      Collector
	opts    Options
	logger  *zap.Logger
	limiter *rate.Limiter

	mu        sync.Mutex
	view      *session.SessionCache
	conflicts []session.ConflictRecord
	onReload  []func(*session.SessionCache)
	onConfl   []func([]session.ConflictRecord)

	// trailing fires one reconcile after a coalesced burst.
	trailing *time.Timer
	flush    chan struct{}

	msgs        chan broadcast.Message
	cancel      context.CancelFunc
	done        chan struct{}
	unsubscribe func()
}

// New creates a Syncer. gc may be nil.
func New(inst *instance.Context, cache *session.Cache, channel broadcast.Channel, gc Collector, opts Options) *Syncer {
	if channel == nil {
		channel = broadcast.Nop{}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	limit := rate.Inf
	if opts.CoalesceInterval > 0 {
		limit = rate.Every(opts.CoalesceInterval)
	}
	return &Syncer{
		inst:    inst,
		cache:   cache,
		channel: channel,
		gc:      gc,
		opts:    opts,
		logger:  inst.Named("sync"),
		limiter: rate.NewLimiter(limit, 1),
		msgs:    make(chan broadcast.Message, 64),
		flush:   make(chan struct{}, 1),
	}
}

// OnReload registers a callback run whenever a newer cache is adopted.
func (s *Syncer) OnReload(fn func(*session.SessionCache)) {
	s.mu.Lock()
	s.onReload = append(s.onReload, fn)
	s.mu.Unlock()
}

// OnConflicts registers a callback run when new conflicts are queued.
func (s *Syncer) OnConflicts(fn func([]session.ConflictRecord)) {
	s.mu.Lock()
	s.onConfl = append(s.onConfl, fn)
	s.mu.Unlock()
}

// Start loads the initial view, subscribes to the channel and starts the
// poll ticker.
func (s *Syncer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return errors.New("syncer already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	if _, err := s.Reconcile(ctx); err != nil {
		s.logger.Warn("initial reconcile failed", zap.Error(err))
	}

	s.unsubscribe = s.channel.Subscribe(s.deliver)
	go s.run(ctx)

	s.logger.Debug("sync started",
		zap.Duration("poll", s.opts.PollInterval),
		zap.Duration("coalesce", s.opts.CoalesceInterval),
	)
	return nil
}

// Stop cancels both triggers and waits for the loop to exit.
func (s *Syncer) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	if s.trailing != nil {
		s.trailing.Stop()
		s.trailing = nil
	}
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	cancel()
	<-done
}

// deliver hands a message to the loop without blocking the publisher. If
// the loop is backed up the reload is skipped, since the ticker will
// catch up, but carried conflicts are still queued.
func (s *Syncer) deliver(msg broadcast.Message) {
	if msg.InstanceID == s.inst.ID {
		return
	}
	select {
	case s.msgs <- msg:
	default:
		s.logger.Warn("sync backlog full, message dropped", zap.String("type", string(msg.Type)))
		s.Report(msg.Conflicts...)
	}
}

func (s *Syncer) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Reconcile(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("periodic reconcile failed", zap.Error(err))
			}
		case <-s.flush:
			s.mu.Lock()
			s.trailing = nil
			s.mu.Unlock()
			if _, err := s.Reconcile(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("trailing reconcile failed", zap.Error(err))
			}
		case msg := <-s.msgs:
			if err := s.Handle(ctx, msg); err != nil && ctx.Err() == nil {
				s.logger.Warn("handling notification failed", zap.String("type", string(msg.Type)), zap.Error(err))
			}
		}
	}
}

// Handle processes one notification.
func (s *Syncer) Handle(ctx context.Context, msg broadcast.Message) error {
	if msg.InstanceID == s.inst.ID {
		return nil
	}

	switch msg.Type {
	case broadcast.StorageChanged:
		s.Report(msg.Conflicts...)
		if !s.limiter.Allow() {
			s.logger.Debug("notification coalesced", zap.String("from", msg.InstanceID))
			s.armTrailing()
			return nil
		}
		_, err := s.Reconcile(ctx)
		return err
	case broadcast.RequestSync:
		_, err := s.Reconcile(ctx)
		return err
	case broadcast.CacheUpdated:
		if msg.Timestamp <= s.lastSeen() {
			return nil
		}
		_, err := s.Reconcile(ctx)
		return err
	default:
		s.logger.Debug("unknown notification", zap.String("type", string(msg.Type)))
		return nil
	}
}

// armTrailing schedules a single reconcile at the end of the coalescing
// window so the last write of a burst is never missed.
func (s *Syncer) armTrailing() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.trailing != nil {
		return
	}
	s.trailing = time.AfterFunc(s.opts.CoalesceInterval, func() {
		select {
		case s.flush <- struct{}{}:
		default:
		}
	})
}

// Reconcile re-reads the persisted cache and adopts it if its clock is
// newer than the current view. It reports whether the view changed.
func (s *Syncer) Reconcile(ctx context.Context) (bool, error) {
	sc, err := s.cache.Load(ctx)
	if err != nil {
		return false, fmt.Errorf("reconcile: %w", err)
	}
	if sc == nil {
		return false, nil
	}

	s.mu.Lock()
	if s.view != nil && sc.LastUpdated <= s.view.LastUpdated {
		s.mu.Unlock()
		return false, nil
	}
	s.view = sc
	s.pruneLocked(sc)
	callbacks := append(([]func(*session.SessionCache))(nil), s.onReload...)
	s.mu.Unlock()

	s.logger.Debug("cache reloaded", zap.Int64("last_updated", sc.LastUpdated), zap.Int("sessions", len(sc.Sessions)))
	for _, fn := range callbacks {
		fn(sc)
	}
	return true, nil
}

// pruneLocked drops queued conflicts that were resolved elsewhere.
func (s *Syncer) pruneLocked(sc *session.SessionCache) {
	kept := s.conflicts[:0]
	for _, c := range s.conflicts {
		orig, _ := sc.Find(c.OriginalSessionID)
		sib, _ := sc.Find(c.ConflictingSessionID)
		if orig != nil && sib != nil {
			kept = append(kept, c)
		}
	}
	s.conflicts = kept
}

func (s *Syncer) lastSeen() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.view == nil {
		return 0
	}
	return s.view.LastUpdated
}

// View returns the last adopted cache, or nil before the first reconcile.
func (s *Syncer) View() *session.SessionCache {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.view == nil {
		return nil
	}
	v := *s.view
	v.Sessions = append([]session.Session(nil), s.view.Sessions...)
	return &v
}

// Conflicts lists the unresolved conflicts awaiting a choice.
func (s *Syncer) Conflicts() []session.ConflictRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]session.ConflictRecord(nil), s.conflicts...)
}

// Report queues conflicts, ignoring ones already queued or resolved.
func (s *Syncer) Report(conflicts ...session.ConflictRecord) {
	if len(conflicts) == 0 {
		return
	}

	s.mu.Lock()
	var added []session.ConflictRecord
	for _, c := range conflicts {
		if c.Resolved || s.indexLocked(c) >= 0 {
			continue
		}
		s.conflicts = append(s.conflicts, c)
		added = append(added, c)
	}
	callbacks := append(([]func([]session.ConflictRecord))(nil), s.onConfl...)
	s.mu.Unlock()

	if len(added) == 0 {
		return
	}
	s.logger.Info("conflicts queued", zap.Int("count", len(added)))
	for _, fn := range callbacks {
		fn(added)
	}
}

func (s *Syncer) indexLocked(c session.ConflictRecord) int {
	for i, q := range s.conflicts {
		if q.OriginalSessionID == c.OriginalSessionID && q.ConflictingSessionID == c.ConflictingSessionID {
			return i
		}
	}
	return -1
}

func (s *Syncer) dequeue(c session.ConflictRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(c); i >= 0 {
		s.conflicts = append(s.conflicts[:i], s.conflicts[i+1:]...)
	}
}

// Resolve applies choice to one conflict. A conflict already resolved by
// another instance is dequeued and reported as session.ErrConflictResolved.
func (s *Syncer) Resolve(ctx context.Context, c session.ConflictRecord, choice session.Choice) (*session.Session, error) {
	resolved, err := s.cache.ApplyResolution(ctx, c, choice)
	if err != nil {
		if errors.Is(err, session.ErrConflictResolved) {
			s.dequeue(c)
		}
		return nil, err
	}
	s.dequeue(c)

	if _, err := s.Reconcile(ctx); err != nil {
		s.logger.Warn("reconcile after resolution failed", zap.Error(err))
	}
	return resolved, nil
}

// Visible handles visibility regain: reconcile, then collect garbage.
func (s *Syncer) Visible(ctx context.Context) error {
	if _, err := s.Reconcile(ctx); err != nil {
		return err
	}
	if s.gc == nil || !s.opts.GCOnVisible {
		return nil
	}
	_, err := s.gc.Run(ctx)
	return err
}
