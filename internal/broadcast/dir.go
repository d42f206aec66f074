package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const messageExt = ".json"

// DirChannel is a Channel backed by a directory shared between processes.
// Each Publish drops one JSON file; every DirChannel watching the same
// directory delivers it to its own subscribers.
type DirChannel struct {
	dir     string
	ttl     time.Duration
	logger  *zap.Logger
	watcher *fsnotify.Watcher
	hub     *Hub

	mu   sync.Mutex
	seen map[string]time.Time

	stopCh    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewDirChannel creates dir if needed and starts watching it. Messages
// older than ttl are pruned on publish.
func NewDirChannel(dir string, ttl time.Duration, logger *zap.Logger) (*DirChannel, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create broadcast directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	c := &DirChannel{
		dir:     dir,
		ttl:     ttl,
		logger:  logger.Named("broadcast"),
		watcher: watcher,
		hub:     NewHub(),
		seen:    make(map[string]time.Time),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.watchLoop()
	return c, nil
}

// Publish writes msg atomically (temp file + rename) into the directory.
func (c *DirChannel) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	name := fmt.Sprintf("%019d-%s%s", msg.SentAt.UnixNano(), msg.ID, messageExt)
	tmp := filepath.Join(c.dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(c.dir, name)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish message: %w", err)
	}

	c.prune()
	return nil
}

// Subscribe registers h for messages seen by this channel's watcher.
func (c *DirChannel) Subscribe(h Handler) func() {
	return c.hub.Subscribe(h)
}

// Close stops watching. Subscribers receive nothing afterwards.
func (c *DirChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stopCh)
		err = c.watcher.Close()
		<-c.done
	})
	return err
}

func (c *DirChannel) watchLoop() {
	defer close(c.done)

	for {
		select {
		case <-c.stopCh:
			return

		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			base := filepath.Base(ev.Name)
			if strings.HasPrefix(base, ".") || !strings.HasSuffix(base, messageExt) {
				continue
			}
			c.deliver(ev.Name)

		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (c *DirChannel) deliver(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		// pruned by another instance before we got to it
		if !os.IsNotExist(err) {
			c.logger.Warn("read message", zap.String("path", path), zap.Error(err))
		}
		return
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warn("decode message", zap.String("path", path), zap.Error(err))
		return
	}

	c.mu.Lock()
	if _, dup := c.seen[msg.ID]; dup {
		c.mu.Unlock()
		return
	}
	c.seen[msg.ID] = time.Now()
	c.mu.Unlock()

	_ = c.hub.Publish(context.Background(), msg)
}

// prune removes message files older than the ttl and forgets old ids.
func (c *DirChannel) prune() {
	if c.ttl <= 0 {
		return
	}
	cutoff := time.Now().Add(-c.ttl)

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		c.logger.Debug("list broadcast directory", zap.Error(err))
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), messageExt) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, e.Name())); err != nil && !os.IsNotExist(err) {
			c.logger.Debug("prune message", zap.String("file", e.Name()), zap.Error(err))
		}
	}

	c.mu.Lock()
	for id, at := range c.seen {
		if at.Before(cutoff.Add(-c.ttl)) {
			delete(c.seen, id)
		}
	}
	c.mu.Unlock()
}
