package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/runnerr0/tabnotes/internal/app"
	"github.com/runnerr0/tabnotes/internal/session"
)

// Execute implements the go-flags Commander interface for WatchCommand.
func (c *WatchCommand) Execute(args []string) error {
	return withApp(c.globals, func(ctx context.Context, a *app.App) error {
		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
		return c.executeWith(ctx, a)
	})
}

// executeWith follows other instances until ctx is done.
func (c *WatchCommand) executeWith(ctx context.Context, a *app.App) error {
	jsonOut := c.globals != nil && c.globals.JSON

	a.Sync.OnReload(func(sc *session.SessionCache) {
		if jsonOut {
			_ = printJSON(map[string]interface{}{
				"event":          "reload",
				"sessions":       len(sc.Sessions),
				"active_session": sc.ActiveSessionID,
				"last_updated":   sc.LastUpdated,
			})
			return
		}
		fmt.Printf("reloaded: %d sessions, active %s\n", len(sc.Sessions), sc.ActiveSessionID)
	})
	a.Sync.OnConflicts(func(conflicts []session.ConflictRecord) {
		for _, rec := range conflicts {
			if jsonOut {
				_ = printJSON(map[string]interface{}{"event": "conflict", "conflict": rec})
				continue
			}
			fmt.Printf("conflict: session %s diverged from %s (from instance %s)\n",
				rec.OriginalSessionID, rec.ConflictingSessionID, rec.SourceInstanceID)
		}
	})

	if err := a.Sync.Start(ctx); err != nil {
		return err
	}
	defer a.Sync.Stop()

	if c.Visible {
		if err := a.Sync.Visible(ctx); err != nil {
			return err
		}
	}
	if !jsonOut {
		fmt.Printf("Watching as instance %s. Press Ctrl-C to stop.\n", a.Instance.ID)
	}

	<-ctx.Done()
	return nil
}
