package cli

import (
	"context"
	"fmt"

	"github.com/runnerr0/tabnotes/internal/app"
)

// Execute implements the go-flags Commander interface for PurgeCommand.
func (c *PurgeCommand) Execute(args []string) error {
	if !c.All {
		return fmt.Errorf("purge requires --all flag for safety")
	}
	if err := c.confirmPurge(); err != nil {
		return err
	}
	return withApp(c.globals, c.executeWith)
}

func (c *PurgeCommand) confirmPurge() error {
	if c.Force {
		return nil
	}
	fmt.Println("⚠ WARNING: This will permanently delete ALL tabnotes data.")
	fmt.Println("  - All open sessions")
	fmt.Println("  - All attachments")
	fmt.Println("  - All documents")
	fmt.Println("  - All page associations")
	fmt.Println()
	fmt.Println("This action cannot be undone.")
	fmt.Println()
	return confirm(c.in, `Type "PURGE" to confirm: `, "PURGE")
}

func (c *PurgeCommand) executeWith(ctx context.Context, a *app.App) error {
	if err := a.Store.PurgeAll(ctx); err != nil {
		return fmt.Errorf("purge failed: %w", err)
	}

	if c.globals != nil && c.globals.JSON {
		return printJSON(map[string]interface{}{
			"purged":  true,
			"message": "all data deleted",
		})
	}
	fmt.Println("Purged all data. Tabnotes is empty.")
	return nil
}
