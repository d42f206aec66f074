package cli

import (
	"context"
	"fmt"

	"github.com/runnerr0/tabnotes/internal/app"
)

// gcJSON is the JSON output structure for the gc command.
type gcJSON struct {
	DryRun     bool    `json:"dry_run"`
	Stored     int     `json:"stored"`
	Referenced int     `json:"referenced"`
	Deleted    int64   `json:"deleted"`
	Batches    int     `json:"batches,omitempty"`
	Orphans    []int64 `json:"orphans,omitempty"`
}

// Execute implements the go-flags Commander interface for GCCommand.
func (c *GCCommand) Execute(args []string) error {
	return withApp(c.globals, c.executeWith)
}

func (c *GCCommand) executeWith(ctx context.Context, a *app.App) error {
	var out gcJSON
	if c.DryRun {
		orphans, stored, referenced, err := findOrphans(ctx, a)
		if err != nil {
			return err
		}
		out = gcJSON{DryRun: true, Stored: stored, Referenced: referenced, Orphans: orphans}
	} else {
		report, err := a.Collector.Run(ctx)
		if err != nil {
			return fmt.Errorf("collect attachments: %w", err)
		}
		out = gcJSON{Stored: report.Stored, Referenced: report.Referenced, Deleted: report.Deleted, Batches: report.Batches}
	}

	if c.globals != nil && c.globals.JSON {
		return printJSON(out)
	}
	if c.DryRun {
		fmt.Printf("Would delete %d of %d attachments (%d referenced)\n", len(out.Orphans), out.Stored, out.Referenced)
		for _, id := range out.Orphans {
			fmt.Printf("  %d\n", id)
		}
		return nil
	}
	fmt.Printf("Deleted %d of %d attachments (%d referenced)\n", out.Deleted, out.Stored, out.Referenced)
	return nil
}

// findOrphans lists stored blob ids no session references, without
// deleting anything.
func findOrphans(ctx context.Context, a *app.App) (orphans []int64, stored, referenced int, err error) {
	ids, err := a.Store.ListBlobIDs(ctx)
	if err != nil {
		return nil, 0, 0, err
	}
	keep, err := a.Sessions.ReferencedAttachments(ctx)
	if err != nil {
		return nil, 0, 0, err
	}
	for _, id := range ids {
		if _, ok := keep[id]; !ok {
			orphans = append(orphans, id)
		}
	}
	return orphans, len(ids), len(keep), nil
}
