package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/runnerr0/tabnotes/internal/app"
	"github.com/runnerr0/tabnotes/internal/session"
	"github.com/runnerr0/tabnotes/internal/storage"
)

// statusJSON is the JSON output structure for the status command.
type statusJSON struct {
	Version           string          `json:"version"`
	InstanceID        string          `json:"instance_id"`
	DatabasePath      string          `json:"database_path"`
	DatabaseSizeBytes int64           `json:"database_size_bytes"`
	SchemaVersion     int             `json:"schema_version"`
	Sessions          int             `json:"sessions"`
	ActiveSessionID   string          `json:"active_session_id"`
	PinnedSessionID   string          `json:"pinned_session_id,omitempty"`
	Unsaved           int             `json:"unsaved"`
	Conflicted        int             `json:"conflicted"`
	Documents         int64           `json:"documents"`
	Attachments       int64           `json:"attachments"`
	AttachmentBytes   int64           `json:"attachment_bytes"`
	StoredBytes       int64           `json:"stored_bytes"`
	OldestAttachment  string          `json:"oldest_attachment,omitempty"`
	NewestAttachment  string          `json:"newest_attachment,omitempty"`
	Kinds             []kindCountJSON `json:"kinds"`
}

type kindCountJSON struct {
	Kind  string `json:"kind"`
	Count int64  `json:"count"`
}

// sessionSummary counts sessions by state.
type sessionSummary struct {
	total      int
	activeID   string
	pinnedID   string
	unsaved    int
	conflicted int
}

func summarize(sc *session.SessionCache) sessionSummary {
	sum := sessionSummary{total: len(sc.Sessions), activeID: sc.ActiveSessionID}
	if p := sc.Pinned(); p != nil {
		sum.pinnedID = p.ID
	}
	for _, s := range sc.Sessions {
		switch s.SyncStatus {
		case session.SyncConflicted:
			sum.conflicted++
		case session.SyncPending:
			if s.Bound() {
				sum.unsaved++
			}
		}
	}
	return sum
}

// Execute implements the go-flags Commander interface for StatusCommand.
func (c *StatusCommand) Execute(args []string) error {
	return withApp(c.globals, c.executeWith)
}

// executeWith runs status against a provided app (for testing).
func (c *StatusCommand) executeWith(ctx context.Context, a *app.App) error {
	stats, err := a.Store.GetStats(ctx)
	if err != nil {
		return fmt.Errorf("get stats: %w", err)
	}

	sc, err := a.CurrentSessions(ctx)
	if err != nil {
		return err
	}
	sum := summarize(sc)

	dbPath, err := a.Config.DatabasePath()
	if err != nil {
		return err
	}
	dbSize := getDatabaseSize(a.Store, dbPath)

	if c.globals != nil && c.globals.JSON {
		return c.printStatusJSON(a, stats, sum, dbPath, dbSize)
	}
	return c.printStatusHuman(a, stats, sum, dbPath, dbSize)
}

func (c *StatusCommand) printStatusHuman(a *app.App, stats *storage.Stats, sum sessionSummary, dbPath string, dbSize int64) error {
	fmt.Println("Tabnotes Status")
	fmt.Println("===============")
	fmt.Printf("Version:       %s\n", c.version)
	fmt.Printf("Instance:      %s\n", a.Instance.ID)
	fmt.Printf("Database:      %s (%s)\n", dbPath, formatBytes(dbSize))
	fmt.Printf("Schema:        v%d\n", stats.SchemaVersion)
	fmt.Printf("Sessions:      %d\n", sum.total)
	fmt.Printf("Active:        %s\n", sum.activeID)
	if sum.pinnedID != "" {
		fmt.Printf("Pinned:        %s\n", sum.pinnedID)
	}
	fmt.Printf("Unsaved:       %d\n", sum.unsaved)
	if sum.conflicted > 0 {
		fmt.Printf("Conflicts:     %d (run 'tabnotes resolve')\n", sum.conflicted)
	}

	fmt.Println()
	fmt.Printf("Documents:     %s\n", formatNumber(stats.Documents))
	fmt.Printf("Attachments:   %s (%s, %s stored)\n",
		formatNumber(stats.Attachments), formatBytes(stats.AttachmentSize), formatBytes(stats.StoredSize))
	if stats.Attachments > 0 {
		fmt.Printf("Oldest:        %s\n", stats.OldestBlob.Local().Format("2006-01-02"))
		fmt.Printf("Newest:        %s\n", stats.NewestBlob.Local().Format("2006-01-02"))
	}

	if len(stats.KindCounts) > 0 {
		fmt.Println()
		fmt.Println("Kinds:")
		for _, k := range stats.KindCounts {
			fmt.Printf("  %-20s %s\n", k.Kind, formatNumber(k.Count))
		}
	}
	return nil
}

func (c *StatusCommand) printStatusJSON(a *app.App, stats *storage.Stats, sum sessionSummary, dbPath string, dbSize int64) error {
	out := statusJSON{
		Version:           c.version,
		InstanceID:        a.Instance.ID,
		DatabasePath:      dbPath,
		DatabaseSizeBytes: dbSize,
		SchemaVersion:     stats.SchemaVersion,
		Sessions:          sum.total,
		ActiveSessionID:   sum.activeID,
		PinnedSessionID:   sum.pinnedID,
		Unsaved:           sum.unsaved,
		Conflicted:        sum.conflicted,
		Documents:         stats.Documents,
		Attachments:       stats.Attachments,
		AttachmentBytes:   stats.AttachmentSize,
		StoredBytes:       stats.StoredSize,
		Kinds:             make([]kindCountJSON, len(stats.KindCounts)),
	}

	if stats.Attachments > 0 {
		out.OldestAttachment = stats.OldestBlob.UTC().Format(time.RFC3339)
		out.NewestAttachment = stats.NewestBlob.UTC().Format(time.RFC3339)
	}
	for i, k := range stats.KindCounts {
		out.Kinds[i] = kindCountJSON{Kind: k.Kind, Count: k.Count}
	}
	return printJSON(out)
}

// getDatabaseSize returns the database file size in bytes.
// If the file cannot be stat'ed it falls back to page_count * page_size.
func getDatabaseSize(store *storage.SQLiteStore, dbPath string) int64 {
	if info, err := os.Stat(dbPath); err == nil {
		return info.Size()
	}

	var pageCount, pageSize int64
	if err := store.DB().QueryRow("PRAGMA page_count").Scan(&pageCount); err != nil {
		return 0
	}
	if err := store.DB().QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0
	}
	return pageCount * pageSize
}
