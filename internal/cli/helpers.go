package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/runnerr0/tabnotes/internal/app"
	"github.com/runnerr0/tabnotes/internal/config"
	"github.com/runnerr0/tabnotes/internal/session"
)

// loadConfig reads --config if given, else the default config file
// (created with defaults on first use).
func loadConfig(globals *GlobalFlags) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if globals.Config != "" {
		cfg, err = config.Load(globals.Config)
	} else {
		cfg, err = config.LoadOrCreate()
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if globals.Verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

// withApp opens the instance for one command and closes it afterwards.
func withApp(globals *GlobalFlags, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := loadConfig(globals)
	if err != nil {
		return err
	}
	a, err := app.New(cfg, app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(context.Background(), a)
}

// targetSession returns the named session, or the active one when id is
// empty.
func targetSession(ctx context.Context, a *app.App, id string) (*session.Session, error) {
	if id != "" {
		return a.Sessions.Get(ctx, id)
	}
	sc, err := a.CurrentSessions(ctx)
	if err != nil {
		return nil, err
	}
	if s := sc.Active(); s != nil {
		return s, nil
	}
	return &sc.Sessions[0], nil
}

// confirm prints prompt and reads one line from in. It succeeds only when
// the trimmed line equals want.
func confirm(in io.Reader, prompt, want string) error {
	if in == nil {
		in = os.Stdin
	}
	fmt.Print(prompt)

	scanner := bufio.NewScanner(in)
	if !scanner.Scan() {
		return fmt.Errorf("aborted: no input received")
	}
	if strings.TrimSpace(scanner.Text()) != want {
		return fmt.Errorf("aborted: confirmation text did not match")
	}
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// sessionJSON is the JSON shape of a session in command output.
type sessionJSON struct {
	ID              string           `json:"id"`
	Title           string           `json:"title"`
	Content         string           `json:"content,omitempty"`
	DocumentID      string           `json:"document_id,omitempty"`
	DocumentVersion int64            `json:"document_version,omitempty"`
	LocalVersion    int64            `json:"local_version"`
	SyncStatus      string           `json:"sync_status"`
	Pinned          bool             `json:"pinned"`
	Active          bool             `json:"active"`
	IsNew           bool             `json:"is_new"`
	LastEdited      string           `json:"last_edited"`
	ConflictWith    string           `json:"conflict_with,omitempty"`
	Attachments     []attachmentJSON `json:"attachments"`
}

type attachmentJSON struct {
	ID          int64  `json:"id"`
	Kind        string `json:"kind"`
	SourceURL   string `json:"source_url,omitempty"`
	CaptureType string `json:"capture_type,omitempty"`
	MimeType    string `json:"mime_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
	Missing     bool   `json:"missing,omitempty"`
}

func toSessionJSON(s *session.Session, activeID string, withContent bool) sessionJSON {
	out := sessionJSON{
		ID:              s.ID,
		Title:           s.Title,
		DocumentID:      s.DocumentID,
		DocumentVersion: s.DocumentVersion,
		LocalVersion:    s.LocalVersion,
		SyncStatus:      string(s.SyncStatus),
		Pinned:          s.Pinned,
		Active:          s.ID == activeID,
		IsNew:           s.IsNew,
		LastEdited:      s.LastEdited.UTC().Format("2006-01-02T15:04:05Z"),
		ConflictWith:    s.ConflictWith,
		Attachments:     make([]attachmentJSON, len(s.AttachmentRefs)),
	}
	if withContent {
		out.Content = s.Content
	}
	for i, r := range s.AttachmentRefs {
		out.Attachments[i] = attachmentJSON{ID: r.ID, Kind: string(r.Kind), SourceURL: r.SourceURL, CaptureType: r.CaptureType}
	}
	return out
}

// displayTitle falls back to a placeholder for untitled sessions.
func displayTitle(s *session.Session) string {
	if s.Title == "" {
		return "(untitled)"
	}
	return s.Title
}

// formatBytes formats a byte count into a human-readable string.
func formatBytes(b int64) string {
	switch {
	case b >= 1<<30:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(1<<30))
	case b >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(1<<20))
	case b >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(b)/float64(1<<10))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// formatNumber formats an int64 with comma separators.
func formatNumber(n int64) string {
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}

	var result strings.Builder
	remainder := len(s) % 3
	if remainder > 0 {
		result.WriteString(s[:remainder])
	}
	for i := remainder; i < len(s); i += 3 {
		if i > 0 {
			result.WriteString(",")
		}
		result.WriteString(s[i : i+3])
	}
	return result.String()
}
