package cli

import "io"

// GlobalFlags holds flags available to all subcommands.
type GlobalFlags struct {
	Config  string `long:"config" description:"Path to config file" default:""`
	JSON    bool   `long:"json" description:"Output in JSON format"`
	Verbose bool   `long:"verbose" description:"Enable debug logging"`
	Version bool   `long:"version" description:"Show version and exit"`
}

// SessionFlag selects a session; empty means the active one.
type SessionFlag struct {
	Session string `long:"session" short:"s" description:"Session ID (default: active session)"`
}

// StatusCommand: show store statistics and session summary.
type StatusCommand struct {
	globals *GlobalFlags
	version string
}

// TabsCommand: list open sessions.
type TabsCommand struct {
	globals *GlobalFlags
}

// NewCommand: open a new session, reusing a blank one if present.
type NewCommand struct {
	Title string `long:"title" description:"Initial title"`

	globals *GlobalFlags
}

// ShowCommand: print a session with its attachments.
type ShowCommand struct {
	SessionFlag
	Format string `long:"format" description:"Output format: full | content | md" default:"full"`

	globals *GlobalFlags
}

// EditCommand: change the title or content of a session.
type EditCommand struct {
	SessionFlag
	Title       *string `long:"title" description:"New title"`
	Content     *string `long:"content" description:"New content"`
	ContentFile string  `long:"content-file" description:"Read new content from file (- for stdin)"`

	globals *GlobalFlags
	in      io.Reader
}

// CloseCommand: close a session, asking before discarding unsaved edits.
type CloseCommand struct {
	SessionFlag
	Force bool `long:"force" description:"Discard unsaved changes without asking"`

	globals *GlobalFlags
	in      io.Reader
}

// PinCommand: pin a session so it wins on every page.
type PinCommand struct {
	SessionFlag

	globals *GlobalFlags
}

// UnpinCommand: clear the pin.
type UnpinCommand struct {
	SessionFlag

	globals *GlobalFlags
}

// AttachCommand: store a capture and attach it to a session.
type AttachCommand struct {
	SessionFlag
	URL         string `long:"url" description:"Attach a page URL"`
	File        string `long:"file" description:"Attach a screenshot from an image file"`
	Thumbnail   string `long:"thumbnail" description:"Thumbnail image file for --file"`
	SourceURL   string `long:"source-url" description:"Page the screenshot was taken on"`
	CaptureType string `long:"capture-type" description:"Capture label, e.g. visible or full-page" default:"manual"`
	Detach      int64  `long:"detach" description:"Remove the attachment with this ID instead"`

	globals *GlobalFlags
}

// SaveCommand: save a session to its document.
type SaveCommand struct {
	SessionFlag

	globals *GlobalFlags
}

// ResolveCommand: list conflicts or resolve one.
type ResolveCommand struct {
	SessionFlag
	Choice string `long:"choice" description:"keep-local | keep-remote | merge (omit to list conflicts)"`

	globals *GlobalFlags
}

// OpenCommand: open a document, or activate the session for a page.
type OpenCommand struct {
	Document string `long:"document" short:"d" description:"Document ID to open"`
	URL      string `long:"url" description:"Page the user is on"`

	globals *GlobalFlags
}

// AssociateCommand: bind a page's site to a session.
type AssociateCommand struct {
	SessionFlag
	URL string `long:"url" description:"Page URL (required)"`

	globals *GlobalFlags
}

// GCCommand: delete attachment blobs no session references.
type GCCommand struct {
	DryRun bool `long:"dry-run" description:"Show what would be deleted without deleting"`

	globals *GlobalFlags
}

// WatchCommand: follow other instances' changes until interrupted.
type WatchCommand struct {
	Visible bool `long:"visible" description:"Reconcile and collect garbage once at start"`

	globals *GlobalFlags
}

// PurgeCommand: delete ALL tabnotes data with safety confirmation.
type PurgeCommand struct {
	All   bool `long:"all" description:"Required flag to confirm purge intent"`
	Force bool `long:"force" description:"Skip safety confirmation prompt"`

	globals *GlobalFlags
	in      io.Reader
}
