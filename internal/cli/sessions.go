package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/runnerr0/tabnotes/internal/app"
	"github.com/runnerr0/tabnotes/internal/attachment"
	"github.com/runnerr0/tabnotes/internal/session"
)

// Execute implements the go-flags Commander interface for TabsCommand.
func (c *TabsCommand) Execute(args []string) error {
	return withApp(c.globals, c.executeWith)
}

func (c *TabsCommand) executeWith(ctx context.Context, a *app.App) error {
	sc, err := a.CurrentSessions(ctx)
	if err != nil {
		return err
	}

	if c.globals != nil && c.globals.JSON {
		out := make([]sessionJSON, len(sc.Sessions))
		for i := range sc.Sessions {
			out[i] = toSessionJSON(&sc.Sessions[i], sc.ActiveSessionID, false)
		}
		return printJSON(out)
	}

	for i := range sc.Sessions {
		s := &sc.Sessions[i]
		marker := " "
		if s.ID == sc.ActiveSessionID {
			marker = "*"
		}
		pin := " "
		if s.Pinned {
			pin = "P"
		}
		state := string(s.SyncStatus)
		if !s.Bound() {
			state = "local"
		}
		fmt.Printf("%s%s %-36s  %-10s  %2d att  %s\n", marker, pin, s.ID, state, len(s.AttachmentRefs), displayTitle(s))
	}
	return nil
}

// Execute implements the go-flags Commander interface for NewCommand.
func (c *NewCommand) Execute(args []string) error {
	return withApp(c.globals, c.executeWith)
}

func (c *NewCommand) executeWith(ctx context.Context, a *app.App) error {
	s, err := a.Sessions.CreateSession(ctx, nil)
	if err != nil {
		return err
	}
	if c.Title != "" {
		title := c.Title
		if s, err = a.Sessions.UpdateSession(ctx, s.ID, session.Patch{Title: &title}); err != nil {
			return err
		}
	}
	if err := a.Associations.SetGlobalActive(ctx, s.ID); err != nil {
		return err
	}

	if c.globals != nil && c.globals.JSON {
		return printJSON(toSessionJSON(s, s.ID, false))
	}
	fmt.Println(s.ID)
	return nil
}

// Execute implements the go-flags Commander interface for ShowCommand.
func (c *ShowCommand) Execute(args []string) error {
	return withApp(c.globals, c.executeWith)
}

func (c *ShowCommand) executeWith(ctx context.Context, a *app.App) error {
	s, err := targetSession(ctx, a, c.Session)
	if err != nil {
		return err
	}

	blobs, err := a.Materialize(ctx, s.ID)
	if err != nil && !errors.Is(err, attachment.ErrPartialLoad) {
		return err
	}
	// Materialize may have rebound the session from its document.
	if s, err = a.Sessions.Get(ctx, s.ID); err != nil {
		return err
	}
	loaded := make(map[int64]*attachment.Blob, len(blobs))
	for _, b := range blobs {
		loaded[b.ID] = b
	}

	if c.globals != nil && c.globals.JSON {
		out := toSessionJSON(s, "", true)
		for i := range out.Attachments {
			if b, ok := loaded[out.Attachments[i].ID]; ok {
				out.Attachments[i].MimeType = b.MimeType
				out.Attachments[i].Size = b.Size
			} else {
				out.Attachments[i].Missing = true
			}
		}
		return printJSON(out)
	}

	switch c.Format {
	case "content":
		fmt.Print(s.Content)
		if !strings.HasSuffix(s.Content, "\n") {
			fmt.Println()
		}
	case "md":
		fmt.Printf("# %s\n\n%s\n", displayTitle(s), s.Content)
		if len(s.AttachmentRefs) > 0 {
			fmt.Println()
		}
		for _, r := range s.AttachmentRefs {
			switch {
			case r.Kind == attachment.KindURL && loaded[r.ID] != nil:
				url := string(loaded[r.ID].Payload)
				fmt.Printf("- [%s](%s)\n", url, url)
			case r.SourceURL != "":
				fmt.Printf("- %s %d from %s\n", r.Kind, r.ID, r.SourceURL)
			default:
				fmt.Printf("- %s %d\n", r.Kind, r.ID)
			}
		}
	default:
		printSessionFull(s, loaded)
	}
	return nil
}

func printSessionFull(s *session.Session, loaded map[int64]*attachment.Blob) {
	fmt.Printf("Session:   %s\n", s.ID)
	fmt.Printf("Title:     %s\n", displayTitle(s))
	if s.Bound() {
		fmt.Printf("Document:  %s (version %d)\n", s.DocumentID, s.DocumentVersion)
	}
	fmt.Printf("Status:    %s\n", s.SyncStatus)
	if s.Pinned {
		fmt.Println("Pinned:    yes")
	}
	if s.ConflictWith != "" {
		fmt.Printf("Conflict:  with %s\n", s.ConflictWith)
	}
	fmt.Printf("Edited:    %s\n", s.LastEdited.Local().Format("2006-01-02 15:04"))
	fmt.Println()
	fmt.Println(s.Content)

	if len(s.AttachmentRefs) == 0 {
		return
	}
	fmt.Println()
	fmt.Println("Attachments:")
	for _, r := range s.AttachmentRefs {
		b, ok := loaded[r.ID]
		if !ok {
			fmt.Printf("  %-6d %-10s (missing)\n", r.ID, r.Kind)
			continue
		}
		detail := r.SourceURL
		if r.Kind == attachment.KindURL {
			detail = string(b.Payload)
		}
		fmt.Printf("  %-6d %-10s %-10s %s\n", r.ID, r.Kind, formatBytes(b.Size), detail)
	}
}

// Execute implements the go-flags Commander interface for EditCommand.
func (c *EditCommand) Execute(args []string) error {
	return withApp(c.globals, c.executeWith)
}

func (c *EditCommand) executeWith(ctx context.Context, a *app.App) error {
	patch := session.Patch{Title: c.Title, Content: c.Content}
	if c.ContentFile != "" {
		if c.Content != nil {
			return fmt.Errorf("--content and --content-file are mutually exclusive")
		}
		content, err := c.readContent()
		if err != nil {
			return err
		}
		patch.Content = &content
	}
	if patch.Title == nil && patch.Content == nil {
		return fmt.Errorf("nothing to change: pass --title, --content or --content-file")
	}

	target, err := targetSession(ctx, a, c.Session)
	if err != nil {
		return err
	}
	s, err := a.Sessions.UpdateSession(ctx, target.ID, patch)
	if err != nil {
		return err
	}

	if c.globals != nil && c.globals.JSON {
		return printJSON(toSessionJSON(s, "", false))
	}
	fmt.Printf("Updated %s (%s)\n", s.ID, s.SyncStatus)
	return nil
}

func (c *EditCommand) readContent() (string, error) {
	if c.ContentFile == "-" {
		in := c.in
		if in == nil {
			in = os.Stdin
		}
		data, err := io.ReadAll(in)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(c.ContentFile)
	if err != nil {
		return "", fmt.Errorf("read content file: %w", err)
	}
	return string(data), nil
}

// Execute implements the go-flags Commander interface for CloseCommand.
func (c *CloseCommand) Execute(args []string) error {
	return withApp(c.globals, c.executeWith)
}

func (c *CloseCommand) executeWith(ctx context.Context, a *app.App) error {
	s, err := targetSession(ctx, a, c.Session)
	if err != nil {
		return err
	}

	if !c.Force {
		unsaved, err := a.Sessions.HasUnsavedChanges(ctx, s.ID)
		if err != nil {
			return err
		}
		if unsaved {
			fmt.Printf("Session %q has changes not saved to its document.\n", displayTitle(s))
			if err := confirm(c.in, `Type "yes" to close anyway: `, "yes"); err != nil {
				return err
			}
		}
	}

	if err := a.Sessions.CloseSession(ctx, s.ID); err != nil {
		return err
	}

	if c.globals != nil && c.globals.JSON {
		return printJSON(map[string]interface{}{"closed": s.ID})
	}
	fmt.Printf("Closed %s\n", s.ID)
	return nil
}

// Execute implements the go-flags Commander interface for PinCommand.
func (c *PinCommand) Execute(args []string) error {
	return withApp(c.globals, c.executeWith)
}

func (c *PinCommand) executeWith(ctx context.Context, a *app.App) error {
	s, err := targetSession(ctx, a, c.Session)
	if err != nil {
		return err
	}
	if err := a.Sessions.PinSession(ctx, s.ID); err != nil {
		return err
	}
	return printPinned(c.globals, s.ID, true)
}

// Execute implements the go-flags Commander interface for UnpinCommand.
func (c *UnpinCommand) Execute(args []string) error {
	return withApp(c.globals, c.executeWith)
}

func (c *UnpinCommand) executeWith(ctx context.Context, a *app.App) error {
	s, err := targetSession(ctx, a, c.Session)
	if err != nil {
		return err
	}
	if err := a.Sessions.UnpinSession(ctx, s.ID); err != nil {
		return err
	}
	return printPinned(c.globals, s.ID, false)
}

func printPinned(globals *GlobalFlags, id string, pinned bool) error {
	if globals != nil && globals.JSON {
		return printJSON(map[string]interface{}{"session": id, "pinned": pinned})
	}
	if pinned {
		fmt.Printf("Pinned %s\n", id)
	} else {
		fmt.Printf("Unpinned %s\n", id)
	}
	return nil
}
