package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/runnerr0/tabnotes/internal/app"
	"github.com/runnerr0/tabnotes/internal/association"
	"github.com/runnerr0/tabnotes/internal/session"
)

// Execute implements the go-flags Commander interface for SaveCommand.
func (c *SaveCommand) Execute(args []string) error {
	return withApp(c.globals, c.executeWith)
}

func (c *SaveCommand) executeWith(ctx context.Context, a *app.App) error {
	target, err := targetSession(ctx, a, c.Session)
	if err != nil {
		return err
	}

	s, err := a.Sessions.SaveToDocument(ctx, target.ID)
	var conflict *session.ConflictError
	if errors.As(err, &conflict) {
		if c.globals != nil && c.globals.JSON {
			_ = printJSON(map[string]interface{}{
				"session":  conflict.Record.OriginalSessionID,
				"document": conflict.DocumentID,
				"expected": conflict.Expected,
				"current":  conflict.Current,
				"remote":   conflict.Record.ConflictingSessionID,
			})
		} else {
			fmt.Printf("Document %s changed since this session loaded it (version %d, now %d).\n",
				conflict.DocumentID, conflict.Expected, conflict.Current)
			fmt.Printf("The document's version is open as session %s.\n", conflict.Record.ConflictingSessionID)
			fmt.Printf("Run 'tabnotes resolve -s %s --choice keep-local|keep-remote|merge'.\n", conflict.Record.OriginalSessionID)
		}
		return err
	}
	if err != nil {
		return err
	}

	if c.globals != nil && c.globals.JSON {
		return printJSON(toSessionJSON(s, "", false))
	}
	fmt.Printf("Saved %s to document %s (version %d)\n", s.ID, s.DocumentID, s.DocumentVersion)
	return nil
}

// Execute implements the go-flags Commander interface for ResolveCommand.
func (c *ResolveCommand) Execute(args []string) error {
	return withApp(c.globals, c.executeWith)
}

func (c *ResolveCommand) executeWith(ctx context.Context, a *app.App) error {
	if c.Choice == "" {
		return c.list(ctx, a)
	}
	choice, err := session.ParseChoice(c.Choice)
	if err != nil {
		return err
	}

	target, err := targetSession(ctx, a, c.Session)
	if err != nil {
		return err
	}
	if target.SyncStatus != session.SyncConflicted || target.ConflictWith == "" {
		return fmt.Errorf("session %s is not in conflict", target.ID)
	}

	rec := session.ConflictRecord{
		OriginalSessionID:    target.ID,
		ConflictingSessionID: target.ConflictWith,
		SourceInstanceID:     a.Instance.ID,
		Timestamp:            a.Instance.Now().UnixMilli(),
	}
	a.Sync.Report(rec)
	s, err := a.Sync.Resolve(ctx, rec, choice)
	if err != nil {
		return err
	}

	if c.globals != nil && c.globals.JSON {
		return printJSON(toSessionJSON(s, "", false))
	}
	fmt.Printf("Resolved %s with %s (%s)\n", s.ID, choice, s.SyncStatus)
	if s.SyncStatus == session.SyncPending {
		fmt.Printf("Run 'tabnotes save -s %s' to write it to the document.\n", s.ID)
	}
	return nil
}

func (c *ResolveCommand) list(ctx context.Context, a *app.App) error {
	sc, err := a.CurrentSessions(ctx)
	if err != nil {
		return err
	}

	var conflicted []sessionJSON
	for i := range sc.Sessions {
		if sc.Sessions[i].SyncStatus == session.SyncConflicted {
			conflicted = append(conflicted, toSessionJSON(&sc.Sessions[i], sc.ActiveSessionID, false))
		}
	}

	if c.globals != nil && c.globals.JSON {
		if conflicted == nil {
			conflicted = []sessionJSON{}
		}
		return printJSON(conflicted)
	}
	if len(conflicted) == 0 {
		fmt.Println("No conflicts.")
		return nil
	}
	for _, s := range conflicted {
		fmt.Printf("%s  %q  document %s  remote %s\n", s.ID, s.Title, s.DocumentID, s.ConflictWith)
	}
	return nil
}

// Execute implements the go-flags Commander interface for OpenCommand.
func (c *OpenCommand) Execute(args []string) error {
	return withApp(c.globals, c.executeWith)
}

func (c *OpenCommand) executeWith(ctx context.Context, a *app.App) error {
	var s *session.Session
	var err error
	switch {
	case c.Document != "":
		s, err = a.OpenDocument(ctx, c.Document, c.URL)
	case c.URL != "":
		s, err = a.Activate(ctx, c.URL)
	default:
		return fmt.Errorf("--document or --url is required for open command")
	}
	if err != nil {
		return err
	}

	if c.globals != nil && c.globals.JSON {
		return printJSON(toSessionJSON(s, s.ID, false))
	}
	fmt.Printf("%s  %s\n", s.ID, displayTitle(s))
	return nil
}

// Execute implements the go-flags Commander interface for AssociateCommand.
func (c *AssociateCommand) Execute(args []string) error {
	return withApp(c.globals, c.executeWith)
}

func (c *AssociateCommand) executeWith(ctx context.Context, a *app.App) error {
	if c.URL == "" {
		return fmt.Errorf("--url is required for associate command")
	}
	site := association.SiteOf(c.URL)
	if site == "" {
		return fmt.Errorf("invalid URL: %s", c.URL)
	}

	target, err := targetSession(ctx, a, c.Session)
	if err != nil {
		return err
	}
	denied := a.Associations.Denied(site)
	if err := a.Associations.Associate(ctx, site, target.ID); err != nil {
		return err
	}

	if c.globals != nil && c.globals.JSON {
		return printJSON(map[string]interface{}{"site": site, "session": target.ID, "associated": !denied})
	}
	if denied {
		fmt.Printf("%s is on the denylist; not associated.\n", site)
		return nil
	}
	fmt.Printf("Associated %s with %s\n", site, target.ID)
	return nil
}
