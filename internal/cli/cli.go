package cli

import (
	"fmt"
	"os"

	goflags "github.com/jessevdk/go-flags"
)

// commands holds references to all subcommand structs for inspection/testing.
type commands struct {
	Status    *StatusCommand
	Tabs      *TabsCommand
	New       *NewCommand
	Show      *ShowCommand
	Edit      *EditCommand
	Close     *CloseCommand
	Pin       *PinCommand
	Unpin     *UnpinCommand
	Attach    *AttachCommand
	Save      *SaveCommand
	Resolve   *ResolveCommand
	Open      *OpenCommand
	Associate *AssociateCommand
	GC        *GCCommand
	Watch     *WatchCommand
	Purge     *PurgeCommand
}

// buildParser constructs the go-flags parser with all subcommands registered.
func buildParser(version string) (*goflags.Parser, *GlobalFlags, *commands) {
	var globals GlobalFlags

	parser := goflags.NewParser(&globals, goflags.Default)
	parser.Name = "tabnotes"
	parser.LongDescription = "Tabbed note sessions with cached attachments, shared safely between running instances."

	cmds := &commands{
		Status:    &StatusCommand{globals: &globals, version: version},
		Tabs:      &TabsCommand{globals: &globals},
		New:       &NewCommand{globals: &globals},
		Show:      &ShowCommand{globals: &globals},
		Edit:      &EditCommand{globals: &globals},
		Close:     &CloseCommand{globals: &globals},
		Pin:       &PinCommand{globals: &globals},
		Unpin:     &UnpinCommand{globals: &globals},
		Attach:    &AttachCommand{globals: &globals},
		Save:      &SaveCommand{globals: &globals},
		Resolve:   &ResolveCommand{globals: &globals},
		Open:      &OpenCommand{globals: &globals},
		Associate: &AssociateCommand{globals: &globals},
		GC:        &GCCommand{globals: &globals},
		Watch:     &WatchCommand{globals: &globals},
		Purge:     &PurgeCommand{globals: &globals},
	}

	parser.AddCommand("status", "Show store statistics", "Show session, attachment and document statistics and the configuration in use.", cmds.Status)
	parser.AddCommand("tabs", "List open sessions", "List open sessions with their pin, active and sync state.", cmds.Tabs)
	parser.AddCommand("new", "Open a new session", "Open a new session. A blank session is reused instead of adding another.", cmds.New)
	parser.AddCommand("show", "Print a session", "Print a session's content and attachments.", cmds.Show)
	parser.AddCommand("edit", "Edit a session", "Change the title or content of a session.", cmds.Edit)
	parser.AddCommand("close", "Close a session", "Close a session. Asks for confirmation before discarding unsaved changes.", cmds.Close)
	parser.AddCommand("pin", "Pin a session", "Pin a session so it is chosen on every page. Unpins any other session.", cmds.Pin)
	parser.AddCommand("unpin", "Unpin a session", "Clear the pin on a session.", cmds.Unpin)
	parser.AddCommand("attach", "Attach a URL or screenshot", "Store a URL or screenshot and attach it to a session.", cmds.Attach)
	parser.AddCommand("save", "Save a session to its document", "Save a session to its document, creating the document on first save.", cmds.Save)
	parser.AddCommand("resolve", "Resolve save conflicts", "List sessions in conflict, or resolve one with keep-local, keep-remote or merge.", cmds.Resolve)
	parser.AddCommand("open", "Open a document or page", "Open a document in a session, or activate the session belonging to a page.", cmds.Open)
	parser.AddCommand("associate", "Associate a site with a session", "Remember a session for every page on a site.", cmds.Associate)
	parser.AddCommand("gc", "Collect unreferenced attachments", "Delete attachment blobs that no session references.", cmds.GC)
	parser.AddCommand("watch", "Follow other instances", "Reconcile with changes from other instances until interrupted.", cmds.Watch)
	parser.AddCommand("purge", "Delete ALL tabnotes data", "Delete ALL tabnotes data. Destructive operation with safety prompt.", cmds.Purge)

	return parser, &globals, cmds
}

// Run is the main entry point for the tabnotes CLI using os.Args.
func Run(version string) error {
	return RunWithArgs(version, nil)
}

// RunWithArgs parses the given args (or os.Args if nil) and executes the matched subcommand.
func RunWithArgs(version string, args []string) error {
	// Handle --version before parser (go-flags requires a subcommand, but
	// --version is valid without one).
	checkArgs := args
	if checkArgs == nil {
		checkArgs = os.Args[1:]
	}
	for _, arg := range checkArgs {
		if arg == "--version" {
			fmt.Printf("tabnotes %s\n", version)
			return nil
		}
		if arg == "--" {
			break
		}
	}

	parser, _, _ := buildParser(version)

	var err error
	if args != nil {
		_, err = parser.ParseArgs(args)
	} else {
		_, err = parser.Parse()
	}

	if err != nil {
		if flagsErr, ok := err.(*goflags.Error); ok {
			if flagsErr.Type == goflags.ErrHelp {
				return nil
			}
		}
		return err
	}

	return nil
}
