package cli

import (
	"context"
	"fmt"
	"net/url"
	"os"

	"github.com/runnerr0/tabnotes/internal/app"
	"github.com/runnerr0/tabnotes/internal/attachment"
)

// Execute implements the go-flags Commander interface for AttachCommand.
func (c *AttachCommand) Execute(args []string) error {
	return withApp(c.globals, c.executeWith)
}

func (c *AttachCommand) executeWith(ctx context.Context, a *app.App) error {
	set := 0
	for _, given := range []bool{c.URL != "", c.File != "", c.Detach != 0} {
		if given {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("exactly one of --url, --file or --detach is required")
	}

	target, err := targetSession(ctx, a, c.Session)
	if err != nil {
		return err
	}

	if c.Detach != 0 {
		s, err := a.Sessions.RemoveAttachment(ctx, target.ID, c.Detach)
		if err != nil {
			return err
		}
		if c.globals != nil && c.globals.JSON {
			return printJSON(toSessionJSON(s, "", false))
		}
		fmt.Printf("Detached %d from %s\n", c.Detach, s.ID)
		return nil
	}

	capture, err := c.capture()
	if err != nil {
		return err
	}
	s, ref, err := a.Attach(ctx, target.ID, capture)
	if err != nil {
		return err
	}

	if c.globals != nil && c.globals.JSON {
		return printJSON(map[string]interface{}{
			"session":    s.ID,
			"attachment": attachmentJSON{ID: ref.ID, Kind: string(ref.Kind), SourceURL: ref.SourceURL, CaptureType: ref.CaptureType},
		})
	}
	fmt.Printf("Attached %s %d to %s\n", ref.Kind, ref.ID, s.ID)
	return nil
}

func (c *AttachCommand) capture() (attachment.Capture, error) {
	if c.URL != "" {
		parsed, err := url.ParseRequestURI(c.URL)
		if err != nil || parsed.Host == "" {
			return attachment.Capture{}, fmt.Errorf("invalid URL: %s", c.URL)
		}
		return attachment.Capture{
			Kind:        attachment.KindURL,
			Payload:     []byte(c.URL),
			SourceURL:   c.URL,
			CaptureType: "link",
		}, nil
	}

	payload, err := os.ReadFile(c.File)
	if err != nil {
		return attachment.Capture{}, fmt.Errorf("read screenshot: %w", err)
	}
	capture := attachment.Capture{
		Kind:        attachment.KindScreenshot,
		Payload:     payload,
		SourceURL:   c.SourceURL,
		CaptureType: c.CaptureType,
	}
	if c.Thumbnail != "" {
		if capture.Thumbnail, err = os.ReadFile(c.Thumbnail); err != nil {
			return attachment.Capture{}, fmt.Errorf("read thumbnail: %w", err)
		}
	}
	return capture, nil
}
