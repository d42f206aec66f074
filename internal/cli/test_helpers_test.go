package cli

import (
	"context"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/runnerr0/tabnotes/internal/app"
	"github.com/runnerr0/tabnotes/internal/broadcast"
	"github.com/runnerr0/tabnotes/internal/config"
	"github.com/runnerr0/tabnotes/internal/session"
)

// newTestApp opens an app rooted in a temp dir with an in-process channel.
func newTestApp(t *testing.T) *app.App {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Storage.Path = t.TempDir()

	a, err := app.New(cfg, app.Options{
		InstanceID: "cli-test",
		Logger:     zap.NewNop(),
		Channel:    broadcast.NewHub(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func activeSession(t *testing.T, a *app.App) *session.Session {
	t.Helper()
	sc, err := a.CurrentSessions(context.Background())
	require.NoError(t, err)
	return sc.Active()
}

func strPtr(s string) *string { return &s }

// captureOutput returns what fn writes to stdout. The pipe is drained
// while fn runs so large listings cannot fill it and block.
func captureOutput(t *testing.T, fn func()) string {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)

	stdout := os.Stdout
	os.Stdout = w
	defer func() { os.Stdout = stdout }()

	read := make(chan []byte, 1)
	go func() {
		data, _ := io.ReadAll(r)
		r.Close()
		read <- data
	}()

	fn()
	w.Close()
	return string(<-read)
}
