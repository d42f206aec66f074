package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "~/.config/tabnotes", cfg.Storage.Path)
	assert.Equal(t, "tabnotes.db", cfg.Storage.SQLiteFile)
	assert.Equal(t, "wal", cfg.Storage.SQLiteJournalMode)
	assert.Equal(t, 5*time.Second, cfg.Sync.PollInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.Sync.CoalesceInterval)
	assert.Equal(t, "broadcast", cfg.Sync.BroadcastDir)
	assert.Equal(t, 50, cfg.GC.BatchSize)
	assert.True(t, cfg.GC.OnClose)
	assert.True(t, cfg.GC.OnVisible)
	assert.True(t, cfg.Attachments.Compress)
	assert.Equal(t, "default", cfg.Attachments.CompressionLevel)
	assert.True(t, cfg.Association.UseDefaultDeny)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Logging.Development)
	require.NoError(t, cfg.Validate())
}

func TestAssociationDenylist(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Association.DenylistDomains = []string{"intranet.corp"}

	list := cfg.AssociationDenylist()
	assert.Contains(t, list, "chase.com")
	assert.Contains(t, list, "1password.com")
	assert.Contains(t, list, "intranet.corp")

	cfg.Association.UseDefaultDeny = false
	assert.Equal(t, []string{"intranet.corp"}, cfg.AssociationDenylist())
}

func TestLoadValidYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	yamlContent := `
sync:
  poll_interval: 2s
  coalesce_interval: 250ms
gc:
  batch_size: 10
logging:
  level: "debug"
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(yamlContent), 0644))

	cfg, err := Load(cfgPath)
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.Sync.PollInterval)
	assert.Equal(t, 250*time.Millisecond, cfg.Sync.CoalesceInterval)
	assert.Equal(t, 10, cfg.GC.BatchSize)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Non-overridden values remain defaults
	assert.Equal(t, "tabnotes.db", cfg.Storage.SQLiteFile)
	assert.True(t, cfg.Attachments.Compress)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("gc:\n  batch_size: 10\n"), 0644))

	t.Setenv("TABNOTES_GC_BATCH_SIZE", "7")
	t.Setenv("TABNOTES_SYNC_POLL_INTERVAL", "1m")

	cfg, err := Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.GC.BatchSize)
	assert.Equal(t, time.Minute, cfg.Sync.PollInterval)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"zero batch", "gc:\n  batch_size: 0\n", "gc.batch_size"},
		{"zero poll", "sync:\n  poll_interval: 0s\n", "sync.poll_interval"},
		{"bad level", "attachments:\n  compression_level: ultra\n", "compression_level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfgPath := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(cfgPath, []byte(tt.yaml), 0644))

			_, err := Load(cfgPath)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadInvalidYAMLReturnsError(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(":::not valid yaml{{{"), 0644))

	_, err := Load(cfgPath)
	assert.Error(t, err)
}

func TestLoadNonExistentFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing", "config.yaml"))
	assert.Error(t, err)
}

func TestLoadOrCreateCreatesDefaultsWhenMissing(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "sub", "deep", "config.yaml")

	cfg, err := LoadOrCreateAt(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.GC.BatchSize)

	_, statErr := os.Stat(cfgPath)
	assert.NoError(t, statErr)

	// The written file must round-trip, durations included.
	cfg2, err := Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, cfg.Sync.PollInterval, cfg2.Sync.PollInterval)
	assert.Equal(t, cfg.GC.BatchSize, cfg2.GC.BatchSize)
}

func TestDatabaseAndBroadcastPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Path = "/var/lib/tabnotes"

	dbPath, err := cfg.DatabasePath()
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/tabnotes/tabnotes.db", dbPath)

	bPath, err := cfg.BroadcastPath()
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/tabnotes/broadcast", bPath)

	cfg.Sync.BroadcastDir = "/tmp/bus"
	bPath, err = cfg.BroadcastPath()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/bus", bPath)
}
