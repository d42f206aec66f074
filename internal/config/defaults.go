package config

import "time"

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Path:              "~/.config/tabnotes",
			SQLiteFile:        "tabnotes.db",
			SQLiteJournalMode: "wal",
		},
		Sync: SyncConfig{
			PollInterval:     5 * time.Second,
			CoalesceInterval: 500 * time.Millisecond,
			BroadcastDir:     "broadcast",
			MessageTTL:       time.Minute,
		},
		GC: GCConfig{
			BatchSize:   50,
			OnClose:     true,
			OnVisible:   true,
			OnReplace:   true,
			LoadWorkers: 4,
		},
		Attachments: AttachmentsConfig{
			Compress:         true,
			CompressionLevel: "default",
			MaxPayloadBytes:  25 << 20,
		},
		Association: AssociationConfig{
			DenylistDomains: []string{},
			UseDefaultDeny:  true,
		},
		Logging: LoggingConfig{
			Level:       "info",
			File:        "",
			Development: false,
		},
	}
}
