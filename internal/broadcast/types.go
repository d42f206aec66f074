package broadcast

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Type names a notification.
type Type string

const (
	// RequestSync asks every instance to reconcile with the persisted state.
	RequestSync Type = "REQUEST_SYNC"
	// CacheUpdated announces a new session cache LastUpdated value.
	CacheUpdated Type = "CACHE_UPDATED"
	// StorageChanged mirrors a storage-level change event: it follows every
	// write to the session cache and may carry detected conflicts.
	StorageChanged Type = "STORAGE_CHANGED"
)

// ConflictRecord pairs a session holding local edits with the session that
// materializes the concurrently saved document state.
type ConflictRecord struct {
	OriginalSessionID    string `json:"originalSessionId"`
	ConflictingSessionID string `json:"conflictingSessionId"`
	Timestamp            int64  `json:"timestamp"`
	SourceInstanceID     string `json:"sourceInstanceId"`
	Resolved             bool   `json:"resolved"`
}

// Message is one notification.
type Message struct {
	ID         string           `json:"id"`
	Type       Type             `json:"type"`
	InstanceID string           `json:"instanceId"`
	Timestamp  int64            `json:"timestamp"`
	Conflicts  []ConflictRecord `json:"conflicts,omitempty"`
	SentAt     time.Time        `json:"sentAt"`
}

// NewMessage stamps a message with a fresh id and send time.
func NewMessage(t Type, instanceID string, timestamp int64) Message {
	return Message{
		ID:         uuid.NewString(),
		Type:       t,
		InstanceID: instanceID,
		Timestamp:  timestamp,
		SentAt:     time.Now(),
	}
}

// Handler receives delivered messages.
type Handler func(Message)

// Channel is a broadcast medium shared by all instances.
type Channel interface {
	Publish(ctx context.Context, msg Message) error
	// Subscribe registers h for every future message. The returned
	// function unsubscribes.
	Subscribe(h Handler) (cancel func())
}

// Nop discards everything. Components accept it when no channel is wired.
type Nop struct{}

func (Nop) Publish(context.Context, Message) error { return nil }
func (Nop) Subscribe(Handler) func()                { return func() {} }
