package attachment

import (
	"errors"
	"fmt"
	"time"
)

// Kind is the attachment category.
type Kind string

const (
	KindURL        Kind = "url"
	KindScreenshot Kind = "screenshot"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindURL || k == KindScreenshot
}

// SyncStatus tracks whether an attachment has reached the document store.
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSynced  SyncStatus = "synced"
)

// Reference is the payload-free pointer a session keeps. Serializing a
// session never drags blob data along.
type Reference struct {
	ID          int64      `json:"id"`
	Kind        Kind       `json:"kind"`
	SourceURL   string     `json:"sourceUrl,omitempty"`
	CaptureType string     `json:"captureType,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	SyncStatus  SyncStatus `json:"syncStatus"`
}

// Capture is what the capture side hands over for storage.
type Capture struct {
	Kind        Kind
	Payload     []byte
	Thumbnail   []byte
	SourceURL   string
	CaptureType string
	CreatedAt   time.Time
}

// Blob is a fully materialized attachment.
type Blob struct {
	ID          int64
	Kind        Kind
	Payload     []byte
	Thumbnail   []byte
	MimeType    string
	Size        int64
	StoredSize  int64
	Compression string
	SourceURL   string
	CaptureType string
	CreatedAt   time.Time
}

// Reference strips the payload.
func (b *Blob) Reference() Reference {
	return Reference{
		ID:          b.ID,
		Kind:        b.Kind,
		SourceURL:   b.SourceURL,
		CaptureType: b.CaptureType,
		CreatedAt:   b.CreatedAt,
		SyncStatus:  SyncPending,
	}
}

// ErrPartialLoad marks a LoadMany that found only some of the requested blobs.
var ErrPartialLoad = errors.New("attachment list incompletely materialized")

// PartialLoadError lists the ids LoadMany could not find.
type PartialLoadError struct {
	Requested int
	Missing   []int64
}

func (e *PartialLoadError) Error() string {
	return fmt.Sprintf("%v: %d of %d missing %v", ErrPartialLoad, len(e.Missing), e.Requested, e.Missing)
}

func (e *PartialLoadError) Is(target error) bool {
	return target == ErrPartialLoad
}
