package storage

import "time"

// Well-known record keys.
const (
	KeySessionCache     = "sessionCache"
	KeyPageAssociations = "pageAssociations"
)

// BlobRow is the persisted form of one attachment blob.
type BlobRow struct {
	ID          int64
	Kind        string
	Payload     []byte
	Thumbnail   []byte
	MimeType    string
	Size        int64 // uncompressed payload size
	StoredSize  int64 // bytes on disk for payload + thumbnail
	Compression string
	SourceURL   string
	CaptureType string
	CreatedAt   time.Time
}

// Document is the authoritative persisted note.
type Document struct {
	ID          string               `json:"id"`
	Title       string               `json:"title"`
	Content     string               `json:"content"`
	Version     int64                `json:"version"`
	Attachments []DocumentAttachment `json:"attachments"`
	CreatedAt   time.Time            `json:"createdAt"`
	UpdatedAt   time.Time            `json:"updatedAt"`
}

// DocumentAttachment is a full attachment carried by a document, so a
// session can re-materialize blobs the local cache no longer holds.
type DocumentAttachment struct {
	ID          int64     `json:"id"`
	Kind        string    `json:"kind"`
	Payload     []byte    `json:"payload,omitempty"`
	Thumbnail   []byte    `json:"thumbnail,omitempty"`
	SourceURL   string    `json:"sourceUrl,omitempty"`
	CaptureType string    `json:"captureType,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Stats holds aggregate statistics about the database.
type Stats struct {
	SchemaVersion  int
	Records        int64
	Attachments    int64
	AttachmentSize int64
	StoredSize     int64
	Documents      int64
	OldestBlob     time.Time
	NewestBlob     time.Time
	KindCounts     []KindCount
}

// KindCount pairs an attachment kind with its blob count.
type KindCount struct {
	Kind  string
	Count int64
}
