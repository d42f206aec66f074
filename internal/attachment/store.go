package attachment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/runnerr0/tabnotes/internal/instance"
	"github.com/runnerr0/tabnotes/internal/storage"
)

const (
	compressionNone = "none"
	compressionZstd = "zstd"
)

// Options tunes the blob store.
type Options struct {
	Compress         bool
	CompressionLevel string // fastest | default | better | best
	MaxPayloadBytes  int
	LoadWorkers      int
}

// DefaultOptions mirrors the config defaults.
func DefaultOptions() Options {
	return Options{Compress: true, CompressionLevel: "default", MaxPayloadBytes: 25 << 20, LoadWorkers: 4}
}

// Store saves, loads and removes attachment blobs. Each id is independent,
// so concurrent calls on different ids never conflict.
type Store struct {
	blobs  storage.BlobStore
	opts   Options
	logger *zap.Logger
	enc    *zstd.Encoder
	dec    *zstd.Decoder
}

// NewStore builds a Store over the persistence layer.
func NewStore(inst *instance.Context, blobs storage.BlobStore, opts Options) (*Store, error) {
	if opts.CompressionLevel == "" {
		opts.CompressionLevel = "default"
	}
	ok, level := zstd.EncoderLevelFromString(opts.CompressionLevel)
	if !ok {
		return nil, fmt.Errorf("unknown compression level %q", opts.CompressionLevel)
	}
	if opts.LoadWorkers <= 0 {
		opts.LoadWorkers = 1
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
	if err != nil {
		return nil, fmt.Errorf("create encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create decoder: %w", err)
	}

	return &Store{
		blobs:  blobs,
		opts:   opts,
		logger: inst.Named("attachments"),
		enc:    enc,
		dec:    dec,
	}, nil
}

// Close releases the codec resources.
func (s *Store) Close() {
	s.enc.Close()
	s.dec.Close()
}

// Save persists a captured attachment and returns its reference.
func (s *Store) Save(ctx context.Context, c Capture) (Reference, error) {
	if !c.Kind.Valid() {
		return Reference{}, fmt.Errorf("unknown attachment kind %q", c.Kind)
	}
	if s.opts.MaxPayloadBytes > 0 && len(c.Payload) > s.opts.MaxPayloadBytes {
		return Reference{}, fmt.Errorf("attachment payload is %d bytes, limit is %d", len(c.Payload), s.opts.MaxPayloadBytes)
	}

	row := &storage.BlobRow{
		Kind:        string(c.Kind),
		Payload:     c.Payload,
		Thumbnail:   c.Thumbnail,
		MimeType:    detectMime(c),
		Size:        int64(len(c.Payload)),
		Compression: compressionNone,
		SourceURL:   c.SourceURL,
		CaptureType: c.CaptureType,
		CreatedAt:   c.CreatedAt,
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}

	if s.opts.Compress && len(c.Payload)+len(c.Thumbnail) > 0 {
		payload := s.enc.EncodeAll(c.Payload, nil)
		thumb := s.enc.EncodeAll(c.Thumbnail, nil)
		if len(payload)+len(thumb) < len(c.Payload)+len(c.Thumbnail) {
			row.Payload, row.Thumbnail, row.Compression = payload, thumb, compressionZstd
		}
	}
	row.StoredSize = int64(len(row.Payload) + len(row.Thumbnail))

	if _, err := s.blobs.InsertBlob(ctx, row); err != nil {
		return Reference{}, err
	}

	s.logger.Debug("attachment saved",
		zap.Int64("id", row.ID),
		zap.String("kind", row.Kind),
		zap.String("mime", row.MimeType),
		zap.Int64("size", row.Size),
		zap.Int64("stored", row.StoredSize),
	)

	return Reference{
		ID:          row.ID,
		Kind:        c.Kind,
		SourceURL:   c.SourceURL,
		CaptureType: c.CaptureType,
		CreatedAt:   row.CreatedAt,
		SyncStatus:  SyncPending,
	}, nil
}

func detectMime(c Capture) string {
	if len(c.Payload) == 0 {
		if c.Kind == KindURL {
			return "text/uri-list"
		}
		return ""
	}
	return mimetype.Detect(c.Payload).String()
}

// Load returns the blob for id, or nil when it is not stored.
func (s *Store) Load(ctx context.Context, id int64) (*Blob, error) {
	row, err := s.blobs.GetBlob(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return s.decode(row)
}

func (s *Store) decode(row *storage.BlobRow) (*Blob, error) {
	b := &Blob{
		ID:          row.ID,
		Kind:        Kind(row.Kind),
		Payload:     row.Payload,
		Thumbnail:   row.Thumbnail,
		MimeType:    row.MimeType,
		Size:        row.Size,
		StoredSize:  row.StoredSize,
		Compression: row.Compression,
		SourceURL:   row.SourceURL,
		CaptureType: row.CaptureType,
		CreatedAt:   row.CreatedAt,
	}

	if row.Compression == compressionZstd {
		var err error
		if b.Payload, err = s.inflate(row.Payload); err != nil {
			return nil, fmt.Errorf("decompress attachment_%d payload: %w", row.ID, err)
		}
		if b.Thumbnail, err = s.inflate(row.Thumbnail); err != nil {
			return nil, fmt.Errorf("decompress attachment_%d thumbnail: %w", row.ID, err)
		}
	}
	return b, nil
}

func (s *Store) inflate(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	return s.dec.DecodeAll(data, nil)
}

// LoadMany loads every id independently. Blobs are returned in request
// order with missing ids skipped; if any were missing the error is a
// *PartialLoadError and the returned blobs are still usable. Other
// failures abort the whole call.
func (s *Store) LoadMany(ctx context.Context, ids []int64) ([]*Blob, error) {
	results := make([]*Blob, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.LoadWorkers)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			b, err := s.Load(gctx, id)
			if err != nil {
				return err
			}
			results[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	found := make([]*Blob, 0, len(ids))
	var missing []int64
	for i, b := range results {
		if b == nil {
			missing = append(missing, ids[i])
			continue
		}
		found = append(found, b)
	}

	if len(missing) > 0 {
		s.logger.Warn("partial attachment load",
			zap.Int("requested", len(ids)),
			zap.Int64s("missing", missing),
		)
		return found, &PartialLoadError{Requested: len(ids), Missing: missing}
	}
	return found, nil
}

// Remove deletes one blob. Removing a missing blob is not an error.
func (s *Store) Remove(ctx context.Context, id int64) error {
	_, err := s.blobs.DeleteBlobs(ctx, []int64{id})
	return err
}
