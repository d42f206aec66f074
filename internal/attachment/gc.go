package attachment

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/runnerr0/tabnotes/internal/instance"
	"github.com/runnerr0/tabnotes/internal/storage"
)

// ReferenceSource yields the ids still referenced by any session. It must
// read the persisted state, not an in-memory snapshot.
type ReferenceSource interface {
	ReferencedAttachments(ctx context.Context) (map[int64]struct{}, error)
}

// Report summarizes one collection.
type Report struct {
	Stored     int
	Referenced int
	Deleted    int64
	Batches    int
}

// Collector deletes blobs no session references.
type Collector struct {
	source    ReferenceSource
	blobs     storage.BlobStore
	batchSize int
	logger    *zap.Logger
	flight    singleflight.Group
}

// NewCollector creates a collector deleting in batches of batchSize.
func NewCollector(inst *instance.Context, source ReferenceSource, blobs storage.BlobStore, batchSize int) *Collector {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Collector{
		source:    source,
		blobs:     blobs,
		batchSize: batchSize,
		logger:    inst.Named("gc"),
	}
}

// Run performs one collection. Overlapping calls share a single run.
func (c *Collector) Run(ctx context.Context) (Report, error) {
	v, err, _ := c.flight.Do("gc", func() (interface{}, error) {
		return c.collect(ctx)
	})
	if err != nil {
		return Report{}, err
	}
	return v.(Report), nil
}

func (c *Collector) collect(ctx context.Context) (Report, error) {
	// Stored ids are listed before the keep set is read: a blob saved after
	// the listing is never a deletion candidate.
	stored, err := c.blobs.ListBlobIDs(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list stored attachments: %w", err)
	}

	keep, err := c.source.ReferencedAttachments(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("read referenced attachments: %w", err)
	}

	report := Report{Stored: len(stored), Referenced: len(keep)}

	var orphans []int64
	for _, id := range stored {
		if _, ok := keep[id]; !ok {
			orphans = append(orphans, id)
		}
	}

	for start := 0; start < len(orphans); start += c.batchSize {
		end := min(start+c.batchSize, len(orphans))
		n, err := c.blobs.DeleteBlobs(ctx, orphans[start:end])
		if err != nil {
			return report, fmt.Errorf("delete attachment batch: %w", err)
		}
		report.Deleted += n
		report.Batches++
	}

	if report.Deleted > 0 {
		c.logger.Info("attachments collected",
			zap.Int("stored", report.Stored),
			zap.Int("referenced", report.Referenced),
			zap.Int64("deleted", report.Deleted),
			zap.Int("batches", report.Batches),
		)
	}
	return report, nil
}
