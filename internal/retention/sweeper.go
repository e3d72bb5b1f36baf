// Package retention removes transfers whose expiry has passed.
package retention

import (
	"context"
	"time"

	"github.com/maneesh/transferbox/internal/logging"
	"github.com/maneesh/transferbox/internal/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("transferbox-retention")

const defaultBatchSize = 100

// Sweeper deletes expired transfers: the record first, then its cache entry,
// then its blobs.
type Sweeper struct {
	meta      storage.MetadataStore
	blobs     storage.BlobStore
	cache     storage.MetadataCache
	log       logging.Logger
	batchSize int
	now       func() time.Time
}

// NewSweeper builds a Sweeper. cache may be nil.
func NewSweeper(meta storage.MetadataStore, blobs storage.BlobStore, cache storage.MetadataCache, log logging.Logger) *Sweeper {
	return &Sweeper{
		meta:      meta,
		blobs:     blobs,
		cache:     cache,
		log:       log,
		batchSize: defaultBatchSize,
		now:       time.Now,
	}
}

// Result summarises one sweep.
type Result struct {
	Transfers    int
	Blobs        int
	BlobFailures int
}

// Sweep removes every transfer that expired before now, one batch at a time.
// A transfer whose record cannot be deleted is left alone, blobs included.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	ctx, span := tracer.Start(ctx, "retention_sweep")
	defer span.End()

	var res Result
	cutoff := s.now()
	for {
		expired, err := s.meta.ListExpired(ctx, cutoff, s.batchSize)
		if err != nil {
			span.RecordError(err)
			return res, err
		}
		removed := 0
		for _, t := range expired {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			if err := s.meta.DeleteTransfer(ctx, t.TransferID); err != nil {
				s.log.Warn(ctx, "failed to delete expired transfer", "transfer_id", t.TransferID, "error", err)
				continue
			}
			removed++
			res.Transfers++

			if s.cache != nil {
				if err := s.cache.InvalidateTransfer(ctx, t.TransferID); err != nil {
					s.log.Warn(ctx, "failed to invalidate cache", "transfer_id", t.TransferID, "error", err)
				}
			}

			keys := t.StorageKeys()
			if err := s.blobs.DeleteMany(ctx, keys); err != nil {
				res.BlobFailures++
				s.log.Error(ctx, "expired transfer blobs not deleted; they may be orphaned",
					"transfer_id", t.TransferID, "keys", keys, "error", err)
				continue
			}
			res.Blobs += len(keys)
		}
		// a short batch is the last one; a batch with nothing removable would
		// otherwise be listed again forever
		if len(expired) < s.batchSize || removed == 0 {
			break
		}
	}

	span.SetAttributes(
		attribute.Int("transfers_deleted", res.Transfers),
		attribute.Int("blobs_deleted", res.Blobs),
	)
	if res.Transfers > 0 {
		s.log.Info(ctx, "retention sweep completed",
			"transfers", res.Transfers, "blobs", res.Blobs, "blob_failures", res.BlobFailures)
	}
	return res, nil
}

// Run sweeps every interval until ctx is done. A non-positive interval
// disables the loop.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		s.log.Info(ctx, "retention sweeper disabled")
		return
	}
	s.log.Info(ctx, "retention sweeper started", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn(ctx, "retention sweep failed", "error", err)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			s.log.Info(context.WithoutCancel(ctx), "retention sweeper stopped")
			return
		}
	}
}
