package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/maneesh/transferbox/internal/logging"
	"github.com/maneesh/transferbox/internal/meter"
	"github.com/maneesh/transferbox/internal/models"
	"github.com/maneesh/transferbox/internal/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	defaultRetention      = 7 * 24 * time.Hour
	defaultConcurrency    = 4
	defaultCleanupTimeout = 30 * time.Second
)

// Upload is one incoming file. DeclaredSize is the client's claim, -1 if
// unknown; the stored size is whatever Body actually yields.
type Upload struct {
	Name         string
	MimeType     string
	Body         io.Reader
	DeclaredSize int64
}

// UploaderOptions tunes the Uploader. Zero values pick defaults.
type UploaderOptions struct {
	Retention      time.Duration
	Concurrency    int
	CleanupTimeout time.Duration
	Now            func() time.Time
}

// Uploader commits a set of files as one transfer.
type Uploader struct {
	blobs storage.BlobStore
	meta  storage.MetadataStore
	log   logging.Logger

	retention      time.Duration
	concurrency    int
	cleanupTimeout time.Duration
	now            func() time.Time
	newID          func() string

	cleanups sync.WaitGroup
}

func NewUploader(blobs storage.BlobStore, meta storage.MetadataStore, log logging.Logger, opts UploaderOptions) *Uploader {
	u := &Uploader{
		blobs:          blobs,
		meta:           meta,
		log:            log,
		retention:      opts.Retention,
		concurrency:    opts.Concurrency,
		cleanupTimeout: opts.CleanupTimeout,
		now:            opts.Now,
		newID:          newTransferID,
	}
	if u.retention <= 0 {
		u.retention = defaultRetention
	}
	if u.concurrency <= 0 {
		u.concurrency = defaultConcurrency
	}
	if u.cleanupTimeout <= 0 {
		u.cleanupTimeout = defaultCleanupTimeout
	}
	if u.now == nil {
		u.now = time.Now
	}
	return u
}

// compensation records every blob created so far. On failure the whole list
// is deleted.
type compensation struct {
	mu   sync.Mutex
	keys []string
}

func (c *compensation) add(key string) {
	c.mu.Lock()
	c.keys = append(c.keys, key)
	c.mu.Unlock()
}

func (c *compensation) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.keys...)
}

// Commit stores every upload and then the transfer record. On success the
// record and all its blobs exist; on error no record exists and the created
// blobs have been scheduled for deletion.
func (u *Uploader) Commit(ctx context.Context, uploads []Upload) (*models.Transfer, error) {
	ctx, span := tracer.Start(ctx, "commit_transfer",
		trace.WithAttributes(attribute.Int("file_count", len(uploads))),
	)
	defer span.End()

	if len(uploads) == 0 {
		return nil, newError(ErrInvalidInput, "commit", errors.New("no files"))
	}

	var saga compensation
	entries := make([]models.FileEntry, len(uploads))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.concurrency)
	for i, up := range uploads {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return newError(ErrBlobStore, "put", err)
			}
			entry, err := u.put(gctx, up, &saga)
			if err != nil {
				return fmt.Errorf("file %d (%s): %w", i, up.Name, err)
			}
			entries[i] = entry
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upload failed")
		keys := saga.snapshot()
		u.compensate(ctx, keys)
		if len(keys) > 0 {
			return nil, newError(ErrPartialUpload, "commit",
				fmt.Errorf("%d of %d files stored before failure: %w", len(keys), len(uploads), err))
		}
		return nil, err
	}

	now := u.now().UTC()
	t := &models.Transfer{
		TransferID: u.newID(),
		CreatedAt:  now,
		ExpiresAt:  now.Add(u.retention),
	}
	t.SetFiles(entries)
	span.SetAttributes(
		attribute.String("transfer_id", t.TransferID),
		attribute.Int64("total_size", t.TotalSize),
	)

	if err := u.meta.CreateTransfer(ctx, t); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "metadata commit failed")
		u.compensate(ctx, saga.snapshot())
		return nil, newError(ErrMetadataStore, "commit", err)
	}

	u.log.Info(ctx, "transfer committed",
		"transfer_id", t.TransferID,
		"files", len(t.Files),
		"total_size", t.TotalSize,
		"expires_at", t.ExpiresAt,
	)
	return t, nil
}

func (u *Uploader) put(ctx context.Context, up Upload, saga *compensation) (models.FileEntry, error) {
	body := meter.NewReader(up.Body)
	hint := up.DeclaredSize
	if hint < 0 {
		hint = -1
	}

	key, err := u.blobs.Put(ctx, body, hint, up.MimeType, up.Name)
	if err != nil {
		return models.FileEntry{}, newError(ErrBlobStore, "put", err)
	}
	saga.add(key)

	size := body.Size()
	// A sized put stops at the hint; anything left means the hint was short.
	var probe [1]byte
	if n, _ := body.Read(probe[:]); n > 0 {
		return models.FileEntry{}, newError(ErrBlobStore, "put",
			fmt.Errorf("object %s holds %d bytes but body is longer", key, size))
	}
	if up.DeclaredSize >= 0 && up.DeclaredSize != size {
		u.log.Warn(ctx, "declared size differs from stored size",
			"name", up.Name, "declared", up.DeclaredSize, "stored", size)
	}

	return models.FileEntry{
		OriginalName: up.Name,
		StorageKey:   key,
		Size:         size,
		MimeType:     up.MimeType,
		Checksum:     body.Checksum(),
	}, nil
}

// compensate deletes keys in the background on a context detached from the
// request; failures are only logged.
func (u *Uploader) compensate(ctx context.Context, keys []string) {
	if len(keys) == 0 {
		return
	}
	u.cleanups.Add(1)
	go func() {
		defer u.cleanups.Done()
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), u.cleanupTimeout)
		defer cancel()

		u.log.Warn(cctx, "rolling back stored blobs", "count", len(keys))
		if err := u.blobs.DeleteMany(cctx, keys); err != nil {
			u.log.Error(cctx, "compensating delete failed; blobs may be orphaned",
				"keys", keys, "error", err)
		}
	}()
}

// Wait blocks until background compensating deletes have finished.
func (u *Uploader) Wait() {
	u.cleanups.Wait()
}
