package transfer

import (
	"context"
	"errors"
	"time"

	"github.com/maneesh/transferbox/internal/logging"
	"github.com/maneesh/transferbox/internal/models"
	"github.com/maneesh/transferbox/internal/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const defaultCacheTTL = 5 * time.Minute

// Resolver turns a transfer id into a live Transfer.
type Resolver struct {
	meta     storage.MetadataStore
	cache    storage.MetadataCache
	cacheTTL time.Duration
	log      logging.Logger
	now      func() time.Time
}

// NewResolver builds a Resolver. cache may be nil.
func NewResolver(meta storage.MetadataStore, cache storage.MetadataCache, cacheTTL time.Duration, log logging.Logger, now func() time.Time) *Resolver {
	if cacheTTL <= 0 {
		cacheTTL = defaultCacheTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Resolver{meta: meta, cache: cache, cacheTTL: cacheTTL, log: log, now: now}
}

// Resolve validates id, loads the transfer and enforces expiry.
func (r *Resolver) Resolve(ctx context.Context, id string) (*models.Transfer, error) {
	if !ValidID(id) {
		return nil, newError(ErrInvalidID, "resolve", nil)
	}

	ctx, span := tracer.Start(ctx, "resolve_transfer",
		trace.WithAttributes(attribute.String("transfer_id", id)),
	)
	defer span.End()

	t, err := r.lookup(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, newError(ErrNotFound, "resolve", nil)
	}
	if err != nil {
		span.RecordError(err)
		return nil, newError(ErrMetadataStore, "resolve", err)
	}

	if t.ExpiredAt(r.now()) {
		span.SetAttributes(attribute.Bool("expired", true))
		return nil, newError(ErrExpired, "resolve", nil)
	}
	return t, nil
}

// Info resolves id and returns its public projection.
func (r *Resolver) Info(ctx context.Context, id string) (models.TransferInfo, error) {
	t, err := r.Resolve(ctx, id)
	if err != nil {
		return models.TransferInfo{}, err
	}
	return t.Info(), nil
}

func (r *Resolver) lookup(ctx context.Context, id string) (*models.Transfer, error) {
	if r.cache != nil {
		t, err := r.cache.GetTransfer(ctx, id)
		if err != nil {
			r.log.Warn(ctx, "cache lookup failed", "transfer_id", id, "error", err)
		} else if t != nil {
			return t, nil
		}
	}

	t, err := r.meta.FindByTransferID(ctx, id)
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		ttl := min(r.cacheTTL, t.ExpiresAt.Sub(r.now()))
		if err := r.cache.SetTransfer(ctx, t, ttl); err != nil {
			r.log.Warn(ctx, "failed to update cache", "transfer_id", id, "error", err)
		}
	}
	return t, nil
}
