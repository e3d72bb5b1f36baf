package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/maneesh/transferbox/internal/models"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// MetadataCache is a read-through cache in front of the MetadataStore.
// A miss is (nil, nil).
type MetadataCache interface {
	GetTransfer(ctx context.Context, id string) (*models.Transfer, error)
	SetTransfer(ctx context.Context, t *models.Transfer, ttl time.Duration) error
	InvalidateTransfer(ctx context.Context, id string) error
}

// RedisClient caches transfer records in Redis
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient initializes a new Redis client
func NewRedisClient(ctx context.Context, addr, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &RedisClient{client: client}, nil
}

// Close closes the Redis connection
func (rc *RedisClient) Close() error {
	return rc.client.Close()
}

func transferKey(id string) string {
	return "transfer:" + id
}

// GetTransfer retrieves a cached transfer
func (rc *RedisClient) GetTransfer(ctx context.Context, id string) (*models.Transfer, error) {
	ctx, span := tracer.Start(ctx, "redis.get_transfer",
		trace.WithAttributes(attribute.String("transfer_id", id)),
	)
	defer span.End()

	data, err := rc.client.Get(ctx, transferKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		span.SetAttributes(attribute.String("cache_status", "miss"))
		return nil, nil
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get from cache: %w", err)
	}

	var t models.Transfer
	if err := json.Unmarshal(data, &t); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to unmarshal cached transfer: %w", err)
	}

	span.SetAttributes(attribute.String("cache_status", "hit"))
	return &t, nil
}

// SetTransfer stores t for ttl; a non-positive ttl is a no-op
func (rc *RedisClient) SetTransfer(ctx context.Context, t *models.Transfer, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	ctx, span := tracer.Start(ctx, "redis.set_transfer",
		trace.WithAttributes(
			attribute.String("transfer_id", t.TransferID),
			attribute.Int64("ttl_seconds", int64(ttl.Seconds())),
		),
	)
	defer span.End()

	data, err := json.Marshal(t)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to marshal transfer: %w", err)
	}

	if err := rc.client.Set(ctx, transferKey(t.TransferID), data, ttl).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to set cache: %w", err)
	}
	return nil
}

// InvalidateTransfer removes a cached transfer
func (rc *RedisClient) InvalidateTransfer(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "redis.invalidate_transfer",
		trace.WithAttributes(attribute.String("transfer_id", id)),
	)
	defer span.End()

	if err := rc.client.Del(ctx, transferKey(id)).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to invalidate cache: %w", err)
	}
	return nil
}
