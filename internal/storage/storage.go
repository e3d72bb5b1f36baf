package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/maneesh/transferbox/internal/models"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("transferbox-storage")

// ErrNotFound is returned when a blob or a transfer record does not exist
var ErrNotFound = errors.New("not found")

// BlobStore stores opaque file payloads under generated keys.
type BlobStore interface {
	// Put streams r into a new object and returns its key. size is a hint,
	// -1 when unknown.
	Put(ctx context.Context, r io.Reader, size int64, contentType, originalName string) (string, error)
	// Get opens a read stream for key. Missing objects yield ErrNotFound,
	// either here or on the first Read.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	// DeleteMany removes all keys it can; failures are joined into the
	// returned error after every key has been attempted.
	DeleteMany(ctx context.Context, keys []string) error
}

// MetadataStore persists Transfer records.
type MetadataStore interface {
	// CreateTransfer inserts t and all its files in one transaction.
	CreateTransfer(ctx context.Context, t *models.Transfer) error
	FindByTransferID(ctx context.Context, id string) (*models.Transfer, error)
	// IncrementDownloadCount bumps the counter in place at the store.
	IncrementDownloadCount(ctx context.Context, id string) error
	// ListExpired returns up to limit transfers with expires_at before t.
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*models.Transfer, error)
	DeleteTransfer(ctx context.Context, id string) error
}

// NewObjectKey generates a fresh blob key, keeping the original extension.
func NewObjectKey(originalName string) string {
	ext := strings.ToLower(path.Ext(originalName))
	if len(ext) > 16 || strings.ContainsAny(ext, "/\\ ") {
		ext = ""
	}
	return fmt.Sprintf("uploads/%s%s", uuid.New().String(), ext)
}
