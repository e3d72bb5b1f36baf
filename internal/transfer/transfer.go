// Package transfer implements the transfer lifecycle: committing a multi-file
// upload across the blob and metadata stores, resolving links, and streaming
// downloads back out.
package transfer

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("transferbox-transfer")

// DownloadCounter is the slice of the metadata store the streamer needs.
type DownloadCounter interface {
	IncrementDownloadCount(ctx context.Context, id string) error
}

// ValidID reports whether id is a canonical 36-character UUID.
func ValidID(id string) bool {
	if len(id) != 36 {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

func newTransferID() string {
	return uuid.NewString()
}
