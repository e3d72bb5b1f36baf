package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/maneesh/transferbox/internal/logging"
	"github.com/maneesh/transferbox/internal/models"
	"github.com/maneesh/transferbox/internal/transfer"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("transferbox-handlers")

const (
	// multipart parts above this are spooled to temporary files
	multipartMemory   = 32 << 20
	// allowance for part headers and boundaries on top of the payload limit
	multipartOverhead = 1 << 20

	formField = "files"
)

// Committer stores a set of uploads as a single transfer
type Committer interface {
	Commit(ctx context.Context, uploads []transfer.Upload) (*models.Transfer, error)
}

// UploadLimits bound one upload request
type UploadLimits struct {
	MaxFiles     int
	MaxFileSize  int64
	MaxTotalSize int64
}

// UploadHandler handles multi-file upload requests
type UploadHandler struct {
	committer Committer
	log       logging.Logger
	limits    UploadLimits
	baseURL   string
}

// NewUploadHandler creates a new upload handler. Download links are built
// as baseURL + "/download/" + id.
func NewUploadHandler(committer Committer, log logging.Logger, limits UploadLimits, baseURL string) *UploadHandler {
	return &UploadHandler{
		committer: committer,
		log:       log,
		limits:    limits,
		baseURL:   baseURL,
	}
}

// UploadResponse represents the response for a successful upload
type UploadResponse struct {
	Success      bool      `json:"success"`
	Message      string    `json:"message"`
	TransferID   string    `json:"transferId"`
	DownloadLink string    `json:"downloadLink"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// ServeHTTP handles POST /api/upload with multipart field "files"
func (uh *UploadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "upload_transfer",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	files, cleanup, err := uh.parseForm(w, r)
	defer cleanup()
	if err != nil {
		span.RecordError(err)
		respondError(ctx, w, uh.log, err)
		return
	}

	uploads, closeAll, err := openUploads(files)
	defer closeAll()
	if err != nil {
		span.RecordError(err)
		respondError(ctx, w, uh.log, err)
		return
	}
	span.SetAttributes(attribute.Int("file_count", len(uploads)))

	t, err := uh.committer.Commit(ctx, uploads)
	if err != nil {
		span.RecordError(err)
		respondError(ctx, w, uh.log, err)
		return
	}
	span.SetAttributes(attribute.String("transfer_id", t.TransferID))

	writeJSON(w, http.StatusCreated, UploadResponse{
		Success:      true,
		Message:      "Files transferred successfully.",
		TransferID:   t.TransferID,
		DownloadLink: uh.baseURL + "/download/" + t.TransferID,
		ExpiresAt:    t.ExpiresAt.UTC(),
	})
}

// parseForm reads the multipart body within the configured limits and
// returns the submitted file headers. cleanup removes spooled temp files and
// is always safe to call.
func (uh *UploadHandler) parseForm(w http.ResponseWriter, r *http.Request) ([]*multipart.FileHeader, func(), error) {
	noop := func() {}
	if uh.limits.MaxTotalSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, uh.limits.MaxTotalSize+multipartOverhead)
	}

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr), errors.Is(err, multipart.ErrMessageTooLarge):
			return nil, noop, clientError(transfer.ErrTooLarge,
				fmt.Sprintf("The total upload size exceeds the limit of %s.", formatMB(uh.limits.MaxTotalSize)))
		case errors.Is(err, http.ErrNotMultipart):
			return nil, noop, clientError(transfer.ErrInvalidInput, "Expected a multipart/form-data request.")
		}
		return nil, noop, clientError(transfer.ErrInvalidInput, "Malformed multipart request body.")
	}
	form := r.MultipartForm
	cleanup := func() { _ = form.RemoveAll() }

	files := form.File[formField]
	if len(files) == 0 {
		return nil, cleanup, clientError(transfer.ErrInvalidInput, "No files selected.")
	}
	if uh.limits.MaxFiles > 0 && len(files) > uh.limits.MaxFiles {
		return nil, cleanup, clientError(transfer.ErrInvalidInput,
			fmt.Sprintf("Too many files: at most %d per transfer.", uh.limits.MaxFiles))
	}

	var total int64
	for _, fh := range files {
		if uh.limits.MaxFileSize > 0 && fh.Size > uh.limits.MaxFileSize {
			return nil, cleanup, clientError(transfer.ErrTooLarge,
				fmt.Sprintf("The file %q exceeds the maximum size of %s.", fh.Filename, formatMB(uh.limits.MaxFileSize)))
		}
		total += fh.Size
	}
	if uh.limits.MaxTotalSize > 0 && total > uh.limits.MaxTotalSize {
		return nil, cleanup, clientError(transfer.ErrTooLarge,
			fmt.Sprintf("The total upload size (%s) exceeds the limit of %s.", formatMB(total), formatMB(uh.limits.MaxTotalSize)))
	}
	return files, cleanup, nil
}

// openUploads opens every part. The returned closer closes whatever was
// opened, even on error.
func openUploads(files []*multipart.FileHeader) ([]transfer.Upload, func(), error) {
	var opened []io.Closer
	closeAll := func() {
		for _, c := range opened {
			_ = c.Close()
		}
	}

	uploads := make([]transfer.Upload, 0, len(files))
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			return nil, closeAll, fmt.Errorf("failed to open part %q: %w", fh.Filename, err)
		}
		opened = append(opened, f)

		mimeType := fh.Header.Get("Content-Type")
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		uploads = append(uploads, transfer.Upload{
			Name:         fh.Filename,
			MimeType:     mimeType,
			Body:         f,
			DeclaredSize: fh.Size,
		})
	}
	return uploads, closeAll, nil
}

func formatMB(n int64) string {
	return fmt.Sprintf("%.2f MB", float64(n)/(1024*1024))
}
