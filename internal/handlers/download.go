package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/maneesh/transferbox/internal/logging"
	"github.com/maneesh/transferbox/internal/models"
	"github.com/maneesh/transferbox/internal/transfer"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Resolver looks up live transfers
type Resolver interface {
	Resolve(ctx context.Context, id string) (*models.Transfer, error)
	Info(ctx context.Context, id string) (models.TransferInfo, error)
}

// Streamer writes a resolved transfer to a sink
type Streamer interface {
	Stream(ctx context.Context, t *models.Transfer, sink transfer.Sink) error
}

// DownloadHandler serves transfer info and downloads
type DownloadHandler struct {
	resolver Resolver
	streamer Streamer
	log      logging.Logger
}

// NewDownloadHandler creates a new download handler
func NewDownloadHandler(resolver Resolver, streamer Streamer, log logging.Logger) *DownloadHandler {
	return &DownloadHandler{
		resolver: resolver,
		streamer: streamer,
		log:      log,
	}
}

// InfoResponse is the public description of a transfer
type InfoResponse struct {
	Success bool `json:"success"`
	models.TransferInfo
}

// ServeInfo handles GET /download/{transferId}/info
func (dh *DownloadHandler) ServeInfo(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["transferId"]
	ctx, span := tracer.Start(r.Context(), "transfer_info",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("transfer_id", id)),
	)
	defer span.End()

	info, err := dh.resolver.Info(ctx, id)
	if err != nil {
		span.RecordError(err)
		respondError(ctx, w, dh.log, err)
		return
	}
	writeJSON(w, http.StatusOK, InfoResponse{Success: true, TransferInfo: info})
}

// ServeHTTP handles GET /download/{transferId}
func (dh *DownloadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["transferId"]
	ctx, span := tracer.Start(r.Context(), "download_transfer",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("transfer_id", id)),
	)
	defer span.End()

	t, err := dh.resolver.Resolve(ctx, id)
	if err != nil {
		span.RecordError(err)
		respondError(ctx, w, dh.log, err)
		return
	}

	sink := &httpSink{w: w}
	if err := dh.streamer.Stream(ctx, t, sink); err != nil {
		span.RecordError(err)
		respondError(ctx, w, dh.log, err)
		return
	}
	dh.log.Info(ctx, "download completed",
		"transfer_id", t.TransferID, "files", len(t.Files), "bytes", sink.written)
}

// httpSink turns the stream envelope into response headers.
type httpSink struct {
	w       http.ResponseWriter
	written int64
}

func (s *httpSink) Begin(e transfer.Envelope) {
	h := s.w.Header()
	h.Set("Content-Type", e.ContentType)
	h.Set("Content-Disposition", contentDisposition(e.FileName))
	h.Set("X-Content-Type-Options", "nosniff")
	if e.ContentLength >= 0 {
		h.Set("Content-Length", strconv.FormatInt(e.ContentLength, 10))
	}
	if e.Digest != "" {
		h.Set("Content-Digest", e.Digest)
	}
	s.w.WriteHeader(http.StatusOK)
}

func (s *httpSink) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	s.written += int64(n)
	return n, err
}

func contentDisposition(name string) string {
	return "attachment; filename*=UTF-8''" + encodeURIComponent(name)
}

// encodeURIComponent percent-encodes every byte outside the RFC 3986
// unreserved set and the marks ! ' ( ) *, as browsers do.
func encodeURIComponent(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if keepUnescaped(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}

func keepUnescaped(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return strings.IndexByte("-_.!~*'()", c) >= 0
}
