package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// NewRouter wires the public HTTP surface
func NewRouter(upload *UploadHandler, download *DownloadHandler) *mux.Router {
	router := mux.NewRouter()

	// Health check endpoint (no tracing needed)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	router.Handle("/api/upload",
		otelhttp.NewHandler(upload, "POST /api/upload")).Methods(http.MethodPost)
	router.Handle("/download/{transferId}/info",
		otelhttp.NewHandler(http.HandlerFunc(download.ServeInfo), "GET /download/{transferId}/info")).Methods(http.MethodGet)
	router.Handle("/download/{transferId}",
		otelhttp.NewHandler(download, "GET /download/{transferId}")).Methods(http.MethodGet)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: ErrorDetail{Message: "Route not found."}})
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Error: ErrorDetail{Message: "Method not allowed."}})
	})
	return router
}
