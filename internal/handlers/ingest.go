package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/rs/zerolog"

	"comicpipe/internal/ingest"
	"comicpipe/internal/logger"
	"comicpipe/internal/middleware"
)

// IngestPath is where CSV uploads are accepted
const IngestPath = "/api/comics/ingest-csv"

// TriggeredByUpload marks imports started over HTTP
const TriggeredByUpload = "UserUpload"

// uploadField is the multipart form field holding the CSV file
const uploadField = "file"

// IngestHandler accepts CSV uploads and runs them through the ingestor
type IngestHandler struct {
	importer ingest.Importer

	// Max body size (default 10MB)
	maxBodySize int64
}

// IngestConfig holds configuration for the ingest handler
type IngestConfig struct {
	Importer    ingest.Importer
	MaxBodySize int64
}

// NewIngestHandler creates a new ingest handler
func NewIngestHandler(cfg IngestConfig) *IngestHandler {
	maxBodySize := cfg.MaxBodySize
	if maxBodySize <= 0 {
		maxBodySize = 10 * 1024 * 1024 // 10MB default
	}

	return &IngestHandler{
		importer:    cfg.Importer,
		maxBodySize: maxBodySize,
	}
}

// IngestResponse is the response returned to clients
type IngestResponse struct {
	Success      bool   `json:"success"`
	ImportID     string `json:"import_id"`
	Total        int    `json:"total"`
	Published    int    `json:"published"`
	DeadLettered int    `json:"dead_lettered"`
}

// ServeHTTP handles the ingest HTTP request
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := logger.WithRequestID(r.Header.Get(middleware.RequestIDHeader))

	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	body, status, err := h.readUpload(r)
	if err != nil {
		h.writeError(w, status, err.Error())
		return
	}
	if len(body) == 0 {
		h.writeError(w, http.StatusBadRequest, "no file uploaded")
		return
	}

	summary, err := h.importer.Ingest(r.Context(), bytes.NewReader(body), TriggeredByUpload)
	if err != nil {
		h.writeIngestError(w, log, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(IngestResponse{
		Success:      true,
		ImportID:     summary.ImportID,
		Total:        summary.Total,
		Published:    summary.Published,
		DeadLettered: summary.DeadLettered,
	})
}

// readUpload returns the CSV bytes from a multipart form or a raw body,
// with the status to answer when it fails.
func (h *IngestHandler) readUpload(r *http.Request) ([]byte, int, error) {
	mediaType := ""
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mt, _, err := mime.ParseMediaType(ct)
		if err != nil {
			return nil, http.StatusUnsupportedMediaType, errors.New("invalid content-type")
		}
		mediaType = mt
	}

	var src io.Reader
	switch mediaType {
	case "multipart/form-data":
		file, _, err := r.FormFile(uploadField)
		if err != nil {
			if isTooLarge(err) {
				return nil, http.StatusRequestEntityTooLarge, errors.New("request body too large")
			}
			return nil, http.StatusBadRequest, errors.New("multipart field \"file\" is required")
		}
		defer file.Close()
		src = file
	case "", "text/csv", "application/csv", "text/plain", "application/octet-stream":
		src = r.Body
	default:
		return nil, http.StatusUnsupportedMediaType, errors.New("content-type must be multipart/form-data or text/csv")
	}

	body, err := io.ReadAll(src)
	if err != nil {
		if isTooLarge(err) {
			return nil, http.StatusRequestEntityTooLarge, errors.New("request body too large")
		}
		return nil, http.StatusBadRequest, errors.New("failed to read upload")
	}
	return body, 0, nil
}

func (h *IngestHandler) writeIngestError(w http.ResponseWriter, log zerolog.Logger, err error) {
	switch {
	case errors.Is(err, ingest.ErrEmptyFile),
		errors.Is(err, ingest.ErrMissingColumn),
		errors.Is(err, ingest.ErrMalformedCSV):
		h.writeError(w, http.StatusBadRequest, err.Error())
	default:
		log.Error().Err(err).Msg("csv ingestion failed")
		h.writeError(w, http.StatusInternalServerError, "error ingesting csv")
	}
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

// writeError writes an error response
func (h *IngestHandler) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   message,
	})
}
