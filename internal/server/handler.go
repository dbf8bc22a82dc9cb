package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/oicur0t/sqlaudit/pkg/models"
	"go.uber.org/zap"
)

// RecordStore persists received records. Saving a record twice must not
// create a second copy.
type RecordStore interface {
	UpsertRecords(ctx context.Context, records []models.StoredRecord) (UpsertResult, error)
}

// UpsertResult counts what a save changed
type UpsertResult struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
}

// Handler handles HTTP requests
type Handler struct {
	store  RecordStore
	parser *BatchParser
	logger *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(store RecordStore, parser *BatchParser, logger *zap.Logger) *Handler {
	return &Handler{
		store:  store,
		parser: parser,
		logger: logger,
	}
}

// IngestRecords handles batch ingestion requests
func (h *Handler) IngestRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()

	records, err := h.parser.Parse(r)
	if err != nil {
		h.logger.Warn("Rejected batch", zap.Error(err), zap.String("remote_addr", r.RemoteAddr))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.logger.Debug("Received batch",
		zap.Int("records", len(records)),
		zap.String("request_id", r.Header.Get("X-Request-ID")),
		zap.String("agent", r.UserAgent()))

	result, err := h.store.UpsertRecords(r.Context(), records)
	if err != nil {
		h.logger.Error("Failed to store batch", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   "success",
		"received": len(records),
		"inserted": result.Inserted,
		"updated":  result.Updated,
	})
}

// Health handles health check requests
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "healthy",
	})
}
