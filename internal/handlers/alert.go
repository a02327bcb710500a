package handlers

import (
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/guardline/guardline/internal/api"
	"github.com/guardline/guardline/internal/database"
	"github.com/guardline/guardline/internal/services"
)

// DeviceKeyHeader carries the device's ingest API key
const DeviceKeyHeader = "X-Device-Key"

// AlertHandler handles event ingest and alert queries
type AlertHandler struct {
	ingest *services.IngestService
	audit  *services.AuditService
}

// NewAlertHandler creates a new alert handler
func NewAlertHandler(ingest *services.IngestService, audit *services.AuditService) *AlertHandler {
	return &AlertHandler{ingest: ingest, audit: audit}
}

// IngestAlertRequest represents a device-reported security event
type IngestAlertRequest struct {
	DeviceID   string                 `json:"device_id" validate:"required"`
	EventKind  string                 `json:"event_kind" validate:"required,event_kind"`
	OccurredAt time.Time              `json:"occurred_at" validate:"required"`
	DedupKey   string                 `json:"dedup_key" validate:"required,max=128"`
	Payload    map[string]interface{} `json:"payload"`
}

// AlertResponse is the alert record plus its delivery audit trail
type AlertResponse struct {
	Alert    *database.AlertRecord      `json:"alert"`
	Attempts []database.DeliveryAttempt `json:"attempts,omitempty"`
}

// SetupRoutes configures alert routes
func (h *AlertHandler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/alert", h.handleIngest)
	mux.HandleFunc("/api/alerts/", h.handleGet)
}

// handleIngest handles POST /api/alert, the device-facing ingest endpoint.
// Devices authenticate with their API key, not a JWT.
func (h *AlertHandler) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.RespondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req IngestAlertRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if fieldErrors := api.Validate(req); fieldErrors != nil {
		api.RespondValidationError(w, fieldErrors)
		return
	}

	alert, _, err := h.ingest.Ingest(services.IngestRequest{
		DeviceID:   req.DeviceID,
		DeviceKey:  r.Header.Get(DeviceKeyHeader),
		Kind:       database.EventKind(req.EventKind),
		OccurredAt: req.OccurredAt,
		DedupKey:   req.DedupKey,
		Payload:    req.Payload,
	})
	if err != nil {
		h.respondIngestError(w, r, err)
		return
	}

	// A dedup hit is acknowledged exactly like the first report; the device
	// cannot tell (and must not care) whether its retry raced the original.
	api.RespondJSON(w, http.StatusCreated, AlertResponse{Alert: alert})
}

func (h *AlertHandler) respondIngestError(w http.ResponseWriter, r *http.Request, err error) {
	var vErr *services.ValidationError
	switch {
	case errors.Is(err, services.ErrUnknownDevice):
		api.RespondErrorWithCode(w, http.StatusNotFound, "unknown_device", "Device is not registered")
	case errors.Is(err, services.ErrDeviceAuth):
		log.Printf("AlertHandler: Rejected ingest with bad device key from %s", r.RemoteAddr)
		api.RespondErrorWithCode(w, http.StatusUnauthorized, "device_auth", "Device key mismatch")
	case errors.Is(err, services.ErrBackpressure):
		api.RespondBackpressure(w)
	case errors.As(err, &vErr):
		api.RespondValidationError(w, map[string]string{vErr.Field: vErr.Reason})
	default:
		log.Printf("AlertHandler: Ingest failed: %v", err)
		api.RespondError(w, http.StatusInternalServerError, "Failed to accept event")
	}
}

// handleGet handles GET /api/alerts/{id}
func (h *AlertHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.RespondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	alertID := strings.TrimPrefix(r.URL.Path, "/api/alerts/")
	if alertID == "" || strings.Contains(alertID, "/") {
		api.RespondError(w, http.StatusNotFound, "Alert not found")
		return
	}

	alert, err := h.audit.GetAlert(alertID)
	if errors.Is(err, services.ErrNotFound) {
		api.RespondError(w, http.StatusNotFound, "Alert not found")
		return
	}
	if err != nil {
		log.Printf("AlertHandler: Failed to load alert %s: %v", alertID, err)
		api.RespondError(w, http.StatusInternalServerError, "Failed to load alert")
		return
	}

	attempts, err := h.audit.QueryAttempts(alertID)
	if err != nil {
		log.Printf("AlertHandler: Failed to load attempts for alert %s: %v", alertID, err)
		api.RespondError(w, http.StatusInternalServerError, "Failed to load alert history")
		return
	}

	api.RespondJSON(w, http.StatusOK, AlertResponse{Alert: alert, Attempts: attempts})
}
