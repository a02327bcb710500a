package handlers

import (
	"encoding/json"
	"log"
	"net/http"
)

// HTTPHandler aggregates route setup for all HTTP endpoints
type HTTPHandler struct {
	alertHandler  *AlertHandler
	deviceHandler *DeviceHandler
	authHandler   *AuthHandler
	streamHandler *StreamHandler
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(alertHandler *AlertHandler, deviceHandler *DeviceHandler, authHandler *AuthHandler, streamHandler *StreamHandler) *HTTPHandler {
	return &HTTPHandler{
		alertHandler:  alertHandler,
		deviceHandler: deviceHandler,
		authHandler:   authHandler,
		streamHandler: streamHandler,
	}
}

// SetupRoutes configures all HTTP routes
func (h *HTTPHandler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.handleHealth)
	if h.alertHandler != nil {
		h.alertHandler.SetupRoutes(mux)
	}
	if h.deviceHandler != nil {
		h.deviceHandler.SetupRoutes(mux)
	}
	if h.authHandler != nil {
		h.authHandler.SetupRoutes(mux)
	}
	if h.streamHandler != nil {
		h.streamHandler.SetupRoutes(mux)
	}
}

// handleHealth returns a simple health check response
func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	response := map[string]string{
		"status":  "ok",
		"version": "1.0.0",
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Printf("Error encoding health response: %v", err)
	}
}
