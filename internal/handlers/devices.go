package handlers

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/guardline/guardline/internal/api"
	"github.com/guardline/guardline/internal/database"
	"github.com/guardline/guardline/internal/middleware"
	"github.com/guardline/guardline/internal/services"
)

// DeviceHandler handles the owner-facing registry API
type DeviceHandler struct {
	registry *services.RegistryService
}

// NewDeviceHandler creates a new device handler
func NewDeviceHandler(registry *services.RegistryService) *DeviceHandler {
	return &DeviceHandler{registry: registry}
}

// CreateDeviceRequest registers a new device
type CreateDeviceRequest struct {
	Name  string `json:"name" validate:"required,max=255"`
	Phone string `json:"phone" validate:"omitempty,e164"`
}

// CreateDeviceResponse returns the device with its ingest key. The key is
// shown once at registration and never again.
type CreateDeviceResponse struct {
	Device *database.Device `json:"device"`
	APIKey string           `json:"api_key"`
}

// CreateContactRequest attaches a trusted contact
type CreateContactRequest struct {
	Name      string            `json:"name" validate:"required,max=255"`
	Endpoints map[string]string `json:"endpoints"`
}

// UpdateEndpointRequest sets or clears one channel destination
type UpdateEndpointRequest struct {
	ChannelKind string `json:"channel_kind" validate:"required,channel_kind"`
	Destination string `json:"destination"`
}

// SetupRoutes configures device registry routes
func (h *DeviceHandler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/devices", h.handleDevices)
	mux.HandleFunc("/api/devices/", h.handleDeviceSubtree)
}

// handleDevices handles POST /api/devices
func (h *DeviceHandler) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.RespondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req CreateDeviceRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if fieldErrors := api.Validate(req); fieldErrors != nil {
		api.RespondValidationError(w, fieldErrors)
		return
	}

	owner := middleware.GetUserFromContext(r.Context())
	if owner == "" {
		owner = "admin"
	}

	device, err := h.registry.CreateDevice(owner, req.Name, req.Phone)
	if err != nil {
		h.respondRegistryError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusCreated, CreateDeviceResponse{Device: device, APIKey: device.APIKey})
}

// handleDeviceSubtree routes /api/devices/{id}[/contacts[/{cid}[/endpoints]]]
func (h *DeviceHandler) handleDeviceSubtree(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/devices/"), "/")

	switch {
	case len(parts) == 1 && parts[0] != "":
		h.handleDevice(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "contacts":
		h.handleContacts(w, r, parts[0])
	case len(parts) == 3 && parts[1] == "contacts":
		h.handleContact(w, r, parts[0], parts[2])
	case len(parts) == 4 && parts[1] == "contacts" && parts[3] == "endpoints":
		h.handleEndpoints(w, r, parts[0], parts[2])
	default:
		api.RespondError(w, http.StatusNotFound, "Not found")
	}
}

// handleDevice handles GET and DELETE /api/devices/{id}
func (h *DeviceHandler) handleDevice(w http.ResponseWriter, r *http.Request, deviceID string) {
	switch r.Method {
	case http.MethodGet:
		device, err := h.registry.GetDevice(deviceID)
		if err != nil {
			h.respondRegistryError(w, err)
			return
		}
		api.RespondJSON(w, http.StatusOK, device)
	case http.MethodDelete:
		if err := h.registry.DeleteDevice(deviceID); err != nil {
			h.respondRegistryError(w, err)
			return
		}
		log.Printf("DeviceHandler: Deleted device %s", deviceID)
		api.RespondNoContent(w)
	default:
		api.RespondError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleContacts handles GET and POST /api/devices/{id}/contacts
func (h *DeviceHandler) handleContacts(w http.ResponseWriter, r *http.Request, deviceID string) {
	switch r.Method {
	case http.MethodGet:
		contacts, err := h.registry.ListContacts(deviceID)
		if err != nil {
			h.respondRegistryError(w, err)
			return
		}
		api.RespondJSON(w, http.StatusOK, contacts)
	case http.MethodPost:
		var req CreateContactRequest
		if err := api.DecodeJSON(r, &req); err != nil {
			api.RespondError(w, http.StatusBadRequest, err.Error())
			return
		}
		if fieldErrors := api.Validate(req); fieldErrors != nil {
			api.RespondValidationError(w, fieldErrors)
			return
		}

		endpoints := make(database.JSONB, len(req.Endpoints))
		for kind, dest := range req.Endpoints {
			endpoints[kind] = dest
		}
		contact, err := h.registry.AddContact(deviceID, req.Name, endpoints)
		if err != nil {
			h.respondRegistryError(w, err)
			return
		}
		api.RespondJSON(w, http.StatusCreated, contact)
	default:
		api.RespondError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleContact handles DELETE /api/devices/{id}/contacts/{cid}
func (h *DeviceHandler) handleContact(w http.ResponseWriter, r *http.Request, deviceID, contactID string) {
	if r.Method != http.MethodDelete {
		api.RespondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if err := h.registry.RemoveContact(deviceID, contactID); err != nil {
		h.respondRegistryError(w, err)
		return
	}
	api.RespondNoContent(w)
}

// handleEndpoints handles PUT /api/devices/{id}/contacts/{cid}/endpoints
func (h *DeviceHandler) handleEndpoints(w http.ResponseWriter, r *http.Request, deviceID, contactID string) {
	if r.Method != http.MethodPut {
		api.RespondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req UpdateEndpointRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if fieldErrors := api.Validate(req); fieldErrors != nil {
		api.RespondValidationError(w, fieldErrors)
		return
	}

	contact, err := h.registry.UpdateEndpoint(deviceID, contactID, database.ChannelKind(req.ChannelKind), req.Destination)
	if err != nil {
		h.respondRegistryError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, contact)
}

func (h *DeviceHandler) respondRegistryError(w http.ResponseWriter, err error) {
	var vErr *services.ValidationError
	switch {
	case errors.Is(err, services.ErrUnknownDevice):
		api.RespondError(w, http.StatusNotFound, "Device not found")
	case errors.Is(err, services.ErrNotFound):
		api.RespondError(w, http.StatusNotFound, "Contact not found")
	case errors.As(err, &vErr):
		api.RespondValidationError(w, map[string]string{vErr.Field: vErr.Reason})
	default:
		log.Printf("DeviceHandler: Registry operation failed: %v", err)
		api.RespondError(w, http.StatusInternalServerError, "Registry operation failed")
	}
}
