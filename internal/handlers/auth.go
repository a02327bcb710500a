package handlers

import (
	"log"
	"net/http"

	"github.com/guardline/guardline/internal/api"
	"github.com/guardline/guardline/internal/middleware"
)

// AuthHandler issues and inspects owner session tokens. Devices never pass
// through here; they authenticate against the ingest endpoint with their key.
type AuthHandler struct {
	sessions *middleware.JWTAuthMiddleware
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(sessions *middleware.JWTAuthMiddleware) *AuthHandler {
	return &AuthHandler{sessions: sessions}
}

// LoginRequest carries the owner credentials
type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// LoginResponse returns the signed session token and its lifetime in seconds
type LoginResponse struct {
	Token     string `json:"token"`
	Username  string `json:"username"`
	ExpiresIn int    `json:"expires_in"`
}

// SetupRoutes configures auth routes
func (h *AuthHandler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/auth/login", h.handleLogin)
	mux.HandleFunc("/auth/verify", h.handleVerify)
}

// handleLogin handles POST /auth/login
func (h *AuthHandler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.RespondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req LoginRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if fieldErrors := api.Validate(req); fieldErrors != nil {
		api.RespondValidationError(w, fieldErrors)
		return
	}

	if !h.sessions.ValidateCredentials(req.Username, req.Password) {
		log.Printf("AuthHandler: Rejected login for %q from %s", req.Username, r.RemoteAddr)
		api.RespondError(w, http.StatusUnauthorized, "Invalid username or password")
		return
	}

	token, err := h.sessions.GenerateToken(req.Username)
	if err != nil {
		log.Printf("AuthHandler: Could not sign session token for %q: %v", req.Username, err)
		api.RespondError(w, http.StatusInternalServerError, "Failed to create session")
		return
	}

	log.Printf("AuthHandler: Opened session for %q from %s", req.Username, r.RemoteAddr)
	api.RespondJSON(w, http.StatusOK, LoginResponse{
		Token:     token,
		Username:  req.Username,
		ExpiresIn: int(h.sessions.TokenTTL().Seconds()),
	})
}

// handleVerify handles GET /auth/verify, reporting whether the presented
// session token is still good
func (h *AuthHandler) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.RespondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	username := middleware.GetUserFromContext(r.Context())
	if username == "" {
		api.RespondError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	api.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"valid":    true,
		"username": username,
	})
}
