package credstore

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/echocal/echocal-go/internal/audit"
)

// Handler exposes the grant store over HTTP. Every route requires an
// authenticated session whose subject matches the userId in the body;
// clients can only touch their own grant.
type Handler struct {
	svc     *Service
	metrics *Metrics
}

func NewHandler(svc *Service, metrics *Metrics) *Handler {
	return &Handler{svc: svc, metrics: metrics}
}

func (h *Handler) Routes(rateLimit func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.With(rateLimit).Post("/check", h.Check)
	r.Post("/store", h.Store)
	r.Post("/clear", h.Clear)
	return r
}

type userRequest struct {
	UserID string `json:"userId"`
}

type checkResponse struct {
	Authenticated bool   `json:"authenticated"`
	Message       string `json:"message,omitempty"`
	AuthURL       string `json:"authUrl,omitempty"`
}

type storeRequest struct {
	UserID       string    `json:"userId"`
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	Expiry       time.Time `json:"expiry"`
	Scopes       []string  `json:"scopes"`
	Profile      struct {
		Email       string `json:"email"`
		DisplayName string `json:"displayName"`
	} `json:"profile"`
}

type storeResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

type clearResponse struct {
	Success bool `json:"success"`
}

func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if !h.decodeAndAuthorize(w, r, &req.UserID, &req) {
		return
	}

	result, err := h.svc.Check(r.Context(), req.UserID)
	if err != nil {
		h.metrics.Checks.WithLabelValues("error").Inc()
		log.Error().Err(err).Str("userId", req.UserID).Msg("grant check failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	if result.Authenticated {
		h.metrics.Checks.WithLabelValues("authenticated").Inc()
	} else {
		h.metrics.Checks.WithLabelValues("unauthenticated").Inc()
	}
	writeJSON(w, http.StatusOK, checkResponse{
		Authenticated: result.Authenticated,
		Message:       result.Message,
		AuthURL:       result.AuthURL,
	})
}

func (h *Handler) Store(w http.ResponseWriter, r *http.Request) {
	var req storeRequest
	if !h.decodeAndAuthorize(w, r, &req.UserID, &req) {
		return
	}

	err := h.svc.Store(r.Context(), StoreParams{
		UserID:       req.UserID,
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		Expiry:       req.Expiry,
		Scopes:       req.Scopes,
		Email:        req.Profile.Email,
		DisplayName:  req.Profile.DisplayName,
	})
	if errors.Is(err, ErrInvalidGrant) {
		h.metrics.Stores.WithLabelValues("rejected").Inc()
		audit.LogFromRequest(r, audit.Event{Type: audit.EventGrantRejected, UserID: req.UserID})
		writeJSON(w, http.StatusOK, storeResponse{Success: false, Error: err.Error()})
		return
	}
	if err != nil {
		h.metrics.Stores.WithLabelValues("error").Inc()
		log.Error().Err(err).Str("userId", req.UserID).Msg("grant store failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	h.metrics.Stores.WithLabelValues("stored").Inc()
	audit.LogFromRequest(r, audit.Event{Type: audit.EventGrantStore, UserID: req.UserID})
	writeJSON(w, http.StatusOK, storeResponse{Success: true, Message: "calendar connected"})
}

func (h *Handler) Clear(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if !h.decodeAndAuthorize(w, r, &req.UserID, &req) {
		return
	}

	if err := h.svc.Clear(r.Context(), req.UserID); err != nil {
		log.Error().Err(err).Str("userId", req.UserID).Msg("grant clear failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	h.metrics.Clears.Inc()
	audit.LogFromRequest(r, audit.Event{Type: audit.EventGrantClear, UserID: req.UserID})
	writeJSON(w, http.StatusOK, clearResponse{Success: true})
}

// decodeAndAuthorize parses the body and enforces that the target user is
// the authenticated one. It writes the error response itself on failure.
func (h *Handler) decodeAndAuthorize(w http.ResponseWriter, r *http.Request, userID *string, req any) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	if *userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "userId is required"})
		return false
	}
	if *userID != GetUserID(r.Context()) {
		audit.LogFromRequest(r, audit.Event{Type: audit.EventUserMismatch, UserID: GetUserID(r.Context()), Details: map[string]interface{}{"target": *userID}})
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "cannot access another user's grant"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
