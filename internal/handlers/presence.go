package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sundeep8967/groupsharing-presence/internal/models"
	"github.com/sundeep8967/groupsharing-presence/internal/repositories"
	"github.com/sundeep8967/groupsharing-presence/internal/services"
)

// PresenceHandler exposes the daemon's local-user presence operations over
// HTTP. The daemon acts for exactly one user, so every endpoint requires
// the authenticated caller to be that user.
type PresenceHandler struct {
	service     *services.PresenceService
	localUserID uuid.UUID
	logger      *slog.Logger
}

func NewPresenceHandler(service *services.PresenceService, localUserID uuid.UUID, logger *slog.Logger) *PresenceHandler {
	return &PresenceHandler{
		service:     service,
		localUserID: localUserID,
		logger:      logger,
	}
}

type sharingRequest struct {
	Enabled bool `json:"enabled"`
}

type locationRequest struct {
	Latitude       float64    `json:"latitude"`
	Longitude      float64    `json:"longitude"`
	AccuracyMeters float64    `json:"accuracy_meters"`
	CapturedAt     *time.Time `json:"captured_at,omitempty"`
}

type friendViewsResponse struct {
	Count   int                 `json:"count"`
	Friends []models.FriendView `json:"friends"`
}

func (h *PresenceHandler) SetSharing(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}

	var req sharingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "invalid JSON payload"}`, http.StatusBadRequest)
		return
	}

	if err := h.service.SetSharing(r.Context(), req.Enabled); err != nil {
		// Not a silent revert: the caller gets a specific error and the
		// local state has already been rolled back.
		h.logger.Warn("sharing toggle failed", "enabled", req.Enabled, "error", err)
		h.writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"enabled": req.Enabled})
}

func (h *PresenceHandler) PublishLocation(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}

	var req locationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "invalid JSON payload"}`, http.StatusBadRequest)
		return
	}

	loc := models.Location{
		Latitude:       req.Latitude,
		Longitude:      req.Longitude,
		AccuracyMeters: req.AccuracyMeters,
		CapturedAt:     time.Now(),
	}
	if req.CapturedAt != nil {
		loc.CapturedAt = *req.CapturedAt
	}

	if err := h.service.PublishLocation(r.Context(), loc); err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "ok"})
}

func (h *PresenceHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}
	if err := h.service.RecordHeartbeat(r.Context()); err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// MarkTerminated takes the OS lifecycle collaborator's best-effort
// uninstall/force-kill signal.
func (h *PresenceHandler) MarkTerminated(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}
	if err := h.service.MarkTerminated(r.Context()); err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "terminated"})
}

func (h *PresenceHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}
	h.service.SignOut()
	writeJSON(w, http.StatusOK, map[string]string{"status": "signed out"})
}

func (h *PresenceHandler) GetFriendViews(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}
	views := h.service.FriendViews()
	writeJSON(w, http.StatusOK, friendViewsResponse{Count: len(views), Friends: views})
}

// authorize checks the authenticated caller is the daemon's local user.
func (h *PresenceHandler) authorize(w http.ResponseWriter, r *http.Request) bool {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return false
	}
	if userID != h.localUserID {
		http.Error(w, `{"error": "forbidden"}`, http.StatusForbidden)
		return false
	}
	return true
}

func (h *PresenceHandler) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repositories.ErrStoreUnavailable):
		http.Error(w, `{"error": "store unavailable, retry"}`, http.StatusServiceUnavailable)
	case errors.Is(err, repositories.ErrPermissionDenied):
		http.Error(w, `{"error": "permission denied"}`, http.StatusForbidden)
	default:
		http.Error(w, `{"error": "internal error"}`, http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
