package handler

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/cloudvet/cloudvet/internal/api/middleware"
	"github.com/cloudvet/cloudvet/internal/api/response"
	"github.com/cloudvet/cloudvet/internal/store"
	"github.com/cloudvet/cloudvet/pkg/models"
)

// Keys handles admin API-key management.
type Keys struct {
	Store store.Store
}

type createKeyRequest struct {
	Name   string   `json:"name"`
	Scopes []string `json:"scopes"`
}

type createKeyResponse struct {
	ID     uuid.UUID `json:"id"`
	Name   string    `json:"name"`
	RawKey string    `json:"key"` // shown once, never stored
}

// Create mints a new API key for the caller's customer. The raw key is
// returned once; only its bcrypt hash is persisted.
func (h *Keys) Create(w http.ResponseWriter, r *http.Request) {
	customerID, ok := middleware.GetCustomerID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing customer context", nil)
		return
	}

	var req createKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		response.Error(w, http.StatusBadRequest, "INVALID_BODY", "name is required", nil)
		return
	}
	if len(req.Scopes) == 0 {
		req.Scopes = []string{"inspect"}
	}

	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to generate key", nil)
		return
	}
	rawKey := "cv_" + hex.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.DefaultCost)
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to hash key", nil)
		return
	}

	now := time.Now().UTC()
	key := &models.APIKey{
		ID:         uuid.New(),
		CustomerID: customerID,
		Name:       req.Name,
		KeyHash:    string(hash),
		KeyPrefix:  rawKey[:8],
		Scopes:     req.Scopes,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := h.Store.CreateAPIKey(r.Context(), key); err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to store key", nil)
		return
	}

	response.Created(w, createKeyResponse{ID: key.ID, Name: key.Name, RawKey: rawKey})
}

// List returns the caller's active keys (hashes omitted).
func (h *Keys) List(w http.ResponseWriter, r *http.Request) {
	customerID, _ := middleware.GetCustomerID(r)

	keys, err := h.Store.ListAPIKeys(r.Context(), customerID)
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list keys", nil)
		return
	}
	response.JSON(w, keys)
}

// Revoke soft-deletes one of the caller's keys.
func (h *Keys) Revoke(w http.ResponseWriter, r *http.Request) {
	customerID, _ := middleware.GetCustomerID(r)

	keyID, err := uuid.Parse(chi.URLParam(r, "keyID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_ID", "Key id must be a UUID", nil)
		return
	}

	err = h.Store.RevokeAPIKey(r.Context(), keyID, customerID)
	if errors.Is(err, store.ErrNotFound) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Key not found", nil)
		return
	}
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to revoke key", nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
