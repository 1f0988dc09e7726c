package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/cloudvet/cloudvet/internal/api/response"
	"github.com/cloudvet/cloudvet/internal/store"
	"github.com/cloudvet/cloudvet/pkg/models"
)

const keyPrefixLen = 8

var errInvalidKey = errors.New("invalid api key")

// Auth provides authentication and scope-checking middleware, plus token
// validation for the WebSocket handshake.
type Auth struct {
	store store.Store
}

// NewAuth creates a new Auth middleware.
func NewAuth(s store.Store) *Auth {
	return &Auth{store: s}
}

// lookup resolves a raw bearer key to its APIKey record via prefix lookup
// and bcrypt comparison.
func (a *Auth) lookup(ctx context.Context, rawKey string) (*models.APIKey, error) {
	if len(rawKey) < keyPrefixLen {
		return nil, errInvalidKey
	}
	keys, err := a.store.GetAPIKeyByPrefix(ctx, rawKey[:keyPrefixLen])
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(rawKey)) == nil {
			return key, nil
		}
	}
	return nil, errInvalidKey
}

// Authenticate validates the Bearer token, looks up the API key, and sets
// customer_id, key_prefix and scopes in the request context.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawKey := extractBearerToken(r)
		if rawKey == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
			return
		}

		key, err := a.lookup(r.Context(), rawKey)
		if errors.Is(err, errInvalidKey) {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid API key", nil)
			return
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to validate API key", nil)
			return
		}

		ctx := r.Context()
		ctx = SetCustomerID(ctx, key.CustomerID)
		ctx = setKeyPrefix(ctx, key.KeyPrefix)
		ctx = setScopes(ctx, key.Scopes)

		// Update last_used_at async
		go a.store.UpdateAPIKeyLastUsed(context.Background(), key.ID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ValidateToken authenticates a WebSocket connect token and, when valid,
// returns nil. Satisfies ws.TokenValidator.
func (a *Auth) ValidateToken(r *http.Request, token string) error {
	_, err := a.lookup(r.Context(), token)
	return err
}

// RequireScope returns middleware that checks whether the authenticated
// API key has the specified scope.
func (a *Auth) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, s := range getScopes(r) {
				if s == scope {
					next.ServeHTTP(w, r)
					return
				}
			}
			response.Error(w, http.StatusForbidden,
				"FORBIDDEN", "Insufficient permissions", nil)
		})
	}
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
