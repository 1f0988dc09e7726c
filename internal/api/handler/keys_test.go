package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/cloudvet/cloudvet/internal/api/handler"
	mw "github.com/cloudvet/cloudvet/internal/api/middleware"
	"github.com/cloudvet/cloudvet/internal/store"
	"github.com/cloudvet/cloudvet/pkg/models"
)

type keyStore struct {
	stubAPIKeyStore
	created   []*models.APIKey
	listed    []*models.APIKey
	revokeErr error
	revoked   []uuid.UUID
}

func (s *keyStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.created = append(s.created, key)
	return nil
}

func (s *keyStore) ListAPIKeys(_ context.Context, _ string) ([]*models.APIKey, error) {
	return s.listed, nil
}

func (s *keyStore) RevokeAPIKey(_ context.Context, keyID uuid.UUID, _ string) error {
	if s.revokeErr != nil {
		return s.revokeErr
	}
	s.revoked = append(s.revoked, keyID)
	return nil
}

func keysRouter(s *keyStore) http.Handler {
	h := &handler.Keys{Store: s}
	r := chi.NewRouter()
	r.Post("/keys", h.Create)
	r.Get("/keys", h.List)
	r.Delete("/keys/{keyID}", h.Revoke)
	return r
}

func doKeys(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req = req.WithContext(mw.SetCustomerID(req.Context(), "cust-1"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestCreateKey_ReturnsRawKeyOnce(t *testing.T) {
	st := &keyStore{}
	router := keysRouter(st)

	w := doKeys(t, router, "POST", "/keys", `{"name":"ci key","scopes":["inspect","admin"]}`)
	require.Equal(t, http.StatusCreated, w.Code)

	data := dataField(t, w)
	rawKey := data["key"].(string)
	assert.True(t, strings.HasPrefix(rawKey, "cv_"), "raw key %q missing cv_ prefix", rawKey)
	assert.Equal(t, "ci key", data["name"])

	require.Len(t, st.created, 1)
	created := st.created[0]
	assert.Equal(t, "cust-1", created.CustomerID)
	assert.Equal(t, rawKey[:8], created.KeyPrefix)
	assert.Equal(t, []string{"inspect", "admin"}, created.Scopes)

	// Only the hash is persisted, and it verifies against the raw key.
	assert.NotContains(t, created.KeyHash, rawKey)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(created.KeyHash), []byte(rawKey)))
}

func TestCreateKey_DefaultsScope(t *testing.T) {
	st := &keyStore{}
	router := keysRouter(st)

	w := doKeys(t, router, "POST", "/keys", `{"name":"minimal"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	require.Len(t, st.created, 1)
	assert.Equal(t, []string{"inspect"}, st.created[0].Scopes)
}

func TestCreateKey_RequiresName(t *testing.T) {
	router := keysRouter(&keyStore{})

	w := doKeys(t, router, "POST", "/keys", `{"scopes":["inspect"]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListKeys(t *testing.T) {
	st := &keyStore{listed: []*models.APIKey{
		{ID: uuid.New(), CustomerID: "cust-1", Name: "key-a"},
		{ID: uuid.New(), CustomerID: "cust-1", Name: "key-b"},
	}}
	router := keysRouter(st)

	w := doKeys(t, router, "GET", "/keys", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Data []models.APIKey `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Data, 2)
	assert.Equal(t, "key-a", body.Data[0].Name)
}

func TestRevokeKey(t *testing.T) {
	st := &keyStore{}
	router := keysRouter(st)

	keyID := uuid.New()
	w := doKeys(t, router, "DELETE", "/keys/"+keyID.String(), "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []uuid.UUID{keyID}, st.revoked)
}

func TestRevokeKey_NotFound(t *testing.T) {
	st := &keyStore{revokeErr: store.ErrNotFound}
	router := keysRouter(st)

	w := doKeys(t, router, "DELETE", "/keys/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRevokeKey_InvalidID(t *testing.T) {
	router := keysRouter(&keyStore{})

	w := doKeys(t, router, "DELETE", "/keys/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
