package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudvet/cloudvet/internal/api/handler"
	mw "github.com/cloudvet/cloudvet/internal/api/middleware"
	"github.com/cloudvet/cloudvet/internal/inspect"
	"github.com/cloudvet/cloudvet/internal/orchestrator"
	"github.com/cloudvet/cloudvet/internal/persist"
	"github.com/cloudvet/cloudvet/internal/store"
	"github.com/cloudvet/cloudvet/pkg/models"
)

// --- collaborator stubs ---

type nullBroadcaster struct{}

func (nullBroadcaster) Publish(string, string, any) {}

type okPersister struct{}

func (okPersister) Save(context.Context, *models.InspectionJob) persist.Outcome {
	return persist.Outcome{Tier: persist.TierTransactional, Durable: true}
}

type instantInspector struct{}

func (instantInspector) Run(_ context.Context, _ inspect.Credentials, _ inspect.Config) (*inspect.Result, error) {
	return &inspect.Result{Summary: models.Summarize(nil)}, nil
}

type okCreds struct{}

func (okCreds) Assume(context.Context, string, string) (inspect.Credentials, error) {
	return inspect.Credentials{}, nil
}

type memoryStore struct {
	stubAPIKeyStore
	mu        sync.Mutex
	summaries map[uuid.UUID]*store.JobSummary
	items     map[uuid.UUID][]store.ItemBreakdown
}

func (m *memoryStore) GetJobSummary(_ context.Context, customerID string, jobID uuid.UUID) (*store.JobSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum, ok := m.summaries[jobID]
	if !ok || sum.CustomerID != customerID {
		return nil, store.ErrNotFound
	}
	return sum, nil
}

func (m *memoryStore) ListItemBreakdowns(_ context.Context, _ string, jobID uuid.UUID) ([]store.ItemBreakdown, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items[jobID], nil
}

// stubAPIKeyStore fills out the parts of store.Store the handlers under test
// never touch.
type stubAPIKeyStore struct{}

func (stubAPIKeyStore) Ping(context.Context) error { return nil }
func (stubAPIKeyStore) GetJobSummary(context.Context, string, uuid.UUID) (*store.JobSummary, error) {
	return nil, store.ErrNotFound
}
func (stubAPIKeyStore) ListItemBreakdowns(context.Context, string, uuid.UUID) ([]store.ItemBreakdown, error) {
	return nil, nil
}
func (stubAPIKeyStore) SaveInspectionResult(context.Context, *store.JobSummary, []store.ItemBreakdown) (store.SaveOutcome, error) {
	return store.SaveOutcome{}, nil
}
func (stubAPIKeyStore) SaveJobSummary(context.Context, *store.JobSummary) error { return nil }
func (stubAPIKeyStore) GetAPIKeyByPrefix(context.Context, string) ([]*models.APIKey, error) {
	return nil, nil
}
func (stubAPIKeyStore) UpdateAPIKeyLastUsed(context.Context, uuid.UUID) error { return nil }
func (stubAPIKeyStore) CreateAPIKey(context.Context, *models.APIKey) error    { return nil }
func (stubAPIKeyStore) ListAPIKeys(context.Context, string) ([]*models.APIKey, error) {
	return nil, nil
}
func (stubAPIKeyStore) RevokeAPIKey(context.Context, uuid.UUID, string) error { return nil }

type recordingCache struct {
	mu       sync.Mutex
	statuses map[uuid.UUID]string
}

func newRecordingCache() *recordingCache {
	return &recordingCache{statuses: make(map[uuid.UUID]string)}
}

func (c *recordingCache) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (c *recordingCache) Get(context.Context, string) ([]byte, bool, error)        { return nil, false, nil }
func (c *recordingCache) Delete(context.Context, string) error                     { return nil }
func (c *recordingCache) Ping(context.Context) error                               { return nil }
func (c *recordingCache) IncrWithExpiry(context.Context, string, time.Duration) (int64, error) {
	return 1, nil
}

func (c *recordingCache) SetJobStatus(_ context.Context, jobID uuid.UUID, status string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[jobID] = status
	return nil
}

func (c *recordingCache) GetJobStatus(_ context.Context, jobID uuid.UUID) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.statuses[jobID]
	return s, ok, nil
}

var _ store.Store = (*memoryStore)(nil)

// --- fixture ---

type fixture struct {
	router http.Handler
	orch   *orchestrator.Orchestrator
	store  *memoryStore
	cache  *recordingCache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	orch, err := orchestrator.New(orchestrator.Options{
		Inspectors:  map[string]inspect.Inspector{"storage": instantInspector{}},
		Credentials: okCreds{},
		Broadcaster: nullBroadcaster{},
		Persister:   okPersister{},
	})
	require.NoError(t, err)

	st := &memoryStore{
		summaries: make(map[uuid.UUID]*store.JobSummary),
		items:     make(map[uuid.UUID][]store.ItemBreakdown),
	}
	ca := newRecordingCache()
	h := &handler.Inspections{Orchestrator: orch, Store: st, Cache: ca}

	r := chi.NewRouter()
	r.Post("/inspections", h.Submit)
	r.Get("/inspections/{jobID}", h.Get)
	r.Get("/inspections/{jobID}/result", h.Result)
	r.Delete("/inspections/{jobID}", h.Cancel)

	return &fixture{router: r, orch: orch, store: st, cache: ca}
}

func (f *fixture) do(t *testing.T, method, path, customerID, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if customerID != "" {
		req = req.WithContext(mw.SetCustomerID(req.Context(), customerID))
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func dataField(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	data, ok := body["data"].(map[string]any)
	require.True(t, ok, "missing data envelope in %s", w.Body.String())
	return data
}

// --- tests ---

func TestSubmit_Accepted(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, "POST", "/inspections", "cust-1",
		`{"service_type":"storage","item_id":"bucket-a","role_ref":"role/inspector"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	data := dataField(t, w)
	jobID, err := uuid.Parse(data["job_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, string(models.JobStatusPending), data["status"])

	status, ok, _ := f.cache.GetJobStatus(context.Background(), jobID)
	assert.True(t, ok)
	assert.Equal(t, string(models.JobStatusPending), status)
}

func TestSubmit_InvalidBody(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, "POST", "/inspections", "cust-1", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmit_MissingFields(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, "POST", "/inspections", "cust-1", `{"service_type":"storage"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmit_RequiresCustomerContext(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, "POST", "/inspections", "",
		`{"service_type":"storage","item_id":"bucket-a","role_ref":"role/inspector"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGet_ReturnsRegistrySnapshot(t *testing.T) {
	f := newFixture(t)

	jobID, err := f.orch.Submit(context.Background(), orchestrator.SubmitRequest{
		CustomerID: "cust-1", ServiceType: "storage", ItemID: "bucket-a", RoleRef: "role/x",
	})
	require.NoError(t, err)

	w := f.do(t, "GET", "/inspections/"+jobID.String(), "cust-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	data := dataField(t, w)
	assert.Equal(t, jobID.String(), data["id"])
}

func TestGet_HidesOtherCustomersJobs(t *testing.T) {
	f := newFixture(t)

	jobID, err := f.orch.Submit(context.Background(), orchestrator.SubmitRequest{
		CustomerID: "cust-1", ServiceType: "storage", ItemID: "bucket-a", RoleRef: "role/x",
	})
	require.NoError(t, err)

	w := f.do(t, "GET", "/inspections/"+jobID.String(), "cust-2", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGet_FallsBackToCachedStatus(t *testing.T) {
	f := newFixture(t)

	// A job already swept from the registry still answers from the cache.
	jobID := uuid.New()
	f.cache.SetJobStatus(context.Background(), jobID, string(models.JobStatusCompleted), time.Minute)

	w := f.do(t, "GET", "/inspections/"+jobID.String(), "cust-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	data := dataField(t, w)
	assert.Equal(t, string(models.JobStatusCompleted), data["status"])
}

func TestGet_UnknownJob(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, "GET", "/inspections/"+uuid.NewString(), "cust-1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGet_InvalidJobID(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, "GET", "/inspections/not-a-uuid", "cust-1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestResult_ReturnsStoredRecord(t *testing.T) {
	f := newFixture(t)

	jobID := uuid.New()
	f.store.summaries[jobID] = &store.JobSummary{
		JobID: jobID, CustomerID: "cust-1", Status: models.JobStatusCompleted, Score: 85,
	}
	f.store.items[jobID] = []store.ItemBreakdown{
		{CustomerID: "cust-1", ItemKey: "storage/bucket-a/r1", JobID: jobID},
	}

	w := f.do(t, "GET", "/inspections/"+jobID.String()+"/result", "cust-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	data := dataField(t, w)
	summary := data["summary"].(map[string]any)
	assert.Equal(t, float64(85), summary["score"])
	assert.Len(t, data["items"], 1)
}

func TestResult_NotFound(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, "GET", "/inspections/"+uuid.NewString()+"/result", "cust-1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancel_AlreadyTerminal(t *testing.T) {
	f := newFixture(t)

	jobID, err := f.orch.Submit(context.Background(), orchestrator.SubmitRequest{
		CustomerID: "cust-1", ServiceType: "storage", ItemID: "bucket-a", RoleRef: "role/x",
	})
	require.NoError(t, err)

	// instantInspector finishes immediately; wait for the terminal state.
	deadline := time.After(5 * time.Second)
	for {
		job, err := f.orch.Get(jobID)
		if err == nil && job.Status.Terminal() {
			break
		}
		select {
		case <-deadline:
			t.Fatal("job never reached terminal state")
		case <-time.After(5 * time.Millisecond):
		}
	}

	w := f.do(t, "DELETE", "/inspections/"+jobID.String(), "cust-1", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "ALREADY_TERMINAL", errObj["code"])
}
