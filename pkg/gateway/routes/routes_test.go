package routes

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentilens/platform/pkg/auth"
	"github.com/sentilens/platform/pkg/common/config"
	"github.com/sentilens/platform/pkg/common/logger"
	"github.com/sentilens/platform/pkg/common/models"
	"github.com/sentilens/platform/pkg/gateway/middleware"
	"github.com/sentilens/platform/pkg/retrain"
)

func init() {
	logger.Log = logger.Discard()
}

func testConfig(apiURL string) *config.Config {
	return &config.Config{
		APIBaseURL:           apiURL,
		ActiveLearningPrefix: "/feedback/active",
		RequestTimeout:       5 * time.Second,
	}
}

func TestActiveLearningProxyRelaysStatusAndBody(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/feedback/active/status/job_7":
			_, _ = w.Write([]byte(`{"job_id":"job_7","status":"running","progress":40}`))
		case "/feedback/active/metrics_latest":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"detail":"no metrics yet"}`))
		case "/feedback/active/confidence_dist":
			_, _ = w.Write([]byte(`<html>oops</html>`))
		default:
			w.WriteHeader(http.StatusTeapot)
		}
	}))
	defer backend.Close()

	router := mux.NewRouter()
	RegisterActiveLearningRoutes(router, NewActiveLearningProxy(backend.Client(), testConfig(backend.URL)))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/active-learning/status/job_7", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"job_id":"job_7","status":"running","progress":40}`, rec.Body.String())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/active-learning/latest", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"detail":"no metrics yet"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/active-learning/confidence-dist", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error"`)
}

func TestActiveLearningProxyUploadStreamsMultipart(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f, hdr, err := r.FormFile("file")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"detail":"no file"}`))
			return
		}
		defer f.Close()
		_, _ = w.Write([]byte(`{"dataset_id":"ds_` + strings.TrimSuffix(hdr.Filename, ".csv") + `"}`))
	}))
	defer backend.Close()

	router := mux.NewRouter()
	RegisterActiveLearningRoutes(router, NewActiveLearningProxy(backend.Client(), testConfig(backend.URL)))

	body := "--XYZ\r\nContent-Disposition: form-data; name=\"file\"; filename=\"42.csv\"\r\nContent-Type: text/csv\r\n\r\ntext,label\r\n--XYZ--\r\n"
	req := httptest.NewRequest(http.MethodPost, "/active-learning/upload", strings.NewReader(body))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=XYZ")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"dataset_id":"ds_42"}`, rec.Body.String())
}

func TestActiveLearningProxyUnreachable(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := backend.URL
	backend.Close()

	router := mux.NewRouter()
	RegisterActiveLearningRoutes(router, NewActiveLearningProxy(http.DefaultClient, testConfig(url)))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/active-learning/history", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

type stubStarter struct {
	mu    sync.Mutex
	reqs  []retrain.RetrainRequest
	jobID string
	err   error
}

func (s *stubStarter) Retrain(_ context.Context, req retrain.RetrainRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	return s.jobID, s.err
}

type sequenceSource struct {
	mu      sync.Mutex
	reports []retrain.StatusReport
	i       int
}

func (s *sequenceSource) Status(_ context.Context, jobID string) (retrain.StatusReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.reports[s.i]
	if s.i < len(s.reports)-1 {
		s.i++
	}
	r.JobID = jobID
	return r, nil
}

func newRetrainRouter(starter retrain.JobStarter, source retrain.StatusSource) *mux.Router {
	router := mux.NewRouter()
	RegisterRetrainRoutes(router, &RetrainHandler{
		Submitter: retrain.NewSubmitter(starter, nil, logger.Discard()),
		Source:    source,
		Poll:      retrain.PollConfig{Interval: 5 * time.Millisecond, MaxFailures: 3},
		Grace:     1300 * time.Millisecond,
		Options:   []retrain.PollerOption{retrain.WithPollerLogger(logger.Discard())},
	})
	return router
}

func TestRetrainSubmit(t *testing.T) {
	starter := &stubStarter{jobID: "job_7"}
	router := newRetrainRouter(starter, &sequenceSource{})

	req := httptest.NewRequest(http.MethodPost, "/active-learning/retrain",
		strings.NewReader(`{"dataset_id":"ds_42","include_feedbacks":true,"promote_if_improved":true}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"job_id":"job_7"}`, rec.Body.String())
	require.Len(t, starter.reqs, 1)
	got := starter.reqs[0]
	assert.Equal(t, "ds_42", got.DatasetID)
	assert.True(t, got.Options.IncludeFeedbacks)
	assert.Equal(t, "v1", got.Options.BaseModelVersion)
	assert.Equal(t, true, got.Options.Extra["promote_if_improved"])
}

func TestRetrainSubmitErrors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		err     error
		status  int
		message string
	}{
		{name: "missing dataset", body: `{}`, status: http.StatusBadRequest, message: "dataset_id required"},
		{name: "bad type", body: `{"dataset_id":42}`, status: http.StatusBadRequest, message: "dataset_id must be a string"},
		{name: "malformed", body: `{`, status: http.StatusBadRequest, message: "invalid JSON body"},
		{
			name:    "rejected",
			body:    `{"dataset_id":"ds"}`,
			err:     &retrain.SubmissionError{StatusCode: http.StatusConflict, Body: `{"detail":"training already running"}`},
			status:  http.StatusConflict,
			message: "training already running",
		},
		{
			name:   "unreachable",
			body:   `{"dataset_id":"ds"}`,
			err:    &retrain.TransportError{Op: "submit retrain", Err: errors.New("connection refused")},
			status: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newRetrainRouter(&stubStarter{err: tt.err}, &sequenceSource{})
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/active-learning/retrain", strings.NewReader(tt.body)))

			assert.Equal(t, tt.status, rec.Code)
			var out models.ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
			if tt.message != "" {
				assert.Equal(t, tt.message, out.Error)
			} else {
				assert.NotEmpty(t, out.Error)
			}
		})
	}
}

func TestWatchStreamsEvents(t *testing.T) {
	source := &sequenceSource{reports: []retrain.StatusReport{
		{Status: retrain.StatusQueued},
		{Status: retrain.StatusRunning, Progress: 55},
		{Status: retrain.StatusDone, Progress: 100, ModelVersion: "v2", ResultMetrics: retrain.Metrics{"accuracy": 0.91}},
	}}
	srv := httptest.NewServer(middleware.Logging(newRetrainRouter(&stubStarter{}, source)))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/active-learning/watch/job_7")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	type sse struct {
		name string
		data watchEvent
	}
	var events []sse
	scanner := bufio.NewScanner(resp.Body)
	var current sse
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &current.data))
		case line == "":
			events = append(events, current)
			current = sse{}
		}
	}

	require.Len(t, events, 3)
	assert.Equal(t, "update", events[0].name)
	assert.Equal(t, "Queued... waiting for worker", events[0].data.Label)
	assert.Equal(t, 55, events[1].data.Progress)
	assert.Equal(t, "mid", events[1].data.Band)
	assert.Equal(t, "terminal", events[2].name)
	assert.Equal(t, "completed", events[2].data.State)
	assert.Equal(t, "v2", events[2].data.ModelVersion)
	assert.Equal(t, int64(1300), events[2].data.CloseAfterMs)
}

type stubAdmin struct {
	mu         sync.Mutex
	listCalls  int
	jobs       []retrain.Job
	listErr    error
	history    []retrain.ModelVersionPoint
	historyErr error
	tokens     []string
}

func (s *stubAdmin) ListJobs(ctx context.Context) ([]retrain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	tok, _ := auth.TokenFromContext(ctx)
	s.tokens = append(s.tokens, tok)
	return s.jobs, s.listErr
}

func (s *stubAdmin) ModelHistory(context.Context) ([]retrain.ModelVersionPoint, error) {
	return s.history, s.historyErr
}

type memoryCache struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func (m *memoryCache) Get(_ context.Context, token string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.entries[token]
	return b, ok, nil
}

func (m *memoryCache) Set(_ context.Context, token string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		m.entries = map[string][]byte{}
	}
	m.entries[token] = body
	return nil
}

func (m *memoryCache) InvalidateAll(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.entries)
	m.entries = nil
	return n, nil
}

type outcomeRecorder struct {
	mu       sync.Mutex
	outcomes []string
	events   []string
}

func (o *outcomeRecorder) CacheLookup(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

func (o *outcomeRecorder) EventConsumed(t string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, t)
}

func newAdminRouter(h *AdminHandler) *mux.Router {
	router := mux.NewRouter()
	admin := router.NewRoute().Subrouter()
	admin.Use(middleware.RequireBearer)
	h.Register(admin)
	return router
}

func adminRequest(path, token string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func decodeJobsFixture(t *testing.T) []retrain.Job {
	t.Helper()
	var jobs []retrain.Job
	require.NoError(t, json.Unmarshal([]byte(`[
		{"_id":"1","job_id":"job_1","status":"done","model_version":"v2","createdAt":"2024-05-01T10:00:00Z"},
		{"_id":"2","job_id":"job_2","status":"running"}
	]`), &jobs))
	return jobs
}

func TestAdminJobsRequiresBearer(t *testing.T) {
	router := newAdminRouter(&AdminHandler{Backend: &stubAdmin{}})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, adminRequest("/admin/retrain_jobs", ""))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminJobsCachedPerToken(t *testing.T) {
	backend := &stubAdmin{jobs: decodeJobsFixture(t)}
	cache := &memoryCache{}
	rec := &outcomeRecorder{}
	router := newAdminRouter(&AdminHandler{Backend: backend, Cache: cache, Recorder: rec})

	for _, token := range []string{"alice", "alice", "bob"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, adminRequest("/admin/retrain_jobs", token))
		require.Equal(t, http.StatusOK, w.Code)

		var body struct {
			RetrainJobs []map[string]interface{} `json:"retrain_jobs"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		require.Len(t, body.RetrainJobs, 2)
		assert.Equal(t, "job_1", body.RetrainJobs[0]["job_id"])
	}

	assert.Equal(t, 2, backend.listCalls)
	assert.Equal(t, []string{"alice", "bob"}, backend.tokens)
	assert.Equal(t, []string{"miss", "hit", "miss"}, rec.outcomes)
}

func TestAdminJobsView(t *testing.T) {
	var jobs []retrain.Job
	require.NoError(t, json.Unmarshal([]byte(`[
		{"_id":"3","job_id":"job_3","status":"queued"},
		{"_id":"1","job_id":"job_1","status":"done","model_version":"v2","createdAt":"2024-05-01T10:00:00Z"},
		{"_id":"2","job_id":"job_2","status":"running","createdAt":"2024-06-01T10:00:00Z"}
	]`), &jobs))
	router := newAdminRouter(&AdminHandler{Backend: &stubAdmin{jobs: jobs}})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, adminRequest("/admin/retrain_jobs/view", "alice"))
	require.Equal(t, http.StatusOK, w.Code)

	var view jobsView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	require.Len(t, view.Rows, 3)
	assert.Equal(t, []string{"job_2", "job_1", "job_3"}, []string{view.Rows[0].JobID, view.Rows[1].JobID, view.Rows[2].JobID})
	assert.Equal(t, "v2", view.Rows[1].Name)
	assert.Equal(t, retrain.Placeholder, view.Rows[2].ModelVersion)
	assert.Equal(t, 3, view.Summary.Total)
}

func TestAdminJobsUpstreamError(t *testing.T) {
	backend := &stubAdmin{listErr: &retrain.UpstreamError{Op: "list retrain jobs", StatusCode: http.StatusForbidden, Body: `{"detail":"forbidden"}`}}
	router := newAdminRouter(&AdminHandler{Backend: backend, Cache: &memoryCache{}})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, adminRequest("/admin/retrain_jobs", "alice"))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAdminHistory(t *testing.T) {
	ok := newAdminRouter(&AdminHandler{Backend: &stubAdmin{history: []retrain.ModelVersionPoint{{Version: "v1", Accuracy: 0.8}}}})
	w := httptest.NewRecorder()
	ok.ServeHTTP(w, adminRequest("/admin/models/history", "alice"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"history":[{"version":"v1","accuracy":0.8}]}`, w.Body.String())

	failing := newAdminRouter(&AdminHandler{Backend: &stubAdmin{historyErr: &retrain.UpstreamError{StatusCode: http.StatusUnauthorized}}})
	w = httptest.NewRecorder()
	failing.ServeHTTP(w, adminRequest("/admin/models/history", "alice"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"history":[]}`, w.Body.String())
}

func TestLifecycleEventInvalidatesCache(t *testing.T) {
	cache := &memoryCache{}
	require.NoError(t, cache.Set(context.Background(), "alice", []byte(`{}`)))
	rec := &outcomeRecorder{}
	h := &AdminHandler{Backend: &stubAdmin{}, Cache: cache, Recorder: rec}

	require.NoError(t, h.HandleLifecycleEvent(context.Background(), models.Event{Type: "something.else"}))
	_, hit, _ := cache.Get(context.Background(), "alice")
	assert.True(t, hit)

	require.NoError(t, h.HandleLifecycleEvent(context.Background(), models.Event{
		Type: retrain.EventJobCompleted,
		Data: map[string]interface{}{"job_id": "job_7"},
	}))
	_, hit, _ = cache.Get(context.Background(), "alice")
	assert.False(t, hit)
	assert.Equal(t, []string{"something.else", retrain.EventJobCompleted}, rec.events)
}

func TestPreflightReachesCORS(t *testing.T) {
	router := mux.NewRouter()
	router.Use(middleware.CORS)
	api := router.PathPrefix("/api").Subrouter()
	RegisterRetrainRoutes(api, &RetrainHandler{
		Submitter: retrain.NewSubmitter(&stubStarter{jobID: "job_7"}, nil, logger.Discard()),
		Source:    &sequenceSource{},
	})
	admin := api.NewRoute().Subrouter()
	admin.Use(middleware.RequireBearer)
	(&AdminHandler{Backend: &stubAdmin{}}).Register(admin)
	RegisterPreflight(router)

	for _, path := range []string{"/api/active-learning/retrain", "/api/admin/retrain_jobs", "/api/active-learning/watch/job_7"} {
		req := httptest.NewRequest(http.MethodOptions, path, nil)
		req.Header.Set("Origin", "http://dashboard.local")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code, path)
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"), path)
	}

	// Real methods still reach their handlers.
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/admin/retrain_jobs", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
