package retrain

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentilens/platform/pkg/common/logger"
)

type fakeStarter struct {
	calls []RetrainRequest
	jobID string
	err   error
}

func (f *fakeStarter) Retrain(_ context.Context, req RetrainRequest) (string, error) {
	f.calls = append(f.calls, req)
	return f.jobID, f.err
}

func TestSubmitRequiresDatasetID(t *testing.T) {
	backend := &fakeStarter{jobID: "job_1"}
	rec := &countingRecorder{}
	s := NewSubmitter(backend, rec, logger.Discard())

	_, err := s.Submit(context.Background(), "   ", DefaultOptions())
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
	assert.ErrorIs(t, err, ErrMissingDatasetID)
	assert.Empty(t, backend.calls)
	assert.Equal(t, 1, rec.submits["invalid"])
}

func TestSubmitDefaultsBaseModelVersion(t *testing.T) {
	backend := &fakeStarter{jobID: "job_1"}
	s := NewSubmitter(backend, nil, logger.Discard())

	id, err := s.Submit(context.Background(), "ds_1", Options{IncludeFeedbacks: true})
	require.NoError(t, err)
	assert.Equal(t, "job_1", id)
	require.Len(t, backend.calls, 1)
	assert.Equal(t, "v1", backend.calls[0].Options.BaseModelVersion)
	assert.True(t, backend.calls[0].Options.IncludeFeedbacks)
}

func TestSubmitDoesNotRetry(t *testing.T) {
	backend := &fakeStarter{err: &TransportError{Op: "submit retrain", Err: errors.New("connection refused")}}
	rec := &countingRecorder{}
	s := NewSubmitter(backend, rec, logger.Discard())

	_, err := s.Submit(context.Background(), "ds_1", DefaultOptions())
	require.Error(t, err)
	assert.True(t, IsTransportError(err))
	assert.Len(t, backend.calls, 1)
	assert.Equal(t, 1, rec.submits["transport_error"])
}

func TestSubmitThenWatchEndToEnd(t *testing.T) {
	var (
		mu        sync.Mutex
		submitted map[string]interface{}
		polls     int
	)
	replies := []string{
		`{"status":"running","progress":10}`,
		`{"status":"running","progress":55}`,
		`{"status":"done","progress":100,"model_version":"v2","result_metrics":{"accuracy":0.91,"f1":0.89,"precision":0.9,"recall":0.88}}`,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/retrain", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		_ = json.Unmarshal(body, &submitted)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"job_id":"job_7"}`))
	})
	mux.HandleFunc("/status/job_7", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		reply := replies[polls]
		polls++
		mu.Unlock()
		_, _ = w.Write([]byte(reply))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewClient(srv.URL, srv.URL, WithLogger(logger.Discard()))
	s := NewSubmitter(client, nil, logger.Discard())

	jobID, err := s.Submit(context.Background(), "ds_42", Options{IncludeFeedbacks: true, BaseModelVersion: "v1"})
	require.NoError(t, err)
	assert.Equal(t, "job_7", jobID)
	mu.Lock()
	assert.Equal(t, map[string]interface{}{
		"dataset_id":         "ds_42",
		"include_feedbacks":  true,
		"base_model_version": "v1",
	}, submitted)
	mu.Unlock()

	var log callLog
	w, err := newTestPoller(client, fastConfig()).Watch(context.Background(), jobID, log.handlers())
	require.NoError(t, err)
	waitDone(t, w)

	require.Len(t, log.updates, 2)
	assert.Equal(t, StatusRunning, log.updates[0].Status)
	assert.Equal(t, 10, log.updates[0].Progress)
	assert.Equal(t, 55, log.updates[1].Progress)
	require.Len(t, log.terminals, 1)
	assert.Equal(t, StatusDone, log.terminals[0].Status)
	assert.Equal(t, Metrics{"accuracy": 0.91, "f1": 0.89, "precision": 0.9, "recall": 0.88}, log.terminals[0].Metrics)
	mu.Lock()
	assert.Equal(t, 3, polls)
	mu.Unlock()
}
