package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/sentilens/platform/pkg/common/logger"
	"github.com/sentilens/platform/pkg/retrain"
)

// RetrainHandler starts retrain jobs and streams their progress.
type RetrainHandler struct {
	Submitter *retrain.Submitter
	Source    retrain.StatusSource
	Poll      retrain.PollConfig
	// Grace is how long the dashboard keeps the final state on screen.
	Grace   time.Duration
	Options []retrain.PollerOption
}

func RegisterRetrainRoutes(router *mux.Router, h *RetrainHandler) {
	if h == nil || h.Submitter == nil || h.Source == nil {
		panic("retrain handler requires submitter and status source")
	}

	router.HandleFunc("/active-learning/retrain", h.handleSubmit).Methods(http.MethodPost)
	router.HandleFunc("/active-learning/watch/{jobid}", h.handleWatch).Methods(http.MethodGet)
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

func (h *RetrainHandler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	datasetID, opts, err := parseRetrainBody(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := retrain.ContextWithRequestID(r.Context(), r.Header.Get("X-Request-ID"))
	jobID, err := h.Submitter.Submit(ctx, datasetID, opts)
	if err != nil {
		status, msg := submitErrorStatus(err)
		respondError(w, status, msg)
		return
	}

	respondJSON(w, http.StatusOK, submitResponse{JobID: jobID})
}

// parseRetrainBody splits the known fields from the pass-through extras.
func parseRetrainBody(body map[string]interface{}) (string, retrain.Options, error) {
	opts := retrain.DefaultOptions()
	var datasetID string

	if v, ok := body["dataset_id"]; ok && v != nil {
		s, ok := v.(string)
		if !ok {
			return "", opts, errors.New("dataset_id must be a string")
		}
		datasetID = s
	}
	if v, ok := body["include_feedbacks"]; ok && v != nil {
		b, ok := v.(bool)
		if !ok {
			return "", opts, errors.New("include_feedbacks must be a boolean")
		}
		opts.IncludeFeedbacks = b
	}
	if v, ok := body["base_model_version"]; ok && v != nil {
		s, ok := v.(string)
		if !ok {
			return "", opts, errors.New("base_model_version must be a string")
		}
		if s != "" {
			opts.BaseModelVersion = s
		}
	}

	for k, v := range body {
		switch k {
		case "dataset_id", "include_feedbacks", "base_model_version":
			continue
		}
		if opts.Extra == nil {
			opts.Extra = map[string]interface{}{}
		}
		opts.Extra[k] = v
	}
	return datasetID, opts, nil
}

func submitErrorStatus(err error) (int, string) {
	var se *retrain.SubmissionError
	switch {
	case retrain.IsValidationError(err):
		return http.StatusBadRequest, err.Error()
	case errors.As(err, &se):
		return se.StatusCode, se.Message()
	}
	return http.StatusBadGateway, err.Error()
}

type watchEvent struct {
	JobID         string          `json:"job_id"`
	State         string          `json:"state"`
	Status        string          `json:"status"`
	Label         string          `json:"label"`
	Progress      int             `json:"progress"`
	Band          string          `json:"band"`
	Message       string          `json:"message,omitempty"`
	ModelVersion  string          `json:"model_version,omitempty"`
	ResultMetrics retrain.Metrics `json:"result_metrics,omitempty"`
	Error         string          `json:"error,omitempty"`
	CloseAfterMs  int64           `json:"close_after_ms,omitempty"`
}

func newWatchEvent(s retrain.Snapshot) watchEvent {
	ev := watchEvent{
		JobID:         s.JobID,
		State:         s.State.String(),
		Status:        s.Status.String(),
		Label:         s.Status.Label(),
		Progress:      s.Progress,
		Band:          retrain.ProgressBand(s.Progress),
		Message:       s.Message,
		ModelVersion:  s.ModelVersion,
		ResultMetrics: s.Metrics,
	}
	if s.Err != nil {
		ev.Error = s.Err.Error()
	}
	return ev
}

// handleWatch streams snapshots as server-sent events. The stream ends after
// the terminal event or when the client disconnects, which cancels the watch.
func (h *RetrainHandler) handleWatch(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(mux.Vars(r)["jobid"])
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ctx := retrain.ContextWithRequestID(r.Context(), r.Header.Get("X-Request-ID"))
	poller := retrain.NewPoller(h.Source, h.Poll, h.Options...)
	stream, err := poller.Stream(ctx, jobID)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for snap := range stream.C {
		name := "update"
		ev := newWatchEvent(snap)
		if snap.State.IsFinal() {
			name = "terminal"
			ev.CloseAfterMs = h.Grace.Milliseconds()
		}
		if err := writeSSE(w, name, ev); err != nil {
			logger.Log.WithError(err).WithField("job_id", jobID).Debug("watch client went away")
			return
		}
		flusher.Flush()
	}
}

func writeSSE(w http.ResponseWriter, event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
