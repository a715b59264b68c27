package routes

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/sentilens/platform/pkg/auth"
	"github.com/sentilens/platform/pkg/common/logger"
	"github.com/sentilens/platform/pkg/common/models"
	"github.com/sentilens/platform/pkg/retrain"
)

// AdminBackend is the admin API as seen by the gateway. *retrain.Client
// implements it.
type AdminBackend interface {
	ListJobs(ctx context.Context) ([]retrain.Job, error)
	ModelHistory(ctx context.Context) ([]retrain.ModelVersionPoint, error)
}

// JobListCache stores serialised job snapshots per bearer token.
type JobListCache interface {
	Get(ctx context.Context, token string) ([]byte, bool, error)
	Set(ctx context.Context, token string, body []byte) error
	InvalidateAll(ctx context.Context) (int, error)
}

// CacheRecorder counts cache outcomes.
type CacheRecorder interface {
	CacheLookup(outcome string)
	EventConsumed(eventType string)
}

type AdminHandler struct {
	Backend  AdminBackend
	Cache    JobListCache
	Recorder CacheRecorder
}

type jobsPayload struct {
	RetrainJobs []retrain.Job `json:"retrain_jobs"`
}

type jobsView struct {
	Rows    []retrain.Row   `json:"rows"`
	Summary retrain.Summary `json:"summary"`
}

type historyPayload struct {
	History []retrain.ModelVersionPoint `json:"history"`
}

// Register mounts the admin endpoints on a router that already requires a
// bearer token.
func (h *AdminHandler) Register(r *mux.Router) {
	if h.Backend == nil {
		panic("admin handler requires a backend")
	}
	r.HandleFunc("/admin/retrain_jobs", h.handleJobs).Methods(http.MethodGet)
	r.HandleFunc("/admin/retrain_jobs/view", h.handleJobsView).Methods(http.MethodGet)
	r.HandleFunc("/admin/models/history", h.handleHistory).Methods(http.MethodGet)
}

func (h *AdminHandler) handleJobs(w http.ResponseWriter, r *http.Request) {
	body, err := h.jobsBody(r.Context())
	if err != nil {
		h.respondUpstreamError(w, err)
		return
	}
	respondRaw(w, http.StatusOK, body)
}

func (h *AdminHandler) handleJobsView(w http.ResponseWriter, r *http.Request) {
	body, err := h.jobsBody(r.Context())
	if err != nil {
		h.respondUpstreamError(w, err)
		return
	}
	var payload jobsPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		respondError(w, http.StatusInternalServerError, "cached job list is unreadable")
		return
	}
	retrain.SortNewestFirst(payload.RetrainJobs)
	respondJSON(w, http.StatusOK, jobsView{
		Rows:    retrain.Project(payload.RetrainJobs),
		Summary: retrain.Summarize(payload.RetrainJobs),
	})
}

// handleHistory mirrors the dashboard contract: on any failure the body is an
// empty history with the upstream status.
func (h *AdminHandler) handleHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.Backend.ModelHistory(r.Context())
	if err != nil {
		logger.Log.WithError(err).Warn("model history unavailable")
		respondJSON(w, errorStatus(err), historyPayload{History: []retrain.ModelVersionPoint{}})
		return
	}
	respondJSON(w, http.StatusOK, historyPayload{History: history})
}

func (h *AdminHandler) jobsBody(ctx context.Context) ([]byte, error) {
	token, _ := auth.TokenFromContext(ctx)

	if h.Cache != nil {
		body, hit, err := h.Cache.Get(ctx, token)
		switch {
		case err != nil:
			h.record("error")
			logger.Log.WithError(err).Warn("job list cache lookup failed")
		case hit:
			h.record("hit")
			return body, nil
		default:
			h.record("miss")
		}
	}

	jobs, err := h.Backend.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(jobsPayload{RetrainJobs: jobs})
	if err != nil {
		return nil, err
	}

	if h.Cache != nil {
		if err := h.Cache.Set(ctx, token, body); err != nil {
			logger.Log.WithError(err).Warn("job list cache store failed")
		}
	}
	return body, nil
}

// HandleLifecycleEvent drops cached job lists when a job finishes so the
// admin view shows the new status on the next request.
func (h *AdminHandler) HandleLifecycleEvent(ctx context.Context, event models.Event) error {
	if h.Recorder != nil {
		h.Recorder.EventConsumed(event.Type)
	}
	switch event.Type {
	case retrain.EventJobCompleted, retrain.EventJobFailed:
	default:
		return nil
	}
	if h.Cache == nil {
		return nil
	}
	removed, err := h.Cache.InvalidateAll(ctx)
	if err != nil {
		return err
	}
	logger.Log.WithFields(map[string]interface{}{
		"event_id": event.ID,
		"job_id":   event.Data["job_id"],
		"removed":  removed,
	}).Info("job list cache invalidated")
	return nil
}

func (h *AdminHandler) record(outcome string) {
	if h.Recorder != nil {
		h.Recorder.CacheLookup(outcome)
	}
}

func (h *AdminHandler) respondUpstreamError(w http.ResponseWriter, err error) {
	logger.Log.WithError(err).Warn("admin request failed")
	respondError(w, errorStatus(err), err.Error())
}

func errorStatus(err error) int {
	var ue *retrain.UpstreamError
	switch {
	case errors.As(err, &ue):
		return ue.StatusCode
	case retrain.IsValidationError(err):
		return http.StatusUnauthorized
	}
	return http.StatusBadGateway
}
