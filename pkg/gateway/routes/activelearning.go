package routes

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/sentilens/platform/pkg/common/config"
	"github.com/sentilens/platform/pkg/common/logger"
)

const maxUpstreamBody = 10 << 20

// ActiveLearningProxy forwards the dashboard's active-learning calls to the
// backend and relays the JSON answer with the backend's status code.
type ActiveLearningProxy struct {
	Client *http.Client
	Cfg    *config.Config
}

func NewActiveLearningProxy(client *http.Client, cfg *config.Config) *ActiveLearningProxy {
	return &ActiveLearningProxy{Client: client, Cfg: cfg}
}

// RegisterActiveLearningRoutes mounts the proxies. The retrain and watch
// endpoints are registered by RetrainHandler.
func RegisterActiveLearningRoutes(router *mux.Router, proxy *ActiveLearningProxy) {
	if proxy == nil || proxy.Client == nil || proxy.Cfg == nil {
		panic("active-learning proxy requires client and config")
	}

	router.HandleFunc("/active-learning/upload", proxy.handleUpload).Methods(http.MethodPost)
	router.HandleFunc("/active-learning/status/{jobid}", proxy.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/active-learning/latest", proxy.get("/metrics_latest")).Methods(http.MethodGet)
	router.HandleFunc("/active-learning/history", proxy.get("/prediction_history")).Methods(http.MethodGet)
	router.HandleFunc("/active-learning/confidence-dist", proxy.get("/confidence_dist")).Methods(http.MethodGet)
}

func (p *ActiveLearningProxy) handleUpload(w http.ResponseWriter, r *http.Request) {
	// The multipart body is streamed as-is; its boundary lives in Content-Type.
	p.forward(w, r, http.MethodPost, p.Cfg.ActiveLearningURL("/upload"), r.Body)
}

func (p *ActiveLearningProxy) handleStatus(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobid"]
	p.forward(w, r, http.MethodGet, p.Cfg.ActiveLearningURL("/status/"+url.PathEscape(jobID)), nil)
}

func (p *ActiveLearningProxy) get(path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p.forward(w, r, http.MethodGet, p.Cfg.ActiveLearningURL(path), nil)
	}
}

func (p *ActiveLearningProxy) forward(w http.ResponseWriter, r *http.Request, method, target string, body io.Reader) {
	ctx, cancel := context.WithTimeout(r.Context(), p.Cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to build upstream request")
		return
	}
	if ctype := r.Header.Get("Content-Type"); ctype != "" && body != nil {
		req.Header.Set("Content-Type", ctype)
	}
	req.Header.Set("Accept", "application/json")
	corrID := ensureCorrelationID(r, req)

	resp, err := p.Client.Do(req)
	if err != nil {
		logger.Log.WithError(err).WithField("url", target).Error("active-learning proxy failed")
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !json.Valid(data) {
		respondError(w, http.StatusInternalServerError, fmt.Sprintf("upstream returned non-JSON body with status %d", resp.StatusCode))
		return
	}
	respondRaw(w, resp.StatusCode, data)

	logger.Log.WithFields(map[string]interface{}{
		"url":        target,
		"status":     resp.StatusCode,
		"request_id": corrID,
	}).Info("Forwarded request to active-learning backend")
}

func ensureCorrelationID(src, dst *http.Request) string {
	corrID := src.Header.Get("X-Request-ID")
	if corrID == "" {
		corrID = uuid.New().String()
	}
	dst.Header.Set("X-Request-ID", corrID)
	return corrID
}
