package retrain

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// DefaultBaseModelVersion is used when the caller does not pick a base model.
const DefaultBaseModelVersion = "v1"

// Metrics maps a metric name (accuracy, f1, precision, recall, ...) to its value.
type Metrics map[string]float64

// UnmarshalJSON keeps numeric entries only; the backend sometimes nests
// strings such as model_version inside result_metrics.
func (m *Metrics) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*m = nil
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Metrics, len(raw))
	for k, v := range raw {
		var f float64
		if err := json.Unmarshal(v, &f); err == nil {
			out[k] = f
		}
	}
	*m = out
	return nil
}

// Get returns the named metric and whether it was reported.
func (m Metrics) Get(name string) (float64, bool) {
	v, ok := m[name]
	return v, ok
}

// StatusReport is one observation of a job returned by GET /status/{job_id}.
type StatusReport struct {
	JobID         string  `json:"job_id,omitempty"`
	Status        Status  `json:"status"`
	Progress      int     `json:"progress"`
	Message       string  `json:"message,omitempty"`
	ModelVersion  string  `json:"model_version,omitempty"`
	ResultMetrics Metrics `json:"result_metrics,omitempty"`
}

// statusPayload is the wire shape; pointers distinguish absent fields.
type statusPayload struct {
	JobID         string          `json:"job_id"`
	Status        *string         `json:"status"`
	Progress      *float64        `json:"progress"`
	Message       *string         `json:"message"`
	ModelVersion  json.RawMessage `json:"model_version"`
	ResultMetrics json.RawMessage `json:"result_metrics"`
}

func (p statusPayload) report() StatusReport {
	metrics, version := decodeResult(p.ResultMetrics)
	r := StatusReport{
		JobID:         p.JobID,
		Status:        ParseStatus(*p.Status),
		ModelVersion:  rawString(p.ModelVersion),
		ResultMetrics: metrics,
	}
	if r.ModelVersion == "" {
		r.ModelVersion = version
	}
	if p.Progress != nil {
		r.Progress = ClampProgress(int(*p.Progress))
	}
	if p.Message != nil {
		r.Message = *p.Message
	}
	return r
}

// UploadResult is returned by POST /upload.
type UploadResult struct {
	DatasetID string `json:"dataset_id"`
	Filename  string `json:"filename,omitempty"`
	Rows      int    `json:"rows,omitempty"`
}

// Options configures a retrain submission. Extra carries fields this client
// does not know about; they are sent to the backend untouched.
type Options struct {
	IncludeFeedbacks bool
	BaseModelVersion string
	Extra            map[string]interface{}
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{BaseModelVersion: DefaultBaseModelVersion}
}

// RetrainRequest is the body of POST /retrain.
type RetrainRequest struct {
	DatasetID string
	Options   Options
}

// MarshalJSON flattens the known fields and the pass-through extras into one
// object. Known fields win over extras with the same key.
func (r RetrainRequest) MarshalJSON() ([]byte, error) {
	body := make(map[string]interface{}, len(r.Options.Extra)+3)
	for k, v := range r.Options.Extra {
		body[k] = v
	}
	body["dataset_id"] = r.DatasetID
	body["include_feedbacks"] = r.Options.IncludeFeedbacks
	version := r.Options.BaseModelVersion
	if version == "" {
		version = DefaultBaseModelVersion
	}
	body["base_model_version"] = version
	return json.Marshal(body)
}

type retrainResponse struct {
	JobID string `json:"job_id"`
}

// Job is one record of the admin retrain-jobs snapshot. Every field except
// the raw document is optional.
type Job struct {
	ID            string
	JobID         string
	Name          string
	Status        string
	Progress      *int
	ModelVersion  string
	ResultMetrics Metrics
	CreatedAt     string
	Raw           map[string]json.RawMessage
}

// UnmarshalJSON decodes a job tolerantly: malformed optional fields are
// dropped instead of failing the whole list.
func (j *Job) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*j = Job{Raw: raw}
	j.ID = rawString(raw["_id"])
	j.JobID = rawString(raw["job_id"])
	j.Name = rawString(raw["name"])
	j.Status = rawString(raw["status"])
	j.ModelVersion = rawString(raw["model_version"])

	if v, ok := raw["progress"]; ok {
		var f float64
		if err := json.Unmarshal(v, &f); err == nil {
			p := ClampProgress(int(f))
			j.Progress = &p
		}
	}
	if v, ok := raw["result_metrics"]; ok {
		metrics, version := decodeResult(v)
		j.ResultMetrics = metrics
		if j.ModelVersion == "" {
			j.ModelVersion = version
		}
	}
	for _, key := range []string{"createdAt", "created_at", "_created"} {
		if s := rawTime(raw[key]); s != "" {
			j.CreatedAt = s
			break
		}
	}
	return nil
}

// MarshalJSON returns the original document so the job can be shown as a log.
func (j Job) MarshalJSON() ([]byte, error) {
	if j.Raw != nil {
		return json.Marshal(j.Raw)
	}
	out := map[string]interface{}{}
	if j.ID != "" {
		out["_id"] = j.ID
	}
	if j.JobID != "" {
		out["job_id"] = j.JobID
	}
	if j.Status != "" {
		out["status"] = j.Status
	}
	if j.ModelVersion != "" {
		out["model_version"] = j.ModelVersion
	}
	if j.ResultMetrics != nil {
		out["result_metrics"] = j.ResultMetrics
	}
	if j.CreatedAt != "" {
		out["created_at"] = j.CreatedAt
	}
	return json.Marshal(out)
}

type jobsResponse struct {
	RetrainJobs []Job `json:"retrain_jobs"`
}

// ModelVersionPoint is one entry of the model accuracy history.
type ModelVersionPoint struct {
	Version  string  `json:"version"`
	Accuracy float64 `json:"accuracy"`
}

func (p *ModelVersionPoint) UnmarshalJSON(data []byte) error {
	var raw struct {
		Version  json.RawMessage `json:"version"`
		Accuracy *float64        `json:"accuracy"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.Version = rawString(raw.Version)
	p.Accuracy = 0
	if raw.Accuracy != nil {
		p.Accuracy = *raw.Accuracy
	}
	return nil
}

type historyResponse struct {
	History []ModelVersionPoint `json:"history"`
}

// decodeResult reads a result_metrics value in either of the shapes the
// backend sends: flat ({"accuracy": 0.9, "model_version": "v2"}) or wrapped
// ({"metrics": {...}, "version": "v2"}). The version is "" when absent.
func decodeResult(v json.RawMessage) (Metrics, string) {
	var nested map[string]json.RawMessage
	if err := json.Unmarshal(v, &nested); err != nil || nested == nil {
		return nil, ""
	}
	version := rawString(nested["version"])
	if version == "" {
		version = rawString(nested["model_version"])
	}

	var m Metrics
	if inner, ok := nested["metrics"]; ok && json.Unmarshal(inner, &m) == nil && m != nil {
		return m, version
	}
	if err := json.Unmarshal(v, &m); err != nil {
		return nil, version
	}
	return m, version
}

// rawString renders a JSON string or number as text; anything else is "".
func rawString(v json.RawMessage) string {
	if len(v) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		return n.String()
	}
	return ""
}

// rawTime accepts a string, a unix timestamp or a Mongo extended-JSON date.
func rawTime(v json.RawMessage) string {
	if s := rawString(v); s != "" {
		return s
	}
	var ext struct {
		Date json.RawMessage `json:"$date"`
	}
	if err := json.Unmarshal(v, &ext); err == nil && len(ext.Date) > 0 {
		return rawTime(ext.Date)
	}
	return ""
}

func formatFloat(f float64) string {
	return strings.TrimRight(strings.TrimRight(strconv.FormatFloat(f, 'f', 4, 64), "0"), ".")
}
