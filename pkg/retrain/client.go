package retrain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sentilens/platform/pkg/auth"
	"github.com/sentilens/platform/pkg/common/logger"
	"github.com/sentilens/platform/pkg/gateway/httpclient"
)

const maxErrorBody = 64 * 1024

type requestIDKey struct{}

// ContextWithRequestID makes outbound calls reuse the caller's correlation id.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.New().String()
}

// Client talks to the inference/training backend and to the admin API.
type Client struct {
	baseURL    string
	adminURL   string
	httpClient *http.Client
	tokens     auth.TokenProvider
	retries    int
	log        logrus.FieldLogger
}

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithTokenProvider sets where admin bearer tokens come from.
func WithTokenProvider(p auth.TokenProvider) ClientOption {
	return func(c *Client) { c.tokens = p }
}

// WithRetries sets the attempt count for idempotent reads.
func WithRetries(n int) ClientOption {
	return func(c *Client) { c.retries = n }
}

func WithLogger(l logrus.FieldLogger) ClientOption {
	return func(c *Client) { c.log = l }
}

// NewClient builds a client. baseURL is the active-learning root (for example
// http://api:8000/feedback/active); adminURL is the admin API root.
func NewClient(baseURL, adminURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		adminURL:   strings.TrimRight(adminURL, "/"),
		httpClient: httpclient.New(15 * time.Second),
		retries:    3,
		log:        logger.Log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Upload sends a training CSV as multipart field "file" and returns the dataset reference.
func (c *Client) Upload(ctx context.Context, filename string, content io.Reader) (UploadResult, error) {
	const op = "upload dataset"
	if content == nil {
		return UploadResult{}, ValidationError{reason: ErrMissingFile}
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeFormFile(mw, filename, content))
	}()

	resp, err := c.do(ctx, op, http.MethodPost, c.baseURL+"/upload", pr, mw.FormDataContentType(), false)
	if err != nil {
		pr.CloseWithError(err)
		return UploadResult{}, err
	}
	defer pr.Close()
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return UploadResult{}, &UpstreamError{Op: op, StatusCode: resp.StatusCode, Body: readBody(resp.Body)}
	}

	var out UploadResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return UploadResult{}, &ProtocolError{Op: op, Err: err}
	}
	if out.DatasetID == "" {
		return UploadResult{}, &ProtocolError{Op: op, Err: errors.New("response has no dataset_id")}
	}
	return out, nil
}

// writeFormFile streams content into the multipart body as field "file".
func writeFormFile(mw *multipart.Writer, filename string, content io.Reader) error {
	part, err := mw.CreateFormFile("file", filepath.Base(filename))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, content); err != nil {
		return fmt.Errorf("reading upload content: %w", err)
	}
	return mw.Close()
}

// Retrain issues exactly one POST /retrain. It never retries: the backend
// offers no idempotency key, so a resend could start a second job.
func (c *Client) Retrain(ctx context.Context, req RetrainRequest) (string, error) {
	const op = "submit retrain"
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshalling retrain request: %w", err)
	}

	resp, err := c.do(ctx, op, http.MethodPost, c.baseURL+"/retrain", bytes.NewReader(payload), "application/json", false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return "", &SubmissionError{StatusCode: resp.StatusCode, Body: readBody(resp.Body)}
	}

	var out retrainResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &ProtocolError{Op: op, Err: err}
	}
	if out.JobID == "" {
		return "", &ProtocolError{Op: op, Err: errors.New("response has no job_id")}
	}
	return out.JobID, nil
}

// Status performs one poll of GET /status/{job_id}.
func (c *Client) Status(ctx context.Context, jobID string) (StatusReport, error) {
	const op = "poll job status"
	if strings.TrimSpace(jobID) == "" {
		return StatusReport{}, ValidationError{reason: ErrMissingJobID}
	}

	resp, err := c.do(ctx, op, http.MethodGet, c.baseURL+"/status/"+url.PathEscape(jobID), nil, "", false)
	if err != nil {
		return StatusReport{}, err
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return StatusReport{}, &UpstreamError{Op: op, StatusCode: resp.StatusCode, Body: readBody(resp.Body)}
	}

	var payload statusPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return StatusReport{}, &ProtocolError{Op: op, Err: err}
	}
	if payload.Status == nil {
		return StatusReport{}, &ProtocolError{Op: op, Err: errors.New("response has no status")}
	}
	report := payload.report()
	if report.JobID == "" {
		report.JobID = jobID
	}
	return report, nil
}

// ListJobs fetches the admin snapshot of all retrain jobs in one call.
func (c *Client) ListJobs(ctx context.Context) ([]Job, error) {
	var out jobsResponse
	if err := c.getAdminJSON(ctx, "list retrain jobs", "/retrain_jobs", &out); err != nil {
		return nil, err
	}
	if out.RetrainJobs == nil {
		return []Job{}, nil
	}
	return out.RetrainJobs, nil
}

// ModelHistory fetches the accuracy per model version, oldest first.
func (c *Client) ModelHistory(ctx context.Context) ([]ModelVersionPoint, error) {
	var out historyResponse
	if err := c.getAdminJSON(ctx, "model history", "/models/growth", &out); err != nil {
		return nil, err
	}
	if out.History == nil {
		return []ModelVersionPoint{}, nil
	}
	return out.History, nil
}

func (c *Client) getAdminJSON(ctx context.Context, op, path string, v interface{}) error {
	return httpclient.Retry(ctx, c.retries, 200*time.Millisecond, retriableTransport, func() error {
		resp, err := c.do(ctx, op, http.MethodGet, c.adminURL+path, nil, "", true)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if !isSuccess(resp.StatusCode) {
			return &UpstreamError{Op: op, StatusCode: resp.StatusCode, Body: readBody(resp.Body)}
		}
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			return &ProtocolError{Op: op, Err: err}
		}
		return nil
	})
}

func (c *Client) do(ctx context.Context, op, method, target string, body io.Reader, contentType string, admin bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("%s: building request: %w", op, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID(ctx))

	if admin && c.tokens != nil {
		token, err := c.tokens(ctx)
		if err != nil {
			if errors.Is(err, auth.ErrNoToken) {
				return nil, ValidationError{reason: fmt.Errorf("%s: %w", op, err)}
			}
			return nil, &TransportError{Op: op, Err: fmt.Errorf("obtaining token: %w", err)}
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}

	c.log.WithFields(logrus.Fields{
		"op":         op,
		"url":        target,
		"status":     resp.StatusCode,
		"request_id": req.Header.Get("X-Request-ID"),
	}).Debug("backend call")
	return resp, nil
}

func retriableTransport(err error) bool {
	var te *TransportError
	if !errors.As(err, &te) {
		return false
	}
	return httpclient.IsRetriable(te.Err)
}

func isSuccess(code int) bool {
	return code >= 200 && code < 300
}

func readBody(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil {
		return ""
	}
	return string(data)
}
