package retrain

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeJobs(t *testing.T, raw string) []Job {
	t.Helper()
	var jobs []Job
	require.NoError(t, json.Unmarshal([]byte(raw), &jobs))
	return jobs
}

func TestProjectFullRecord(t *testing.T) {
	jobs := decodeJobs(t, `[{
		"_id": "665f1c2a9b1e8a0012345678",
		"job_id": "job_7",
		"status": "done",
		"progress": 100,
		"model_version": "v2",
		"result_metrics": {"accuracy": 0.91, "f1": 0.89, "precision": 0.9, "recall": 0.88},
		"createdAt": "2024-05-01T10:00:00Z"
	}]`)

	rows := Project(jobs)
	require.Len(t, rows, 1)
	r := rows[0]
	assert.Equal(t, "665f1c2a9b1e8a0012345678", r.Key)
	assert.Equal(t, "job_7", r.JobID)
	assert.Equal(t, "v2", r.Name)
	assert.Equal(t, "done", r.Status)
	assert.Equal(t, "success", r.Tone)
	assert.Equal(t, "100%", r.Progress)
	assert.Equal(t, "2024-05-01 10:00:00", r.Created)
	assert.Equal(t, "acc: 0.91 f1: 0.89 p: 0.9 r: 0.88", r.Metrics)
}

func TestProjectDegradesGracefully(t *testing.T) {
	jobs := decodeJobs(t, `[
		{"job_id": "abcdef123456", "status": "queued"},
		{"status": "weird-state", "created_at": "not a date", "result_metrics": {"accuracy": 0.5}},
		{},
		{"_id": "x", "name": "nightly", "progress": "n/a", "createdAt": {"$date": "2024-01-02T03:04:05Z"}}
	]`)

	rows := Project(jobs)
	require.Len(t, rows, 4)

	assert.Equal(t, "job-123456", rows[0].Name)
	assert.Equal(t, Placeholder, rows[0].ModelVersion)
	assert.Equal(t, Placeholder, rows[0].Metrics)
	assert.Equal(t, Placeholder, rows[0].Created)
	assert.Equal(t, Placeholder, rows[0].Progress)
	assert.Equal(t, "pending", rows[0].Tone)

	assert.Equal(t, "weird-state", rows[1].Status)
	assert.Equal(t, "neutral", rows[1].Tone)
	assert.Equal(t, Placeholder, rows[1].Created)
	assert.Equal(t, "acc: 0.5 f1: - p: - r: -", rows[1].Metrics)
	assert.True(t, strings.HasPrefix(rows[1].Key, "row-"))

	assert.Equal(t, Placeholder, rows[2].Name)
	assert.Equal(t, Placeholder, rows[2].Status)
	assert.NotEqual(t, rows[1].Key, rows[2].Key)

	assert.Equal(t, "nightly", rows[3].Name)
	assert.Equal(t, Placeholder, rows[3].Progress)
	assert.Equal(t, "2024-01-02 03:04:05", rows[3].Created)
}

func TestProjectUnixTimestamps(t *testing.T) {
	jobs := []Job{{CreatedAt: "1714557600"}, {CreatedAt: "1714557600000"}}
	rows := Project(jobs)
	assert.Equal(t, "2024-05-01 10:00:00", rows[0].Created)
	assert.Equal(t, "2024-05-01 10:00:00", rows[1].Created)
}

func TestSummarize(t *testing.T) {
	s := Summarize([]Job{{Status: "done"}, {Status: "running"}, {Status: "done"}, {}})
	assert.Equal(t, 4, s.Total)
	assert.Equal(t, []string{"done", "running", "unknown"}, s.Statuses)
	assert.Equal(t, 2, s.ByStatus["done"])
	assert.Equal(t, 1, s.ByStatus["unknown"])
}

func TestSortNewestFirst(t *testing.T) {
	jobs := []Job{
		{JobID: "old", CreatedAt: "2024-01-01T00:00:00Z"},
		{JobID: "undated"},
		{JobID: "new", CreatedAt: "2024-06-01T00:00:00Z"},
	}
	SortNewestFirst(jobs)
	assert.Equal(t, "new", jobs[0].JobID)
	assert.Equal(t, "old", jobs[1].JobID)
	assert.Equal(t, "undated", jobs[2].JobID)
}

func TestJobMarshalReturnsOriginalDocument(t *testing.T) {
	jobs := decodeJobs(t, `[{"job_id":"j","extra":{"nested":true}}]`)
	out, err := json.Marshal(jobs[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"job_id":"j","extra":{"nested":true}}`, string(out))
}
