package retrain

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Placeholder is shown for any optional field a job record lacks.
const Placeholder = "—"

const missingMetric = "-"

// Row is the display form of one admin job record. Every field is
// renderable as-is.
type Row struct {
	Key          string `json:"key"`
	JobID        string `json:"job_id"`
	Name         string `json:"name"`
	Status       string `json:"status"`
	Tone         string `json:"tone"`
	Progress     string `json:"progress"`
	ModelVersion string `json:"model_version"`
	Created      string `json:"created"`
	Metrics      string `json:"metrics"`
}

var createdLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Project renders a batch snapshot of jobs. It never fails: a record missing
// any optional field gets a placeholder instead.
func Project(jobs []Job) []Row {
	rows := make([]Row, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, projectJob(j))
	}
	return rows
}

func projectJob(j Job) Row {
	id := j.ID
	if id == "" {
		id = j.JobID
	}
	key := id
	if key == "" {
		key = "row-" + uuid.New().String()[:8]
	}

	name := j.Name
	if name == "" {
		name = j.ModelVersion
	}
	if name == "" && id != "" {
		name = "job-" + lastN(id, 6)
	}

	row := Row{
		Key:          key,
		JobID:        orPlaceholder(j.JobID),
		Name:         orPlaceholder(name),
		Status:       orPlaceholder(j.Status),
		Tone:         ParseStatus(j.Status).Tone(),
		Progress:     Placeholder,
		ModelVersion: orPlaceholder(j.ModelVersion),
		Created:      formatCreated(j.CreatedAt),
		Metrics:      formatMetrics(j.ResultMetrics),
	}
	if j.Progress != nil {
		row.Progress = strconv.Itoa(*j.Progress) + "%"
	}
	return row
}

// formatMetrics renders the four headline metrics, or the placeholder when
// the job reported none.
func formatMetrics(m Metrics) string {
	if len(m) == 0 {
		return Placeholder
	}
	parts := make([]string, 0, 4)
	for _, f := range []struct{ label, key string }{
		{"acc", "accuracy"},
		{"f1", "f1"},
		{"p", "precision"},
		{"r", "recall"},
	} {
		v := missingMetric
		if x, ok := m.Get(f.key); ok {
			v = formatFloat(x)
		}
		parts = append(parts, fmt.Sprintf("%s: %s", f.label, v))
	}
	return strings.Join(parts, " ")
}

func formatCreated(raw string) string {
	t, ok := parseCreated(raw)
	if !ok {
		return Placeholder
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

func parseCreated(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range createdLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	// Unix seconds or milliseconds.
	if f, err := strconv.ParseFloat(raw, 64); err == nil && f > 0 {
		if f > 1e12 {
			return time.UnixMilli(int64(f)), true
		}
		return time.Unix(int64(f), 0), true
	}
	return time.Time{}, false
}

// Summary counts jobs per status, in first-seen order.
type Summary struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
	Statuses []string       `json:"statuses"`
}

func Summarize(jobs []Job) Summary {
	s := Summary{Total: len(jobs), ByStatus: map[string]int{}}
	for _, j := range jobs {
		status := j.Status
		if status == "" {
			status = string(StatusUnknown)
		}
		if _, seen := s.ByStatus[status]; !seen {
			s.Statuses = append(s.Statuses, status)
		}
		s.ByStatus[status]++
	}
	return s
}

// SortNewestFirst orders jobs by creation time; undated jobs sort last and
// keep their relative order.
func SortNewestFirst(jobs []Job) {
	sort.SliceStable(jobs, func(a, b int) bool {
		ta, okA := parseCreated(jobs[a].CreatedAt)
		tb, okB := parseCreated(jobs[b].CreatedAt)
		switch {
		case okA && okB:
			return ta.After(tb)
		case okA:
			return true
		}
		return false
	})
}

func orPlaceholder(s string) string {
	if strings.TrimSpace(s) == "" {
		return Placeholder
	}
	return s
}

func lastN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
