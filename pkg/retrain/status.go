package retrain

import "strings"

// Status is the backend-reported state of a retrain job. Values outside the
// known set are kept verbatim so they can be displayed as-is.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
	StatusUnknown Status = "unknown"
)

// ParseStatus normalises case and whitespace for known statuses and returns
// anything else unchanged. An empty value maps to StatusUnknown.
func ParseStatus(raw string) Status {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	switch s {
	case StatusQueued, StatusRunning, StatusDone, StatusFailed:
		return s
	case "":
		return StatusUnknown
	}
	return Status(raw)
}

// Known reports whether s belongs to the closed backend enumeration.
func (s Status) Known() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusDone, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions can follow s.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Label is the progress caption shown while watching a job.
func (s Status) Label() string {
	switch s {
	case StatusQueued:
		return "Queued... waiting for worker"
	case StatusRunning:
		return "Training in progress..."
	case StatusDone:
		return "Completed!"
	case StatusFailed:
		return "Failed!"
	}
	return string(s)
}

// Tone classifies a status for badge colouring in the admin view.
func (s Status) Tone() string {
	switch s {
	case StatusQueued:
		return "pending"
	case StatusRunning:
		return "active"
	case StatusDone:
		return "success"
	case StatusFailed:
		return "error"
	}
	return "neutral"
}

func (s Status) String() string {
	return string(s)
}

// ClampProgress bounds a reported percentage to [0,100].
func ClampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// ProgressBand buckets a percentage the way the progress ring is coloured.
func ProgressBand(pct int) string {
	switch {
	case pct < 50:
		return "low"
	case pct < 80:
		return "mid"
	default:
		return "high"
	}
}
