package retrain

import (
	"context"
	"time"
)

const (
	EventJobCompleted = "retrain.completed"
	EventJobFailed    = "retrain.failed"

	eventSource = "retrain-poller"
)

// Recorder receives operational counters. The observability/metrics
// collector implements it.
type Recorder interface {
	Submission(result string)
	Poll(result string, latency time.Duration)
	WatchStarted()
	WatchFinished(state State)
}

// NopRecorder discards everything.
type NopRecorder struct{}

func (NopRecorder) Submission(string)          {}
func (NopRecorder) Poll(string, time.Duration) {}
func (NopRecorder) WatchStarted()              {}
func (NopRecorder) WatchFinished(State)        {}

// EventPublisher announces terminal job transitions so that caches of the
// job list and model history can be refreshed. kafka.Producer satisfies it.
type EventPublisher interface {
	PublishEvent(ctx context.Context, eventType string, source string, data map[string]interface{}) error
}

// LifecycleEvent builds the event for a snapshot the backend reported as
// terminal. ok is false for anything else, including watches that failed
// because polling gave up.
func LifecycleEvent(s Snapshot) (eventType string, data map[string]interface{}, ok bool) {
	if s.Err != nil || !s.Status.IsTerminal() {
		return "", nil, false
	}
	eventType = EventJobFailed
	if s.Status == StatusDone {
		eventType = EventJobCompleted
	}
	data = map[string]interface{}{
		"job_id":   s.JobID,
		"status":   string(s.Status),
		"progress": s.Progress,
	}
	if s.ModelVersion != "" {
		data["model_version"] = s.ModelVersion
	}
	if len(s.Metrics) > 0 {
		metrics := make(map[string]interface{}, len(s.Metrics))
		for k, v := range s.Metrics {
			metrics[k] = v
		}
		data["result_metrics"] = metrics
	}
	if s.Message != "" {
		data["message"] = s.Message
	}
	return eventType, data, true
}
