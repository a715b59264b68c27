package retrain

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sentilens/platform/pkg/common/logger"
)

// JobStarter is the backend side of a submission.
type JobStarter interface {
	Retrain(ctx context.Context, req RetrainRequest) (string, error)
}

// Submitter turns a retrain request into a single backend call.
type Submitter struct {
	backend  JobStarter
	recorder Recorder
	log      logrus.FieldLogger
}

func NewSubmitter(backend JobStarter, recorder Recorder, log logrus.FieldLogger) *Submitter {
	if recorder == nil {
		recorder = NopRecorder{}
	}
	if log == nil {
		log = logger.Log
	}
	return &Submitter{backend: backend, recorder: recorder, log: log}
}

// Submit validates the dataset reference and starts a retrain job, returning
// its id. Errors are ValidationError, TransportError, SubmissionError or
// ProtocolError; none are retried here.
func (s *Submitter) Submit(ctx context.Context, datasetID string, opts Options) (string, error) {
	datasetID = strings.TrimSpace(datasetID)
	if datasetID == "" {
		s.recorder.Submission("invalid")
		return "", ValidationError{reason: ErrMissingDatasetID}
	}
	if opts.BaseModelVersion == "" {
		opts.BaseModelVersion = DefaultBaseModelVersion
	}

	start := time.Now()
	jobID, err := s.backend.Retrain(ctx, RetrainRequest{DatasetID: datasetID, Options: opts})
	fields := logrus.Fields{
		"dataset_id":         datasetID,
		"include_feedbacks":  opts.IncludeFeedbacks,
		"base_model_version": opts.BaseModelVersion,
		"duration_ms":        time.Since(start).Milliseconds(),
	}
	if err != nil {
		s.recorder.Submission(submissionResult(err))
		s.log.WithFields(fields).WithError(err).Warn("retrain submission failed")
		return "", err
	}

	s.recorder.Submission("accepted")
	fields["job_id"] = jobID
	s.log.WithFields(fields).Info("retrain job submitted")
	return jobID, nil
}

func submissionResult(err error) string {
	switch {
	case IsValidationError(err):
		return "invalid"
	case IsTransportError(err):
		return "transport_error"
	case IsSubmissionError(err):
		return "rejected"
	case IsProtocolError(err):
		return "protocol_error"
	}
	return "error"
}
