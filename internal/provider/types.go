package provider

import (
	"encoding/json"
	"fmt"

	"portraitforge/internal/domain"
)

// Status is the provider's view of a job. The provider vocabulary is mapped
// onto the local state machine at the orchestration boundary.
type Status string

const (
	StatusStarting   Status = "starting"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// JobStatus translates the provider status into the local lifecycle.
func (s Status) JobStatus() (domain.JobStatus, bool) {
	switch s {
	case StatusStarting:
		return domain.JobStatusSubmitted, true
	case StatusProcessing:
		return domain.JobStatusInProgress, true
	case StatusSucceeded:
		return domain.JobStatusSucceeded, true
	case StatusFailed:
		return domain.JobStatusFailed, true
	case StatusCanceled:
		return domain.JobStatusCancelled, true
	}
	return "", false
}

// TrainingSpec describes a model-training submission.
type TrainingSpec struct {
	OwnerUserID string   `json:"-"`
	ImageURLs   []string `json:"image_urls"`
	TriggerWord string   `json:"trigger_word"`
	WebhookURL  string   `json:"-"`
}

// GenerationSpec describes a portrait-generation submission.
type GenerationSpec struct {
	ModelVersion string `json:"model_version"`
	Prompt       string `json:"prompt"`
	Quantity     int    `json:"quantity"`
	AspectRatio  string `json:"aspect_ratio,omitempty"`
	WebhookURL   string `json:"-"`
}

// JobState is the provider's report for a single job, normalized from the
// wire representation.
type JobState struct {
	ProviderJobID string
	Status        Status
	ResultRefs    []string
	Error         string
}

// ParseJobPayload decodes the provider's job resource, the same shape the
// status endpoint returns and webhooks deliver.
func ParseJobPayload(body []byte) (JobState, error) {
	var w wireJob
	if err := json.Unmarshal(body, &w); err != nil {
		return JobState{}, fmt.Errorf("decode job payload: %w", err)
	}
	return w.toState()
}

// wireJob mirrors the provider's job resource. The output field arrives as
// either a single URL string or an array of URLs depending on the model.
type wireJob struct {
	ID     string          `json:"id"`
	Status Status          `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func (w wireJob) toState() (JobState, error) {
	refs, err := decodeOutputRefs(w.Output)
	if err != nil {
		return JobState{}, fmt.Errorf("job %s: %w", w.ID, err)
	}
	return JobState{
		ProviderJobID: w.ID,
		Status:        w.Status,
		ResultRefs:    refs,
		Error:         w.Error,
	}, nil
}

func decodeOutputRefs(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many, nil
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		if one == "" {
			return nil, nil
		}
		return []string{one}, nil
	}
	return nil, fmt.Errorf("unrecognized output shape: %s", string(raw))
}
