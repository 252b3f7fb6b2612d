package provider

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"portraitforge/internal/domain"
	"portraitforge/internal/infra"
)

// Client is the outbound contract to the generative-AI provider.
type Client interface {
	SubmitTraining(ctx context.Context, spec TrainingSpec) (string, error)
	SubmitGeneration(ctx context.Context, spec GenerationSpec) (string, error)
	GetJobStatus(ctx context.Context, providerJobID string) (JobState, error)
	CancelJob(ctx context.Context, providerJobID string) error
}

// HTTPClient talks to the provider's REST API.
type HTTPClient struct {
	rest   *resty.Client
	logger infra.Logger
}

// NewHTTPClient configures the provider client. Every call carries the
// bounded timeout, so a slow provider leaves the job Submitted for the
// polling sweep instead of hanging a request handler.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration, logger infra.Logger) *HTTPClient {
	rest := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if apiKey != "" {
		rest.SetHeader("Authorization", "Bearer "+apiKey)
	}
	return &HTTPClient{rest: rest, logger: logger}
}

type submitTrainingBody struct {
	Input   TrainingSpec `json:"input"`
	Webhook string       `json:"webhook,omitempty"`
}

type submitGenerationBody struct {
	Input   GenerationSpec `json:"input"`
	Webhook string         `json:"webhook,omitempty"`
}

func (c *HTTPClient) SubmitTraining(ctx context.Context, spec TrainingSpec) (string, error) {
	var out wireJob
	resp, err := c.rest.R().
		SetContext(ctx).
		SetBody(submitTrainingBody{Input: spec, Webhook: spec.WebhookURL}).
		SetResult(&out).
		Post("/trainings")
	if err := c.submitErr("training", resp, err); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("provider returned no training job id")
	}
	return out.ID, nil
}

func (c *HTTPClient) SubmitGeneration(ctx context.Context, spec GenerationSpec) (string, error) {
	var out wireJob
	resp, err := c.rest.R().
		SetContext(ctx).
		SetBody(submitGenerationBody{Input: spec, Webhook: spec.WebhookURL}).
		SetResult(&out).
		Post("/predictions")
	if err := c.submitErr("generation", resp, err); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("provider returned no prediction id")
	}
	return out.ID, nil
}

func (c *HTTPClient) GetJobStatus(ctx context.Context, providerJobID string) (JobState, error) {
	var out wireJob
	resp, err := c.rest.R().
		SetContext(ctx).
		SetResult(&out).
		SetPathParam("id", providerJobID).
		Get("/predictions/{id}")
	if err != nil {
		return JobState{}, fmt.Errorf("get job %s: %w: %v", providerJobID, domain.ErrProviderUnavailable, err)
	}
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return JobState{}, fmt.Errorf("provider job %s: %w", providerJobID, domain.ErrNotFound)
	case resp.StatusCode() >= 500:
		return JobState{}, fmt.Errorf("get job %s: %w: status %d", providerJobID, domain.ErrProviderUnavailable, resp.StatusCode())
	case resp.IsError():
		return JobState{}, fmt.Errorf("get job %s: provider returned %d", providerJobID, resp.StatusCode())
	}
	return out.toState()
}

func (c *HTTPClient) CancelJob(ctx context.Context, providerJobID string) error {
	resp, err := c.rest.R().
		SetContext(ctx).
		SetPathParam("id", providerJobID).
		Post("/predictions/{id}/cancel")
	if err != nil {
		return fmt.Errorf("cancel job %s: %w: %v", providerJobID, domain.ErrProviderUnavailable, err)
	}
	if resp.IsError() && resp.StatusCode() != http.StatusNotFound {
		return fmt.Errorf("cancel job %s: provider returned %d", providerJobID, resp.StatusCode())
	}
	return nil
}

func (c *HTTPClient) submitErr(kind string, resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("submit %s: %w: %v", kind, domain.ErrProviderUnavailable, err)
	}
	if resp.StatusCode() >= 500 {
		return fmt.Errorf("submit %s: %w: status %d", kind, domain.ErrProviderUnavailable, resp.StatusCode())
	}
	if resp.IsError() {
		return fmt.Errorf("submit %s: provider returned %d: %s", kind, resp.StatusCode(), resp.String())
	}
	return nil
}

var _ Client = (*HTTPClient)(nil)
