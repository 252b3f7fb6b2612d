package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"portraitforge/internal/domain"
	"portraitforge/internal/engine"
	"portraitforge/internal/middleware"
	"portraitforge/internal/provider"
)

const (
	defaultGenerationCost = 1
	defaultTrainingCost   = 5
	maxGenerationQuantity = 4
	proGenerationQuantity = 8
)

// planQuantityCap returns the largest per-request generation batch the
// user's plan allows.
func planQuantityCap(plan string) int {
	if plan == "pro" {
		return proGenerationQuantity
	}
	return maxGenerationQuantity
}

type startJobRequest struct {
	Kind       string             `json:"kind" validate:"required,oneof=training generation"`
	Training   *trainingRequest   `json:"training,omitempty"`
	Generation *generationRequest `json:"generation,omitempty"`
	// Generation to run automatically once the training succeeds.
	QueuedGeneration *generationRequest `json:"queued_generation,omitempty"`
}

type trainingRequest struct {
	ImageURLs   []string `json:"image_urls" validate:"required,min=1,dive,url"`
	TriggerWord string   `json:"trigger_word" validate:"required"`
}

type generationRequest struct {
	ModelVersion string `json:"model_version"`
	Prompt       string `json:"prompt" validate:"required"`
	Quantity     int    `json:"quantity" validate:"omitempty,min=1,max=8"`
	AspectRatio  string `json:"aspect_ratio"`
}

type jobResponse struct {
	JobID            string   `json:"job_id"`
	Kind             string   `json:"kind"`
	Status           string   `json:"status"`
	ResultRefs       []string `json:"result_refs,omitempty"`
	Error            string   `json:"error,omitempty"`
	PendingRequestID string   `json:"pending_request_id,omitempty"`
}

func jobToResponse(job *domain.Job) jobResponse {
	return jobResponse{
		JobID:            job.ID,
		Kind:             string(job.Kind),
		Status:           string(job.Status),
		ResultRefs:       job.ResultRefs,
		Error:            job.ErrorMessage,
		PendingRequestID: job.PendingRequestID,
	}
}

func (a *App) StartJob(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	var req startJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if err := a.Validate.Struct(req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	params, err := a.buildStartParams(req, planQuantityCap(middleware.PlanFromContext(r.Context())))
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	job, err := a.Engine.StartJob(r.Context(), userID, params)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInsufficientCredit):
			a.error(w, http.StatusPaymentRequired, "insufficient_credit", "not enough credits for this job")
		case errors.Is(err, domain.ErrProviderUnavailable):
			a.error(w, http.StatusBadGateway, "provider_unavailable", "provider rejected the job")
		default:
			a.Logger.Error().Err(err).Str("user_id", userID).Msg("start job")
			a.error(w, http.StatusInternalServerError, "internal", "failed to start job")
		}
		return
	}
	a.json(w, http.StatusAccepted, jobToResponse(job))
}

func (a *App) buildStartParams(req startJobRequest, quantityCap int) (engine.StartParams, error) {
	switch domain.JobKind(req.Kind) {
	case domain.JobKindTraining:
		if req.Training == nil {
			return engine.StartParams{}, errors.New("training payload required")
		}
		payload, err := json.Marshal(provider.TrainingSpec{
			ImageURLs:   req.Training.ImageURLs,
			TriggerWord: req.Training.TriggerWord,
		})
		if err != nil {
			return engine.StartParams{}, err
		}
		params := engine.StartParams{
			Kind:           domain.JobKindTraining,
			CreditCost:     defaultTrainingCost,
			WeeklyEligible: true,
			Payload:        payload,
		}
		if req.QueuedGeneration != nil {
			queued, err := generationParams(*req.QueuedGeneration, quantityCap)
			if err != nil {
				return engine.StartParams{}, err
			}
			params.Queued = &queued
		}
		return params, nil

	case domain.JobKindGeneration:
		if req.Generation == nil {
			return engine.StartParams{}, errors.New("generation payload required")
		}
		return generationParams(*req.Generation, quantityCap)
	}
	return engine.StartParams{}, errors.New("unsupported job kind")
}

func generationParams(req generationRequest, quantityCap int) (engine.StartParams, error) {
	quantity := req.Quantity
	if quantity <= 0 {
		quantity = 1
	}
	if quantity > quantityCap {
		quantity = quantityCap
	}
	payload, err := json.Marshal(provider.GenerationSpec{
		ModelVersion: req.ModelVersion,
		Prompt:       req.Prompt,
		Quantity:     quantity,
		AspectRatio:  req.AspectRatio,
	})
	if err != nil {
		return engine.StartParams{}, err
	}
	return engine.StartParams{
		Kind:           domain.JobKindGeneration,
		CreditCost:     defaultGenerationCost * quantity,
		WeeklyEligible: true,
		Payload:        payload,
	}, nil
}

func (a *App) JobStatus(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	jobID := chi.URLParam(r, "job_id")
	job, err := a.Jobs.GetForUser(r.Context(), jobID, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		a.Logger.Error().Err(err).Str("job_id", jobID).Msg("load job")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load job")
		return
	}
	a.json(w, http.StatusOK, jobToResponse(job))
}

func (a *App) CancelJob(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	jobID := chi.URLParam(r, "job_id")
	job, err := a.Engine.CancelJob(r.Context(), jobID, userID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			a.error(w, http.StatusNotFound, "not_found", "job not found")
		case errors.Is(err, domain.ErrProviderUnavailable):
			a.error(w, http.StatusBadGateway, "provider_unavailable", "could not reach the provider to cancel")
		default:
			a.Logger.Error().Err(err).Str("job_id", jobID).Msg("cancel job")
			a.error(w, http.StatusInternalServerError, "internal", "failed to cancel job")
		}
		return
	}
	a.json(w, http.StatusOK, jobToResponse(job))
}
