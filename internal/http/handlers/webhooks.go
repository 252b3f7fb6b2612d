package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"portraitforge/internal/engine"
	"portraitforge/internal/provider"
	"portraitforge/internal/webhook"
)

const maxWebhookBody = 1 << 20

// ProviderWebhook authenticates and applies a provider delivery. After the
// signature passes, the handler always answers 200: providers retry on
// non-2xx, and unknown or duplicate jobs are not worth a retry storm.
func (a *App) ProviderWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		a.Logger.Error().Err(err).Msg("read webhook body")
		a.error(w, http.StatusInternalServerError, "internal", "failed to read body")
		return
	}

	if err := a.Verifier.Verify(r.Header, body, time.Now()); err != nil {
		var authErr *webhook.AuthError
		if errors.As(err, &authErr) {
			a.Logger.Warn().
				Str("reason", string(authErr.Reason)).
				Str("delivery_id", r.Header.Get(webhook.HeaderID)).
				Msg("webhook rejected")
			a.error(w, http.StatusUnauthorized, "unauthorized", "invalid webhook signature")
			return
		}
		a.Logger.Error().Err(err).Msg("webhook verification")
		a.error(w, http.StatusInternalServerError, "internal", "verification failed")
		return
	}

	deliveryID := r.Header.Get(webhook.HeaderID)
	ts, _ := strconv.ParseInt(r.Header.Get(webhook.HeaderTimestamp), 10, 64)
	if deliveryID != "" && !a.Replay.FirstDelivery(r.Context(), deliveryID, ts) {
		a.Logger.Debug().Str("delivery_id", deliveryID).Msg("duplicate webhook delivery")
		a.json(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	state, err := provider.ParseJobPayload(body)
	if err != nil {
		a.Logger.Warn().Err(err).Str("delivery_id", deliveryID).Msg("undecodable webhook payload")
		a.json(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	evt := engine.ProviderEvent{
		ProviderJobID: state.ProviderJobID,
		Status:        state.Status,
		ResultRefs:    state.ResultRefs,
		Error:         state.Error,
	}
	if err := a.Engine.HandleProviderEvent(r.Context(), evt); err != nil {
		// Non-2xx so the provider redelivers. Drop the dedup record so the
		// retry is not short-circuited as a duplicate.
		if deliveryID != "" {
			a.Replay.Forget(r.Context(), deliveryID, ts)
		}
		a.Logger.Error().Err(err).
			Str("provider_job_id", state.ProviderJobID).
			Msg("apply webhook event")
		a.error(w, http.StatusInternalServerError, "internal", "failed to apply event")
		return
	}
	a.json(w, http.StatusOK, map[string]string{"status": "ok"})
}
