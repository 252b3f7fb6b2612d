package handlers

import (
	"encoding/json"
	"net/http"
)

type purchaseRequest struct {
	ExternalTxnID string `json:"external_txn_id" validate:"required"`
	Credits       int    `json:"credits" validate:"required,min=1"`
}

type purchaseResponse struct {
	Applied bool `json:"applied"`
}

// Purchase applies a completed payment event. The external transaction id
// deduplicates retries from the payment collaborator, so re-posting the same
// event answers 200 with applied=false instead of double-crediting.
func (a *App) Purchase(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	var req purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if err := a.Validate.Struct(req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	applied, err := a.Ledger.AddPurchasedCredits(r.Context(), userID, req.ExternalTxnID, req.Credits)
	if err != nil {
		a.Logger.Error().Err(err).
			Str("user_id", userID).
			Str("external_txn_id", req.ExternalTxnID).
			Msg("apply purchase")
		a.error(w, http.StatusInternalServerError, "internal", "failed to apply purchase")
		return
	}
	a.json(w, http.StatusOK, purchaseResponse{Applied: applied})
}
