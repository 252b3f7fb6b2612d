package handlers

import (
	"errors"
	"net/http"

	"portraitforge/internal/domain"
)

type balanceResponse struct {
	WeeklyCredits    int `json:"weekly_credits"`
	PurchasedCredits int `json:"purchased_credits"`
	TotalCredits     int `json:"total_credits"`
}

func (a *App) CreditBalance(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	b, err := a.Ledger.Balance(r.Context(), userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "no balance for user")
			return
		}
		a.Logger.Error().Err(err).Str("user_id", userID).Msg("load balance")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load balance")
		return
	}
	a.json(w, http.StatusOK, balanceResponse{
		WeeklyCredits:    b.WeeklyCredits,
		PurchasedCredits: b.PurchasedCredits,
		TotalCredits:     b.Total(),
	})
}
