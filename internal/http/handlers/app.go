package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"portraitforge/internal/domain"
	"portraitforge/internal/engine"
	"portraitforge/internal/infra"
	"portraitforge/internal/middleware"
	"portraitforge/internal/webhook"
)

// JobEngine is the slice of the orchestration engine the HTTP layer needs.
type JobEngine interface {
	StartJob(ctx context.Context, userID string, params engine.StartParams) (*domain.Job, error)
	CancelJob(ctx context.Context, jobID, userID string) (*domain.Job, error)
	HandleProviderEvent(ctx context.Context, evt engine.ProviderEvent) error
}

// CreditLedger is the slice of the ledger the HTTP layer needs.
type CreditLedger interface {
	Balance(ctx context.Context, userID string) (domain.CreditBalance, error)
	AddPurchasedCredits(ctx context.Context, userID, externalTxnID string, credits int) (bool, error)
}

// JobStore reads jobs scoped to their owner.
type JobStore interface {
	GetForUser(ctx context.Context, jobID, userID string) (*domain.Job, error)
}

type App struct {
	Config   *infra.Config
	Logger   infra.Logger
	Engine   JobEngine
	Ledger   CreditLedger
	Jobs     JobStore
	Verifier *webhook.Verifier
	Replay   webhook.ReplayCache
	Validate *validator.Validate

	// Deep health checks only; nil in tests.
	DB    *pgxpool.Pool
	Redis *redis.Client
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, slug, message string) {
	a.json(w, code, map[string]string{"error": slug, "message": message})
}

func (a *App) currentUserID(r *http.Request) string {
	return middleware.UserIDFromContext(r.Context())
}
