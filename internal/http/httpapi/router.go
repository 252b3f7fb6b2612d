package httpapi

import (
	stdhttp "net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"portraitforge/internal/http/handlers"
	"portraitforge/internal/middleware"
)

func NewRouter(app *handlers.App) stdhttp.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(app.Logger),
		middleware.CORS(app.Config.CORSAllowedOrigins),
	)

	r.Get("/v1/healthz", app.Health)
	r.Get("/v1/healthz/deep", app.HealthDeep)

	// Provider deliveries authenticate by signature, not JWT.
	r.Post("/v1/webhooks/provider", app.ProviderWebhook)

	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthJWT(app.Config.JWTSecret))

		r.Route("/v1/jobs", func(r chi.Router) {
			r.With(middleware.RateLimit(app.Config.RateLimitPerMin, time.Minute)).
				Post("/", app.StartJob)
			r.Get("/{job_id}", app.JobStatus)
			r.Delete("/{job_id}", app.CancelJob)
		})

		r.Get("/v1/credits", app.CreditBalance)
		r.Post("/v1/purchases", app.Purchase)
	})

	return r
}
