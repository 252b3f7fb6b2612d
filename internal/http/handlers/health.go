package handlers

import (
	"context"
	"net/http"
	"time"
)

func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HealthDeep pings the backing stores with a short timeout. Redis is an
// optimization layer, so its failure degrades the report without turning
// the check unhealthy.
func (a *App) HealthDeep(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{"status": "ok"}
	code := http.StatusOK

	if a.DB != nil {
		if err := a.DB.Ping(ctx); err != nil {
			checks["database"] = "down"
			checks["status"] = "degraded"
			code = http.StatusServiceUnavailable
		} else {
			checks["database"] = "ok"
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			checks["redis"] = "down"
			if checks["status"] == "ok" {
				checks["status"] = "degraded"
			}
		} else {
			checks["redis"] = "ok"
		}
	}
	a.json(w, code, checks)
}
