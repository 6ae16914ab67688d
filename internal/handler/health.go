package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
)

type Pinger interface {
	PingContext(ctx context.Context) error
}

// HealthHandler reports dependency reachability.  The database is required;
// Redis only degrades the service.
type HealthHandler struct {
	DB    Pinger
	Redis *redis.Client
}

// Health handles GET /healthz.
func (h *HealthHandler) Health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	out := echo.Map{"status": "ok", "database": "up", "redis": "disabled"}
	code := http.StatusOK
	if h.DB == nil || h.DB.PingContext(ctx) != nil {
		out["database"], out["status"] = "down", "unavailable"
		code = http.StatusServiceUnavailable
	}
	if h.Redis != nil {
		if err := h.Redis.Ping(ctx).Err(); err != nil {
			out["redis"] = "down"
			if code == http.StatusOK {
				out["status"] = "degraded"
			}
		} else {
			out["redis"] = "up"
		}
	}
	return c.JSON(code, out)
}
