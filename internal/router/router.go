// Package router registers the HTTP routes and the middleware chains in
// front of them.
package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/parking-occupancy/internal/handler"
	"github.com/iliyamo/parking-occupancy/internal/idempotency"
	"github.com/iliyamo/parking-occupancy/internal/logger"
	"github.com/iliyamo/parking-occupancy/internal/middleware"
	"github.com/iliyamo/parking-occupancy/internal/model"
	"github.com/iliyamo/parking-occupancy/internal/ratelimit"
)

// Deps carries everything the routes need.
type Deps struct {
	JWTSecret    string
	Limiter      *ratelimit.Limiter
	APIPolicy    ratelimit.Policy
	Guard        *idempotency.Guard
	MaxBodyBytes int64
	Log          *logger.Logger

	Health  *handler.HealthHandler
	Parking *handler.ParkingHandler
	Gate    *handler.GuardHandler
	Admin   *handler.AdminHandler
}

// Register mounts /healthz and the /v1 groups on e.  Every /v1 route needs
// a valid token, is throttled per user, and honours Idempotency-Key on
// mutating methods.
func Register(e *echo.Echo, d Deps) {
	e.GET("/healthz", d.Health.Health)

	chain := func(roles ...string) []echo.MiddlewareFunc {
		mw := []echo.MiddlewareFunc{middleware.JWTAuth(d.JWTSecret)}
		if len(roles) > 0 {
			mw = append(mw, middleware.RequireRole(roles...))
		}
		return append(mw,
			middleware.Throttle(d.Limiter, d.APIPolicy),
			middleware.Idempotency(d.Guard, d.MaxBodyBytes, d.Log),
		)
	}

	p := e.Group("/v1/parking", chain()...)
	p.POST("/assign", d.Parking.Assign)
	p.POST("/pay", d.Parking.Pay)
	p.POST("/release", d.Parking.Release)
	p.POST("/gate/open", d.Parking.OpenGate)
	p.GET("/status", d.Parking.Status)
	p.GET("/lots", d.Parking.ListLots)
	p.GET("/history", d.Parking.History)
	p.GET("/solvency/:cardId", d.Admin.SolvencyByCard)

	g := e.Group("/v1/guard", chain(model.RoleGuard, model.RoleAdmin)...)
	g.POST("/assign", d.Gate.Assign)
	g.POST("/release", d.Gate.Release)

	a := e.Group("/v1/admin", chain(model.RoleAdmin)...)
	a.POST("/lots", d.Admin.CreateLot)
	a.PATCH("/lots/:id", d.Admin.UpdateLot)
	a.DELETE("/lots/:id", d.Admin.DeleteLot)
	a.PUT("/solvency/:userId", d.Admin.UpdateSolvency)
	a.GET("/solvency-report", d.Admin.SolvencyReport)
}
