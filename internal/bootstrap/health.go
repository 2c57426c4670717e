package bootstrap

import (
	"github.com/labstack/echo/v4"
	"go.uber.org/fx"

	"github.com/eleven-am/sightline/internal/health"
	"github.com/eleven-am/sightline/internal/voicesession"
)

var version = "dev"

func Version() string {
	return version
}

func ProvideHealthHandler(mgr *voicesession.Manager) *health.Handler {
	return health.NewHandler(mgr, version)
}

func metricsMiddleware(h *health.Handler) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h.IncrementRequests()
			h.IncrementConnections()
			defer h.DecrementConnections()
			return next(c)
		}
	}
}

func RegisterHealthRoutes(e *echo.Echo, h *health.Handler) {
	e.Use(metricsMiddleware(h))
	h.RegisterRoutes(e)
}

var HealthModule = fx.Options(
	fx.Provide(ProvideHealthHandler),
	fx.Invoke(RegisterHealthRoutes),
)
