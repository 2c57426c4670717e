package bootstrap

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"github.com/eleven-am/sightline/internal/metrics"
	"github.com/eleven-am/sightline/internal/voicesession"
)

var defaultCORSConfig = middleware.CORSConfig{
	AllowOrigins: []string{"*"},
	AllowMethods: []string{
		http.MethodGet,
		http.MethodHead,
		http.MethodPost,
		http.MethodDelete,
		http.MethodOptions,
	},
	AllowHeaders: []string{
		"Accept",
		"Content-Type",
		"X-Requested-With",
	},
	MaxAge: 86400,
}

func NewEchoServer(logger *slog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency}
			if v.Error != nil {
				logger.Warn("request failed", append(attrs, "error", v.Error)...)
				return nil
			}
			logger.Debug("request", attrs...)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(defaultCORSConfig))
	return e
}

func StartServer(lc fx.Lifecycle, e *echo.Echo, cfg *Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				logger.Info("control api listening", "addr", cfg.ServerAddr)
				if err := e.Start(cfg.ServerAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("control api stopped", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return e.Shutdown(ctx)
		},
	})
}

func ProvideSessionHandler(mgr *voicesession.Manager, logger *slog.Logger) *voicesession.Handler {
	return voicesession.NewHandler(mgr, logger.With("handler", "session"))
}

type RouteParams struct {
	fx.In

	SessionHandler *voicesession.Handler
	Metrics        *metrics.Metrics
}

func RegisterRoutes(e *echo.Echo, params RouteParams) {
	api := e.Group("/v1")
	params.SessionHandler.RegisterRoutes(api.Group("/session"))

	e.GET("/metrics", echo.WrapHandler(params.Metrics.Handler()))
}

var ServerModule = fx.Options(
	fx.Provide(NewEchoServer, ProvideSessionHandler),
	fx.Invoke(StartServer, RegisterRoutes),
)

// Options assembles the full application graph for cfg.
func Options(cfg *Config) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.Provide(ProvideLogger),
		PipelineModule,
		ServerModule,
		HealthModule,
	)
}

func New(cfg *Config) *fx.App {
	return fx.New(Options(cfg), fx.NopLogger)
}
