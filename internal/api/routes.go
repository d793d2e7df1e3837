// Package api wires the operational HTTP surface: health, metrics and
// build information.
package api

import (
	"github.com/MacJediWizard/snapvault/internal/api/handlers"
	"github.com/MacJediWizard/snapvault/internal/api/middleware"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Config holds configuration for the router.
type Config struct {
	Version   string
	Commit    string
	BuildDate string
}

// Dependencies are the collaborators the router reports on. Jobs may be nil
// when the process runs no dispatcher.
type Dependencies struct {
	DB       handlers.DatabaseHealthChecker
	Jobs     handlers.JobLoadReporter
	Gatherer prometheus.Gatherer
}

// Router wraps the gin engine.
type Router struct {
	Engine *gin.Engine
	logger zerolog.Logger
}

// NewRouter creates a router with every operational route registered.
func NewRouter(cfg Config, deps Dependencies, logger zerolog.Logger) *Router {
	r := &Router{
		Engine: gin.New(),
		logger: logger.With().Str("component", "router").Logger(),
	}

	r.Engine.Use(gin.Recovery())
	r.Engine.Use(middleware.RequestLogger(logger))

	handlers.NewHealthHandler(deps.DB, deps.Jobs, cfg.Version, logger).RegisterPublicRoutes(r.Engine)
	handlers.NewMetricsHandler(deps.Gatherer, logger).RegisterPublicRoutes(r.Engine)
	handlers.NewVersionHandler(handlers.VersionInfo{
		Version:   cfg.Version,
		Commit:    cfg.Commit,
		BuildDate: cfg.BuildDate,
	}).RegisterPublicRoutes(r.Engine)

	r.logger.Debug().Msg("routes registered")
	return r
}
