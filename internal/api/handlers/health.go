// Package handlers contains the HTTP handlers for the operational endpoints.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const checkTimeout = 5 * time.Second

// HealthStatus represents the health status of a component.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheckResult represents the result of a health check.
type HealthCheckResult struct {
	Status   HealthStatus   `json:"status"`
	Duration string         `json:"duration,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// HealthResponse is the response for health check endpoints.
type HealthResponse struct {
	Status  HealthStatus                  `json:"status"`
	Version string                        `json:"version,omitempty"`
	Checks  map[string]*HealthCheckResult `json:"checks,omitempty"`
	Error   string                        `json:"error,omitempty"`
}

// DatabaseHealthChecker defines the interface for database health checking.
type DatabaseHealthChecker interface {
	Ping(ctx context.Context) error
	Health() map[string]any
}

// JobLoadReporter reports how many jobs this process is running.
type JobLoadReporter interface {
	InFlight() int
}

// HealthHandler handles health-related HTTP endpoints.
type HealthHandler struct {
	db      DatabaseHealthChecker
	jobs    JobLoadReporter
	version string
	logger  zerolog.Logger
}

// NewHealthHandler creates a new HealthHandler. jobs may be nil.
func NewHealthHandler(db DatabaseHealthChecker, jobs JobLoadReporter, version string, logger zerolog.Logger) *HealthHandler {
	return &HealthHandler{
		db:      db,
		jobs:    jobs,
		version: version,
		logger:  logger.With().Str("component", "health_handler").Logger(),
	}
}

// RegisterPublicRoutes registers health check routes.
func (h *HealthHandler) RegisterPublicRoutes(r *gin.Engine) {
	health := r.Group("/health")
	{
		health.GET("", h.Overall)
		health.GET("/db", h.Database)
	}
}

// Overall returns the overall server health status.
// GET /health
func (h *HealthHandler) Overall(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), checkTimeout)
	defer cancel()

	dbResult := h.checkDatabase(ctx)
	response := &HealthResponse{
		Status:  dbResult.Status,
		Version: h.version,
		Checks: map[string]*HealthCheckResult{
			"database": dbResult,
			"jobs":     h.checkJobs(),
		},
	}

	if dbResult.Status == HealthStatusUnhealthy {
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}
	c.JSON(http.StatusOK, response)
}

// Database returns the database health status.
// GET /health/db
func (h *HealthHandler) Database(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), checkTimeout)
	defer cancel()

	result := h.checkDatabase(ctx)
	response := &HealthResponse{
		Status: result.Status,
		Checks: map[string]*HealthCheckResult{
			"database": result,
		},
	}

	if result.Status == HealthStatusUnhealthy {
		response.Error = result.Error
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}
	c.JSON(http.StatusOK, response)
}

func (h *HealthHandler) checkDatabase(ctx context.Context) *HealthCheckResult {
	start := time.Now()
	result := &HealthCheckResult{Status: HealthStatusHealthy}

	if h.db == nil {
		result.Status = HealthStatusUnhealthy
		result.Error = "database not configured"
		result.Duration = time.Since(start).String()
		return result
	}

	err := h.db.Ping(ctx)
	result.Duration = time.Since(start).String()
	if err != nil {
		result.Status = HealthStatusUnhealthy
		result.Error = "database ping failed"
		h.logger.Warn().Err(err).Msg("database health check failed")
		return result
	}

	result.Details = h.db.Health()
	return result
}

// Job load is informational and never makes the server unhealthy.
func (h *HealthHandler) checkJobs() *HealthCheckResult {
	if h.jobs == nil {
		return &HealthCheckResult{
			Status:  HealthStatusHealthy,
			Details: map[string]any{"dispatcher": false},
		}
	}
	return &HealthCheckResult{
		Status:  HealthStatusHealthy,
		Details: map[string]any{"dispatcher": true, "in_flight": h.jobs.InFlight()},
	}
}
