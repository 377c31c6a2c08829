package application

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/smartcab/backend/internal/api"
	"github.com/smartcab/backend/internal/config"
	"github.com/smartcab/backend/internal/metrics"
)

const dbStatsName = "primary"

// Dependencies are the process-wide handles the HTTP application is built from.
type Dependencies struct {
	Config    config.Config
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	Database  api.Pinger
	Messaging api.ConnectionState
}

// New builds the request-ready root handler. It is called once per process.
func New(deps Dependencies) (http.Handler, error) {
	if deps.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if deps.Metrics == nil {
		return nil, errors.New("metrics are required")
	}
	if deps.Database == nil {
		return nil, errors.New("database is required")
	}

	if pool, ok := deps.Database.(interface{ SQL() *sql.DB }); ok {
		if err := deps.Metrics.RegisterDB(dbStatsName, pool.SQL()); err != nil {
			return nil, fmt.Errorf("register database metrics: %w", err)
		}
	}

	handler := api.NewHandler(deps.Database, deps.Messaging)
	apiRouter := api.NewRouter(handler, deps.Logger,
		api.WithLogging(deps.Config.EnableRequestLogging),
		api.WithRateLimit(deps.Config.RateLimitRPS, deps.Config.RateLimitBurst),
		api.WithMetrics(deps.Metrics),
	)

	return BuildRootHandler(apiRouter, deps.Metrics.Handler()), nil
}

// BuildRootHandler routes API traffic and exposes the metrics endpoint.
func BuildRootHandler(apiHandler, metricsHandler http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/api/", apiHandler)
	mux.Handle("GET /metrics", metricsHandler)
	mux.Handle("/", http.NotFoundHandler())
	return mux
}
