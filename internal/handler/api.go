package handler

import (
	"github.com/pulselog/internal/config"
	"github.com/pulselog/internal/service"
	"gorm.io/gorm"
)

// API bundles shared dependencies for HTTP handlers.
type API struct {
	db         *gorm.DB
	ingest     *service.IngestService
	reconciler *service.ReconcileService
	visits     *service.VisitService
	views      *service.ViewCounterService
	aggregates *service.AggregateService
	queries    *service.QueryService
}

// NewAPI constructs a handler set with shared services.
func NewAPI(gdb *gorm.DB, cfg config.AppConfig) *API {
	cache := service.NewStatsCache(gdb)
	visits := service.NewVisitService(gdb).WithWindow(cfg.VisitWindow)

	return &API{
		db:         gdb,
		ingest:     service.NewIngestService(gdb),
		reconciler: service.NewReconcileService(gdb, cache),
		visits:     visits,
		views:      service.NewViewCounterService(gdb).WithWindow(cfg.VisitWindow),
		aggregates: service.NewAggregateService(gdb, visits, cache).WithTopLimit(cfg.TopContentLimit),
		queries: service.NewQueryService(gdb, visits, cache).
			WithTTL(cfg.CacheTTL).
			WithTopLimit(cfg.TopContentLimit),
	}
}

// Aggregates exposes the index builder for the scheduler wiring.
func (a *API) Aggregates() *service.AggregateService {
	return a.aggregates
}
