package main

import (
	"net/http"

	"github.com/MarcoPoloResearchLab/potshelf/internal/config"
	"github.com/MarcoPoloResearchLab/potshelf/internal/database"
	"github.com/MarcoPoloResearchLab/potshelf/internal/delta"
	"github.com/MarcoPoloResearchLab/potshelf/internal/documents"
	"github.com/MarcoPoloResearchLab/potshelf/internal/ids"
	"github.com/MarcoPoloResearchLab/potshelf/internal/notify"
	"github.com/MarcoPoloResearchLab/potshelf/internal/oplog"
	"github.com/MarcoPoloResearchLab/potshelf/internal/paths"
	"github.com/MarcoPoloResearchLab/potshelf/internal/reconcile"
	"github.com/MarcoPoloResearchLab/potshelf/internal/search"
	"github.com/MarcoPoloResearchLab/potshelf/internal/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// application owns every long-lived component of one process. The reconciler is
// the only holder of the index writer and the only receiver on the queue.
type application struct {
	db         *gorm.DB
	index      *search.Index
	queue      *oplog.Queue
	documents  *documents.Service
	reconciler *reconcile.Reconciler
	handler    http.Handler
	logger     *zap.Logger
}

func buildApplication(appConfig config.AppConfig, logger *zap.Logger) (*application, error) {
	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	app := &application{db: db, logger: logger}

	index, err := search.Open(appConfig.IndexPath, logger)
	if err != nil {
		app.close()
		return nil, err
	}
	app.index = index
	app.queue = oplog.NewQueue(appConfig.QueueCapacity)

	deltaService, err := delta.NewService(delta.ServiceConfig{
		Database:   db,
		Merger:     delta.NewLWWMerger(),
		Resolver:   documents.TreeResolver{},
		IDProvider: ids.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		app.close()
		return nil, err
	}
	app.documents, err = documents.NewService(documents.ServiceConfig{
		Database:   db,
		Deltas:     deltaService,
		Submitter:  app.queue,
		IDProvider: ids.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		app.close()
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reader, err := index.NewReader(appConfig.FuzzyDistance)
	if err != nil {
		app.close()
		return nil, err
	}
	outlines := notify.NewHub[reconcile.OutlineChange]()
	paragraphs := notify.NewHub[reconcile.ParagraphChange]()
	app.reconciler, err = reconcile.New(reconcile.Config{
		Database:   db,
		Queue:      app.queue,
		Deltas:     deltaService,
		Paths:      paths.NewMaterializer(logger),
		Writer:     index.NewWriter(),
		Reader:     reader,
		Outlines:   outlines,
		Paragraphs: paragraphs,
		Metrics:    reconcile.NewMetrics(registry),
		Logger:     logger,
	})
	if err != nil {
		app.close()
		return nil, err
	}

	app.handler, err = server.NewHTTPHandler(server.Dependencies{
		Documents:      app.documents,
		Versions:       deltaService,
		Search:         reader,
		Outlines:       outlines,
		Paragraphs:     paragraphs,
		Gatherer:       registry,
		AllowedOrigins: appConfig.AllowedOrigins,
		DefaultLimit:   appConfig.DefaultSearchLimit,
		Logger:         logger,
	})
	if err != nil {
		app.close()
		return nil, err
	}
	return app, nil
}

func (app *application) close() {
	if app.index != nil {
		if err := app.index.Close(); err != nil {
			app.logger.Warn("search index close failed", zap.Error(err))
		}
	}
	if sqlDB, err := app.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
