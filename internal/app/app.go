package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/static"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/lumberbarons/inverter-monitor/internal/analog"
	"github.com/lumberbarons/inverter-monitor/internal/analysis"
	"github.com/lumberbarons/inverter-monitor/internal/battery"
	"github.com/lumberbarons/inverter-monitor/internal/config"
	"github.com/lumberbarons/inverter-monitor/internal/controllers"
	"github.com/lumberbarons/inverter-monitor/internal/controllers/inverter"
	"github.com/lumberbarons/inverter-monitor/internal/live"
	"github.com/lumberbarons/inverter-monitor/internal/monitor"
	"github.com/lumberbarons/inverter-monitor/internal/relay"
	staticfs "github.com/lumberbarons/inverter-monitor/internal/static"
	"github.com/lumberbarons/inverter-monitor/internal/store"
)

const shutdownTimeout = 5 * time.Second

// Application wires the acquisition loop, the analysis jobs, the outbound
// publishers and the HTTP server together.
type Application struct {
	config    *config.InverterMonitorConfiguration
	router    *gin.Engine
	registry  *prometheus.Registry
	store     *store.Store
	collector *inverter.Collector
	publisher controllers.MessagePublisher
	alerts    controllers.MessagePublisher
	monitor   *monitor.Monitor
	analysis  *analysis.Service
	hub       *live.Hub

	controllers []controllers.Controller
}

// NewApplication opens the database and builds every component. publisher
// receives samples, analysis documents and alerts; alerts receives alerts only.
func NewApplication(cfg *config.InverterMonitorConfiguration, publisher, alerts controllers.MessagePublisher) (*Application, error) {
	a := &Application{
		config:    cfg,
		publisher: publisher,
		alerts:    alerts,
		registry:  prometheus.NewRegistry(),
	}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	a.store = db

	if err := a.buildControllers(); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to build controllers: %w", err)
	}

	a.router = gin.Default()
	if err := a.router.SetTrustedProxies(nil); err != nil {
		log.Warnf("failed to set trusted proxies: %v", err)
	}
	a.setupRoutes()

	return a, nil
}

func (a *Application) buildControllers() error {
	cfg := a.config

	collector, err := inverter.NewCollectorFromConfig(cfg.Modbus)
	if err != nil {
		return fmt.Errorf("failed to create inverter collector: %w", err)
	}
	a.collector = collector

	relayCtrl := relay.NewController(cfg.Relay, relay.SelectBackend(cfg.Relay))
	if relayCtrl.Enabled() {
		relayCtrl.Setup()
	}

	a.hub = live.NewHub(a.registry, a.latestDocument)

	opts := monitor.Options{
		DeviceID:  cfg.DeviceID,
		Period:    cfg.Modbus.PollInterval(),
		Analog:    analog.NewReader(cfg.Analog, analog.NewPrometheusCollector(a.registry)),
		Store:     a.store,
		Battery:   battery.NewCounter(a.store, cfg.Battery),
		Relay:     relayCtrl,
		Publisher: a.publisher,
		Alerts:    a.alerts,
		Metrics:   inverter.NewPrometheusCollector(a.registry),
		Stats:     monitor.NewPrometheusCollector(a.registry),
		Live:      a.hub,
	}
	// a nil *Collector must not become a non-nil FieldBus
	if collector != nil {
		opts.FieldBus = collector
	}
	a.monitor = monitor.New(opts)

	a.analysis = analysis.NewService(analysis.Options{
		DeviceID:  cfg.DeviceID,
		Analysis:  cfg.Analysis,
		Archive:   cfg.Archive,
		Store:     a.store,
		Publisher: a.publisher,
		Alerts:    a.alerts,
		Stats:     analysis.NewPrometheusCollector(a.registry),
	})

	a.controllers = []controllers.Controller{a.monitor, a.analysis, a.hub}
	return nil
}

func (a *Application) latestDocument() []byte {
	if a.monitor == nil {
		return nil
	}
	b, err := json.Marshal(a.monitor.Latest().Document(time.Now()))
	if err != nil {
		log.Errorf("failed to encode latest snapshot: %s", err)
		return nil
	}
	return b
}

func (a *Application) setupRoutes() {
	handler := promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})
	a.router.GET("/metrics", func(c *gin.Context) {
		handler.ServeHTTP(c.Writer, c.Request)
	})

	for _, controller := range a.controllers {
		if controller.Enabled() {
			controller.RegisterEndpoints(a.router)
		}
	}

	siteFS, err := staticfs.SiteFS()
	if err != nil {
		log.Warnf("dashboard not served: %v", err)
		return
	}
	a.router.Use(static.Serve("/", siteFS))
}

// Run starts the scheduled jobs, the acquisition loop and the HTTP server,
// and blocks until ctx is cancelled or the server fails.
func (a *Application) Run(ctx context.Context) error {
	if err := a.analysis.Start(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		a.monitor.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.config.HTTPPort),
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Infof("starting server on port %v", a.config.HTTPPort)
		serveErr <- srv.ListenAndServe()
	}()

	var err error
	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		err = srv.Shutdown(shutdownCtx)
	case err = <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	}

	cancel()
	<-loopDone
	return err
}

// Close releases every component. It is safe to call after a failed
// NewApplication.
func (a *Application) Close() error {
	log.Info("shutting down application")

	for _, controller := range a.controllers {
		if err := controller.Close(); err != nil {
			log.Errorf("failed to close controller: %v", err)
		}
	}

	if a.collector != nil {
		if err := a.collector.Close(); err != nil {
			log.Errorf("failed to close inverter collector: %v", err)
		}
	}

	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.alerts != nil {
		a.alerts.Close()
	}

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			return fmt.Errorf("failed to close store: %w", err)
		}
	}
	return nil
}

// Router returns the Gin router instance for testing purposes.
func (a *Application) Router() *gin.Engine {
	return a.router
}
