package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// App wires the services together
type App struct {
	cfg        *Config
	db         *gorm.DB
	hub        *Broadcaster
	store      *MetricStore
	monitor    *SiteMonitor
	ledger     *CostLedger
	pricing    *PricingEngine
	aggregator *Aggregator
	forecaster *Forecaster
	invoices   *InvoiceService
	agent      *HostAgent
	limiter    *keyedLimiter
}

// newApp builds every service on top of db
func newApp(cfg *Config, db *gorm.DB) *App {
	hub := NewBroadcaster(256)
	store := NewMetricStore(db, hub)
	store.stats = newStatsNotifier(hub, func() (StatsResponse, error) {
		return getStats(context.Background(), db)
	})

	var directory SiteDirectory
	if cfg.Directory.URL != "" {
		directory = NewHTTPDirectory(cfg.Directory.URL, cfg.Directory.Timeout)
	}
	lister := NewSiteLister(directory, cfg.Sites, cfg.BaseDomain)

	aggregator := NewAggregator(db)
	app := &App{
		cfg:        cfg,
		db:         db,
		hub:        hub,
		store:      store,
		monitor:    NewSiteMonitor(db, lister, NewProber(), store, cfg.Probe.Concurrency),
		ledger:     NewCostLedger(db),
		pricing:    NewPricingEngine(db, cfg.Pricing),
		aggregator: aggregator,
		forecaster: NewForecaster(db, aggregator),
		invoices:   NewInvoiceService(db, hub, cfg.Invoicing),
		// One push per second sustained per server, bursts of five
		limiter: newKeyedLimiter(rate.Limit(1), 5),
	}
	if cfg.Agent.ServerID != "" {
		app.agent = NewHostAgent(cfg.Agent.ServerID, store)
	}
	return app
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

func main() {
	setupLogging(os.Getenv("LOG_LEVEL"))

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("[Config] Failed to load configuration")
	}
	setupLogging(cfg.LogLevel)

	db, err := openDB(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("[DB] Failed to open database")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := newApp(cfg, db)
	syncYAMLConfig(ctx, db, cfg, app.ledger, app.pricing)

	scheduler, err := newScheduler(app)
	if err != nil {
		log.Fatal().Err(err).Msg("[Scheduler] Failed to create scheduler")
	}
	scheduler.Start()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           app.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Msg("[Server] Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("[Server] Server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("[Server] Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("[Server] Graceful shutdown failed")
	}
	if err := scheduler.Shutdown(); err != nil {
		log.Error().Err(err).Msg("[Scheduler] Shutdown failed")
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
	log.Info().Msg("[Server] Stopped")
}
