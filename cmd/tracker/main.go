package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"arrival-tracker/internal/api"
	"arrival-tracker/internal/config"
	"arrival-tracker/internal/db"
	"arrival-tracker/internal/logging"
	"arrival-tracker/internal/metrics"
	"arrival-tracker/internal/prediction"
	"arrival-tracker/internal/publisher"
	"arrival-tracker/internal/tracing"
	"arrival-tracker/internal/tracker"
)

func main() {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		fallback := logging.Setup("info", "console")
		fallback.Fatal().Err(err).Msg("config error")
	}
	log := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := tracing.Init(cfg.OTLPEndpoint, log)
	if err != nil {
		log.Fatal().Err(err).Msg("tracing init error")
	}
	defer shutdownTracing()

	sqlDB, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("db open error")
	}
	defer sqlDB.Close()
	if err := db.Ping(ctx, sqlDB); err != nil {
		log.Fatal().Err(err).Msg("db ping error")
	}
	if err := db.Migrate(ctx, sqlDB, cfg.DefaultSettings); err != nil {
		log.Fatal().Err(err).Msg("db migrate error")
	}
	store := db.NewStore(sqlDB)

	mcol := metrics.NewCollector()

	// Arrival events are optional; an empty NATS_URL turns them off.
	var pub tracker.ArrivalPublisher
	if cfg.NATSURL != "" {
		np, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, log, mcol)
		if err != nil {
			log.Fatal().Err(err).Msg("nats error")
		}
		defer np.Close()
		pub = np
	} else {
		log.Info().Msg("NATS_URL not set, arrival events will not be published")
	}

	tr := tracker.New(tracker.Config{
		Location:             cfg.Location,
		DefaultInterval:      cfg.DefaultSettings.Interval(),
		FallbackRetry:        cfg.FallbackRetry,
		PendingStale:         cfg.PendingStale,
		MaxConcurrentQueries: cfg.PredictionConcurrency,
		ValidateSettings:     config.ValidateSettings,
	}, tracker.Deps{
		Registry:  store,
		Settings:  store,
		Client:    newPredictionClient(cfg, log),
		Log:       store,
		Pending:   store,
		Publisher: pub,
		Metrics:   mcol,
		Logger:    log,
	})
	tr.Start(ctx)

	if cfg.HTTPAddr != "" {
		srv := api.NewServer(ctx, tr, store, config.ValidateSettings, mcol.Handler(), log).Serve(cfg.HTTPAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	// Block until context cancelled
	<-ctx.Done()
	tr.Stop()
	log.Info().Msg("shutdown complete")
}

func newPredictionClient(cfg *config.Config, log zerolog.Logger) prediction.Client {
	switch cfg.PredictionSource {
	case config.SourceGTFSRT:
		log.Info().Str("feed", cfg.PredictionURL).Dur("cache_ttl", cfg.GTFSRTCacheTTL).Msg("using GTFS-Realtime predictions")
		return prediction.NewGTFSRTClient(cfg.PredictionURL, cfg.GTFSRTCacheTTL)
	default:
		log.Info().Str("format", cfg.PredictionFormat).Msg("using HTTP predictions")
		return prediction.NewHTTPClient(cfg.PredictionURL, cfg.PredictionAPIKey, cfg.PredictionFormat)
	}
}
