package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/shuttle-dispatch/internal/audit"
	"github.com/example/shuttle-dispatch/internal/auth"
	"github.com/example/shuttle-dispatch/internal/booking"
	"github.com/example/shuttle-dispatch/internal/config"
	"github.com/example/shuttle-dispatch/internal/dispatch"
	"github.com/example/shuttle-dispatch/internal/events"
	"github.com/example/shuttle-dispatch/internal/fanout"
	"github.com/example/shuttle-dispatch/internal/fleet"
	"github.com/example/shuttle-dispatch/internal/geo"
	httpapi "github.com/example/shuttle-dispatch/internal/http"
	"github.com/example/shuttle-dispatch/internal/logging"
	"github.com/example/shuttle-dispatch/internal/storage"
	"github.com/example/shuttle-dispatch/internal/trip"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	var sinks audit.Multi
	sinks = append(sinks, audit.NewLogSink(logger))
	var producer *events.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kafkaAudit := audit.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaAuditTopic, cfg.EventBuffer, logger)
		defer kafkaAudit.Close()
		sinks = append(sinks, kafkaAudit)

		producer = events.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaEventTopic, cfg.KafkaLocationTopic, logger)
		defer producer.Close()
		logger.Info("kafka enabled", "brokers", cfg.KafkaBrokers)
	}

	var cache geo.Cache = geo.NewIndex()
	if cfg.RedisAddr != "" {
		rg := geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		if err := rg.Ping(ctx); err != nil {
			logger.Warn("redis not reachable at startup", "addr", cfg.RedisAddr, "error", err)
		}
		defer rg.Close()
		cache = rg
	}

	// The hub and Kafka each drain their own bus so a stalled broker never
	// delays WebSocket delivery. Handlers keep running while the buses drain
	// after shutdown starts.
	hub := fanout.NewHub(cfg.WSSendTimeout, logger)
	hubBus := events.NewBus(cfg.EventBuffer, logger)
	hubBus.Subscribe(hub.HandleEvent)
	hubBus.Start(context.WithoutCancel(ctx))
	defer hubBus.Close()
	bus := events.Multi{hubBus}

	trackerOpts := []trip.TrackerOption{trip.WithCache(cache)}
	if producer != nil {
		kafkaBus := events.NewBus(cfg.EventBuffer, logger)
		kafkaBus.Subscribe(producer.Handle)
		kafkaBus.Start(context.WithoutCancel(ctx))
		defer kafkaBus.Close()
		bus = append(bus, kafkaBus)
		trackerOpts = append(trackerOpts, trip.WithPublisher(producer))
	}

	recorder := trip.NewRecorder()
	bookings := booking.NewService(store, dispatch.NewEngine(logger), recorder, bus, sinks, logger,
		booking.WithRedispatch(cfg.RedispatchOnRelease))
	registry := fleet.NewRegistry(store, sinks, logger)
	registry.OnVehicleAvailable = bookings.Redispatch
	tracker := trip.NewTracker(store, recorder, bus, logger, trackerOpts...)
	defer tracker.Close()

	api := httpapi.NewServer(httpapi.Deps{
		Store:    store,
		Auth:     auth.NewStoreProvider(store, sinks, logger, cfg.StudentEmailDomain, cfg.SessionTTL),
		Bookings: bookings,
		Fleet:    registry,
		Tracker:  tracker,
		Hub:      hub,
	}, logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("shuttle dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// openStore uses Postgres when PG_DSN is set and the in-process store
// otherwise.
func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Store, error) {
	if cfg.PGDSN == "" {
		logger.Warn("PG_DSN not set, using in-memory store")
		return storage.NewMemoryStore(), nil
	}
	pg, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
	if err != nil {
		return nil, err
	}
	if cfg.RunMigrations {
		if err := storage.Migrate(pg.DB()); err != nil {
			pg.Close()
			return nil, err
		}
		logger.Info("migrations applied")
	}
	return pg, nil
}
