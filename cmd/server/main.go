package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/example/ride-presence/internal/auth"
	"github.com/example/ride-presence/internal/chat"
	"github.com/example/ride-presence/internal/config"
	"github.com/example/ride-presence/internal/dispatch"
	"github.com/example/ride-presence/internal/eta"
	"github.com/example/ride-presence/internal/gateway"
	"github.com/example/ride-presence/internal/geo"
	httpapi "github.com/example/ride-presence/internal/http"
	"github.com/example/ride-presence/internal/ingest"
	"github.com/example/ride-presence/internal/logging"
	"github.com/example/ride-presence/internal/matcher"
	"github.com/example/ride-presence/internal/payments"
	"github.com/example/ride-presence/internal/presence"
	"github.com/example/ride-presence/internal/realtime"
	"github.com/example/ride-presence/internal/registry"
	"github.com/example/ride-presence/internal/rides"
	"github.com/example/ride-presence/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("config_invalid", "error", err)
		os.Exit(1)
	}
	if err := run(cfg, logger); err != nil {
		logger.Error("server_failed", "error", err)
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

	hub := presence.NewHub(presence.Options{
		StaleAfter:    cfg.StaleAfter,
		SweepInterval: cfg.SweepInterval,
		Buffer:        cfg.SubscriberBuffer,
		Logger:        logger,
	})
	var workers sync.WaitGroup
	goWorker := func(fn func()) {
		workers.Add(1)
		go func() { defer workers.Done(); fn() }()
	}
	goWorker(func() { hub.Run(ctx) })

	reg := registry.New()
	reg.OnDriverDisconnect = hub.RemoveDriver

	if cfg.RedisAddr != "" {
		rg := geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey, 2*cfg.StaleAfter)
		defer rg.Close()
		goWorker(func() { presence.Forward(ctx, hub, "redis", rg, logger) })
		logger.Info("redis_geo_enabled", "addr", cfg.RedisAddr, "key", cfg.RedisGeoKey)
	}

	var events gateway.EventPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaRideTopic)
		defer kp.Close()
		goWorker(func() { presence.Forward(ctx, hub, "kafka", kp, logger) })
		events = kp
		logger.Info("kafka_enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	est := &eta.Estimator{Cache: eta.NewCache(cfg.ETACacheTTL), SpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMEndpoint != "" {
		est.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}

	var settler gateway.Settler
	if cfg.StripeAPIKey != "" {
		settler = payments.NewLedger(payments.NewStripeClient(cfg.StripeAPIKey), cfg.Currency)
	}

	notifier := &dispatch.Notifier{Live: reg, Logger: logger}
	if cfg.PushEndpoint != "" {
		notifier.Push = dispatch.NewPushDispatcher(cfg.PushEndpoint)
	}

	relay := chat.NewRelay(store, cfg.SubscriberBuffer)
	tokens := auth.NewJWTManager(cfg.JWTSecret, cfg.JWTTTL)
	accounts := auth.NewService(store, tokens)

	gw := gateway.New(gateway.Deps{
		Users:    store,
		Rides:    rides.NewLifecycle(store),
		Presence: hub,
		Rooms:    relay,
		Ranker:   &matcher.Service{Router: est, TopN: cfg.MatcherTopN},
		Quoter:   &rides.Pricer{Router: est, Rate: cfg.PricePerKm},
		Notifier: notifier,
		Events:   events,
		Payments: settler,
		Logger:   logger,
	})

	ws := realtime.NewServer(realtime.Options{
		Auth:           tokens,
		Registry:       reg,
		Hub:            hub,
		Relay:          relay,
		Buffer:         cfg.SubscriberBuffer,
		AllowedOrigins: cfg.WSAllowedOrigins,
		Logger:         logger,
	})

	api := httpapi.NewServer(httpapi.Deps{
		Gateway:  gw,
		Auth:     accounts,
		Relay:    relay,
		Realtime: ws,
		Ready:    store.Ping,
		Logger:   logger,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-presence listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	logger.Info("shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	stop()
	workers.Wait()
	return err
}

// openStore uses Postgres when PG_DSN is set and falls back to memory.
func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Store, error) {
	if cfg.PGDSN == "" {
		logger.Info("store_memory")
		return storage.NewMemoryStore(), nil
	}
	ps, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
	if err != nil {
		return nil, err
	}
	if cfg.RunMigrations {
		if err := ps.Migrate(ctx); err != nil {
			_ = ps.Close()
			return nil, err
		}
		logger.Info("migrations_applied")
	}
	logger.Info("store_postgres")
	return ps, nil
}
