// Command consumer projects driver presence events from Kafka into the Redis
// GEO set used for proximity queries.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-presence/internal/config"
	"github.com/example/ride-presence/internal/geo"
	"github.com/example/ride-presence/internal/ingest"
	"github.com/example/ride-presence/internal/logging"
	"github.com/example/ride-presence/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total presence messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	redisUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful redis updates",
	}, []string{"kind"})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors)
}

var errInvalidMessage = errors.New("invalid presence message")

func main() {
	var metricsAddr, group string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.StringVar(&group, "group", envOr("KAFKA_GROUP", "ride-presence-projector"), "kafka consumer group")
	flag.Parse()

	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("config_invalid", "error", err)
		os.Exit(1)
	}
	brokers := cfg.KafkaBrokers
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}
	redisAddr := cfg.RedisAddr
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	proj := geo.NewRedisGeo(redisAddr, cfg.RedisPassword, cfg.RedisGeoKey, cfg.StaleAfter*2)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := proj.Ping(r.Context()); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte("ready"))
		})
		logger.Info("metrics_listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Warn("metrics_server_stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: cfg.KafkaTopic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = proj.Close()
	}()

	logger.Info("consumer_listening", "topic", cfg.KafkaTopic, "brokers", brokers, "group", group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("consumer_shutdown")
				return
			}
			logger.Warn("kafka_read_failed", "error", err, "backoff", backoff.String())
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		if err := handleMessage(ctx, proj, m.Value, logger); err != nil {
			if errors.Is(err, errInvalidMessage) {
				msgsInvalid.Inc()
			} else {
				redisErrors.Inc()
			}
			logger.Warn("presence_projection_failed", "key", string(m.Key), "error", err)
		}
	}
}

// Projector applies presence changes to a read model.
type Projector interface {
	Upsert(ctx context.Context, p models.DriverPosition) error
	Remove(ctx context.Context, driverID string) error
}

func handleMessage(ctx context.Context, p Projector, value []byte, logger *slog.Logger) error {
	var msg ingest.PresenceMessage
	if err := json.Unmarshal(value, &msg); err != nil {
		return fmt.Errorf("%w: %v", errInvalidMessage, err)
	}
	if msg.DriverID == "" {
		return fmt.Errorf("%w: missing driver id", errInvalidMessage)
	}
	var apply func(context.Context) error
	switch msg.Kind {
	case ingest.KindLocation:
		pos := models.DriverPosition{DriverID: msg.DriverID, Lat: msg.Lat, Lng: msg.Lng, UpdatedAt: msg.UpdatedAt}
		if !pos.Coord().Valid() {
			return fmt.Errorf("%w: coordinates out of range", errInvalidMessage)
		}
		apply = func(ctx context.Context) error { return p.Upsert(ctx, pos) }
	case ingest.KindDisconnected:
		apply = func(ctx context.Context) error { return p.Remove(ctx, msg.DriverID) }
	default:
		return fmt.Errorf("%w: unknown kind %q", errInvalidMessage, msg.Kind)
	}
	if err := withRetry(ctx, apply, 3, 200*time.Millisecond); err != nil {
		return err
	}
	redisUpdates.WithLabelValues(msg.Kind).Inc()
	logger.Debug("presence_projected", "driver_id", msg.DriverID, "kind", msg.Kind)
	return nil
}

// withRetry runs op up to attempts times, doubling delay between tries.
func withRetry(ctx context.Context, op func(context.Context) error, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = op(ctx); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
