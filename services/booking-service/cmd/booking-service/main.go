package main

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/md-rashed-zaman/apptholds/libs/config"
	"github.com/md-rashed-zaman/apptholds/libs/db"
	"github.com/md-rashed-zaman/apptholds/libs/grpcx"
	"github.com/md-rashed-zaman/apptholds/libs/httpx"
	"github.com/md-rashed-zaman/apptholds/libs/kafkax"
	otelx "github.com/md-rashed-zaman/apptholds/libs/otel"
	"github.com/md-rashed-zaman/apptholds/libs/runtime"
	"github.com/md-rashed-zaman/apptholds/services/booking-service/internal/calcache"
	"github.com/md-rashed-zaman/apptholds/services/booking-service/internal/consumer"
	"github.com/md-rashed-zaman/apptholds/services/booking-service/internal/extcal"
	"github.com/md-rashed-zaman/apptholds/services/booking-service/internal/handlers"
	"github.com/md-rashed-zaman/apptholds/services/booking-service/internal/holds"
	"github.com/md-rashed-zaman/apptholds/services/booking-service/internal/outbox"
	"github.com/md-rashed-zaman/apptholds/services/booking-service/internal/settings"
	"github.com/md-rashed-zaman/apptholds/services/booking-service/internal/storage"
)

func main() {
	service := config.String("SERVICE_NAME", "booking-service")
	port, err := config.Port("PORT", "8083")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service, config.String("LOG_LEVEL", "info"))

	s, err := settings.Load()
	if err != nil {
		logger.Error("invalid settings", "err", err)
		panic(err)
	}

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	maxConns, err := config.Int("DB_MAX_CONNS", 10)
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL, db.Options{MaxConns: int32(maxConns)})
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	if migrate, _ := config.Bool("MIGRATE_ON_START", true); migrate {
		applied, err := db.Migrate(ctx, pool, storage.Migrations, storage.MigrationsDir)
		if err != nil {
			logger.Error("migrations failed", "err", err)
			panic(err)
		}
		if len(applied) > 0 {
			logger.Info("migrations applied", "versions", applied)
		}
	}

	outboxRepo := outbox.NewRepository()
	repo := storage.NewBookingRepository(pool, outboxRepo)
	cacheRepo := storage.NewCacheRepository(pool)

	provider, err := extcal.New(s.Calendar)
	if err != nil {
		logger.Error("calendar provider init failed", "err", err)
		panic(err)
	}
	// A nil provider must reach the manager and refresher as a nil
	// interface, not a typed nil.
	var (
		calendar holds.Calendar
		lister   calcache.Lister
	)
	if provider != nil {
		calendar, lister = provider, provider
		logger.Info("external calendar enabled", "provider", s.Calendar.Kind, "calendars", len(s.Cache.Calendars))
	} else {
		logger.Info("external calendar disabled")
	}

	manager := holds.NewManager(repo, calendar, s.Slots, s.Holds, logger)
	refresher := calcache.New(lister, cacheRepo, s.Cache, logger)

	brokers := kafkax.SplitBrokers(config.String("KAFKA_BROKERS", ""))
	publisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   brokers,
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go publisher.Run(ctx)

	if topic := strings.TrimSpace(config.String("KAFKA_REFRESH_TOPIC", "")); topic != "" && len(brokers) > 0 {
		refreshConsumer := consumer.New(logger, storage.NewInboxRepository(pool), consumer.Config{
			Brokers: brokers,
			GroupID: config.String("KAFKA_GROUP_ID", service),
			Topic:   topic,
		}, func(ctx context.Context, msg kafka.Message) error {
			res, err := refresher.Refresh(ctx)
			if err != nil {
				return err
			}
			logger.Info("calendar refresh from event", "refreshed", len(res.Refreshed), "failed", len(res.Failed), "events", res.Events)
			return nil
		})
		go refreshConsumer.Run(ctx)
	}

	checks := []runtime.ReadyCheck{{Name: "db", Check: db.ReadyCheck(pool)}}
	if len(brokers) > 0 {
		checks = append(checks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)})
	}

	limiter, rdb := newLimiter(logger)
	if rdb != nil {
		defer func() { _ = rdb.Close() }()
		checks = append(checks, runtime.ReadyCheck{Name: "redis", Check: httpx.RedisReadyCheck(rdb)})
	}

	mux := runtime.NewBaseMuxWithReady(checks...)
	handlers.Register(mux,
		handlers.NewBookingHandler(manager, s.Slots.Location.String(), logger),
		handlers.NewMaintenanceHandler(manager, refresher, logger),
		config.String("TRIGGER_SECRET", ""),
		logger,
	)

	requestTimeout, err := config.Duration("HTTP_REQUEST_TIMEOUT", 30*time.Second)
	if err != nil {
		panic(err)
	}
	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithRecover(logger),
		httpx.WithCORS(httpx.PublicCORS(config.List("CORS_ORIGINS"))),
		publicOnly(httpx.RateLimit(limiter, logger, true)),
		httpx.WithBodyLimit(64<<10),
		httpx.WithTimeout(requestTimeout),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "booking")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if grpcPort := config.String("GRPC_PORT", ""); grpcPort != "" {
		grpcSrv, hs := grpcx.NewServer()
		go grpcx.WatchReadiness(ctx, hs, service, 10*time.Second, db.ReadyCheck(pool))
		go func() {
			if err := grpcx.Serve(ctx, logger, grpcSrv, ":"+grpcPort); err != nil {
				logger.Error("grpc server error", "err", err)
			}
		}()
	}

	_ = runtime.ServeHTTP(ctx, logger, srv, 10*time.Second)
}

// newLimiter uses Redis when REDIS_ADDR is set so the budget is shared
// across replicas.
func newLimiter(logger *slog.Logger) (httpx.Limiter, *redis.Client) {
	limit, err := config.Int("RATE_LIMIT_PER_MINUTE", 60)
	if err != nil {
		panic(err)
	}
	addr := config.String("REDIS_ADDR", "")
	if addr == "" {
		return httpx.NewMemoryRateLimiter(limit, time.Minute), nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: config.String("REDIS_PASSWORD", ""),
	})
	logger.Info("rate limiting via redis", "addr", addr, "limit", limit)
	return httpx.NewRedisRateLimiter(rdb, limit, time.Minute, "ratelimit:booking:"), rdb
}

// publicOnly applies m to the public API; probes and trigger endpoints pass
// straight through.
func publicOnly(m httpx.Middleware) httpx.Middleware {
	return func(next http.Handler) http.Handler {
		limited := m(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/api/") {
				limited.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
