package main

import (
	"context"
	"net/http"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/md-rashed-zaman/apptholds/libs/config"
	"github.com/md-rashed-zaman/apptholds/libs/httpx"
	"github.com/md-rashed-zaman/apptholds/libs/kafkax"
	otelx "github.com/md-rashed-zaman/apptholds/libs/otel"
	"github.com/md-rashed-zaman/apptholds/libs/runtime"
	"github.com/md-rashed-zaman/apptholds/libs/trigger"
	"github.com/md-rashed-zaman/apptholds/services/scheduler-service/internal/jobs"
)

type env struct {
	BookingURL    string        `envconfig:"BOOKING_URL" default:"http://localhost:8083"`
	TriggerSecret string        `envconfig:"TRIGGER_SECRET" required:"true"`
	SweepEvery    time.Duration `envconfig:"SWEEP_EVERY" default:"1m"`
	RefreshEvery  time.Duration `envconfig:"REFRESH_EVERY" default:"10m"`
	RunOnStart    bool          `envconfig:"RUN_ON_START" default:"true"`
	// RefreshVia is "http" or "kafka". With kafka, refresh requests go to
	// KAFKA_REFRESH_TOPIC and the booking service consumes them.
	RefreshVia   string `envconfig:"REFRESH_VIA" default:"http"`
	Brokers      string `envconfig:"KAFKA_BROKERS"`
	RefreshTopic string `envconfig:"KAFKA_REFRESH_TOPIC" default:"calendar.refresh.requested.v1"`
}

func main() {
	service := config.String("SERVICE_NAME", "scheduler-service")
	port, err := config.Port("PORT", "8087")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service, config.String("LOG_LEVEL", "info"))

	var cfg env
	if err := config.Process("", &cfg); err != nil {
		logger.Error("invalid configuration", "err", err)
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

	client := trigger.New(trigger.Config{
		BaseURL: cfg.BookingURL,
		Secret:  cfg.TriggerSecret,
		Subject: service,
	}, &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport), Timeout: 15 * time.Second})

	refresh := func(ctx context.Context) (map[string]any, error) {
		return client.Refresh(ctx)
	}
	var checks []runtime.ReadyCheck
	if cfg.RefreshVia == "kafka" {
		brokers := kafkax.SplitBrokers(cfg.Brokers)
		if len(brokers) == 0 {
			panic("REFRESH_VIA=kafka needs KAFKA_BROKERS")
		}
		writer := &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  cfg.RefreshTopic,
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		}
		defer writer.Close()
		refresh = jobs.NewRefreshRequester(writer).Request
		checks = append(checks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)})
		logger.Info("calendar refresh via kafka", "topic", cfg.RefreshTopic)
	}

	worker := jobs.NewWorker(logger, jobs.WorkerConfig{RunOnStart: cfg.RunOnStart},
		jobs.Job{Name: "holds.sweep", Every: cfg.SweepEvery, Run: func(ctx context.Context) (map[string]any, error) {
			return client.Sweep(ctx)
		}},
		jobs.Job{Name: "calendar.refresh", Every: cfg.RefreshEvery, Run: refresh},
	)
	go worker.Run(ctx)

	mux := runtime.NewBaseMuxWithReady(checks...)
	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
	)
	handler = otelhttp.NewHandler(handler, "scheduler")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	_ = runtime.ServeHTTP(ctx, logger, srv, 10*time.Second)
}
