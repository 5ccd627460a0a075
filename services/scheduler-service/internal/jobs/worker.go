package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	otelx "github.com/md-rashed-zaman/apptholds/libs/otel"
)

// Job is one periodic trigger. Run returns a short summary for the log.
type Job struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context) (map[string]any, error)
}

// Worker runs each job on its own ticker. A slow or failing job never
// delays another one.
type Worker struct {
	jobs       []Job
	logger     *slog.Logger
	runOnStart bool
}

type WorkerConfig struct {
	// RunOnStart fires every job once before its first tick.
	RunOnStart bool
}

func NewWorker(logger *slog.Logger, cfg WorkerConfig, jobs ...Job) *Worker {
	return &Worker{jobs: jobs, logger: logger, runOnStart: cfg.RunOnStart}
}

// Run blocks until ctx ends and every job loop has returned.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, job := range w.jobs {
		if job.Every <= 0 || job.Run == nil {
			w.logger.Warn("job disabled", "job", job.Name)
			continue
		}
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			w.loop(ctx, job)
		}(job)
	}
	wg.Wait()
}

func (w *Worker) loop(ctx context.Context, job Job) {
	if w.runOnStart {
		w.runOnce(ctx, job)
	}
	ticker := time.NewTicker(job.Every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.runOnce(ctx, job)
		}
	}
}

func (w *Worker) runOnce(ctx context.Context, job Job) {
	// A run may not outlast its interval, or ticks would pile up behind it.
	runCtx, cancel := context.WithTimeout(ctx, job.Every)
	defer cancel()

	runCtx, span := otelx.Tracer("scheduler").Start(runCtx, "job."+job.Name)
	defer span.End()

	start := time.Now()
	summary, err := job.Run(runCtx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "job failed")
		w.logger.Error("job failed", "job", job.Name, "err", err, "took", time.Since(start))
		return
	}
	span.SetAttributes(attribute.Int("job.summary_fields", len(summary)))
	w.logger.Info("job done", "job", job.Name, "took", time.Since(start), "result", summary)
}
