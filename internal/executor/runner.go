// Package executor drives leased jobs through their lifecycle. Training
// itself is pluggable; the built-in handler only simulates a run.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"tabular-platform/internal/config"
	"tabular-platform/internal/lifecycle"
	"tabular-platform/internal/manifest"
	"tabular-platform/internal/models"
	"tabular-platform/internal/queue"
	"tabular-platform/internal/store"
	"tabular-platform/internal/telemetry"
)

// Result is what a training handler produces.
type Result struct {
	OutputPath string   // local bundle to upload as the job's output
	ModelPaths []string // local model files to upload
	Metrics    *models.Metrics
}

// Handler runs the actual training or prediction for a framework.
type Handler func(ctx context.Context, job models.Job) (Result, error)

// JobStore is the slice of persistence the runner needs beyond the state
// machine.
type JobStore interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	SetOutputKey(ctx context.Context, id, key string) error
	AppendModelKey(ctx context.Context, id, key string) error
	SetMetrics(ctx context.Context, id string, m models.Metrics) error
	UpdateInfo(ctx context.Context, id, info string) error
}

// ObjectStore uploads run artifacts.
type ObjectStore interface {
	Upload(ctx context.Context, srcPath, key string) error
}

// Runner leases dispatched jobs and walks each one created -> starting ->
// running -> terminal, honoring stop flags and the per-job runtime ceiling.
type Runner struct {
	cfg            config.Config
	queue          *queue.DispatchQueue
	store          JobStore
	machine        *lifecycle.Machine
	objects        ObjectStore
	handlers       map[string]Handler
	defaultHandler Handler
	log            *slog.Logger
}

// NewRunner builds a runner.
func NewRunner(cfg config.Config, q *queue.DispatchQueue, st JobStore, machine *lifecycle.Machine, objects ObjectStore, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	r := &Runner{
		cfg:      cfg,
		queue:    q,
		store:    st,
		machine:  machine,
		objects:  objects,
		handlers: make(map[string]Handler),
		log:      log,
	}
	r.defaultHandler = simulateTraining
	return r
}

// RegisterHandler binds a handler to a framework name.
func (r *Runner) RegisterHandler(frameworkName string, handler Handler) {
	if frameworkName == "" || handler == nil {
		return
	}
	r.handlers[frameworkName] = handler
}

// Run starts the lease loop until context cancellation.
func (r *Runner) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if reclaimed, _ := r.queue.RequeueExpired(ctx, time.Now(), 100); len(reclaimed) > 0 {
			r.log.Info("requeued expired leases", "count", len(reclaimed))
		}
		if depth, err := r.queue.Depth(ctx); err == nil {
			telemetry.DispatchDepthGauge.Set(float64(depth))
		}

		jobID, err := r.queue.LeaseNext(ctx)
		if err != nil || jobID == "" {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.cfg.ExecutorPollInterval):
			}
			continue
		}

		r.process(ctx, jobID)
	}
}

func (r *Runner) process(ctx context.Context, jobID string) {
	defer r.queue.Ack(ctx, jobID)

	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.log.Error("load leased job failed", "job_id", jobID, "error", err)
		}
		return
	}
	if lifecycle.IsTerminal(job.Status) {
		return
	}

	if stopped, _ := r.queue.StopRequested(ctx, job.ID); stopped && job.Status == models.StatusCreated {
		_ = r.machine.Transition(ctx, &job, models.StatusFail, "stop requested before start")
		return
	}

	if err := r.machine.Transition(ctx, &job, models.StatusStarting, "leased by executor"); err != nil {
		return
	}

	telemetry.ActiveTrainings.Inc()
	defer telemetry.ActiveTrainings.Dec()

	if err := r.uploadManifest(ctx, job); err != nil {
		_ = r.machine.Transition(ctx, &job, models.StatusFail, fmt.Sprintf("manifest upload: %v", err))
		return
	}

	if err := r.machine.Transition(ctx, &job, models.StatusRunning, ""); err != nil {
		return
	}

	r.runToCompletion(ctx, job)
}

// runToCompletion executes the handler under the job's runtime ceiling,
// watching for a stop flag while the work is in flight.
func (r *Runner) runToCompletion(ctx context.Context, job models.Job) {
	var runCtx context.Context
	var cancel context.CancelFunc
	if job.MaxRuntimeSeconds > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(job.MaxRuntimeSeconds)*time.Second)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	handler := r.handlers[job.FrameworkName]
	if handler == nil {
		handler = r.defaultHandler
	}

	type outcome struct {
		result Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := handler(runCtx, job)
		done <- outcome{result: res, err: err}
	}()

	ticker := time.NewTicker(r.cfg.ExecutorPollInterval)
	defer ticker.Stop()

	for {
		select {
		case out := <-done:
			r.finish(ctx, runCtx, job, out.result, out.err)
			return
		case <-ticker.C:
			_ = r.queue.ExtendLease(ctx, job.ID, r.cfg.VisibilityTimeout)
			stopped, err := r.queue.StopRequested(ctx, job.ID)
			if err != nil || !stopped {
				continue
			}
			if err := r.machine.Transition(ctx, &job, models.StatusStopping, "stop requested"); err != nil {
				continue
			}
			cancel()
			<-done
			_ = r.machine.Transition(ctx, &job, models.StatusStopped, "")
			return
		}
	}
}

func (r *Runner) finish(ctx, runCtx context.Context, job models.Job, result Result, runErr error) {
	if runErr != nil {
		info := runErr.Error()
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			info = "max runtime exceeded"
		}
		_ = r.machine.Transition(ctx, &job, models.StatusFail, info)
		return
	}

	if err := r.machine.Transition(ctx, &job, models.StatusSuccess, "completed"); err != nil {
		return
	}

	// Terminal jobs stay open for artifact keys and trailing info, so
	// uploads recorded after the flip are fine.
	if result.OutputPath != "" {
		key := manifest.OutputKey(job.ID)
		if err := r.objects.Upload(ctx, result.OutputPath, key); err != nil {
			r.log.Error("output upload failed", "job_id", job.ID, "error", err)
			_ = r.store.UpdateInfo(ctx, job.ID, fmt.Sprintf("completed; output upload failed: %v", err))
		} else if err := r.store.SetOutputKey(ctx, job.ID, key); err != nil {
			r.log.Error("record output key failed", "job_id", job.ID, "error", err)
		}
	}
	for _, path := range result.ModelPaths {
		key := manifest.ModelKey(job.ID, filepath.Base(path))
		if err := r.objects.Upload(ctx, path, key); err != nil {
			r.log.Error("model upload failed", "job_id", job.ID, "key", key, "error", err)
			continue
		}
		if err := r.store.AppendModelKey(ctx, job.ID, key); err != nil {
			r.log.Error("record model key failed", "job_id", job.ID, "key", key, "error", err)
		}
	}
	if result.Metrics != nil {
		if err := r.store.SetMetrics(ctx, job.ID, *result.Metrics); err != nil {
			r.log.Error("record metrics failed", "job_id", job.ID, "error", err)
		}
	}
}

func (r *Runner) uploadManifest(ctx context.Context, job models.Job) error {
	doc, err := manifest.Render(job)
	if err != nil {
		return err
	}
	f, err := os.CreateTemp("", "job-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp manifest: %w", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(doc); err != nil {
		f.Close()
		return fmt.Errorf("write manifest: %w", err)
	}
	f.Close()
	return r.objects.Upload(ctx, f.Name(), manifest.Key(job.ID))
}

// simulateTraining stands in for the real training service: it produces a
// placeholder bundle and metrics after a short, cancellable wait.
func simulateTraining(ctx context.Context, job models.Job) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-time.After(100 * time.Millisecond):
	}

	f, err := os.CreateTemp("", "output-*.zip")
	if err != nil {
		return Result{}, fmt.Errorf("create output: %w", err)
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "placeholder output for %s\n", job.ID); err != nil {
		return Result{}, fmt.Errorf("write output: %w", err)
	}

	return Result{
		OutputPath: f.Name(),
		Metrics: &models.Metrics{
			MetricName:  "auc",
			MetricValue: 0,
			ProblemType: "binary",
		},
	}, nil
}
