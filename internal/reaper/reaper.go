package reaper

import (
	"context"
	"log/slog"

	"tabular-platform/internal/manifest"
	"tabular-platform/internal/models"
	"tabular-platform/internal/telemetry"
)

// ObjectDeleter is the slice of the object store the reaper needs: a
// bounded, best-effort delete that reports success without ever failing
// loudly.
type ObjectDeleter interface {
	TryDelete(ctx context.Context, key string) bool
}

// JobSource loads a job's dependents so their artifacts get reaped too.
type JobSource interface {
	JobsByParent(ctx context.Context, parentID string) ([]models.Job, error)
}

// Reaper deletes every remote object a job owns before its record is
// purged. Each delete is best-effort: one failed key never blocks the
// rest, and Reap itself never fails — the caller purges the record
// unconditionally afterwards. Orphaned objects are the accepted cost of
// never letting an object-store outage block deletion.
type Reaper struct {
	objects ObjectDeleter
	jobs    JobSource
	log     *slog.Logger
}

// New builds a reaper.
func New(objects ObjectDeleter, jobs JobSource, log *slog.Logger) *Reaper {
	if log == nil {
		log = slog.Default()
	}
	return &Reaper{objects: objects, jobs: jobs, log: log}
}

// Reap attempts deletion of the job's artifact keys, its derived manifest
// key, and recursively the artifacts of its dependent jobs. Safe to call
// twice: already-absent keys delete as no-ops.
func (r *Reaper) Reap(ctx context.Context, job models.Job) {
	r.reap(ctx, job, map[string]bool{})
}

func (r *Reaper) reap(ctx context.Context, job models.Job, seen map[string]bool) {
	if seen[job.ID] {
		return
	}
	seen[job.ID] = true

	for _, key := range job.ArtifactKeys() {
		r.tryDelete(ctx, key)
	}
	r.tryDelete(ctx, manifest.Key(job.ID))

	deps, err := r.jobs.JobsByParent(ctx, job.ID)
	if err != nil {
		// Same contract as a failed delete: log and move on.
		r.log.Error("load dependent jobs failed", "job_id", job.ID, "error", err)
		return
	}
	for _, dep := range deps {
		r.reap(ctx, dep, seen)
	}
}

func (r *Reaper) tryDelete(ctx context.Context, key string) {
	if r.objects.TryDelete(ctx, key) {
		telemetry.ReapDeletes.Inc()
		return
	}
	telemetry.ReapDeleteFailures.Inc()
	r.log.Warn("orphaned remote object", "key", key)
}
