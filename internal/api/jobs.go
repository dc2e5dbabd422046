package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackmmaher/marketcrawl/internal/types"
)

// JobRegistry owns async crawl jobs for the lifetime of the process.
// A job is mutated only by its owning worker goroutine; reads go
// through snapshots so terminal states stay immutable to callers.
type JobRegistry struct {
	mu     sync.RWMutex
	jobs   map[string]*types.Job
	logger *slog.Logger
}

// NewJobRegistry creates an empty registry.
func NewJobRegistry(logger *slog.Logger) *JobRegistry {
	return &JobRegistry{
		jobs:   make(map[string]*types.Job),
		logger: logger.With("component", "job_registry"),
	}
}

// Submit registers a pending job and starts its worker. run receives a
// progress callback and returns the terminal result.
func (r *JobRegistry) Submit(jobType string, request any, run func(ctx context.Context, progress func(float64)) (any, error)) *types.Job {
	job := types.NewJob(jobType, request)

	r.mu.Lock()
	r.jobs[job.ID] = job
	r.mu.Unlock()

	go r.runJob(job, run)
	return r.snapshot(job)
}

// runJob is the owning worker: it drives the job through its lifecycle
// and is the only goroutine that writes job fields after submission.
func (r *JobRegistry) runJob(job *types.Job, run func(ctx context.Context, progress func(float64)) (any, error)) {
	ctx := context.Background()

	now := time.Now().UTC()
	r.mu.Lock()
	job.Status = types.JobRunning
	job.StartedAt = &now
	r.mu.Unlock()

	progress := func(p float64) {
		if p < 0 {
			p = 0
		}
		if p > 1 {
			p = 1
		}
		r.mu.Lock()
		if !job.Status.Terminal() {
			job.Progress = p
		}
		r.mu.Unlock()
	}

	result, err := run(ctx, progress)

	done := time.Now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	job.CompletedAt = &done
	if err != nil {
		job.Status = types.JobFailed
		job.Error = err.Error()
		r.logger.Warn("job failed", "id", job.ID, "type", job.Type, "error", err)
		return
	}
	job.Status = types.JobCompleted
	job.Progress = 1
	job.Result = result
	r.logger.Info("job completed", "id", job.ID, "type", job.Type)
}

// Get returns a snapshot of the job, or nil when unknown.
func (r *JobRegistry) Get(id string) *types.Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil
	}
	return r.snapshotLocked(job)
}

// List returns snapshots of every job.
func (r *JobRegistry) List() []*types.Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		out = append(out, r.snapshotLocked(job))
	}
	return out
}

func (r *JobRegistry) snapshot(job *types.Job) *types.Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked(job)
}

func (r *JobRegistry) snapshotLocked(job *types.Job) *types.Job {
	copied := *job
	return &copied
}
