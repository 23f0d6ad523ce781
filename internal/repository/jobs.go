package repository

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/iago/download-jobs/internal/domain"
)

var (
	ErrNotFound                = domain.ErrNotFound
	ErrVersionConflict         = domain.ErrVersionConflict
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already used")
)

// JobsRepository is the durable Job Store. UpdateJob is a compare-and-swap on
// job.Version: it succeeds only if the stored version still equals the one the
// caller read, and bumps job.Version on success.
type JobsRepository interface {
	CreateJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	GetJobByIdempotencyKey(ctx context.Context, key string) (*domain.Job, error)
	UpdateJob(ctx context.Context, job *domain.Job) error
	ListJobs(ctx context.Context, filter domain.JobFilter) ([]*domain.Job, error)
	DeleteJob(ctx context.Context, jobID string) error
}

// MemoryJobsRepository stores jobs in memory for local development.
type MemoryJobsRepository struct {
	mu          sync.RWMutex
	jobs        map[string]*domain.Job
	idempotency map[string]string
}

func NewMemoryJobsRepository() *MemoryJobsRepository {
	return &MemoryJobsRepository{
		jobs:        make(map[string]*domain.Job),
		idempotency: make(map[string]string),
	}
}

func (r *MemoryJobsRepository) CreateJob(_ context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if job.IdempotencyKey != "" {
		if _, taken := r.idempotency[job.IdempotencyKey]; taken {
			return ErrDuplicateIdempotencyKey
		}
		r.idempotency[job.IdempotencyKey] = job.ID
	}
	job.Version = 1
	r.jobs[job.ID] = job.Clone()
	return nil
}

func (r *MemoryJobsRepository) UpdateJob(_ context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.jobs[job.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != job.Version {
		return ErrVersionConflict
	}
	job.Version++
	r.jobs[job.ID] = job.Clone()
	return nil
}

func (r *MemoryJobsRepository) GetJob(_ context.Context, jobID string) (*domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

func (r *MemoryJobsRepository) GetJobByIdempotencyKey(_ context.Context, key string) (*domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	jobID, ok := r.idempotency[key]
	if !ok {
		return nil, ErrNotFound
	}
	job, ok := r.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

func (r *MemoryJobsRepository) ListJobs(_ context.Context, filter domain.JobFilter) ([]*domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	items := make([]*domain.Job, 0)
	for _, job := range r.jobs {
		if !filter.Matches(job) {
			continue
		}
		items = append(items, job.Clone())
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].UpdatedAt.Before(items[j].UpdatedAt)
	})
	if filter.Limit > 0 && len(items) > filter.Limit {
		items = items[:filter.Limit]
	}
	return items, nil
}

func (r *MemoryJobsRepository) DeleteJob(_ context.Context, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if job.IdempotencyKey != "" {
		delete(r.idempotency, job.IdempotencyKey)
	}
	delete(r.jobs, jobID)
	return nil
}
