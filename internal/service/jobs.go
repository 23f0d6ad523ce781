package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/iago/download-jobs/internal/domain"
	"github.com/iago/download-jobs/internal/queue"
	"github.com/iago/download-jobs/internal/repository"
)

const maxIdempotencyKeyLength = 255

// ArtifactStore is the slice of the storage collaborator the manager needs.
type ArtifactStore interface {
	IssueAccessLink(ctx context.Context, ref string) (domain.AccessLink, error)
	Delete(ctx context.Context, ref string) error
}

type JobsConfig struct {
	MaxFileIDs      int
	EnqueueAttempts int
	EnqueueBackoff  time.Duration
}

type CreateJobInput struct {
	FileIDs        []int64
	IdempotencyKey string
	TraceID        string
}

// JobsService is the Job Manager. It is the only component that moves a job
// between states; workers and the sweeper go through the methods in
// transitions.go.
type JobsService struct {
	repo      repository.JobsRepository
	queue     queue.Queue
	artifacts ArtifactStore
	logger    *log.Logger
	cfg       JobsConfig
	now       func() time.Time
}

func NewJobsService(
	repo repository.JobsRepository,
	workQueue queue.Queue,
	artifacts ArtifactStore,
	logger *log.Logger,
	cfg JobsConfig,
) *JobsService {
	if cfg.MaxFileIDs <= 0 {
		cfg.MaxFileIDs = 100
	}
	if cfg.EnqueueAttempts <= 0 {
		cfg.EnqueueAttempts = 3
	}
	if cfg.EnqueueBackoff < 0 {
		cfg.EnqueueBackoff = 0
	}
	return &JobsService{
		repo:      repo,
		queue:     workQueue,
		artifacts: artifacts,
		logger:    logger,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateJob stores a pending job and enqueues its work item. The boolean is
// false when an existing job was returned for a replayed idempotency key.
// If the work item cannot be enqueued the job is committed as failed and
// returned together with an error wrapping domain.ErrEnqueue.
func (s *JobsService) CreateJob(ctx context.Context, input CreateJobInput) (*domain.Job, bool, error) {
	if err := s.validateCreate(input); err != nil {
		return nil, false, err
	}

	if input.IdempotencyKey != "" {
		existing, err := s.repo.GetJobByIdempotencyKey(ctx, input.IdempotencyKey)
		if err == nil {
			s.logf("job replayed job_id=%s trace_id=%s status=%s", existing.ID, existing.TraceID, existing.Status)
			return existing, false, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, false, fmt.Errorf("lookup idempotency key: %w", err)
		}
	}

	traceID := input.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}
	now := s.now()
	job := &domain.Job{
		ID:             uuid.NewString(),
		Status:         domain.JobStatusPending,
		FileIDs:        append([]int64(nil), input.FileIDs...),
		Progress:       domain.Progress{Total: len(input.FileIDs)},
		IdempotencyKey: input.IdempotencyKey,
		TraceID:        traceID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.repo.CreateJob(ctx, job); err != nil {
		if errors.Is(err, repository.ErrDuplicateIdempotencyKey) {
			// Lost a race against a concurrent create with the same key.
			existing, getErr := s.repo.GetJobByIdempotencyKey(ctx, input.IdempotencyKey)
			if getErr != nil {
				return nil, false, fmt.Errorf("load job for idempotency key: %w", getErr)
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("create job: %w", err)
	}
	s.logTransition(job, "", "created")

	enqueueErr := s.enqueue(ctx, job)
	if enqueueErr == nil {
		return job, true, nil
	}

	// The request may already be gone; the rollback must still land.
	failed, err := s.mutate(context.WithoutCancel(ctx), job.ID, func(current *domain.Job) error {
		return current.Fail(domain.ErrorKindEnqueue, "job could not be scheduled, please retry", s.now())
	})
	if err != nil {
		return nil, true, fmt.Errorf("%w: %v (rollback failed: %v)", domain.ErrEnqueue, enqueueErr, err)
	}
	s.logTransition(failed, domain.JobStatusPending, "enqueue_error")
	return failed, true, fmt.Errorf("%w: %v", domain.ErrEnqueue, enqueueErr)
}

// GetStatus returns the current snapshot. A completed job whose access link
// has lapsed gets a freshly issued link in the returned copy only.
func (s *JobsService) GetStatus(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if job.Status != domain.JobStatusCompleted || job.Result == nil || s.artifacts == nil {
		return job, nil
	}
	if job.Result.ArtifactRef == "" || s.now().Before(job.Result.ExpiresAt) {
		return job, nil
	}

	link, err := s.artifacts.IssueAccessLink(ctx, job.Result.ArtifactRef)
	if err != nil {
		s.logf("access link refresh failed job_id=%s trace_id=%s err=%v", job.ID, job.TraceID, err)
		return job, nil
	}
	job.Result.AccessURL = link.URL
	job.Result.ExpiresAt = link.ExpiresAt
	return job, nil
}

// CancelJob is cooperative for processing jobs: the owning worker observes the
// cancelled status at its next checkpoint.
func (s *JobsService) CancelJob(ctx context.Context, jobID string) (*domain.Job, error) {
	var from domain.JobStatus
	job, err := s.mutate(ctx, jobID, func(current *domain.Job) error {
		from = current.Status
		return current.TransitionTo(domain.JobStatusCancelled, s.now())
	})
	if err != nil {
		return nil, err
	}
	s.logTransition(job, from, "cancel_requested")

	if err := s.queue.Ack(ctx, jobID, ""); err != nil {
		s.logf("queue ack after cancel failed job_id=%s trace_id=%s err=%v", jobID, job.TraceID, err)
	}
	return job, nil
}

func (s *JobsService) ListJobs(ctx context.Context, filter domain.JobFilter) ([]*domain.Job, error) {
	return s.repo.ListJobs(ctx, filter)
}

func (s *JobsService) QueueStats(ctx context.Context) (queue.Stats, error) {
	return s.queue.Stats(ctx)
}

func (s *JobsService) validateCreate(input CreateJobInput) error {
	if len(input.FileIDs) == 0 {
		return fmt.Errorf("%w: file_ids must not be empty", domain.ErrInvalidInput)
	}
	if len(input.FileIDs) > s.cfg.MaxFileIDs {
		return fmt.Errorf("%w: at most %d file_ids are allowed", domain.ErrInvalidInput, s.cfg.MaxFileIDs)
	}
	for _, fileID := range input.FileIDs {
		if fileID <= 0 {
			return fmt.Errorf("%w: file id %d must be positive", domain.ErrInvalidInput, fileID)
		}
	}
	if len(input.IdempotencyKey) > maxIdempotencyKeyLength {
		return fmt.Errorf("%w: idempotency_key exceeds %d characters", domain.ErrInvalidInput, maxIdempotencyKeyLength)
	}
	return nil
}

func (s *JobsService) enqueue(ctx context.Context, job *domain.Job) error {
	item := domain.WorkItem{JobID: job.ID, EnqueuedAt: job.CreatedAt}

	var lastErr error
	for attempt := 1; attempt <= s.cfg.EnqueueAttempts; attempt++ {
		lastErr = s.queue.Enqueue(ctx, item)
		if lastErr == nil {
			return nil
		}
		s.logf("enqueue failed job_id=%s trace_id=%s attempt=%d err=%v", job.ID, job.TraceID, attempt, lastErr)
		if attempt == s.cfg.EnqueueAttempts {
			break
		}
		if err := sleepContext(ctx, time.Duration(attempt)*s.cfg.EnqueueBackoff); err != nil {
			return err
		}
	}
	return lastErr
}

func (s *JobsService) logTransition(job *domain.Job, from domain.JobStatus, reason string) {
	if from == "" {
		from = "none"
	}
	s.logf(
		"job transition job_id=%s trace_id=%s from=%s to=%s reason=%s attempt=%d version=%d",
		job.ID, job.TraceID, from, job.Status, reason, job.AttemptCount, job.Version,
	)
}

func (s *JobsService) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
