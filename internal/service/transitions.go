package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iago/download-jobs/internal/domain"
	"github.com/iago/download-jobs/internal/repository"
)

const maxWriteAttempts = 5

var errSkipWrite = errors.New("no write needed")

// BeginAttempt records a claim on the job: the first claim moves it to
// processing, and every claim takes over the lease token and bumps the
// attempt counter. A terminal job returns domain.ErrConflict.
func (s *JobsService) BeginAttempt(ctx context.Context, claim *domain.Claim) (*domain.Job, error) {
	var from domain.JobStatus
	job, err := s.mutate(ctx, claim.JobID, func(current *domain.Job) error {
		from = current.Status
		now := s.now()
		if current.Status == domain.JobStatusPending {
			if err := current.TransitionTo(domain.JobStatusProcessing, now); err != nil {
				return err
			}
		} else if current.Status != domain.JobStatusProcessing {
			return fmt.Errorf("%w: job %s is already %s", domain.ErrConflict, current.ID, current.Status)
		}
		current.ClaimedBy = claim.WorkerID
		current.LeaseToken = claim.LeaseToken
		current.AttemptCount++
		current.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logTransition(job, from, "claimed by "+claim.WorkerID)
	return job, nil
}

// Checkpoint is the cooperative cancellation point. It reports
// domain.ErrCancelled after CancelJob and domain.ErrLeaseLost once another
// worker owns the job.
func (s *JobsService) Checkpoint(ctx context.Context, jobID, leaseToken string) error {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	return checkLease(job, leaseToken)
}

// Heartbeat refreshes updated_at so the sweeper does not treat a live job as
// stalled.
func (s *JobsService) Heartbeat(ctx context.Context, jobID, leaseToken string) error {
	_, err := s.mutateLeased(ctx, jobID, leaseToken, func(current *domain.Job) error {
		current.UpdatedAt = s.now()
		return nil
	})
	return err
}

func (s *JobsService) ReportProgress(ctx context.Context, jobID, leaseToken string, current int) (*domain.Job, error) {
	return s.mutateLeased(ctx, jobID, leaseToken, func(job *domain.Job) error {
		job.AdvanceProgress(current)
		job.UpdatedAt = s.now()
		return nil
	})
}

func (s *JobsService) Complete(ctx context.Context, jobID, leaseToken string, result domain.JobResult) (*domain.Job, error) {
	job, err := s.mutateLeased(ctx, jobID, leaseToken, func(current *domain.Job) error {
		return current.Succeed(result, s.now())
	})
	if err != nil {
		return nil, err
	}
	s.logTransition(job, domain.JobStatusProcessing, "completed")
	return job, nil
}

// Fail commits a terminal failure on behalf of the lease holder. message is
// client visible and must stay coarse.
func (s *JobsService) Fail(ctx context.Context, jobID, leaseToken string, kind domain.ErrorKind, message string) (*domain.Job, error) {
	job, err := s.mutateLeased(ctx, jobID, leaseToken, func(current *domain.Job) error {
		return current.Fail(kind, message, s.now())
	})
	if err != nil {
		return nil, err
	}
	s.logTransition(job, domain.JobStatusProcessing, string(kind))
	return job, nil
}

// ReleaseAttempt gives the lease back before a Nack. The job stays in
// processing without a lease until the next claim.
func (s *JobsService) ReleaseAttempt(ctx context.Context, jobID, leaseToken, reason string) (*domain.Job, error) {
	job, err := s.mutateLeased(ctx, jobID, leaseToken, func(current *domain.Job) error {
		current.LeaseToken = ""
		current.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logf("job attempt released job_id=%s trace_id=%s attempt=%d reason=%q", job.ID, job.TraceID, job.AttemptCount, reason)
	return job, nil
}

// ExpireStalled fails a leased processing job whose updated_at is older than
// staleBefore and drops its queue entry so it cannot be claimed again. It
// returns nil, nil when the job is no longer stalled.
func (s *JobsService) ExpireStalled(ctx context.Context, jobID string, staleBefore time.Time) (*domain.Job, error) {
	job, err := s.mutate(ctx, jobID, func(current *domain.Job) error {
		if current.Status != domain.JobStatusProcessing || current.LeaseToken == "" {
			return errSkipWrite
		}
		if !current.UpdatedAt.Before(staleBefore) {
			return errSkipWrite
		}
		return current.Fail(domain.ErrorKindTimeout, "job timed out while processing", s.now())
	})
	if errors.Is(err, errSkipWrite) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.logTransition(job, domain.JobStatusProcessing, "stalled")

	if err := s.queue.Ack(ctx, jobID, ""); err != nil {
		return job, fmt.Errorf("drop queue entry for stalled job %s: %w", jobID, err)
	}
	return job, nil
}

// Requeue re-enqueues a job that is waiting for a worker but may have lost its
// queue entry. Enqueue is idempotent, so a job already queued is untouched.
func (s *JobsService) Requeue(ctx context.Context, job *domain.Job) (bool, error) {
	if job.LeaseToken != "" {
		return false, nil
	}
	if job.Status != domain.JobStatusPending && job.Status != domain.JobStatusProcessing {
		return false, nil
	}
	if err := s.queue.Enqueue(ctx, domain.WorkItem{JobID: job.ID, EnqueuedAt: s.now()}); err != nil {
		return false, fmt.Errorf("requeue job %s: %w", job.ID, err)
	}
	return true, nil
}

// Purge deletes a terminal job older than retainedBefore together with its
// artifact. The artifact goes first so a failed delete is retried on the next
// pass instead of leaking.
func (s *JobsService) Purge(ctx context.Context, jobID string, retainedBefore time.Time) (bool, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !job.Status.Terminal() || !job.UpdatedAt.Before(retainedBefore) {
		return false, nil
	}

	if job.Result != nil && job.Result.ArtifactRef != "" && s.artifacts != nil {
		if err := s.artifacts.Delete(ctx, job.Result.ArtifactRef); err != nil {
			return false, fmt.Errorf("delete artifact for job %s: %w", jobID, err)
		}
	}
	if err := s.repo.DeleteJob(ctx, jobID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return false, fmt.Errorf("purge job %s: %w", jobID, err)
	}
	s.logf("job purged job_id=%s trace_id=%s status=%s", job.ID, job.TraceID, job.Status)
	return true, nil
}

func checkLease(job *domain.Job, leaseToken string) error {
	if job.Status == domain.JobStatusCancelled {
		return domain.ErrCancelled
	}
	if job.Status != domain.JobStatusProcessing || job.LeaseToken != leaseToken {
		return fmt.Errorf("%w: job %s", domain.ErrLeaseLost, job.ID)
	}
	return nil
}

func (s *JobsService) mutateLeased(
	ctx context.Context,
	jobID string,
	leaseToken string,
	fn func(*domain.Job) error,
) (*domain.Job, error) {
	return s.mutate(ctx, jobID, func(current *domain.Job) error {
		if err := checkLease(current, leaseToken); err != nil {
			return err
		}
		return fn(current)
	})
}

// mutate is the read-modify-write loop every state change goes through. The
// store write is a compare-and-swap on Version, so a concurrent writer makes
// us re-read and re-apply fn rather than overwrite.
func (s *JobsService) mutate(ctx context.Context, jobID string, fn func(*domain.Job) error) (*domain.Job, error) {
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		job, err := s.repo.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if err := fn(job); err != nil {
			return nil, err
		}

		err = s.repo.UpdateJob(ctx, job)
		if err == nil {
			return job, nil
		}
		if !errors.Is(err, repository.ErrVersionConflict) {
			return nil, fmt.Errorf("update job %s: %w", jobID, err)
		}
	}
	return nil, fmt.Errorf("update job %s: %w", jobID, repository.ErrVersionConflict)
}
