package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/iago/download-jobs/internal/domain"
	"github.com/iago/download-jobs/internal/queue"
	"github.com/iago/download-jobs/internal/service"
)

// Retriever is the file-retrieval collaborator. stageID is unique per attempt.
type Retriever interface {
	Fetch(ctx context.Context, stageID string, fileID int64) error
	Package(ctx context.Context, stageID string, fileIDs []int64) (string, error)
	Discard(stageID string) error
}

type Config struct {
	PoolSize        int
	Lease           time.Duration
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	MaxAttempts     int
}

// Pool runs a fixed number of claim loops. The pool size is the only bound on
// concurrent retrievals; when every loop is busy, work simply waits in the
// queue.
type Pool struct {
	queue     queue.Queue
	jobs      *service.JobsService
	retriever Retriever
	artifacts service.ArtifactStore
	logger    *log.Logger
	cfg       Config
	id        string
}

func NewPool(
	workQueue queue.Queue,
	jobs *service.JobsService,
	retriever Retriever,
	artifacts service.ArtifactStore,
	logger *log.Logger,
	cfg Config,
) *Pool {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.MaxPollInterval < cfg.PollInterval {
		cfg.MaxPollInterval = cfg.PollInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Pool{
		queue:     workQueue,
		jobs:      jobs,
		retriever: retriever,
		artifacts: artifacts,
		logger:    logger,
		cfg:       cfg,
		id:        uuid.NewString()[:8],
	}
}

// Run blocks until ctx is cancelled and every loop has returned.
func (p *Pool) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.PoolSize; i++ {
		workerID := fmt.Sprintf("worker-%s-%d", p.id, i)
		group.Go(func() error {
			p.loop(groupCtx, workerID)
			return nil
		})
	}
	p.logf("worker pool started pool_id=%s size=%d lease=%s", p.id, p.cfg.PoolSize, p.cfg.Lease)
	err := group.Wait()
	p.logf("worker pool stopped pool_id=%s", p.id)
	return err
}

func (p *Pool) loop(ctx context.Context, workerID string) {
	delay := p.cfg.PollInterval
	for {
		if ctx.Err() != nil {
			return
		}

		processed, err := p.ProcessNext(ctx, workerID)
		if err != nil && ctx.Err() == nil {
			p.logf("worker loop error worker_id=%s err=%v", workerID, err)
		}
		if processed {
			delay = p.cfg.PollInterval
			continue
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		delay *= 2
		if delay > p.cfg.MaxPollInterval {
			delay = p.cfg.MaxPollInterval
		}
	}
}

// ProcessNext claims and runs at most one work item. It reports whether an
// item was claimed.
func (p *Pool) ProcessNext(ctx context.Context, workerID string) (bool, error) {
	claim, err := p.queue.Claim(ctx, workerID, p.cfg.Lease)
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	if claim == nil {
		return false, nil
	}
	return true, p.process(ctx, claim)
}

func (p *Pool) process(ctx context.Context, claim *domain.Claim) error {
	settleCtx := context.WithoutCancel(ctx)

	job, err := p.jobs.BeginAttempt(ctx, claim)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
			// Terminal or purged: nothing left to do for this item.
			return p.queue.Ack(settleCtx, claim.JobID, claim.LeaseToken)
		}
		if nackErr := p.queue.Nack(settleCtx, claim.JobID, claim.LeaseToken); nackErr != nil {
			p.logf("nack failed job_id=%s err=%v", claim.JobID, nackErr)
		}
		return fmt.Errorf("begin attempt %s: %w", claim.JobID, err)
	}

	if job.AttemptCount > p.cfg.MaxAttempts {
		p.logf("job attempts exhausted job_id=%s trace_id=%s attempt=%d", job.ID, job.TraceID, job.AttemptCount)
		return p.fail(settleCtx, claim, job, "retrieval failed after repeated attempts")
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	var lost atomic.Bool
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		p.heartbeat(attemptCtx, claim, job, cancel, &lost)
	}()

	stageID := fmt.Sprintf("%s-%d", job.ID, job.AttemptCount)
	ref, runErr := p.run(attemptCtx, claim, job, stageID)
	cancel()
	<-heartbeatDone

	if err := p.retriever.Discard(stageID); err != nil {
		p.logf("discard staging failed job_id=%s stage_id=%s err=%v", job.ID, stageID, err)
	}
	if lost.Load() && runErr != nil {
		runErr = domain.ErrLeaseLost
	}
	return p.settle(ctx, settleCtx, claim, job, ref, runErr)
}

func (p *Pool) run(ctx context.Context, claim *domain.Claim, job *domain.Job, stageID string) (string, error) {
	for index, fileID := range job.FileIDs {
		if err := p.jobs.Checkpoint(ctx, job.ID, claim.LeaseToken); err != nil {
			return "", err
		}
		if err := p.retriever.Fetch(ctx, stageID, fileID); err != nil {
			return "", err
		}
		if _, err := p.jobs.ReportProgress(ctx, job.ID, claim.LeaseToken, index+1); err != nil {
			return "", err
		}
	}

	if err := p.jobs.Checkpoint(ctx, job.ID, claim.LeaseToken); err != nil {
		return "", err
	}
	ref, err := p.retriever.Package(ctx, stageID, job.FileIDs)
	if err != nil {
		return "", err
	}
	link, err := p.artifacts.IssueAccessLink(ctx, ref)
	if err != nil {
		return ref, err
	}
	_, err = p.jobs.Complete(ctx, job.ID, claim.LeaseToken, domain.JobResult{
		AccessURL:   link.URL,
		ExpiresAt:   link.ExpiresAt,
		ArtifactRef: ref,
	})
	return ref, err
}

func (p *Pool) settle(
	ctx context.Context,
	settleCtx context.Context,
	claim *domain.Claim,
	job *domain.Job,
	ref string,
	runErr error,
) error {
	switch {
	case runErr == nil:
		return p.queue.Ack(settleCtx, job.ID, claim.LeaseToken)

	case errors.Is(runErr, domain.ErrCancelled):
		p.logf("job cancellation observed job_id=%s trace_id=%s worker_id=%s", job.ID, job.TraceID, claim.WorkerID)
		p.dropArtifact(settleCtx, job, ref)
		return p.queue.Ack(settleCtx, job.ID, claim.LeaseToken)

	case errors.Is(runErr, domain.ErrLeaseLost):
		// Someone else owns the job now; leave the queue entry to them.
		p.logf("job lease lost job_id=%s trace_id=%s worker_id=%s", job.ID, job.TraceID, claim.WorkerID)
		p.dropArtifact(settleCtx, job, ref)
		return nil

	case ctx.Err() != nil:
		p.logf("job interrupted by shutdown job_id=%s trace_id=%s", job.ID, job.TraceID)
		p.dropArtifact(settleCtx, job, ref)
		return p.release(settleCtx, claim, job, "shutdown")

	case domain.IsRetryable(runErr) && job.AttemptCount < p.cfg.MaxAttempts:
		p.logf("job attempt failed job_id=%s trace_id=%s attempt=%d retryable=true err=%v", job.ID, job.TraceID, job.AttemptCount, runErr)
		p.dropArtifact(settleCtx, job, ref)
		return p.release(settleCtx, claim, job, runErr.Error())

	default:
		p.logf("job attempt failed job_id=%s trace_id=%s attempt=%d retryable=%t err=%v", job.ID, job.TraceID, job.AttemptCount, domain.IsRetryable(runErr), runErr)
		p.dropArtifact(settleCtx, job, ref)
		message := "requested files could not be retrieved"
		if domain.IsRetryable(runErr) {
			message = "retrieval failed after repeated attempts"
		}
		return p.fail(settleCtx, claim, job, message)
	}
}

func (p *Pool) release(ctx context.Context, claim *domain.Claim, job *domain.Job, reason string) error {
	if _, err := p.jobs.ReleaseAttempt(ctx, job.ID, claim.LeaseToken, reason); err != nil {
		if errors.Is(err, domain.ErrCancelled) {
			return p.queue.Ack(ctx, job.ID, claim.LeaseToken)
		}
		if errors.Is(err, domain.ErrLeaseLost) {
			return nil
		}
		return fmt.Errorf("release attempt %s: %w", job.ID, err)
	}
	return p.queue.Nack(ctx, job.ID, claim.LeaseToken)
}

func (p *Pool) fail(ctx context.Context, claim *domain.Claim, job *domain.Job, message string) error {
	if _, err := p.jobs.Fail(ctx, job.ID, claim.LeaseToken, domain.ErrorKindFatalRetrieval, message); err != nil {
		if errors.Is(err, domain.ErrLeaseLost) {
			return nil
		}
		if !errors.Is(err, domain.ErrCancelled) {
			return fmt.Errorf("fail job %s: %w", job.ID, err)
		}
	}
	return p.queue.Ack(ctx, job.ID, claim.LeaseToken)
}

// heartbeat keeps the lease and updated_at fresh while the attempt runs. It
// only stops the attempt when the lease is gone; cancellation is left to the
// next checkpoint.
func (p *Pool) heartbeat(ctx context.Context, claim *domain.Claim, job *domain.Job, stop context.CancelFunc, lost *atomic.Bool) {
	interval := p.cfg.Lease / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := p.queue.ExtendLease(ctx, job.ID, claim.LeaseToken, p.cfg.Lease)
		if errors.Is(err, domain.ErrLeaseLost) {
			// CancelJob drops the queue entry; that is not a lost lease.
			if checkErr := p.jobs.Checkpoint(ctx, job.ID, claim.LeaseToken); errors.Is(checkErr, domain.ErrCancelled) {
				continue
			}
		}
		if err == nil {
			err = p.jobs.Heartbeat(ctx, job.ID, claim.LeaseToken)
		}
		switch {
		case err == nil, errors.Is(err, domain.ErrCancelled), ctx.Err() != nil:
		case errors.Is(err, domain.ErrLeaseLost):
			lost.Store(true)
			stop()
			return
		default:
			p.logf("heartbeat failed job_id=%s trace_id=%s err=%v", job.ID, job.TraceID, err)
		}
	}
}

func (p *Pool) dropArtifact(ctx context.Context, job *domain.Job, ref string) {
	if ref == "" {
		return
	}
	if err := p.artifacts.Delete(ctx, ref); err != nil {
		p.logf("drop artifact failed job_id=%s ref=%s err=%v", job.ID, ref, err)
	}
}

func (p *Pool) logf(format string, args ...any) {
	if p.logger != nil {
		p.logger.Printf(format, args...)
	}
}
