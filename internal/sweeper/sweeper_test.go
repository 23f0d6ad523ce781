package sweeper

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/iago/download-jobs/internal/domain"
	"github.com/iago/download-jobs/internal/queue"
	"github.com/iago/download-jobs/internal/repository"
	"github.com/iago/download-jobs/internal/service"
)

type recordingArtifacts struct {
	mu      sync.Mutex
	deleted []string
}

func (a *recordingArtifacts) IssueAccessLink(_ context.Context, ref string) (domain.AccessLink, error) {
	return domain.AccessLink{URL: "https://downloads.example/" + ref, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (a *recordingArtifacts) Delete(_ context.Context, ref string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deleted = append(a.deleted, ref)
	return nil
}

type sweepFixture struct {
	sweeper   *Sweeper
	jobs      *service.JobsService
	queue     *queue.LocalQueue
	artifacts *recordingArtifacts
}

func newSweepFixture(t *testing.T) sweepFixture {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	workQueue := queue.NewLocalQueue(64, logger)
	artifacts := &recordingArtifacts{}
	jobs := service.NewJobsService(repository.NewMemoryJobsRepository(), workQueue, artifacts, logger, service.JobsConfig{})
	sweeper := New(jobs, logger, Config{
		Interval:       10 * time.Millisecond,
		StallThreshold: time.Minute,
		Retention:      time.Hour,
	})
	return sweepFixture{sweeper: sweeper, jobs: jobs, queue: workQueue, artifacts: artifacts}
}

func (f sweepFixture) advance(d time.Duration) {
	f.sweeper.now = func() time.Time { return time.Now().UTC().Add(d) }
}

func (f sweepFixture) startJob(t *testing.T) (*domain.Job, *domain.Claim) {
	t.Helper()
	ctx := context.Background()
	job, _, err := f.jobs.CreateJob(ctx, service.CreateJobInput{FileIDs: []int64{1}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	claim, err := f.queue.Claim(ctx, "w1", time.Hour)
	if err != nil || claim == nil {
		t.Fatalf("claim: %v %v", claim, err)
	}
	if _, err := f.jobs.BeginAttempt(ctx, claim); err != nil {
		t.Fatalf("begin: %v", err)
	}
	return job, claim
}

func TestSweepExpiresStalledJob(t *testing.T) {
	f := newSweepFixture(t)
	ctx := context.Background()
	job, claim := f.startJob(t)

	report, err := f.sweeper.SweepOnce(ctx)
	if err != nil || report.Expired != 0 {
		t.Fatalf("live job must not expire, report=%+v err=%v", report, err)
	}

	f.advance(time.Minute + time.Second)
	report, err = f.sweeper.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Expired != 1 || report.Requeued != 0 {
		t.Fatalf("unexpected report %+v", report)
	}

	current, _ := f.jobs.GetStatus(ctx, job.ID)
	if current.Status != domain.JobStatusFailed || current.Error.Kind != domain.ErrorKindTimeout {
		t.Fatalf("expected failed(timeout), got %s %+v", current.Status, current.Error)
	}
	if again, _ := f.queue.Claim(ctx, "w2", time.Minute); again != nil {
		t.Fatalf("expired job must not be claimable, got %+v", again)
	}
	if _, err := f.jobs.Complete(ctx, job.ID, claim.LeaseToken, domain.JobResult{ArtifactRef: "late.zip"}); !errors.Is(err, domain.ErrLeaseLost) {
		t.Fatalf("expected the stalled worker's late completion to be rejected, got %v", err)
	}
}

func TestSweepPurgesTerminalJobsPastRetention(t *testing.T) {
	f := newSweepFixture(t)
	ctx := context.Background()
	job, claim := f.startJob(t)
	if _, err := f.jobs.Complete(ctx, job.ID, claim.LeaseToken, domain.JobResult{
		AccessURL:   "https://downloads.example/done.zip",
		ExpiresAt:   time.Now().Add(time.Hour),
		ArtifactRef: "done.zip",
	}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	f.advance(30 * time.Minute)
	if report, _ := f.sweeper.SweepOnce(ctx); report.Purged != 0 {
		t.Fatalf("job inside retention must survive, got %+v", report)
	}

	f.advance(time.Hour + time.Second)
	report, err := f.sweeper.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Purged != 1 {
		t.Fatalf("expected one purge, got %+v", report)
	}
	if _, err := f.jobs.GetStatus(ctx, job.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected purged job to be gone, got %v", err)
	}
	if len(f.artifacts.deleted) != 1 || f.artifacts.deleted[0] != "done.zip" {
		t.Fatalf("expected artifact delete, got %v", f.artifacts.deleted)
	}
}

func TestSweepRequeuesStrandedPendingJob(t *testing.T) {
	f := newSweepFixture(t)
	ctx := context.Background()
	job, _, err := f.jobs.CreateJob(ctx, service.CreateJobInput{FileIDs: []int64{1}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// The queue entry is lost, as after a broker restart.
	if err := f.queue.Ack(ctx, job.ID, ""); err != nil {
		t.Fatalf("ack: %v", err)
	}

	f.advance(time.Minute + time.Second)
	report, err := f.sweeper.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Requeued != 1 {
		t.Fatalf("expected one requeue, got %+v", report)
	}
	claim, err := f.queue.Claim(ctx, "w1", time.Minute)
	if err != nil || claim == nil || claim.JobID != job.ID {
		t.Fatalf("expected the stranded job to be claimable, got %v err=%v", claim, err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newSweepFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sweeper.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("sweeper did not stop")
	}
}
