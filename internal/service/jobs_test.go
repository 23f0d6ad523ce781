package service

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
)

type flakyQueue struct {
	queue.Queue

	mu       sync.Mutex
	failures int
	calls    int
}

func (q *flakyQueue) Enqueue(ctx context.Context, item domain.WorkItem) error {
	q.mu.Lock()
	q.calls++
	fail := q.calls <= q.failures
	q.mu.Unlock()
	if fail {
		return errors.New("broker unavailable")
	}
	return q.Queue.Enqueue(ctx, item)
}

type fakeArtifacts struct {
	mu      sync.Mutex
	issued  int
	deleted []string
	ttl     time.Duration
}

func (f *fakeArtifacts) IssueAccessLink(_ context.Context, ref string) (domain.AccessLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issued++
	return domain.AccessLink{
		URL:       "https://downloads.example/v1/artifacts/" + ref,
		ExpiresAt: time.Now().UTC().Add(f.ttl),
	}, nil
}

func (f *fakeArtifacts) Delete(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, ref)
	return nil
}

type fixture struct {
	service   *JobsService
	repo      *repository.MemoryJobsRepository
	queue     *queue.LocalQueue
	artifacts *fakeArtifacts
}

func newFixture(t *testing.T, wrap func(queue.Queue) queue.Queue) fixture {
	t.Helper()
	repo := repository.NewMemoryJobsRepository()
	local := queue.NewLocalQueue(64, nil)
	var workQueue queue.Queue = local
	if wrap != nil {
		workQueue = wrap(local)
	}
	artifacts := &fakeArtifacts{ttl: time.Minute}
	svc := NewJobsService(repo, workQueue, artifacts, log.New(io.Discard, "", 0), JobsConfig{
		MaxFileIDs:      5,
		EnqueueAttempts: 3,
	})
	return fixture{service: svc, repo: repo, queue: local, artifacts: artifacts}
}

func queueStats(t *testing.T, q queue.Queue) queue.Stats {
	t.Helper()
	stats, err := q.Stats(context.Background())
	if err != nil {
		t.Fatalf("queue stats: %v", err)
	}
	return stats
}

func TestCreateJobStartsPendingWithOneQueueEntry(t *testing.T) {
	f := newFixture(t, nil)
	job, created, err := f.service.CreateJob(context.Background(), CreateJobInput{FileIDs: []int64{70000}})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if !created || job.Status != domain.JobStatusPending {
		t.Fatalf("expected a new pending job, got created=%v status=%s", created, job.Status)
	}
	if job.TraceID == "" || job.Progress.Total != 1 || job.Progress.Current != 0 {
		t.Fatalf("unexpected job fields: %+v", job)
	}
	if stats := queueStats(t, f.queue); stats.Ready != 1 {
		t.Fatalf("expected one ready work item, got %+v", stats)
	}
}

func TestCreateJobRejectsInvalidInputWithoutEnqueue(t *testing.T) {
	f := newFixture(t, nil)
	inputs := []CreateJobInput{
		{FileIDs: nil},
		{FileIDs: []int64{-1}},
		{FileIDs: []int64{1, 0}},
		{FileIDs: []int64{1, 2, 3, 4, 5, 6}},
		{FileIDs: []int64{1}, IdempotencyKey: string(make([]byte, 256))},
	}
	for _, input := range inputs {
		if _, _, err := f.service.CreateJob(context.Background(), input); !errors.Is(err, domain.ErrInvalidInput) {
			t.Fatalf("expected invalid input for %+v, got %v", input.FileIDs, err)
		}
	}
	if stats := queueStats(t, f.queue); stats.Ready != 0 {
		t.Fatalf("expected no queue entries, got %+v", stats)
	}
}

func TestCreateJobIdempotencyKeyReturnsSameJob(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	input := CreateJobInput{FileIDs: []int64{1, 2}, IdempotencyKey: "client-retry-1"}

	first, created, err := f.service.CreateJob(ctx, input)
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}
	second, created, err := f.service.CreateJob(ctx, input)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if created || second.ID != first.ID {
		t.Fatalf("expected replay of %s, got created=%v id=%s", first.ID, created, second.ID)
	}
	if stats := queueStats(t, f.queue); stats.Ready != 1 {
		t.Fatalf("expected a single queue entry after replay, got %+v", stats)
	}
}

func TestCreateJobConcurrentSameKeyConverges(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[string]bool{}
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, _, err := f.service.CreateJob(ctx, CreateJobInput{FileIDs: []int64{9}, IdempotencyKey: "same"})
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			mu.Lock()
			ids[job.ID] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(ids) != 1 {
		t.Fatalf("expected all creates to converge on one job, got %d", len(ids))
	}
}

func TestCreateJobRetriesEnqueue(t *testing.T) {
	var flaky *flakyQueue
	f := newFixture(t, func(inner queue.Queue) queue.Queue {
		flaky = &flakyQueue{Queue: inner, failures: 2}
		return flaky
	})

	job, _, err := f.service.CreateJob(context.Background(), CreateJobInput{FileIDs: []int64{1}})
	if err != nil {
		t.Fatalf("expected enqueue to succeed on third attempt, got %v", err)
	}
	if job.Status != domain.JobStatusPending || flaky.calls != 3 {
		t.Fatalf("unexpected status=%s calls=%d", job.Status, flaky.calls)
	}
}

func TestCreateJobEnqueueFailureCommitsFailed(t *testing.T) {
	f := newFixture(t, func(inner queue.Queue) queue.Queue {
		return &flakyQueue{Queue: inner, failures: 10}
	})

	job, created, err := f.service.CreateJob(context.Background(), CreateJobInput{FileIDs: []int64{1}})
	if !errors.Is(err, domain.ErrEnqueue) {
		t.Fatalf("expected enqueue error, got %v", err)
	}
	if job == nil || !created {
		t.Fatalf("expected the failed job to be returned")
	}
	stored, err := f.service.GetStatus(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if stored.Status != domain.JobStatusFailed || stored.Error == nil || stored.Error.Kind != domain.ErrorKindEnqueue {
		t.Fatalf("expected failed(enqueue_error), got %s %+v", stored.Status, stored.Error)
	}
}

func TestGetStatusUnknownJob(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.service.GetStatus(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestGetStatusRefreshesExpiredLink(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	job, _, _ := f.service.CreateJob(ctx, CreateJobInput{FileIDs: []int64{1}})
	claim, _ := f.queue.Claim(ctx, "w1", time.Minute)
	if _, err := f.service.BeginAttempt(ctx, claim); err != nil {
		t.Fatalf("begin attempt: %v", err)
	}
	expired := domain.JobResult{
		AccessURL:   "https://downloads.example/stale",
		ExpiresAt:   time.Now().UTC().Add(-time.Second),
		ArtifactRef: job.ID + ".zip",
	}
	if _, err := f.service.Complete(ctx, job.ID, claim.LeaseToken, expired); err != nil {
		t.Fatalf("complete: %v", err)
	}

	status, err := f.service.GetStatus(ctx, job.ID)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if status.Result.AccessURL == expired.AccessURL || !status.Result.ExpiresAt.After(time.Now()) {
		t.Fatalf("expected a fresh link, got %+v", status.Result)
	}

	stored, _ := f.repo.GetJob(ctx, job.ID)
	if stored.Result.AccessURL != expired.AccessURL {
		t.Fatalf("refresh must not rewrite the stored terminal record")
	}
}

func TestCancelJob(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	job, _, _ := f.service.CreateJob(ctx, CreateJobInput{FileIDs: []int64{1}})

	cancelled, err := f.service.CancelJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.JobStatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	if claim, _ := f.queue.Claim(ctx, "w1", time.Minute); claim != nil {
		t.Fatalf("expected the queue entry of a cancelled job to be gone")
	}
	if _, err := f.service.CancelJob(ctx, job.ID); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict on second cancel, got %v", err)
	}
	if _, err := f.service.CancelJob(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCancelCompletedJobIsConflictAndUnchanged(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	job, _, _ := f.service.CreateJob(ctx, CreateJobInput{FileIDs: []int64{1}})
	claim, _ := f.queue.Claim(ctx, "w1", time.Minute)
	if _, err := f.service.BeginAttempt(ctx, claim); err != nil {
		t.Fatalf("begin attempt: %v", err)
	}
	completed, err := f.service.Complete(ctx, job.ID, claim.LeaseToken, domain.JobResult{
		AccessURL:   "https://downloads.example/ok",
		ExpiresAt:   time.Now().UTC().Add(time.Hour),
		ArtifactRef: "ok.zip",
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}

	if _, err := f.service.CancelJob(ctx, job.ID); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	after, _ := f.repo.GetJob(ctx, job.ID)
	if after.Status != domain.JobStatusCompleted || after.Version != completed.Version {
		t.Fatalf("expected job unchanged, got status=%s version=%d", after.Status, after.Version)
	}
}
