package worker

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

type scriptedRetriever struct {
	mu        sync.Mutex
	fetches   int
	discarded []string
	fetch     func(ctx context.Context, stageID string, fileID int64) error
}

func (r *scriptedRetriever) Fetch(ctx context.Context, stageID string, fileID int64) error {
	r.mu.Lock()
	r.fetches++
	hook := r.fetch
	r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if hook != nil {
		return hook(ctx, stageID, fileID)
	}
	return nil
}

func (r *scriptedRetriever) Package(_ context.Context, stageID string, _ []int64) (string, error) {
	return stageID + ".zip", nil
}

func (r *scriptedRetriever) Discard(stageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.discarded = append(r.discarded, stageID)
	return nil
}

func (r *scriptedRetriever) fetchCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fetches
}

type recordingArtifacts struct {
	mu      sync.Mutex
	deleted []string
}

func (a *recordingArtifacts) IssueAccessLink(_ context.Context, ref string) (domain.AccessLink, error) {
	return domain.AccessLink{
		URL:       "https://downloads.example/v1/artifacts/" + ref,
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	}, nil
}

func (a *recordingArtifacts) Delete(_ context.Context, ref string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deleted = append(a.deleted, ref)
	return nil
}

type poolFixture struct {
	pool      *Pool
	jobs      *service.JobsService
	queue     *queue.LocalQueue
	retriever *scriptedRetriever
	artifacts *recordingArtifacts
}

func newPoolFixture(t *testing.T) poolFixture {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	repo := repository.NewMemoryJobsRepository()
	workQueue := queue.NewLocalQueue(64, logger)
	artifacts := &recordingArtifacts{}
	jobs := service.NewJobsService(repo, workQueue, artifacts, logger, service.JobsConfig{
		MaxFileIDs:      10,
		EnqueueAttempts: 1,
	})
	retriever := &scriptedRetriever{}
	pool := NewPool(workQueue, jobs, retriever, artifacts, logger, Config{
		PoolSize:        2,
		Lease:           time.Minute,
		PollInterval:    5 * time.Millisecond,
		MaxPollInterval: 20 * time.Millisecond,
		MaxAttempts:     3,
	})
	return poolFixture{pool: pool, jobs: jobs, queue: workQueue, retriever: retriever, artifacts: artifacts}
}

func (f poolFixture) createJob(t *testing.T, fileIDs ...int64) *domain.Job {
	t.Helper()
	job, _, err := f.jobs.CreateJob(context.Background(), service.CreateJobInput{FileIDs: fileIDs})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func (f poolFixture) status(t *testing.T, jobID string) *domain.Job {
	t.Helper()
	job, err := f.jobs.GetStatus(context.Background(), jobID)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	return job
}

func (f poolFixture) queueStats(t *testing.T) queue.Stats {
	t.Helper()
	stats, err := f.queue.Stats(context.Background())
	if err != nil {
		t.Fatalf("queue stats: %v", err)
	}
	return stats
}

func TestProcessNextCompletesJobWithIncreasingProgress(t *testing.T) {
	f := newPoolFixture(t)
	job := f.createJob(t, 70000, 70001, 70002)

	var observed []int
	f.retriever.fetch = func(ctx context.Context, _ string, _ int64) error {
		current := f.status(t, job.ID)
		if current.Status != domain.JobStatusProcessing {
			t.Errorf("expected processing during fetch, got %s", current.Status)
		}
		observed = append(observed, current.Progress.Current)
		return nil
	}

	processed, err := f.pool.ProcessNext(context.Background(), "w1")
	if err != nil || !processed {
		t.Fatalf("process next: processed=%v err=%v", processed, err)
	}

	if len(observed) != 3 || observed[0] != 0 || observed[1] != 1 || observed[2] != 2 {
		t.Fatalf("expected progress 0,1,2 during fetches, got %v", observed)
	}
	done := f.status(t, job.ID)
	if done.Status != domain.JobStatusCompleted || done.Result == nil || done.Error != nil {
		t.Fatalf("expected completed with result, got %+v", done)
	}
	if done.Result.AccessURL == "" || !done.Result.ExpiresAt.After(time.Now()) {
		t.Fatalf("expected a live access link, got %+v", done.Result)
	}
	if done.Progress.Current != 3 || done.AttemptCount != 1 || done.ClaimedBy != "w1" {
		t.Fatalf("unexpected completed job: %+v", done)
	}
	if stats := f.queueStats(t); stats.Ready != 0 || stats.Leased != 0 {
		t.Fatalf("expected queue drained, got %+v", stats)
	}
	if len(f.retriever.discarded) != 1 {
		t.Fatalf("expected staging to be discarded once, got %v", f.retriever.discarded)
	}
}

func TestRetryableFailuresExhaustAttempts(t *testing.T) {
	f := newPoolFixture(t)
	job := f.createJob(t, 1)
	f.retriever.fetch = func(context.Context, string, int64) error {
		return domain.Retryable(errors.New("upstream rate limited"))
	}

	for attempt := 1; attempt <= 3; attempt++ {
		processed, err := f.pool.ProcessNext(context.Background(), "w1")
		if err != nil || !processed {
			t.Fatalf("attempt %d: processed=%v err=%v", attempt, processed, err)
		}
		current := f.status(t, job.ID)
		if current.AttemptCount != attempt {
			t.Fatalf("expected attempt_count %d, got %d", attempt, current.AttemptCount)
		}
		if attempt < 3 && (current.Status != domain.JobStatusProcessing || current.LeaseToken != "") {
			t.Fatalf("expected released processing job after attempt %d, got %+v", attempt, current)
		}
	}

	final := f.status(t, job.ID)
	if final.Status != domain.JobStatusFailed || final.AttemptCount != 3 {
		t.Fatalf("expected failed with attempt_count 3, got %s %d", final.Status, final.AttemptCount)
	}
	if final.Error == nil || final.Result != nil {
		t.Fatalf("expected error only, got %+v", final)
	}
	if processed, _ := f.pool.ProcessNext(context.Background(), "w1"); processed {
		t.Fatalf("failed job must not be delivered again")
	}
}

func TestFatalFailureFailsImmediately(t *testing.T) {
	f := newPoolFixture(t)
	job := f.createJob(t, 404)
	f.retriever.fetch = func(context.Context, string, int64) error {
		return domain.Fatal(errors.New("file 404 does not exist"))
	}

	if _, err := f.pool.ProcessNext(context.Background(), "w1"); err != nil {
		t.Fatalf("process next: %v", err)
	}
	final := f.status(t, job.ID)
	if final.Status != domain.JobStatusFailed || final.AttemptCount != 1 {
		t.Fatalf("expected failed after one attempt, got %s %d", final.Status, final.AttemptCount)
	}
	if final.Error.Kind != domain.ErrorKindFatalRetrieval || final.Error.Message != "requested files could not be retrieved" {
		t.Fatalf("unexpected error: %+v", final.Error)
	}
	if stats := f.queueStats(t); stats.Ready != 0 || stats.Leased != 0 {
		t.Fatalf("expected queue drained, got %+v", stats)
	}
}

func TestCancelIsObservedAtNextCheckpoint(t *testing.T) {
	f := newPoolFixture(t)
	job := f.createJob(t, 1, 2, 3)
	f.retriever.fetch = func(ctx context.Context, _ string, fileID int64) error {
		if fileID == 1 {
			if _, err := f.jobs.CancelJob(ctx, job.ID); err != nil {
				t.Errorf("cancel: %v", err)
			}
		}
		return nil
	}

	if _, err := f.pool.ProcessNext(context.Background(), "w1"); err != nil {
		t.Fatalf("process next: %v", err)
	}
	final := f.status(t, job.ID)
	if final.Status != domain.JobStatusCancelled || final.Result != nil {
		t.Fatalf("expected cancelled without result, got %+v", final)
	}
	if f.retriever.fetchCount() != 1 {
		t.Fatalf("expected retrieval to stop after the first file, got %d fetches", f.retriever.fetchCount())
	}
	if stats := f.queueStats(t); stats.Ready != 0 || stats.Leased != 0 {
		t.Fatalf("expected queue drained, got %+v", stats)
	}
}

func TestZombieWorkerCannotCommit(t *testing.T) {
	f := newPoolFixture(t)
	job := f.createJob(t, 1, 2)

	var replacement *domain.Claim
	f.retriever.fetch = func(ctx context.Context, _ string, fileID int64) error {
		if fileID != 1 || replacement != nil {
			return nil
		}
		// Simulate lease expiry: the entry is handed to another worker.
		if err := f.queue.Nack(ctx, job.ID, ""); err != nil {
			t.Errorf("nack: %v", err)
		}
		claim, err := f.queue.Claim(ctx, "w2", time.Minute)
		if err != nil || claim == nil {
			t.Errorf("replacement claim: %v %v", claim, err)
			return nil
		}
		if _, err := f.jobs.BeginAttempt(ctx, claim); err != nil {
			t.Errorf("replacement begin: %v", err)
		}
		replacement = claim
		return nil
	}

	if _, err := f.pool.ProcessNext(context.Background(), "w1"); err != nil {
		t.Fatalf("process next: %v", err)
	}
	current := f.status(t, job.ID)
	if current.Status != domain.JobStatusProcessing || current.ClaimedBy != "w2" || current.AttemptCount != 2 {
		t.Fatalf("expected the replacement to own the job, got %+v", current)
	}
	if current.Progress.Current != 0 {
		t.Fatalf("zombie progress must be rejected, got %d", current.Progress.Current)
	}
	if err := f.queue.Ack(context.Background(), job.ID, replacement.LeaseToken); err != nil {
		t.Fatalf("replacement still holds the queue entry, ack failed: %v", err)
	}
}

func TestConcurrentWorkersSingleOwner(t *testing.T) {
	f := newPoolFixture(t)
	job := f.createJob(t, 1)

	started := make(chan struct{})
	release := make(chan struct{})
	f.retriever.fetch = func(context.Context, string, int64) error {
		close(started)
		<-release
		return nil
	}

	result := make(chan error, 1)
	go func() {
		_, err := f.pool.ProcessNext(context.Background(), "w1")
		result <- err
	}()
	<-started

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if processed, err := f.pool.ProcessNext(context.Background(), "w2"); processed || err != nil {
				t.Errorf("expected no claim while w1 holds the job, processed=%v err=%v", processed, err)
			}
		}()
	}
	wg.Wait()
	close(release)

	if err := <-result; err != nil {
		t.Fatalf("w1: %v", err)
	}
	final := f.status(t, job.ID)
	if final.Status != domain.JobStatusCompleted || final.ClaimedBy != "w1" || final.AttemptCount != 1 {
		t.Fatalf("expected w1 to complete alone, got %+v", final)
	}
}

func TestShutdownReleasesJobWithoutFailing(t *testing.T) {
	f := newPoolFixture(t)
	job := f.createJob(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	f.retriever.fetch = func(ctx context.Context, _ string, _ int64) error {
		cancel()
		return ctx.Err()
	}

	if _, err := f.pool.ProcessNext(ctx, "w1"); err != nil {
		t.Fatalf("process next: %v", err)
	}
	current := f.status(t, job.ID)
	if current.Status != domain.JobStatusProcessing || current.LeaseToken != "" {
		t.Fatalf("expected released processing job, got %+v", current)
	}
	if stats := f.queueStats(t); stats.Ready != 1 {
		t.Fatalf("expected the job back in the queue, got %+v", stats)
	}
}

func TestRunProcessesUntilCancelled(t *testing.T) {
	f := newPoolFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.pool.Run(ctx) }()

	first := f.createJob(t, 1)
	second := f.createJob(t, 2, 3)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.status(t, first.ID).Status == domain.JobStatusCompleted &&
			f.status(t, second.ID).Status == domain.JobStatusCompleted {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, id := range []string{first.ID, second.ID} {
		if status := f.status(t, id).Status; status != domain.JobStatusCompleted {
			t.Fatalf("expected job %s completed, got %s", id, status)
		}
	}
}
