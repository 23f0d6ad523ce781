package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestTerminalStatusesRejectEveryTransition(t *testing.T) {
	now := time.Now().UTC()
	targets := []JobStatus{
		JobStatusPending,
		JobStatusProcessing,
		JobStatusCompleted,
		JobStatusFailed,
		JobStatusCancelled,
	}
	for _, from := range []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusCancelled} {
		for _, to := range targets {
			job := &Job{ID: "j1", Status: from}
			if err := job.TransitionTo(to, now); !errors.Is(err, ErrConflict) {
				t.Fatalf("expected conflict moving %s -> %s, got %v", from, to, err)
			}
			if job.Status != from {
				t.Fatalf("expected status to stay %s, got %s", from, job.Status)
			}
		}
	}
}

func TestStatusPathIsMonotonic(t *testing.T) {
	now := time.Now().UTC()
	job := &Job{ID: "j1", Status: JobStatusPending, LeaseToken: ""}

	if err := job.TransitionTo(JobStatusProcessing, now); err != nil {
		t.Fatalf("pending -> processing: %v", err)
	}
	if err := job.TransitionTo(JobStatusPending, now); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected processing -> pending to be rejected, got %v", err)
	}
	if err := job.Succeed(JobResult{AccessURL: "https://example/a"}, now); err != nil {
		t.Fatalf("processing -> completed: %v", err)
	}
	if job.Result == nil || job.Error != nil {
		t.Fatalf("expected only result to be populated, got result=%v error=%v", job.Result, job.Error)
	}
}

func TestFailClearsResultAndReleasesLease(t *testing.T) {
	job := &Job{ID: "j1", Status: JobStatusProcessing, LeaseToken: "tok"}
	if err := job.Fail(ErrorKindTimeout, "stalled", time.Now().UTC()); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if job.Error == nil || job.Error.Kind != ErrorKindTimeout {
		t.Fatalf("expected timeout error, got %+v", job.Error)
	}
	if job.Result != nil {
		t.Fatalf("expected no result on failed job")
	}
	if job.LeaseToken != "" {
		t.Fatalf("expected lease token to be cleared")
	}
}

func TestAdvanceProgressNeverDecreases(t *testing.T) {
	job := &Job{Progress: Progress{Total: 3}}
	job.AdvanceProgress(2)
	job.AdvanceProgress(1)
	if job.Progress.Current != 2 {
		t.Fatalf("expected progress 2, got %d", job.Progress.Current)
	}
	job.AdvanceProgress(10)
	if job.Progress.Current != 3 {
		t.Fatalf("expected progress capped at total, got %d", job.Progress.Current)
	}
}

func TestIsRetryableClassification(t *testing.T) {
	if !IsRetryable(Retryable(errors.New("rate limited"))) {
		t.Fatalf("expected retryable classification")
	}
	if IsRetryable(fmt.Errorf("fetch: %w", Fatal(errors.New("no such file")))) {
		t.Fatalf("expected wrapped fatal error to stay fatal")
	}
	if !IsRetryable(context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded to be retryable")
	}
	if IsRetryable(nil) {
		t.Fatalf("nil error is not retryable")
	}
}
