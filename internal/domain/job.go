package domain

import (
	"fmt"
	"time"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed out of the status.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

var allowedTransitions = map[JobStatus][]JobStatus{
	JobStatusPending: {
		JobStatusProcessing,
		JobStatusCancelled,
		// only reachable when the work item could not be enqueued
		JobStatusFailed,
	},
	JobStatusProcessing: {
		JobStatusCompleted,
		JobStatusFailed,
		JobStatusCancelled,
	},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to JobStatus) bool {
	for _, candidate := range allowedTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

type Progress struct {
	Current int
	Total   int
}

// JobResult is populated only once the job is completed.
type JobResult struct {
	AccessURL   string
	ExpiresAt   time.Time
	ArtifactRef string
}

// JobError is populated only once the job is failed.
type JobError struct {
	Kind    ErrorKind
	Message string
}

// Job is the client-visible unit of download work. The Version field is the
// optimistic concurrency token compared on every store write.
type Job struct {
	ID             string
	Status         JobStatus
	FileIDs        []int64
	Progress       Progress
	Result         *JobResult
	Error          *JobError
	IdempotencyKey string
	TraceID        string
	ClaimedBy      string
	LeaseToken     string
	AttemptCount   int
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TransitionTo moves the job to the next status, rejecting any move the state
// machine does not allow.
func (j *Job) TransitionTo(next JobStatus, at time.Time) error {
	if j.Status.Terminal() {
		return fmt.Errorf("%w: job %s is already %s", ErrConflict, j.ID, j.Status)
	}
	if !CanTransition(j.Status, next) {
		return fmt.Errorf("%w: job %s cannot move from %s to %s", ErrConflict, j.ID, j.Status, next)
	}
	j.Status = next
	j.UpdatedAt = at
	if next != JobStatusProcessing {
		j.LeaseToken = ""
	}
	return nil
}

// Succeed commits the result and the completed status together.
func (j *Job) Succeed(result JobResult, at time.Time) error {
	if err := j.TransitionTo(JobStatusCompleted, at); err != nil {
		return err
	}
	j.Result = &result
	j.Error = nil
	j.Progress.Current = j.Progress.Total
	return nil
}

// Fail commits the error and the failed status together.
func (j *Job) Fail(kind ErrorKind, message string, at time.Time) error {
	if err := j.TransitionTo(JobStatusFailed, at); err != nil {
		return err
	}
	j.Result = nil
	j.Error = &JobError{Kind: kind, Message: message}
	return nil
}

// AdvanceProgress never moves the counter backwards.
func (j *Job) AdvanceProgress(current int) {
	if current > j.Progress.Total {
		current = j.Progress.Total
	}
	if current > j.Progress.Current {
		j.Progress.Current = current
	}
}

func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	clone := *j
	clone.FileIDs = append([]int64(nil), j.FileIDs...)
	if j.Result != nil {
		result := *j.Result
		clone.Result = &result
	}
	if j.Error != nil {
		jobErr := *j.Error
		clone.Error = &jobErr
	}
	return &clone
}

// WorkItem is the queue-level handle of a job's pending work.
type WorkItem struct {
	JobID      string
	EnqueuedAt time.Time
}

// Claim is a leased WorkItem handed to exactly one worker.
type Claim struct {
	WorkItem
	WorkerID       string
	LeaseToken     string
	LeaseExpiresAt time.Time
	Deliveries     int
}

// AccessLink is a time-limited download URL issued by the storage collaborator.
type AccessLink struct {
	URL       string
	ExpiresAt time.Time
}

// JobFilter selects jobs for the sweeper and operator listing.
type JobFilter struct {
	Statuses      []JobStatus
	UpdatedBefore time.Time
	LeasedOnly    bool
	Limit         int
}

func (f JobFilter) Matches(job *Job) bool {
	if len(f.Statuses) > 0 {
		matched := false
		for _, status := range f.Statuses {
			if job.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if !f.UpdatedBefore.IsZero() && !job.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	if f.LeasedOnly && job.LeaseToken == "" {
		return false
	}
	return true
}
