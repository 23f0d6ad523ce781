package queue

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iago/download-jobs/internal/domain"
)

var ErrQueueFull = errors.New("local queue is full")

type localEntry struct {
	item           domain.WorkItem
	workerID       string
	leaseToken     string
	leaseExpiresAt time.Time
	deliveries     int
}

func (e *localEntry) claimable(now time.Time) bool {
	return e.leaseToken == "" || !now.Before(e.leaseExpiresAt)
}

// LocalQueue is a fallback queue used when Redis is not configured. Claim
// state lives only in this process, so a restart forgets outstanding leases.
type LocalQueue struct {
	mu       sync.Mutex
	entries  map[string]*localEntry
	capacity int
	logger   *log.Logger
	now      func() time.Time
}

func NewLocalQueue(capacity int, logger *log.Logger) *LocalQueue {
	if capacity <= 0 {
		capacity = 4096
	}
	return &LocalQueue{
		entries:  make(map[string]*localEntry),
		capacity: capacity,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (q *LocalQueue) Enqueue(ctx context.Context, item domain.WorkItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.entries[item.JobID]; exists {
		return nil
	}
	if len(q.entries) >= q.capacity {
		return ErrQueueFull
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = q.now()
	}
	q.entries[item.JobID] = &localEntry{item: item}
	return nil
}

func (q *LocalQueue) Claim(ctx context.Context, workerID string, lease time.Duration) (*domain.Claim, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var picked *localEntry
	for _, entry := range q.entries {
		if !entry.claimable(now) {
			continue
		}
		if picked == nil || entry.item.EnqueuedAt.Before(picked.item.EnqueuedAt) {
			picked = entry
		}
	}
	if picked == nil {
		return nil, nil
	}

	if picked.leaseToken != "" && q.logger != nil {
		q.logger.Printf("local queue lease expired job_id=%s previous_worker=%s", picked.item.JobID, picked.workerID)
	}
	picked.workerID = workerID
	picked.leaseToken = uuid.NewString()
	picked.leaseExpiresAt = now.Add(lease)
	picked.deliveries++

	return &domain.Claim{
		WorkItem:       picked.item,
		WorkerID:       workerID,
		LeaseToken:     picked.leaseToken,
		LeaseExpiresAt: picked.leaseExpiresAt,
		Deliveries:     picked.deliveries,
	}, nil
}

func (q *LocalQueue) Ack(_ context.Context, jobID, leaseToken string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.entries[jobID]
	if !ok {
		return nil
	}
	if leaseToken != "" && entry.leaseToken != leaseToken {
		return ErrLeaseLost
	}
	delete(q.entries, jobID)
	return nil
}

func (q *LocalQueue) Nack(_ context.Context, jobID, leaseToken string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.entries[jobID]
	if !ok {
		return nil
	}
	if leaseToken != "" && entry.leaseToken != leaseToken {
		return ErrLeaseLost
	}
	entry.workerID = ""
	entry.leaseToken = ""
	entry.leaseExpiresAt = time.Time{}
	return nil
}

func (q *LocalQueue) ExtendLease(_ context.Context, jobID, leaseToken string, lease time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.entries[jobID]
	if !ok || entry.leaseToken == "" || entry.leaseToken != leaseToken {
		return ErrLeaseLost
	}
	// An expired lease that nobody re-claimed still carries our token.
	entry.leaseExpiresAt = q.now().Add(lease)
	return nil
}

func (q *LocalQueue) Stats(_ context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var stats Stats
	for _, entry := range q.entries {
		if entry.claimable(now) {
			stats.Ready++
		} else {
			stats.Leased++
		}
	}
	return stats, nil
}
