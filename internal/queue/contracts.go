package queue

import (
	"context"
	"time"

	"github.com/iago/download-jobs/internal/domain"
)

var ErrLeaseLost = domain.ErrLeaseLost

// Queue distributes work items with at-least-once delivery and a single active
// claim per job id. A non-empty lease token must match the current claim; an
// empty token is an administrative operation that ignores ownership.
type Queue interface {
	// Enqueue is a no-op when the job id is already present.
	Enqueue(ctx context.Context, item domain.WorkItem) error
	// Claim returns nil, nil when nothing is claimable.
	Claim(ctx context.Context, workerID string, lease time.Duration) (*domain.Claim, error)
	Ack(ctx context.Context, jobID, leaseToken string) error
	Nack(ctx context.Context, jobID, leaseToken string) error
	ExtendLease(ctx context.Context, jobID, leaseToken string, lease time.Duration) error
	Stats(ctx context.Context) (Stats, error)
}

type Stats struct {
	Ready  int64 `json:"ready"`
	Leased int64 `json:"leased"`
}
