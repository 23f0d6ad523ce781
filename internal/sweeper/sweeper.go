package sweeper

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/iago/download-jobs/internal/domain"
	"github.com/iago/download-jobs/internal/service"
)

const batchSize = 200

type Config struct {
	Interval       time.Duration
	StallThreshold time.Duration
	Retention      time.Duration
}

type SweepReport struct {
	Expired  int `json:"expired"`
	Purged   int `json:"purged"`
	Requeued int `json:"requeued"`
}

// Sweeper enforces stall timeouts and retention independently of the workers,
// so a hung worker cannot hide its own job.
type Sweeper struct {
	jobs   *service.JobsService
	logger *log.Logger
	cfg    Config
	now    func() time.Time
}

func New(jobs *service.JobsService, logger *log.Logger, cfg Config) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.StallThreshold <= 0 {
		cfg.StallThreshold = 2 * time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	return &Sweeper{
		jobs:   jobs,
		logger: logger,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		report, err := s.SweepOnce(ctx)
		if err != nil && ctx.Err() == nil {
			s.logf("sweep failed err=%v", err)
		}
		if report.Expired+report.Purged+report.Requeued > 0 {
			s.logf("sweep done expired=%d purged=%d requeued=%d", report.Expired, report.Purged, report.Requeued)
		}
	}
}

// SweepOnce runs a single pass. Failures on individual jobs are logged and the
// pass goes on; the joined error is returned with the partial report.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepReport, error) {
	var (
		report SweepReport
		errs   []error
	)
	now := s.now()

	staleBefore := now.Add(-s.cfg.StallThreshold)
	stalled, err := s.jobs.ListJobs(ctx, domain.JobFilter{
		Statuses:      []domain.JobStatus{domain.JobStatusProcessing},
		UpdatedBefore: staleBefore,
		LeasedOnly:    true,
		Limit:         batchSize,
	})
	if err != nil {
		return report, err
	}
	for _, job := range stalled {
		expired, err := s.jobs.ExpireStalled(ctx, job.ID, staleBefore)
		if err != nil {
			s.logf("expire stalled job failed job_id=%s trace_id=%s err=%v", job.ID, job.TraceID, err)
			errs = append(errs, err)
		}
		if expired != nil {
			report.Expired++
		}
	}

	retainedBefore := now.Add(-s.cfg.Retention)
	terminal, err := s.jobs.ListJobs(ctx, domain.JobFilter{
		Statuses:      []domain.JobStatus{domain.JobStatusCompleted, domain.JobStatusFailed, domain.JobStatusCancelled},
		UpdatedBefore: retainedBefore,
		Limit:         batchSize,
	})
	if err != nil {
		return report, errors.Join(append(errs, err)...)
	}
	for _, job := range terminal {
		purged, err := s.jobs.Purge(ctx, job.ID, retainedBefore)
		if err != nil {
			s.logf("purge job failed job_id=%s trace_id=%s err=%v", job.ID, job.TraceID, err)
			errs = append(errs, err)
			continue
		}
		if purged {
			report.Purged++
		}
	}

	// Jobs waiting for a worker past the stall threshold may have lost their
	// queue entry to a crash between the store write and the enqueue.
	waiting, err := s.jobs.ListJobs(ctx, domain.JobFilter{
		Statuses:      []domain.JobStatus{domain.JobStatusPending, domain.JobStatusProcessing},
		UpdatedBefore: staleBefore,
		Limit:         batchSize,
	})
	if err != nil {
		return report, errors.Join(append(errs, err)...)
	}
	for _, job := range waiting {
		requeued, err := s.jobs.Requeue(ctx, job)
		if err != nil {
			s.logf("requeue job failed job_id=%s trace_id=%s err=%v", job.ID, job.TraceID, err)
			errs = append(errs, err)
			continue
		}
		if requeued {
			report.Requeued++
		}
	}

	return report, errors.Join(errs...)
}

func (s *Sweeper) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
