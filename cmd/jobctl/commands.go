package main

import (
	"fmt"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/iago/download-jobs/internal/domain"
	"github.com/iago/download-jobs/internal/service"
)

type jobView struct {
	JobID          string           `json:"job_id"`
	Status         domain.JobStatus `json:"status"`
	FileIDs        []int64          `json:"file_ids"`
	Current        int              `json:"progress_current"`
	Total          int              `json:"progress_total"`
	AccessURL      string           `json:"access_url,omitempty"`
	ExpiresAt      *time.Time       `json:"expires_at,omitempty"`
	ArtifactRef    string           `json:"artifact_ref,omitempty"`
	ErrorKind      domain.ErrorKind `json:"error_kind,omitempty"`
	ErrorMessage   string           `json:"error_message,omitempty"`
	AttemptCount   int              `json:"attempt_count"`
	ClaimedBy      string           `json:"claimed_by,omitempty"`
	Leased         bool             `json:"leased"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
	TraceID        string           `json:"trace_id"`
	Version        int64            `json:"version"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

func newJobView(job *domain.Job) jobView {
	view := jobView{
		JobID:          job.ID,
		Status:         job.Status,
		FileIDs:        job.FileIDs,
		Current:        job.Progress.Current,
		Total:          job.Progress.Total,
		AttemptCount:   job.AttemptCount,
		ClaimedBy:      job.ClaimedBy,
		Leased:         job.LeaseToken != "",
		IdempotencyKey: job.IdempotencyKey,
		TraceID:        job.TraceID,
		Version:        job.Version,
		CreatedAt:      job.CreatedAt,
		UpdatedAt:      job.UpdatedAt,
	}
	if job.Result != nil {
		expiresAt := job.Result.ExpiresAt
		view.AccessURL = job.Result.AccessURL
		view.ExpiresAt = &expiresAt
		view.ArtifactRef = job.Result.ArtifactRef
	}
	if job.Error != nil {
		view.ErrorKind = job.Error.Kind
		view.ErrorMessage = job.Error.Message
	}
	return view
}

func CreateCmd(env *environment) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <file_id>...",
		Short: "Create a download job for the given file ids",
		Long: "Create a download job. With the in-process queue the work item is lost when\n" +
			"the command exits, so point REDIS_ADDR at the queue the workers consume.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fileIDs := make([]int64, 0, len(args))
			for _, arg := range args {
				fileID, err := strconv.ParseInt(arg, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid file id %q: %w", arg, err)
				}
				fileIDs = append(fileIDs, fileID)
			}
			key, _ := cmd.Flags().GetString("idempotency-key")

			runtime, err := env.Runtime(cmd.Context())
			if err != nil {
				return err
			}
			job, created, err := runtime.Jobs.CreateJob(cmd.Context(), service.CreateJobInput{
				FileIDs:        fileIDs,
				IdempotencyKey: key,
			})
			if job != nil {
				if !created {
					fmt.Fprintln(cmd.ErrOrStderr(), "existing job returned for idempotency key")
				}
				if printErr := printJSON(cmd.OutOrStdout(), newJobView(job)); printErr != nil {
					return printErr
				}
			}
			return err
		},
	}
	cmd.Flags().String("idempotency-key", "", "Return the existing job when this key was already used")
	return cmd
}

func StatusCmd(env *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job_id>",
		Short: "Show a job snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runtime, err := env.Runtime(cmd.Context())
			if err != nil {
				return err
			}
			job, err := runtime.Jobs.GetStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), newJobView(job))
		},
	}
}

func CancelCmd(env *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job_id>",
		Short: "Cancel a pending or processing job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runtime, err := env.Runtime(cmd.Context())
			if err != nil {
				return err
			}
			job, err := runtime.Jobs.CancelJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), newJobView(job))
		},
	}
}

func ListCmd(env *environment) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, optionally filtered by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses, _ := cmd.Flags().GetStringSlice("status")
			limit, _ := cmd.Flags().GetInt("limit")

			filter := domain.JobFilter{Limit: limit}
			for _, raw := range statuses {
				status := domain.JobStatus(raw)
				if !status.Valid() {
					return fmt.Errorf("unknown status %q", raw)
				}
				filter.Statuses = append(filter.Statuses, status)
			}

			runtime, err := env.Runtime(cmd.Context())
			if err != nil {
				return err
			}
			jobs, err := runtime.Jobs.ListJobs(cmd.Context(), filter)
			if err != nil {
				return fmt.Errorf("failed to list jobs: %w", err)
			}
			views := make([]jobView, 0, len(jobs))
			for _, job := range jobs {
				views = append(views, newJobView(job))
			}
			return printJSON(cmd.OutOrStdout(), views)
		},
	}
	cmd.Flags().StringSlice("status", nil, "Filter by status (pending, processing, completed, failed, cancelled)")
	cmd.Flags().Int("limit", 50, "Maximum number of jobs to return")
	return cmd
}

func SweepCmd(env *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one sweeper pass: expire stalled jobs, purge expired ones, requeue stranded ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			runtime, err := env.Runtime(cmd.Context())
			if err != nil {
				return err
			}
			report, sweepErr := runtime.Sweeper.SweepOnce(cmd.Context())
			if err := printJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			return sweepErr
		},
	}
}

func QueueStatsCmd(env *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "queue-stats",
		Short: "Show ready and leased work item counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			runtime, err := env.Runtime(cmd.Context())
			if err != nil {
				return err
			}
			stats, err := runtime.Jobs.QueueStats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
}

func WorkerCmd(env *environment) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the worker pool without the HTTP API until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			withSweeper, _ := cmd.Flags().GetBool("sweeper")

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			runtime, err := env.Runtime(ctx)
			if err != nil {
				return err
			}
			group, groupCtx := errgroup.WithContext(ctx)
			group.Go(func() error {
				return runtime.Pool.Run(groupCtx)
			})
			if withSweeper {
				group.Go(func() error {
					return runtime.Sweeper.Run(groupCtx)
				})
			}
			return group.Wait()
		},
	}
	cmd.Flags().Bool("sweeper", false, "Also run the periodic sweeper in this process")
	return cmd
}
