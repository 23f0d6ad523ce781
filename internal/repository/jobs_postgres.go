package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iago/download-jobs/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS download_jobs (
	id                TEXT PRIMARY KEY,
	status            TEXT NOT NULL,
	file_ids          BIGINT[] NOT NULL,
	progress_current  INTEGER NOT NULL DEFAULT 0,
	progress_total    INTEGER NOT NULL,
	access_url        TEXT,
	access_expires_at TIMESTAMPTZ,
	artifact_ref      TEXT,
	error_kind        TEXT,
	error_message     TEXT,
	idempotency_key   TEXT UNIQUE,
	trace_id          TEXT NOT NULL DEFAULT '',
	claimed_by        TEXT NOT NULL DEFAULT '',
	lease_token       TEXT NOT NULL DEFAULT '',
	attempt_count     INTEGER NOT NULL DEFAULT 0,
	version           BIGINT NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS download_jobs_status_updated_idx ON download_jobs (status, updated_at);
`

const jobColumns = `id, status, file_ids, progress_current, progress_total,
	access_url, access_expires_at, artifact_ref, error_kind, error_message,
	idempotency_key, trace_id, claimed_by, lease_token, attempt_count, version,
	created_at, updated_at`

// uniqueViolation is the SQLSTATE postgres reports for a unique index clash.
const uniqueViolation = "23505"

type PostgresJobsRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresJobsRepository(ctx context.Context, databaseURL string) (*PostgresJobsRepository, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply pg schema: %w", err)
	}
	return &PostgresJobsRepository{pool: pool}, nil
}

func (r *PostgresJobsRepository) Close() {
	r.pool.Close()
}

func (r *PostgresJobsRepository) CreateJob(ctx context.Context, job *domain.Job) error {
	row := toJobRow(job)
	_, err := r.pool.Exec(ctx, `
		INSERT INTO download_jobs (`+jobColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NULLIF($11,''),$12,$13,$14,$15,1,$16,$17)
	`,
		job.ID,
		string(job.Status),
		job.FileIDs,
		job.Progress.Current,
		job.Progress.Total,
		row.accessURL,
		row.accessExpiresAt,
		row.artifactRef,
		row.errorKind,
		row.errorMessage,
		job.IdempotencyKey,
		job.TraceID,
		job.ClaimedBy,
		job.LeaseToken,
		job.AttemptCount,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && strings.Contains(pgErr.ConstraintName, "idempotency") {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("insert job: %w", err)
	}
	job.Version = 1
	return nil
}

func (r *PostgresJobsRepository) UpdateJob(ctx context.Context, job *domain.Job) error {
	row := toJobRow(job)
	command, err := r.pool.Exec(ctx, `
		UPDATE download_jobs
		SET status = $3,
			progress_current = $4,
			access_url = $5,
			access_expires_at = $6,
			artifact_ref = $7,
			error_kind = $8,
			error_message = $9,
			claimed_by = $10,
			lease_token = $11,
			attempt_count = $12,
			updated_at = $13,
			version = version + 1
		WHERE id = $1 AND version = $2
	`,
		job.ID,
		job.Version,
		string(job.Status),
		job.Progress.Current,
		row.accessURL,
		row.accessExpiresAt,
		row.artifactRef,
		row.errorKind,
		row.errorMessage,
		job.ClaimedBy,
		job.LeaseToken,
		job.AttemptCount,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if command.RowsAffected() == 0 {
		if _, getErr := r.GetJob(ctx, job.ID); getErr != nil {
			return getErr
		}
		return ErrVersionConflict
	}
	job.Version++
	return nil
}

func (r *PostgresJobsRepository) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM download_jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query job: %w", err)
	}
	return job, nil
}

func (r *PostgresJobsRepository) GetJobByIdempotencyKey(ctx context.Context, key string) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM download_jobs WHERE idempotency_key = $1`, key)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query job by idempotency key: %w", err)
	}
	return job, nil
}

func (r *PostgresJobsRepository) ListJobs(ctx context.Context, filter domain.JobFilter) ([]*domain.Job, error) {
	where, args := buildJobFilters(filter, postgresDialect)
	query := `SELECT ` + jobColumns + ` FROM download_jobs` + where + ` ORDER BY updated_at ASC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	items := make([]*domain.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		items = append(items, job)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate jobs: %w", rows.Err())
	}
	return items, nil
}

func (r *PostgresJobsRepository) DeleteJob(ctx context.Context, jobID string) error {
	command, err := r.pool.Exec(ctx, `DELETE FROM download_jobs WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if command.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type sqlDialect struct {
	placeholder func(index int) string
	timeValue   func(value time.Time) any
}

var postgresDialect = sqlDialect{
	placeholder: func(index int) string { return fmt.Sprintf("$%d", index) },
	timeValue:   func(value time.Time) any { return value },
}

// buildJobFilters renders the WHERE clause shared by the SQL stores.
func buildJobFilters(filter domain.JobFilter, dialect sqlDialect) (string, []any) {
	placeholder := dialect.placeholder
	clauses := make([]string, 0, 3)
	args := make([]any, 0, len(filter.Statuses)+1)

	if len(filter.Statuses) > 0 {
		marks := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			args = append(args, string(status))
			marks = append(marks, placeholder(len(args)))
		}
		clauses = append(clauses, "status IN ("+strings.Join(marks, ",")+")")
	}
	if !filter.UpdatedBefore.IsZero() {
		args = append(args, dialect.timeValue(filter.UpdatedBefore))
		clauses = append(clauses, "updated_at < "+placeholder(len(args)))
	}
	if filter.LeasedOnly {
		clauses = append(clauses, "lease_token <> ''")
	}

	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

// jobRow holds the nullable columns of a job row.
type jobRow struct {
	accessURL       *string
	accessExpiresAt *time.Time
	artifactRef     *string
	errorKind       *string
	errorMessage    *string
	idempotencyKey  *string
}

func toJobRow(job *domain.Job) jobRow {
	var row jobRow
	if job.Result != nil {
		row.accessURL = &job.Result.AccessURL
		expiresAt := job.Result.ExpiresAt.UTC()
		row.accessExpiresAt = &expiresAt
		row.artifactRef = &job.Result.ArtifactRef
	}
	if job.Error != nil {
		kind := string(job.Error.Kind)
		row.errorKind = &kind
		row.errorMessage = &job.Error.Message
	}
	return row
}

func (row jobRow) apply(job *domain.Job) {
	if row.accessURL != nil {
		job.Result = &domain.JobResult{AccessURL: *row.accessURL}
		if row.accessExpiresAt != nil {
			job.Result.ExpiresAt = row.accessExpiresAt.UTC()
		}
		if row.artifactRef != nil {
			job.Result.ArtifactRef = *row.artifactRef
		}
	}
	if row.errorKind != nil {
		job.Error = &domain.JobError{Kind: domain.ErrorKind(*row.errorKind)}
		if row.errorMessage != nil {
			job.Error.Message = *row.errorMessage
		}
	}
	if row.idempotencyKey != nil {
		job.IdempotencyKey = *row.idempotencyKey
	}
}

func scanJob(scanner rowScanner) (*domain.Job, error) {
	var (
		job       domain.Job
		row       jobRow
		status    string
		createdAt time.Time
		updatedAt time.Time
	)
	err := scanner.Scan(
		&job.ID,
		&status,
		&job.FileIDs,
		&job.Progress.Current,
		&job.Progress.Total,
		&row.accessURL,
		&row.accessExpiresAt,
		&row.artifactRef,
		&row.errorKind,
		&row.errorMessage,
		&row.idempotencyKey,
		&job.TraceID,
		&job.ClaimedBy,
		&job.LeaseToken,
		&job.AttemptCount,
		&job.Version,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Status = domain.JobStatus(status)
	job.CreatedAt = createdAt.UTC()
	job.UpdatedAt = updatedAt.UTC()
	row.apply(&job)
	return &job, nil
}
